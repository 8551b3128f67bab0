package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"medrelay/pkg/interfaces"
	"medrelay/pkg/types"
)

// HTTPVerifier asks the external identity service to validate a bearer
// credential. The relay only consumes principals; it never issues or
// refreshes tokens.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPVerifier creates a verifier client for the given base URL.
func NewHTTPVerifier(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "verifier").Logger(),
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify posts the token to {base}/verify and returns the principal it
// identifies. A 401/403 response maps to ErrInvalidToken; transport failures
// map to ErrVerifierUnavailable, which admission treats the same way.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (*types.Principal, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn().Err(err).Msg("verifier request failed")
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, interfaces.ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", interfaces.ErrVerifierUnavailable, resp.StatusCode)
	}

	principal := &types.Principal{}
	if err := json.NewDecoder(resp.Body).Decode(principal); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerifierUnavailable, err)
	}
	if principal.Subject == "" {
		return nil, interfaces.ErrInvalidToken
	}
	return principal, nil
}

// StaticVerifier maps opaque tokens to principals directly. Used in
// development and tests where no identity service is running.
type StaticVerifier struct {
	principals map[string]types.Principal
}

// NewStaticVerifier creates a verifier over a fixed token table.
func NewStaticVerifier(principals map[string]types.Principal) *StaticVerifier {
	return &StaticVerifier{principals: principals}
}

// Verify looks the token up in the table.
func (v *StaticVerifier) Verify(_ context.Context, token string) (*types.Principal, error) {
	p, ok := v.principals[token]
	if !ok {
		return nil, interfaces.ErrInvalidToken
	}
	return &p, nil
}
