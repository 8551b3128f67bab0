package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"medrelay/pkg/types"
)

// Client calls the translation edge service. The relay invokes it only to
// enrich translation and audio_translation events; failures surface as an
// error event to the sender, never to the whole session.
type Client struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient creates a translation gateway client.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "translate").Logger(),
	}
}

type textRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Context        string `json:"context"`
}

type audioRequest struct {
	AudioData      string `json:"audioData"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Context        string `json:"context"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Translate posts text to /translate and returns the enriched result.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang, medicalContext string) (*types.Translation, error) {
	if medicalContext == "" {
		medicalContext = "general"
	}
	return c.post(ctx, "/translate", textRequest{
		Text:           text,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		Context:        medicalContext,
	})
}

// TranslateAudio posts base64 audio to /translate-audio. The result carries
// the transcribed source text alongside the translation.
func (c *Client) TranslateAudio(ctx context.Context, audioData, sourceLang, targetLang, medicalContext string) (*types.Translation, error) {
	if medicalContext == "" {
		medicalContext = "general"
	}
	return c.post(ctx, "/translate-audio", audioRequest{
		AudioData:      audioData,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		Context:        medicalContext,
	})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*types.Translation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translation service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errResp := errorResponse{}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return nil, fmt.Errorf("translation service: %s", errResp.Error)
		}
		return nil, fmt.Errorf("translation service: status %d", resp.StatusCode)
	}

	result := &types.Translation{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("invalid translation response: %w", err)
	}
	c.logger.Debug().
		Str("path", path).
		Float64("confidence", result.Confidence).
		Dur("elapsed", time.Since(start)).
		Msg("translation completed")
	return result, nil
}
