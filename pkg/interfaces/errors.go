package interfaces

import "errors"

// Shared collaborator errors.
var (
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrVerifierUnavailable = errors.New("token verifier unavailable")
)
