package interfaces

import (
	"time"

	"medrelay/pkg/types"
)

// Connection is one authenticated, live attachment of a participant to a
// session. Implementations must serialize writes (single-writer pattern) and
// make Close idempotent.
type Connection interface {
	// WriteEvent sends an event to the client (thread-safe).
	WriteEvent(ev *types.Event) error

	// Close closes the connection and cleans up resources. Closing an
	// already-closed connection is a no-op.
	Close() error

	// CloseWithCode sends a close frame with the given application close
	// code before closing.
	CloseWithCode(code int, reason string) error

	// ConnectionID is unique per socket instance.
	ConnectionID() string

	// SessionID returns the session this connection is attached to.
	SessionID() string

	// ParticipantID returns the verified subject id.
	ParticipantID() string

	// Role returns the participant role (provider, patient, admin).
	Role() string

	// Name returns the participant display name.
	Name() string

	// Language returns the participant's preferred language, if any.
	Language() string

	// ClientID is stable across reconnects of the same logical client;
	// defaults to the connection id when the client did not supply one.
	ClientID() string

	// Alive reports the liveness flag set by inbound traffic and cleared
	// by the heartbeat cycle.
	Alive() bool

	// SetAlive sets or clears the liveness flag.
	SetAlive(alive bool)

	// Touch records inbound activity.
	Touch()

	// LastActivity returns the time of the most recent inbound traffic.
	LastActivity() time.Time
}
