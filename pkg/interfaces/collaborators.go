package interfaces

import (
	"context"

	"medrelay/pkg/types"
)

// TokenVerifier validates an opaque bearer credential and returns the
// principal it identifies. The relay treats any verification failure,
// including verifier unavailability, as unauthorized.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*types.Principal, error)
}

// Translator produces translations for text and audio payloads. Invoked by
// the relay only for message enrichment.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang, medicalContext string) (*types.Translation, error)
	TranslateAudio(ctx context.Context, audioData, sourceLang, targetLang, medicalContext string) (*types.Translation, error)
}

// QueueStore holds pending events for participants that were unreachable at
// delivery time. Implementations serialize operations per (session,
// participant) key and bound each queue, dropping the oldest entry first.
type QueueStore interface {
	// Enqueue appends an event to the participant's pending queue.
	Enqueue(sessionID, participantID string, ev *types.Event) error

	// Drain delivers pending messages oldest-first through deliver,
	// removing each on success. On the first delivery failure the failed
	// message is put back at the front of the remaining queue and draining
	// stops. Returns the number delivered.
	Drain(sessionID, participantID string, deliver func(*types.QueuedMessage) error) (int, error)

	// Pending returns the number of messages queued for the participant.
	Pending(sessionID, participantID string) int

	// DropSession removes every queue record owned by the session.
	DropSession(sessionID string) error

	// Close releases the backing store.
	Close() error
}
