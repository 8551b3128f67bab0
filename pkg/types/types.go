package types

import (
	"time"
)

// Participant roles. Admins may attach to observe or manage any session.
const (
	RoleProvider = "provider"
	RolePatient  = "patient"
	RoleAdmin    = "admin"
)

// IsValidRole reports whether role is one of the three participant roles.
func IsValidRole(role string) bool {
	return role == RoleProvider || role == RolePatient || role == RoleAdmin
}

// Principal is the identity returned by the token verifier. The relay never
// issues or refreshes tokens; it only consumes verified principals.
type Principal struct {
	Subject  string `json:"subject"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// ParticipantInfo is the registry's view of one session member, ordered by
// insertion for listParticipants.
type ParticipantInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Online bool   `json:"online"`
}

// QueuedMessage is an event held by the durable queue store on behalf of one
// (session, participant) pair until it can be redelivered.
type QueuedMessage struct {
	Event    *Event    `json:"event"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Translation is the translation gateway's result for a text or audio
// request.
type Translation struct {
	OriginalText   string  `json:"originalText"`
	TranslatedText string  `json:"translatedText"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processingTime"`
	SourceText     string  `json:"sourceText,omitempty"`
}
