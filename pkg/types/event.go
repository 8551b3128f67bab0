package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types carried over the WebSocket. Clients send the content and
// control types; the relay emits the lifecycle types.
const (
	EventTranslation      = "translation"
	EventAudioTranslation = "audio_translation"
	EventMessage          = "message"
	EventMedicalTerm      = "medical_term"
	EventSessionUpdate    = "session_update"
	EventTyping           = "typing"

	EventHeartbeat    = "heartbeat"
	EventHeartbeatAck = "heartbeat_ack"

	EventConnected       = "connected"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventUserReconnected = "user_reconnected"
	EventSessionClosed   = "session_closed"
	EventError           = "error"
)

// queueableTypes is the closed set of event types worth holding for an
// offline participant. Presence, heartbeat, and error traffic is meaningless
// after the fact and is never queued.
var queueableTypes = map[string]bool{
	EventTranslation:      true,
	EventAudioTranslation: true,
	EventMessage:          true,
	EventMedicalTerm:      true,
	EventSessionUpdate:    true,
}

// Queueable reports whether events of this type may be stored for offline
// redelivery.
func Queueable(eventType string) bool {
	return queueableTypes[eventType]
}

// Sender identifies the participant an event originated from.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Event is the wire envelope for everything crossing a relay connection.
// Type-specific fields live in Data and are flattened into the envelope on
// marshal, so the wire form is a single flat JSON object.
type Event struct {
	Type      string
	MessageID string
	Sender    *Sender
	Timestamp time.Time
	Data      map[string]interface{}
}

// Reserved envelope keys; payload fields may not use these names.
const (
	keyType      = "type"
	keyMessageID = "messageId"
	keySender    = "sender"
	keyTimestamp = "timestamp"
)

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewMessageID returns a fresh ULID. ULIDs sort by creation time, which keeps
// replayed queue contents and live traffic ordered by a single key.
func NewMessageID() string {
	return ulid.Make().String()
}

// EnsureMessageID assigns a message id if the event has none and returns it.
func (e *Event) EnsureMessageID() string {
	if e.MessageID == "" {
		e.MessageID = NewMessageID()
	}
	return e.MessageID
}

// Get returns the named payload field if it is a string, or "".
func (e *Event) Get(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// MarshalJSON flattens the payload into the envelope.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Data)+4)
	for k, v := range e.Data {
		out[k] = v
	}
	out[keyType] = e.Type
	if e.MessageID != "" {
		out[keyMessageID] = e.MessageID
	}
	if e.Sender != nil {
		out[keySender] = e.Sender
	}
	if !e.Timestamp.IsZero() {
		out[keyTimestamp] = e.Timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat wire object back into envelope fields and
// payload. Unknown fields become payload entries; reserved keys never do.
func (e *Event) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw[keyType]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return fmt.Errorf("invalid event type: %w", err)
		}
		delete(raw, keyType)
	}
	if v, ok := raw[keyMessageID]; ok {
		if err := json.Unmarshal(v, &e.MessageID); err != nil {
			return fmt.Errorf("invalid message id: %w", err)
		}
		delete(raw, keyMessageID)
	}
	if v, ok := raw[keySender]; ok {
		sender := &Sender{}
		if err := json.Unmarshal(v, sender); err != nil {
			return fmt.Errorf("invalid sender: %w", err)
		}
		e.Sender = sender
		delete(raw, keySender)
	}
	if v, ok := raw[keyTimestamp]; ok {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		e.Timestamp = parsed
		delete(raw, keyTimestamp)
	}

	if len(raw) > 0 {
		e.Data = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			var val interface{}
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			e.Data[k] = val
		}
	}
	return nil
}
