// Package testutil provides shared test doubles for the relay packages.
package testutil

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"medrelay/pkg/types"
)

// MockConn implements interfaces.Connection without a real socket.
type MockConn struct {
	IDVal          string
	SessionVal     string
	ParticipantVal string
	RoleVal        string
	NameVal        string
	LanguageVal    string
	ClientVal      string
	FailWrites     bool

	mu           sync.Mutex
	events       []*types.Event
	closed       bool
	closeCode    int
	closeReason  string
	alive        bool
	lastActivity time.Time
}

// NewMockConn creates a mock connection for the given identity.
func NewMockConn(sessionID, participantID, role, name string) *MockConn {
	id := uuid.New().String()
	return &MockConn{
		IDVal:          id,
		SessionVal:     sessionID,
		ParticipantVal: participantID,
		RoleVal:        role,
		NameVal:        name,
		ClientVal:      id,
		alive:          true,
		lastActivity:   time.Now(),
	}
}

func (m *MockConn) WriteEvent(ev *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.FailWrites {
		return errWriteFailed
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConn) CloseWithCode(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.closeCode = code
		m.closeReason = reason
	}
	return nil
}

func (m *MockConn) ConnectionID() string  { return m.IDVal }
func (m *MockConn) SessionID() string     { return m.SessionVal }
func (m *MockConn) ParticipantID() string { return m.ParticipantVal }
func (m *MockConn) Role() string          { return m.RoleVal }
func (m *MockConn) Name() string          { return m.NameVal }
func (m *MockConn) Language() string      { return m.LanguageVal }
func (m *MockConn) ClientID() string      { return m.ClientVal }

func (m *MockConn) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *MockConn) SetAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

func (m *MockConn) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = true
	m.lastActivity = time.Now()
}

func (m *MockConn) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Events returns a copy of everything written to this connection.
func (m *MockConn) Events() []*types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventTypes returns the types of everything written, in order.
func (m *MockConn) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// Closed reports whether Close or CloseWithCode was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CloseCode returns the application close code recorded by CloseWithCode.
func (m *MockConn) CloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}

type writeError string

func (e writeError) Error() string { return string(e) }

var errWriteFailed = writeError("write failed")
