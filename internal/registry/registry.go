package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"medrelay/pkg/interfaces"
	"medrelay/pkg/types"
)

// Member is one session participant as tracked by the registry. A member
// whose connection dropped while others remain stays registered offline so
// the broadcast engine has a queue target and listParticipants can report it.
type Member struct {
	ParticipantID string
	Name          string
	Role          string
	ClientID      string
	Online        bool
}

// session holds one session's membership. Mutations are guarded by the
// session's own mutex so unrelated sessions never contend.
type session struct {
	mu      sync.Mutex
	members map[string]*member
	order   []string // participant ids in insertion order
	ended   bool
}

type member struct {
	conn     interfaces.Connection // nil while offline
	name     string
	role     string
	clientID string
}

// SessionEndFunc is invoked exactly once per session lifetime, when the last
// online member detaches or the session is removed administratively.
type SessionEndFunc func(sessionID, reason string)

// Registry is the authoritative in-memory mapping from session id to attached
// connections. It is not persisted; queued offline messages belong to the
// durable queue store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	onEnd    SessionEndFunc
	logger   zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// OnSessionEnd sets the callback fired when a session is deleted. Set during
// wiring, before any connection is admitted.
func (r *Registry) OnSessionEnd(fn SessionEndFunc) {
	r.onEnd = fn
}

// Lookup returns the current member entry for (sessionID, participantID).
func (r *Registry) Lookup(sessionID, participantID string) (Member, bool) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Member{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[participantID]
	if !ok {
		return Member{}, false
	}
	return Member{
		ParticipantID: participantID,
		Name:          m.name,
		Role:          m.role,
		ClientID:      m.clientID,
		Online:        m.conn != nil,
	}, true
}

// Attach registers a connection, creating the session on first join. If a
// live connection already exists for the same participant it is returned so
// the caller can close it with the appropriate code; the new connection
// replaces it rather than coexisting.
func (r *Registry) Attach(conn interfaces.Connection) interfaces.Connection {
	sessionID := conn.SessionID()
	participantID := conn.ParticipantID()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		// A session that is ending concurrently must not adopt new
		// members; replace it so the join lands in a fresh lifetime.
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if ended {
			ok = false
		}
	}
	if !ok {
		s = &session{members: make(map[string]*member)}
		r.sessions[sessionID] = s
		r.logger.Info().Str("session_id", sessionID).Msg("session created")
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var prior interfaces.Connection
	if m, exists := s.members[participantID]; exists {
		prior = m.conn
		m.conn = conn
		m.name = conn.Name()
		m.role = conn.Role()
		m.clientID = conn.ClientID()
	} else {
		s.members[participantID] = &member{
			conn:     conn,
			name:     conn.Name(),
			role:     conn.Role(),
			clientID: conn.ClientID(),
		}
		s.order = append(s.order, participantID)
	}
	return prior
}

// Detach removes the connection identified by connectionID from the session.
// The instance check makes detach safe against a replacement that was
// registered between the caller's lookup and now: an old connection never
// unregisters its successor. Marks the member offline; when no online member
// remains the session entry is deleted and the session-end notification
// fires. Returns true when this call removed a live connection.
func (r *Registry) Detach(sessionID, participantID, connectionID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	m, exists := s.members[participantID]
	if !exists || m.conn == nil || m.conn.ConnectionID() != connectionID {
		s.mu.Unlock()
		return false
	}
	m.conn = nil

	online := 0
	for _, mm := range s.members {
		if mm.conn != nil {
			online++
		}
	}
	lastOut := online == 0 && !s.ended
	if lastOut {
		s.ended = true
	}
	s.mu.Unlock()

	if lastOut {
		r.deleteSession(sessionID, s, "last participant disconnected")
	}
	return true
}

// Get returns the live connection for a participant, if any.
func (r *Registry) Get(sessionID, participantID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.members[participantID]
	if !exists || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}

// SnapshotEntry pairs a participant id with its live connection (nil while
// offline) for broadcast iteration.
type SnapshotEntry struct {
	ParticipantID string
	Conn          interfaces.Connection
}

// Snapshot returns the session membership at this instant, insertion-ordered.
// Deliveries made from a snapshot are eventually consistent: a member that
// left in the meantime yields a failed send, not a crash.
func (r *Registry) Snapshot(sessionID string) []SnapshotEntry {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]SnapshotEntry, 0, len(s.order))
	for _, id := range s.order {
		if m, exists := s.members[id]; exists {
			entries = append(entries, SnapshotEntry{ParticipantID: id, Conn: m.conn})
		}
	}
	return entries
}

// List returns session members in insertion order with their online state.
func (r *Registry) List(sessionID string) []types.ParticipantInfo {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]types.ParticipantInfo, 0, len(s.order))
	for _, id := range s.order {
		m, exists := s.members[id]
		if !exists {
			continue
		}
		infos = append(infos, types.ParticipantInfo{
			ID:     id,
			Name:   m.name,
			Role:   m.role,
			Online: m.conn != nil,
		})
	}
	return infos
}

// Count returns the number of online members in the session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.members {
		if m.conn != nil {
			count++
		}
	}
	return count
}

// Sessions returns the ids of all known sessions.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RemoveSession deletes the session entry administratively, returning the
// live connections that were attached so the caller can close them. The
// session-end notification fires with the supplied reason.
func (r *Registry) RemoveSession(sessionID, reason string) []interfaces.Connection {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	var conns []interfaces.Connection
	for _, m := range s.members {
		if m.conn != nil {
			conns = append(conns, m.conn)
			m.conn = nil
		}
	}
	alreadyEnded := s.ended
	s.ended = true
	s.mu.Unlock()

	if !alreadyEnded {
		r.deleteSession(sessionID, s, reason)
	}
	return conns
}

// Stats returns registry counters for the admin surface.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	connections := 0
	for _, s := range sessions {
		s.mu.Lock()
		for _, m := range s.members {
			if m.conn != nil {
				connections++
			}
		}
		s.mu.Unlock()
	}
	return map[string]int{
		"active_sessions":   len(sessions),
		"total_connections": connections,
	}
}

func (r *Registry) deleteSession(sessionID string, s *session, reason string) {
	r.mu.Lock()
	// Guard against the entry having been replaced by a fresh join racing
	// the deletion.
	if cur, ok := r.sessions[sessionID]; ok && cur == s {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	r.logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session ended")
	if r.onEnd != nil {
		r.onEnd(sessionID, reason)
	}
}
