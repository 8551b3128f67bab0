package relay

import (
	"github.com/rs/zerolog"

	"medrelay/internal/registry"
	"medrelay/pkg/interfaces"
	"medrelay/pkg/types"
)

// Engine delivers events to session members. Unreachable members get
// queueable events handed to the durable queue store instead of dropped;
// everything else follows the fixed queueable classification in pkg/types.
type Engine struct {
	registry *registry.Registry
	queue    interfaces.QueueStore
	logger   zerolog.Logger
}

// NewEngine creates a broadcast engine.
func NewEngine(reg *registry.Registry, queue interfaces.QueueStore, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: reg,
		queue:    queue,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

// Broadcast delivers an event to every member of the session except
// excludeParticipant, returning the number of live deliveries. Broadcasting
// to a session that does not exist is a no-op returning zero: sessions can
// legitimately vanish between a producer's lookup and send.
func (e *Engine) Broadcast(sessionID string, ev *types.Event, excludeParticipant string, allowQueue bool) int {
	delivered := 0
	for _, entry := range e.registry.Snapshot(sessionID) {
		if entry.ParticipantID == excludeParticipant {
			continue
		}
		if e.deliver(sessionID, entry.ParticipantID, entry.Conn, ev, allowQueue) {
			delivered++
		}
	}
	return delivered
}

// SendToUser delivers an event to a single participant, applying the same
// queueing rule as Broadcast. Returns true on live delivery.
func (e *Engine) SendToUser(sessionID, participantID string, ev *types.Event, allowQueue bool) bool {
	conn, _ := e.registry.Get(sessionID, participantID)
	return e.deliver(sessionID, participantID, conn, ev, allowQueue)
}

func (e *Engine) deliver(sessionID, participantID string, conn interfaces.Connection, ev *types.Event, allowQueue bool) bool {
	if conn != nil {
		err := conn.WriteEvent(ev)
		if err == nil {
			return true
		}
		// A failed write to a live-looking socket means the recipient is
		// unreachable; fall through to the queueing rule.
		e.logger.Debug().Err(err).
			Str("session_id", sessionID).
			Str("participant_id", participantID).
			Str("type", ev.Type).
			Msg("delivery failed")
	}

	if allowQueue && types.Queueable(ev.Type) {
		if err := e.queue.Enqueue(sessionID, participantID, ev); err != nil {
			e.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("participant_id", participantID).
				Msg("failed to queue undeliverable event")
		}
	}
	return false
}

// Replay drains the participant's pending queue to conn in FIFO order.
// Returns the number of messages redelivered.
func (e *Engine) Replay(sessionID, participantID string, conn interfaces.Connection) (int, error) {
	return e.queue.Drain(sessionID, participantID, func(qm *types.QueuedMessage) error {
		return conn.WriteEvent(qm.Event)
	})
}

// CloseSession permanently closes a session: members are told via
// session_closed, their sockets are closed, the registry entry is removed and
// the session's queue records are dropped. Returns the number of connections
// that were closed.
func (e *Engine) CloseSession(sessionID, reason string) int {
	ev := types.NewEvent(types.EventSessionClosed, map[string]interface{}{
		"reason": reason,
	})
	e.Broadcast(sessionID, ev, "", false)

	conns := e.registry.RemoveSession(sessionID, reason)
	for _, conn := range conns {
		_ = conn.CloseWithCode(types.CloseSessionEnded, reason)
	}
	if err := e.queue.DropSession(sessionID); err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to drop session queues")
	}
	e.logger.Info().Str("session_id", sessionID).Str("reason", reason).Int("closed", len(conns)).Msg("session closed")
	return len(conns)
}
