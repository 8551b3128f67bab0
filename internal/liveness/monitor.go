package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medrelay/internal/registry"
	"medrelay/internal/relay"
	"medrelay/pkg/interfaces"
	"medrelay/pkg/types"
)

// DefaultInterval is the heartbeat cycle period.
const DefaultInterval = 30 * time.Second

// Monitor runs the periodic heartbeat cycle. Each cycle, a connection whose
// liveness flag is still clear (no traffic or ack since the previous cycle)
// is force-closed and evicted; everyone else has the flag cleared and
// receives a heartbeat probe. Single-miss policy: one silent interval is
// enough for eviction.
type Monitor struct {
	registry *registry.Registry
	engine   *relay.Engine
	interval time.Duration
	logger   zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMonitor creates a liveness monitor. A non-positive interval falls back
// to the default.
func NewMonitor(reg *registry.Registry, engine *relay.Engine, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		registry: reg,
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "liveness").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start launches the monitor loop. Call in a goroutine or rely on the
// internal one; Start returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Cycle()
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the monitor. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Cycle runs one heartbeat pass over every connection in every session.
func (m *Monitor) Cycle() {
	probe := types.NewEvent(types.EventHeartbeat, nil)

	for _, sessionID := range m.registry.Sessions() {
		for _, entry := range m.registry.Snapshot(sessionID) {
			conn := entry.Conn
			if conn == nil {
				continue
			}
			if !conn.Alive() {
				m.evict(sessionID, entry.ParticipantID, conn)
				continue
			}
			conn.SetAlive(false)
			if err := conn.WriteEvent(probe); err != nil {
				// Probe write failure counts as the miss; the next
				// cycle will evict unless traffic arrives.
				m.logger.Debug().Err(err).
					Str("session_id", sessionID).
					Str("participant_id", entry.ParticipantID).
					Msg("heartbeat probe failed")
			}
		}
	}
}

// evict removes a silently-dead connection. Detach guards the user_left
// notification: if the read loop (or a replacement) already cleaned up, this
// is a no-op.
func (m *Monitor) evict(sessionID, participantID string, conn interfaces.Connection) {
	_ = conn.CloseWithCode(types.CloseHeartbeatTimeout, "heartbeat timeout")
	if !m.registry.Detach(sessionID, participantID, conn.ConnectionID()) {
		return
	}

	left := types.NewEvent(types.EventUserLeft, map[string]interface{}{
		"participantCount": m.registry.Count(sessionID),
		"reason":           "heartbeat_timeout",
	})
	left.Sender = &types.Sender{ID: participantID}
	m.engine.Broadcast(sessionID, left, participantID, false)

	m.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Msg("evicted unresponsive connection")
}
