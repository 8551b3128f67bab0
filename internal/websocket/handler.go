package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"medrelay/internal/registry"
	"medrelay/internal/relay"
	"medrelay/internal/router"
	"medrelay/pkg/interfaces"
	"medrelay/pkg/types"
)

// AdmissionKind is the explicit outcome of the admission algorithm, threaded
// through to the notification step instead of being inferred at call sites.
type AdmissionKind int

const (
	// AdmissionFresh: the participant was not present in the session.
	AdmissionFresh AdmissionKind = iota
	// AdmissionReconnected: the same logical client (same client id, or an
	// explicit reconnect hint) re-attached, superseding its own prior
	// connection if one was still live.
	AdmissionReconnected
	// AdmissionTookOver: a different client id attached for an
	// already-connected participant identity, replacing the prior client.
	AdmissionTookOver
)

func (k AdmissionKind) String() string {
	switch k {
	case AdmissionReconnected:
		return "reconnected"
	case AdmissionTookOver:
		return "took_over"
	default:
		return "fresh"
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the deployment in front of the
		// relay; tokens gate admission here.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler performs connection admission and runs the per-connection read
// loop.
type Handler struct {
	registry      *registry.Registry
	engine        *relay.Engine
	router        *router.Router
	verifier      interfaces.TokenVerifier
	verifyTimeout time.Duration
	logger        zerolog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(reg *registry.Registry, engine *relay.Engine, rt *router.Router, verifier interfaces.TokenVerifier, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:      reg,
		engine:        engine,
		router:        rt,
		verifier:      verifier,
		verifyTimeout: 5 * time.Second,
		logger:        logger.With().Str("component", "admission").Logger(),
	}
}

// HandleWebSocket admits a connection request on /ws/{session_id}. Admission
// failures close the socket with a distinguishable application close code
// rather than an HTTP error, so clients behind proxies see a consistent
// close-code contract.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	token := r.URL.Query().Get("token")
	clientID := r.URL.Query().Get("client_id")
	reconnectHint := r.URL.Query().Get("reconnect") == "true"

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.admit(conn, sessionID, token, clientID, reconnectHint)
}

func (h *Handler) admit(raw *websocket.Conn, sessionID, token, clientID string, reconnectHint bool) {
	// An unexpected failure during admission closes this socket with an
	// internal-error code; it must never take the process down or touch
	// other sessions.
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error().Interface("panic", rec).Str("session_id", sessionID).Msg("panic during admission")
			closeRaw(raw, types.CloseInternalError, "internal error")
		}
	}()

	if sessionID == "" || token == "" {
		closeRaw(raw, types.CloseBadRequest, "session_id and token are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.verifyTimeout)
	principal, err := h.verifier.Verify(ctx, token)
	cancel()
	if err != nil || principal == nil || principal.Subject == "" {
		// Verifier unavailability is indistinguishable from a bad token
		// on purpose: the relay never retries admission.
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("token rejected")
		closeRaw(raw, types.CloseUnauthorized, "invalid token")
		return
	}
	if !types.IsValidRole(principal.Role) {
		closeRaw(raw, types.CloseUnauthorized, "unknown role")
		return
	}

	wsConn := NewConnection(raw, sessionID, *principal, clientID)
	kind := h.classify(sessionID, principal.Subject, wsConn.ClientID(), reconnectHint)

	prior := h.registry.Attach(wsConn)
	if prior != nil {
		// The close code is keyed to the client id relationship, not the
		// admission kind: the same logical client superseding itself is
		// distinguishable from a second device taking over.
		if prior.ClientID() == wsConn.ClientID() {
			_ = prior.CloseWithCode(types.CloseSupersededByReconnect, "superseded by reconnect")
		} else {
			_ = prior.CloseWithCode(types.CloseReplacedByClient, "replaced by another client")
		}
	}

	// Queue replay runs on every admission so a second device still
	// receives anything queued for the identity; for a true fresh join the
	// queue is empty and this is a no-op. Replay failures degrade, they
	// never abort admission.
	replayed, err := h.engine.Replay(sessionID, principal.Subject, wsConn)
	if err != nil {
		h.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("participant_id", principal.Subject).
			Msg("queue replay incomplete")
	}

	welcome := types.NewEvent(types.EventConnected, map[string]interface{}{
		"sessionId":          sessionID,
		"connectionId":       wsConn.ConnectionID(),
		"participantCount":   h.registry.Count(sessionID),
		"reconnected":        kind == AdmissionReconnected,
		"queuedMessageCount": replayed,
	})
	if err := wsConn.WriteEvent(welcome); err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to send welcome")
	}

	notifyType := types.EventUserJoined
	if kind == AdmissionReconnected {
		notifyType = types.EventUserReconnected
	}
	notice := types.NewEvent(notifyType, map[string]interface{}{
		"participantCount": h.registry.Count(sessionID),
	})
	notice.Sender = &types.Sender{ID: principal.Subject, Name: principal.Name, Role: principal.Role}
	h.engine.Broadcast(sessionID, notice, principal.Subject, false)

	h.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", principal.Subject).
		Str("role", principal.Role).
		Str("admission", kind.String()).
		Int("replayed", replayed).
		Msg("connection admitted")

	go h.serve(wsConn)
}

// classify resolves the admission kind from the registry's view of the
// participant before the new connection is attached.
func (h *Handler) classify(sessionID, participantID, clientID string, reconnectHint bool) AdmissionKind {
	member, exists := h.registry.Lookup(sessionID, participantID)
	switch {
	case !exists:
		if reconnectHint {
			return AdmissionReconnected
		}
		return AdmissionFresh
	case member.ClientID == clientID || reconnectHint:
		return AdmissionReconnected
	case member.Online:
		return AdmissionTookOver
	default:
		return AdmissionFresh
	}
}

// serve is the per-connection read loop. Inbound events are processed in
// arrival order for this socket, concurrently across sockets.
func (h *Handler) serve(conn *Connection) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error().Interface("panic", rec).
				Str("connection_id", conn.ConnectionID()).
				Msg("panic in connection loop")
		}
		h.teardown(conn)
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", conn.ConnectionID()).Msg("read loop ended")
			}
			return
		}
		conn.Touch()

		ev := &types.Event{}
		if err := json.Unmarshal(data, ev); err != nil || ev.Type == "" {
			conn.addError()
			h.echoError(conn, "malformed event payload")
			continue
		}

		// Control events are isolated from generic dispatch so a
		// malformed control message is never mistaken for content.
		if h.handleControl(conn, ev) {
			continue
		}

		if err := h.router.Dispatch(conn.ctx, conn, ev); err != nil {
			conn.addError()
			h.logger.Warn().Err(err).
				Str("connection_id", conn.ConnectionID()).
				Str("type", ev.Type).
				Msg("dispatch failed")
			h.echoError(conn, err.Error())
			continue
		}
		conn.addMessage()
	}
}

// handleControl consumes heartbeat traffic. Touch already restored the
// liveness flag; a heartbeat probe additionally gets an echo so clients can
// measure the round-trip.
func (h *Handler) handleControl(conn *Connection, ev *types.Event) bool {
	switch ev.Type {
	case types.EventHeartbeat:
		ack := types.NewEvent(types.EventHeartbeatAck, nil)
		ack.MessageID = ev.MessageID
		_ = conn.WriteEvent(ack)
		return true
	case types.EventHeartbeatAck:
		return true
	default:
		return false
	}
}

// echoError reports a processing failure to the originating sender only;
// errors are never broadcast to the session.
func (h *Handler) echoError(conn *Connection, message string) {
	ev := types.NewEvent(types.EventError, map[string]interface{}{
		"message": message,
	})
	if err := conn.WriteEvent(ev); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", conn.ConnectionID()).Msg("failed to echo error")
	}
}

// teardown detaches the connection and notifies the session. The detach
// result guards the user_left notification so a connection replaced by
// takeover or reconnect never reports its successor's participant as gone.
func (h *Handler) teardown(conn *Connection) {
	removed := h.registry.Detach(conn.SessionID(), conn.ParticipantID(), conn.ConnectionID())
	_ = conn.Close()
	if !removed {
		return
	}

	left := types.NewEvent(types.EventUserLeft, map[string]interface{}{
		"participantCount": h.registry.Count(conn.SessionID()),
	})
	left.Sender = &types.Sender{ID: conn.ParticipantID(), Name: conn.Name(), Role: conn.Role()}
	h.engine.Broadcast(conn.SessionID(), left, conn.ParticipantID(), false)

	h.logger.Info().
		Str("session_id", conn.SessionID()).
		Str("participant_id", conn.ParticipantID()).
		Int64("messages", conn.MessageCount()).
		Int64("errors", conn.ErrorCount()).
		Msg("connection closed")
}

func closeRaw(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
