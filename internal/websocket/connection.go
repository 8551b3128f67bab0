package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"medrelay/pkg/types"
)

const (
	writeTimeout    = 5 * time.Second
	writeBufferSize = 100
)

// Connection wraps one attached socket. All writes go through a single
// writer goroutine so concurrent broadcasts never race on the underlying
// websocket connection.
type Connection struct {
	id        string
	conn      *websocket.Conn
	sessionID string
	principal types.Principal
	clientID  string

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	alive        atomic.Bool
	messageCount atomic.Int64
	errorCount   atomic.Int64

	mu           sync.RWMutex
	lastActivity time.Time
}

// NewConnection wraps an upgraded socket. The connection starts alive; the
// liveness monitor clears the flag each cycle and inbound traffic resets it.
func NewConnection(conn *websocket.Conn, sessionID string, principal types.Principal, clientID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		sessionID:    sessionID,
		principal:    principal,
		clientID:     clientID,
		writeCh:      make(chan []byte, writeBufferSize),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: time.Now(),
	}
	if c.clientID == "" {
		c.clientID = c.id
	}
	c.alive.Store(true)

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteEvent sends an event to the client. Fails once the connection is
// closed or when the write buffer stays full past the write timeout.
func (c *Connection) WriteEvent(ev *types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears the connection down. Idempotent: closing an already-closed
// connection is a no-op.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// CloseWithCode sends a close frame carrying an application close code so the
// client can distinguish why it was disconnected, then closes.
func (c *Connection) CloseWithCode(code int, reason string) error {
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.Close()
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Connection) ConnectionID() string  { return c.id }
func (c *Connection) SessionID() string     { return c.sessionID }
func (c *Connection) ParticipantID() string { return c.principal.Subject }
func (c *Connection) Role() string          { return c.principal.Role }
func (c *Connection) Name() string          { return c.principal.Name }
func (c *Connection) Language() string      { return c.principal.Language }
func (c *Connection) ClientID() string      { return c.clientID }

func (c *Connection) Alive() bool         { return c.alive.Load() }
func (c *Connection) SetAlive(alive bool) { c.alive.Store(alive) }

// Touch records inbound activity and restores the liveness flag.
func (c *Connection) Touch() {
	c.alive.Store(true)
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) addMessage() { c.messageCount.Add(1) }
func (c *Connection) addError()   { c.errorCount.Add(1) }

// MessageCount returns the number of dispatched inbound events.
func (c *Connection) MessageCount() int64 { return c.messageCount.Load() }

// ErrorCount returns the number of inbound events that failed to process.
func (c *Connection) ErrorCount() int64 { return c.errorCount.Load() }
