// Package ws implements the broadcast hub: live client connections, their
// session subscriptions, and best-effort event fan-out over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/internal/idgen"
	"github.com/GoCodeAlone/relay/internal/telemetry"
)

const (
	DefaultBufferSize        = 64
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	// ErrConnectionOverflow is recorded on a connection dropped because its
	// outbound buffer was full.
	ErrConnectionOverflow = errors.New("outbound buffer overflow")
	// ErrUnknownConnection reports an operation on a connection that is gone.
	ErrUnknownConnection = errors.New("unknown connection")
)

// StatusSource supplies the agent status snapshot carried by heartbeats.
type StatusSource interface {
	Snapshot() []event.AgentStatus
}

// Conn is one live client connection. Frames queued for it are read from
// Outbound by its writer; Done is closed when the hub drops it.
type Conn struct {
	ID string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Outbound yields encoded frames in the order they were queued.
func (c *Conn) Outbound() <-chan []byte { return c.out }

// Done is closed once the connection has been removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection was removed, or nil for a plain disconnect.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Config controls buffering and the heartbeat.
type Config struct {
	BufferSize        int
	HeartbeatInterval time.Duration
}

// Hub is the sole owner of the connection and subscription tables.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	sessionOf map[string]string           // connID -> sessionID
	bySession map[string]map[string]*Conn // sessionID -> connID -> conn

	status   StatusSource
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	bufSize  int
	interval time.Duration
}

// NewHub creates a Hub. status and metrics may be nil.
func NewHub(cfg Config, status StatusSource, metrics *telemetry.Metrics, logger *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:     make(map[string]*Conn),
		sessionOf: make(map[string]string),
		bySession: make(map[string]map[string]*Conn),
		status:    status,
		metrics:   metrics,
		logger:    logger,
		bufSize:   cfg.BufferSize,
		interval:  cfg.HeartbeatInterval,
	}
}

// SetStatusSource attaches the heartbeat status source after construction.
func (h *Hub) SetStatusSource(s StatusSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

// Connect registers a new connection.
func (h *Hub) Connect() *Conn {
	c := &Conn{
		ID:   idgen.New(),
		out:  make(chan []byte, h.bufSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnections(n)
	h.logger.Debug("client connected", slog.String("conn_id", c.ID))
	return c
}

// Disconnect removes a connection and its subscription. It is safe to call
// more than once and from error paths.
func (h *Hub) Disconnect(connID string) {
	h.drop(connID, nil)
}

func (h *Hub) drop(connID string, reason error) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	h.unsubscribeLocked(connID)
	n := len(h.conns)
	h.mu.Unlock()

	c.close(reason)
	h.metrics.SetConnections(n)
	if errors.Is(reason, ErrConnectionOverflow) {
		h.metrics.ConnectionDropped()
		h.logger.Warn("client dropped", slog.String("conn_id", connID), slog.Any("err", reason))
		return
	}
	h.logger.Debug("client disconnected", slog.String("conn_id", connID))
}

// Subscribe binds a connection to a session, replacing any earlier
// subscription, and queues the session_subscribed acknowledgement.
func (h *Hub) Subscribe(connID, sessionID string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", connID, ErrUnknownConnection)
	}
	h.unsubscribeLocked(connID)
	h.sessionOf[connID] = sessionID
	subs, ok := h.bySession[sessionID]
	if !ok {
		subs = make(map[string]*Conn)
		h.bySession[sessionID] = subs
	}
	subs[connID] = c
	h.mu.Unlock()

	h.logger.Debug("client subscribed", slog.String("conn_id", connID), slog.String("session_id", sessionID))
	ack := event.New(event.SessionSubscribed{SessionID: sessionID})
	ack.SessionID = sessionID
	return h.sendEvent(c, ack)
}

// Unsubscribe removes the connection's subscription, if any.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(connID)
}

// Callers hold h.mu.
func (h *Hub) unsubscribeLocked(connID string) {
	sid, ok := h.sessionOf[connID]
	if !ok {
		return
	}
	delete(h.sessionOf, connID)
	if subs := h.bySession[sid]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.bySession, sid)
		}
	}
}

// SessionOf returns the session a connection is subscribed to.
func (h *Hub) SessionOf(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sid, ok := h.sessionOf[connID]
	return sid, ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscribers returns the number of connections subscribed to a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// Publish delivers ev to the subscribers of its session, or to every
// connection when it has no session. It never blocks: a connection whose
// buffer is full is dropped.
func (h *Hub) Publish(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("hub publish marshal", slog.String("type", string(ev.Type)), slog.Any("err", err))
		return
	}

	var overflowed []string
	h.mu.RLock()
	targets := h.conns
	if !ev.Global() {
		targets = h.bySession[ev.SessionID]
	}
	for id, c := range targets {
		if !enqueue(c, data) {
			overflowed = append(overflowed, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		h.drop(id, ErrConnectionOverflow)
	}
}

// Handle is a bus handler that forwards task events to subscribers.
func (h *Hub) Handle(_ context.Context, ev event.Event) error {
	h.Publish(ev)
	return nil
}

// Ping answers a client ping with a pong on that connection only. It reads
// no business state.
func (h *Hub) Ping(connID string) error {
	c, ok := h.conn(connID)
	if !ok {
		return fmt.Errorf("ping %s: %w", connID, ErrUnknownConnection)
	}
	return h.sendEvent(c, event.New(event.Pong{}))
}

// Send queues an arbitrary JSON frame, such as a request acknowledgement.
func (h *Hub) Send(connID string, v any) error {
	c, ok := h.conn(connID)
	if !ok {
		return fmt.Errorf("send %s: %w", connID, ErrUnknownConnection)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return h.sendRaw(c, data)
}

func (h *Hub) sendEvent(c *Conn, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return h.sendRaw(c, data)
}

func (h *Hub) sendRaw(c *Conn, data []byte) error {
	if enqueue(c, data) {
		return nil
	}
	h.drop(c.ID, ErrConnectionOverflow)
	return fmt.Errorf("send %s: %w", c.ID, ErrConnectionOverflow)
}

func (h *Hub) conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// enqueue reports false when the buffer is full. A closed connection
// swallows the frame.
func enqueue(c *Conn, data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// Heartbeat publishes one heartbeat carrying every agent's status.
func (h *Hub) Heartbeat() {
	h.mu.RLock()
	src := h.status
	h.mu.RUnlock()
	hb := event.Heartbeat{Agents: []event.AgentStatus{}, Connections: h.Count()}
	if src != nil {
		hb.Agents = src.Snapshot()
	}
	h.metrics.EventPublished(string(event.TypeHeartbeat))
	h.Publish(event.New(hb))
}

// Run publishes heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}
