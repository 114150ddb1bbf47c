package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/protocol"
	"github.com/GoCodeAlone/relay/session"
	"github.com/GoCodeAlone/relay/task"
)

// ConnState is the push connection state.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Subscribed   ConnState = "subscribed"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultReconnectInterval = time.Second

	ackTimeout = 10 * time.Second
	readLimit  = 1 << 20
)

// Options tunes a Client. The zero value is usable.
type Options struct {
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	Memory            SessionMemory
	Logger            *slog.Logger
	// OnChange receives a copy of the view after every change.
	OnChange func(View)
	// OnEvent receives every event pushed by the server.
	OnEvent func(event.Event)
	// OnState receives connection state transitions.
	OnState func(ConnState)
}

// Client keeps one session's view current across push outages.
type Client struct {
	api    *API
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   ConnState
	view    View
	conn    *websocket.Conn
	polling bool
	runCtx  context.Context
	holding int
	pending []event.Event

	reqMu sync.Mutex // one push request in flight
	acks  chan protocol.Ack
}

// New creates a Client on top of an API client.
func New(a *API, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Memory == nil {
		opts.Memory = &MemoryOnly{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		api:    a,
		opts:   opts,
		logger: logger,
		state:  Disconnected,
		acks:   make(chan protocol.Ack, 16),
	}
	if id, err := opts.Memory.Load(); err != nil {
		logger.Warn("session memory", slog.Any("err", err))
	} else {
		c.view = View{SessionID: id}
	}
	return c
}

// API returns the underlying HTTP client.
func (c *Client) API() *API { return c.api }

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View returns a copy of the current view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Clone()
}

// SessionID returns the active session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.SessionID
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.logger.Debug("push state", slog.String("state", string(s)))
		if c.opts.OnState != nil {
			c.opts.OnState(s)
		}
	}
}

// notify hands a copy of the view to OnChange. Callers must not hold c.mu.
func (c *Client) notify() {
	if c.opts.OnChange == nil {
		return
	}
	c.opts.OnChange(c.View())
}

// lifetime is the context background work runs under.
func (c *Client) lifetime() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// adopt makes sessionID the active session, resetting the view when it
// changes, and remembers it.
func (c *Client) adopt(sessionID string) {
	c.mu.Lock()
	changed := c.view.SessionID != sessionID
	if changed {
		c.view = View{SessionID: sessionID}
	}
	c.mu.Unlock()
	if changed {
		if err := c.opts.Memory.Save(sessionID); err != nil {
			c.logger.Warn("save session memory", slog.Any("err", err))
		}
	}
}

// Use switches to sessionID: it is remembered, subscribed to when push is
// up, and the view is rebuilt from the server.
func (c *Client) Use(ctx context.Context, sessionID string) error {
	c.adopt(sessionID)
	return c.recover(ctx, c.subscribeCurrent)
}

// Recover replaces the view with the server's full state and, when tasks
// are still running, polls until they finish.
func (c *Client) Recover(ctx context.Context) error {
	return c.recover(ctx, nil)
}

// subscribeCurrent subscribes the push connection, if any, to the active session.
func (c *Client) subscribeCurrent(ctx context.Context, sid string) error {
	conn := c.currentConn()
	if conn == nil {
		return nil
	}
	return c.write(ctx, conn, protocol.ClientMessage{Type: protocol.TypeSubscribeSession, SessionID: sid})
}

// recover runs before (typically the subscribe request), reads the full
// state and installs it. Live events that arrive meanwhile are held back and
// applied on top of the new view, where the sequence check drops the ones
// the state already covers.
func (c *Client) recover(ctx context.Context, before func(ctx context.Context, sid string) error) error {
	sid := c.SessionID()
	if sid == "" {
		return nil
	}
	c.hold()
	if before != nil {
		if err := before(ctx, sid); err != nil {
			c.logger.Warn("subscribe", slog.String("session_id", sid), slog.Any("err", err))
		}
	}
	st, err := c.api.State(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		c.release(nil)
		c.logger.Warn("remembered session is gone", slog.String("session_id", sid))
		c.adopt("")
		c.notify()
		return err
	}
	if err != nil {
		c.release(nil)
		return fmt.Errorf("get full state: %w", err)
	}
	running := c.release(&st)
	c.notify()
	if running > 0 {
		c.startPolling()
	}
	return nil
}

// hold starts queueing live events instead of applying them.
func (c *Client) hold() {
	c.mu.Lock()
	c.holding++
	c.mu.Unlock()
}

// release installs st, unless the active session moved on, and applies the
// queued events once nothing else holds them. It returns the number of tasks
// still running.
func (c *Client) release(st *session.State) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st != nil && st.Session.ID == c.view.SessionID {
		c.view = Reconcile(*st)
	}
	c.holding--
	if c.holding == 0 {
		for _, ev := range c.pending {
			c.view.Apply(ev)
		}
		c.pending = nil
	}
	return len(c.view.Running)
}

func (c *Client) startPolling() {
	c.mu.Lock()
	if c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.polling = false
			c.mu.Unlock()
		}()
		if err := c.PollUntilIdle(c.lifetime()); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("poll", slog.Any("err", err))
		}
	}()
}

// PollUntilIdle polls the running-task count until it reaches zero, then
// rebuilds the view from one more full state read. Failed polls are retried
// on the next tick.
func (c *Client) PollUntilIdle(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		sid := c.SessionID()
		if sid == "" {
			return nil
		}
		sum, err := c.api.Running(ctx, sid)
		if err != nil {
			c.logger.Debug("poll running", slog.String("session_id", sid), slog.Any("err", err))
			continue
		}
		if sum.Count > 0 {
			continue
		}
		if err := c.recover(ctx, nil); err != nil {
			c.logger.Debug("poll final state", slog.String("session_id", sid), slog.Any("err", err))
			if errors.Is(err, ErrNotFound) {
				return err
			}
			continue
		}
		if len(c.View().Running) == 0 {
			return nil
		}
	}
}

// Run keeps the push connection up until ctx is done, reconnecting on a
// constant interval and polling while it is down.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	for {
		c.setState(Connecting)
		conn, err := c.connect(ctx)
		if err != nil {
			c.setState(Disconnected)
			return err
		}
		c.serve(ctx, conn)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(c.View().Running) > 0 {
			c.startPolling()
		}
	}
}

// connect dials until it succeeds or ctx is done.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.api.pushURL()
	if err != nil {
		return nil, err
	}
	var conn *websocket.Conn
	op := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		cn, resp, err := websocket.Dial(dialCtx, endpoint, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Message: "unauthorized"})
			}
			return err
		}
		conn = cn
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(c.opts.ReconnectInterval), ctx)
	err = backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		c.logger.Debug("push connect failed", slog.Any("err", err), slog.Duration("retry_in", next))
		if len(c.View().Running) > 0 {
			c.startPolling()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve runs one push connection until it fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow() //nolint:errcheck

	c.mu.Lock()
	c.conn = conn
	sid := c.view.SessionID
	c.mu.Unlock()
	c.setState(Connected)
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop(ctx, conn)
	}()

	if sid != "" {
		if err := c.recover(ctx, c.subscribeCurrent); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("recover", slog.String("session_id", sid), slog.Any("err", err))
		}
	}
	<-done
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("push read", slog.Any("err", err))
			}
			return
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			c.logger.Debug("push frame", slog.Any("err", err))
			continue
		}
		if typ == string(protocol.TypeAck) {
			var ack protocol.Ack
			if err := json.Unmarshal(data, &ack); err == nil {
				select {
				case c.acks <- ack:
				default:
				}
			}
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("push event", slog.Any("err", err))
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev event.Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
	switch p := ev.Payload.(type) {
	case event.SessionSubscribed:
		c.adopt(p.SessionID)
		c.setState(Subscribed)
		return
	case event.Heartbeat, event.AgentStatusChanged, event.Pong:
		return
	}
	c.mu.Lock()
	if c.holding > 0 {
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return
	}
	changed := c.view.Apply(ev)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, m protocol.ClientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}

// request sends m over push and waits for its acknowledgement.
func (c *Client) request(ctx context.Context, conn *websocket.Conn, m protocol.ClientMessage) (protocol.Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	for drained := false; !drained; {
		select {
		case <-c.acks:
		default:
			drained = true
		}
	}
	if err := c.write(ctx, conn, m); err != nil {
		return protocol.Ack{}, err
	}
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-c.acks:
			if ack.Request != m.Type {
				continue
			}
			if ack.Error != "" {
				return ack, errors.New(ack.Error)
			}
			return ack, nil
		case <-timer.C:
			return protocol.Ack{}, fmt.Errorf("no acknowledgement for %s", m.Type)
		case <-ctx.Done():
			return protocol.Ack{}, ctx.Err()
		}
	}
}

// Chat submits a message to the active session, creating one when there is
// none. It goes over push when connected and over HTTP otherwise.
func (c *Client) Chat(ctx context.Context, message string, options map[string]string) (protocol.Ack, error) {
	sid := c.SessionID()
	if conn := c.currentConn(); conn != nil {
		ack, err := c.request(ctx, conn, protocol.ClientMessage{
			Type:      protocol.TypeChat,
			SessionID: sid,
			Message:   message,
			Options:   options,
		})
		if err == nil {
			c.recordSubmit(ack.SessionID, ack.TaskID, message)
			return ack, nil
		}
		if ack.Type == protocol.TypeAck {
			return ack, err
		}
		c.logger.Debug("chat over push failed, using HTTP", slog.Any("err", err))
	}

	if sid == "" {
		sess, err := c.api.CreateSession(ctx, "")
		if err != nil {
			return protocol.Ack{}, fmt.Errorf("create session: %w", err)
		}
		sid = sess.ID
		c.adopt(sid)
	}
	sub, err := c.api.Submit(ctx, sid, message, options)
	if err != nil {
		return protocol.Ack{}, err
	}
	ack := protocol.NewAck(protocol.TypeChat)
	ack.SessionID = sub.SessionID
	ack.TaskID = sub.TaskID
	ack.Status = string(sub.Status)
	c.recordSubmit(sub.SessionID, sub.TaskID, message)
	c.startPolling()
	return ack, nil
}

// recordSubmit shows the user's message and the new task until the next
// reconcile replaces them with the server's copies.
func (c *Client) recordSubmit(sessionID, taskID, message string) {
	if sessionID == "" {
		return
	}
	c.adopt(sessionID)
	c.mu.Lock()
	c.view.Messages = append(c.view.Messages, session.Message{
		Role:      session.RoleUser,
		Kind:      session.KindText,
		Content:   message,
		CreatedAt: time.Now().UTC(),
	})
	if c.view.Running == nil {
		c.view.Running = make(map[string]TaskView)
	}
	if _, ok := c.view.Running[taskID]; !ok && taskID != "" {
		if _, closed := c.view.closed[taskID]; !closed {
			c.view.Running[taskID] = TaskView{Summary: task.Summary{
				ID:        taskID,
				Status:    task.StatusPending,
				Query:     message,
				CreatedAt: time.Now().UTC(),
			}}
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Cancel cancels a task over push, or over HTTP while push is down.
func (c *Client) Cancel(ctx context.Context, taskID string) (protocol.Ack, error) {
	if conn := c.currentConn(); conn != nil {
		ack, err := c.request(ctx, conn, protocol.ClientMessage{Type: protocol.TypeCancel, TaskID: taskID})
		if err == nil || ack.Type == protocol.TypeAck {
			return ack, err
		}
		c.logger.Debug("cancel over push failed, using HTTP", slog.Any("err", err))
	}
	out, err := c.api.Cancel(ctx, taskID)
	if err != nil {
		return protocol.Ack{}, err
	}
	ack := protocol.NewAck(protocol.TypeCancel)
	ack.TaskID = out.TaskID
	ack.Result = string(out.Result)
	ack.Warning = out.Warning
	return ack, nil
}
