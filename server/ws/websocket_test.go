package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GoCodeAlone/relay/protocol"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	chats   []protocol.Chat
	cancels []string
}

func (d *fakeDispatcher) Chat(_ context.Context, req protocol.Chat, bind func(string)) protocol.Ack {
	d.mu.Lock()
	d.chats = append(d.chats, req)
	d.mu.Unlock()
	sid := req.SessionID
	if sid == "" {
		sid = "new-session"
	}
	bind(sid)
	ack := protocol.NewAck(protocol.TypeChat)
	ack.SessionID = sid
	ack.TaskID = "task-1"
	ack.Status = "running"
	return ack
}

func (d *fakeDispatcher) Cancel(_ context.Context, taskID string) protocol.Ack {
	d.mu.Lock()
	d.cancels = append(d.cancels, taskID)
	d.mu.Unlock()
	ack := protocol.NewAck(protocol.TypeCancel)
	ack.TaskID = taskID
	ack.Result = "not_found"
	return ack
}

func (d *fakeDispatcher) calls() (chats int, cancels []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chats), append([]string(nil), d.cancels...)
}

func dialTestServer(t *testing.T, d Dispatcher) (*websocket.Conn, *Hub) {
	t.Helper()
	hub, _ := newTestHub(t, 16)
	srv := httptest.NewServer(&Handler{Hub: hub, Dispatch: d})
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, hub
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var v map[string]any
	if err := wsjson.Read(ctx, conn, &v); err != nil {
		t.Fatalf("read: %v", err)
	}
	return v
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandler_PingPong(t *testing.T) {
	d := &fakeDispatcher{}
	conn, _ := dialTestServer(t, d)

	write(t, conn, map[string]string{"type": "ping"})
	if f := readFrame(t, conn); f["type"] != "pong" {
		t.Fatalf("frame = %v", f)
	}
	if chats, cancels := d.calls(); chats != 0 || len(cancels) != 0 {
		t.Fatal("ping reached the dispatcher")
	}
}

func TestHandler_MalformedKeepsConnection(t *testing.T) {
	conn, _ := dialTestServer(t, &fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f["type"] != "ack" || f["error"] == nil {
		t.Fatalf("frame = %v", f)
	}

	write(t, conn, map[string]string{"type": "ping"})
	if f := readFrame(t, conn); f["type"] != "pong" {
		t.Fatalf("connection unusable after bad frame: %v", f)
	}
}

func TestHandler_ChatSubscribesBeforeAck(t *testing.T) {
	d := &fakeDispatcher{}
	conn, hub := dialTestServer(t, d)

	write(t, conn, map[string]any{"type": "chat", "message": "hello"})
	sub := readFrame(t, conn)
	if sub["type"] != "session_subscribed" || sub["session_id"] != "new-session" {
		t.Fatalf("first frame = %v", sub)
	}
	ack := readFrame(t, conn)
	if ack["type"] != "ack" || ack["request"] != "chat" || ack["task_id"] != "task-1" {
		t.Fatalf("ack = %v", ack)
	}
	if hub.Subscribers("new-session") != 1 {
		t.Fatalf("subscribers = %d", hub.Subscribers("new-session"))
	}
}

func TestHandler_SubscribeAndCancel(t *testing.T) {
	d := &fakeDispatcher{}
	conn, _ := dialTestServer(t, d)

	write(t, conn, map[string]string{"type": "subscribe_session", "session_id": "s1"})
	if f := readFrame(t, conn); f["type"] != "session_subscribed" {
		t.Fatalf("frame = %v", f)
	}
	write(t, conn, map[string]string{"type": "cancel", "task_id": "t9"})
	f := readFrame(t, conn)
	if f["request"] != "cancel" || f["result"] != "not_found" {
		t.Fatalf("frame = %v", f)
	}
	_, cancels := d.calls()
	raw, _ := json.Marshal(cancels)
	if string(raw) != `["t9"]` {
		t.Fatalf("cancels = %s", raw)
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	hub, _ := newTestHub(t, 16)
	srv := httptest.NewServer(&Handler{Hub: hub, Dispatch: &fakeDispatcher{}, OriginPatterns: []string{"app.example.com"}})
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin header", "", true},
		{"same origin", srv.URL, true},
		{"allowed origin", "https://app.example.com", true},
		{"foreign origin", "https://evil.example.net", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
			if tc.origin != "" {
				opts.HTTPHeader.Set("Origin", tc.origin)
			}
			conn, resp, err := websocket.Dial(ctx, url, opts)
			if tc.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.CloseNow()
				return
			}
			if err == nil {
				conn.CloseNow()
				t.Fatal("foreign origin was accepted")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("resp = %v, err = %v", resp, err)
			}
		})
	}
}
