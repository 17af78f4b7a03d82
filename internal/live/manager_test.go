package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/status"
)

// liveServer records the commands clients send and can push events or drop
// every connection.
type liveServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	frames  []Frame
	conns   []*websocket.Conn
	auth    []string
	accepts int
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	ls := &liveServer{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ls.mu.Lock()
		ls.conns = append(ls.conns, c)
		ls.auth = append(ls.auth, r.Header.Get("Authorization"))
		ls.accepts++
		ls.mu.Unlock()
		for {
			var f Frame
			if err := wsjson.Read(context.Background(), c, &f); err != nil {
				return
			}
			ls.mu.Lock()
			ls.frames = append(ls.frames, f)
			ls.mu.Unlock()
		}
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *liveServer) url() string {
	return "ws" + strings.TrimPrefix(ls.srv.URL, "http") + "/live"
}

func (ls *liveServer) push(t *testing.T, f Frame) {
	t.Helper()
	ls.mu.Lock()
	c := ls.conns[len(ls.conns)-1]
	ls.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, f); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (ls *liveServer) dropAll() {
	ls.mu.Lock()
	conns := ls.conns
	ls.conns = nil
	ls.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseNow()
	}
}

func (ls *liveServer) commands() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]string, len(ls.frames))
	for i, f := range ls.frames {
		out[i] = f.Type + " " + f.ConversationID
	}
	return out
}

func (ls *liveServer) acceptCount() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.accepts
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalCommands(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func startManager(t *testing.T, ls *liveServer, b *bus.Bus) *Manager {
	t.Helper()
	m := NewManager(&WebSocketDialer{URL: ls.url(), Token: "secret"},
		Options{InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxRetries: 5}, b, nil)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	waitUntil(t, "connected", m.Live)
	return m
}

func TestFocusRefCounting(t *testing.T) {
	ls := newLiveServer(t)
	m := startManager(t, ls, nil)

	var idle []string
	m.OnIdle(func(id string) { idle = append(idle, id) })

	h1 := m.Focus("c1")
	h2 := m.Focus("c1")
	waitUntil(t, "join", func() bool { return len(ls.commands()) == 1 })

	h1.Release()
	h1.Release()
	if !m.Focused("c1") {
		t.Fatal("room released while a handle is outstanding")
	}
	h2.Release()
	waitUntil(t, "leave", func() bool { return len(ls.commands()) == 2 })
	if got := ls.commands(); !equalCommands(got, "join c1", "leave c1") {
		t.Errorf("commands = %v, want one join and one leave", got)
	}
	if m.Focused("c1") {
		t.Error("room still focused after last release")
	}
	if len(idle) != 1 || idle[0] != "c1" {
		t.Errorf("idle callbacks = %v, want [c1]", idle)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	ls := newLiveServer(t)
	startManager(t, ls, nil)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.auth) != 1 || ls.auth[0] != "Bearer secret" {
		t.Errorf("Authorization = %v, want Bearer secret", ls.auth)
	}
}

func TestFocusBeforeConnectJoinsOnConnect(t *testing.T) {
	ls := newLiveServer(t)
	m := NewManager(&WebSocketDialer{URL: ls.url()}, Options{}, nil, nil)
	h := m.Focus("c1")
	h.Release()
	m.Focus("c2")

	m.Start(context.Background())
	defer m.Stop()
	waitUntil(t, "join", func() bool { return len(ls.commands()) == 1 })
	if got := ls.commands(); got[0] != "join c2" {
		t.Errorf("commands = %v, want [join c2]", got)
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	ls := newLiveServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe(bus.LiveStatusChanged, 32)
	defer unsub()
	m := startManager(t, ls, b)

	m.Focus("c1")
	m.Focus("c2")
	waitUntil(t, "joins", func() bool { return len(ls.commands()) == 2 })

	ls.dropAll()
	waitUntil(t, "reconnect", func() bool { return ls.acceptCount() == 2 && m.Live() })
	waitUntil(t, "rejoins", func() bool { return len(ls.commands()) == 4 })

	joins := map[string]int{}
	for _, c := range ls.commands() {
		joins[c]++
	}
	if joins["join c1"] != 2 || joins["join c2"] != 2 {
		t.Errorf("commands = %v, want every room joined on both connections", ls.commands())
	}

	var seen []status.State
	for len(ch) > 0 {
		evt := <-ch
		seen = append(seen, evt.Payload.(status.StatusChange).To)
	}
	want := []status.State{status.Connecting, status.Connected, status.Reconnecting, status.Connecting, status.Connected}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestInboundFramesPublished(t *testing.T) {
	ls := newLiveServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("live.", 32)
	defer unsub()
	startManager(t, ls, b)

	ls.push(t, Frame{Type: EventMessageNew, ConversationID: "c1",
		Payload: []byte(`{"id":"m1","conversationId":"c1","createdAt":"2026-04-02T08:00:00Z","type":"chat","content":"hi"}`)})
	ls.push(t, Frame{Type: EventAlertNew, ConversationID: "c1",
		Payload: []byte(`{"id":"a1","conversationId":"c1","createdAt":"2026-04-02T08:00:01Z","type":"alert","alertType":"warning","description":"low fuel"}`)})
	ls.push(t, Frame{Type: EventConversationUpdated, ConversationID: "c1", Payload: []byte(`{"unreadMessageCount":4}`)})
	ls.push(t, Frame{Type: EventConversationRead, ConversationID: "c1"})
	ls.push(t, Frame{Type: EventTypingStart, ConversationID: "c1"})
	ls.push(t, Frame{Type: "presence", ConversationID: "c1"})
	ls.push(t, Frame{Type: EventTypingStop, ConversationID: "c1"})

	want := []string{bus.LiveMessage, bus.LiveAlert, bus.LiveConversationUpdated,
		bus.LiveConversationRead, bus.LiveTypingStart, bus.LiveTypingStop}
	var got []bus.Event
	timeout := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case evt := <-ch:
			if evt.Kind == bus.LiveStatusChanged {
				continue
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(got), len(want))
		}
	}
	for i, k := range want {
		if got[i].Kind != k || got[i].ConversationID != "c1" {
			t.Errorf("event %d = %s/%s, want %s/c1", i, got[i].Kind, got[i].ConversationID, k)
		}
	}
	if msg := got[0].Payload.(model.Message); msg.Content != "hi" {
		t.Errorf("message content = %q, want hi", msg.Content)
	}
	if alert := got[1].Payload.(model.Message); alert.AlertKind != model.AlertWarning || alert.Content != "low fuel" {
		t.Errorf("alert = %+v", alert)
	}
	patch := got[2].Payload.(model.ConversationPatch)
	if patch.UnreadMessageCount == nil || *patch.UnreadMessageCount != 4 {
		t.Errorf("patch = %+v, want unreadMessageCount 4", patch)
	}
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, errors.New("connection refused")
}

func TestBackoffExhaustionGoesDown(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.LiveDown, 1)
	defer unsub()
	d := &failingDialer{}
	m := NewManager(d, Options{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 3}, b, nil)
	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live.down")
	}
	waitUntil(t, "disconnected", func() bool { return m.State() == status.Disconnected })
	if m.Live() {
		t.Error("Live() = true after giving up")
	}
	d.mu.Lock()
	calls := d.calls
	d.mu.Unlock()
	if calls != 4 {
		t.Errorf("dial attempts = %d, want 1 + 3 retries", calls)
	}

	// A new Start tries again.
	m.Start(context.Background())
	waitUntil(t, "second attempt", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.calls > 4
	})
}

func TestDropLeavesAndInvalidatesHandles(t *testing.T) {
	ls := newLiveServer(t)
	m := startManager(t, ls, nil)

	old := m.Focus("c1")
	m.Drop("c1")
	waitUntil(t, "leave", func() bool { return len(ls.commands()) == 2 })

	fresh := m.Focus("c1")
	old.Release()
	if !m.Focused("c1") {
		t.Error("stale handle released the new focus")
	}
	fresh.Release()
	if m.Focused("c1") {
		t.Error("room still focused")
	}
}

func TestStopDisconnects(t *testing.T) {
	ls := newLiveServer(t)
	m := startManager(t, ls, nil)
	m.Stop()
	if m.Live() {
		t.Error("Live() = true after Stop")
	}
	if m.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
	m.Stop()
}

func TestHandlerSeesEveryFrame(t *testing.T) {
	ls := newLiveServer(t)
	b := bus.New()
	// Nobody drains this subscription, so the bus drops nearly everything.
	_, unsub := b.Subscribe("live.", 1)
	defer unsub()

	var (
		mu       sync.Mutex
		messages int
		first    string
	)
	m := NewManager(&WebSocketDialer{URL: ls.url()},
		Options{InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxRetries: 5}, b, nil)
	m.OnEvent(func(evt bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if first == "" {
			first = evt.Kind
		}
		if evt.Kind == bus.LiveMessage {
			messages++
		}
	})
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	waitUntil(t, "connected", m.Live)

	const n = 500
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf(`{"id":"m%d","conversationId":"c1","createdAt":"2026-04-02T08:00:00Z","type":"chat","content":"hi"}`, i)
		ls.push(t, Frame{Type: EventMessageNew, ConversationID: "c1", Payload: []byte(payload)})
	}
	waitUntil(t, "every message handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return messages == n
	})
	mu.Lock()
	defer mu.Unlock()
	if first != bus.LiveStatusChanged {
		t.Errorf("first handled event = %q, want the connect notice", first)
	}
}

// stuckConn accepts no writes until released and never delivers a frame.
type stuckConn struct {
	release chan struct{}
}

func (c *stuckConn) Read(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}

func (c *stuckConn) Write(ctx context.Context, _ Frame) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stuckConn) Close() error { return nil }

type connDialer struct{ conn Conn }

func (d connDialer) Dial(context.Context) (Conn, error) { return d.conn, nil }

func TestSlowWriteDoesNotBlockRoomTable(t *testing.T) {
	conn := &stuckConn{release: make(chan struct{})}
	m := NewManager(connDialer{conn: conn}, Options{}, nil, nil)
	m.Start(context.Background())
	defer m.Stop()
	defer close(conn.release)
	waitUntil(t, "connected", m.Live)

	m.Focus("c1")
	done := make(chan bool)
	go func() {
		m.Focus("c2")
		done <- m.Focused("c1") && m.Focused("c2")
	}()
	select {
	case ok := <-done:
		if !ok {
			t.Error("rooms not focused")
		}
	case <-time.After(time.Second):
		t.Fatal("room table blocked behind a pending write")
	}
}
