package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	srv      *httptest.Server
	healthy  atomic.Bool
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	dials    atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{conns: make(chan *websocket.Conn, 8)}
	b.healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !b.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.dials.Add(1)
		b.conns <- conn
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/events"
}

func (b *fakeBackend) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no push connection")
		return nil
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []models.ChatEvent
}

func (s *eventSink) handle(ev models.ChatEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []models.ChatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatEvent(nil), s.events...)
}

func fastOptions() Options {
	return Options{
		ProbeTimeout:   time.Second,
		DialTimeout:    time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}
}

func TestManagerConnectsAndDeliversEvents(t *testing.T) {
	b := newFakeBackend(t)
	sink := &eventSink{}
	m := NewManager(NewHTTPProber(b.srv.URL, nil), NewWSDialer(b.wsURL(), "secret"), sink.handle, fastOptions())
	assert.Equal(t, models.StateDisconnected, m.State())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.NoError(t, m.WaitConnected(ctx))
	conn := b.nextConn(t)
	require.NoError(t, conn.WriteJSON(models.ChatEvent{
		Type: models.EventMessageAdded, ConversationID: "c1", MessageID: "m1",
		Role: models.RoleAssistant, Content: "hi",
	}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(models.ChatEvent{Type: models.EventStreamEnded, ConversationID: "c1", MessageID: "m1"}))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := sink.snapshot()
	assert.Equal(t, "hi", events[0].Content)
	assert.Equal(t, models.EventStreamEnded, events[1].Type)
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(NewHTTPProber(b.srv.URL, nil), NewWSDialer(b.wsURL(), "secret"), nil, fastOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	states, stop := m.Watch()
	defer stop()
	m.Start(ctx)
	defer m.Stop()

	first := b.nextConn(t)
	require.NoError(t, m.WaitConnected(ctx))
	first.Close()

	second := b.nextConn(t)
	defer second.Close()
	require.NoError(t, m.WaitConnected(ctx))
	assert.EqualValues(t, 2, b.dials.Load())

	var seen []models.ConnectionState
	for len(states) > 0 {
		seen = append(seen, <-states)
	}
	assert.Contains(t, seen, models.StateConnecting)
	assert.Contains(t, seen, models.StateDisconnected)
}

func TestManagerStaysDisconnectedWhileUnhealthy(t *testing.T) {
	b := newFakeBackend(t)
	b.healthy.Store(false)
	m := NewManager(NewHTTPProber(b.srv.URL, nil), NewWSDialer(b.wsURL(), "secret"), nil, fastOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	short, cancelShort := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, m.WaitConnected(short), context.DeadlineExceeded)
	assert.EqualValues(t, 0, b.dials.Load())

	b.healthy.Store(true)
	m.Reconnect()
	require.NoError(t, m.WaitConnected(ctx))
	b.nextConn(t).Close()
}

func TestManagerProbeFailureDropsConnection(t *testing.T) {
	b := newFakeBackend(t)
	opts := fastOptions()
	opts.ProbeInterval = 20 * time.Millisecond
	m := NewManager(NewHTTPProber(b.srv.URL, nil), nil, nil, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Start(ctx)
	defer m.Stop()
	require.NoError(t, m.WaitConnected(ctx))

	b.healthy.Store(false)
	require.Eventually(t, func() bool { return m.State() != models.StateConnected }, 2*time.Second, 5*time.Millisecond)
}

// stuckProber answers the first `healthy` probes and then hangs without
// looking at its context until the test ends.
type stuckProber struct {
	healthy int32
	calls   atomic.Int32
	release chan struct{}
}

func newStuckProber(t *testing.T, healthy int32) *stuckProber {
	p := &stuckProber{healthy: healthy, release: make(chan struct{})}
	t.Cleanup(func() { close(p.release) })
	return p
}

func (p *stuckProber) Probe(context.Context) error {
	if p.calls.Add(1) <= p.healthy {
		return nil
	}
	<-p.release
	return nil
}

func TestManagerHungProbeTimesOut(t *testing.T) {
	opts := fastOptions()
	opts.ProbeTimeout = 50 * time.Millisecond
	m := NewManager(newStuckProber(t, 0), nil, nil, opts)
	states, stop := m.Watch()
	defer stop()
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(time.Second)
	var seen []models.ConnectionState
	for len(seen) < 3 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-deadline:
			t.Fatalf("state stuck after %v", seen)
		}
	}
	assert.Equal(t, []models.ConnectionState{
		models.StateDisconnected, models.StateConnecting, models.StateDisconnected,
	}, seen)
}

func TestManagerHungPeriodicProbeDropsConnection(t *testing.T) {
	opts := fastOptions()
	opts.ProbeTimeout = 50 * time.Millisecond
	opts.ProbeInterval = 20 * time.Millisecond
	m := NewManager(newStuckProber(t, 1), nil, nil, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Start(ctx)
	defer m.Stop()
	require.NoError(t, m.WaitConnected(ctx))

	require.Eventually(t, func() bool { return m.State() == models.StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestManagerStopIsIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(NewHTTPProber(b.srv.URL, nil), nil, nil, fastOptions())
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	require.NoError(t, m.WaitConnected(ctx))
	m.Stop()
	m.Stop()
	assert.Equal(t, models.StateDisconnected, m.State())
}

func TestDeliverDropsStaleGeneration(t *testing.T) {
	sink := &eventSink{}
	m := NewManager(nil, nil, sink.handle, Options{})
	gen := m.beginGeneration()
	ev := models.ChatEvent{Type: models.EventStreamStarted, ConversationID: "c", MessageID: "m"}
	assert.True(t, m.deliver(ev, gen))
	m.endGeneration()
	assert.False(t, m.deliver(ev, gen))
	next := m.beginGeneration()
	assert.False(t, m.deliver(ev, gen))
	assert.True(t, m.deliver(ev, next))
	assert.Len(t, sink.snapshot(), 2)
}

func TestWSDialerRejectsBadToken(t *testing.T) {
	b := newFakeBackend(t)
	_, err := NewWSDialer(b.wsURL(), "wrong").Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
