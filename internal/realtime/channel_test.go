package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flocksync/internal/auth"
	"flocksync/internal/events"
	"flocksync/internal/models"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushServer struct {
	*httptest.Server

	frames  chan frame
	reject  atomic.Bool
	accepts atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	auth  []string
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{frames: make(chan frame, 64)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.accepts.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == framePing {
			pong, _ := json.Marshal(frame{Type: framePong, TS: f.TS})
			_ = conn.Write(r.Context(), websocket.MessageText, pong)
		}
		select {
		case s.frames <- f:
		default:
		}
	}
}

func (s *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *pushServer) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *pushServer) push(t *testing.T, f frame) {
	t.Helper()
	conn := s.latest()
	require.NotNil(t, conn)
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func (s *pushServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.CloseNow()
	}
}

// nextFrame waits for a frame of type typ, skipping heartbeats.
func (s *pushServer) nextFrame(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", typ)
			return frame{}
		}
	}
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		PollingInterval:   10 * time.Millisecond,
	}
}

func newChannel(t *testing.T, opts Options, token string) *Channel {
	t.Helper()
	ch := New(opts, auth.StaticToken(token), nil)
	t.Cleanup(ch.Close)
	return ch
}

func TestConnectWithoutToken(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "  ")

	err := ch.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, models.RealtimeDisconnected, ch.State().Status)
	assert.Zero(t, srv.accepts.Load())
}

func TestConnectSendsBearerAndResubscribes(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")

	unsub := ch.Subscribe(events.EventCheckinNew, func(*events.Event) error { return nil })
	defer unsub()

	require.NoError(t, ch.Connect(context.Background()))

	f := srv.nextFrame(t, frameSubscribe)
	assert.Equal(t, events.EventCheckinNew, f.Event)

	srv.mu.Lock()
	assert.Equal(t, []string{"Bearer secret"}, srv.auth)
	srv.mu.Unlock()

	st := ch.State()
	assert.Equal(t, models.RealtimeConnected, st.Status)
	assert.Equal(t, models.TransportWebSocket, st.Transport)
	assert.Zero(t, st.ReconnectAttempt)

	// already connected
	require.NoError(t, ch.Connect(context.Background()))
	assert.EqualValues(t, 1, srv.accepts.Load())
}

func TestSubscribeFramesAndDelivery(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")
	require.NoError(t, ch.Connect(context.Background()))

	got := make(chan *events.Event, 1)
	unsubA := ch.Subscribe(events.EventRsvpChanged, func(e *events.Event) error {
		got <- e
		return nil
	})
	assert.Equal(t, events.EventRsvpChanged, srv.nextFrame(t, frameSubscribe).Event)

	// a second callback for the same type sends nothing
	unsubB := ch.Subscribe(events.EventRsvpChanged, func(*events.Event) error { return nil })

	srv.push(t, frame{Type: frameEvent, Event: events.EventRsvpChanged, Data: json.RawMessage(`{"event_id":7}`), TS: 1700000000000})

	select {
	case e := <-got:
		assert.JSONEq(t, `{"event_id":7}`, string(e.Payload))
		assert.Equal(t, time.UnixMilli(1700000000000), e.CreatedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	unsubA()
	unsubB()
	f := srv.nextFrame(t, frameUnsubscribe)
	assert.Equal(t, events.EventRsvpChanged, f.Event)
}

func TestHeartbeatRecordsPong(t *testing.T) {
	srv := newPushServer(t)
	opts := testOptions(srv.wsURL())
	opts.HeartbeatInterval = 10 * time.Millisecond
	ch := newChannel(t, opts, "secret")

	require.NoError(t, ch.Connect(context.Background()))

	f := srv.nextFrame(t, framePing)
	assert.NotZero(t, f.TS)
	assert.Eventually(t, func() bool {
		return ch.State().LastHeartbeat != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")
	ch.Subscribe(events.EventEventUpdated, func(*events.Event) error { return nil })

	var mu sync.Mutex
	var seen []models.RealtimeState
	ch.SubscribeState(func(s models.RealtimeState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	srv.nextFrame(t, frameSubscribe)

	srv.dropAll()

	// the new session resubscribes
	assert.Equal(t, events.EventEventUpdated, srv.nextFrame(t, frameSubscribe).Event)
	assert.Eventually(t, func() bool {
		st := ch.State()
		return st.Status == models.RealtimeConnected && st.Transport == models.TransportWebSocket
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, srv.accepts.Load())

	mu.Lock()
	defer mu.Unlock()
	var sawAttempt bool
	for _, s := range seen {
		if s.Status == models.RealtimeConnecting && s.ReconnectAttempt == 1 {
			sawAttempt = true
		}
	}
	assert.True(t, sawAttempt)
}

func TestDemotesToPollingWhenReconnectsExhausted(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")

	heartbeats := make(chan *events.Event, 16)
	ch.Subscribe(events.EventHeartbeat, func(e *events.Event) error {
		select {
		case heartbeats <- e:
		default:
		}
		return nil
	})

	require.NoError(t, ch.Connect(context.Background()))
	srv.nextFrame(t, frameSubscribe)

	srv.dropAll()
	srv.Server.Close()

	assert.Eventually(t, func() bool {
		return ch.State().Transport == models.TransportPolling
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.RealtimeConnected, ch.State().Status)

	select {
	case e := <-heartbeats:
		assert.JSONEq(t, `{"transport":"polling"}`, string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no synthetic heartbeat")
	}
	assert.NotNil(t, ch.State().LastHeartbeat)
}

func TestRefusedUpgradeFallsBackToPolling(t *testing.T) {
	srv := newPushServer(t)
	srv.reject.Store(true)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)

	st := ch.State()
	assert.Equal(t, models.TransportPolling, st.Transport)
	assert.Equal(t, models.RealtimeConnected, st.Status)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")

	ch.Disconnect()
	assert.Equal(t, models.RealtimeDisconnected, ch.State().Status)

	require.NoError(t, ch.Connect(context.Background()))
	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, models.RealtimeDisconnected, ch.State().Status)

	// no reconnect after an explicit disconnect
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, srv.accepts.Load())
	assert.Equal(t, models.RealtimeDisconnected, ch.State().Status)

	// polling stops too
	srv.reject.Store(true)
	_ = ch.Connect(context.Background())
	require.Equal(t, models.TransportPolling, ch.State().Transport)
	ch.Disconnect()
	st := ch.State()
	assert.Equal(t, models.RealtimeDisconnected, st.Status)
	assert.Equal(t, models.TransportWebSocket, st.Transport)
}

func TestConcurrentConnectKeepsOneSession(t *testing.T) {
	srv := newPushServer(t)
	ch := newChannel(t, testOptions(srv.wsURL()), "secret")
	ch.Subscribe(events.EventCheckinNew, func(*events.Event) error { return nil })

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ch.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, models.RealtimeConnected, ch.State().Status)

	// only the surviving socket resubscribes
	srv.nextFrame(t, frameSubscribe)
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case f := <-srv.frames:
			assert.NotEqual(t, frameSubscribe, f.Type)
		case <-deadline:
			return
		}
	}
}
