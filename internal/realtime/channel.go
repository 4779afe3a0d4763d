// Package realtime keeps a websocket subscription to the church API push
// feed and falls back to local polling when the socket cannot be kept up.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flocksync/internal/config"
	"flocksync/internal/domain"
	"flocksync/internal/events"
	"flocksync/internal/logging"
	"flocksync/internal/metrics"
	"flocksync/internal/models"
	"flocksync/internal/retry"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNoToken is returned by Connect when there is no credential to authenticate with.
	ErrNoToken = errors.New("realtime: no auth token")
	// ErrTransportUnavailable marks a server that refused the websocket upgrade.
	ErrTransportUnavailable = errors.New("realtime: websocket transport unavailable")
)

// Wire frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
	framePong        = "pong"
	frameEvent       = "event"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

type Options struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	HeartbeatInterval time.Duration
	PollingInterval   time.Duration
}

func OptionsFromConfig(cfg config.RealtimeConfig) Options {
	return Options{
		URL:               cfg.URL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollingInterval:   cfg.PollingInterval,
	}
}

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    int64           `json:"ts,omitempty"`
}

// Channel multiplexes server pushes onto an event bus.
//
// Every background loop (socket reader, heartbeat, reconnect, polling) runs
// under a session generation. Starting a new session or disconnecting bumps
// the generation, so a loop that wakes up late sees it is stale and exits.
type Channel struct {
	opts    Options
	tokens  domain.TokenSource
	bus     *events.Bus
	backoff retry.Policy
	now     func() time.Time
	logger  zerolog.Logger

	mu     sync.Mutex
	state  models.RealtimeState
	conn   *websocket.Conn
	gen    uint64
	cancel context.CancelFunc

	stateListeners *events.Listeners[models.RealtimeState]
	wg             sync.WaitGroup
}

type Option func(*Channel)

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

func New(opts Options, tokens domain.TokenSource, logger *zerolog.Logger, options ...Option) *Channel {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 30 * time.Second
	}
	log := logging.Component(logger, "realtime")
	c := &Channel{
		opts:   opts,
		tokens: tokens,
		backoff: retry.Policy{
			BaseDelay: opts.ReconnectDelay,
			MaxDelay:  opts.ReconnectMaxDelay,
			Factor:    2,
		},
		now:            time.Now,
		logger:         log,
		state:          models.RealtimeState{Status: models.RealtimeDisconnected, Transport: models.TransportWebSocket},
		stateListeners: events.NewListeners[models.RealtimeState](log),
	}
	c.bus = events.NewBus(events.WithTypeHooks(c.onFirstSubscriber, c.onLastSubscriber), events.WithBusLogger(log))
	for _, o := range options {
		o(c)
	}
	return c
}

// Connect opens the websocket. A dial failure is returned and reconnection
// continues in the background; a refused upgrade demotes straight to polling.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	c.update(func(s *models.RealtimeState) {
		s.Status = models.RealtimeConnecting
		s.Transport = models.TransportWebSocket
	})

	conn, err := c.dial(ctx, token)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.opts.URL).Msg("realtime connect failed")
		c.mu.Lock()
		if c.conn != nil {
			c.mu.Unlock()
			return err
		}
		c.state.Status = models.RealtimeError
		if errors.Is(err, ErrTransportUnavailable) {
			c.startPollingLocked()
		} else {
			c.startReconnectLocked()
		}
		st := c.state
		c.mu.Unlock()
		c.afterStateChange(st)
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		// a concurrent Connect won
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	c.establishLocked(conn)
	st := c.state
	c.mu.Unlock()
	c.afterStateChange(st)
	c.resubscribe(conn)
	return nil
}

// Disconnect stops every loop and closes the socket. It is safe in any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.stopSessionLocked()
	changed := c.state.Status != models.RealtimeDisconnected || c.state.Transport != models.TransportWebSocket
	c.state.Status = models.RealtimeDisconnected
	c.state.Transport = models.TransportWebSocket
	c.state.ReconnectAttempt = 0
	st := c.state
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	metrics.SetRealtimeTransport("")
	if changed {
		c.stateListeners.Notify(st)
	}
}

// Close disconnects and waits for background loops to exit.
func (c *Channel) Close() {
	c.Disconnect()
	c.wg.Wait()
}

// Subscribe registers handler for eventType and returns its unsubscribe func.
func (c *Channel) Subscribe(eventType string, handler events.EventHandler) func() {
	return c.bus.Subscribe(eventType, handler)
}

func (c *Channel) State() models.RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeState registers fn for every connection state change.
func (c *Channel) SubscribeState(fn func(models.RealtimeState)) func() {
	return c.stateListeners.Subscribe(fn)
}

func (c *Channel) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrNoToken
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("%w: handshake status %d", ErrTransportUnavailable, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// stopSessionLocked invalidates the running session and returns its socket, if any.
func (c *Channel) stopSessionLocked() *websocket.Conn {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Channel) newSessionLocked() (context.Context, uint64) {
	if old := c.stopSessionLocked(); old != nil {
		_ = old.CloseNow()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return ctx, c.gen
}

func (c *Channel) establishLocked(conn *websocket.Conn) {
	ctx, gen := c.newSessionLocked()
	c.conn = conn
	c.state.Status = models.RealtimeConnected
	c.state.Transport = models.TransportWebSocket
	c.state.ReconnectAttempt = 0

	c.wg.Add(2)
	go c.readLoop(ctx, conn, gen)
	go c.heartbeatLoop(ctx, conn, gen)
}

func (c *Channel) startReconnectLocked() {
	ctx, gen := c.newSessionLocked()
	c.wg.Add(1)
	go c.reconnectLoop(ctx, gen)
}

func (c *Channel) startPollingLocked() {
	ctx, gen := c.newSessionLocked()
	c.state.Status = models.RealtimeConnected
	c.state.Transport = models.TransportPolling
	c.state.ReconnectAttempt = 0
	c.wg.Add(1)
	go c.pollLoop(ctx, gen)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleDrop(gen, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}

		switch f.Type {
		case frameEvent:
			if f.Event == "" {
				continue
			}
			ev := &events.Event{Type: f.Event, Payload: f.Data, CreatedAt: c.now()}
			if f.TS > 0 {
				ev.CreatedAt = time.UnixMilli(f.TS)
			}
			c.bus.Publish(ev)
		case framePong:
			now := c.now()
			c.updateIf(gen, func(s *models.RealtimeState) { s.LastHeartbeat = &now })
		}
	}
}

func (c *Channel) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Err(err).Msg("realtime connection lost")
	c.state.Status = models.RealtimeDisconnected
	c.startReconnectLocked()
	st := c.state
	c.mu.Unlock()
	c.stateListeners.Notify(st)
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, conn, frame{Type: framePing, TS: c.now().UnixMilli()}); err != nil {
				c.logger.Debug().Err(err).Uint64("session", gen).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Channel) reconnectLoop(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		if !c.updateIf(gen, func(s *models.RealtimeState) {
			s.Status = models.RealtimeConnecting
			s.ReconnectAttempt = attempt
		}) {
			return
		}

		timer := time.NewTimer(c.backoff.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		metrics.IncRealtimeReconnect()
		conn, err := c.redial(ctx)
		if err == nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				_ = conn.CloseNow()
				return
			}
			c.establishLocked(conn)
			st := c.state
			c.mu.Unlock()
			c.logger.Info().Int("attempt", attempt).Msg("realtime reconnected")
			c.afterStateChange(st)
			c.resubscribe(conn)
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("realtime reconnect failed")
		if errors.Is(err, ErrNoToken) {
			c.updateIf(gen, func(s *models.RealtimeState) { s.Status = models.RealtimeError })
			return
		}
		if errors.Is(err, ErrTransportUnavailable) {
			break
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Msg("realtime demoted to polling")
	c.startPollingLocked()
	st := c.state
	c.mu.Unlock()
	c.afterStateChange(st)
}

func (c *Channel) redial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, token)
}

// pollLoop stands in for the socket with synthetic heartbeats so consumers
// keep refreshing on a timer. It does not try to promote back to websocket.
func (c *Channel) pollLoop(ctx context.Context, gen uint64) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			if !c.updateIf(gen, func(s *models.RealtimeState) { s.LastHeartbeat = &now }) {
				return
			}
			c.bus.Publish(&events.Event{
				Type:      events.EventHeartbeat,
				Payload:   json.RawMessage(`{"transport":"polling"}`),
				CreatedAt: now,
			})
		}
	}
}

func (c *Channel) resubscribe(conn *websocket.Conn) {
	for _, eventType := range c.bus.Types() {
		if err := c.send(context.Background(), conn, frame{Type: frameSubscribe, Event: eventType}); err != nil {
			c.logger.Warn().Err(err).Str("event", eventType).Msg("resubscribe failed")
		}
	}
}

func (c *Channel) onFirstSubscriber(eventType string) {
	c.sendIfConnected(frame{Type: frameSubscribe, Event: eventType})
}

func (c *Channel) onLastSubscriber(eventType string) {
	c.sendIfConnected(frame{Type: frameUnsubscribe, Event: eventType})
}

func (c *Channel) sendIfConnected(f frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.send(context.Background(), conn, f); err != nil {
		c.logger.Warn().Err(err).Str("frame", f.Type).Str("event", f.Event).Msg("send failed")
	}
}

func (c *Channel) send(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Channel) update(fn func(*models.RealtimeState)) {
	c.mu.Lock()
	fn(&c.state)
	st := c.state
	c.mu.Unlock()
	c.stateListeners.Notify(st)
}

// updateIf applies fn only while gen is the live session.
func (c *Channel) updateIf(gen uint64, fn func(*models.RealtimeState)) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	fn(&c.state)
	st := c.state
	c.mu.Unlock()
	c.stateListeners.Notify(st)
	return true
}

func (c *Channel) afterStateChange(st models.RealtimeState) {
	if st.Status == models.RealtimeConnected {
		metrics.SetRealtimeTransport(st.Transport)
	}
	c.stateListeners.Notify(st)
}
