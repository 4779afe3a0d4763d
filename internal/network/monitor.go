package network

import (
	"sync"

	"flocksync/internal/events"
	"flocksync/internal/logging"

	"github.com/rs/zerolog"
)

// Monitor tracks connectivity and app-foreground transitions. Subscribers are
// called synchronously, in subscription order, only when the status changes.
type Monitor struct {
	mu     sync.Mutex
	online bool

	// serializes notification so listeners observe transitions in order
	notifyMu sync.Mutex

	status     *events.Listeners[bool]
	foreground *events.Listeners[struct{}]
	logger     zerolog.Logger
}

func NewMonitor(initial bool, logger *zerolog.Logger) *Monitor {
	log := logging.Component(logger, "network")
	return &Monitor{
		online:     initial,
		status:     events.NewListeners[bool](log),
		foreground: events.NewListeners[struct{}](log),
		logger:     log,
	}
}

// Set records the current connectivity and notifies subscribers on a transition.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	m.status.Notify(online)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for connectivity transitions and returns its unsubscribe func.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	return m.status.Subscribe(fn)
}

// Foreground signals that the host app returned to the foreground.
func (m *Monitor) Foreground() {
	m.logger.Debug().Msg("app foregrounded")
	m.foreground.Notify(struct{}{})
}

func (m *Monitor) SubscribeForeground(fn func()) func() {
	return m.foreground.Subscribe(func(struct{}) { fn() })
}
