package network

import (
	"context"
	"net/http"
	"time"

	"flocksync/internal/logging"

	"github.com/rs/zerolog"
)

// Prober feeds a Monitor by polling an HTTP health URL. Any answer below 500
// counts as reachable.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	monitor  *Monitor
	logger   zerolog.Logger
}

func NewProber(url string, interval, timeout time.Duration, monitor *Monitor, logger *zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		monitor:  monitor,
		logger:   logging.Component(logger, "prober"),
	}
}

// Probe performs one reachability check and updates the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	p.monitor.Set(online)
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("url", p.url).Msg("invalid probe url")
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Msg("probe failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
