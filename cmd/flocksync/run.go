package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flocksync/internal/api"
	"flocksync/internal/auth"
	"flocksync/internal/events"
	"flocksync/internal/network"
	"flocksync/internal/realtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	Long: `Run starts the sync coordinator, the connectivity prober, the realtime
channel and the local status API, then waits for SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func (a *app) run(ctx context.Context) error {
	logger := a.logger.With().Str("component", "main").Logger()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.sync.Run(gctx)
	})

	if a.cfg.Network.ProbeURL != "" {
		prober := network.NewProber(a.cfg.Network.ProbeURL, a.cfg.Network.ProbeInterval, a.cfg.Network.ProbeTimeout, a.monitor, a.logger)
		g.Go(func() error {
			prober.Run(gctx)
			return nil
		})
	}

	var channel *realtime.Channel
	if a.cfg.Realtime.Enabled {
		channel = a.startRealtime(gctx, &logger)
		defer channel.Close()
	}

	if a.cfg.API.Enabled {
		server := api.NewHTTPServer(a.cfg.API, a.sync, a.queue, realtimeSource(channel), a.logger)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error {
			return startMetricsServer(gctx, a.cfg.Monitoring.PrometheusPort, a.logger)
		})
	}

	logger.Info().
		Str("cache_backend", a.cfg.Cache.Backend).
		Bool("realtime", a.cfg.Realtime.Enabled).
		Bool("api", a.cfg.API.Enabled).
		Msg("sync engine started")

	err := g.Wait()
	logger.Info().Msg("sync engine stopped")
	return err
}

// startRealtime connects the push channel and wires cache invalidation and token changes.
func (a *app) startRealtime(ctx context.Context, logger *zerolog.Logger) *realtime.Channel {
	channel := realtime.New(realtime.OptionsFromConfig(a.cfg.Realtime), a.tokens, a.logger)

	for eventType, prefix := range a.cfg.Sync.Invalidate {
		a.sync.InvalidateOn(channel, eventType, prefix)
	}
	for _, eventType := range a.cfg.Realtime.Events {
		channel.Subscribe(eventType, func(e *events.Event) error {
			logger.Debug().Str("event", e.Type).Msg("realtime event")
			return nil
		})
	}
	// polling heartbeats drive a sync like a foreground return
	channel.Subscribe(events.EventHeartbeat, func(*events.Event) error {
		if a.monitor.Online() && !a.sync.InProgress() {
			a.monitor.Foreground()
		}
		return nil
	})

	if fileTokens, ok := a.tokens.(*auth.FileTokenSource); ok {
		fileTokens.Subscribe(func(token string) {
			channel.Disconnect()
			if token == "" {
				logger.Info().Msg("signed out, realtime disconnected")
				return
			}
			if err := channel.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("realtime reconnect after token change failed")
			}
		})
	}

	if err := channel.Connect(ctx); err != nil {
		if errors.Is(err, realtime.ErrNoToken) {
			logger.Warn().Msg("no auth token, realtime waits for sign-in")
		} else {
			logger.Warn().Err(err).Msg("realtime connect failed")
		}
	}
	return channel
}

func realtimeSource(ch *realtime.Channel) api.RealtimeSource {
	if ch == nil {
		return nil
	}
	return ch
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
		return err
	}
	return nil
}
