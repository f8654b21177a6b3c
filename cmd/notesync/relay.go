package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cortexuvula/notesync/internal/config"
	"github.com/cortexuvula/notesync/internal/health"
	"github.com/cortexuvula/notesync/internal/logging"
	"github.com/cortexuvula/notesync/internal/metrics"
	"github.com/cortexuvula/notesync/internal/relay"
	"github.com/cortexuvula/notesync/internal/security"
)

func runRelay(cfg *config.Config, reload func() (*config.Config, error)) error {
	lj := logging.Setup(cfg.Logging, nil)
	defer func() {
		if lj != nil {
			lj.Close()
		}
	}()

	slog.Info("starting notesync relay",
		"version", Version,
		"listen", cfg.Relay.ListenAddress,
		"health", cfg.Health.ListenAddress,
		"redis", cfg.Relay.Redis.Enabled,
	)

	tracker := relay.NewTracker()

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		rl = security.NewConnectionLimiter(cfg.Security.RateLimit)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	var store relay.Store = relay.NewMemoryStore()
	var fanout relay.Fanout
	if cfg.Relay.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Redis.Address,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Relay.Redis.Address, err)
		}
		instance := uuid.NewString()
		store = relay.NewRedisStore(rdb, cfg.Relay.Redis.Prefix)
		fanout = relay.NewRedisFanout(rdb, cfg.Relay.Redis.Prefix, instance)
		slog.Info("redis fanout enabled", "address", cfg.Relay.Redis.Address, "instance", instance)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	handler := relay.NewHandler(cfg, tracker, rl, store, shutdownCtx)
	handler.Fanout = fanout

	if cfg.Monitoring.MetricsEnabled {
		handler.Metrics = metrics.New(nil)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	healthHandler := health.NewHandler(tracker, handler.Hub, store, Version, cfg.Health.Detailed)

	// Clients probe the relay listener itself before reconnecting.
	relayMux := http.NewServeMux()
	handler.Register(relayMux)
	relayMux.Handle(cfg.Sync.Probe.Path, healthHandler)
	relayServer := &http.Server{
		Addr:    cfg.Relay.ListenAddress,
		Handler: relayMux,
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		healthServer = &http.Server{
			Addr:    cfg.Health.ListenAddress,
			Handler: healthMux,
		}
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("relay listening", "address", cfg.Relay.ListenAddress, "tls", cfg.Relay.TLS.Enabled)
		var err error
		if cfg.Relay.TLS.Enabled {
			err = relayServer.ListenAndServeTLS(cfg.Relay.TLS.CertFile, cfg.Relay.TLS.KeyFile)
		} else {
			err = relayServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("relay server error", "error", err)
		}
	}()

	go handler.RunFanout(shutdownCtx)

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat every 15s for a 30s WatchdogSec
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := reload()
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)
			if rl != nil {
				rl.Reconfigure(cfg.Security.RateLimit)
			}

			oldLJ := lj
			lj = logging.Setup(cfg.Logging, nil)
			if oldLJ != nil {
				oldLJ.Close()
			}
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Relay.DrainTimeout.String(),
				"active_connections", tracker.Active(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			handler.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				relayServer.Shutdown(ctx)
			}()
			wg.Wait()

			waitForDrain(ctx, tracker)
			shutdownCancel()

			slog.Info("shutdown complete", "total_connections", tracker.Total(), "total_messages", tracker.Messages())
			return nil
		}
	}
	return nil
}

// waitForDrain waits until every channel has closed or ctx expires.
// Shutdown does not track hijacked WebSocket connections.
func waitForDrain(ctx context.Context, t *relay.Tracker) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for t.Active() > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("drain timeout, closing remaining channels", "active_connections", t.Active())
			return
		case <-ticker.C:
		}
	}
}
