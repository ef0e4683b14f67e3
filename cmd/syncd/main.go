package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/supercaly/syncd/internal/broker"
	"github.com/supercaly/syncd/internal/config"
	"github.com/supercaly/syncd/internal/dispatch"
	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/identity"
	"github.com/supercaly/syncd/internal/push"
	"github.com/supercaly/syncd/internal/service"
	"github.com/supercaly/syncd/internal/store"
	"github.com/supercaly/syncd/pkg/infra"
	_ "github.com/supercaly/syncd/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	if cfg.AccountID == "" {
		logger.Error("CRITICAL: ACCOUNT_ID environment variable is missing")
		os.Exit(1)
	}

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Sync engine initializing...",
		"account_id", cfg.AccountID,
		"version", "1.0.0",
	)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("CRITICAL: Failed to open local store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	gw := gateway.NewClient(cfg.RestBaseURL, cfg.RestTimeout, logger)
	resolver := identity.NewResolver(st, gw, logger)
	conn := service.NewConnectivity(logger)
	timers := service.NewAckTimers(cfg.AckTimeout, logger)
	bus := service.NewBus()

	go startObservabilityServer(cfg.MetricsAddr, logger)

	runMainLoop(ctx, cfg, st, gw, resolver, conn, timers, bus, logger)
	timers.Stop()
	logger.Info("✅ Shutdown complete")
}

// switchPusher lets the engine outlive individual broker connections. The
// reconnect loop swaps in each fresh client.
type switchPusher struct {
	client atomic.Pointer[broker.Client]
}

func (s *switchPusher) Send(ctx context.Context, p push.Payload, recipients []string) error {
	c := s.client.Load()
	if c == nil {
		return errors.New("broker connection is closed")
	}
	return c.Send(ctx, p, recipients)
}

// runMainLoop owns the broker lifecycle. When the link drops the loop
// reconnects with backoff and the sync queue absorbs the gap.
func runMainLoop(ctx context.Context, cfg *config.Config, st *store.Store, gw *gateway.Client, resolver *identity.Resolver, conn *service.Connectivity, timers *service.AckTimers, bus *service.Bus, logger *slog.Logger) {
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	pusher := &switchPusher{}
	proc := service.NewProcessor(st, gw, resolver, pusher, conn, timers, cfg.AccountID, cfg.DebounceWindow, logger)
	engine := service.NewEngine(st, gw, resolver, pusher, proc, timers, bus, cfg.AccountID, logger)
	dispatcher := dispatch.NewDispatcher(st, gw, resolver, engine, bus, cfg.AccountID, logger)
	conn.OnOnline(func() { proc.ProcessQueue(context.Background()) })

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Shutdown signal received")
			return
		default:
			client, err := broker.NewClient(cfg.BrokerURL, func() { conn.SetOnline(false) }, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("Broker connection failed, retrying...",
					"wait_duration", wait,
					"error", err,
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}

			connBackoff.Reset()
			pusher.client.Store(client)

			consumer, err := broker.NewConsumer(cfg.BrokerURL, cfg.AccountID, dispatcher, logger)
			if err != nil {
				logger.Error("Push consumer setup failed", "error", err)
				client.Close()
				continue
			}

			// Link is up; drain whatever accumulated while offline
			conn.SetOnline(true)
			logger.Info("✅ Connected to broker. Listening for payloads...")

			// A REST outage flags connectivity down even while the broker
			// link holds; probe periodically so the queue resumes once the
			// service answers again
			go func(c *broker.Client) {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if !c.IsHealthy() {
							return
						}
						conn.SetOnline(true)
					}
				}
			}(client)

			if err := consumer.Listen(ctx); err != nil {
				logger.Error("⚠️ Push consumer connection lost", "error", err)
			}

			conn.SetOnline(false)
			consumer.Close()
			client.Close()

			if ctx.Err() != nil {
				return
			}
		}
	}
}

func startObservabilityServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SYNCD ALIVE"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
