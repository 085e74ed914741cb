// Euglena gateway — accepts research mandates over HTTP, queues them for the
// workers, and serves task state plus live status streams.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/euglena-ai/euglena/pkg/api"
	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/slack"
	"github.com/euglena-ai/euglena/pkg/taskstore"
	"github.com/euglena-ai/euglena/pkg/version"
	"github.com/euglena-ai/euglena/pkg/worker"
)

// storePinger adapts the task store for the health endpoint.
type storePinger struct {
	store *taskstore.Store
}

func (p storePinger) Ping(ctx context.Context) error {
	return p.store.DB().PingContext(ctx)
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting gateway", "version", version.Full(), "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := taskstore.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to open task store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			slog.Error("Error closing task store", "error", cerr)
		}
	}()
	slog.Info("Connected to PostgreSQL")

	client, err := broker.Dial(ctx, cfg.Broker)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			slog.Error("Error closing broker connection", "error", cerr)
		}
	}()
	slog.Info("Connected to broker", "mandate_queue", cfg.Broker.MandateQueue, "status_queue", cfg.Broker.StatusQueue)

	server, err := api.NewServer(cfg, store, client, storePinger{store})
	if err != nil {
		slog.Error("Failed to build API server", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Status consumer: folds worker envelopes into the store and feeds SSE.
	// The notifier is nil-safe and disabled without a Slack token.
	notifier := slack.NewService(slack.ServiceConfig{
		Token:        cfg.Notify.SlackToken,
		Channel:      cfg.Notify.SlackChannel,
		DashboardURL: cfg.Notify.DashboardURL,
	})
	consumer := api.NewStatusConsumer(store, server.StatusHub()).WithNotifier(notifier)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx, client, cfg.Broker.StatusQueue); err != nil && ctx.Err() == nil {
			slog.Error("Status consumer stopped", "error", err)
		}
	}()

	// Janitor: fails records whose worker stopped reporting.
	janitor := worker.NewJanitor(store, cfg.Worker.OrphanScanInterval, cfg.Worker.OrphanThreshold)
	wg.Add(1)
	go func() {
		defer wg.Done()
		janitor.Run(ctx)
	}()

	if err := server.Run(ctx); err != nil && err != http.ErrServerClosed {
		slog.Error("HTTP server error", "error", err)
	}
	stop()
	wg.Wait()
	slog.Info("Shutdown complete")
}
