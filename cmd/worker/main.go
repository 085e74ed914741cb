// Euglena worker — consumes one research mandate at a time from the broker,
// drives the reasoning engine over it, and streams status envelopes back.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/dag"
	"github.com/euglena-ai/euglena/pkg/engine"
	"github.com/euglena-ai/euglena/pkg/fetch"
	"github.com/euglena-ai/euglena/pkg/llm"
	"github.com/euglena-ai/euglena/pkg/policy"
	"github.com/euglena-ai/euglena/pkg/search"
	"github.com/euglena-ai/euglena/pkg/taskstore"
	"github.com/euglena-ai/euglena/pkg/telemetry"
	"github.com/euglena-ai/euglena/pkg/vectorstore"
	"github.com/euglena-ai/euglena/pkg/version"
	"github.com/euglena-ai/euglena/pkg/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting worker", "version", version.Full())

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

	chat := llm.NewClient(cfg.LLM)
	searchClient := search.NewClient(cfg.Search)
	fetchClient := fetch.NewClient(cfg.Fetch)

	// The vector memory is an enrichment, not a dependency: a missing Chroma
	// instance downgrades expansion and synthesis, it does not stop the worker.
	var vectors action.VectorStore
	if vs, verr := vectorstore.New(ctx, cfg.Vector); verr != nil {
		slog.Warn("Vector store unavailable, continuing without memory", "error", verr)
	} else {
		vectors = vs
		defer vs.Close()
	}

	var protector worker.Protector
	if cfg.Worker.ScaleInProtection {
		p, perr := worker.NewECSProtector(ctx, cfg.Worker.ProtectionExpiry)
		if perr != nil {
			slog.Warn("ECS task protection unavailable", "error", perr)
		} else {
			protector = p
		}
	}

	settings := policy.SettingsFromConfig(cfg.Engine)

	factory := func(env *contract.TaskEnvelope, onTick func(engine.TickInfo), trace *telemetry.Session) worker.Runner {
		traced := chat.WithTrace(trace)
		registry := action.NewRegistry()
		d := dag.New(env.Mandate, nil)
		policies := policy.NewDefaultSet(traced, vectors, registry, settings)
		eng := engine.New(d, policies, registry, action.IO{
			Search:  searchClient,
			Fetch:   fetchClient,
			Vectors: vectors,
			Chat:    traced,
			Trace:   trace,
		})
		eng.OnTick = onTick
		return eng
	}

	w := worker.New(cfg, client, store, factory, protector)
	slog.Info("Worker ready", "worker_id", w.ID(), "queue", cfg.Broker.MandateQueue)

	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if merr := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); merr != nil {
				slog.Warn("Metrics endpoint stopped", "error", merr)
			}
		}()
	}

	// A shutdown signal cancels the consume context; the engine folds the
	// in-flight task into a partial result before the process exits.
	if err := w.Run(ctx, client); err != nil && ctx.Err() == nil {
		slog.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
