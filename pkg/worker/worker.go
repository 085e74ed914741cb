// Package worker implements the task worker: it consumes task envelopes from
// the mandate queue one at a time, runs the reasoning engine for each, and
// streams status envelopes back. Claiming the task in the store deduplicates
// broker redeliveries; ECS task protection keeps the replica alive while a
// task is in flight.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/engine"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

// Publisher sends one JSON message to a queue. Satisfied by *broker.Client.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// TaskClaimer deduplicates deliveries against the task store. Satisfied by
// *taskstore.Store.
type TaskClaimer interface {
	Claim(ctx context.Context, correlationID, workerID string) (bool, error)
}

// Runner drives one task to completion. Satisfied by *engine.Engine via
// RunnerFactory.
type Runner interface {
	Run(ctx context.Context, maxTicks int) (*engine.Result, error)
}

// RunnerFactory builds a Runner for one task envelope. The onTick callback
// must be invoked once per consumed tick.
type RunnerFactory func(env *contract.TaskEnvelope, onTick func(engine.TickInfo), trace *telemetry.Session) Runner

// Worker is one consuming replica.
type Worker struct {
	id        string
	cfg       *config.Config
	publisher Publisher
	claimer   TaskClaimer
	factory   RunnerFactory
	protector Protector
	log       *slog.Logger
}

// New creates a worker. A nil protector disables scale-in protection.
func New(cfg *config.Config, publisher Publisher, claimer TaskClaimer, factory RunnerFactory, protector Protector) *Worker {
	if protector == nil {
		protector = NoopProtector{}
	}
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Worker{
		id:        id,
		cfg:       cfg,
		publisher: publisher,
		claimer:   claimer,
		factory:   factory,
		protector: protector,
		log:       slog.With("component", "worker", "worker_id", id),
	}
}

// ID returns the worker's identity used for task claims.
func (w *Worker) ID() string { return w.id }

// Run consumes the mandate queue until the context is cancelled. Prefetch
// stays at the configured window (1 by default) so unstarted tasks remain
// visible in the queue depth.
func (w *Worker) Run(ctx context.Context, client *broker.Client) error {
	w.log.Info("Worker consuming", "queue", w.cfg.Broker.MandateQueue, "prefetch", w.cfg.Broker.Prefetch)
	return client.Consume(ctx, w.cfg.Broker.MandateQueue, w.cfg.Broker.Prefetch, w.Handle)
}

// Handle processes one delivery end to end and acknowledges it. Only a
// store outage re-queues the message; everything else is settled here.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) {
	var env contract.TaskEnvelope
	if err := d.Decode(&env); err != nil {
		w.log.Error("Dropping undecodable task envelope", "error", err)
		_ = d.Ack()
		return
	}
	if err := env.Validate(); err != nil {
		w.log.Error("Dropping invalid task envelope", "correlation_id", env.CorrelationID, "error", err)
		_ = d.Ack()
		return
	}
	log := w.log.With("correlation_id", env.CorrelationID)

	claimed, err := w.claimer.Claim(ctx, env.CorrelationID, w.id)
	if err != nil {
		log.Error("Claim failed, re-queueing", "error", err)
		_ = d.Reject(true)
		return
	}
	if !claimed {
		log.Info("Task already claimed, dropping redelivery")
		_ = d.Ack()
		return
	}

	if err := w.protector.Protect(ctx); err != nil {
		// Protection is best-effort: the task still runs, it just may be
		// interrupted by a scale-in.
		log.Warn("Scale-in protection failed", "error", err)
	}
	defer func() {
		unprotectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.protector.Unprotect(unprotectCtx); err != nil {
			log.Warn("Releasing scale-in protection failed", "error", err)
		}
	}()

	pub := newStatusPublisher(w.publisher, w.cfg.Broker.StatusQueue, &env)
	pub.accepted(ctx)
	stop := pub.start(ctx)

	trace, err := telemetry.NewSession(env.CorrelationID, w.cfg.Telemetry.TraceDir)
	if err != nil {
		// Tracing never blocks task execution.
		log.Warn("Trace session unavailable", "error", err)
		trace, _ = telemetry.NewSession(env.CorrelationID, "")
	}
	runner := w.factory(&env, pub.tick, trace)

	log.Info("Task started", "max_ticks", env.MaxTicks)
	res, err := runner.Run(ctx, env.MaxTicks)
	stop()

	// Terminal envelopes go out even when the consume context is dying.
	finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err != nil {
		log.Error("Task failed", "error", err)
		pub.error(finalCtx, err)
		telemetry.TasksTerminal.WithLabelValues(string(contract.TaskError)).Inc()
	} else {
		log.Info("Task finished", "success", res.Success, "ticks", res.TicksUsed)
		pub.completed(finalCtx, res)
		telemetry.TasksTerminal.WithLabelValues(string(contract.TaskCompleted)).Inc()
	}
	if ferr := trace.Finalize(map[string]any{"correlation_id": env.CorrelationID}); ferr != nil {
		log.Warn("Trace finalize failed", "error", ferr)
	}
	_ = d.Ack()
}
