package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/slack"
	"github.com/euglena-ai/euglena/pkg/taskstore"
)

// statusPrefetch is the consume window for status envelopes. Unlike the
// mandate queue, depth here carries no scaling signal, so a wide window is
// fine.
const statusPrefetch = 64

// StatusApplier folds a status envelope into the task store. Satisfied by
// *taskstore.Store.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, env *contract.StatusEnvelope) error
}

// StatusConsumer drains the status queue, persists each envelope, and fans
// it out to SSE subscribers. The store rejects stale envelopes, so redelivery
// and reordering on the broker side cannot move a task backwards.
type StatusConsumer struct {
	store    StatusApplier
	hub      *Hub
	notifier *slack.Service
	log      *slog.Logger
}

// NewStatusConsumer creates a consumer feeding the store and hub.
func NewStatusConsumer(store StatusApplier, hub *Hub) *StatusConsumer {
	return &StatusConsumer{
		store: store,
		hub:   hub,
		log:   slog.With("component", "status-consumer"),
	}
}

// WithNotifier attaches a Slack notifier for terminal envelopes. A nil
// service keeps notifications disabled.
func (sc *StatusConsumer) WithNotifier(n *slack.Service) *StatusConsumer {
	sc.notifier = n
	return sc
}

// Run consumes the status queue until the context is cancelled.
func (sc *StatusConsumer) Run(ctx context.Context, client *broker.Client, queue string) error {
	sc.log.Info("Consuming status queue", "queue", queue)
	return client.Consume(ctx, queue, statusPrefetch, sc.Handle)
}

// Handle settles one status delivery. Only a store outage re-queues; stale
// and unknown envelopes are dropped because redelivering them cannot help.
func (sc *StatusConsumer) Handle(ctx context.Context, d broker.Delivery) {
	var env contract.StatusEnvelope
	if err := d.Decode(&env); err != nil {
		sc.log.Error("Dropping undecodable status envelope", "error", err)
		_ = d.Ack()
		return
	}

	err := sc.store.ApplyStatus(ctx, &env)
	switch {
	case err == nil:
	case errors.Is(err, contract.ErrUnknownState):
		// Poison message: no amount of redelivery makes the type known.
		sc.log.Error("Dropping status envelope with unknown type",
			"correlation_id", env.CorrelationID, "type", string(env.Type))
		_ = d.Ack()
		return
	case errors.Is(err, taskstore.ErrStale):
		// Out-of-order or replayed envelope, the record already moved on.
		sc.log.Debug("Ignoring stale status envelope",
			"correlation_id", env.CorrelationID, "seq", env.Seq, "type", string(env.Type))
	case errors.Is(err, taskstore.ErrNotFound):
		sc.log.Warn("Status envelope for unknown task",
			"correlation_id", env.CorrelationID, "type", string(env.Type))
	default:
		sc.log.Error("Applying status failed, re-queueing",
			"correlation_id", env.CorrelationID, "error", err)
		_ = d.Reject(true)
		return
	}

	// Live subscribers still get stale envelopes; they order by Seq.
	sc.hub.Publish(env)

	// Terminal envelopes that were applied (not stale replays) fan out to
	// the notification channel too.
	if err == nil && (env.Type == contract.StatusCompleted || env.Type == contract.StatusError) {
		sc.notify(ctx, &env)
	}
	_ = d.Ack()
}

func (sc *StatusConsumer) notify(ctx context.Context, env *contract.StatusEnvelope) {
	input := slack.TaskTerminalInput{
		CorrelationID: env.CorrelationID,
		Mandate:       env.Mandate,
		Status:        string(env.Type),
		Ticks:         env.Tick,
		Error:         env.Error,
	}
	if env.Result != nil {
		input.Success = env.Result.Success
		input.Deliverable = env.Result.FinalDeliverable
	}
	sc.notifier.NotifyTaskTerminal(ctx, input)
}
