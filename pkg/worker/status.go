package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/engine"
)

// statusPublisher emits status envelopes for one task with per-task
// monotonic sequence numbers. Tick updates are coalesced: at most one
// in_progress envelope is ever pending, and a newer tick replaces it.
// Terminal envelopes are published synchronously.
type statusPublisher struct {
	publisher Publisher
	queue     string
	env       *contract.TaskEnvelope
	seq       atomic.Uint64
	log       *slog.Logger

	pending chan contract.StatusEnvelope
	quit    chan struct{}
	done    sync.WaitGroup
}

func newStatusPublisher(p Publisher, queue string, env *contract.TaskEnvelope) *statusPublisher {
	return &statusPublisher{
		publisher: p,
		queue:     queue,
		env:       env,
		log:       slog.With("component", "status", "correlation_id", env.CorrelationID),
		pending:   make(chan contract.StatusEnvelope, 1),
		quit:      make(chan struct{}),
	}
}

// publish stamps seq and timestamp at send time so ordering on the wire
// matches ordering of events.
func (p *statusPublisher) publish(ctx context.Context, e contract.StatusEnvelope) {
	e.Mandate = p.env.Mandate
	e.CorrelationID = p.env.CorrelationID
	e.Seq = p.seq.Add(1)
	e.TS = time.Now().UTC()
	if err := p.publisher.Publish(ctx, p.queue, e); err != nil {
		p.log.Warn("Status publish failed", "type", string(e.Type), "error", err)
	}
}

func (p *statusPublisher) accepted(ctx context.Context) {
	p.publish(ctx, contract.StatusEnvelope{
		Type:     contract.StatusAccepted,
		MaxTicks: p.env.MaxTicks,
	})
}

// tick queues an in_progress update, replacing any not-yet-sent one. The
// engine never blocks on a slow broker.
func (p *statusPublisher) tick(ti engine.TickInfo) {
	e := contract.StatusEnvelope{
		Type:              contract.StatusInProgress,
		Tick:              ti.Tick,
		MaxTicks:          ti.MaxTicks,
		HistoryLength:     ti.HistoryLength,
		NotesLen:          ti.NotesLen,
		DeliverablesCount: ti.DeliverablesCount,
	}
	for {
		select {
		case p.pending <- e:
			return
		default:
			// Drop the stale pending update and retry with the newer one.
			select {
			case <-p.pending:
			default:
			}
		}
	}
}

// start launches the draining goroutine; the returned stop function blocks
// until it has exited, guaranteeing no in_progress outlives a terminal
// envelope.
func (p *statusPublisher) start(ctx context.Context) (stop func()) {
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		for {
			select {
			case <-p.quit:
				// Flush the last queued update so the final tick is visible
				// before the terminal envelope.
				select {
				case e := <-p.pending:
					p.publish(ctx, e)
				default:
				}
				return
			case <-ctx.Done():
				return
			case e := <-p.pending:
				p.publish(ctx, e)
			}
		}
	}()
	return func() {
		close(p.quit)
		p.done.Wait()
	}
}

func (p *statusPublisher) completed(ctx context.Context, res *engine.Result) {
	p.publish(ctx, contract.StatusEnvelope{
		Type:     contract.StatusCompleted,
		Tick:     res.TicksUsed,
		MaxTicks: p.env.MaxTicks,
		Result: &contract.TaskResult{
			Success:          res.Success,
			Deliverables:     res.Deliverables,
			Notes:            res.Notes,
			FinalDeliverable: res.FinalDeliverable,
			ActionSummary:    res.ActionSummary,
		},
	})
}

func (p *statusPublisher) error(ctx context.Context, err error) {
	p.publish(ctx, contract.StatusEnvelope{
		Type:     contract.StatusError,
		MaxTicks: p.env.MaxTicks,
		Error:    err.Error(),
	})
}
