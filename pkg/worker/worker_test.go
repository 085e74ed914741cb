package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/engine"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []contract.StatusEnvelope
}

func (c *capturePublisher) Publish(_ context.Context, _ string, v any) error {
	env, ok := v.(contract.StatusEnvelope)
	if !ok {
		return errors.New("unexpected message type")
	}
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *capturePublisher) all() []contract.StatusEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contract.StatusEnvelope(nil), c.envs...)
}

type fakeClaimer struct {
	claimed bool
	err     error
	calls   int
}

func (f *fakeClaimer) Claim(_ context.Context, _, _ string) (bool, error) {
	f.calls++
	return f.claimed, f.err
}

type fakeAck struct {
	acked    int
	nacked   int
	requeued bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}
func (f *fakeAck) Reject(_ uint64, requeue bool) error { return f.Nack(0, false, requeue) }

type recordingProtector struct {
	protected   int
	unprotected int
}

func (r *recordingProtector) Protect(context.Context) error   { r.protected++; return nil }
func (r *recordingProtector) Unprotect(context.Context) error { r.unprotected++; return nil }

type runnerFunc func(ctx context.Context, maxTicks int) (*engine.Result, error)

func (f runnerFunc) Run(ctx context.Context, maxTicks int) (*engine.Result, error) {
	return f(ctx, maxTicks)
}

func testConfig() *config.Config {
	return &config.Config{
		Broker:    config.DefaultBrokerConfig(),
		Worker:    config.DefaultWorkerConfig(),
		Telemetry: config.DefaultTelemetryConfig(),
	}
}

func envelopeBody(t *testing.T, maxTicks int) ([]byte, *contract.TaskEnvelope) {
	t.Helper()
	env, err := contract.NewTaskEnvelope("what do pandas eat", maxTicks)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body, env
}

func TestHandlePublishesLifecycle(t *testing.T) {
	pub := &capturePublisher{}
	claimer := &fakeClaimer{claimed: true}
	protector := &recordingProtector{}

	factory := func(env *contract.TaskEnvelope, onTick func(engine.TickInfo), _ *telemetry.Session) Runner {
		return runnerFunc(func(_ context.Context, maxTicks int) (*engine.Result, error) {
			for i := 1; i <= 3; i++ {
				onTick(engine.TickInfo{Tick: i, MaxTicks: maxTicks, HistoryLength: i})
			}
			return &engine.Result{
				Success:          true,
				FinalDeliverable: "bamboo",
				TicksUsed:        3,
			}, nil
		})
	}
	w := New(testConfig(), pub, claimer, factory, protector)

	body, env := envelopeBody(t, 10)
	ack := &fakeAck{}
	w.Handle(context.Background(), broker.NewDelivery(body, 1, ack))

	envs := pub.all()
	require.NotEmpty(t, envs)
	assert.Equal(t, contract.StatusAccepted, envs[0].Type)
	last := envs[len(envs)-1]
	assert.Equal(t, contract.StatusCompleted, last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Success)
	assert.Equal(t, "bamboo", last.Result.FinalDeliverable)
	assert.Equal(t, 3, last.Tick)

	// Sequence numbers are strictly increasing; correlation id rides along.
	for i, e := range envs {
		assert.Equal(t, env.CorrelationID, e.CorrelationID)
		if i > 0 {
			assert.Greater(t, e.Seq, envs[i-1].Seq)
		}
	}

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 1, protector.protected)
	assert.Equal(t, 1, protector.unprotected)
}

func TestHandleDropsRedelivery(t *testing.T) {
	pub := &capturePublisher{}
	claimer := &fakeClaimer{claimed: false}
	factory := func(*contract.TaskEnvelope, func(engine.TickInfo), *telemetry.Session) Runner {
		t.Fatal("runner must not be built for a duplicate")
		return nil
	}
	w := New(testConfig(), pub, claimer, factory, nil)

	body, _ := envelopeBody(t, 10)
	ack := &fakeAck{}
	w.Handle(context.Background(), broker.NewDelivery(body, 1, ack))

	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, pub.all())
}

func TestHandleDropsPoisonMessage(t *testing.T) {
	pub := &capturePublisher{}
	claimer := &fakeClaimer{claimed: true}
	w := New(testConfig(), pub, claimer, nil, nil)

	ack := &fakeAck{}
	w.Handle(context.Background(), broker.NewDelivery([]byte("not json"), 1, ack))

	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, claimer.calls)
	assert.Empty(t, pub.all())
}

func TestHandleRequeuesOnStoreOutage(t *testing.T) {
	pub := &capturePublisher{}
	claimer := &fakeClaimer{err: errors.New("db down")}
	w := New(testConfig(), pub, claimer, nil, nil)

	body, _ := envelopeBody(t, 10)
	ack := &fakeAck{}
	w.Handle(context.Background(), broker.NewDelivery(body, 1, ack))

	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
	assert.Empty(t, pub.all())
}

func TestHandleReportsRunnerError(t *testing.T) {
	pub := &capturePublisher{}
	claimer := &fakeClaimer{claimed: true}
	factory := func(*contract.TaskEnvelope, func(engine.TickInfo), *telemetry.Session) Runner {
		return runnerFunc(func(context.Context, int) (*engine.Result, error) {
			return nil, errors.New("engine invariant violation")
		})
	}
	w := New(testConfig(), pub, claimer, factory, nil)

	body, _ := envelopeBody(t, 10)
	ack := &fakeAck{}
	w.Handle(context.Background(), broker.NewDelivery(body, 1, ack))

	envs := pub.all()
	require.Len(t, envs, 2)
	assert.Equal(t, contract.StatusAccepted, envs[0].Type)
	assert.Equal(t, contract.StatusError, envs[1].Type)
	assert.Contains(t, envs[1].Error, "invariant")
	assert.Equal(t, 1, ack.acked)
}

func TestStatusPublisherCoalescesTicks(t *testing.T) {
	pub := &capturePublisher{}
	env, err := contract.NewTaskEnvelope("mandate", 5)
	require.NoError(t, err)
	sp := newStatusPublisher(pub, "agent.status", env)

	// Without a draining goroutine, newer ticks replace the pending one.
	for i := 1; i <= 5; i++ {
		sp.tick(engine.TickInfo{Tick: i, MaxTicks: 5})
	}
	stop := sp.start(context.Background())
	stop()

	envs := pub.all()
	require.Len(t, envs, 1)
	assert.Equal(t, contract.StatusInProgress, envs[0].Type)
	assert.Equal(t, 5, envs[0].Tick, "only the newest tick survives coalescing")
}
