package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/taskstore"
)

type applierFunc func(ctx context.Context, env *contract.StatusEnvelope) error

func (f applierFunc) ApplyStatus(ctx context.Context, env *contract.StatusEnvelope) error {
	return f(ctx, env)
}

type consumerAck struct {
	acked    int
	nacked   int
	requeued bool
}

func (a *consumerAck) Ack(uint64, bool) error { a.acked++; return nil }
func (a *consumerAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeued = requeue
	return nil
}
func (a *consumerAck) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

func statusBody(t *testing.T, env contract.StatusEnvelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestStatusConsumerAppliesAndFansOut(t *testing.T) {
	var applied []*contract.StatusEnvelope
	hub := NewHub()
	sc := NewStatusConsumer(applierFunc(func(_ context.Context, env *contract.StatusEnvelope) error {
		applied = append(applied, env)
		return nil
	}), hub)

	updates, cancel := hub.Subscribe("task-1")
	defer cancel()

	ack := &consumerAck{}
	sc.Handle(context.Background(), broker.NewDelivery(statusBody(t, contract.StatusEnvelope{
		Type: contract.StatusInProgress, CorrelationID: "task-1", Seq: 3, Tick: 2,
	}), 1, ack))

	require.Len(t, applied, 1)
	assert.Equal(t, uint64(3), applied[0].Seq)
	assert.Equal(t, 1, ack.acked)

	got := <-updates
	assert.Equal(t, 2, got.Tick)
}

func TestStatusConsumerIgnoresStale(t *testing.T) {
	hub := NewHub()
	sc := NewStatusConsumer(applierFunc(func(context.Context, *contract.StatusEnvelope) error {
		return taskstore.ErrStale
	}), hub)

	updates, cancel := hub.Subscribe("task-1")
	defer cancel()

	ack := &consumerAck{}
	sc.Handle(context.Background(), broker.NewDelivery(statusBody(t, contract.StatusEnvelope{
		Type: contract.StatusInProgress, CorrelationID: "task-1", Seq: 1,
	}), 1, ack))

	// Stale for the store is still news for a live stream; the envelope is
	// settled, not re-queued.
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
	assert.Len(t, updates, 1)
}

func TestStatusConsumerRequeuesOnStoreOutage(t *testing.T) {
	sc := NewStatusConsumer(applierFunc(func(context.Context, *contract.StatusEnvelope) error {
		return errors.New("db down")
	}), NewHub())

	ack := &consumerAck{}
	sc.Handle(context.Background(), broker.NewDelivery(statusBody(t, contract.StatusEnvelope{
		Type: contract.StatusCompleted, CorrelationID: "task-1", Seq: 9,
	}), 1, ack))

	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestStatusConsumerDropsUnknownType(t *testing.T) {
	hub := NewHub()
	sc := NewStatusConsumer(applierFunc(func(_ context.Context, env *contract.StatusEnvelope) error {
		_, err := contract.MapStatusToTaskState(env.Type)
		return err
	}), hub)

	updates, cancel := hub.Subscribe("task-1")
	defer cancel()

	// A type from a future producer version cannot be applied; redelivering
	// it would loop forever, so it is settled and dropped.
	ack := &consumerAck{}
	sc.Handle(context.Background(), broker.NewDelivery(statusBody(t, contract.StatusEnvelope{
		Type: contract.StatusType("paused"), CorrelationID: "task-1", Seq: 4,
	}), 1, ack))

	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
	assert.Empty(t, updates)
}

func TestStatusConsumerAcceptsStartedEnvelope(t *testing.T) {
	var applied []*contract.StatusEnvelope
	sc := NewStatusConsumer(applierFunc(func(_ context.Context, env *contract.StatusEnvelope) error {
		if _, err := contract.MapStatusToTaskState(env.Type); err != nil {
			return err
		}
		applied = append(applied, env)
		return nil
	}), NewHub())

	ack := &consumerAck{}
	sc.Handle(context.Background(), broker.NewDelivery(statusBody(t, contract.StatusEnvelope{
		Type: contract.StatusStarted, CorrelationID: "task-1", Seq: 2,
	}), 1, ack))

	require.Len(t, applied, 1)
	assert.Equal(t, contract.StatusStarted, applied[0].Type)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestStatusConsumerDropsPoison(t *testing.T) {
	sc := NewStatusConsumer(applierFunc(func(context.Context, *contract.StatusEnvelope) error {
		t.Fatal("store must not be touched for a poison message")
		return nil
	}), NewHub())

	ack := &consumerAck{}
	sc.Handle(context.Background(), broker.NewDelivery([]byte("not json"), 1, ack))
	assert.Equal(t, 1, ack.acked)
}
