package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskEnvelope(t *testing.T) {
	env, err := NewTaskEnvelope("  what do pandas eat  ", 20)
	require.NoError(t, err)
	assert.Equal(t, "what do pandas eat", env.Mandate)
	assert.Equal(t, 20, env.MaxTicks)
	assert.NotEmpty(t, env.CorrelationID)
}

func TestTaskEnvelopeValidation(t *testing.T) {
	_, err := NewTaskEnvelope("   ", 10)
	assert.ErrorIs(t, err, ErrEmptyMandate)

	_, err = NewTaskEnvelope("m", -1)
	assert.ErrorIs(t, err, ErrInvalidMaxTicks)

	_, err = NewTaskEnvelope("m", MaxTicksCeiling+1)
	assert.ErrorIs(t, err, ErrInvalidMaxTicks)

	// Zero ticks is a legal degenerate budget.
	env, err := NewTaskEnvelope("m", 0)
	require.NoError(t, err)
	assert.Zero(t, env.MaxTicks)

	bad := &TaskEnvelope{Mandate: "m", MaxTicks: 1, CorrelationID: "not-a-uuid"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCorrelationID)
}

func TestTaskStateMonotonicity(t *testing.T) {
	require.NoError(t, TaskSubmitted.CanTransition(TaskAccepted))
	require.NoError(t, TaskAccepted.CanTransition(TaskInProgress))
	require.NoError(t, TaskInProgress.CanTransition(TaskInProgress), "tick updates repeat in_progress")
	require.NoError(t, TaskInProgress.CanTransition(TaskCompleted))
	require.NoError(t, TaskSubmitted.CanTransition(TaskError), "a task may fail before acceptance")

	// A stale accepted envelope arriving after in_progress is a regression.
	assert.ErrorIs(t, TaskInProgress.CanTransition(TaskAccepted), ErrStateRegression)
	assert.ErrorIs(t, TaskAccepted.CanTransition(TaskSubmitted), ErrStateRegression)

	// Terminal states never change, not even to the other terminal.
	assert.ErrorIs(t, TaskCompleted.CanTransition(TaskError), ErrStateRegression)
	assert.ErrorIs(t, TaskError.CanTransition(TaskCompleted), ErrStateRegression)
	assert.ErrorIs(t, TaskCompleted.CanTransition(TaskCompleted), ErrStateRegression)

	assert.ErrorIs(t, TaskState("bogus").CanTransition(TaskAccepted), ErrUnknownState)
}

func TestMapStatusToTaskState(t *testing.T) {
	cases := map[StatusType]TaskState{
		StatusAccepted:   TaskAccepted,
		StatusStarted:    TaskInProgress,
		StatusInProgress: TaskInProgress,
		StatusCompleted:  TaskCompleted,
		StatusError:      TaskError,
	}
	for st, want := range cases {
		got, err := MapStatusToTaskState(st)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := MapStatusToTaskState("bogus")
	assert.ErrorIs(t, err, ErrUnknownState)
}
