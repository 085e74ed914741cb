// Package contract defines the wire contract between the gateway and the
// workers: the task envelope published to the mandate queue, the status
// envelopes streamed back, and the monotonic task lifecycle both sides
// enforce.
package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for contract validation.
var (
	// ErrEmptyMandate indicates a task envelope without a mandate.
	ErrEmptyMandate = errors.New("contract: empty mandate")

	// ErrInvalidMaxTicks indicates a non-positive or oversized tick budget.
	ErrInvalidMaxTicks = errors.New("contract: invalid max_ticks")

	// ErrInvalidCorrelationID indicates a missing or malformed correlation id.
	ErrInvalidCorrelationID = errors.New("contract: invalid correlation_id")

	// ErrStateRegression indicates a lifecycle transition moving backwards.
	ErrStateRegression = errors.New("contract: task state regression")

	// ErrUnknownState indicates an unrecognized task state.
	ErrUnknownState = errors.New("contract: unknown task state")
)

// MaxTicksCeiling bounds the per-task tick budget a client may request.
const MaxTicksCeiling = 500

// TaskEnvelope is the message published to the mandate queue for one task.
type TaskEnvelope struct {
	Mandate       string `json:"mandate"`
	MaxTicks      int    `json:"max_ticks"`
	CorrelationID string `json:"correlation_id"`
}

// NewTaskEnvelope builds a validated envelope with a fresh correlation id.
func NewTaskEnvelope(mandate string, maxTicks int) (*TaskEnvelope, error) {
	env := &TaskEnvelope{
		Mandate:       strings.TrimSpace(mandate),
		MaxTicks:      maxTicks,
		CorrelationID: uuid.NewString(),
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the envelope is well-formed.
func (e *TaskEnvelope) Validate() error {
	if strings.TrimSpace(e.Mandate) == "" {
		return ErrEmptyMandate
	}
	if e.MaxTicks < 0 || e.MaxTicks > MaxTicksCeiling {
		return fmt.Errorf("%w: %d (allowed 0..%d)", ErrInvalidMaxTicks, e.MaxTicks, MaxTicksCeiling)
	}
	if _, err := uuid.Parse(e.CorrelationID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCorrelationID, e.CorrelationID)
	}
	return nil
}

// StatusType identifies a status envelope's kind.
type StatusType string

// Status envelope types, in lifecycle order. Started marks the first tick of
// an accepted task; it and in_progress imply the same lifecycle state.
const (
	StatusAccepted   StatusType = "accepted"
	StatusStarted    StatusType = "started"
	StatusInProgress StatusType = "in_progress"
	StatusCompleted  StatusType = "completed"
	StatusError      StatusType = "error"
)

// TaskResult is the terminal payload carried by completed envelopes.
type TaskResult struct {
	Success          bool     `json:"success"`
	Deliverables     []string `json:"deliverables"`
	Notes            string   `json:"notes"`
	FinalDeliverable string   `json:"final_deliverable"`
	ActionSummary    string   `json:"action_summary"`
}

// StatusEnvelope is one progress message on the status queue. Seq is
// per-task monotonic; consumers drop stale envelopes by comparing it.
type StatusEnvelope struct {
	Type          StatusType  `json:"type"`
	Mandate       string      `json:"mandate"`
	CorrelationID string      `json:"correlation_id"`
	Seq           uint64      `json:"seq"`
	TS            time.Time   `json:"ts"`
	Tick          int         `json:"tick,omitempty"`
	MaxTicks      int         `json:"max_ticks,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`

	// Progress counters mirrored from the engine.
	HistoryLength     int `json:"history_length,omitempty"`
	NotesLen          int `json:"notes_len,omitempty"`
	DeliverablesCount int `json:"deliverables_count,omitempty"`
}

// TaskState is the persisted lifecycle state of a task.
type TaskState string

// Task lifecycle states.
const (
	TaskSubmitted  TaskState = "submitted"
	TaskAccepted   TaskState = "accepted"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskError      TaskState = "error"
)

// stateRank orders the lifecycle. Terminal states share the top rank:
// completed and error never replace each other.
var stateRank = map[TaskState]int{
	TaskSubmitted:  0,
	TaskAccepted:   1,
	TaskInProgress: 2,
	TaskCompleted:  3,
	TaskError:      3,
}

// Valid reports whether s is a recognized task state.
func (s TaskState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether s is a resting state.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle. Repeating the current state is allowed for
// in_progress (tick updates) and rejected for terminal states.
func (s TaskState) CanTransition(next TaskState) error {
	cur, ok := stateRank[s]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	nxt, ok := stateRank[next]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, next)
	}
	if s.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrStateRegression, s)
	}
	if nxt < cur {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, s, next)
	}
	if nxt == cur && next != TaskInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, s, next)
	}
	return nil
}

// MapStatusToTaskState converts a status envelope type to the lifecycle
// state it implies.
func MapStatusToTaskState(t StatusType) (TaskState, error) {
	switch t {
	case StatusAccepted:
		return TaskAccepted, nil
	case StatusStarted, StatusInProgress:
		return TaskInProgress, nil
	case StatusCompleted:
		return TaskCompleted, nil
	case StatusError:
		return TaskError, nil
	default:
		return "", fmt.Errorf("%w: status type %q", ErrUnknownState, t)
	}
}
