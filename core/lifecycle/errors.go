package lifecycle

import (
	"errors"
	"fmt"

	"imageAnonymizer/core/models"
)

var (
	ErrNotFound                 = errors.New("task not found")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrConflictingTerminalState = errors.New("conflicting terminal state")
	ErrTransientStoreConflict   = errors.New("transient store conflict")

	// ErrTaskBusy means another attempt holds the task IN_PROGRESS. The
	// request should be retried later, not dropped.
	ErrTaskBusy = errors.New("task is being processed")
)

// TransitionError describes a rejected transition. Kind is one of the
// sentinel errors above.
type TransitionError struct {
	Kind   error
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
	Msg    string
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	s := fmt.Sprintf("%s: task %s", e.Kind.Error(), e.TaskID)
	if e.From != "" || e.To != "" {
		s += fmt.Sprintf(" (%s -> %s)", e.From, e.To)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *TransitionError) Unwrap() error { return e.Kind }

func notFound(taskID string) error {
	return &TransitionError{Kind: ErrNotFound, TaskID: taskID}
}

func invalidTransition(task *models.Task, to models.TaskStatus) error {
	return &TransitionError{Kind: ErrInvalidTransition, TaskID: task.TaskID, From: task.Status, To: to}
}

func missingOutcome(task *models.Task, to models.TaskStatus, msg string) error {
	return &TransitionError{Kind: ErrInvalidTransition, TaskID: task.TaskID, From: task.Status, To: to, Msg: msg}
}

// TaskBusy reports that task is IN_PROGRESS under another attempt.
func TaskBusy(task *models.Task) error {
	return &TransitionError{Kind: ErrTaskBusy, TaskID: task.TaskID, From: task.Status, To: models.StatusInProgress}
}

func conflictingTerminal(task *models.Task, to models.TaskStatus, msg string) error {
	return &TransitionError{Kind: ErrConflictingTerminalState, TaskID: task.TaskID, From: task.Status, To: to, Msg: msg}
}

// IsProtocolError reports whether err is a caller-side violation that retrying cannot fix.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrConflictingTerminalState)
}
