// Package jobs owns the job lifecycle: the status state machine and the
// manager that drives rows through the pipeline.
package jobs

import (
	"fmt"

	"github.com/adrian/answerforge/internal/db"
)

// Action is a requested lifecycle change.
type Action string

// Lifecycle actions. Start through Reprocess arrive from the API; Complete
// and Fail are raised by the processing loop itself.
const (
	ActionStart     Action = "start"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionCancel    Action = "cancel"
	ActionReset     Action = "reset"
	ActionReprocess Action = "reprocess"
	ActionComplete  Action = "complete"
	ActionFail      Action = "fail"
)

// InvalidTransitionError reports a lifecycle action that is not legal from
// the job's current status.
type InvalidTransitionError struct {
	From   db.JobStatus
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a job in status %q", e.Action, e.From)
}

// transitions is the complete lifecycle table. Anything absent is invalid.
var transitions = map[db.JobStatus]map[Action]db.JobStatus{
	db.JobStatusNotStarted: {
		ActionStart:  db.JobStatusInProgress,
		ActionCancel: db.JobStatusCancelled,
		ActionReset:  db.JobStatusNotStarted,
	},
	db.JobStatusInProgress: {
		ActionPause:    db.JobStatusPaused,
		ActionCancel:   db.JobStatusCancelled,
		ActionComplete: db.JobStatusCompleted,
		ActionFail:     db.JobStatusError,
		ActionReset:    db.JobStatusNotStarted,
	},
	db.JobStatusPaused: {
		ActionResume: db.JobStatusInProgress,
		ActionCancel: db.JobStatusCancelled,
		ActionReset:  db.JobStatusNotStarted,
	},
	db.JobStatusCompleted: {
		ActionReset:     db.JobStatusNotStarted,
		ActionReprocess: db.JobStatusInProgress,
	},
	db.JobStatusError: {
		ActionReset:     db.JobStatusNotStarted,
		ActionReprocess: db.JobStatusInProgress,
	},
	db.JobStatusCancelled: {
		ActionReset: db.JobStatusNotStarted,
	},
}

// Transition returns the status a job moves to when action is applied, or an
// InvalidTransitionError if the action is not legal from the current status.
func Transition(current db.JobStatus, action Action) (db.JobStatus, error) {
	if next, ok := transitions[current][action]; ok {
		return next, nil
	}
	return "", &InvalidTransitionError{From: current, Action: action}
}

// CanTransition reports whether an action is legal from a status.
func CanTransition(current db.JobStatus, action Action) bool {
	_, ok := transitions[current][action]
	return ok
}
