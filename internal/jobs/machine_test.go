package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrian/answerforge/internal/db"
)

func TestTransition_ValidPaths(t *testing.T) {
	tests := []struct {
		from   db.JobStatus
		action Action
		want   db.JobStatus
	}{
		{db.JobStatusNotStarted, ActionStart, db.JobStatusInProgress},
		{db.JobStatusNotStarted, ActionCancel, db.JobStatusCancelled},
		{db.JobStatusNotStarted, ActionReset, db.JobStatusNotStarted},
		{db.JobStatusInProgress, ActionPause, db.JobStatusPaused},
		{db.JobStatusInProgress, ActionReset, db.JobStatusNotStarted},
		{db.JobStatusInProgress, ActionComplete, db.JobStatusCompleted},
		{db.JobStatusInProgress, ActionFail, db.JobStatusError},
		{db.JobStatusInProgress, ActionCancel, db.JobStatusCancelled},
		{db.JobStatusPaused, ActionResume, db.JobStatusInProgress},
		{db.JobStatusPaused, ActionCancel, db.JobStatusCancelled},
		{db.JobStatusPaused, ActionReset, db.JobStatusNotStarted},
		{db.JobStatusCompleted, ActionReset, db.JobStatusNotStarted},
		{db.JobStatusCompleted, ActionReprocess, db.JobStatusInProgress},
		{db.JobStatusError, ActionReset, db.JobStatusNotStarted},
		{db.JobStatusError, ActionReprocess, db.JobStatusInProgress},
		{db.JobStatusCancelled, ActionReset, db.JobStatusNotStarted},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.action), func(t *testing.T) {
			got, err := Transition(tt.from, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransition_InvalidPaths(t *testing.T) {
	tests := []struct {
		from   db.JobStatus
		action Action
	}{
		{db.JobStatusNotStarted, ActionPause},
		{db.JobStatusNotStarted, ActionResume},
		{db.JobStatusNotStarted, ActionReprocess},
		{db.JobStatusInProgress, ActionStart},
		{db.JobStatusInProgress, ActionResume},
		{db.JobStatusPaused, ActionStart},
		{db.JobStatusPaused, ActionPause},
		{db.JobStatusCompleted, ActionStart},
		{db.JobStatusCompleted, ActionPause},
		{db.JobStatusCompleted, ActionCancel},
		{db.JobStatusCancelled, ActionStart},
		{db.JobStatusCancelled, ActionReprocess},
		{db.JobStatusError, ActionResume},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.action), func(t *testing.T) {
			_, err := Transition(tt.from, tt.action)
			require.Error(t, err)

			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, tt.from, ite.From)
			assert.Equal(t, tt.action, ite.Action)
			assert.False(t, CanTransition(tt.from, tt.action))
		})
	}
}
