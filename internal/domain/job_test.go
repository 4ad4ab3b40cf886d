package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobFailed, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobQueued, JobCompleted, false},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobRunning, false},
		{JobCompleted, JobFailed, false},
		{JobRunning, JobQueued, false},
		{JobRunning, JobRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseJobStatus(t *testing.T) {
	st, err := ParseJobStatus("running")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, st)

	_, err = ParseJobStatus("paused")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTerminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
}
