package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to processing", from: JobStatusPending, to: JobStatusProcessing, want: true},
		{name: "pending to failed (queueing error)", from: JobStatusPending, to: JobStatusFailed, want: true},
		{name: "pending to complete", from: JobStatusPending, to: JobStatusComplete, want: false},
		{name: "processing re-entry", from: JobStatusProcessing, to: JobStatusProcessing, want: true},
		{name: "processing to complete", from: JobStatusProcessing, to: JobStatusComplete, want: true},
		{name: "processing to failed", from: JobStatusProcessing, to: JobStatusFailed, want: true},
		{name: "processing back to pending", from: JobStatusProcessing, to: JobStatusPending, want: false},
		{name: "failed to pending (manual retry)", from: JobStatusFailed, to: JobStatusPending, want: true},
		{name: "failed to processing", from: JobStatusFailed, to: JobStatusProcessing, want: false},
		{name: "complete is final", from: JobStatusComplete, to: JobStatusPending, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_Before(t *testing.T) {
	assert.True(t, JobStatusPending.Before(JobStatusProcessing))
	assert.True(t, JobStatusProcessing.Before(JobStatusComplete))
	assert.True(t, JobStatusProcessing.Before(JobStatusFailed))
	assert.False(t, JobStatusComplete.Before(JobStatusFailed))
	assert.False(t, JobStatusProcessing.Before(JobStatusPending))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusComplete.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("COMPLETE")
	require.NoError(t, err)
	assert.Equal(t, JobStatusComplete, st)

	_, err = ParseStatus("complete")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = ParseStatus("RUNNING")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
