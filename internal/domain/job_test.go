package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusDone, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestJob_Elapsed(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)

	queued := &Job{Status: StatusQueued}
	assert.Zero(t, queued.Elapsed(now))

	running := &Job{Status: StatusRunning, StartedAt: start}
	assert.Equal(t, 90*time.Second, running.Elapsed(now))

	done := &Job{Status: StatusDone, StartedAt: start, FinishedAt: start.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, done.Elapsed(now))
}

func TestJob_EstimatedRemaining(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(40 * time.Second)

	job := &Job{
		Status:    StatusRunning,
		StartedAt: start,
		Progress:  Progress{Completed: 4, Total: 10},
	}
	assert.Equal(t, 60*time.Second, job.EstimatedRemaining(now))

	job.Progress.Completed = 0
	assert.Zero(t, job.EstimatedRemaining(now), "no estimate before the first domain")

	job.Status = StatusDone
	job.Progress.Completed = 10
	assert.Zero(t, job.EstimatedRemaining(now))
}
