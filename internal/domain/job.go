package domain

import "time"

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ErrorKind classifies why a job ended in StatusFailed.
type ErrorKind string

const (
	KindInputInvalid ErrorKind = "INPUT_INVALID"
	KindIOFailure    ErrorKind = "IO_FAILURE"
	KindCancelled    ErrorKind = "CANCELLED"
	KindInterrupted  ErrorKind = "INTERRUPTED"
)

// Progress is the (completed, total) domain counter of a job.
type Progress struct {
	Completed int
	Total     int
}

// Job is one submitted batch of domains tracked to completion.
// Credentials are deliberately absent: they never leave the CredentialVault.
type Job struct {
	ID           string
	Status       JobStatus
	Domains      []string
	Providers    ProviderSet
	Progress     Progress
	ArtifactPath string
	ErrorKind    ErrorKind
	Error        string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	UpdatedAt    time.Time
}

// Elapsed returns the time spent running, or zero if the job never started.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if !j.FinishedAt.IsZero() {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// EstimatedRemaining extrapolates the average time per completed domain
// over the domains still outstanding. Zero until one domain completes.
func (j *Job) EstimatedRemaining(now time.Time) time.Duration {
	if j.Status != StatusRunning || j.Progress.Completed == 0 {
		return 0
	}
	perDomain := j.Elapsed(now) / time.Duration(j.Progress.Completed)
	return perDomain * time.Duration(j.Progress.Total-j.Progress.Completed)
}
