package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence. Every mutating
// method is a conditional transition; implementations must apply it
// atomically with respect to concurrent readers.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	FindQueued(ctx context.Context, limit int) ([]Job, error)
	// Claim moves a queued job to running, or returns ErrJobNotQueued.
	Claim(ctx context.Context, id string) error
	// IncrementProgress bumps Completed by one unless it already equals Total.
	IncrementProgress(ctx context.Context, id string) error
	// Complete moves a running job to done with its artifact.
	Complete(ctx context.Context, id string, artifactPath string) error
	// Fail moves a queued or running job to failed, or returns ErrJobTerminal.
	Fail(ctx context.Context, id string, kind ErrorKind, reason string) error
	// RecoverStale fails every running job left over from a previous process.
	RecoverStale(ctx context.Context) (int64, error)
	// DeleteFinishedBefore removes done and failed jobs that finished before
	// cutoff and returns their IDs. Queued and running jobs stay.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MetricsProvider is the driven port for one external metrics source.
// Fetch never returns an error: failures are reported in the record.
type MetricsProvider interface {
	Name() Provider
	Fetch(ctx context.Context, domain string, creds Credentials) MetricRecord
}

// ReachabilityChecker checks a domain directly over HTTP and HTTPS.
type ReachabilityChecker interface {
	Check(ctx context.Context, domain string) Reachability
}

// ArtifactWriter serializes result rows into a job's artifact.
type ArtifactWriter interface {
	Write(ctx context.Context, jobID string, rows []ResultRow) (string, error)
}

// ArtifactRemover deletes everything stored for a job's artifact. Removing
// an artifact that was never written is not an error.
type ArtifactRemover interface {
	Remove(ctx context.Context, jobID string) error
}
