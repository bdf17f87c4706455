package domain

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// JobRequest is a submitted job description.
type JobRequest struct {
	Domains     []string
	Providers   ProviderSet
	Credentials Credentials
}

// JobService orchestrates job operations.
type JobService struct {
	repo      JobRepository
	vault     *CredentialVault
	artifacts ArtifactRemover
	wake      chan struct{}
	now       func() time.Time
}

// ServiceOption configures a JobService.
type ServiceOption func(*JobService)

// WithArtifactRemover makes Purge delete the artifacts of purged jobs.
func WithArtifactRemover(r ArtifactRemover) ServiceOption {
	return func(s *JobService) { s.artifacts = r }
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, vault *CredentialVault, opts ...ServiceOption) *JobService {
	s := &JobService{
		repo:  repo,
		vault: vault,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Vault returns the credential vault shared with the runner.
func (s *JobService) Vault() *CredentialVault {
	return s.vault
}

// Submitted signals after each successful Submit so a worker can skip its poll wait.
func (s *JobService) Submitted() <-chan struct{} {
	return s.wake
}

// Submit creates a queued job. Input problems such as an empty domain
// list are not rejected here; the runner fails the job before it starts.
func (s *JobService) Submit(ctx context.Context, req JobRequest) (*Job, error) {
	domains := make([]string, 0, len(req.Domains))
	for _, raw := range req.Domains {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		host, err := NormalizeDomain(raw)
		if err != nil {
			host = strings.ToLower(strings.TrimSpace(raw))
		}
		domains = append(domains, host)
	}

	providers := ProviderSet{}
	for p, on := range req.Providers {
		if on {
			providers[p] = true
		}
	}

	now := s.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Domains:   domains,
		Providers: providers,
		Progress:  Progress{Total: len(domains)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.vault.Put(job.ID, req.Credentials)
	if err := s.repo.Create(ctx, job); err != nil {
		s.vault.Discard(job.ID)
		return nil, errors.Wrap(err, "create job")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Status is Get under the name the intake surface uses.
func (s *JobService) Status(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Artifact returns the artifact path of a finished job.
func (s *JobService) Artifact(ctx context.Context, id string) (string, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != StatusDone {
		return "", errors.Wrapf(ErrNotReady, "job %s is %s", id, job.Status)
	}
	return job.ArtifactPath, nil
}

// GetQueued retrieves queued jobs up to the limit.
func (s *JobService) GetQueued(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.FindQueued(ctx, limit)
}

// MarkRunning claims a job for processing.
func (s *JobService) MarkRunning(ctx context.Context, id string) error {
	return s.repo.Claim(ctx, id)
}

// MarkProgress records one more finished domain.
func (s *JobService) MarkProgress(ctx context.Context, id string) error {
	return s.repo.IncrementProgress(ctx, id)
}

// MarkDone marks a job as done with its artifact.
func (s *JobService) MarkDone(ctx context.Context, id, artifactPath string) error {
	return s.repo.Complete(ctx, id, artifactPath)
}

// MarkFailed marks a job as failed and drops any credentials still held for it.
func (s *JobService) MarkFailed(ctx context.Context, id string, kind ErrorKind, reason string) error {
	s.vault.Discard(id)
	return s.repo.Fail(ctx, id, kind, reason)
}

// Cancel fails a queued or running job on user request.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.MarkFailed(ctx, id, KindCancelled, "cancelled by user")
}

// RecoverStale fails jobs left running by a previous process.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}

// Purge deletes done and failed jobs that finished more than maxAge ago,
// along with their artifacts, and returns how many jobs went. A failed
// artifact removal does not bring its job back.
func (s *JobService) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, errors.Wrapf(ErrInvalidInput, "negative max age %s", maxAge)
	}
	ids, err := s.repo.DeleteFinishedBefore(ctx, s.now().UTC().Add(-maxAge))
	if err != nil {
		return 0, errors.Wrap(err, "delete finished jobs")
	}

	var removeErr error
	for _, id := range ids {
		s.vault.Discard(id)
		if s.artifacts == nil {
			continue
		}
		if err := s.artifacts.Remove(ctx, id); err != nil {
			removeErr = errors.CombineErrors(removeErr, errors.Wrapf(err, "remove artifact of job %s", id))
		}
	}
	return len(ids), removeErr
}
