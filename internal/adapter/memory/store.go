// Package memory provides an in-process JobRepository. It backs one-shot
// scans and stands in for the durable stores in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cwygoda/imscraper/internal/domain"
)

// Store implements domain.JobRepository with a mutex-guarded map.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*domain.Job), now: time.Now}
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	c.Domains = append([]string(nil), j.Domains...)
	c.Providers = domain.NewProviderSet(j.Providers.List()...)
	return &c
}

// Create stores a copy of job.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.Newf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(job), nil
}

// FindQueued returns the oldest queued jobs up to limit.
func (s *Store) FindQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.StatusQueued {
			out = append(out, *clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim moves a queued job to running.
func (s *Store) Claim(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusQueued {
		return domain.ErrJobNotQueued
	}
	now := s.now().UTC()
	job.Status = domain.StatusRunning
	job.StartedAt = now
	job.UpdatedAt = now
	return nil
}

// IncrementProgress bumps the completed counter of a running job.
func (s *Store) IncrementProgress(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusRunning || job.Progress.Completed >= job.Progress.Total {
		return nil
	}
	job.Progress.Completed++
	job.UpdatedAt = s.now().UTC()
	return nil
}

// Complete marks a running job as done.
func (s *Store) Complete(ctx context.Context, id string, artifactPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusRunning {
		return errors.Wrapf(domain.ErrJobTerminal, "job %s is %s", id, job.Status)
	}
	now := s.now().UTC()
	job.Status = domain.StatusDone
	job.ArtifactPath = artifactPath
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// Fail marks a queued or running job as failed.
func (s *Store) Fail(ctx context.Context, id string, kind domain.ErrorKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return errors.Wrapf(domain.ErrJobTerminal, "job %s is %s", id, job.Status)
	}
	now := s.now().UTC()
	job.Status = domain.StatusFailed
	job.ErrorKind = kind
	job.Error = reason
	job.FinishedAt = now
	job.UpdatedAt = now
	return nil
}

// RecoverStale fails all running jobs.
func (s *Store) RecoverStale(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now().UTC()
	for _, job := range s.jobs {
		if job.Status == domain.StatusRunning {
			job.Status = domain.StatusFailed
			job.ErrorKind = domain.KindInterrupted
			job.Error = "interrupted by restart"
			job.FinishedAt = now
			job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// DeleteFinishedBefore drops terminal jobs that finished before cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}
