package domain

import (
	"context"
	"sync"
	"time"
)

// mockRepo implements JobRepository for testing.
type mockRepo struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	createErr error
	getErr    error
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[string]*Job)}
}

func (m *mockRepo) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	j := *job
	m.jobs[job.ID] = &j
	return nil
}

func (m *mockRepo) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	j := *job
	return &j, nil
}

func (m *mockRepo) FindQueued(ctx context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Job
	for _, job := range m.jobs {
		if job.Status == StatusQueued && len(result) < limit {
			result = append(result, *job)
		}
	}
	return result, nil
}

func (m *mockRepo) Claim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusQueued {
		return ErrJobNotQueued
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	return nil
}

func (m *mockRepo) IncrementProgress(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Progress.Completed < job.Progress.Total {
		job.Progress.Completed++
	}
	return nil
}

func (m *mockRepo) Complete(ctx context.Context, id string, artifactPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusRunning {
		return ErrJobTerminal
	}
	job.Status = StatusDone
	job.ArtifactPath = artifactPath
	job.FinishedAt = time.Now().UTC()
	return nil
}

func (m *mockRepo) Fail(ctx context.Context, id string, kind ErrorKind, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrJobTerminal
	}
	job.Status = StatusFailed
	job.ErrorKind = kind
	job.Error = reason
	job.FinishedAt = time.Now().UTC()
	return nil
}

func (m *mockRepo) RecoverStale(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, job := range m.jobs {
		if job.Status == StatusRunning {
			job.Status = StatusFailed
			job.ErrorKind = KindInterrupted
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}
