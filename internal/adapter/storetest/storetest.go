// Package storetest checks that a domain.JobRepository honours the job
// lifecycle. Each store package runs it against its own backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/imscraper/internal/domain"
)

// NewJob returns a queued job over the given domains.
func NewJob(domains ...string) *domain.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.StatusQueued,
		Domains:   domains,
		Providers: domain.NewProviderSet(domain.ProviderAhrefs, domain.ProviderMajestic),
		Progress:  domain.Progress{Total: len(domains)},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run exercises repo through every lifecycle transition. newRepo must
// return an empty store.
func Run(t *testing.T, newRepo func(t *testing.T) domain.JobRepository) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newRepo(t)) })
	t.Run("FindQueued", func(t *testing.T) { testFindQueued(t, newRepo(t)) })
	t.Run("Claim", func(t *testing.T) { testClaim(t, newRepo(t)) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, newRepo(t)) })
	t.Run("Complete", func(t *testing.T) { testComplete(t, newRepo(t)) })
	t.Run("Fail", func(t *testing.T) { testFail(t, newRepo(t)) })
	t.Run("RecoverStale", func(t *testing.T) { testRecoverStale(t, newRepo(t)) })
	t.Run("DeleteFinishedBefore", func(t *testing.T) { testDeleteFinishedBefore(t, newRepo(t)) })
}

func testCreateGet(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	job := NewJob("a.com", "b.com")
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, []string{"a.com", "b.com"}, got.Domains)
	assert.Equal(t, job.Providers.List(), got.Providers.List())
	assert.Equal(t, domain.Progress{Completed: 0, Total: 2}, got.Progress)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, job.CreatedAt)
	assert.Empty(t, got.ArtifactPath)
	assert.True(t, got.StartedAt.IsZero())

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)
}

func testFindQueued(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	first := NewJob("a.com")
	second := NewJob("b.com")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	third := NewJob("c.com")
	third.CreatedAt = first.CreatedAt.Add(2 * time.Second)
	for _, j := range []*domain.Job{third, first, second} {
		require.NoError(t, repo.Create(ctx, j))
	}
	require.NoError(t, repo.Claim(ctx, second.ID))

	jobs, err := repo.FindQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, third.ID, jobs[1].ID)

	jobs, err = repo.FindQueued(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func testClaim(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	job := NewJob("a.com")
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.Claim(ctx, job.ID))
	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	err = repo.Claim(ctx, job.ID)
	assert.True(t, errors.Is(err, domain.ErrJobNotQueued), "second claim: %v", err)

	err = repo.Claim(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)
}

func testProgress(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	job := NewJob("a.com", "b.com", "c.com")
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.Claim(ctx, job.ID))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.IncrementProgress(ctx, job.ID))
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Progress{Completed: 3, Total: 3}, got.Progress, "progress never exceeds total")
}

func testComplete(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	job := NewJob("a.com")
	require.NoError(t, repo.Create(ctx, job))

	err := repo.Complete(ctx, job.ID, "/data/results.xlsx")
	assert.True(t, errors.Is(err, domain.ErrJobTerminal), "complete before claim: %v", err)

	require.NoError(t, repo.Claim(ctx, job.ID))
	require.NoError(t, repo.Complete(ctx, job.ID, "/data/results.xlsx"))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, "/data/results.xlsx", got.ArtifactPath)
	assert.False(t, got.FinishedAt.IsZero())

	err = repo.Fail(ctx, job.ID, domain.KindCancelled, "too late")
	assert.True(t, errors.Is(err, domain.ErrJobTerminal), "terminal state is immutable: %v", err)
	got, _ = repo.Get(ctx, job.ID)
	assert.Equal(t, domain.StatusDone, got.Status)
}

func testFail(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()

	queued := NewJob("a.com")
	require.NoError(t, repo.Create(ctx, queued))
	require.NoError(t, repo.Fail(ctx, queued.ID, domain.KindInputInvalid, "no providers enabled"))

	got, err := repo.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.KindInputInvalid, got.ErrorKind)
	assert.Equal(t, "no providers enabled", got.Error)

	running := NewJob("b.com")
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.Claim(ctx, running.ID))
	require.NoError(t, repo.Fail(ctx, running.ID, domain.KindIOFailure, "disk full"))

	err = repo.Claim(ctx, running.ID)
	assert.True(t, errors.Is(err, domain.ErrJobNotQueued), "got %v", err)
	err = repo.Complete(ctx, running.ID, "/x")
	assert.True(t, errors.Is(err, domain.ErrJobTerminal), "got %v", err)

	err = repo.Fail(ctx, "missing", domain.KindCancelled, "")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)
}

func testRecoverStale(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	queued := NewJob("a.com")
	running := NewJob("b.com")
	done := NewJob("c.com")
	for _, j := range []*domain.Job{queued, running, done} {
		require.NoError(t, repo.Create(ctx, j))
	}
	require.NoError(t, repo.Claim(ctx, running.ID))
	require.NoError(t, repo.Claim(ctx, done.ID))
	require.NoError(t, repo.Complete(ctx, done.ID, "/x"))

	n, err := repo.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := repo.Get(ctx, running.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.KindInterrupted, got.ErrorKind)

	got, _ = repo.Get(ctx, queued.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	got, _ = repo.Get(ctx, done.ID)
	assert.Equal(t, domain.StatusDone, got.Status)
}

func testDeleteFinishedBefore(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	queued := NewJob("a.com")
	running := NewJob("b.com")
	done := NewJob("c.com")
	failed := NewJob("d.com")
	for _, j := range []*domain.Job{queued, running, done, failed} {
		require.NoError(t, repo.Create(ctx, j))
	}
	require.NoError(t, repo.Claim(ctx, running.ID))
	require.NoError(t, repo.Claim(ctx, done.ID))
	require.NoError(t, repo.Complete(ctx, done.ID, "/x"))
	require.NoError(t, repo.Fail(ctx, failed.ID, domain.KindCancelled, "cancelled by user"))

	ids, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids, "recently finished jobs are kept")

	ids, err = repo.DeleteFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{done.ID, failed.ID}, ids)

	for _, id := range []string{done.ID, failed.ID} {
		_, err := repo.Get(ctx, id)
		assert.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)
	}
	got, err := repo.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	jobs, err := repo.FindQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queued.ID, jobs[0].ID)

	ids, err = repo.DeleteFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
