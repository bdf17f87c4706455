package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/imscraper/internal/adapter/storetest"
	"github.com/cwygoda/imscraper/internal/domain"
)

// newTestStore runs against an in-process miniredis, or against the server
// named by IMSCRAPER_TEST_REDIS when set. Keys live under a fresh prefix
// that is deleted afterwards.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("IMSCRAPER_TEST_REDIS")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "imscraper-test:" + uuid.NewString() + ":"
	s := NewFromClient(client, prefix)
	require.NoError(t, s.Ping(context.Background()))

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.JobRepository { return newTestStore(t) })
}

func TestStore_Indexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := storetest.NewJob("a.com")
	require.NoError(t, s.Create(ctx, job))

	queued, err := s.client.ZCard(ctx, s.queuedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	require.NoError(t, s.Claim(ctx, job.ID))
	queued, _ = s.client.ZCard(ctx, s.queuedKey()).Result()
	running, _ := s.client.SCard(ctx, s.runningKey()).Result()
	assert.Equal(t, int64(0), queued)
	assert.Equal(t, int64(1), running)

	require.NoError(t, s.Complete(ctx, job.ID, "/x"))
	running, _ = s.client.SCard(ctx, s.runningKey()).Result()
	finished, _ := s.client.ZCard(ctx, s.finishedKey()).Result()
	assert.Equal(t, int64(0), running)
	assert.Equal(t, int64(1), finished)

	ids, err := s.DeleteFinishedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)
	finished, _ = s.client.ZCard(ctx, s.finishedKey()).Result()
	exists, _ := s.client.Exists(ctx, s.jobKey(job.ID)).Result()
	assert.Equal(t, int64(0), finished)
	assert.Equal(t, int64(0), exists)
}

func TestStore_RecoverStaleIndexesFinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := storetest.NewJob("a.com")
	require.NoError(t, s.Create(ctx, job))
	require.NoError(t, s.Claim(ctx, job.ID))

	n, err := s.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	running, _ := s.client.SCard(ctx, s.runningKey()).Result()
	finished, _ := s.client.ZCard(ctx, s.finishedKey()).Result()
	assert.Equal(t, int64(0), running)
	assert.Equal(t, int64(1), finished)
}

func TestDecodeJob(t *testing.T) {
	job, err := decodeJob(map[string]string{
		"id":          "j1",
		"status":      "failed",
		"domains":     `["a.com","b.com"]`,
		"providers":   "dataforseo,ahrefs",
		"completed":   "1",
		"total":       "2",
		"error_kind":  "IO_FAILURE",
		"error":       "disk full",
		"created_at":  "2024-01-01T12:00:00Z",
		"finished_at": "2024-01-01T12:01:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, []string{"a.com", "b.com"}, job.Domains)
	assert.Equal(t, []domain.Provider{domain.ProviderAhrefs, domain.ProviderDataForSEO}, job.Providers.List())
	assert.Equal(t, domain.Progress{Completed: 1, Total: 2}, job.Progress)
	assert.Equal(t, domain.KindIOFailure, job.ErrorKind)
	assert.True(t, job.StartedAt.IsZero())
	assert.Equal(t, 2024, job.FinishedAt.Year())

	_, err = decodeJob(map[string]string{"domains": "not json"})
	assert.Error(t, err)
}
