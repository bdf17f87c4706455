// Package redis implements the job store on Redis. Each job is a hash;
// state transitions run as Lua scripts so they are atomic per key.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/cwygoda/imscraper/internal/domain"
)

var claimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'queued' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'running', 'started_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

var progressScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'running' then return 0 end
local c = tonumber(redis.call('HGET', KEYS[1], 'completed'))
local t = tonumber(redis.call('HGET', KEYS[1], 'total'))
if c >= t then return 0 end
redis.call('HSET', KEYS[1], 'completed', c + 1, 'updated_at', ARGV[1])
return 1
`)

var completeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'done', 'artifact_path', ARGV[2],
  'finished_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
return 1
`)

var failScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'queued' and st ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error_kind', ARGV[2], 'error', ARGV[3],
  'finished_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('SREM', KEYS[3], ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[4])
return 1
`)

var deleteScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'done' and st ~= 'failed' then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Store implements domain.JobRepository on Redis.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis at addr. Keys are namespaced with prefix.
func New(addr, prefix string) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *Store) queuedKey() string       { return s.prefix + "queued" }
func (s *Store) runningKey() string      { return s.prefix + "running" }
func (s *Store) finishedKey() string     { return s.prefix + "finished" }

// finishedScore orders the finished index. Microseconds stay exact in a
// float64 score.
func finishedScore(t time.Time) int64 {
	return t.UnixMicro()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Create stores the job hash and indexes it as queued.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	domains, err := json.Marshal(job.Domains)
	if err != nil {
		return errors.Wrap(err, "encode domains")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.ID),
			"id", job.ID,
			"status", string(job.Status),
			"domains", string(domains),
			"providers", job.Providers.String(),
			"completed", job.Progress.Completed,
			"total", job.Progress.Total,
			"created_at", formatTime(job.CreatedAt),
			"updated_at", formatTime(job.UpdatedAt),
		)
		if job.Status == domain.StatusQueued {
			pipe.ZAdd(ctx, s.queuedKey(), redis.Z{
				Score:  float64(job.CreatedAt.UnixNano()),
				Member: job.ID,
			})
		}
		return nil
	})
	return errors.Wrapf(err, "create job %s", job.ID)
}

// Get reads a job hash.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return decodeJob(fields)
}

func decodeJob(f map[string]string) (*domain.Job, error) {
	job := &domain.Job{
		ID:           f["id"],
		Status:       domain.JobStatus(f["status"]),
		ArtifactPath: f["artifact_path"],
		ErrorKind:    domain.ErrorKind(f["error_kind"]),
		Error:        f["error"],
		CreatedAt:    parseTime(f["created_at"]),
		StartedAt:    parseTime(f["started_at"]),
		FinishedAt:   parseTime(f["finished_at"]),
		UpdatedAt:    parseTime(f["updated_at"]),
	}
	if err := json.Unmarshal([]byte(f["domains"]), &job.Domains); err != nil {
		return nil, errors.Wrapf(err, "decode domains of job %s", job.ID)
	}
	var err error
	if job.Providers, err = domain.ParseProviderSet(f["providers"]); err != nil {
		return nil, err
	}
	job.Progress.Completed, _ = strconv.Atoi(f["completed"])
	job.Progress.Total, _ = strconv.Atoi(f["total"])
	return job, nil
}

// FindQueued returns the oldest queued jobs.
func (s *Store) FindQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	ids, err := s.client.ZRange(ctx, s.queuedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list queued jobs")
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func scriptResult(code int64, err error, stateErr error) error {
	if err != nil {
		return err
	}
	switch code {
	case 1:
		return nil
	case -1:
		return domain.ErrJobNotFound
	default:
		return stateErr
	}
}

// Claim moves a queued job to running.
func (s *Store) Claim(ctx context.Context, id string) error {
	code, err := claimScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.queuedKey(), s.runningKey()},
		formatTime(s.now()), id,
	).Int64()
	return scriptResult(code, errors.Wrapf(err, "claim job %s", id), domain.ErrJobNotQueued)
}

// IncrementProgress bumps completed, never past total.
func (s *Store) IncrementProgress(ctx context.Context, id string) error {
	code, err := progressScript.Run(ctx, s.client,
		[]string{s.jobKey(id)}, formatTime(s.now()),
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "progress job %s", id)
	}
	if code == -1 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Complete marks a running job as done.
func (s *Store) Complete(ctx context.Context, id string, artifactPath string) error {
	now := s.now()
	code, err := completeScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.runningKey(), s.finishedKey()},
		formatTime(now), artifactPath, id, finishedScore(now),
	).Int64()
	return scriptResult(code, errors.Wrapf(err, "complete job %s", id), domain.ErrJobTerminal)
}

// Fail marks a queued or running job as failed.
func (s *Store) Fail(ctx context.Context, id string, kind domain.ErrorKind, reason string) error {
	now := s.now()
	code, err := failScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.queuedKey(), s.runningKey(), s.finishedKey()},
		formatTime(now), string(kind), reason, id, finishedScore(now),
	).Int64()
	return scriptResult(code, errors.Wrapf(err, "fail job %s", id), domain.ErrJobTerminal)
}

// RecoverStale fails every job in the running index.
func (s *Store) RecoverStale(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.runningKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list running jobs")
	}
	var n int64
	for _, id := range ids {
		err := s.Fail(ctx, id, domain.KindInterrupted, "interrupted by restart")
		switch {
		case err == nil:
			n++
		case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrJobTerminal):
			s.client.SRem(ctx, s.runningKey(), id)
		default:
			return n, err
		}
	}
	return n, nil
}

// DeleteFinishedBefore removes jobs from the finished index whose score is
// older than cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	candidates, err := s.client.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(finishedScore(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list finished jobs")
	}
	var ids []string
	for _, id := range candidates {
		code, err := deleteScript.Run(ctx, s.client,
			[]string{s.jobKey(id), s.finishedKey()}, id,
		).Int64()
		if err != nil {
			return ids, errors.Wrapf(err, "delete job %s", id)
		}
		if code == 1 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
