package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/imscraper/internal/domain"
)

// DefaultDomainConcurrency caps how many domains of one job are in flight.
const DefaultDomainConcurrency = 5

// Resolver turns one domain into a result row.
type Resolver interface {
	Resolve(ctx context.Context, index int, host string, enabled domain.ProviderSet, creds domain.Credentials) domain.ResultRow
}

// Runner drives a single job from queued to a terminal state.
type Runner struct {
	svc         *domain.JobService
	resolver    Resolver
	writer      domain.ArtifactWriter
	concurrency int
	log         *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner creates a job runner. concurrency <= 0 selects the default.
func NewRunner(svc *domain.JobService, resolver Resolver, writer domain.ArtifactWriter, concurrency int, log *zap.SugaredLogger) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultDomainConcurrency
	}
	return &Runner{
		svc:         svc,
		resolver:    resolver,
		writer:      writer,
		concurrency: concurrency,
		log:         log,
		active:      make(map[string]context.CancelFunc),
	}
}

// Run processes the job with the given ID. It is a no-op for jobs that are
// not queued, so calling it twice for one job is harmless. Only store
// errors are returned; everything that happens to the job is recorded on it.
func (r *Runner) Run(ctx context.Context, id string) error {
	job, err := r.svc.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "load job %s", id)
	}
	log := r.log.With("job", id)
	if job.Status != domain.StatusQueued {
		log.Debugw("skipping job", "status", job.Status)
		return nil
	}

	if reason := validate(job); reason != "" {
		log.Warnw("rejecting job", "reason", reason)
		return r.fail(ctx, id, domain.KindInputInvalid, reason)
	}

	// Tracked before the claim so a Cancel racing it always finds the job.
	runCtx, cancel := context.WithCancel(ctx)
	r.track(id, cancel)
	defer r.untrack(id)
	defer cancel()

	if err := r.svc.MarkRunning(ctx, id); err != nil {
		if errors.Is(err, domain.ErrJobNotQueued) {
			return nil
		}
		return errors.Wrapf(err, "claim job %s", id)
	}

	creds, ok := r.svc.Vault().Take(id)
	if !ok {
		log.Warn("no credentials on hand")
		return r.fail(ctx, id, domain.KindInputInvalid, "credentials unavailable, resubmit the job")
	}

	log.Infow("job started", "domains", len(job.Domains), "providers", job.Providers.String())
	start := time.Now()
	rows := r.resolveAll(runCtx, job, creds, log)
	creds = domain.Credentials{}

	// Store writes below must land even while the worker shuts down.
	final := context.WithoutCancel(ctx)
	if runCtx.Err() != nil {
		log.Warnw("job stopped before completion", "resolved", len(rows))
		return r.fail(final, id, domain.KindInterrupted, "stopped before completion")
	}

	path, err := r.writer.Write(final, id, rows)
	if err != nil {
		log.Errorw("artifact write failed", "error", err)
		kind := domain.KindIOFailure
		if errors.Is(err, domain.ErrNoRows) {
			kind = domain.KindInputInvalid
		}
		return r.fail(final, id, kind, err.Error())
	}

	if err := r.svc.MarkDone(final, id, path); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			log.Infow("job finished after it was cancelled", "artifact", path)
			return nil
		}
		return errors.Wrapf(err, "complete job %s", id)
	}

	failures := 0
	for _, row := range rows {
		if row.Failures() > 0 {
			failures++
		}
	}
	log.Infow("job completed",
		"duration", time.Since(start).Round(time.Millisecond),
		"domains", len(rows),
		"domains_with_failures", failures,
		"artifact", path)
	return nil
}

// Cancel fails a queued or running job and stops its in-flight fetches.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	if err := r.svc.Cancel(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	r.log.Infow("job cancelled", "job", id, "was_running", ok)
	return nil
}

// Active returns the number of jobs currently running in this process.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func validate(job *domain.Job) string {
	switch {
	case len(job.Domains) == 0:
		return "no domains submitted"
	case len(job.Providers.List()) == 0:
		return "no providers enabled"
	}
	return ""
}

func (r *Runner) fail(ctx context.Context, id string, kind domain.ErrorKind, reason string) error {
	err := r.svc.MarkFailed(ctx, id, kind, reason)
	if err == nil || errors.Is(err, domain.ErrJobTerminal) {
		return nil
	}
	return errors.Wrapf(err, "fail job %s", id)
}

// resolveAll returns rows in completion order; the writer restores the
// submitted order.
func (r *Runner) resolveAll(ctx context.Context, job *domain.Job, creds domain.Credentials, log *zap.SugaredLogger) []domain.ResultRow {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		rows  = make([]domain.ResultRow, 0, len(job.Domains))
		total = len(job.Domains)
		start = time.Now()
		store = context.WithoutCancel(ctx)
	)
	g.SetLimit(r.concurrency)

	for i, host := range job.Domains {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			row := r.resolver.Resolve(ctx, i, host, job.Providers, creds)

			mu.Lock()
			rows = append(rows, row)
			done := len(rows)
			mu.Unlock()

			if err := r.svc.MarkProgress(store, job.ID); err != nil {
				log.Warnw("progress update failed", "error", err)
			}
			if done%10 == 0 || done == total {
				perDomain := time.Since(start) / time.Duration(done)
				log.Infow("progress",
					"completed", done,
					"total", total,
					"avg_per_domain", perDomain.Round(time.Millisecond),
					"eta", (perDomain * time.Duration(total-done)).Round(time.Second))
			}
			return nil
		})
	}
	g.Wait()
	return rows
}

func (r *Runner) track(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = cancel
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}
