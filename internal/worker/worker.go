package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/domain"
)

// Options tune the polling loop.
type Options struct {
	PollInterval time.Duration
	MaxJobs      int
	Heartbeat    time.Duration
}

// Worker polls for queued jobs and runs each on its own goroutine.
type Worker struct {
	svc    *domain.JobService
	runner *Runner
	opts   Options
	log    *zap.SugaredLogger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a new worker.
func New(svc *domain.JobService, runner *Runner, opts Options, log *zap.SugaredLogger) *Worker {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Worker{
		svc:      svc,
		runner:   runner,
		opts:     opts,
		log:      log,
		inflight: make(map[string]bool),
	}
}

// Run starts the worker loop until context is cancelled, then waits for
// running jobs to wind down.
func (w *Worker) Run(ctx context.Context) {
	w.log.Infow("worker started", "poll_interval", w.opts.PollInterval, "max_jobs", w.opts.MaxJobs)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if w.opts.Heartbeat > 0 {
		hb := time.NewTicker(w.opts.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			w.Wait()
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.svc.Submitted():
			w.poll(ctx)
		case <-heartbeat:
			w.heartbeat()
		}
	}
}

// Wait blocks until every dispatched job has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	free := w.opts.MaxJobs - w.running()
	if free <= 0 {
		return
	}
	jobs, err := w.svc.GetQueued(ctx, free+w.running())
	if err != nil {
		w.log.Errorw("poll error", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if !w.claimSlot(job.ID) {
			continue
		}
		w.wg.Add(1)
		go func(id string) {
			defer w.wg.Done()
			defer w.releaseSlot(id)
			w.processJob(ctx, id)
		}(job.ID)
	}
}

func (w *Worker) processJob(ctx context.Context, id string) {
	if err := w.runner.Run(ctx, id); err != nil {
		w.log.Errorw("job run failed", "job", id, "error", err)
	}
}

func (w *Worker) running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

func (w *Worker) claimSlot(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[id] || len(w.inflight) >= w.opts.MaxJobs {
		return false
	}
	w.inflight[id] = true
	return true
}

func (w *Worker) releaseSlot(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
}

func (w *Worker) heartbeat() {
	fields := []any{"running_jobs", w.runner.Active(), "pending_credentials", w.svc.Vault().Len()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			fields = append(fields, "rss_mb", mem.RSS/(1<<20))
		}
	}
	w.log.Infow("worker heartbeat", fields...)
}
