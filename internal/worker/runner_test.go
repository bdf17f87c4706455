package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cwygoda/imscraper/internal/adapter/memory"
	"github.com/cwygoda/imscraper/internal/adapter/spreadsheet"
	"github.com/cwygoda/imscraper/internal/domain"
	"github.com/cwygoda/imscraper/internal/fetch"
)

// fakeProvider succeeds for every domain except those in failFor.
type fakeProvider struct {
	name    domain.Provider
	failFor map[string]bool
	calls   atomic.Int32
}

func (f *fakeProvider) Name() domain.Provider { return f.name }

func (f *fakeProvider) Fetch(ctx context.Context, host string, creds domain.Credentials) domain.MetricRecord {
	f.calls.Add(1)
	if err := creds.Check(f.name); err != nil {
		return domain.FailedRecord(host, f.name, domain.OutcomeConfig, err.Error())
	}
	if f.failFor[host] {
		return domain.FailedRecord(host, f.name, domain.OutcomeProviderError, "status 500")
	}
	return domain.OKRecord(host, f.name, map[domain.MetricName]domain.Value{
		domain.MetricReferringDomains: domain.NumberValue(7),
	})
}

// resolverFunc adapts a function to the Resolver interface.
type resolverFunc func(ctx context.Context, index int, host string) domain.ResultRow

func (f resolverFunc) Resolve(ctx context.Context, index int, host string, _ domain.ProviderSet, _ domain.Credentials) domain.ResultRow {
	return f(ctx, index, host)
}

func plainRow(index int, host string) domain.ResultRow {
	return domain.ResultRow{Index: index, Domain: host, Records: map[domain.Provider]domain.MetricRecord{}}
}

// progressRecorder remembers every progress value observed after an increment.
type progressRecorder struct {
	domain.JobRepository
	mu   sync.Mutex
	seen []int
}

func (p *progressRecorder) IncrementProgress(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.JobRepository.IncrementProgress(ctx, id); err != nil {
		return err
	}
	job, err := p.JobRepository.Get(ctx, id)
	if err != nil {
		return err
	}
	p.seen = append(p.seen, job.Progress.Completed)
	return nil
}

// claimHook calls after once a claim has succeeded, before any domain runs.
type claimHook struct {
	domain.JobRepository
	after func(id string)
}

func (c *claimHook) Claim(ctx context.Context, id string) error {
	if err := c.JobRepository.Claim(ctx, id); err != nil {
		return err
	}
	c.after(id)
	return nil
}

type failingWriter struct{ err error }

func (f failingWriter) Write(context.Context, string, []domain.ResultRow) (string, error) {
	return "", f.err
}

var allCreds = domain.Credentials{
	Ahrefs:     domain.AhrefsCredentials{APIKey: "a"},
	Majestic:   domain.MajesticCredentials{APIKey: "m"},
	DataForSEO: domain.DataForSEOCredentials{Login: "l", Password: "p"},
}

type harness struct {
	svc    *domain.JobService
	runner *Runner
	writer *spreadsheet.Writer
	log    *zap.SugaredLogger
}

func newHarness(t *testing.T, repo domain.JobRepository, resolver Resolver, concurrency int) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	svc := domain.NewJobService(repo, domain.NewCredentialVault())
	writer := spreadsheet.NewWriter(t.TempDir(), log)
	return &harness{
		svc:    svc,
		runner: NewRunner(svc, resolver, writer, concurrency, log),
		writer: writer,
		log:    log,
	}
}

func (h *harness) submit(t *testing.T, domains []string, providers domain.ProviderSet) string {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), domain.JobRequest{
		Domains:     domains,
		Providers:   providers,
		Credentials: allCreds,
	})
	require.NoError(t, err)
	return job.ID
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

// status is safe to call from Eventually conditions.
func (h *harness) status(id string) domain.JobStatus {
	job, err := h.svc.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

// artifactRows returns the data rows of a workbook without the header.
// Trailing empty cells are dropped by excelize.
func artifactRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(spreadsheet.SheetName)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[1:]
}

func artifactColumn(t *testing.T, path string) []string {
	t.Helper()
	var out []string
	for _, r := range artifactRows(t, path) {
		out = append(out, r[0])
	}
	return out
}

func TestRunner_GoodAndBadDomains(t *testing.T) {
	ahrefs := &fakeProvider{name: domain.ProviderAhrefs, failFor: map[string]bool{"bad.com": true}}
	majestic := &fakeProvider{name: domain.ProviderMajestic}
	dfs := &fakeProvider{name: domain.ProviderDataForSEO}
	orch := fetch.New([]domain.MetricsProvider{ahrefs, majestic, dfs}, nil, time.Second, zaptest.NewLogger(t).Sugar())

	h := newHarness(t, memory.New(), orch, 2)
	id := h.submit(t, []string{"good.com", "bad.com"}, domain.NewProviderSet(domain.ProviderAhrefs))

	require.NoError(t, h.runner.Run(context.Background(), id))

	job := h.job(t, id)
	require.Equal(t, domain.StatusDone, job.Status, job.Error)
	assert.Equal(t, domain.Progress{Completed: 2, Total: 2}, job.Progress)
	assert.Equal(t, h.writer.Path(id), job.ArtifactPath)
	rows := artifactRows(t, job.ArtifactPath)
	require.Len(t, rows, 2)
	// URL, status, HTTPS, Majestic topics, then the three Ahrefs columns.
	assert.Equal(t, []string{"good.com", "", "", "", "", "7"}, rows[0], "good.com carries its Ahrefs metrics")
	assert.Equal(t, []string{"bad.com"}, rows[1], "failed provider leaves its cells empty")

	assert.Equal(t, int32(2), ahrefs.calls.Load())
	assert.Zero(t, majestic.calls.Load(), "disabled providers are never called")
	assert.Zero(t, dfs.calls.Load())
	assert.Equal(t, 0, h.svc.Vault().Len())
}

func TestRunner_InvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		domains   []string
		providers domain.ProviderSet
	}{
		{name: "no domains", domains: nil, providers: domain.NewProviderSet(domain.ProviderAhrefs)},
		{name: "only blank domains", domains: []string{" ", ""}, providers: domain.NewProviderSet(domain.ProviderAhrefs)},
		{name: "no providers", domains: []string{"good.com"}, providers: domain.ProviderSet{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
				calls.Add(1)
				return plainRow(index, host)
			})
			h := newHarness(t, memory.New(), resolver, 2)
			id := h.submit(t, tt.domains, tt.providers)

			require.NoError(t, h.runner.Run(context.Background(), id))

			job := h.job(t, id)
			assert.Equal(t, domain.StatusFailed, job.Status)
			assert.Equal(t, domain.KindInputInvalid, job.ErrorKind)
			assert.True(t, job.StartedAt.IsZero(), "rejected before running")
			assert.Zero(t, calls.Load())
			assert.Equal(t, 0, h.svc.Vault().Len())
		})
	}
}

func TestRunner_MissingCredentials(t *testing.T) {
	h := newHarness(t, memory.New(), resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		t.Error("resolver must not run without credentials")
		return plainRow(index, host)
	}), 2)
	id := h.submit(t, []string{"good.com"}, domain.NewProviderSet(domain.ProviderAhrefs))
	h.svc.Vault().Discard(id)

	require.NoError(t, h.runner.Run(context.Background(), id))

	job := h.job(t, id)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, domain.KindInputInvalid, job.ErrorKind)
}

func TestRunner_ProgressMonotonic(t *testing.T) {
	repo := &progressRecorder{JobRepository: memory.New()}
	resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		time.Sleep(time.Duration(index%3) * time.Millisecond)
		return plainRow(index, host)
	})
	h := newHarness(t, repo, resolver, 4)

	domains := make([]string, 20)
	for i := range domains {
		domains[i] = fmt.Sprintf("site%d.com", i)
	}
	id := h.submit(t, domains, domain.NewProviderSet(domain.ProviderMajestic))

	require.NoError(t, h.runner.Run(context.Background(), id))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.seen, 20)
	for i := 1; i < len(repo.seen); i++ {
		assert.GreaterOrEqual(t, repo.seen[i], repo.seen[i-1])
	}
	assert.LessOrEqual(t, repo.seen[len(repo.seen)-1], 20)
	assert.Equal(t, domain.Progress{Completed: 20, Total: 20}, h.job(t, id).Progress)
}

func TestRunner_OutputOrderIgnoresCompletionOrder(t *testing.T) {
	domains := []string{"a.com", "b.com", "c.com", "d.com"}
	resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		time.Sleep(time.Duration(len(domains)-index) * 20 * time.Millisecond)
		return plainRow(index, host)
	})
	h := newHarness(t, memory.New(), resolver, len(domains))
	id := h.submit(t, domains, domain.NewProviderSet(domain.ProviderMajestic))

	require.NoError(t, h.runner.Run(context.Background(), id))

	job := h.job(t, id)
	require.Equal(t, domain.StatusDone, job.Status)
	assert.Equal(t, domains, artifactColumn(t, job.ArtifactPath))
}

func TestRunner_BoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return plainRow(index, host)
	})
	h := newHarness(t, memory.New(), resolver, 3)

	domains := make([]string, 12)
	for i := range domains {
		domains[i] = fmt.Sprintf("site%d.com", i)
	}
	id := h.submit(t, domains, domain.NewProviderSet(domain.ProviderMajestic))
	require.NoError(t, h.runner.Run(context.Background(), id))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, domain.StatusDone, h.job(t, id).Status)
}

func TestRunner_Idempotent(t *testing.T) {
	var calls atomic.Int32
	resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		calls.Add(1)
		return plainRow(index, host)
	})
	h := newHarness(t, memory.New(), resolver, 2)
	id := h.submit(t, []string{"a.com", "b.com"}, domain.NewProviderSet(domain.ProviderMajestic))

	require.NoError(t, h.runner.Run(context.Background(), id))
	require.NoError(t, h.runner.Run(context.Background(), id))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, domain.StatusDone, h.job(t, id).Status)
}

func TestRunner_UnknownJob(t *testing.T) {
	h := newHarness(t, memory.New(), resolverFunc(nil), 1)
	err := h.runner.Run(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound), "got %v", err)
}

func TestRunner_WriteFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind domain.ErrorKind
	}{
		{name: "disk error", err: errors.Mark(errors.New("no space left on device"), domain.ErrIOFailure), wantKind: domain.KindIOFailure},
		{name: "no rows", err: domain.ErrNoRows, wantKind: domain.KindInputInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := zaptest.NewLogger(t).Sugar()
			svc := domain.NewJobService(memory.New(), domain.NewCredentialVault())
			resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
				return plainRow(index, host)
			})
			runner := NewRunner(svc, resolver, failingWriter{tt.err}, 1, log)

			job, err := svc.Submit(context.Background(), domain.JobRequest{
				Domains:   []string{"a.com"},
				Providers: domain.NewProviderSet(domain.ProviderMajestic),
			})
			require.NoError(t, err)
			require.NoError(t, runner.Run(context.Background(), job.ID))

			got, err := svc.Get(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, got.Status)
			assert.Equal(t, tt.wantKind, got.ErrorKind)
			assert.Empty(t, got.ArtifactPath)
		})
	}
}

// blockingResolver parks every call until its context ends.
func blockingResolver(started chan<- struct{}) Resolver {
	var once sync.Once
	return resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return plainRow(index, host)
	})
}

func TestRunner_Cancel(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, memory.New(), blockingResolver(started), 2)
	id := h.submit(t, []string{"a.com", "b.com", "c.com"}, domain.NewProviderSet(domain.ProviderMajestic))

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(context.Background(), id) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	assert.Equal(t, 1, h.runner.Active())
	require.NoError(t, h.runner.Cancel(context.Background(), id))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	job := h.job(t, id)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, domain.KindCancelled, job.ErrorKind)
	assert.Empty(t, job.ArtifactPath)
	assert.Equal(t, 0, h.runner.Active())

	err := h.runner.Cancel(context.Background(), id)
	assert.True(t, errors.Is(err, domain.ErrJobTerminal), "got %v", err)
}

func TestRunner_CancelQueued(t *testing.T) {
	h := newHarness(t, memory.New(), resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		t.Error("cancelled job must not run")
		return plainRow(index, host)
	}), 1)
	id := h.submit(t, []string{"a.com"}, domain.NewProviderSet(domain.ProviderMajestic))

	require.NoError(t, h.runner.Cancel(context.Background(), id))
	require.NoError(t, h.runner.Run(context.Background(), id))

	job := h.job(t, id)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, domain.KindCancelled, job.ErrorKind)
}

func TestRunner_CancelRightAfterClaim(t *testing.T) {
	var calls atomic.Int32
	resolver := resolverFunc(func(ctx context.Context, index int, host string) domain.ResultRow {
		calls.Add(1)
		return plainRow(index, host)
	})
	repo := &claimHook{JobRepository: memory.New()}
	h := newHarness(t, repo, resolver, 2)
	repo.after = func(id string) {
		require.NoError(t, h.runner.Cancel(context.Background(), id))
		// Cancel discards credentials; restore them to reach the window
		// after the runner has already taken them.
		h.svc.Vault().Put(id, allCreds)
	}
	id := h.submit(t, []string{"a.com", "b.com"}, domain.NewProviderSet(domain.ProviderMajestic))

	require.NoError(t, h.runner.Run(context.Background(), id))

	job := h.job(t, id)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, domain.KindCancelled, job.ErrorKind)
	assert.Zero(t, calls.Load(), "no domain resolved after cancel")
	assert.NoFileExists(t, h.writer.Path(id))
	assert.Equal(t, 0, h.runner.Active())
}

func TestRunner_Shutdown(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, memory.New(), blockingResolver(started), 2)
	id := h.submit(t, []string{"a.com", "b.com"}, domain.NewProviderSet(domain.ProviderMajestic))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx, id) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	job := h.job(t, id)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, domain.KindInterrupted, job.ErrorKind)
}
