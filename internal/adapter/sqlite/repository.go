package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/imscraper/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL DEFAULT 'queued',
    domains       TEXT NOT NULL,
    providers     TEXT NOT NULL,
    completed     INTEGER NOT NULL DEFAULT 0,
    total         INTEGER NOT NULL DEFAULT 0,
    artifact_path TEXT,
    error_kind    TEXT,
    error         TEXT,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME,
    updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
`

const selectColumns = `id, status, domains, providers, completed, total,
	COALESCE(artifact_path, ''), COALESCE(error_kind, ''), COALESCE(error, ''),
	created_at, started_at, finished_at, updated_at`

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create db dir %s", dir)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Progress updates arrive from many goroutines; one connection keeps
	// SQLite from answering SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init schema")
	}

	return NewFromDB(db), nil
}

// NewFromDB wraps an already migrated database handle.
func NewFromDB(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	domains, err := json.Marshal(job.Domains)
	if err != nil {
		return errors.Wrap(err, "encode domains")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, domains, providers, completed, total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(domains), job.Providers.String(),
		job.Progress.Completed, job.Progress.Total, job.CreatedAt, job.UpdatedAt,
	)
	return errors.Wrapf(err, "insert job %s", job.ID)
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id,
	)
	return scanJob(row)
}

// FindQueued returns queued jobs up to limit, oldest first.
func (r *Repository) FindQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(domain.StatusQueued), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query queued jobs")
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Claim atomically claims a queued job for processing.
func (r *Repository) Claim(ctx context.Context, id string) error {
	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusRunning), now, now, id, string(domain.StatusQueued),
	)
	if err != nil {
		return errors.Wrapf(err, "claim job %s", id)
	}
	return r.expectOne(ctx, result, id, domain.ErrJobNotQueued)
}

// IncrementProgress bumps completed, never past total.
func (r *Repository) IncrementProgress(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET completed = completed + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND completed < total`,
		r.now().UTC(), id, string(domain.StatusRunning),
	)
	return errors.Wrapf(err, "progress job %s", id)
}

// Complete marks a running job as done.
func (r *Repository) Complete(ctx context.Context, id string, artifactPath string) error {
	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, artifact_path = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusDone), artifactPath, now, now, id, string(domain.StatusRunning),
	)
	if err != nil {
		return errors.Wrapf(err, "complete job %s", id)
	}
	return r.expectOne(ctx, result, id, domain.ErrJobTerminal)
}

// Fail marks a queued or running job as permanently failed.
func (r *Repository) Fail(ctx context.Context, id string, kind domain.ErrorKind, reason string) error {
	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(domain.StatusFailed), string(kind), reason, now, now, id, string(domain.StatusQueued), string(domain.StatusRunning),
	)
	if err != nil {
		return errors.Wrapf(err, "fail job %s", id)
	}
	return r.expectOne(ctx, result, id, domain.ErrJobTerminal)
}

// RecoverStale fails all running jobs (crash recovery). They never go
// back to queued because their credentials died with the old process.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error = 'interrupted by restart',
		 finished_at = ?, updated_at = ?
		 WHERE status = ?`,
		string(domain.StatusFailed), string(domain.KindInterrupted), now, now, string(domain.StatusRunning),
	)
	if err != nil {
		return 0, errors.Wrap(err, "recover stale jobs")
	}
	return result.RowsAffected()
}

// DeleteFinishedBefore removes terminal jobs that finished before cutoff.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND finished_at < ? RETURNING id`,
		string(domain.StatusDone), string(domain.StatusFailed), cutoff.UTC(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "delete finished jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan deleted job")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "delete finished jobs")
}

// expectOne maps a zero-row conditional update to ErrJobNotFound or to
// the given state error, depending on whether the job exists.
func (r *Repository) expectOne(ctx context.Context, result sql.Result, id string, stateErr error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return stateErr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status, domains, providers, kind string
	var started, finished sql.NullTime
	err := row.Scan(&job.ID, &status, &domains, &providers,
		&job.Progress.Completed, &job.Progress.Total,
		&job.ArtifactPath, &kind, &job.Error,
		&job.CreatedAt, &started, &finished, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	if err := json.Unmarshal([]byte(domains), &job.Domains); err != nil {
		return nil, errors.Wrapf(err, "decode domains of job %s", job.ID)
	}
	if job.Providers, err = domain.ParseProviderSet(providers); err != nil {
		return nil, errors.Wrapf(err, "decode providers of job %s", job.ID)
	}
	job.Status = domain.JobStatus(status)
	job.ErrorKind = domain.ErrorKind(kind)
	job.StartedAt = started.Time
	job.FinishedAt = finished.Time
	return &job, nil
}
