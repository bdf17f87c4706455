package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/imscraper/internal/adapter/storetest"
	"github.com/cwygoda/imscraper/internal/domain"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.JobRepository { return setupTestRepo(t) })
}

func TestRepository_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "jobs.db")
	ctx := context.Background()

	repo, err := New(dbPath)
	require.NoError(t, err)
	job := storetest.NewJob("a.com", "b.com")
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.Claim(ctx, job.ID))
	require.NoError(t, repo.Close())

	repo, err = New(dbPath)
	require.NoError(t, err)
	defer repo.Close()

	n, err := repo.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.KindInterrupted, got.ErrorKind)
	assert.Equal(t, []string{"a.com", "b.com"}, got.Domains)
}

func TestRepository_ClaimMocked(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{name: "job in another state", exists: true, wantErr: domain.ErrJobNotQueued},
		{name: "unknown job", exists: false, wantErr: domain.ErrJobNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectExec("UPDATE jobs SET status").
				WithArgs("running", sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1", "queued").
				WillReturnResult(sqlmock.NewResult(0, 0))
			exists := mock.ExpectQuery("SELECT 1 FROM jobs WHERE id").WithArgs("job-1")
			if tt.exists {
				exists.WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
			} else {
				exists.WillReturnError(sql.ErrNoRows)
			}

			err = NewFromDB(db).Claim(context.Background(), "job-1")
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepository_ExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs SET status").WillReturnError(errors.New("database is locked"))

	err = NewFromDB(db).Fail(context.Background(), "job-1", domain.KindIOFailure, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail job job-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteFinishedBeforeMocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("DELETE FROM jobs WHERE status IN").
		WithArgs("done", "failed", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1").AddRow("job-2"))

	ids, err := NewFromDB(db).DeleteFinishedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
