package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

func testJob() scrape.Job {
	return scrape.Job{
		ID:           "job-1",
		Kind:         scrape.TargetProfile,
		Locator:      "https://example.com/in/jane",
		Priority:     scrape.PriorityHigh,
		State:        scrape.JobStateClaimed,
		AttemptCount: 2,
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
		Sequence:     7,
	}
}

func testIdentity() scrape.Identity {
	return scrape.Identity{
		ID:          "id-1",
		HealthScore: 0.75,
		TotalUses:   40,
	}
}

func TestSaveReplacesStateInOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	job := testJob()
	identity := testIdentity()
	jobDoc, err := json.Marshal(job)
	require.NoError(t, err)
	identityDoc, err := json.Marshal(identity)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM scrape_checkpoint_jobs").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO scrape_checkpoint_jobs").
		WithArgs(job.ID, jobDoc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM scrape_checkpoint_identities").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO scrape_checkpoint_identities").
		WithArgs(identity.ID, identityDoc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err = store.Save(context.Background(), []scrape.Job{job}, []scrape.Identity{identity})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreDecodesDocuments(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	job := testJob()
	identity := testIdentity()
	jobDoc, err := json.Marshal(job)
	require.NoError(t, err)
	identityDoc, err := json.Marshal(identity)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT doc FROM scrape_checkpoint_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(jobDoc))
	mock.ExpectQuery("SELECT doc FROM scrape_checkpoint_identities").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(identityDoc))

	jobs, identities, err := store.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, []scrape.Job{job}, jobs)
	require.Equal(t, []scrape.Identity{identity}, identities)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scrape_checkpoint_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scrape_checkpoint_identities").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresConfiguration(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewWithPool(nil)
	require.Error(t, err)
}
