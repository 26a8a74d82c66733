package landscape

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// mockedRecorder wraps a sqlmock connection so tests can script database
// failures the real backends will not produce on demand.
func mockedRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	wrapped := &DB{DB: sqlx.NewDb(db, "sqlite3"), backend: BackendSQLite}
	return NewRecorder(wrapped), mock
}

func TestBeginRunPropagatesInsertFailure(t *testing.T) {
	rec, mock := mockedRecorder(t)
	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("disk I/O error"))

	_, err := rec.BeginRun(context.Background(), BeginRunInput{
		Settings: map[string]any{"profile": "test"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusPropagatesFailure(t *testing.T) {
	rec, mock := mockedRecorder(t)
	mock.ExpectExec("UPDATE runs SET status").WillReturnError(errors.New("connection reset"))

	err := rec.UpdateRunStatus(context.Background(), "run-1", contracts.RunStatusCompleted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunMissingIsNotAnError(t *testing.T) {
	rec, mock := mockedRecorder(t)
	mock.ExpectQuery("SELECT \\* FROM runs").WillReturnError(sql.ErrNoRows)

	run, err := rec.GetRun(context.Background(), "run-missing")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}
