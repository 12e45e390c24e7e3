package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/pkg/logx"
)

func newMockStore(t *testing.T, d dialect) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := newSQLStore(db, d, Tables{}, logx.Nop())
	require.NoError(t, err)
	return st, mock
}

func TestRebindDollarParams(t *testing.T) {
	t.Parallel()
	st, _ := newMockStore(t, postgresDialect)
	assert.Equal(t, "UPDATE scheduler_jobs SET next_run_time = $1, job_state = $2 WHERE id = $3", st.q.updateJob)
	assert.Equal(t,
		"INSERT INTO scheduler_jobauditlog (job_id, job_name, event, username, created_time, description) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		st.q.insertAudit)

	my, _ := newMockStore(t, mysqlDialect)
	assert.Equal(t, "UPDATE scheduler_jobs SET next_run_time = ?, job_state = ? WHERE id = ?", my.q.updateJob)
	assert.Contains(t, my.q.selectExecLock, "FOR UPDATE")
}

func TestPostgresUpdateMissingJob(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t, postgresDialect)
	mock.ExpectExec(st.q.updateJob).
		WithArgs(nil, sqlmock.AnyArg(), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.UpdateJob(context.Background(), Job{ID: "gone", Name: "x"})
	assert.True(t, errors.Is(err, ErrNotFound), "UpdateJob = %v, want ErrNotFound", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateJob(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t, postgresDialect)
	next := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(st.q.insertJob).
		WithArgs("dup", next.UnixMicro(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key"})

	err := st.AddJob(context.Background(), Job{ID: "dup", NextRunTime: &next})
	assert.True(t, errors.Is(err, ErrConflict), "AddJob = %v, want ErrConflict", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditReturningID(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t, postgresDialect)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(st.q.insertAudit).
		WithArgs("j", "name", int(EventResumed), "ops", created.UnixMicro(), "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	l, err := st.AddAuditLog(context.Background(), AuditLog{
		JobID: "j", JobName: "name", Event: EventResumed, User: "ops", CreatedTime: created,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), l.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUpdateExecutionRejectsTerminal(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t, mysqlDialect)
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC).UnixMicro()

	mock.ExpectBegin()
	mock.ExpectQuery(st.q.selectExecLock).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{
			"eid", "hostname", "pid", "state", "scheduled_time", "updated_time", "description", "result", "job_id", "task_id",
		}).AddRow("e1", "h", 1, int(StateSucceeded), ts, ts, "", "{}", "j", ""))
	mock.ExpectRollback()

	_, err := st.UpdateExecution(context.Background(), "e1", ExecutionUpdate{State: stateptr(StateFailed)})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "UpdateExecution = %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDuplicateAndDSN(t *testing.T) {
	t.Parallel()
	assert.True(t, mysqlDialect.isDuplicate(errors.Wrap(&mysql.MySQLError{Number: mysqlDuplicateEntry}, "insert")))
	assert.False(t, mysqlDialect.isDuplicate(errors.New("boom")))

	mc, err := mysqlConnector("chronod:secret@tcp(db:3306)/chronod")
	require.NoError(t, err)
	assert.True(t, mc.ClientFoundRows)
	assert.Equal(t, "utf8mb4", mc.Params["charset"])
}

func TestSQLiteDuplicateDetection(t *testing.T) {
	t.Parallel()
	assert.True(t, sqliteDialect.isDuplicate(errors.New("constraint failed: UNIQUE constraint failed: scheduler_jobs.id (1555)")))
	assert.False(t, sqliteDialect.isDuplicate(nil))
}

func TestMigrationStatements(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"sqlite", "postgres", "mysql"} {
		stmts, err := migrationStatements(name, Tables{Jobs: "j", Executions: "e", AuditLogs: "a"})
		require.NoError(t, err, name)
		require.NotEmpty(t, stmts, name)
		for _, s := range stmts {
			assert.NotContains(t, s, "{{", "%s: unreplaced placeholder in %q", name, s)
		}
		assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS j")
	}
}

func TestInvalidTableName(t *testing.T) {
	t.Parallel()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = newSQLStore(db, sqliteDialect, Tables{Jobs: "jobs; DROP TABLE x"}, logx.Nop())
	require.Error(t, err)
}
