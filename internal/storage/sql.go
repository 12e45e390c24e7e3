package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string // migrations/<name>.sql

	dollarParams bool   // $1, $2 instead of ?
	forUpdate    string // row lock suffix for read-modify-write
	returningID  bool   // INSERT ... RETURNING id instead of LastInsertId

	isDuplicate func(error) bool
}

// sqlStore implements Store on database/sql for every SQL dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	t   Tables
	log logx.Logger
	now func() time.Time

	q queries
}

type queries struct {
	insertJob, updateJob, deleteJob, lookupJob, allJobs, dueJobs, minNext string

	insertExec, selectExec, selectExecLock, updateExec, rangeExec string

	insertAudit, rangeAudit string
}

const execColumns = "eid, hostname, pid, state, scheduled_time, updated_time, description, result, job_id, task_id"

func newSQLStore(db *sql.DB, d dialect, t Tables, log logx.Logger) (*sqlStore, error) {
	t = t.withDefaults()
	for _, name := range []string{t.Jobs, t.Executions, t.AuditLogs} {
		if !tableNameRE.MatchString(name) {
			return nil, errors.Newf("invalid table name %q", name)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqlStore{db: db, d: d, t: t, log: log, now: time.Now}

	j, e, a := t.Jobs, t.Executions, t.AuditLogs
	s.q = queries{
		insertJob: s.rebind(fmt.Sprintf("INSERT INTO %s (id, next_run_time, job_state) VALUES (?, ?, ?)", j)),
		updateJob: s.rebind(fmt.Sprintf("UPDATE %s SET next_run_time = ?, job_state = ? WHERE id = ?", j)),
		deleteJob: s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", j)),
		lookupJob: s.rebind(fmt.Sprintf("SELECT job_state, next_run_time FROM %s WHERE id = ?", j)),
		allJobs:   fmt.Sprintf("SELECT job_state, next_run_time FROM %s", j),
		dueJobs: s.rebind(fmt.Sprintf(
			"SELECT job_state, next_run_time FROM %s WHERE next_run_time IS NOT NULL AND next_run_time <= ? ORDER BY next_run_time, id", j)),
		minNext: fmt.Sprintf("SELECT MIN(next_run_time) FROM %s WHERE next_run_time IS NOT NULL", j),

		insertExec: s.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", e, execColumns)),
		selectExec: s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE eid = ?", execColumns, e)),
		selectExecLock: s.rebind(strings.TrimSpace(fmt.Sprintf(
			"SELECT %s FROM %s WHERE eid = ? %s", execColumns, e, d.forUpdate))),
		updateExec: s.rebind(fmt.Sprintf(
			"UPDATE %s SET state = ?, hostname = ?, pid = ?, description = ?, result = ?, task_id = ?, updated_time = ? WHERE eid = ?", e)),
		rangeExec: s.rebind(fmt.Sprintf(
			"SELECT %s FROM %s WHERE scheduled_time BETWEEN ? AND ? ORDER BY updated_time DESC, eid", execColumns, e)),

		insertAudit: s.rebind(fmt.Sprintf(
			"INSERT INTO %s (job_id, job_name, event, username, created_time, description) VALUES (?, ?, ?, ?, ?, ?)", a)),
		rangeAudit: s.rebind(fmt.Sprintf(
			"SELECT id, job_id, job_name, event, username, created_time, description FROM %s WHERE created_time BETWEEN ? AND ? ORDER BY created_time DESC, id DESC", a)),
	}
	if d.returningID {
		s.q.insertAudit += " RETURNING id"
	}
	return s, nil
}

// rebind rewrites ? placeholders for dialects that number their parameters.
func (s *sqlStore) rebind(q string) string {
	if !s.d.dollarParams {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrationStatements returns the dialect's schema statements with table names filled in.
func migrationStatements(name string, t Tables) ([]string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + name + ".sql")
	if err != nil {
		return nil, errors.Wrapf(err, "no migrations for %s", name)
	}
	t = t.withDefaults()
	r := strings.NewReplacer(
		"{{jobs}}", t.Jobs,
		"{{executions}}", t.Executions,
		"{{audit_logs}}", t.AuditLogs,
	)
	var out []string
	for _, stmt := range strings.Split(r.Replace(string(b)), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *sqlStore) Migrate(ctx context.Context) error {
	stmts, err := migrationStatements(s.d.name, s.t)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate %s", s.d.name)
		}
	}
	s.log.Debug("schema ready", logx.Int("statements", len(stmts)))
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}

func encodeJob(job Job) (string, error) {
	job = normJob(job)
	b, err := json.Marshal(job)
	if err != nil {
		return "", errors.Wrap(err, "encode job")
	}
	return string(b), nil
}

// decodeJob trusts the next_run_time column over the copy inside job_state.
func decodeJob(state string, next sql.NullInt64) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(state), &j); err != nil {
		return Job{}, errors.Wrap(err, "decode job")
	}
	j.NextRunTime = nil
	if next.Valid {
		t := fromMicros(next.Int64)
		j.NextRunTime = &t
	}
	return j, nil
}

func (s *sqlStore) AddJob(ctx context.Context, job Job) error {
	state, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q.insertJob, job.ID, nullMicros(job.NextRunTime), state)
	if err != nil {
		if s.d.isDuplicate != nil && s.d.isDuplicate(err) {
			return errors.Wrapf(ErrConflict, "job %s", job.ID)
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, job Job) error {
	state, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q.updateJob, nullMicros(job.NextRunTime), state, job.ID)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	return expectRow(res, "job", job.ID)
}

func (s *sqlStore) RemoveJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q.deleteJob, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	return expectRow(res, "job", id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func (s *sqlStore) LookupJob(ctx context.Context, id string) (Job, error) {
	var (
		state string
		next  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q.lookupJob, id).Scan(&state, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return Job{}, errors.Wrap(err, "lookup job")
	}
	return decodeJob(state, next)
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			state string
			next  sql.NullInt64
		)
		if err := rows.Scan(&state, &next); err != nil {
			return nil, errors.WithStack(err)
		}
		j, err := decodeJob(state, next)
		if err != nil {
			s.log.Warn("skipping undecodable job row", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, errors.WithStack(rows.Err())
}

func (s *sqlStore) GetAllJobs(ctx context.Context) ([]Job, error) {
	out, err := s.queryJobs(ctx, s.q.allJobs)
	if err != nil {
		return nil, err
	}
	sortJobs(out)
	return out, nil
}

func (s *sqlStore) GetDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	return s.queryJobs(ctx, s.q.dueJobs, toMicros(now))
}

func (s *sqlStore) NextRunTime(ctx context.Context) (*time.Time, error) {
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.q.minNext).Scan(&next); err != nil {
		return nil, errors.Wrap(err, "next run time")
	}
	if !next.Valid {
		return nil, nil
	}
	t := fromMicros(next.Int64)
	return &t, nil
}

func (s *sqlStore) AddExecution(ctx context.Context, e Execution) error {
	if e.ScheduledTime.IsZero() {
		e.ScheduledTime = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q.insertExec,
		e.ID, e.Hostname, e.PID, int(e.State),
		toMicros(e.ScheduledTime), toMicros(s.now()),
		e.Description, e.Result, e.JobID, e.TaskID,
	)
	if err != nil {
		if s.d.isDuplicate != nil && s.d.isDuplicate(err) {
			return errors.Wrapf(ErrConflict, "execution %s", e.ID)
		}
		return errors.Wrap(err, "insert execution")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (Execution, error) {
	var (
		e                    Execution
		state                int
		scheduled, updatedAt int64
	)
	err := r.Scan(&e.ID, &e.Hostname, &e.PID, &state, &scheduled, &updatedAt,
		&e.Description, &e.Result, &e.JobID, &e.TaskID)
	if err != nil {
		return Execution{}, err
	}
	e.State = ExecutionState(state)
	e.ScheduledTime = fromMicros(scheduled)
	e.UpdatedTime = fromMicros(updatedAt)
	return e, nil
}

func (s *sqlStore) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) (Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Execution{}, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanExecution(tx.QueryRowContext(ctx, s.q.selectExecLock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return Execution{}, errors.Wrap(err, "select execution")
	}
	if err := u.check(e.State); err != nil {
		return Execution{}, err
	}
	u.apply(&e)
	e.UpdatedTime = normTime(s.now())

	if _, err := tx.ExecContext(ctx, s.q.updateExec,
		int(e.State), e.Hostname, e.PID, e.Description, e.Result, e.TaskID,
		toMicros(e.UpdatedTime), id,
	); err != nil {
		return Execution{}, errors.Wrap(err, "update execution")
	}
	if err := tx.Commit(); err != nil {
		return Execution{}, errors.Wrap(err, "commit")
	}
	return e, nil
}

func (s *sqlStore) GetExecution(ctx context.Context, id string) (Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, s.q.selectExec, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return Execution{}, errors.Wrap(err, "get execution")
	}
	return e, nil
}

func (s *sqlStore) GetExecutions(ctx context.Context, start, end time.Time) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.q.rangeExec, toMicros(start), toMicros(end))
	if err != nil {
		return nil, errors.Wrap(err, "query executions")
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, e)
	}
	return out, errors.WithStack(rows.Err())
}

func (s *sqlStore) AddAuditLog(ctx context.Context, l AuditLog) (AuditLog, error) {
	if l.CreatedTime.IsZero() {
		l.CreatedTime = s.now()
	}
	l.CreatedTime = normTime(l.CreatedTime)
	args := []any{l.JobID, l.JobName, int(l.Event), l.User, toMicros(l.CreatedTime), l.Description}

	if s.d.returningID {
		if err := s.db.QueryRowContext(ctx, s.q.insertAudit, args...).Scan(&l.ID); err != nil {
			return AuditLog{}, errors.Wrap(err, "insert audit log")
		}
		return l, nil
	}
	res, err := s.db.ExecContext(ctx, s.q.insertAudit, args...)
	if err != nil {
		return AuditLog{}, errors.Wrap(err, "insert audit log")
	}
	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return l, nil
}

func (s *sqlStore) GetAuditLogs(ctx context.Context, start, end time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q.rangeAudit, toMicros(start), toMicros(end))
	if err != nil {
		return nil, errors.Wrap(err, "query audit logs")
	}
	defer rows.Close()
	var out []AuditLog
	for rows.Next() {
		var (
			l       AuditLog
			event   int
			created int64
		)
		if err := rows.Scan(&l.ID, &l.JobID, &l.JobName, &event, &l.User, &created, &l.Description); err != nil {
			return nil, errors.WithStack(err)
		}
		l.Event = AuditEvent(event)
		l.CreatedTime = fromMicros(created)
		out = append(out, l)
	}
	return out, errors.WithStack(rows.Err())
}

// applyPool sets database/sql pool limits from cfg where given.
func applyPool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// openSQL opens db, builds the store and runs migrations.
func openSQL(ctx context.Context, db *sql.DB, d dialect, cfg Config, log logx.Logger) (Store, error) {
	st, err := newSQLStore(db, d, cfg.Tables, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", d.name)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

var (
	_ Store    = (*sqlStore)(nil)
	_ Migrator = (*sqlStore)(nil)
)
