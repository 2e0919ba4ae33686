package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"jobsched/internal/domain"
)

// Open opens the SQLite database at path with the pragmas the store relies
// on for durability, and verifies the connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable(err, "open db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(err, "ping db")
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  run_at INTEGER NOT NULL,
  action_kind TEXT NOT NULL,
  action_params BLOB NOT NULL,
  on_success_kind TEXT,
  on_success_params BLOB,
  on_failure_kind TEXT,
  on_failure_params BLOB,
  status TEXT NOT NULL CHECK(status IN ('scheduled','dispatched','completed','removed')) DEFAULT 'scheduled',
  instance_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);
CREATE TABLE IF NOT EXISTS job_executions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  phase TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  status_code INTEGER NOT NULL DEFAULT 0,
  detail TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return unavailable(err, "ensure schema")
	}
	return nil
}

// Repository is the durable job store. Every method is atomic with respect
// to concurrent callers.
type Repository interface {
	Ping(ctx context.Context) error
	Insert(ctx context.Context, rec domain.JobRecord) error
	Get(ctx context.Context, id string) (domain.JobRecord, error)
	ListAll(ctx context.Context) ([]domain.JobRecord, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.JobRecord, error)
	CountByStatus(ctx context.Context, statuses ...domain.Status) (int, error)
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context, statuses ...domain.Status) (int, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error

	Dispatch(ctx context.Context, id string, perJobCap int) (bool, error)
	Complete(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context) (int, error)
	RecoverDispatched(ctx context.Context) (int, error)
	Purge(ctx context.Context, before time.Time) (int, error)

	RecordExecution(ctx context.Context, e domain.Execution) error
	ListExecutions(ctx context.Context, jobID string) ([]domain.Execution, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

func unavailable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), domain.ErrStoreUnavailable)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (r *sqliteRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable(err, "ping db")
	}
	return nil
}

func encodeOptional(a *domain.Action) (any, any, error) {
	if a == nil {
		return nil, nil, nil
	}
	kind, params, err := a.Params()
	if err != nil {
		return nil, nil, err
	}
	return kind, []byte(params), nil
}

func (r *sqliteRepo) Insert(ctx context.Context, rec domain.JobRecord) error {
	kind, params, err := rec.Action.Params()
	if err != nil {
		return errors.Wrap(err, "action")
	}
	okKind, okParams, err := encodeOptional(rec.OnSuccess)
	if err != nil {
		return errors.Wrap(err, "on_success")
	}
	failKind, failParams, err := encodeOptional(rec.OnFailure)
	if err != nil {
		return errors.Wrap(err, "on_failure")
	}
	if rec.Status == "" {
		rec.Status = domain.StatusScheduled
	}
	now := millis(r.now())

	res, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,name,category,run_at,action_kind,action_params,on_success_kind,on_success_params,on_failure_kind,on_failure_params,status,instance_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING
`, rec.ID, rec.Name, rec.Category, millis(rec.RunAt), kind, []byte(params), okKind, okParams, failKind, failParams,
		string(rec.Status), rec.InstanceCount, now, now)
	if err != nil {
		return unavailable(err, "insert job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err, "insert job")
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrConflict, "job %s", rec.ID)
	}
	return nil
}

const jobColumns = `id,name,category,run_at,action_kind,action_params,on_success_kind,on_success_params,on_failure_kind,on_failure_params,status,instance_count,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// decodeStored never fails: a row with corrupt parameters loads with an
// action that fails when run, so one bad row cannot break listing.
func decodeStored(id, field, kind string, params []byte) domain.Action {
	a, err := domain.DecodeAction(kind, params)
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Str("field", field).Str("kind", kind).Msg("stored action cannot be decoded")
		return domain.UndecodableAction(kind, err)
	}
	return a
}

func scanJob(s scanner) (domain.JobRecord, error) {
	var (
		rec                  domain.JobRecord
		runAt, created, upd  int64
		kind                 string
		params               []byte
		okKind, failKind     sql.NullString
		okParams, failParams []byte
		status               string
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.Category, &runAt, &kind, &params, &okKind, &okParams, &failKind, &failParams, &status, &rec.InstanceCount, &created, &upd); err != nil {
		return domain.JobRecord{}, err
	}
	rec.Action = decodeStored(rec.ID, "action", kind, params)
	if okKind.Valid {
		a := decodeStored(rec.ID, "on_success", okKind.String, okParams)
		rec.OnSuccess = &a
	}
	if failKind.Valid {
		a := decodeStored(rec.ID, "on_failure", failKind.String, failParams)
		rec.OnFailure = &a
	}
	rec.RunAt = fromMillis(runAt)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(upd)
	rec.Status = domain.Status(status)
	return rec, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return domain.JobRecord{}, r.classify(err, "get job")
	}
	return rec, nil
}

// classify keeps decode errors as they are and marks everything else as a
// database failure.
func (r *sqliteRepo) classify(err error, msg string) error {
	if domain.IsClientError(err) {
		return errors.Wrap(err, msg)
	}
	return unavailable(err, msg)
}

func statusFilter(statuses []domain.Status) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return "status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + ")", args
}

func (r *sqliteRepo) ListAll(ctx context.Context) ([]domain.JobRecord, error) {
	return r.ListByStatus(ctx)
}

func (r *sqliteRepo) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.JobRecord, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	where, args := statusFilter(statuses)
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY run_at, id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err, "list jobs")
	}
	defer rows.Close()

	var jobs []domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, r.classify(err, "list jobs")
		}
		jobs = append(jobs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "list jobs")
	}
	return jobs, nil
}

func (r *sqliteRepo) CountByStatus(ctx context.Context, statuses ...domain.Status) (int, error) {
	q := `SELECT COUNT(*) FROM jobs`
	where, args := statusFilter(statuses)
	if where != "" {
		q += ` WHERE ` + where
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "count jobs")
	}
	return n, nil
}

func (r *sqliteRepo) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return unavailable(err, "remove job")
	}
	return expectOne(res, id, "remove job")
}

func (r *sqliteRepo) RemoveAll(ctx context.Context, statuses ...domain.Status) (int, error) {
	q := `DELETE FROM jobs`
	where, args := statusFilter(statuses)
	if where != "" {
		q += ` WHERE ` + where
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, unavailable(err, "remove jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "remove jobs")
	}
	return int(n), nil
}

func (r *sqliteRepo) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return errors.Wrapf(domain.ErrInvalidJob, "unknown status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, string(status), millis(r.now()), id)
	if err != nil {
		return unavailable(err, "update job status")
	}
	return expectOne(res, id, "update job status")
}

func expectOne(res sql.Result, id, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err, msg)
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return nil
}

// Dispatch moves a scheduled job to dispatched when fewer than perJobCap
// executions of it are in flight. It reports whether the transition happened.
func (r *sqliteRepo) Dispatch(ctx context.Context, id string, perJobCap int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status='dispatched', instance_count=instance_count+1, updated_at=?
WHERE id=? AND status='scheduled' AND instance_count < ?`, millis(r.now()), id, perJobCap)
	if err != nil {
		return false, unavailable(err, "dispatch job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "dispatch job")
	}
	return n == 1, nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status='completed', instance_count=MAX(instance_count-1, 0), updated_at=?
WHERE id=?`, millis(r.now()), id)
	if err != nil {
		return unavailable(err, "complete job")
	}
	return expectOne(res, id, "complete job")
}

func (r *sqliteRepo) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status='removed', updated_at=? WHERE id=? AND status='scheduled'`, millis(r.now()), id)
	if err != nil {
		return unavailable(err, "cancel job")
	}
	return expectOne(res, id, "cancel job")
}

func (r *sqliteRepo) CancelAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status='removed', updated_at=? WHERE status='scheduled'`, millis(r.now()))
	if err != nil {
		return 0, unavailable(err, "cancel jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "cancel jobs")
	}
	return int(n), nil
}

// RecoverDispatched returns jobs left dispatched by a previous process to
// the scheduled state so they run again.
func (r *sqliteRepo) RecoverDispatched(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status='scheduled', instance_count=0, updated_at=? WHERE status='dispatched'`, millis(r.now()))
	if err != nil {
		return 0, unavailable(err, "recover dispatched jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "recover dispatched jobs")
	}
	return int(n), nil
}

// Purge deletes completed and removed jobs last updated before the cutoff,
// together with their execution history.
func (r *sqliteRepo) Purge(ctx context.Context, before time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err, "purge jobs")
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := millis(before)
	if _, err := tx.ExecContext(ctx, `
DELETE FROM job_executions WHERE job_id IN (
  SELECT id FROM jobs WHERE status IN ('completed','removed') AND updated_at < ?
)`, cutoff); err != nil {
		return 0, unavailable(err, "purge executions")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE status IN ('completed','removed') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, unavailable(err, "purge jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "purge jobs")
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(err, "purge jobs")
	}
	return int(n), nil
}

func (r *sqliteRepo) RecordExecution(ctx context.Context, e domain.Execution) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_executions(job_id, phase, success, status_code, detail, started_at, finished_at)
VALUES (?,?,?,?,?,?,?)`, e.JobID, string(e.Phase), e.Success, e.StatusCode, e.Detail, millis(e.StartedAt), millis(e.FinishedAt))
	if err != nil {
		return unavailable(err, "record execution")
	}
	return nil
}

func (r *sqliteRepo) ListExecutions(ctx context.Context, jobID string) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,job_id,phase,success,status_code,detail,started_at,finished_at
FROM job_executions WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, unavailable(err, "list executions")
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var (
			e               domain.Execution
			phase           string
			started, finish int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &phase, &e.Success, &e.StatusCode, &e.Detail, &started, &finish); err != nil {
			return nil, unavailable(err, "list executions")
		}
		e.Phase = domain.Phase(phase)
		e.StartedAt = fromMillis(started)
		e.FinishedAt = fromMillis(finish)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "list executions")
	}
	return out, nil
}
