package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Executions ---

const executionColumns = `workflow_id, run_id, workflow_type, task_queue, status, input, result, failure, version,
	continued_from, continued_to, cancel_requested, wft_open, created_at, updated_at, closed_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution, started schema.Event, policy schema.IDReusePolicy) (*schema.Execution, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storeErr("begin create", err)
	}
	defer tx.Rollback()

	var currentRun string
	err = tx.QueryRowContext(ctx, `SELECT run_id FROM current_executions WHERE workflow_id = ?`, exec.WorkflowID).Scan(&currentRun)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, false, storeErr("read current run", err)
	default:
		current, err := getExecution(ctx, tx, schema.ExecutionRef{WorkflowID: exec.WorkflowID, RunID: currentRun})
		if err != nil {
			return nil, false, err
		}
		if !policy.AllowsNewRun(current.Status) {
			return current, false, nil
		}
	}

	snap, started, err := newRunSnapshot(exec, started)
	if err != nil {
		return nil, false, err
	}
	if err := insertExecution(ctx, tx, snap); err != nil {
		return nil, false, err
	}
	if err := insertEvents(ctx, tx, snap.Ref(), []schema.Event{started}); err != nil {
		return nil, false, err
	}
	if err := setCurrentRun(ctx, tx, snap.Ref()); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storeErr("commit create", err)
	}
	return snap, true, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, ref schema.ExecutionRef) (*schema.Execution, error) {
	return getExecution(ctx, s.db, ref)
}

func (s *LibSQLStore) GetCurrentExecution(ctx context.Context, workflowID string) (*schema.Execution, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM current_executions WHERE workflow_id = ?`, workflowID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, storeErr("read current run", err)
	}
	return getExecution(ctx, s.db, schema.ExecutionRef{WorkflowID: workflowID, RunID: runID})
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Open {
		where = append(where, "closed_at IS NULL")
	}
	if filter.ChainHeads {
		where = append(where, "continued_to IS NULL")
	}
	if c := filter.After; c != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND run_id > ?))")
		args = append(args, toNanos(c.CreatedAt), toNanos(c.CreatedAt), c.RunID)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// --- History ---

func (s *LibSQLStore) AppendHistory(ctx context.Context, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, opts AppendOptions) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, storeErr("begin append", err)
	}
	defer tx.Rollback()

	res, err := appendTx(ctx, tx, ref, expectedVersion, events, opts)
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, storeErr("commit append", err)
	}
	return res, nil
}

func appendTx(ctx context.Context, tx *sql.Tx, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, opts AppendOptions) (AppendResult, error) {
	exec, err := getExecution(ctx, tx, ref)
	if err != nil {
		return AppendResult{}, err
	}
	seqd, res, err := prepareAppend(exec, expectedVersion, events, opts)
	if err != nil {
		return AppendResult{}, err
	}
	if err := insertEvents(ctx, tx, ref, seqd); err != nil {
		return AppendResult{}, err
	}
	if err := updateExecution(ctx, tx, exec, expectedVersion); err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

func (s *LibSQLStore) ReadHistory(ctx context.Context, ref schema.ExecutionRef, fromSequence int64) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_type, payload, timestamp FROM events
		 WHERE workflow_id = ? AND run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		ref.WorkflowID, ref.RunID, fromSequence,
	)
	if err != nil {
		return nil, storeErr("read history", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var (
			e       schema.Event
			typ     string
			payload sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.Sequence, &typ, &payload, &ts); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.Type = schema.EventType(typ)
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read history", err)
	}
	if len(events) == 0 && fromSequence == 0 {
		if _, err := getExecution(ctx, s.db, ref); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *LibSQLStore) CompleteWorkflowTask(ctx context.Context, ref schema.ExecutionRef, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET wft_open = 0 WHERE workflow_id = ? AND run_id = ? AND version = ?`,
		ref.WorkflowID, ref.RunID, expectedVersion,
	)
	if err != nil {
		return storeErr("complete workflow task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("complete workflow task", err)
	}
	if n == 0 {
		exec, err := getExecution(ctx, s.db, ref)
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeVersionConflict,
			"run %s: expected version %d, current %d", ref, expectedVersion, exec.Version)
	}
	return nil
}

func (s *LibSQLStore) ContinueAsNew(ctx context.Context, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, next *schema.Execution, nextStarted schema.Event) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, storeErr("begin continue-as-new", err)
	}
	defer tx.Rollback()

	res, err := appendTx(ctx, tx, ref, expectedVersion, events, AppendOptions{CompleteWorkflowTask: true})
	if err != nil {
		return AppendResult{}, err
	}

	snap, started, err := newRunSnapshot(next, nextStarted)
	if err != nil {
		return AppendResult{}, err
	}
	if err := insertExecution(ctx, tx, snap); err != nil {
		return AppendResult{}, err
	}
	if err := insertEvents(ctx, tx, snap.Ref(), []schema.Event{started}); err != nil {
		return AppendResult{}, err
	}
	if err := setCurrentRun(ctx, tx, snap.Ref()); err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, storeErr("commit continue-as-new", err)
	}
	return res, nil
}

// --- Heartbeats ---

func (s *LibSQLStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_heartbeats (workflow_id, run_id, activity_id, attempt, details, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, run_id, activity_id) DO UPDATE SET
		   attempt=excluded.attempt, details=excluded.details, recorded_at=excluded.recorded_at`,
		hb.WorkflowID, hb.RunID, hb.ActivityID, hb.Attempt, nullRaw(hb.Details), toNanos(timeOrNow(hb.RecordedAt)),
	)
	if err != nil {
		return storeErr("record heartbeat", err)
	}
	return nil
}

func (s *LibSQLStore) GetHeartbeat(ctx context.Context, ref schema.ExecutionRef, activityID string) (*Heartbeat, error) {
	hb := &Heartbeat{WorkflowID: ref.WorkflowID, RunID: ref.RunID, ActivityID: activityID}
	var details sql.NullString
	var recorded int64
	err := s.db.QueryRowContext(ctx,
		`SELECT attempt, details, recorded_at FROM activity_heartbeats
		 WHERE workflow_id = ? AND run_id = ? AND activity_id = ?`,
		ref.WorkflowID, ref.RunID, activityID,
	).Scan(&hb.Attempt, &details, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("heartbeat", ref.Key()+"/"+activityID)
	}
	if err != nil {
		return nil, storeErr("get heartbeat", err)
	}
	hb.Details = rawOrNil(details)
	hb.RecordedAt = fromNanos(recorded)
	return hb, nil
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_type, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowType, job.CronExpression, nullRaw(job.Params), boolInt(job.Enabled),
		nullNanos(job.LastRunAt), nullNanos(job.NextRunAt), nullStr(job.LastRunStatus), toNanos(timeOrNow(job.CreatedAt)),
	)
	if err != nil {
		return storeErr("create scheduled job", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_type, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, toNanos(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, toNanos(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}

	query := `SELECT id, workflow_type, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func getExecution(ctx context.Context, q querier, ref schema.ExecutionRef) (*schema.Execution, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE workflow_id = ? AND run_id = ?`,
		ref.WorkflowID, ref.RunID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", ref.Key())
	}
	return exec, err
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var status string
	var input, result, failure sql.NullString
	var continuedFrom, continuedTo sql.NullString
	var cancelRequested, wftOpen int
	var createdAt, updatedAt int64
	var closedAt sql.NullInt64
	err := row.Scan(&exec.WorkflowID, &exec.RunID, &exec.WorkflowType, &exec.TaskQueue, &status,
		&input, &result, &failure, &exec.Version, &continuedFrom, &continuedTo,
		&cancelRequested, &wftOpen, &createdAt, &updatedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan execution", err)
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Input = rawOrNil(input)
	exec.Result = rawOrNil(result)
	if failure.Valid && failure.String != "" {
		exec.Failure = &schema.Failure{}
		if err := json.Unmarshal([]byte(failure.String), exec.Failure); err != nil {
			return nil, storeErr("decode failure", err)
		}
	}
	exec.ContinuedFrom = continuedFrom.String
	exec.ContinuedTo = continuedTo.String
	exec.CancelRequested = cancelRequested != 0
	exec.WorkflowTaskOpen = wftOpen != 0
	exec.CreatedAt = fromNanos(createdAt)
	exec.UpdatedAt = fromNanos(updatedAt)
	if closedAt.Valid {
		t := fromNanos(closedAt.Int64)
		exec.ClosedAt = &t
	}
	return exec, nil
}

func insertExecution(ctx context.Context, q querier, exec *schema.Execution) error {
	failure, err := marshalFailure(exec.Failure)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.WorkflowID, exec.RunID, exec.WorkflowType, exec.TaskQueue, string(exec.Status),
		nullRaw(exec.Input), nullRaw(exec.Result), failure, exec.Version,
		nullStr(exec.ContinuedFrom), nullStr(exec.ContinuedTo),
		boolInt(exec.CancelRequested), boolInt(exec.WorkflowTaskOpen),
		toNanos(exec.CreatedAt), toNanos(timeOrNow(exec.UpdatedAt)), nullNanos(exec.ClosedAt),
	)
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

// updateExecution writes the folded snapshot back, guarded by the version the
// append was based on.
func updateExecution(ctx context.Context, q querier, exec *schema.Execution, expectedVersion int64) error {
	failure, err := marshalFailure(exec.Failure)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE executions SET status = ?, result = ?, failure = ?, version = ?, continued_to = ?,
		   cancel_requested = ?, wft_open = ?, updated_at = ?, closed_at = ?
		 WHERE workflow_id = ? AND run_id = ? AND version = ?`,
		string(exec.Status), nullRaw(exec.Result), failure, exec.Version, nullStr(exec.ContinuedTo),
		boolInt(exec.CancelRequested), boolInt(exec.WorkflowTaskOpen), toNanos(exec.UpdatedAt), nullNanos(exec.ClosedAt),
		exec.WorkflowID, exec.RunID, expectedVersion,
	)
	if err != nil {
		return storeErr("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update execution", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeVersionConflict, "run %s changed concurrently", exec.Ref())
	}
	return nil
}

func insertEvents(ctx context.Context, q querier, ref schema.ExecutionRef, events []schema.Event) error {
	for _, e := range events {
		_, err := q.ExecContext(ctx,
			`INSERT INTO events (workflow_id, run_id, sequence, event_type, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			ref.WorkflowID, ref.RunID, e.Sequence, string(e.Type), nullRaw(e.Payload), toNanos(e.Timestamp),
		)
		if err != nil {
			if isConstraintErr(err) {
				return schema.NewErrorf(schema.ErrCodeVersionConflict,
					"run %s: sequence %d already written", ref, e.Sequence).WithCause(err)
			}
			return storeErr("insert event", err)
		}
	}
	return nil
}

func setCurrentRun(ctx context.Context, q querier, ref schema.ExecutionRef) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO current_executions (workflow_id, run_id) VALUES (?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET run_id = excluded.run_id`,
		ref.WorkflowID, ref.RunID,
	)
	if err != nil {
		return storeErr("set current run", err)
	}
	return nil
}

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var params, status sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var createdAt int64
	if err := row.Scan(&job.ID, &job.WorkflowType, &job.CronExpression, &params, &enabled,
		&lastRun, &nextRun, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan scheduled job", err)
	}
	job.Params = rawOrNil(params)
	job.Enabled = enabled != 0
	job.LastRunStatus = status.String
	job.CreatedAt = fromNanos(createdAt)
	if lastRun.Valid {
		t := fromNanos(lastRun.Int64)
		job.LastRunAt = &t
	}
	if nextRun.Valid {
		t := fromNanos(nextRun.Int64)
		job.NextRunAt = &t
	}
	return job, nil
}

// --- Helpers ---

func storeErr(op string, err error) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s", op).WithCause(err)
}

func isConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func marshalFailure(f *schema.Failure) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, storeErr("encode failure", err)
	}
	return string(b), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
