package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/me/tskmgr/pkg/model"
)

// timeLayout is fixed width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// rowLock is appended to the LockRun select.
	rowLock string
	// claimLock is appended to the claim candidate subquery.
	claimLock string
	// wrapErr adds backend detail to driver errors.
	wrapErr func(error) error
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
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

func (d dialect) err(err error) error {
	if err == nil || d.wrapErr == nil {
		return err
	}
	return d.wrapErr(err)
}

// queries implements Querier on top of a dbtx.
type queries struct {
	q      dbtx
	d      dialect
	logger *slog.Logger
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.d.rebind(query), args...)
	return res, s.d.err(err)
}

func (s *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), args...)
	return rows, s.d.err(err)
}

func (s *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// --- Runs ---

const runColumns = `id, name, change_set_id, status, created_at, updated_at, ended_at`

func (s *queries) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.ChangeSetID, string(run.Status),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt), formatTimePtr(run.EndedAt),
	)
	return err
}

func (s *queries) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
}

func (s *queries) LockRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "lock", "table", "runs", "id", id)
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`+s.d.rowLock, id)
}

func (s *queries) getRun(ctx context.Context, query, id string) (*model.Run, error) {
	run, err := scanRun(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.d.err(err)
	}
	return run, nil
}

func (s *queries) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.Status != "" {
		whereSQL = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, s.d.err(err)
	}

	rows, err := s.query(ctx,
		`SELECT `+runColumns+` FROM runs`+whereSQL+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *queries) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "status", run.Status)

	result, err := s.exec(ctx,
		`UPDATE runs SET name = ?, change_set_id = ?, status = ?, updated_at = ?, ended_at = ? WHERE id = ?`,
		run.Name, run.ChangeSetID, string(run.Status),
		formatTime(run.UpdatedAt), formatTimePtr(run.EndedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, model.ErrRunNotFound)
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, run_id, change_set_id, name, type, command, arguments, options,
	status, avg_duration, runner_id, runner_host, seq, created_at, started_at, ended_at, duration, cached`

func (s *queries) InsertTasks(ctx context.Context, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert_batch", "table", "tasks", "count", len(tasks))

	seqs := make(map[string]int64)
	for _, task := range tasks {
		if _, ok := seqs[task.RunID]; ok {
			continue
		}
		var maxSeq int64
		if err := s.queryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM tasks WHERE run_id = ?`, task.RunID,
		).Scan(&maxSeq); err != nil {
			return s.d.err(err)
		}
		seqs[task.RunID] = maxSeq
	}

	for _, task := range tasks {
		argsJSON, err := json.Marshal(nonNilArgs(task.Arguments))
		if err != nil {
			return fmt.Errorf("marshal arguments: %w", err)
		}
		optsJSON, err := json.Marshal(nonNilOptions(task.Options))
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}

		sigKey, err := task.Signature().Key()
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}

		seqs[task.RunID]++
		task.Seq = seqs[task.RunID]

		_, err = s.exec(ctx,
			`INSERT INTO tasks (`+taskColumns+`, sig_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.RunID, task.ChangeSetID, task.Name, task.Type, task.Command,
			string(argsJSON), string(optsJSON), string(task.Status),
			nullFloat(task.AvgDuration), task.RunnerID, task.RunnerHost, task.Seq,
			formatTime(task.CreatedAt), formatTimePtr(task.StartedAt), formatTimePtr(task.EndedAt),
			nullFloat(task.Duration), task.Cached, sigKey,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}
	return nil
}

func (s *queries) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	task, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.d.err(err)
	}
	return task, nil
}

func (s *queries) ListTasksByRun(ctx context.Context, runID string) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks", "run_id", runID)
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE run_id = ? ORDER BY seq`, runID)
}

func (s *queries) ClaimTask(ctx context.Context, req ClaimRequest) (*model.Task, error) {
	s.logger.Debug("sql", "op", "claim", "table", "tasks",
		"run_id", req.RunID, "runner_id", req.RunnerID, "predicate", req.Predicate)

	query, err := claimSQL(req.Predicate, s.d)
	if err != nil {
		return nil, err
	}
	task, err := scanTask(s.queryRow(ctx, query,
		formatTime(req.Now), req.RunnerID, req.RunnerHost,
		req.RunID, req.RunnerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.d.err(err)
	}
	return task, nil
}

func (s *queries) FinishTask(ctx context.Context, req FinishRequest) (bool, error) {
	s.logger.Debug("sql", "op", "finish", "table", "tasks", "id", req.TaskID, "status", req.Status)

	if !req.Status.IsTerminal() {
		return false, fmt.Errorf("finish task %s: status %s is not terminal", req.TaskID, req.Status)
	}
	result, err := s.exec(ctx,
		`UPDATE tasks SET status = ?, ended_at = ?, duration = ?, cached = ?
		 WHERE id = ? AND status = ? AND ended_at IS NULL`,
		string(req.Status), formatTime(req.EndedAt), req.Duration, req.Cached,
		req.TaskID, string(model.TaskStatusStarted),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, s.d.err(err)
	}
	return n == 1, nil
}

func (s *queries) FindCompleted(ctx context.Context, q CompletedQuery) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "find_completed", "table", "tasks",
		"change_set_id", q.ChangeSetID, "limit", q.Limit)

	where := []string{"sig_key = ?", "status = ?"}
	args := []any{q.SignatureKey, string(model.TaskStatusCompleted)}
	if q.ChangeSetID != "" {
		where = append(where, "change_set_id = ?")
		args = append(args, q.ChangeSetID)
	}
	if q.ExcludeCached {
		where = append(where, "cached = ?")
		args = append(args, false)
	}
	if q.RequireRunner {
		where = append(where, "runner_id <> ''")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	args = append(args, limit)

	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(where, " AND ")+
			` ORDER BY ended_at DESC, seq DESC LIMIT ?`, args...)
}

func (s *queries) CountUnfinished(ctx context.Context, runID string) (int, error) {
	s.logger.Debug("sql", "op", "count_unfinished", "table", "tasks", "run_id", runID)

	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE run_id = ? AND status NOT IN (?, ?)`,
		runID, string(model.TaskStatusCompleted), string(model.TaskStatusFailed),
	).Scan(&n)
	return n, s.d.err(err)
}

func (s *queries) listTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, s.d.err(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, s.d.err(rows.Err())
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var status, createdAt, updatedAt string
	var endedAt sql.NullString

	if err := row.Scan(&run.ID, &run.Name, &run.ChangeSetID, &status,
		&createdAt, &updatedAt, &endedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.EndedAt = parseTimePtr(endedAt)
	return &run, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var argsJSON, optsJSON, status, createdAt string
	var startedAt, endedAt sql.NullString
	var avgDuration, duration sql.NullFloat64

	if err := row.Scan(
		&task.ID, &task.RunID, &task.ChangeSetID, &task.Name, &task.Type, &task.Command,
		&argsJSON, &optsJSON, &status, &avgDuration, &task.RunnerID, &task.RunnerHost,
		&task.Seq, &createdAt, &startedAt, &endedAt, &duration, &task.Cached,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &task.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &task.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	if len(task.Options) == 0 {
		task.Options = nil
	}
	task.Status = model.TaskStatus(status)
	task.AvgDuration = floatPtr(avgDuration)
	task.Duration = floatPtr(duration)
	task.CreatedAt = parseTime(createdAt)
	task.StartedAt = parseTimePtr(startedAt)
	task.EndedAt = parseTimePtr(endedAt)
	return &task, nil
}

// --- Value helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nonNilArgs(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

func nonNilOptions(opts map[string]any) map[string]any {
	if opts == nil {
		return map[string]any{}
	}
	return opts
}
