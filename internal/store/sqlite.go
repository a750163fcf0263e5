package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/docket/pkg/condition"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so that stored UTC times sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// The docket is the only writer. One connection also keeps a ":memory:"
	// database from being split across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

type runColumns struct {
	args, times, meta, conds, prog, runState string
	result                                   *string
}

func encodeRun(run *model.Run) (*runColumns, error) {
	var c runColumns
	args := run.Inst.Args
	if args == nil {
		args = map[string]string{}
	}
	for _, f := range []struct {
		name string
		v    any
		dst  *string
	}{
		{"args", args, &c.args},
		{"times", run.Times, &c.times},
		{"meta", run.Meta, &c.meta},
		{"run_state", run.ExecState, &c.runState},
	} {
		data, err := json.Marshal(f.v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.name, err)
		}
		*f.dst = string(data)
	}

	conds := make([]json.RawMessage, 0, len(run.Conditions))
	for _, cond := range run.Conditions {
		data, err := condition.Marshal(cond)
		if err != nil {
			return nil, fmt.Errorf("marshal conditions: %w", err)
		}
		conds = append(conds, data)
	}
	data, err := json.Marshal(conds)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}
	c.conds = string(data)

	if run.Program != nil {
		data, err := program.Marshal(run.Program)
		if err != nil {
			return nil, fmt.Errorf("marshal program: %w", err)
		}
		c.prog = string(data)
	}
	if run.Result != nil {
		data, err := json.Marshal(run.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		r := string(data)
		c.result = &r
	}
	return &c, nil
}

func (s *SQLiteStore) InsertRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	c, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, job_id, args, time, rerun, state, times, meta,
		 conditions, program, run_state, message, result, inst_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Inst.JobID, c.args, formatTime(run.Inst.Time), run.Rerun,
		string(run.State), c.times, c.meta, c.conds, c.prog, c.runState,
		run.Message, c.result, run.Inst.Key(),
	)
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "state", run.State)

	c, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, times=?, meta=?, conditions=?, program=?,
		 run_state=?, message=?, result=? WHERE id=?`,
		string(run.State), c.times, c.meta, c.conds, c.prog,
		c.runState, run.Message, c.result, run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

const runSelect = `SELECT id, job_id, args, time, rerun, state, times, meta,
	conditions, program, run_state, message, result FROM runs`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)
	return s.scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
}

// runWhere builds the WHERE clause for a filter.
func runWhere(f model.RunFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.JobID != "" {
		clauses = append(clauses, "job_id = ?")
		args = append(args, f.JobID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ", ")+")")
	}
	for k, v := range f.Args {
		clauses = append(clauses, "json_extract(args, ?) = ?")
		args = append(args, `$."`+strings.ReplaceAll(k, `"`, `\"`)+`"`, v)
	}
	if f.Rerun != "" {
		clauses = append(clauses, "rerun = ?")
		args = append(args, f.Rerun)
	}
	if f.InstKey != "" {
		clauses = append(clauses, "inst_key = ?")
		args = append(args, f.InstKey)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "time >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "time < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) QueryRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "query", "table", "runs", "job_id", filter.JobID, "limit", filter.Limit)

	where, args := runWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := runSelect + where + ` ORDER BY time, id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// --- Ad hoc jobs ---

func (s *SQLiteStore) InsertJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, job, created_at) VALUES (?, ?, ?)`,
		job.ID, string(data), formatTime(time.Now()),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT job FROM jobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs")

	rows, err := s.db.QueryContext(ctx, `SELECT id, job FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var job model.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// --- Meta ---

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	s.logger.Debug("sql", "op", "upsert", "table", "meta", "key", key)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var args, schedTime, state, times, meta, conds, prog, runState string
	var result *string

	err := row.Scan(
		&run.ID, &run.Inst.JobID, &args, &schedTime, &run.Rerun, &state,
		&times, &meta, &conds, &prog, &runState, &run.Message, &result,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.State = model.RunState(state)
	run.Inst.Time, err = time.Parse(timeFormat, schedTime)
	if err != nil {
		return nil, fmt.Errorf("run %s: parse time: %w", run.ID, err)
	}
	for _, f := range []struct {
		name string
		src  string
		dst  any
	}{
		{"args", args, &run.Inst.Args},
		{"times", times, &run.Times},
		{"meta", meta, &run.Meta},
		{"run_state", runState, &run.ExecState},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("run %s: unmarshal %s: %w", run.ID, f.name, err)
		}
	}
	if run.Conditions, err = condition.UnmarshalList([]byte(conds)); err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	if prog != "" {
		if run.Program, err = program.Unmarshal([]byte(prog)); err != nil {
			return nil, fmt.Errorf("run %s: %w", run.ID, err)
		}
	}
	if result != nil {
		run.Result = &program.Result{}
		if err := json.Unmarshal([]byte(*result), run.Result); err != nil {
			return nil, fmt.Errorf("run %s: unmarshal result: %w", run.ID, err)
		}
	}
	return &run, nil
}
