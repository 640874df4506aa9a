package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/taskgraph/pkg/model"

	_ "modernc.org/sqlite"
)

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
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
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

// --- Workflows ---

// SaveWorkflow inserts wf or replaces the stored definition with the same id.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "upsert", "table", "workflows", "id", wf.ID)

	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, default_workspace, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   default_workspace = excluded.default_workspace,
		   steps = excluded.steps,
		   updated_at = excluded.updated_at`,
		wf.ID, wf.Name, wf.Description, wf.DefaultWorkspace, string(stepsJSON), now, now,
	)
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "id", id)

	var wf model.Workflow
	var stepsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, default_workspace, steps FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.Description, &wf.DefaultWorkspace, &stepsJSON)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &wf, nil
}

// --- Runs ---

const runColumns = `id, workflow_id, workflow_name, status, batches, usage, resumed_from, last_checkpoint,
	abort_step, abort_cause, report, started_at, ended_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	report, err := marshalReport(run.Report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowName, string(run.Status), run.Batches, run.Usage,
		run.ResumedFrom, run.LastCheckpoint, run.AbortStep, run.AbortCause, report,
		run.StartedAt.Format(time.RFC3339Nano), formatTimePtr(run.EndedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, opts.Status)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + runColumns + ` FROM runs` + whereSQL + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.RunRecord) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "status", run.Status)

	report, err := marshalReport(run.Report)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, batches = ?, usage = ?, resumed_from = ?, last_checkpoint = ?,
		   abort_step = ?, abort_cause = ?, report = ?, ended_at = ?
		 WHERE id = ?`,
		string(run.Status), run.Batches, run.Usage, run.ResumedFrom, run.LastCheckpoint,
		run.AbortStep, run.AbortCause, report, formatTimePtr(run.EndedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, model.ErrNotFound)
	}
	return nil
}

// --- Step events ---

func (s *SQLiteStore) AddStepEvent(ctx context.Context, ev *model.StepEvent) error {
	s.logger.Debug("sql", "op", "insert", "table", "step_events", "run_id", ev.RunID, "step_id", ev.StepID)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_events (run_id, step_id, worker, attempt, iteration, action, result, error, usage, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.StepID, ev.Worker, ev.Attempt, ev.Iteration, ev.Action, ev.Result, ev.Error, ev.Usage,
		ev.StartedAt.Format(time.RFC3339Nano), ev.EndedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// ListStepEvents returns the events of a run in insertion order.
func (s *SQLiteStore) ListStepEvents(ctx context.Context, runID string) ([]*model.StepEvent, error) {
	s.logger.Debug("sql", "op", "list", "table", "step_events", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, worker, attempt, iteration, action, result, error, usage, started_at, ended_at
		 FROM step_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.StepEvent
	for rows.Next() {
		var ev model.StepEvent
		var startedAt, endedAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepID, &ev.Worker, &ev.Attempt, &ev.Iteration,
			&ev.Action, &ev.Result, &ev.Error, &ev.Usage, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		ev.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		ev.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.RunRecord, error) {
	var run model.RunRecord
	var status, report, startedAt string
	var endedAt *string
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &status, &run.Batches, &run.Usage,
		&run.ResumedFrom, &run.LastCheckpoint, &run.AbortStep, &run.AbortCause, &report,
		&startedAt, &endedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.EndedAt = parseTimePtr(endedAt)
	if report != "" {
		run.Report = &model.RunReport{}
		if err := json.Unmarshal([]byte(report), run.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
	}
	return &run, nil
}

func marshalReport(r *model.RunReport) (string, error) {
	if r == nil {
		return "", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data), nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
