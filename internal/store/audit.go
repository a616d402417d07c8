package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/rahul/datastory/internal/report"
	"github.com/rahul/datastory/internal/search"
)

var ErrNotFound = errors.New("not found")

// AuditStore persists runs, per-iteration audit records and the best
// snapshot of each run in SQLite.
type AuditStore struct {
	DB *sql.DB
}

var _ search.AuditSink = (*AuditStore)(nil)

func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Rollout workers share a single connection.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			query TEXT,
			dataset TEXT,
			status TEXT,
			best_reward REAL DEFAULT 0,
			iterations INTEGER DEFAULT 0,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			iteration_index INTEGER,
			total_reward REAL,
			reward_breakdown TEXT,
			final_stage TEXT,
			tree_depth INTEGER,
			chapter_count INTEGER,
			chart_count INTEGER,
			default_reward INTEGER,
			fallback_state INTEGER,
			timestamp TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations (run_id, iteration_index);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT PRIMARY KEY,
			reward REAL,
			report TEXT,
			saved_at TEXT
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &AuditStore{DB: db}, nil
}

func (s *AuditStore) Close() error {
	return s.DB.Close()
}

func (s *AuditStore) StartRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	query := `INSERT INTO runs (id, query, dataset, status, started_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, run.ID, run.Query, run.Dataset, string(run.Status), formatTime(run.StartedAt))
	return err
}

func (s *AuditStore) FinishRun(ctx context.Context, runID string, status RunStatus, bestReward float64, iterations int) error {
	query := `UPDATE runs SET status = ?, best_reward = ?, iterations = ?, finished_at = ? WHERE id = ?`
	res, err := s.DB.ExecContext(ctx, query, string(status), bestReward, iterations, formatTime(time.Now().UTC()), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (s *AuditStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, query, dataset, status, best_reward, iterations, started_at, finished_at FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// Runs lists the most recent runs first.
func (s *AuditStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, query, dataset, status, best_reward, iterations, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var run Run
	var status, started string
	var finished sql.NullString
	if err := sc.Scan(&run.ID, &run.Query, &run.Dataset, &status, &run.BestReward, &run.Iterations, &started, &finished); err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = parseTime(started)
	if finished.Valid {
		run.FinishedAt = parseTime(finished.String)
	}
	return run, nil
}

// Record appends one iteration audit record.
func (s *AuditStore) Record(ctx context.Context, rec search.AuditRecord) error {
	breakdown, err := json.Marshal(rec.RewardBreakdown)
	if err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	query := `INSERT INTO iterations (run_id, iteration_index, total_reward, reward_breakdown, final_stage,
		tree_depth, chapter_count, chart_count, default_reward, fallback_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, query,
		rec.RunID, rec.IterationIndex, rec.TotalReward, string(breakdown), string(rec.FinalStage),
		rec.TreeDepth, rec.ChapterCount, rec.ChartCount, rec.DefaultReward, rec.FallbackState,
		formatTime(rec.Timestamp))
	return err
}

// List returns the audit records of a run in iteration order.
func (s *AuditStore) List(ctx context.Context, runID string) ([]search.AuditRecord, error) {
	query := `SELECT iteration_index, total_reward, reward_breakdown, final_stage, tree_depth,
		chapter_count, chart_count, default_reward, fallback_state, timestamp
		FROM iterations WHERE run_id = ? ORDER BY iteration_index, id`
	rows, err := s.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []search.AuditRecord
	for rows.Next() {
		rec := search.AuditRecord{RunID: runID}
		var breakdown, stage, ts string
		if err := rows.Scan(&rec.IterationIndex, &rec.TotalReward, &breakdown, &stage, &rec.TreeDepth,
			&rec.ChapterCount, &rec.ChartCount, &rec.DefaultReward, &rec.FallbackState, &ts); err != nil {
			return nil, err
		}
		if breakdown != "" && breakdown != "null" {
			if err := json.Unmarshal([]byte(breakdown), &rec.RewardBreakdown); err != nil {
				return nil, fmt.Errorf("iteration %d breakdown: %w", rec.IterationIndex, err)
			}
		}
		rec.FinalStage = report.Stage(stage)
		rec.Timestamp = parseTime(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveSnapshot stores the best report of a run, replacing any earlier one.
func (s *AuditStore) SaveSnapshot(ctx context.Context, runID string, r *report.Report, reward float64) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	query := `INSERT INTO snapshots (run_id, reward, report, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET reward = excluded.reward, report = excluded.report, saved_at = excluded.saved_at`
	_, err = s.DB.ExecContext(ctx, query, runID, reward, string(data), formatTime(time.Now().UTC()))
	return err
}

func (s *AuditStore) LoadSnapshot(ctx context.Context, runID string) (*report.Report, float64, error) {
	var data string
	var reward float64
	err := s.DB.QueryRowContext(ctx, `SELECT report, reward FROM snapshots WHERE run_id = ?`, runID).Scan(&data, &reward)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("snapshot %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	r, err := report.Unmarshal([]byte(data))
	if err != nil {
		return nil, 0, err
	}
	return r, reward, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
