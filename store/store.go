// Package store keeps an SQLite audit log of extraction runs and the
// generation calls made during them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/ontograph/llm"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("store: run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusExtracted = "extracted"
	StatusNoMatch   = "no_match"
	StatusFailed    = "failed"
)

// Run represents a row in the runs table.
type Run struct {
	ID            string     `json:"id"`
	Source        string     `json:"source"`
	Format        string     `json:"format,omitempty"`
	ContentHash   string     `json:"content_hash"`
	Status        string     `json:"status"`
	Library       string     `json:"library,omitempty"`
	Ontology      string     `json:"ontology,omitempty"`
	Score         int        `json:"score"`
	NodeCount     int        `json:"node_count"`
	RelationCount int        `json:"relation_count"`
	FailureCount  int        `json:"failure_count"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// RunOutcome is what FinishRun records.
type RunOutcome struct {
	Status        string
	Library       string
	Ontology      string
	Score         int
	NodeCount     int
	RelationCount int
	FailureCount  int
	Err           error
}

// GenerationCall represents a row in the generation_calls table.
type GenerationCall struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	RunID            string    `json:"run_id,omitempty"`
	Stage            string    `json:"stage"`
	Model            string    `json:"model"`
	Attempts         int       `json:"attempts"`
	LatencyMS        int64     `json:"latency_ms"`
	Outcome          string    `json:"outcome"`
	Error            string    `json:"error,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// StageStats aggregates the calls of one stage.
type StageStats struct {
	Stage            string `json:"stage"`
	Calls            int    `json:"calls"`
	Failed           int    `json:"failed"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Store wraps the SQLite database. It implements llm.CallObserver.
type Store struct {
	db *sql.DB
}

var _ llm.CallObserver = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and applies
// the schema and pending migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

type runKey struct{}

// WithRun tags ctx with a run ID so generation calls made under it are
// linked to the run.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFrom returns the run ID on ctx, if any.
func RunFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// --- Run operations ---

// BeginRun inserts a run in the running state.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source, format, content_hash, status)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Source, r.Format, r.ContentHash, StatusRunning)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id string, o RunOutcome) error {
	var errText sql.NullString
	if o.Err != nil {
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, library = ?, ontology = ?, score = ?,
			node_count = ?, relation_count = ?, failure_count = ?,
			error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, o.Status, o.Library, o.Ontology, o.Score,
		o.NodeCount, o.RelationCount, o.FailureCount,
		errText, id)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, source, COALESCE(format, ''), content_hash, status,
	COALESCE(library, ''), COALESCE(ontology, ''), score,
	node_count, relation_count, failure_count,
	COALESCE(error, ''), started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Source, &r.Format, &r.ContentHash, &r.Status,
		&r.Library, &r.Ontology, &r.Score,
		&r.NodeCount, &r.RelationCount, &r.FailureCount,
		&r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// LatestRunByHash returns the newest finished extracted run of a document
// with the given content hash.
func (s *Store) LatestRunByHash(ctx context.Context, hash string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+` FROM runs
		WHERE content_hash = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, hash, StatusExtracted)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no extracted run for hash %s", ErrRunNotFound, hash)
	}
	return r, err
}

// --- Generation call operations ---

// RecordCall inserts a generation call.
func (s *Store) RecordCall(ctx context.Context, runID string, rec llm.CallRecord) error {
	var run sql.NullString
	if runID != "" {
		run = sql.NullString{String: runID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_calls (request_id, run_id, stage, model, attempts, latency_ms, outcome, error, prompt_tokens, completion_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RequestID, run, rec.Stage, rec.Model, rec.Attempts, rec.Latency.Milliseconds(),
		rec.Outcome, rec.Error, rec.PromptTokens, rec.CompletionTokens)
	return err
}

// ObserveCall implements llm.CallObserver. The call is linked to the run
// on ctx. Write failures are logged, never returned to the caller.
func (s *Store) ObserveCall(ctx context.Context, rec llm.CallRecord) {
	// The call's own context may already be canceled; the audit row is
	// still written.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.RecordCall(wctx, RunFrom(ctx), rec); err != nil {
		slog.Warn("store: recording generation call failed",
			"request_id", rec.RequestID, "stage", rec.Stage, "error", err)
	}
}

// Calls returns the generation calls of a run in insertion order.
func (s *Store) Calls(ctx context.Context, runID string) ([]GenerationCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, COALESCE(run_id, ''), stage, COALESCE(model, ''), attempts,
			latency_ms, outcome, COALESCE(error, ''), prompt_tokens, completion_tokens, created_at
		FROM generation_calls WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GenerationCall
	for rows.Next() {
		var c GenerationCall
		if err := rows.Scan(&c.ID, &c.RequestID, &c.RunID, &c.Stage, &c.Model, &c.Attempts,
			&c.LatencyMS, &c.Outcome, &c.Error, &c.PromptTokens, &c.CompletionTokens, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StageStats aggregates a run's calls per stage, ordered by stage name.
func (s *Store) StageStats(ctx context.Context, runID string) ([]StageStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COUNT(*),
			SUM(CASE WHEN outcome = 'ok' THEN 0 ELSE 1 END),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM generation_calls WHERE run_id = ?
		GROUP BY stage ORDER BY stage
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageStats
	for rows.Next() {
		var st StageStats
		if err := rows.Scan(&st.Stage, &st.Calls, &st.Failed, &st.PromptTokens, &st.CompletionTokens); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
