//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ontograph/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "audit.db")
	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()
	assert.NotNil(t, s.DB())
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	// Re-running is a no-op.
	require.NoError(t, s.Migrate(ctx))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-1", Source: "contract.pdf", Format: "pdf", ContentHash: "abc"}))

	r, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Nil(t, r.FinishedAt)
	assert.False(t, r.StartedAt.IsZero())

	require.NoError(t, s.FinishRun(ctx, "run-1", RunOutcome{
		Status:        StatusExtracted,
		Library:       "Legal",
		Ontology:      "Contract",
		Score:         85,
		NodeCount:     4,
		RelationCount: 3,
	}))

	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExtracted, r.Status)
	assert.Equal(t, "Contract", r.Ontology)
	assert.Equal(t, 85, r.Score)
	assert.Equal(t, 4, r.NodeCount)
	assert.Empty(t, r.Error)
	assert.NotNil(t, r.FinishedAt)

	found, err := s.LatestRunByHash(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "run-1", found.ID)
}

func TestFinishRunWithError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-2", Source: "x.txt", ContentHash: "h"}))
	require.NoError(t, s.FinishRun(ctx, "run-2", RunOutcome{Status: StatusFailed, Err: errors.New("boom")}))

	r, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "boom", r.Error)

	_, err = s.LatestRunByHash(ctx, "h")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	err = s.FinishRun(ctx, "missing", RunOutcome{Status: StatusNoMatch})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.BeginRun(ctx, Run{ID: id, Source: id + ".txt", ContentHash: id}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

// ---------------------------------------------------------------------------
// Generation calls
// ---------------------------------------------------------------------------

func TestObserveCallLinksRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-3", Source: "c.pdf", ContentHash: "h3"}))

	runCtx := WithRun(ctx, "run-3")
	assert.Equal(t, "run-3", RunFrom(runCtx))
	assert.Empty(t, RunFrom(ctx))

	s.ObserveCall(runCtx, llm.CallRecord{
		RequestID: "req-1", Stage: "extract_direct", Model: "gpt-4o-mini",
		Attempts: 1, Latency: 1500 * time.Millisecond, Outcome: "ok",
		PromptTokens: 100, CompletionTokens: 20,
	})
	s.ObserveCall(runCtx, llm.CallRecord{
		RequestID: "req-2", Stage: "judge_relation", Attempts: 2, Outcome: "error", Error: "timeout",
	})
	s.ObserveCall(runCtx, llm.CallRecord{
		RequestID: "req-3", Stage: "extract_direct", Attempts: 1, Outcome: "ok", PromptTokens: 50, CompletionTokens: 5,
	})
	// Unlinked calls are kept out of the run.
	s.ObserveCall(ctx, llm.CallRecord{RequestID: "req-4", Stage: "classify_library", Attempts: 1, Outcome: "ok"})

	calls, err := s.Calls(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, "req-1", calls[0].RequestID)
	assert.Equal(t, int64(1500), calls[0].LatencyMS)
	assert.Equal(t, "timeout", calls[1].Error)

	stats, err := s.StageStats(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, []StageStats{
		{Stage: "extract_direct", Calls: 2, Failed: 0, PromptTokens: 150, CompletionTokens: 25},
		{Stage: "judge_relation", Calls: 1, Failed: 1},
	}, stats)
}

func TestObserveCallAfterCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-4", Source: "c.pdf", ContentHash: "h4"}))
	cancel()

	s.ObserveCall(WithRun(ctx, "run-4"), llm.CallRecord{RequestID: "req-c", Stage: "judge_relation", Attempts: 1, Outcome: "canceled"})

	calls, err := s.Calls(context.Background(), "run-4")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "canceled", calls[0].Outcome)
}
