package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/render-experiments/internal/experiment"
	"github.com/psantana5/render-experiments/internal/report"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func iteration(label string, failPath bool) *experiment.IterationResult {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	path := &report.Result{
		JobID: "path-" + label, Iteration: label, Role: report.RolePath, Name: "Path",
		PID: 101, Reason: report.ReasonSuccess,
		StartTime: start, EndTime: start.Add(2 * time.Second), Duration: 2 * time.Second,
		Diagnostic: json.RawMessage(`{"spp":128}`),
	}
	if failPath {
		path.ExitCode, path.Reason, path.Failed = 1, report.ReasonError, true
	}
	server := &report.Result{
		JobID: "server-" + label, Iteration: label, Role: report.RoleServer, Name: "Ours (trained one)",
		PID: 100, Reason: report.ReasonCanceled,
		StartTime: start.Add(-time.Second), EndTime: start.Add(3 * time.Second), Duration: 4 * time.Second,
	}
	return &experiment.IterationResult{Label: label, Results: report.Results{server, path}}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	require.NoError(t, s.BeginRun(ctx, "run-1", []string{"0000", "0001"}, started))
	require.NoError(t, s.RecordIteration(ctx, "run-1", iteration("0000", false)))
	require.NoError(t, s.RecordIteration(ctx, "run-1", iteration("0001", true)))
	require.NoError(t, s.FinishRun(ctx, "run-1", time.Now(), 1, false))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, []string{"0000", "0001"}, run.Labels)
	assert.Equal(t, 2, run.Iterations)
	assert.Equal(t, 1, run.FailedJobs)
	assert.False(t, run.Canceled)
	require.NotNil(t, run.EndedAt)
	assert.WithinDuration(t, started, run.StartedAt, time.Second)

	jobs, err := s.ListJobs(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, 1, jobs.Failed())

	failed := jobs.ByRole(report.RolePath)[1]
	assert.Equal(t, "0001", failed.Iteration)
	assert.Equal(t, report.ReasonError, failed.Reason)
	assert.Equal(t, 1, failed.ExitCode)
	assert.Equal(t, 2*time.Second, failed.Duration)
	assert.JSONEq(t, `{"spp":128}`, string(failed.Diagnostic))

	server := jobs.ByRole(report.RoleServer)[0]
	assert.Empty(t, server.Diagnostic)
	assert.Equal(t, 100, server.PID)
}

func TestUnfinishedRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginRun(ctx, "abc-123", []string{"0000"}, time.Now()))
	run, err := s.GetRun(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, run.EndedAt)

	_, err = s.GetRun(ctx, "zzz")
	assert.Error(t, err)
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginRun(ctx, "ab-1", nil, time.Now()))
	require.NoError(t, s.BeginRun(ctx, "ab-2", nil, time.Now()))

	_, err := s.GetRun(ctx, "ab")
	assert.ErrorContains(t, err, "ambiguous")

	run, err := s.GetRun(ctx, "ab-2")
	require.NoError(t, err)
	assert.Equal(t, "ab-2", run.ID)
}

func TestFinishUnknownRun(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.FinishRun(context.Background(), "missing", time.Now(), 0, true))
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.BeginRun(ctx, id, []string{"0000"}, base.Add(time.Duration(i)*time.Hour)))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
}

func TestPruneKeepsRecentAndUnfinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.BeginRun(ctx, "old", []string{"0000"}, now.Add(-48*time.Hour)))
	require.NoError(t, s.RecordIteration(ctx, "old", iteration("0000", false)))
	require.NoError(t, s.FinishRun(ctx, "old", now.Add(-47*time.Hour), 0, false))

	require.NoError(t, s.BeginRun(ctx, "old-unfinished", []string{"0000"}, now.Add(-48*time.Hour)))

	require.NoError(t, s.BeginRun(ctx, "recent", []string{"0001"}, now))
	require.NoError(t, s.RecordIteration(ctx, "recent", iteration("0001", false)))
	require.NoError(t, s.FinishRun(ctx, "recent", now, 0, false))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Vacuum(ctx))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"old-unfinished", "recent"}, ids)

	jobs, err := s.ListJobs(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
