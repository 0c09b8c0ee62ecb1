package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-labs/shotprep/constants"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	s.StartRun(ctx, "run-a", "photos.xlsx", "balanced")
	s.RecordItem(ctx, "run-a", "sku-1", constants.VerdictAutoAccept, constants.BackendPrimary, "clean")
	s.RecordItem(ctx, "run-a", "sku-2", constants.VerdictNeedsReview, constants.BackendSecondary, "two components")
	s.FinishRun(ctx, "run-a", constants.RunStatusCompleted, 2, 0, 1)

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, "run-a", r.ID)
	assert.Equal(t, "photos.xlsx", r.Dataset)
	assert.Equal(t, constants.RunStatusCompleted, r.Status)
	assert.Equal(t, 2, r.Processed)
	assert.Equal(t, 1, r.Reviewed)
	require.NotNil(t, r.FinishedAt)
}

func TestRunsNewestFirst(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	s.StartRun(ctx, "run-old", "a.xlsx", "balanced")
	time.Sleep(5 * time.Millisecond) // started_at must differ
	s.StartRun(ctx, "run-new", "b.xlsx", "balanced")

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].ID)
	assert.Equal(t, "run-old", runs[1].ID)
}

func TestRunsLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.StartRun(ctx, string(rune('a'+i)), "d.xlsx", "balanced")
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := s.Runs(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

// RecordItem replaces on conflict: re-processing an item after a resumed
// run must not error out or duplicate rows.
func TestRecordItemIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	s.StartRun(ctx, "run-a", "d.xlsx", "balanced")
	s.RecordItem(ctx, "run-a", "sku-1", constants.VerdictNeedsReview, constants.BackendPrimary, "first")
	s.RecordItem(ctx, "run-a", "sku-1", constants.VerdictAutoAccept, constants.BackendPrimary, "second try")

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM items WHERE run_id = 'run-a'`).Scan(&count))
	assert.Equal(t, 1, count)
}
