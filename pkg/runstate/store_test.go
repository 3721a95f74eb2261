package runstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRun(id string) *Run {
	r := NewRun(id, "build a calculator", "build_a_calculator_20260301_120000", "/tmp/ws", 10, epoch)
	r.AppendRecord(PhaseRecord{Phase: PhasePlanning, ArtifactRef: "abc123", Confidence: 95, Outcome: OutcomeOK, Summary: "plan", At: epoch.Add(time.Second)})
	r.Move(PhaseArchitecture, StatusActive, "planning ok", epoch.Add(time.Second))
	r.AppendRecord(PhaseRecord{Phase: PhaseArchitecture, ArtifactRef: "def456", Confidence: 91, Outcome: OutcomeOK, At: epoch.Add(2 * time.Second)})
	r.Move(PhaseCoding, StatusActive, "architecture ok", epoch.Add(2*time.Second))
	r.PendingDebug = []DebugAttempt{{Seq: 1, FailureSummary: "boom", Fingerprint: "ff", Outcome: AttemptFailed, At: epoch}}
	r.LastTest = &TestResult{Passed: false, Diagnostics: []Diagnostic{{Kind: DiagTestFailure, Message: "test_add"}}, ExitCode: 1, Duration: 3 * time.Second, At: epoch}
	r.Stats = Stats{FilesCreated: 2, TestsRun: 1}
	r.CheckpointAt = epoch.Add(3 * time.Second)
	return r
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	file, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{BackendFile: file, BackendSQLite: sqlite}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			run := sampleRun("run-1")
			require.NoError(t, store.Save(ctx, run))

			loaded, err := store.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, run, loaded)
		})
	}
}

func TestStoreLoadNotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListActive(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			active := sampleRun("a")
			paused := sampleRun("b")
			paused.Move(paused.Phase, StatusPaused, "pause", epoch.Add(time.Minute))
			failed := sampleRun("c")
			failed.Move(PhaseFailed, StatusFailed, "budget", epoch.Add(2*time.Minute))

			for _, r := range []*Run{active, paused, failed} {
				require.NoError(t, store.Save(ctx, r))
			}

			ids, err := store.ListActive(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, ids)

			all, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[2].ID)
			assert.Equal(t, StatusFailed, all[2].Status)
		})
	}
}

func TestStoreOverwriteKeepsLatest(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			run := sampleRun("r")
			require.NoError(t, store.Save(ctx, run))

			run.AppendRecord(PhaseRecord{Phase: PhaseCoding, Confidence: 80, Outcome: OutcomeOK, At: epoch.Add(time.Hour)})
			run.Move(PhaseTestAuthoring, StatusActive, "coding ok", epoch.Add(time.Hour))
			require.NoError(t, store.Save(ctx, run))

			loaded, err := store.Load(ctx, "r")
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.Iteration)
			assert.Equal(t, PhaseTestAuthoring, loaded.Phase)
		})
	}
}

func TestStoreConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 40)
			for i := 0; i < 4; i++ {
				id := fmt.Sprintf("run-%d", i)
				run := sampleRun(id)
				for j := 0; j < 10; j++ {
					wg.Add(1)
					go func(r Run) {
						defer wg.Done()
						errs <- store.Save(ctx, &r)
					}(*run)
				}
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			for i := 0; i < 4; i++ {
				loaded, err := store.Load(ctx, fmt.Sprintf("run-%d", i))
				require.NoError(t, err)
				assert.Equal(t, 2, loaded.Iteration)
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(ctx, sampleRun("gone")))
			require.NoError(t, store.Delete(ctx, "gone"))
			_, err := store.Load(ctx, "gone")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	err = store.Save(context.Background(), &Run{})
	require.ErrorIs(t, err, ErrPersistence)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleRun("tidy")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
	assert.FileExists(t, filepath.Join(dir, "RUN_tidy.json"))
	assert.FileExists(t, filepath.Join(dir, "RUN_tidy.summary.json"))
}

func TestFileStoreRejectsCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "RUN_bad.json"), []byte(`{"id":"bad","phase":"CODING","status":"ACTIVE"}`), 0644))
	_, err = store.Load(context.Background(), "bad")
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "RUN_trunc.json"), []byte(`{"id":"tr`), 0644))
	_, err = store.Load(context.Background(), "trunc")
	require.ErrorIs(t, err, ErrPersistence)
}

func TestSQLiteStoreMirrorsPhaseRecordsOnce(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	run := sampleRun("mirror")
	require.NoError(t, store.Save(ctx, run))
	require.NoError(t, store.Save(ctx, run))

	run.AppendRecord(PhaseRecord{Phase: PhaseCoding, Confidence: 88, Outcome: OutcomeOK, Summary: "code", At: epoch.Add(4 * time.Second)})
	require.NoError(t, store.Save(ctx, run))

	history, err := store.History(ctx, "mirror")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Seq)
	}
	assert.Equal(t, PhaseCoding, history[2].Phase)
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleRun("persisted")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	version, err := GetSchemaVersion(reopened.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	_, err = reopened.Load(ctx, "persisted")
	require.NoError(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("etcd", t.TempDir())
	require.Error(t, err)
}

func TestStoreHistory(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			run := sampleRun("hist")
			run.History[0].Detail = `{"plan":"..."}`
			require.NoError(t, store.Save(ctx, run))

			history, err := store.History(ctx, "hist")
			require.NoError(t, err)
			require.Len(t, history, 2)

			first := history[0]
			assert.Equal(t, 1, first.Seq)
			assert.Equal(t, PhasePlanning, first.Phase)
			assert.Equal(t, OutcomeOK, first.Outcome)
			assert.Equal(t, 95, first.Confidence)
			assert.Equal(t, "abc123", first.ArtifactRef)
			assert.Equal(t, "plan", first.Summary)
			assert.True(t, first.At.Equal(epoch.Add(time.Second)))
			assert.Empty(t, first.Detail)
			assert.Equal(t, PhaseArchitecture, history[1].Phase)

			_, err = store.History(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
