package recovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/civitai-fetch/internal/ratelimit"
	"github.com/tachyon-labs/civitai-fetch/internal/schedule"
	"github.com/tachyon-labs/civitai-fetch/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestScanOrphans_FindsTmpFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.safetensors"), []byte("done"), 0o644))

	orphans, err := ScanOrphans(dir)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, filepath.Join(dir, "a.tmp"), orphans[0].Path)
	require.EqualValues(t, 7, orphans[0].Size)
}

func TestSupervisor_EscalatesToHybridSafeModeAfterThreeDegradedMinutes(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gov := ratelimit.New(context.Background(), ratelimit.Config{})
	t.Cleanup(gov.Shutdown)

	sched := schedule.New(store, discardLogger(), nil, 3, 6)

	var transitions []Severity
	sup := New(gov, sched, discardLogger(), func(from, to Severity, reason string) {
		transitions = append(transitions, to)
	})

	// 10% error rate: 2 failures out of 20 calls.
	for i := 0; i < 18; i++ {
		sup.RecordOutcome(storage.PipelineModel, nil)
	}
	for i := 0; i < 2; i++ {
		sup.RecordOutcome(storage.PipelineModel, errors.New("boom"))
	}

	sup.Evaluate()
	require.False(t, sched.HybridSafeMode())
	sup.Evaluate()
	require.False(t, sched.HybridSafeMode())
	sup.Evaluate()
	require.True(t, sched.HybridSafeMode())

	require.Contains(t, transitions, SeverityDegraded)
}

func TestSupervisor_CriticalHaltOnSustainedFailures(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gov := ratelimit.New(context.Background(), ratelimit.Config{})
	t.Cleanup(gov.Shutdown)
	sched := schedule.New(store, discardLogger(), nil, 3, 6)

	sup := New(gov, sched, discardLogger(), nil)
	for i := 0; i < 3; i++ {
		sup.RecordOutcome(storage.PipelineModel, errors.New("boom"))
	}
	sup.Evaluate()
	require.True(t, sup.Halted())

	sup.ClearHalt()
	require.False(t, sup.Halted())
}
