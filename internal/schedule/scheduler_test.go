package schedule

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/civitai-fetch/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type noopRecorder struct{}

func (noopRecorder) RecordOutcome(storage.Pipeline, error) {}

func TestPermit_ResizeShrinkDropsStaleReleases(t *testing.T) {
	p := NewPermit(2)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))

	p.Resize(1)
	p.Release()
	p.Release()

	require.NoError(t, p.Acquire(ctx))
	deadline, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Acquire(deadline))
}

func TestScheduler_PipelinesAreIndependent(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Enqueue(storage.KindModelFile, "m1", "/out/a.bin", storage.TaskPayload{})
	require.NoError(t, err)
	_, err = store.Enqueue(storage.KindPreviewImage, "i1", "/out/a.png", storage.TaskPayload{})
	require.NoError(t, err)

	sched := New(store, discardLogger(), noopRecorder{}, 1, 1)

	var modelRan, imageRan atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	sched.Run(ctx,
		func(ctx context.Context, task storage.Task) error {
			modelRan.Store(true)
			return store.Complete(task.ID, storage.StatusDone, "", "")
		},
		func(ctx context.Context, task storage.Task) error {
			imageRan.Store(true)
			return store.Complete(task.ID, storage.StatusDone, "", "")
		},
	)

	require.True(t, modelRan.Load())
	require.True(t, imageRan.Load())
}

func TestScheduler_HybridSafeModeCollapsesPermits(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sched := New(store, discardLogger(), noopRecorder{}, 3, 6)
	require.False(t, sched.HybridSafeMode())

	sched.SetHybridSafeMode(true)
	require.True(t, sched.HybridSafeMode())

	ctx := context.Background()
	require.NoError(t, sched.Model.permit.Acquire(ctx))
	deadline, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, sched.Model.permit.Acquire(deadline))
	sched.Model.permit.Release()

	sched.SetHybridSafeMode(false)
	require.False(t, sched.HybridSafeMode())
}
