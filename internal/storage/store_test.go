package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueue_IdempotentByDedupKey(t *testing.T) {
	s := setupTestStore(t)

	id1, err := s.Enqueue(KindModelFile, "123", "/out/model.safetensors", TaskPayload{URL: "https://x/1"})
	require.NoError(t, err)

	id2, err := s.Enqueue(KindModelFile, "123", "/out/model.safetensors", TaskPayload{URL: "https://x/1-retry"})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	var count int64
	require.NoError(t, s.DB.Model(&Task{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestClaim_MarksInFlightAndRespectsKindSplit(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Enqueue(KindModelFile, "m1", "/out/a.safetensors", TaskPayload{})
	require.NoError(t, err)
	_, err = s.Enqueue(KindPreviewImage, "i1", "/out/a.png", TaskPayload{})
	require.NoError(t, err)

	modelClaims, err := s.Claim(PipelineModel, 5)
	require.NoError(t, err)
	require.Len(t, modelClaims, 1)
	require.Equal(t, KindModelFile, modelClaims[0].Kind)
	require.Equal(t, StatusInFlight, modelClaims[0].Status)

	imageClaims, err := s.Claim(PipelineImage, 5)
	require.NoError(t, err)
	require.Len(t, imageClaims, 1)
	require.Equal(t, KindPreviewImage, imageClaims[0].Kind)
}

func TestClaim_ExclusiveAcrossCallers(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Enqueue(KindModelFile, "m1", "/out/a.safetensors", TaskPayload{})
	require.NoError(t, err)

	first, err := s.Claim(PipelineModel, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.Claim(PipelineModel, 1)
	require.NoError(t, err)
	require.Len(t, second, 0)
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.Enqueue(KindModelFile, "m1", "/out/a.safetensors", TaskPayload{})
	require.NoError(t, err)

	err = s.Complete(id, StatusPending, "", "")
	require.Error(t, err)

	require.NoError(t, s.Complete(id, StatusDone, "", ""))
	task, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusDone, task.Status)
}

func TestRequeue_IncrementsAttempts(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.Enqueue(KindModelFile, "m1", "/out/a.safetensors", TaskPayload{})
	require.NoError(t, err)

	_, err = s.Claim(PipelineModel, 1)
	require.NoError(t, err)

	require.NoError(t, s.Requeue(id, time.Millisecond, "network", "connection reset"))
	task, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, "network", task.LastErrorClass)
}

func TestResume_MovesInFlightBackToPending(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.Enqueue(KindModelFile, "m1", "/out/a.safetensors", TaskPayload{})
	require.NoError(t, err)
	_, err = s.Claim(PipelineModel, 1)
	require.NoError(t, err)

	n, err := s.Resume()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
}

func TestDailyStats_Accumulate(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyBytes(50))
	require.NoError(t, s.IncrementDailyFiles())

	total, err := s.GetTotalLifetime()
	require.NoError(t, err)
	require.EqualValues(t, 150, total)
}

func TestAppSettings_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.SetString("global_halt", "false"))
	val, err := s.GetString("global_halt")
	require.NoError(t, err)
	require.Equal(t, "false", val)

	empty, err := s.GetString("never_set")
	require.NoError(t, err)
	require.Equal(t, "", empty)
}

func TestEnumeratedInput_Dedup(t *testing.T) {
	s := setupTestStore(t)
	exists, err := s.EnumeratedInputExists("model-1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.MarkEnumerated("model-1", "model"))

	exists, err = s.EnumeratedInputExists("model-1")
	require.NoError(t, err)
	require.True(t, exists)
}
