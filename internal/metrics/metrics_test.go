package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/civitai-fetch/internal/events"
)

func TestSink_TracksDownloadLifecycle(t *testing.T) {
	reg := NewRegistry()
	sink := NewSink(reg)

	sink.Emit(events.DownloadStarted("t1", "model", "https://example.com", "/tmp/f"))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.downloadsStarted.WithLabelValues("model")))

	sink.Emit(events.DownloadCompleted("t1", 2048, 0))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.downloadsCompleted))
	require.Equal(t, 2048.0, testutil.ToFloat64(reg.bytesDownloaded))
}

func TestSink_TracksFailuresByClass(t *testing.T) {
	reg := NewRegistry()
	sink := NewSink(reg)

	sink.Emit(events.DownloadFailed("t1", "timeout", "boom", 1))
	sink.Emit(events.DownloadFailed("t2", "timeout", "boom again", 2))
	sink.Emit(events.DownloadFailed("t3", "rate_limit_429", "slow down", 1))

	require.Equal(t, 2.0, testutil.ToFloat64(reg.downloadsFailed.WithLabelValues("timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.downloadsFailed.WithLabelValues("rate_limit_429")))
}

func TestSink_TracksSupervisorSeverity(t *testing.T) {
	reg := NewRegistry()
	sink := NewSink(reg)

	sink.Emit(events.SupervisorModeChanged("normal", "degraded", "error rate high"))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.supervisorModeGauge))

	sink.Emit(events.SupervisorModeChanged("degraded", "critical", "still climbing"))
	require.Equal(t, 2.0, testutil.ToFloat64(reg.supervisorModeGauge))

	sink.Emit(events.SupervisorModeChanged("critical", "normal", "recovered"))
	require.Equal(t, 0.0, testutil.ToFloat64(reg.supervisorModeGauge))
}

func TestGatherer_ReturnsRegisteredFamilies(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	// Of the 8 registered collectors, the 4 labelled vectors have no
	// children yet and so gather no family; the 4 plain metrics do.
	require.Len(t, families, 4)
}
