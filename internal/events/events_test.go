package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestEmitter_FansOutToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	e := NewEmitter(a, b)

	e.Emit(DownloadStarted("t1", "model", "https://example.com/f", "/tmp/f"))

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	require.Equal(t, KindDownloadStarted, a.events[0].Kind)
}

func TestEmitter_RegisterAddsLateSink(t *testing.T) {
	a := &recordingSink{}
	e := NewEmitter(a)

	e.Emit(DownloadStarted("t1", "model", "url", "dest"))

	b := &recordingSink{}
	e.Register(b)
	e.Emit(DownloadStarted("t2", "model", "url", "dest"))

	require.Equal(t, 2, a.count())
	require.Equal(t, 1, b.count(), "registered after the first emit")
}

func TestDownloadCompleted_ComputesThroughput(t *testing.T) {
	ev := DownloadCompleted("t1", 1_000_000, 2*time.Second)
	require.InDelta(t, 4.0, ev.Fields["throughput_mbps"], 0.0001)
}

func TestDownloadCompleted_ZeroDurationNoDivideByZero(t *testing.T) {
	ev := DownloadCompleted("t1", 1000, 0)
	require.Equal(t, 0.0, ev.Fields["throughput_mbps"])
}

func TestChannelSink_DropsWhenFull(t *testing.T) {
	c := NewChannelSink(1)
	c.Emit(PipelineStats("model", 1, 0, 0, 0))
	c.Emit(PipelineStats("model", 2, 0, 0, 0)) // dropped, buffer full

	select {
	case ev := <-c.Events():
		require.Equal(t, 1, ev.Fields["active"])
	default:
		t.Fatal("expected one buffered event")
	}

	select {
	case ev := <-c.Events():
		t.Fatalf("expected channel empty after first read, got %#v", ev)
	default:
	}
}
