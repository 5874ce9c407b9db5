// Package events implements the Progress/Event Emitter (C12): a typed
// catalogue of structured events fanned out to N sinks, so the CLI and the
// metrics sink can consume structured fields without re-parsing log text.
package events

import (
	"sync"
	"time"
)

// Kind names one of the event types.
type Kind string

const (
	KindDownloadStarted    Kind = "download.started"
	KindDownloadProgress   Kind = "download.progress"
	KindDownloadCompleted  Kind = "download.completed"
	KindDownloadFailed     Kind = "download.failed"
	KindPipelineStats      Kind = "pipeline.stats"
	KindSupervisorModeChanged Kind = "supervisor.mode_changed"
)

// Event is the common envelope; Fields carries the kind-specific payload.
type Event struct {
	Kind Kind
	At   time.Time
	Fields map[string]any
}

// DownloadStarted builds a download.started event.
func DownloadStarted(taskID, kind, url, destination string) Event {
	return Event{Kind: KindDownloadStarted, At: time.Now(), Fields: map[string]any{
		"task_id": taskID, "kind": kind, "url": url, "destination": destination,
	}}
}

// DownloadProgress builds a download.progress event.
func DownloadProgress(taskID string, bytesCompleted, bytesTotal int64) Event {
	return Event{Kind: KindDownloadProgress, At: time.Now(), Fields: map[string]any{
		"task_id": taskID, "bytes_completed": bytesCompleted, "bytes_total": bytesTotal,
	}}
}

// DownloadCompleted builds a download.completed event.
func DownloadCompleted(taskID string, bytes int64, duration time.Duration) Event {
	seconds := duration.Seconds()
	throughput := 0.0
	if seconds > 0 {
		throughput = (float64(bytes) * 8 / 1_000_000) / seconds
	}
	return Event{Kind: KindDownloadCompleted, At: time.Now(), Fields: map[string]any{
		"task_id": taskID, "bytes": bytes, "duration_s": seconds, "throughput_mbps": throughput,
	}}
}

// DownloadFailed builds a download.failed event.
func DownloadFailed(taskID, errClass, message string, attempt int) Event {
	return Event{Kind: KindDownloadFailed, At: time.Now(), Fields: map[string]any{
		"task_id": taskID, "error_class": errClass, "message": message, "attempt": attempt,
	}}
}

// PipelineStats builds a pipeline.stats event.
func PipelineStats(pipeline string, active, queued int, throughputMbps, errorRate float64) Event {
	return Event{Kind: KindPipelineStats, At: time.Now(), Fields: map[string]any{
		"pipeline": pipeline, "active": active, "queued": queued,
		"throughput_mbps": throughputMbps, "error_rate": errorRate,
	}}
}

// SupervisorModeChanged builds a supervisor.mode_changed event.
func SupervisorModeChanged(from, to, reason string) Event {
	return Event{Kind: KindSupervisorModeChanged, At: time.Now(), Fields: map[string]any{
		"from": from, "to": to, "reason": reason,
	}}
}

// Sink consumes events. Implementations must not block the emitter for
// long; a slow sink should buffer internally.
type Sink interface {
	Emit(Event)
}

// Emitter fans one event out to every registered sink, matching the
// FanoutHandler.Handle idiom (call every handler, ignore
// individual failures so one broken sink can't blind the others).
type Emitter struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewEmitter builds an Emitter with an initial sink set.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Register adds a sink after construction (e.g. the CLI attaching its
// console renderer once it has a terminal ready).
func (e *Emitter) Register(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit fans the event out to every sink.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.sinks {
		s.Emit(ev)
	}
}

// ChannelSink is a buffered channel-backed sink for consumers that read
// events from a channel; the bundled CLI registers only the metrics sink.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size. Events are
// dropped (not blocked) once the buffer is full, so a stalled consumer
// never backpressures the engine.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit implements Sink.
func (c *ChannelSink) Emit(ev Event) {
	select {
	case c.ch <- ev:
	default:
	}
}

// Events exposes the receive side for consumers.
func (c *ChannelSink) Events() <-chan Event { return c.ch }
