// Package recovery implements the Recovery Supervisor (C11): rolling
// failure-rate observation over the Scheduler's dispatched outcomes,
// escalating through rate-governor penalties, hybrid safe mode, and
// global halt, plus the startup orphan-.tmp scan.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tachyon-labs/civitai-fetch/internal/ratelimit"
	"github.com/tachyon-labs/civitai-fetch/internal/schedule"
	"github.com/tachyon-labs/civitai-fetch/internal/storage"
	"github.com/tachyon-labs/civitai-fetch/internal/transport"
)

// outcome is one recorded result within a rolling window.
type outcome struct {
	at        time.Time
	failed    bool
	isTimeout bool
}

// window keeps the last minute of outcomes for one channel/pipeline,
// mirroring the HostStats decaying-counter idiom but windowed
// by wall-clock time instead of an EMA, since the escalation policy names
// hard percentage thresholds over a fixed 1-minute window.
type window struct {
	mu     sync.Mutex
	events []outcome

	consecutiveFailures int
	consecutiveErrorMin int // minutes in a row with error_rate > 5%
	lastMinuteChecked    time.Time
}

func (w *window) record(failed, isTimeout bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.events = append(w.events, outcome{at: now, failed: failed, isTimeout: isTimeout})
	w.trimLocked(now)
	if failed {
		w.consecutiveFailures++
	} else {
		w.consecutiveFailures = 0
	}
}

func (w *window) trimLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(w.events); i++ {
		if w.events[i].at.After(cutoff) {
			break
		}
	}
	w.events = w.events[i:]
}

func (w *window) rates() (errorRate, timeoutRate float64, consecutiveFailures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked(time.Now())
	if len(w.events) == 0 {
		return 0, 0, w.consecutiveFailures
	}
	var failed, timeouts int
	for _, e := range w.events {
		if e.failed {
			failed++
		}
		if e.isTimeout {
			timeouts++
		}
	}
	n := float64(len(w.events))
	return float64(failed) / n, float64(timeouts) / n, w.consecutiveFailures
}

// Severity is the escalation level the supervisor has observed most
// recently, surfaced to the Progress Emitter as supervisor.mode_changed.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityDegraded Severity = "degraded"
	SeverityCritical Severity = "critical"
)

// ModeChangeFunc is invoked whenever the supervisor's mode transitions,
// so the caller can emit a supervisor.mode_changed event without
// this package depending on the events package.
type ModeChangeFunc func(from, to Severity, reason string)

// Supervisor observes Scheduler outcomes and escalates when error rates cross a threshold.
type Supervisor struct {
	governor  *ratelimit.Governor
	scheduler *schedulerLike
	logger    *slog.Logger
	onMode    ModeChangeFunc

	modelWindow *window
	imageWindow *window

	mu                     sync.Mutex
	severity               Severity
	degradedMinuteStreak    int
	halted                 bool
}

// schedulerLike holds the *schedule.Scheduler whose hybrid safe mode the
// Supervisor toggles.
type schedulerLike struct {
	sched *schedule.Scheduler
}

// New constructs a Supervisor wired to the process-wide Rate Governor and
// Scheduler.
func New(governor *ratelimit.Governor, sched *schedule.Scheduler, logger *slog.Logger, onMode ModeChangeFunc) *Supervisor {
	return &Supervisor{
		governor:    governor,
		scheduler:   &schedulerLike{sched: sched},
		logger:      logger,
		onMode:      onMode,
		modelWindow: &window{},
		imageWindow: &window{},
		severity:    SeverityNormal,
	}
}

// RecordOutcome implements schedule.OutcomeRecorder: every dispatched
// task's result feeds the rolling window for its pipeline.
func (s *Supervisor) RecordOutcome(pipeline storage.Pipeline, err error) {
	isTimeout := isTimeoutError(err)
	w := s.windowFor(pipeline)
	w.record(err != nil, isTimeout)

	if isTimeout {
		errorRate, timeoutRate, _ := w.rates()
		_ = errorRate
		if timeoutRate > 0.01 {
			ch := ratelimit.ChannelModelAPI
			if pipeline == storage.PipelineImage {
				ch = ratelimit.ChannelImageAPI
			}
			s.governor.Penalize(ch)
		}
	}
}

func (s *Supervisor) windowFor(pipeline storage.Pipeline) *window {
	if pipeline == storage.PipelineModel {
		return s.modelWindow
	}
	return s.imageWindow
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var ce *transport.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == transport.ClassTimeout
	}
	type classifier interface{ Timeout() bool }
	if c, ok := err.(classifier); ok {
		return c.Timeout()
	}
	return false
}

// Halted reports whether global_halt is currently set.
func (s *Supervisor) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// ClearHalt lets an operator resume after a global_halt.
func (s *Supervisor) ClearHalt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
	s.transitionLocked(SeverityNormal, "operator cleared global halt")
}

func (s *Supervisor) transitionLocked(to Severity, reason string) {
	from := s.severity
	if from == to {
		return
	}
	s.severity = to
	if s.onMode != nil {
		s.onMode(from, to, reason)
	}
}

// Evaluate runs one minute-boundary assessment of both pipelines and
// applies the escalation rules. Intended to be called once a minute
// by Run; exported separately so tests can drive it deterministically.
func (s *Supervisor) Evaluate() {
	combinedErrorRate, maxConsecutive := s.combinedStats()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case combinedErrorRate > 0.20 || maxConsecutive >= 3:
		s.halted = true
		s.transitionLocked(SeverityCritical, "error rate exceeded 20% or 3 consecutive failures")
	case combinedErrorRate > 0.05:
		s.degradedMinuteStreak++
		if s.degradedMinuteStreak >= 3 {
			s.scheduler.sched.SetHybridSafeMode(true)
			s.transitionLocked(SeverityDegraded, "error rate exceeded 5% for 3 consecutive minutes")
		}
	default:
		s.degradedMinuteStreak = 0
		if s.severity == SeverityDegraded {
			s.scheduler.sched.SetHybridSafeMode(false)
			s.transitionLocked(SeverityNormal, "error rate recovered")
		}
	}
}

func (s *Supervisor) combinedStats() (errorRate float64, maxConsecutive int) {
	mErr, _, mConsec := s.modelWindow.rates()
	iErr, _, iConsec := s.imageWindow.rates()
	if mConsec > maxConsecutive {
		maxConsecutive = mConsec
	}
	if iConsec > maxConsecutive {
		maxConsecutive = iConsec
	}
	// Combine the two windows' error rates by taking the higher one; neither
	// pipeline's saturation should be able to mask the other's collapse.
	if mErr > iErr {
		return mErr, maxConsecutive
	}
	return iErr, maxConsecutive
}

// Run evaluates once a minute until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

// OrphanTmp describes a `.tmp` file found on the destination tree with no
// owning in-flight task.
type OrphanTmp struct {
	Path string
	Size int64
}

// ScanOrphans walks root for `.tmp` files. Callers decide per file whether
// to re-enqueue with a resume offset (if declared size is known and size >
// 0) or delete.
func ScanOrphans(root string) ([]OrphanTmp, error) {
	var orphans []OrphanTmp
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".tmp" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		orphans = append(orphans, OrphanTmp{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// PurgeOrphan removes a zero-size or unresumable orphan temp file.
func PurgeOrphan(path string) error {
	return os.Remove(path)
}
