// Package schedule implements the Scheduler (C9): two independent
// pipelines (model, image), each with its own concurrency semaphore,
// claiming FIFO work from the Task Store and dispatching it to a worker
// function. The Task Store itself (internal/storage) already owns FIFO
// claim ordering, so an additional in-memory priority queue is not needed.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachyon-labs/civitai-fetch/internal/storage"
)

// Permit is a counting semaphore built on a buffered `chan struct{}`.
type Permit struct {
	mu   sync.Mutex
	size int
	ch   chan struct{}
}

// NewPermit creates a semaphore with `size` slots.
func NewPermit(size int) *Permit {
	p := &Permit{size: size, ch: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.ch <- struct{}{}
	}
	return p
}

// Acquire blocks for a slot or returns ctx.Err().
func (p *Permit) Acquire(ctx context.Context) error {
	select {
	case <-p.channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot.
func (p *Permit) Release() {
	select {
	case p.channel() <- struct{}{}:
	default:
		// A Resize shrank the pool while a slot was out; drop it silently.
	}
}

// channel returns the current semaphore channel under the lock, so a
// concurrent Resize (e.g. hybrid safe mode toggling on the supervisor
// goroutine) never races with a worker's Acquire/Release.
func (p *Permit) channel() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

// Resize changes the semaphore's capacity to n, used to collapse pipelines
// to 1 permit under hybrid safe mode and restore them after.
// Outstanding Release calls from before a shrink are tolerated (see
// Release's default branch).
func (p *Permit) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.size {
		return
	}
	newCh := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		newCh <- struct{}{}
	}
	p.ch = newCh
	p.size = n
}

// Pipeline runs one scheduling lane. The two pipelines never share
// a semaphore so one's saturation cannot stall the other.
type Pipeline struct {
	kind    storage.Pipeline
	permit  *Permit
	store   *storage.Store
	logger  *slog.Logger
	active  atomic.Int32
	outcome OutcomeRecorder
}

// OutcomeRecorder lets the Recovery Supervisor and Progress Emitter
// observe every dispatched task's result without the Scheduler importing
// either package directly.
type OutcomeRecorder interface {
	RecordOutcome(pipeline storage.Pipeline, err error)
}

// Worker executes a single claimed task. Returning an error is not itself
// a failure signal for the Scheduler — the worker is expected to have
// already driven the task to a terminal or pending (retry) status in the
// Task Store; the error is only surfaced to the OutcomeRecorder for
// failure-rate accounting.
type Worker func(ctx context.Context, task storage.Task) error

// NewPipeline constructs one lane with `permits` concurrency.
func NewPipeline(kind storage.Pipeline, permits int, store *storage.Store, logger *slog.Logger, recorder OutcomeRecorder) *Pipeline {
	return &Pipeline{
		kind:    kind,
		permit:  NewPermit(permits),
		store:   store,
		logger:  logger,
		outcome: recorder,
	}
}

// SetPermits resizes the pipeline's concurrency, used for hybrid safe
// mode.
func (p *Pipeline) SetPermits(n int) {
	p.permit.Resize(n)
}

// ActiveCount reports how many workers are currently dispatched, for
// pipeline.stats events.
func (p *Pipeline) ActiveCount() int32 { return p.active.Load() }

// Run drives the pipeline's dispatch loop until ctx is cancelled: acquire
// a permit, claim the next task, dispatch to worker, record outcome,
// repeat. When no task is currently claimable it backs
// off briefly rather than busy-waiting.
func (p *Pipeline) Run(ctx context.Context, work Worker) {
	const idleBackoff = 250 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.permit.Acquire(ctx); err != nil {
			return
		}

		tasks, err := p.store.Claim(p.kind, 1)
		if err != nil {
			p.logger.Error("scheduler: claim failed", "pipeline", p.kind, "error", err)
			p.permit.Release()
			select {
			case <-time.After(idleBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(tasks) == 0 {
			p.permit.Release()
			select {
			case <-time.After(idleBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		task := tasks[0]
		p.active.Add(1)
		go func() {
			defer p.active.Add(-1)
			defer p.permit.Release()
			err := work(ctx, task)
			if p.outcome != nil {
				p.outcome.RecordOutcome(p.kind, err)
			}
		}()
	}
}

// Scheduler owns both pipelines and the hybrid safe mode toggle.
type Scheduler struct {
	Model *Pipeline
	Image *Pipeline

	mu       sync.Mutex
	safeMode bool

	modelPermits int
	imagePermits int
}

// New builds both pipelines at their configured concurrency ceilings.
func New(store *storage.Store, logger *slog.Logger, recorder OutcomeRecorder, modelPermits, imagePermits int) *Scheduler {
	return &Scheduler{
		Model:        NewPipeline(storage.PipelineModel, modelPermits, store, logger, recorder),
		Image:        NewPipeline(storage.PipelineImage, imagePermits, store, logger, recorder),
		modelPermits: modelPermits,
		imagePermits: imagePermits,
	}
}

// SetHybridSafeMode collapses (true) or restores (false) both pipelines to
// a single permit each: a hybrid safe mode flag collapses both semaphores
// to 1 while degraded, and the Recovery Supervisor may set it
// automatically.
func (s *Scheduler) SetHybridSafeMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled == s.safeMode {
		return
	}
	s.safeMode = enabled
	if enabled {
		s.Model.SetPermits(1)
		s.Image.SetPermits(1)
	} else {
		s.Model.SetPermits(s.modelPermits)
		s.Image.SetPermits(s.imagePermits)
	}
}

// HybridSafeMode reports the current mode.
func (s *Scheduler) HybridSafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeMode
}

// Run starts both pipelines' dispatch loops and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, modelWork, imageWork Worker) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Model.Run(ctx, modelWork) }()
	go func() { defer wg.Done(); s.Image.Run(ctx, imageWork) }()
	wg.Wait()
}
