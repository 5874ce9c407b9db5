// Package ratelimit implements the Rate Governor (C1): one token bucket
// per logical channel, with adaptive 429/503 feedback, plus two
// file-transfer concurrency permits shared across each channel's workers.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Channel names a logical rate-limited lane.
type Channel string

const (
	ChannelModelAPI  Channel = "model-api"
	ChannelImageAPI  Channel = "image-api"
	ChannelModelFile Channel = "model-file"
	ChannelImageFile Channel = "image-file"
)

// bucket tracks one channel's limiter plus the bookkeeping needed to
// restore its rate geometrically after a 429/503 halving.
type bucket struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	ceiling    rate.Limit
	burst      int
	lastBackoff time.Time
	restoring  bool
}

// Governor is the process-wide Rate Governor singleton.
type Governor struct {
	mu       sync.RWMutex
	buckets  map[Channel]*bucket
	sems     map[Channel]chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config seeds each channel's initial rate/burst.
type Config struct {
	ModelAPIRPS      float64
	ImageAPIRPS      float64
	MaxConcurrentAPI int
}

// New constructs a Governor and starts its restoration clock. Call
// Shutdown to stop the background goroutine deterministically.
func New(ctx context.Context, cfg Config) *Governor {
	modelRPS := cfg.ModelAPIRPS
	if modelRPS <= 0 {
		modelRPS = 0.5
	}
	imageRPS := cfg.ImageAPIRPS
	if imageRPS <= 0 {
		imageRPS = 2.0
	}
	maxConcurrentAPI := cfg.MaxConcurrentAPI
	if maxConcurrentAPI <= 0 {
		maxConcurrentAPI = 3
	}

	g := &Governor{
		buckets: map[Channel]*bucket{
			ChannelModelAPI: {limiter: rate.NewLimiter(rate.Limit(modelRPS), 1), ceiling: rate.Limit(modelRPS), burst: 1},
			ChannelImageAPI: {limiter: rate.NewLimiter(rate.Limit(imageRPS), 4), ceiling: rate.Limit(imageRPS), burst: 4},
		},
		sems: map[Channel]chan struct{}{
			ChannelModelFile: make(chan struct{}, maxConcurrentAPI),
			ChannelImageFile: make(chan struct{}, 2*maxConcurrentAPI),
		},
		stopCh: make(chan struct{}),
	}
	go g.restoreLoop(ctx)
	return g
}

// Acquire blocks until a token is available on an API channel, or returns
// ctx.Err() if cancelled first. Calling Acquire on a file channel is a
// programmer error (file channels use AcquirePermit/ReleasePermit).
func (g *Governor) Acquire(ctx context.Context, ch Channel) error {
	g.mu.RLock()
	b, ok := g.buckets[ch]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ratelimit: channel %q has no token bucket", ch)
	}
	b.mu.Lock()
	limiter := b.limiter
	b.mu.Unlock()
	return limiter.Wait(ctx)
}

// AcquirePermit blocks until a concurrency slot opens on a file channel.
// ReleasePermit must be called exactly once per successful AcquirePermit.
func (g *Governor) AcquirePermit(ctx context.Context, ch Channel) error {
	g.mu.RLock()
	sem, ok := g.sems[ch]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ratelimit: channel %q has no concurrency permit pool", ch)
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleasePermit returns a concurrency slot to a file channel.
func (g *Governor) ReleasePermit(ch Channel) {
	g.mu.RLock()
	sem, ok := g.sems[ch]
	g.mu.RUnlock()
	if !ok {
		return
	}
	<-sem
}

// Penalize halves a channel's refill rate after an observed 429/503.
// Safe to call concurrently; repeated penalties within the
// restoration window simply re-halve from the current (already reduced)
// rate, which is the conservative behavior under sustained throttling.
func (g *Governor) Penalize(ch Channel) {
	g.mu.RLock()
	b, ok := g.buckets[ch]
	g.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	newLimit := rate.Limit(math.Max(float64(b.limiter.Limit())*0.5, 0.01))
	b.limiter.SetLimit(newLimit)
	b.lastBackoff = time.Now()
	b.restoring = true
}

// restoreLoop runs the geometric restoration (×1.25 per minute of clean
// traffic, up to the configured ceiling) once per minute, per channel.
func (g *Governor) restoreLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.mu.RLock()
			buckets := make([]*bucket, 0, len(g.buckets))
			for _, b := range g.buckets {
				buckets = append(buckets, b)
			}
			g.mu.RUnlock()
			for _, b := range buckets {
				b.mu.Lock()
				if b.restoring && time.Since(b.lastBackoff) >= time.Minute {
					next := rate.Limit(float64(b.limiter.Limit()) * 1.25)
					if next >= b.ceiling {
						next = b.ceiling
						b.restoring = false
					}
					b.limiter.SetLimit(next)
				}
				b.mu.Unlock()
			}
		}
	}
}

// Shutdown stops the restoration clock. Idempotent.
func (g *Governor) Shutdown() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// CurrentRate reports a channel's current refill rate, mainly for the
// Progress/Event Emitter's pipeline.stats events.
func (g *Governor) CurrentRate(ch Channel) float64 {
	g.mu.RLock()
	b, ok := g.buckets[ch]
	g.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.limiter.Limit())
}
