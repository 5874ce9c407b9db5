package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquirePermit_RespectsConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	g := New(ctx, Config{MaxConcurrentAPI: 2})
	defer g.Shutdown()

	require.NoError(t, g.AcquirePermit(ctx, ChannelModelFile))
	require.NoError(t, g.AcquirePermit(ctx, ChannelModelFile))

	acquired := make(chan error, 1)
	go func() { acquired <- g.AcquirePermit(ctx, ChannelModelFile) }()

	select {
	case <-acquired:
		t.Fatal("third AcquirePermit should have blocked at the ceiling of 2")
	case <-time.After(50 * time.Millisecond):
	}

	g.ReleasePermit(ChannelModelFile)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("third AcquirePermit never unblocked after a release")
	}
}

func TestAcquire_UnknownChannelErrors(t *testing.T) {
	ctx := context.Background()
	g := New(ctx, Config{})
	defer g.Shutdown()

	require.Error(t, g.Acquire(ctx, ChannelModelFile))
}

func TestPenalize_HalvesRate(t *testing.T) {
	ctx := context.Background()
	g := New(ctx, Config{ModelAPIRPS: 1.0})
	defer g.Shutdown()

	before := g.CurrentRate(ChannelModelAPI)
	g.Penalize(ChannelModelAPI)
	after := g.CurrentRate(ChannelModelAPI)

	require.Less(t, after, before)
	require.InDelta(t, before/2, after, 0.001)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := New(ctx, Config{ModelAPIRPS: 0.001})
	defer g.Shutdown()

	require.NoError(t, g.Acquire(context.Background(), ChannelModelAPI))

	cancel()
	require.Error(t, g.Acquire(ctx, ChannelModelAPI))
}
