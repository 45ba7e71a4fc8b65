package ipdiscovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyris-lab/cyris/internal/virtcli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResolver(lookup TopologyAllocation) *Resolver {
	cli := virtcli.New("qemu:///system", zap.NewNop())
	return New(cli, zap.NewNop()).WithTopologyLookup(lookup)
}

func TestResolvePrefersTopologyAllocatedProbe(t *testing.T) {
	r := newTestResolver(func(vmName string) (string, bool) {
		return "10.64.3.5", true
	})
	ip, err := r.Resolve(context.Background(), "cyris-range1-desktop", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "10.64.3.5", ip)
}

func TestResolveCachesWithinTTL(t *testing.T) {
	var calls int32
	r := newTestResolver(func(vmName string) (string, bool) {
		atomic.AddInt32(&calls, 1)
		return "10.64.3.5", true
	})

	_, err := r.Resolve(context.Background(), "desktop", time.Minute)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "desktop", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a cache hit must not re-run the probe chain")
}

func TestResolveRerunsProbesAfterInvalidate(t *testing.T) {
	var calls int32
	r := newTestResolver(func(vmName string) (string, bool) {
		atomic.AddInt32(&calls, 1)
		return "10.64.3.5", true
	})

	_, err := r.Resolve(context.Background(), "desktop", time.Minute)
	require.NoError(t, err)
	r.Invalidate("desktop")
	_, err = r.Resolve(context.Background(), "desktop", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolveAllToleratesPartialFailure(t *testing.T) {
	r := newTestResolver(func(vmName string) (string, bool) {
		if vmName == "desktop" {
			return "10.64.3.5", true
		}
		return "", false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out, err := r.ResolveAll(ctx, []string{"desktop", "unreachable"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "10.64.3.5", out["desktop"])
	assert.NotContains(t, out, "unreachable")
}

func TestResolveAllReturnsErrorWhenEveryGuestFails(t *testing.T) {
	r := newTestResolver(func(vmName string) (string, bool) { return "", false })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.ResolveAll(ctx, []string{"desktop"}, time.Minute)
	assert.Error(t, err)
}
