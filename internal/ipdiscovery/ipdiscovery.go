// Package ipdiscovery resolves a guest's current IP address through a
// layered set of probes, with a freshness-aware cache and deadline
// semantics.
//
// Grounded on vm.Service.queryVMIP's retry-for-timeoutSeconds loop
// against `virsh domifaddr`, generalized into the five-probe
// priority list and a real TTL cache instead of a bare retry loop.
package ipdiscovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/cyris-lab/cyris/internal/virtcli"
	"go.uber.org/zap"
)

// Probe identifies which discovery source produced a resolved address,
// for logging and for the "prefer the most authoritative
// source" invariant.
type Probe string

const (
	ProbeTopologyAllocated Probe = "topology-allocated"
	ProbeLibvirtLease      Probe = "libvirt-lease"
	ProbeDomIfAddr         Probe = "domifaddr"
	ProbeARP               Probe = "arp"
	ProbeBridgeFDB         Probe = "bridge-fdb"
)

// cacheEntry is one resolved-and-cached address.
type cacheEntry struct {
	ip        string
	probe     Probe
	resolved  time.Time
}

// TopologyAllocation supplies the first, most authoritative probe: an
// IP the topology manager itself assigned (e.g. a DHCP reservation or a
// static address), when the caller already knows one.
type TopologyAllocation func(vmName string) (string, bool)

// Resolver implements the resolve/resolve_all/invalidate.
type Resolver struct {
	cli   *virtcli.Client
	logger *zap.Logger

	ttl time.Duration

	mu      sync.Mutex
	cache   map[string]cacheEntry
	inflight map[string]*inflightResolve

	topologyLookup TopologyAllocation
	bridgeName     func(vmName string) (string, bool)
	networkName    func(vmName string) (string, bool)
	macOf          func(vmName string) (string, bool)
}

type inflightResolve struct {
	done chan struct{}
	ip   string
	err  error
}

// New returns a Resolver with the default 120-second cache TTL.
func New(cli *virtcli.Client, logger *zap.Logger) *Resolver {
	return &Resolver{
		cli:      cli,
		logger:   logger,
		ttl:      120 * time.Second,
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]*inflightResolve),
	}
}

// WithTopologyLookup registers the highest-priority probe: a function
// returning an address the topology/orchestrator layer already knows
// (e.g. from a DHCP host reservation it created).
func (r *Resolver) WithTopologyLookup(f TopologyAllocation) *Resolver {
	r.topologyLookup = f
	return r
}

// WithNetworkContext registers the lookups resolve needs to run the
// domifaddr/DHCP-lease/ARP/bridge-FDB probes: the libvirt network name
// and bridge a guest's interface is attached to, and its MAC address.
func (r *Resolver) WithNetworkContext(bridgeName, networkName, macOf func(vmName string) (string, bool)) *Resolver {
	r.bridgeName = bridgeName
	r.networkName = networkName
	r.macOf = macOf
	return r
}

// Resolve returns vmName's current IP, consulting the cache first
// (unless maxAge forces a fresher lookup), then the probes in priority
// order.
func (r *Resolver) Resolve(ctx context.Context, vmName string, maxAge time.Duration) (string, error) {
	if maxAge <= 0 {
		maxAge = r.ttl
	}
	if ip, ok := r.cached(vmName, maxAge); ok {
		return ip, nil
	}
	return r.coalescedResolve(ctx, vmName)
}

// ResolveAll resolves a set of guests, each independently cached and
// coalesced, returning a map of whatever succeeded and an error only
// when every resolution failed.
func (r *Resolver) ResolveAll(ctx context.Context, vmNames []string, maxAge time.Duration) (map[string]string, error) {
	out := make(map[string]string, len(vmNames))
	var firstErr error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range vmNames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ip, err := r.Resolve(ctx, name, maxAge)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			out[name] = ip
		}(name)
	}
	wg.Wait()
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Invalidate drops vmName's cached address, forcing the next Resolve to
// re-run the probe chain.
func (r *Resolver) Invalidate(vmName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, vmName)
}

func (r *Resolver) cached(vmName string, maxAge time.Duration) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[vmName]
	if !ok {
		return "", false
	}
	if time.Since(entry.resolved) > maxAge {
		return "", false
	}
	return entry.ip, true
}

// coalescedResolve ensures concurrent Resolve calls for the same guest
// share a single probe chain, the "in-flight coalescing".
func (r *Resolver) coalescedResolve(ctx context.Context, vmName string) (string, error) {
	r.mu.Lock()
	if inf, ok := r.inflight[vmName]; ok {
		r.mu.Unlock()
		<-inf.done
		return inf.ip, inf.err
	}
	inf := &inflightResolve{done: make(chan struct{})}
	r.inflight[vmName] = inf
	r.mu.Unlock()

	ip, probe, err := r.runProbes(ctx, vmName)

	r.mu.Lock()
	delete(r.inflight, vmName)
	if err == nil {
		r.cache[vmName] = cacheEntry{ip: ip, probe: probe, resolved: time.Now()}
	}
	r.mu.Unlock()

	inf.ip, inf.err = ip, err
	close(inf.done)
	return ip, err
}

// runProbes walks the five probes in priority order, with a
// 2-second delay between attempts, until ctx's deadline.
func (r *Resolver) runProbes(ctx context.Context, vmName string) (string, Probe, error) {
	for {
		if ip, probe, ok := r.tryProbesOnce(ctx, vmName); ok {
			return ip, probe, nil
		}
		select {
		case <-ctx.Done():
			return "", "", cyriserr.Wrap(cyriserr.KindDiscoveryTimeout, "resolve", fmt.Errorf("no probe resolved an address for %s: %w", vmName, ctx.Err()))
		case <-time.After(2 * time.Second):
		}
	}
}

func (r *Resolver) tryProbesOnce(ctx context.Context, vmName string) (string, Probe, bool) {
	if r.topologyLookup != nil {
		if ip, ok := r.topologyLookup(vmName); ok && ip != "" {
			return ip, ProbeTopologyAllocated, true
		}
	}

	if r.networkName != nil && r.macOf != nil {
		if network, ok := r.networkName(vmName); ok {
			if mac, ok := r.macOf(vmName); ok {
				if ips, err := r.cli.NetDHCPLeases(ctx, network, mac); err == nil && len(ips) > 0 {
					return ips[0], ProbeLibvirtLease, true
				}
			}
		}
	}

	if ips, err := r.cli.DomIfAddr(ctx, vmName, "agent"); err == nil && len(ips) > 0 {
		return ips[0], ProbeDomIfAddr, true
	}
	if ips, err := r.cli.DomIfAddr(ctx, vmName, "lease"); err == nil && len(ips) > 0 {
		return ips[0], ProbeDomIfAddr, true
	}

	if r.macOf != nil {
		if mac, ok := r.macOf(vmName); ok {
			if ip, ok := r.probeARP(ctx, mac); ok {
				return ip, ProbeARP, true
			}
			if r.bridgeName != nil {
				if bridge, ok := r.bridgeName(vmName); ok {
					if ip, ok := r.probeBridgeFDB(ctx, bridge, mac); ok {
						return ip, ProbeBridgeFDB, true
					}
				}
			}
		}
	}

	return "", "", false
}
