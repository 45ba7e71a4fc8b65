package ipdiscovery

import (
	"context"
	"os/exec"
	"strings"
)

// probeARP resolves mac's current IP from the kernel neighbour table
// (`ip neigh show`), the fourth-priority probe in the chain.
func (r *Resolver) probeARP(ctx context.Context, mac string) (string, bool) {
	out, err := exec.CommandContext(ctx, "ip", "neigh", "show").Output()
	if err != nil {
		return "", false
	}
	mac = strings.ToLower(mac)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		for i, f := range fields {
			if strings.ToLower(f) == mac && i > 0 {
				return fields[0], true
			}
		}
	}
	return "", false
}

// probeBridgeFDB falls back to the bridge's forwarding database
// (`bridge fdb show br <bridge>`) to find which port mac is learned on,
// then resolves that port's neighbour entry — the last-resort probe in
// the chain, used when the guest has not yet answered ARP.
func (r *Resolver) probeBridgeFDB(ctx context.Context, bridge, mac string) (string, bool) {
	out, err := exec.CommandContext(ctx, "bridge", "fdb", "show", "br", bridge).Output()
	if err != nil {
		return "", false
	}
	mac = strings.ToLower(mac)
	found := false
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(strings.ToLower(line), mac) {
			found = true
			break
		}
	}
	if !found {
		return "", false
	}
	// The FDB confirms the MAC is present on this bridge; resolve its
	// address via the neighbour table, which bridge fdb output alone
	// does not carry.
	return r.probeARP(ctx, mac)
}
