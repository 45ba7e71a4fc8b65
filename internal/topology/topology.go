// Package topology is the network topology manager: per-range Linux
// bridges, CIDR allocation from a configured pool, and NAT so guests
// reach the internet through the host.
//
// Grounded on internal/services/vpn/vpn.go's CIDR/IP-allocation pattern
// (incrementIP, a mutex-guarded allocation map) and on
// internal/services/container/container.go's ensureNetwork (idempotent
// "does it already exist" check before creating), generalized from
// Docker's network API to plain `ip`/`iptables` invocations since ranges
// use real bridges libvirt domains attach to, not a container network.
package topology

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"go.uber.org/zap"
)

// Network is one range's allocated bridge + CIDR block.
type Network struct {
	RangeID    string `json:"range_id"`
	Name       string `json:"name"`
	BridgeName string `json:"bridge_name"`
	CIDR       string `json:"cidr"`
	Gateway    string `json:"gateway"`
}

// allocationState is the persisted CIDR bitmap: which /24 blocks (by
// index within the configured pool) are currently in use.
type allocationState struct {
	Pool      string            `json:"pool"`
	Allocated map[int]string    `json:"allocated"` // block index -> range_id
	Networks  map[string]Network `json:"networks"`  // bridge_name -> Network
}

// Manager owns CIDR allocation and bridge/NAT lifecycle for all ranges
// on this host.
type Manager struct {
	mu       sync.Mutex
	pool     *net.IPNet
	stateDir string
	logger   *zap.Logger
	state    allocationState
}

// New returns a Manager allocating /24 blocks out of poolCIDR (default
// "10.64.0.0/10"), persisting its bitmap under baseDir.
func New(poolCIDR, baseDir string, logger *zap.Logger) (*Manager, error) {
	_, ipNet, err := net.ParseCIDR(poolCIDR)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindValidation, "topology_init", fmt.Errorf("invalid network pool %q: %w", poolCIDR, err))
	}
	m := &Manager{pool: ipNet, stateDir: baseDir, logger: logger}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) allocFilePath() string {
	return filepath.Join(m.stateDir, "network-alloc.json")
}

func (m *Manager) load() error {
	path := m.allocFilePath()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.state = allocationState{Pool: m.pool.String(), Allocated: map[int]string{}, Networks: map[string]Network{}}
		return nil
	}
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "topology_load", err)
	}
	var st allocationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "topology_load", err)
	}
	if st.Allocated == nil {
		st.Allocated = map[int]string{}
	}
	if st.Networks == nil {
		st.Networks = map[string]Network{}
	}
	m.state = st
	return nil
}

// persist writes the allocation state with a write-tmp-then-rename,
// mirroring the same write-tmp-then-rename atomicity the range
// record itself uses.
func (m *Manager) persist() error {
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "topology_persist", err)
	}
	raw, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "topology_persist", err)
	}
	path := m.allocFilePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "topology_persist", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "topology_persist", err)
	}
	return nil
}

// CreateNetwork allocates a free /24 from the pool, derives a bridge
// name, and brings the bridge up with the block's first usable address
// as gateway.
func (m *Manager) CreateNetwork(ctx context.Context, rangeID, name string) (*Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bridgeName := bridgeNameFor(rangeID, name)
	if existing, ok := m.state.Networks[bridgeName]; ok {
		return &existing, nil
	}

	blockIdx, cidr, gateway, err := m.allocateBlock()
	if err != nil {
		return nil, err
	}

	if err := runIP(ctx, "link", "add", bridgeName, "type", "bridge"); err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindNetwork, "create_network", err)
	}
	if err := runIP(ctx, "addr", "add", gateway+"/24", "dev", bridgeName); err != nil {
		m.teardownBridge(ctx, bridgeName)
		return nil, cyriserr.Wrap(cyriserr.KindNetwork, "create_network", err)
	}
	if err := runIP(ctx, "link", "set", bridgeName, "up"); err != nil {
		m.teardownBridge(ctx, bridgeName)
		return nil, cyriserr.Wrap(cyriserr.KindNetwork, "create_network", err)
	}

	netw := Network{RangeID: rangeID, Name: name, BridgeName: bridgeName, CIDR: cidr, Gateway: gateway}
	m.state.Allocated[blockIdx] = rangeID
	m.state.Networks[bridgeName] = netw
	if err := m.persist(); err != nil {
		return nil, err
	}
	m.logger.Info("network created", zap.String("range_id", rangeID), zap.String("bridge", bridgeName), zap.String("cidr", cidr))
	return &netw, nil
}

// Attach verifies the bridge a guest interface will reference still
// exists and is up; libvirt itself performs the tap-to-bridge binding
// when the domain starts, from the interface's source bridge element.
func (m *Manager) Attach(ctx context.Context, bridgeName string) error {
	if err := runIP(ctx, "link", "show", bridgeName); err != nil {
		return cyriserr.Wrap(cyriserr.KindNetwork, "attach", fmt.Errorf("bridge %s not present: %w", bridgeName, err))
	}
	return nil
}

// InstallNAT installs MASQUERADE + FORWARD iptables rules for netw's
// CIDR, each tagged with a range_id comment so DestroyNetwork can find
// and remove exactly its own rules.
func (m *Manager) InstallNAT(ctx context.Context, netw *Network) error {
	comment := natComment(netw.RangeID)
	rules := [][]string{
		{"-t", "nat", "-A", "POSTROUTING", "-s", netw.CIDR, "!", "-d", netw.CIDR, "-m", "comment", "--comment", comment, "-j", "MASQUERADE"},
		{"-A", "FORWARD", "-i", netw.BridgeName, "-j", "ACCEPT", "-m", "comment", "--comment", comment},
		{"-A", "FORWARD", "-o", netw.BridgeName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT", "-m", "comment", "--comment", comment},
	}
	for _, args := range rules {
		if err := runIptables(ctx, args...); err != nil {
			return cyriserr.Wrap(cyriserr.KindNetwork, "install_nat", err)
		}
	}
	return nil
}

// DestroyNetwork removes every network of rangeID: its NAT rules, its
// bridges, and their CIDR blocks, which return to the pool.
func (m *Manager) DestroyNetwork(ctx context.Context, rangeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []Network
	for _, n := range m.state.Networks {
		if n.RangeID == rangeID {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return nil // already gone: destroy is idempotent .1
	}

	removeNATRules(ctx, rangeID)
	for _, t := range targets {
		m.teardownBridge(ctx, t.BridgeName)
		delete(m.state.Networks, t.BridgeName)
	}
	for idx, rid := range m.state.Allocated {
		if rid == rangeID {
			delete(m.state.Allocated, idx)
		}
	}
	return m.persist()
}

func (m *Manager) teardownBridge(ctx context.Context, bridgeName string) {
	runIP(ctx, "link", "set", bridgeName, "down")
	runIP(ctx, "link", "delete", bridgeName, "type", "bridge")
}

// removeNATRules deletes every iptables rule tagged with rangeID's
// comment from the nat POSTROUTING and filter FORWARD chains. iptables
// has no "delete by comment" primitive, so each chain is listed with -S
// and every listed rule carrying the comment is deleted by its own
// specification.
func removeNATRules(ctx context.Context, rangeID string) {
	comment := natComment(rangeID)
	deleteRulesByComment(ctx, "nat", "POSTROUTING", comment)
	deleteRulesByComment(ctx, "filter", "FORWARD", comment)
}

func deleteRulesByComment(ctx context.Context, table, chain, comment string) {
	cmd := exec.CommandContext(ctx, "iptables", "-t", table, "-S", chain)
	out, err := cmd.Output()
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line+" ", " "+comment+" ") {
			continue
		}
		args := tokenizeRuleForDelete(line)
		if args == nil {
			continue
		}
		runIptables(ctx, append([]string{"-t", table, "-D", chain}, args...)...)
	}
}

// ListNetworks returns every currently-allocated network.
func (m *Manager) ListNetworks(ctx context.Context) ([]Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Network, 0, len(m.state.Networks))
	for _, n := range m.state.Networks {
		out = append(out, n)
	}
	return out, nil
}

// allocateBlock finds the first unused /24 index within the pool.
// Caller must hold m.mu.
func (m *Manager) allocateBlock() (int, string, string, error) {
	ones, bits := m.pool.Mask.Size()
	if bits-ones < 8 {
		return 0, "", "", cyriserr.New(cyriserr.KindNetwork, "create_network", "configured pool is smaller than a /24")
	}
	blockCount := 1 << (bits - ones - 8)
	base := m.pool.IP.To4()
	if base == nil {
		return 0, "", "", cyriserr.New(cyriserr.KindNetwork, "create_network", "only IPv4 pools are supported")
	}
	for idx := 0; idx < blockCount; idx++ {
		if _, used := m.state.Allocated[idx]; used {
			continue
		}
		v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
		v += uint32(idx) << 8
		blockBase := net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4()
		cidr := fmt.Sprintf("%s/24", blockBase.String())
		gw := make(net.IP, 4)
		copy(gw, blockBase)
		gw[3] = 1
		return idx, cidr, gw.String(), nil
	}
	return 0, "", "", cyriserr.New(cyriserr.KindNetwork, "create_network", "network pool exhausted")
}

// bridgeNameFor derives a deterministic, ≤15-character bridge name
// ("cy-{range_id hash6}-{name hash4}"; Linux IFNAMSIZ is 16 including
// the NUL terminator).
func bridgeNameFor(rangeID, name string) string {
	rh := sha1.Sum([]byte(rangeID))
	nh := sha1.Sum([]byte(name))
	return fmt.Sprintf("cy-%s-%s", hex.EncodeToString(rh[:])[:6], hex.EncodeToString(nh[:])[:4])
}

func natComment(rangeID string) string {
	return "cyris-" + rangeID
}

func runIP(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v: %s: %w", args, string(out), err)
	}
	return nil
}

func runIptables(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %v: %s: %w", args, string(out), err)
	}
	return nil
}

// tokenizeRuleForDelete turns an `iptables -S` line (e.g.
// "-A FORWARD -i cy-abc123-d4e5 -j ACCEPT ...") into the rule
// specification that follows the chain name in `iptables -D`, dropping
// the leading "-A FORWARD".
func tokenizeRuleForDelete(line string) []string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	return fields[2:]
}
