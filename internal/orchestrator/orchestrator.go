// Package orchestrator is the range orchestrator: the top-level
// create/destroy/status/list/ssh_info operations that drive every
// other component through one range's lifecycle.
//
// Grounded on internal/services/instance/manager.go's Manager shape (a
// mutex-guarded map cache backed by a persistent store, unified
// operations dispatching to per-backend services) generalized from
// Docker-or-VM dispatch to KVM-only, with topology/ipdiscovery/task
// wired in as the per-guest provisioning pipeline instance.Manager
// never needed.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/cyris-lab/cyris/internal/description"
	"github.com/cyris-lab/cyris/internal/imagestore"
	"github.com/cyris-lab/cyris/internal/ipdiscovery"
	"github.com/cyris-lab/cyris/internal/kvm"
	"github.com/cyris-lab/cyris/internal/sshchan"
	"github.com/cyris-lab/cyris/internal/task"
	"github.com/cyris-lab/cyris/internal/topology"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

// State is a range's overall lifecycle state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning       State = "running"
	StateDegraded      State = "degraded" // some non-entry-point guests failed
	StateError         State = "error"    // an entry-point guest failed
	StateDestroying    State = "destroying"
	StateDestroyed     State = "destroyed"
)

// GuestRecord is one guest's persisted state within a range.
type GuestRecord struct {
	GuestID    string `json:"guest_id"`
	DomainName string `json:"domain_name"`
	DiskPath   string `json:"disk_path"`
	BridgeName string `json:"bridge_name"`
	MAC        string `json:"mac"`
	IPAddress  string `json:"ip_address,omitempty"`
	Status     string `json:"status"`
	EntryPoint bool   `json:"entry_point"`
	TaskErrors []string `json:"task_errors,omitempty"`
}

// Record is a range's full persisted state (the range.json).
type Record struct {
	RangeID   string                 `json:"range_id"`
	State     State                  `json:"state"`
	CreatedAt time.Time              `json:"created_at"`
	Networks  []topology.Network     `json:"networks"`
	Guests    map[string]*GuestRecord `json:"guests"`
}

// Orchestrator wires every component into the full range lifecycle.
type Orchestrator struct {
	mu sync.Mutex

	baseDir    string
	logger     *zap.Logger
	kvm        *kvm.Provider
	net        *topology.Manager
	resolver   *ipdiscovery.Resolver
	ssh        *sshchan.Channel
	tasks      *task.Executor
	images     *imagestore.Store // optional, may be nil
	sshCreds   sshchan.Credentials
}

// New wires the orchestrator's dependencies together. images may be nil
// when no GCS-backed warm cache is configured (EnsureImage then always
// falls through to virt-builder).
func New(baseDir string, logger *zap.Logger, kvmProvider *kvm.Provider, net *topology.Manager, resolver *ipdiscovery.Resolver, ssh *sshchan.Channel, tasks *task.Executor, images *imagestore.Store, sshCreds sshchan.Credentials) *Orchestrator {
	if images != nil {
		kvmProvider.SetWarmCache(images)
	}
	return &Orchestrator{
		baseDir:  baseDir,
		logger:   logger,
		kvm:      kvmProvider,
		net:      net,
		resolver: resolver,
		ssh:      ssh,
		tasks:    tasks,
		images:   images,
		sshCreds: sshCreds,
	}
}

func (o *Orchestrator) rangeDir(rangeID string) string {
	return filepath.Join(o.baseDir, "ranges", rangeID)
}

func (o *Orchestrator) recordPath(rangeID string) string {
	return filepath.Join(o.rangeDir(rangeID), "range.json")
}

func (o *Orchestrator) persist(rec *Record) error {
	dir := o.rangeDir(rec.RangeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "persist", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "persist", err)
	}
	path := o.recordPath(rec.RangeID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "persist", err)
	}
	return os.Rename(tmp, path)
}

func (o *Orchestrator) load(rangeID string) (*Record, error) {
	raw, err := os.ReadFile(o.recordPath(rangeID))
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindValidation, "load", fmt.Errorf("range %s not found: %w", rangeID, err))
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "load", err)
	}
	return &rec, nil
}

// Create runs the seven-step creation pipeline for one range
// description, rolling back everything created so far if steps 1-4
// fail, and tolerating per-guest failures (other than on the entry
// point) in steps 5-7.
func (o *Orchestrator) Create(ctx context.Context, doc *description.Document) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rangeID := resolveRangeID(doc)
	if _, err := os.Stat(o.recordPath(rangeID)); err == nil {
		return "", cyriserr.New(cyriserr.KindValidation, "create", fmt.Sprintf("range %s already exists", rangeID))
	}

	rec := &Record{RangeID: rangeID, State: StateProvisioning, CreatedAt: time.Now(), Guests: map[string]*GuestRecord{}}

	entryPoints := entryPointSet(doc)

	authorizedKey, err := o.provisionOperatorKey(rangeID)
	if err != nil {
		return "", err
	}

	if err := o.createNetworks(ctx, rangeID, doc, rec); err != nil {
		o.rollbackNetworks(ctx, rangeID, rec)
		return "", err
	}

	if err := o.defineAndStartGuests(ctx, rangeID, doc, rec, entryPoints, authorizedKey); err != nil {
		o.rollbackAll(ctx, rangeID, rec)
		return "", err
	}

	o.resolveGuestIPs(ctx, rec)
	o.probeGuestsReady(ctx, rec)
	o.runGuestTasks(ctx, doc, rec)

	rec.State = finalState(rec, entryPoints)
	if err := o.persist(rec); err != nil {
		return "", err
	}
	return rangeID, nil
}

// resolveRangeID honors an operator-chosen range_id carried on any
// clone spec, generating one only when every clone spec leaves it
// blank.
func resolveRangeID(doc *description.Document) string {
	for _, c := range doc.Clones {
		if c.RangeID != "" {
			return c.RangeID
		}
	}
	return newRangeID(doc)
}

// provisionOperatorKey copies the configured operator keypair into the
// range's own keys directory and returns the public key content to
// inject into every guest disk.
func (o *Orchestrator) provisionOperatorKey(rangeID string) (string, error) {
	if o.sshCreds.KeyPath == "" {
		return "", nil
	}
	pub, err := os.ReadFile(o.sshCreds.KeyPath + ".pub")
	if err != nil {
		return "", cyriserr.Wrap(cyriserr.KindValidation, "operator_key", err)
	}

	keysDir := filepath.Join(o.rangeDir(rangeID), "keys")
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return "", cyriserr.Wrap(cyriserr.KindInternal, "operator_key", err)
	}
	if priv, err := os.ReadFile(o.sshCreds.KeyPath); err == nil {
		os.WriteFile(filepath.Join(keysDir, "id_ed25519"), priv, 0600)
	}
	os.WriteFile(filepath.Join(keysDir, "id_ed25519.pub"), pub, 0644)

	return strings.TrimSpace(string(pub)), nil
}

func (o *Orchestrator) createNetworks(ctx context.Context, rangeID string, doc *description.Document, rec *Record) error {
	for _, clone := range doc.Clones {
		for _, n := range clone.Topology {
			netw, err := o.net.CreateNetwork(ctx, rangeID, n.Name)
			if err != nil {
				return cyriserr.Wrap(cyriserr.KindNetwork, "create_network", err)
			}
			if err := o.net.InstallNAT(ctx, netw); err != nil {
				return cyriserr.Wrap(cyriserr.KindNetwork, "install_nat", err)
			}
			rec.Networks = append(rec.Networks, *netw)
		}
	}
	return nil
}

func (o *Orchestrator) rollbackNetworks(ctx context.Context, rangeID string, rec *Record) {
	o.net.DestroyNetwork(ctx, rangeID)
}

func (o *Orchestrator) defineAndStartGuests(ctx context.Context, rangeID string, doc *description.Document, rec *Record, entryPoints map[string]bool, authorizedKey string) error {
	guestByID := make(map[string]description.Guest, len(doc.Guests))
	for _, g := range doc.Guests {
		guestByID[g.GuestID] = g
	}
	bridgeByNetwork := bridgeIndex(rec.Networks)

	for _, clone := range doc.Clones {
		for _, inst := range clone.Instances {
			guest, ok := guestByID[inst.GuestID]
			if !ok {
				continue // validated at parse time
			}
			count := inst.Number
			if count <= 0 {
				count = 1
			}
			memberships := guestMemberships(clone, guest.GuestID)

			for idx := 0; idx < count; idx++ {
				key := fmt.Sprintf("%s#%d", guest.GuestID, idx)
				if err := o.defineAndStartOneGuest(ctx, rangeID, guest, idx, key, memberships, bridgeByNetwork, rec, entryPoints, authorizedKey); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) defineAndStartOneGuest(ctx context.Context, rangeID string, guest description.Guest, idx int, recordKey string, memberships []networkMembership, bridgeByNetwork map[string]string, rec *Record, entryPoints map[string]bool, authorizedKey string) error {
	imgSpec := guestImageSpec(guest, authorizedKey, o.sshCreds.User)
	diskPath, err := o.kvm.EnsureImage(ctx, imgSpec, o.rangeDir(rangeID), nil)
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", err)
	}

	domainName := domainNameFor(rangeID, guest.GuestID, idx)

	interfaces := make([]kvm.InterfaceSpec, 0, len(memberships))
	primaryBridge := ""
	for _, m := range memberships {
		bridgeName := bridgeByNetwork[m.NetworkName]
		mac := kvm.GenerateMAC(rangeID, guest.GuestID, idx, m.Interface, func(candidate string) bool {
			return macInUse(rec, candidate)
		})
		interfaces = append(interfaces, kvm.InterfaceSpec{BridgeName: bridgeName, MAC: mac})
		if primaryBridge == "" {
			primaryBridge = bridgeName
		}
	}

	spec := kvm.DomainSpec{
		Name:       domainName,
		MemoryMB:   guest.MemoryMB,
		VCPUs:      guest.VCPUs,
		DiskPath:   diskPath,
		Interfaces: interfaces,
	}
	if _, err := o.kvm.Define(ctx, spec); err != nil {
		return cyriserr.Wrap(cyriserr.KindLibvirt, "define", err)
	}
	if err := o.kvm.Start(ctx, domainName); err != nil {
		return cyriserr.Wrap(cyriserr.KindLibvirt, "start", err)
	}

	mac := ""
	if len(interfaces) > 0 {
		mac = interfaces[0].MAC
	}
	rec.Guests[recordKey] = &GuestRecord{
		GuestID:    guest.GuestID,
		DomainName: domainName,
		DiskPath:   diskPath,
		BridgeName: primaryBridge,
		MAC:        mac,
		Status:     "running",
		EntryPoint: entryPoints[guest.GuestID],
	}
	return nil
}

// networkMembership is one guest interface declared in a clone's
// topology: the named network it joins and the interface it binds to.
type networkMembership struct {
	NetworkName string
	Interface   string
}

// guestMemberships returns every network a guest is declared a member
// of within one clone spec, in topology declaration order.
func guestMemberships(clone description.CloneSpec, guestID string) []networkMembership {
	var out []networkMembership
	for _, net := range clone.Topology {
		for _, m := range net.Members {
			if m.GuestID == guestID {
				out = append(out, networkMembership{NetworkName: net.Name, Interface: m.Interface})
			}
		}
	}
	return out
}

// bridgeIndex maps a range's networks by declared name to their
// allocated bridge, for interface attachment.
func bridgeIndex(networks []topology.Network) map[string]string {
	out := make(map[string]string, len(networks))
	for _, n := range networks {
		out[n.Name] = n.BridgeName
	}
	return out
}

func (o *Orchestrator) rollbackAll(ctx context.Context, rangeID string, rec *Record) {
	for _, g := range rec.Guests {
		o.kvm.Destroy(ctx, g.DomainName)
	}
	o.net.DestroyNetwork(ctx, rangeID)
}

// resolveGuestIPs resolves every guest's IP, tolerating individual
// failures — a guest with no resolved address is still reported in
// status, just without ssh_info available (the later step).
func (o *Orchestrator) resolveGuestIPs(ctx context.Context, rec *Record) {
	names := make([]string, 0, len(rec.Guests))
	byName := make(map[string]*GuestRecord, len(rec.Guests))
	for _, g := range rec.Guests {
		names = append(names, g.DomainName)
		byName[g.DomainName] = g
	}
	resolved, _ := o.resolver.ResolveAll(ctx, names, 0)
	for name, ip := range resolved {
		byName[name].IPAddress = ip
	}
}

// probeGuestsReady blocks until each guest with a resolved IP answers
// an SSH handshake, or its backoff schedule is exhausted; an
// unreachable guest is recorded but does not block the others.
func (o *Orchestrator) probeGuestsReady(ctx context.Context, rec *Record) {
	for _, gr := range rec.Guests {
		if gr.IPAddress == "" {
			continue
		}
		target := sshchan.Target{Host: gr.IPAddress, Creds: o.sshCreds}
		if err := o.probeSSHReady(ctx, target); err != nil {
			gr.TaskErrors = append(gr.TaskErrors, cyriserr.Wrap(cyriserr.KindDiscoveryTimeout, "ssh_probe", err).Error())
			gr.Status = "unreachable"
		}
	}
}

// probeSSHReady retries an SSH handshake with exponential backoff
// (base 1s, capped at 10s, ±20% jitter) up to 20 attempts.
func (o *Orchestrator) probeSSHReady(ctx context.Context, target sshchan.Target) error {
	const maxAttempts = 20
	const base = time.Second
	const capDelay = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := o.ssh.Probe(ctx, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		delay := base << uint(attempt)
		if delay <= 0 || delay > capDelay {
			delay = capDelay
		}
		jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return lastErr
}

// runGuestTasks executes each guest's declared tasks over SSH,
// tolerating per-guest failure except on entry-point guests, per
// the entry-point-guest success gating policy.
func (o *Orchestrator) runGuestTasks(ctx context.Context, doc *description.Document, rec *Record) {
	guestByID := make(map[string]description.Guest, len(doc.Guests))
	for _, g := range doc.Guests {
		guestByID[g.GuestID] = g
	}

	for _, gr := range rec.Guests {
		guest, ok := guestByID[gr.GuestID]
		if !ok || gr.IPAddress == "" || len(guest.Tasks) == 0 {
			continue
		}
		target := sshchan.Target{Host: gr.IPAddress, Creds: o.sshCreds}
		results := o.tasks.RunSequence(ctx, target, rec.RangeID, guest.GuestID, guest.Tasks)
		for _, r := range results {
			if r.Err != nil {
				gr.TaskErrors = append(gr.TaskErrors, r.Err.Error())
			}
		}
		if len(gr.TaskErrors) > 0 {
			gr.Status = "task-errors"
		}
	}
}

// Destroy tears down every resource belonging to rangeID: domains,
// disks, and networks, tolerating partial prior destruction (destroy
// is idempotent).
func (o *Orchestrator) Destroy(ctx context.Context, rangeID string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.load(rangeID)
	if err != nil {
		if force {
			return nil
		}
		return err
	}
	rec.State = StateDestroying
	o.persist(rec)

	var lastErr error
	for _, g := range rec.Guests {
		if err := o.kvm.Destroy(ctx, g.DomainName); err != nil && !force {
			lastErr = err
		}
		os.Remove(g.DiskPath)
	}
	if err := o.net.DestroyNetwork(ctx, rangeID); err != nil && !force {
		lastErr = err
	}
	if lastErr != nil {
		return lastErr
	}

	rec.State = StateDestroyed
	o.persist(rec)
	return os.RemoveAll(o.rangeDir(rangeID))
}

// Status returns rangeID's record, refreshing each guest's live domain
// state from the KVM provider.
func (o *Orchestrator) Status(ctx context.Context, rangeID string) (*Record, error) {
	rec, err := o.load(rangeID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rec.Guests))
	for _, g := range rec.Guests {
		names = append(names, g.DomainName)
	}
	live, err := o.kvm.Status(ctx, names)
	if err == nil {
		for _, g := range rec.Guests {
			if s, ok := live[g.DomainName]; ok {
				g.Status = string(s)
			}
		}
	}
	return rec, nil
}

// List returns every range's ID known under the base directory.
func (o *Orchestrator) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(o.baseDir, "ranges"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "list", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// SSHInfoEntry is one guest's connection detail for operator use.
type SSHInfoEntry struct {
	GuestID   string `json:"guest_id"`
	IPAddress string `json:"ip_address"`
	User      string `json:"user"`
}

// SSHInfo returns connection details for every guest in rangeID that
// has a resolved IP address.
func (o *Orchestrator) SSHInfo(ctx context.Context, rangeID string) ([]SSHInfoEntry, error) {
	rec, err := o.load(rangeID)
	if err != nil {
		return nil, err
	}
	var out []SSHInfoEntry
	for _, g := range rec.Guests {
		if g.IPAddress == "" {
			continue
		}
		out = append(out, SSHInfoEntry{GuestID: g.GuestID, IPAddress: g.IPAddress, User: o.sshCreds.User})
	}
	return out, nil
}

func newRangeID(doc *description.Document) string {
	base := "range"
	if len(doc.Guests) > 0 {
		base = slug.Make(doc.Guests[0].GuestID)
	}
	return fmt.Sprintf("%s-%s", base, uuid.New().String()[:8])
}

func entryPointSet(doc *description.Document) map[string]bool {
	set := make(map[string]bool)
	for _, clone := range doc.Clones {
		for _, id := range clone.EntryPointGuestIDs() {
			set[id] = true
		}
	}
	return set
}

// domainNameFor generates the name a created domain is defined and
// started under: range{range_id}-{guest_id}-{idx}-{rand8hex}.
func domainNameFor(rangeID, guestID string, idx int) string {
	return fmt.Sprintf("range%s-%s-%d-%s", rangeID, guestID, idx, uuid.New().String()[:8])
}

func macInUse(rec *Record, candidate string) bool {
	for _, g := range rec.Guests {
		if g.MAC == candidate {
			return true
		}
	}
	return false
}

func guestImageSpec(guest description.Guest, authorizedKey, defaultUser string) kvm.ImageSpec {
	if defaultUser == "root" {
		defaultUser = ""
	}
	return kvm.ImageSpec{
		BaseVMType:     guest.BaseVMType,
		ImageName:      guest.ImageName,
		ConfigFile:     guest.BaseVMConfigFile,
		DiskGB:         guest.DiskGB,
		Hostname:       guest.GuestID,
		RootPassword:   guest.RootPassword,
		DefaultUser:    defaultUser,
		AuthorizedKeys: authorizedKey,
	}
}

// finalState computes the range's overall state under entry-point
// gating: an entry-point guest task failure is fatal to the range's
// reported state; other guest failures only degrade it.
func finalState(rec *Record, entryPoints map[string]bool) State {
	degraded := false
	for _, g := range rec.Guests {
		if len(g.TaskErrors) == 0 {
			continue
		}
		if entryPoints[g.GuestID] {
			return StateError
		}
		degraded = true
	}
	if degraded {
		return StateDegraded
	}
	return StateRunning
}
