// Package kvm is the KVM provider component:
// image acquisition, disk customisation, domain definition, boot, and
// teardown, behind a narrow interface.
//
// Grounded almost wholesale on internal/services/vm/vm.go: domain XML
// generation, virsh invocation, and MAC generation (rewritten here for
// the locally-administered-bit + rehash-on-collision requirement its
// source lacked). The package does no disk-format conversion or OVA
// extraction.
package kvm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/cyris-lab/cyris/internal/description"
	"github.com/cyris-lab/cyris/internal/virtcli"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ImageSpec describes one guest's disk-acquisition request.
type ImageSpec struct {
	BaseVMType     description.BaseVMType
	ImageName      string
	ConfigFile     string // pre-built: path to an existing domain XML
	DiskGB         int
	Hostname       string
	RootPassword   string
	DefaultUser    string
	AuthorizedKeys string
}

// InterfaceSpec is one network interface to attach to a domain.
type InterfaceSpec struct {
	BridgeName string
	MAC        string
}

// DomainSpec describes a domain to define.
type DomainSpec struct {
	Name       string
	UUID       string
	MemoryMB   int
	VCPUs      int
	DiskPath   string
	Interfaces []InterfaceSpec
}

// Status mirrors the status map values.
type Status string

const (
	StatusRunning Status = "running"
	StatusShutoff Status = "shutoff"
	StatusPaused  Status = "paused"
	StatusMissing Status = "missing"
)

// Info is the get_info result.
type Info struct {
	Name      string
	Status    Status
	MaxMemory int64
	VCPUs     int
}

// WarmCache is the narrow interface EnsureImage's on-demand path
// consults before falling back to virt-builder, satisfied by
// internal/imagestore.Store. Kept as an interface here so kvm does not
// depend on a specific cloud SDK.
type WarmCache interface {
	Fetch(ctx context.Context, key, localPath string) (bool, error)
	Put(ctx context.Context, key, localPath string) error
}

// Provider implements the public operations.
type Provider struct {
	cli       *virtcli.Client
	logger    *zap.Logger
	warmCache WarmCache
}

// New returns a Provider bound to one libvirt connection URI.
func New(uri string, logger *zap.Logger) *Provider {
	return &Provider{cli: virtcli.New(uri, logger), logger: logger}
}

// SetWarmCache attaches an optional warm cache for on-demand images.
func (p *Provider) SetWarmCache(cache WarmCache) {
	p.warmCache = cache
}

// Available checks hypervisor connectivity (teacher's verifyLibvirtAvailable).
func (p *Provider) Available(ctx context.Context) error {
	return p.cli.Available(ctx)
}

// EnsureImage resolves spec to a local disk file under rangeDir,
// building on-demand via virt-builder or cloning a pre-built backing
// disk, the ensure_image behavior.
func (p *Provider) EnsureImage(ctx context.Context, spec ImageSpec, rangeDir string, onLine func(string)) (string, error) {
	disksDir := filepath.Join(rangeDir, "disks")
	if err := os.MkdirAll(disksDir, 0755); err != nil {
		return "", cyriserr.Wrap(cyriserr.KindInternal, "ensure_image", err)
	}

	switch spec.BaseVMType {
	case description.BaseVMPreBuilt:
		return p.ensurePreBuilt(ctx, spec, disksDir)
	case description.BaseVMOnDemand:
		return p.ensureOnDemand(ctx, spec, disksDir, onLine)
	default:
		return "", cyriserr.New(cyriserr.KindValidation, "ensure_image",
			fmt.Sprintf("unsupported basevm_type %q for KVM provider", spec.BaseVMType))
	}
}

func (p *Provider) ensurePreBuilt(ctx context.Context, spec ImageSpec, disksDir string) (string, error) {
	if _, err := os.Stat(spec.ConfigFile); err != nil {
		return "", cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", fmt.Errorf("basevm_config_file %s: %w", spec.ConfigFile, err))
	}
	raw, err := os.ReadFile(spec.ConfigFile)
	if err != nil {
		return "", cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", err)
	}
	backingDisk, err := parseBackingDiskFromDomainXML(raw)
	if err != nil {
		return "", cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", fmt.Errorf("%s does not parse as a well-formed domain XML: %w", spec.ConfigFile, err))
	}

	clonePath := filepath.Join(disksDir, uuid.New().String()+".qcow2")
	if err := p.cli.QemuImgCreateOverlay(ctx, backingDisk, clonePath); err != nil {
		return "", cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", err)
	}

	if spec.AuthorizedKeys != "" {
		custSpec := virtcli.VirtCustomizeSpec{DiskPath: clonePath, DefaultUser: spec.DefaultUser, AuthorizedKeys: spec.AuthorizedKeys}
		if err := p.cli.VirtCustomize(ctx, custSpec, nil); err != nil {
			os.Remove(clonePath)
			return "", cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", fmt.Errorf("inject operator key: %w", err))
		}
	}

	if err := validateDisk(clonePath, 0); err != nil {
		os.Remove(clonePath)
		return "", err
	}
	return clonePath, nil
}

func (p *Provider) ensureOnDemand(ctx context.Context, spec ImageSpec, disksDir string, onLine func(string)) (string, error) {
	outputPath := filepath.Join(disksDir, sanitizeFileName(spec.ImageName)+"-"+uuid.New().String()[:8]+".qcow2")
	diskGB := spec.DiskGB
	if diskGB <= 0 {
		diskGB = 20
	}

	cacheKey := warmCacheKey(spec, diskGB)
	if p.warmCache != nil {
		hit, err := p.warmCache.Fetch(ctx, cacheKey, outputPath)
		if err != nil {
			p.logger.Warn("warm cache fetch failed, falling back to virt-builder", zap.String("key", cacheKey), zap.Error(err))
		} else if hit {
			if verr := validateDisk(outputPath, diskGB); verr != nil {
				p.logger.Warn("warm cache hit failed validation, rebuilding", zap.String("key", cacheKey), zap.Error(verr))
				os.Remove(outputPath)
			} else {
				return outputPath, nil
			}
		}
	}

	buildSpec := virtcli.VirtBuilderSpec{
		ImageName:      spec.ImageName,
		OutputPath:     outputPath,
		SizeGB:         diskGB,
		Hostname:       spec.Hostname,
		RootPassword:   spec.RootPassword,
		DefaultUser:    spec.DefaultUser,
		AuthorizedKeys: spec.AuthorizedKeys,
	}
	if err := p.cli.VirtBuilder(ctx, buildSpec, onLine); err != nil {
		return "", cyriserr.Wrap(cyriserr.KindImageBuild, "ensure_image", err)
	}
	if err := validateDisk(outputPath, diskGB); err != nil {
		os.Remove(outputPath)
		return "", err
	}

	if p.warmCache != nil {
		if err := p.warmCache.Put(ctx, cacheKey, outputPath); err != nil {
			p.logger.Warn("warm cache populate failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return outputPath, nil
}

// warmCacheKey includes a hash of everything virt-builder bakes into
// the disk (hostname, root password, authorized keys): two guests only
// share a cache entry when virt-builder would have produced byte-
// identical output for both.
func warmCacheKey(spec ImageSpec, diskGB int) string {
	h := sha256.Sum256([]byte(spec.Hostname + "|" + spec.RootPassword + "|" + spec.DefaultUser + "|" + spec.AuthorizedKeys))
	return fmt.Sprintf("%s-%dg-%x.qcow2", sanitizeFileName(spec.ImageName), diskGB, h[:6])
}

// Define renders the canonical domain XML and defines the domain.
func (p *Provider) Define(ctx context.Context, spec DomainSpec) (string, error) {
	if spec.UUID == "" {
		spec.UUID = uuid.New().String()
	}
	xmlDoc := GenerateDomainXML(spec)
	if err := p.cli.DefineXML(ctx, xmlDoc); err != nil {
		return "", cyriserr.Wrap(cyriserr.KindLibvirt, "define", err)
	}
	return spec.Name, nil
}

func (p *Provider) Start(ctx context.Context, name string) error {
	if err := p.cli.Start(ctx, name); err != nil {
		return cyriserr.Wrap(cyriserr.KindLibvirt, "start", err)
	}
	return nil
}

// Stop stops a domain; graceful requests ACPI shutdown, otherwise
// destroys (hard power-off) it, the stop(name, graceful?).
func (p *Provider) Stop(ctx context.Context, name string, graceful bool) error {
	var err error
	if graceful {
		err = p.cli.Shutdown(ctx, name)
	} else {
		err = p.cli.Destroy(ctx, name)
	}
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindLibvirt, "stop", err)
	}
	return nil
}

// Destroy forcibly powers off and undefines a domain, tolerating an
// already-absent domain ( destroy tolerance).
func (p *Provider) Destroy(ctx context.Context, name string) error {
	if err := p.cli.Destroy(ctx, name); err != nil {
		return cyriserr.Wrap(cyriserr.KindLibvirt, "destroy", err)
	}
	if err := p.cli.Undefine(ctx, name); err != nil {
		return cyriserr.Wrap(cyriserr.KindLibvirt, "destroy", err)
	}
	return nil
}

// Status reports live per-domain state for the given names.
func (p *Provider) Status(ctx context.Context, names []string) (map[string]Status, error) {
	out := make(map[string]Status, len(names))
	for _, name := range names {
		state, err := p.cli.DomState(ctx, name)
		if err != nil {
			return nil, cyriserr.Wrap(cyriserr.KindLibvirt, "status", err)
		}
		out[name] = statusFromDomState(state)
	}
	return out, nil
}

// GetInfo returns the get_info fields for one domain.
func (p *Provider) GetInfo(ctx context.Context, name string) (Info, error) {
	di, err := p.cli.GetInfo(ctx, name)
	if err != nil {
		return Info{}, cyriserr.Wrap(cyriserr.KindLibvirt, "get_info", err)
	}
	return Info{Name: di.Name, Status: statusFromDomState(di.State), MaxMemory: di.MaxMem, VCPUs: di.VCPUs}, nil
}

// ListDomainNames exposes the virtcli lookup for reconciliation/cleanup.
func (p *Provider) ListDomainNames(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.cli.ListDomainNames(ctx, prefix)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindLibvirt, "list", err)
	}
	return names, nil
}

func statusFromDomState(s virtcli.DomainState) Status {
	switch s {
	case virtcli.StateRunning:
		return StatusRunning
	case virtcli.StatePaused:
		return StatusPaused
	case virtcli.StateShutoff, virtcli.StateDefined:
		return StatusShutoff
	default:
		return StatusMissing
	}
}

// GenerateDomainXML builds the canonical libvirt domain XML template
//: name, UUID, memory, vCPUs, disk path, per-network
// interface elements with model=virtio and a locally-administered MAC.
// Grounded on vm.Service.generateDomainXML's inline fmt.Sprintf template.
func GenerateDomainXML(spec DomainSpec) string {
	var ifaces strings.Builder
	for _, ifc := range spec.Interfaces {
		fmt.Fprintf(&ifaces, `
    <interface type='bridge'>
      <mac address='%s'/>
      <source bridge='%s'/>
      <model type='virtio'/>
    </interface>`, ifc.MAC, ifc.BridgeName)
	}

	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <uuid>%s</uuid>
  <memory unit='MiB'>%d</memory>
  <vcpu>%d</vcpu>
  <os>
    <type arch='x86_64'>hvm</type>
    <boot dev='hd'/>
  </os>
  <features>
    <acpi/>
    <apic/>
  </features>
  <cpu mode='host-passthrough'/>
  <clock offset='utc'/>
  <on_poweroff>destroy</on_poweroff>
  <on_reboot>restart</on_reboot>
  <on_crash>destroy</on_crash>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>%s
    <serial type='pty'>
      <target port='0'/>
    </serial>
    <console type='pty'>
      <target type='serial' port='0'/>
    </console>
  </devices>
</domain>`, spec.Name, spec.UUID, spec.MemoryMB, spec.VCPUs, spec.DiskPath, ifaces.String())
}

// GenerateMAC derives a deterministic MAC from (rangeID, guestID, idx,
// iface), with the locally-administered bit set and the multicast bit
// cleared on the first octet (the boundary behaviour), and
// rehashes by appending an attempt counter until used(mac) is false
// (the "Tie-break for MAC collisions").
func GenerateMAC(rangeID, guestID string, idx int, iface string, used func(string) bool) string {
	for attempt := 0; ; attempt++ {
		h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d", rangeID, guestID, idx, iface, attempt)))
		first := h[0]
		first &^= 0x01 // clear multicast bit
		first |= 0x02  // set locally-administered bit
		mac := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", first, h[1], h[2], h[3], h[4], h[5])
		if used == nil || !used(mac) {
			return mac
		}
	}
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// parseBackingDiskFromDomainXML extracts the <source file='...'/> of the
// first <disk> element, treating that as a minimal well-formedness check
// as a well-formed-domain-XML sanity check.
func parseBackingDiskFromDomainXML(raw []byte) (string, error) {
	content := string(raw)
	if !strings.Contains(content, "<domain") {
		return "", fmt.Errorf("missing <domain> root element")
	}
	const marker = "<source file='"
	idx := strings.Index(content, marker)
	if idx < 0 {
		const marker2 = `<source file="`
		idx = strings.Index(content, marker2)
		if idx < 0 {
			return "", fmt.Errorf("no <disk><source file=...> element found")
		}
		idx += len(marker2)
		end := strings.IndexByte(content[idx:], '"')
		if end < 0 {
			return "", fmt.Errorf("malformed source element")
		}
		return content[idx : idx+end], nil
	}
	idx += len(marker)
	end := strings.IndexByte(content[idx:], '\'')
	if end < 0 {
		return "", fmt.Errorf("malformed source element")
	}
	return content[idx : idx+end], nil
}
