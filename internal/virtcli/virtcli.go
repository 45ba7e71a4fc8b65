// Package virtcli provides uniform, typed invocation of the hypervisor
// command-line tools (virsh, virt-builder, virt-install, virt-customize,
// qemu-img), parsing their textual output into typed results and
// classifying failures the stderr pattern matching.
//
// Grounded on internal/services/vm/vm.go's direct os/exec invocation
// style and on original_source's virsh_client.py for the exact
// subcommands and domstate string mapping.
package virtcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DomainState mirrors the per-domain state machine:
// undefined → defined → running → (paused) → shutoff → undefined.
type DomainState string

const (
	StateUndefined DomainState = "undefined"
	StateDefined   DomainState = "defined"
	StateRunning   DomainState = "running"
	StatePaused    DomainState = "paused"
	StateShutoff   DomainState = "shutoff"
	StateMissing   DomainState = "missing"
)

// FailureClass is the non-zero-exit classification from 
type FailureClass string

const (
	FailurePermissionDenied FailureClass = "permission-denied"
	FailureImageMissing     FailureClass = "image-missing"
	FailureNameConflict     FailureClass = "name-conflict"
	FailureResourceBusy     FailureClass = "resource-busy"
	FailureTransient        FailureClass = "transient"
	FailureUnknown          FailureClass = "unknown"
)

var classifiers = []struct {
	class   FailureClass
	pattern *regexp.Regexp
}{
	{FailurePermissionDenied, regexp.MustCompile(`(?i)permission denied|authentication failed|access denied`)},
	{FailureImageMissing, regexp.MustCompile(`(?i)no such file or directory|failed to open|cannot access`)},
	{FailureNameConflict, regexp.MustCompile(`(?i)already exists|domain is already running|operation failed: domain .* already`)},
	{FailureResourceBusy, regexp.MustCompile(`(?i)resource busy|device or resource busy|unable to acquire lock`)},
	{FailureTransient, regexp.MustCompile(`(?i)timed out|connection reset|temporarily unavailable|try again`)},
}

// Classify inspects combined stdout+stderr from a failed invocation and
// returns the matching FailureClass.
func Classify(output string) FailureClass {
	for _, c := range classifiers {
		if c.pattern.MatchString(output) {
			return c.class
		}
	}
	return FailureUnknown
}

// Result captures everything worth recording for one virsh/virt-*
// invocation: captured output, return code, and duration.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

func (r Result) Combined() string { return r.Stdout + r.Stderr }

// Client invokes the hypervisor CLI tools against one connection URI.
type Client struct {
	URI          string
	Logger       *zap.Logger
	RetryBackoff time.Duration
	MaxRetries   int
}

// New returns a Client with the default transient-retry policy
// (3 retries, 2-second backoff).
func New(uri string, logger *zap.Logger) *Client {
	return &Client{URI: uri, Logger: logger, RetryBackoff: 2 * time.Second, MaxRetries: 3}
}

func (c *Client) run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if err == nil {
		res.ExitCode = 0
	} else {
		res.ExitCode = -1
	}
	return res, err
}

// runVirsh runs a virsh subcommand against c.URI, retrying transient
// failures up to MaxRetries times with RetryBackoff between attempts.
func (c *Client) runVirsh(ctx context.Context, args ...string) (Result, error) {
	fullArgs := append([]string{"-c", c.URI}, args...)
	var res Result
	var err error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		res, err = c.run(ctx, "virsh", fullArgs...)
		if err == nil {
			return res, nil
		}
		if Classify(res.Combined()) != FailureTransient || attempt == c.MaxRetries {
			return res, err
		}
		c.Logger.Warn("transient virsh failure, retrying",
			zap.Strings("args", fullArgs), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(c.RetryBackoff):
		}
	}
	return res, err
}

// DefineXML defines a domain from XML content, writing it to a temp file
// first (original_source/virsh_client.py's defineXML pattern).
func (c *Client) DefineXML(ctx context.Context, domainXML string) error {
	path, err := writeTempXML(domainXML)
	if err != nil {
		return err
	}
	defer removeTemp(path)
	res, err := c.runVirsh(ctx, "define", path)
	if err != nil {
		return fmt.Errorf("virsh define failed (%s): %s: %w", Classify(res.Combined()), res.Combined(), err)
	}
	return nil
}

// Start starts a defined domain.
func (c *Client) Start(ctx context.Context, name string) error {
	res, err := c.runVirsh(ctx, "start", name)
	if err != nil {
		return fmt.Errorf("virsh start failed (%s): %s: %w", Classify(res.Combined()), res.Combined(), err)
	}
	return nil
}

// Destroy forcibly stops a domain. Per virsh_client.py's VirshDomain.destroy,
// "domain is not running" is tolerated as success (idempotent destroy).
func (c *Client) Destroy(ctx context.Context, name string) error {
	res, err := c.runVirsh(ctx, "destroy", name)
	if err != nil {
		if strings.Contains(strings.ToLower(res.Combined()), "domain is not running") {
			return nil
		}
		if strings.Contains(strings.ToLower(res.Combined()), "failed to get domain") {
			return nil
		}
		return fmt.Errorf("virsh destroy failed (%s): %s: %w", Classify(res.Combined()), res.Combined(), err)
	}
	return nil
}

// Shutdown requests a graceful ACPI shutdown.
func (c *Client) Shutdown(ctx context.Context, name string) error {
	res, err := c.runVirsh(ctx, "shutdown", name)
	if err != nil {
		return fmt.Errorf("virsh shutdown failed: %s: %w", res.Combined(), err)
	}
	return nil
}

// Undefine removes a domain's persistent configuration. Missing domains
// are tolerated ( destroy tolerates prior partial destruction).
func (c *Client) Undefine(ctx context.Context, name string) error {
	res, err := c.runVirsh(ctx, "undefine", name)
	if err != nil && !strings.Contains(strings.ToLower(res.Combined()), "failed to get domain") {
		return fmt.Errorf("virsh undefine failed: %s: %w", res.Combined(), err)
	}
	return nil
}

// DomState returns the DomainState as parsed from `virsh domstate`,
// mirroring virsh_client.py's state-string mapping, plus StateMissing
// when the domain is not known to libvirt at all.
func (c *Client) DomState(ctx context.Context, name string) (DomainState, error) {
	res, err := c.runVirsh(ctx, "domstate", name)
	if err != nil {
		if strings.Contains(strings.ToLower(res.Combined()), "failed to get domain") {
			return StateMissing, nil
		}
		return StateMissing, fmt.Errorf("virsh domstate failed: %s: %w", res.Combined(), err)
	}
	switch strings.TrimSpace(res.Stdout) {
	case "running":
		return StateRunning, nil
	case "paused":
		return StatePaused, nil
	case "shut off":
		return StateShutoff, nil
	case "crashed":
		return StateShutoff, nil
	default:
		return StateDefined, nil
	}
}

// DomInfo returns a subset of `virsh dominfo`'s textual table.
type DomInfo struct {
	Name    string
	State   DomainState
	MaxMem  int64
	VCPUs   int
}

// GetInfo returns the `get_info` fields.
func (c *Client) GetInfo(ctx context.Context, name string) (DomInfo, error) {
	state, err := c.DomState(ctx, name)
	if err != nil {
		return DomInfo{}, err
	}
	info := DomInfo{Name: name, State: state}
	if state == StateMissing {
		return info, nil
	}
	res, err := c.runVirsh(ctx, "dominfo", name)
	if err != nil {
		return info, nil // non-fatal: status is still reportable from DomState alone
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(line, "Max memory:") {
			fmt.Sscanf(strings.TrimPrefix(line, "Max memory:"), "%d", &info.MaxMem)
		}
		if strings.HasPrefix(line, "CPU(s):") {
			fmt.Sscanf(strings.TrimPrefix(line, "CPU(s):"), "%d", &info.VCPUs)
		}
	}
	return info, nil
}

// DomIfAddr parses `virsh domifaddr --source <src>` for IPv4 addresses,
// returning them in declaration order, stripping any /prefix suffix.
func (c *Client) DomIfAddr(ctx context.Context, name, source string) ([]string, error) {
	res, err := c.runVirsh(ctx, "domifaddr", name, "--source", source)
	if err != nil {
		return nil, fmt.Errorf("virsh domifaddr failed: %s: %w", res.Combined(), err)
	}
	var ips []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "ipv4" && i+1 < len(fields) {
				ip := fields[i+1]
				if idx := strings.Index(ip, "/"); idx > 0 {
					ip = ip[:idx]
				}
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// NetDHCPLeases parses `virsh net-dhcp-leases <network>` for a MAC's
// current lease IP.
func (c *Client) NetDHCPLeases(ctx context.Context, network, mac string) ([]string, error) {
	res, err := c.runVirsh(ctx, "net-dhcp-leases", network)
	if err != nil {
		return nil, fmt.Errorf("virsh net-dhcp-leases failed: %s: %w", res.Combined(), err)
	}
	var ips []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(strings.ToLower(line), strings.ToLower(mac)) {
			continue
		}
		for _, f := range strings.Fields(line) {
			if strings.Contains(f, "/") && strings.Count(f, ".") == 3 {
				ips = append(ips, strings.SplitN(f, "/", 2)[0])
			}
		}
	}
	return ips, nil
}

// ListDomainNames lists all domains (running or not) whose name has the
// given prefix, mirroring vm.Service.ReconcileState's `virsh list --all
// --name | grep prefix`.
func (c *Client) ListDomainNames(ctx context.Context, prefix string) ([]string, error) {
	res, err := c.runVirsh(ctx, "list", "--all", "--name")
	if err != nil {
		return nil, fmt.Errorf("virsh list failed: %s: %w", res.Combined(), err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// Available runs `virsh version` to verify connectivity, matching
// verifyLibvirtAvailable/VirshConnection._test_connection.
func (c *Client) Available(ctx context.Context) error {
	res, err := c.runVirsh(ctx, "version")
	if err != nil {
		return fmt.Errorf("virsh not available at %s: %s: %w", c.URI, res.Combined(), err)
	}
	return nil
}

// QemuImgCreateOverlay creates a copy-on-write qcow2 overlay backed by
// basePath, per vm.Service.createOverlay/createOverlayOnNode.
func (c *Client) QemuImgCreateOverlay(ctx context.Context, basePath, overlayPath string) error {
	res, err := c.run(ctx, "qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", basePath, overlayPath)
	if err != nil {
		return fmt.Errorf("qemu-img create failed: %s: %w", res.Combined(), err)
	}
	return nil
}

// QemuImgConvert converts imagePath (inputFormat) to qcow2 at outputPath,
// per vm.Service.convertToQCOW2.
func (c *Client) QemuImgConvert(ctx context.Context, imagePath, inputFormat, outputPath string) error {
	res, err := c.run(ctx, "qemu-img", "convert", "-f", inputFormat, "-O", "qcow2", "-o", "lazy_refcounts=on", imagePath, outputPath)
	if err != nil {
		return fmt.Errorf("qemu-img convert failed: %s: %w", res.Combined(), err)
	}
	return nil
}

// QemuImgResize grows a qcow2 disk to the requested size (e.g. "20G").
func (c *Client) QemuImgResize(ctx context.Context, path, size string) error {
	res, err := c.run(ctx, "qemu-img", "resize", path, size)
	if err != nil {
		return fmt.Errorf("qemu-img resize failed: %s: %w", res.Combined(), err)
	}
	return nil
}

// VirtBuilder invokes virt-builder to synthesize an on-demand base disk
// the on-demand ensure_image path: image label, target
// size, hostname, root password hash, default user + authorized_keys.
type VirtBuilderSpec struct {
	ImageName      string
	OutputPath     string
	SizeGB         int
	Hostname       string
	RootPassword   string
	DefaultUser    string
	AuthorizedKeys string
}

// VirtBuilder streams virt-builder's output through onLine (:
// "stream output; on non-zero exit, fail with a kind=image-build").
func (c *Client) VirtBuilder(ctx context.Context, spec VirtBuilderSpec, onLine func(string)) error {
	args := []string{
		spec.ImageName,
		"--output", spec.OutputPath,
		"--format", "qcow2",
		"--size", fmt.Sprintf("%dG", spec.SizeGB),
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	if spec.RootPassword != "" {
		args = append(args, "--root-password", "password:"+spec.RootPassword)
	}
	if spec.DefaultUser != "" {
		args = append(args, "--firstboot-command", "useradd -m "+spec.DefaultUser+" || true")
	}
	if spec.AuthorizedKeys != "" {
		args = append(args, "--ssh-inject", "root:string:"+spec.AuthorizedKeys)
		if spec.DefaultUser != "" {
			args = append(args, "--ssh-inject", spec.DefaultUser+":string:"+spec.AuthorizedKeys)
		}
	}
	cmd := exec.CommandContext(ctx, "virt-builder", args...)
	return streamCombined(cmd, onLine)
}

// VirtCustomizeSpec configures one virt-customize pass against an
// existing disk, used to inject the operator's key into a pre-built
// clone (the on-demand path gets the same injection through
// VirtBuilderSpec instead).
type VirtCustomizeSpec struct {
	DiskPath       string
	DefaultUser    string
	AuthorizedKeys string
}

// VirtCustomize runs virt-customize against an already-provisioned
// disk to inject an SSH authorized key, the pre-built-clone
// counterpart to VirtBuilder's --ssh-inject.
func (c *Client) VirtCustomize(ctx context.Context, spec VirtCustomizeSpec, onLine func(string)) error {
	if spec.AuthorizedKeys == "" {
		return nil
	}
	args := []string{"-a", spec.DiskPath, "--ssh-inject", "root:string:" + spec.AuthorizedKeys}
	if spec.DefaultUser != "" {
		args = append(args, "--ssh-inject", spec.DefaultUser+":string:"+spec.AuthorizedKeys)
	}
	cmd := exec.CommandContext(ctx, "virt-customize", args...)
	return streamCombined(cmd, onLine)
}
