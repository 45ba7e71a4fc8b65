// cyris is the range orchestrator's CLI surface: a thin
// flag-based dispatcher over internal/orchestrator. Deliberately not a
// rich TUI — progress rendering stays outside core scope.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cyris-lab/cyris/internal/audit"
	"github.com/cyris-lab/cyris/internal/config"
	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/cyris-lab/cyris/internal/description"
	"github.com/cyris-lab/cyris/internal/imagestore"
	"github.com/cyris-lab/cyris/internal/ipdiscovery"
	"github.com/cyris-lab/cyris/internal/kvm"
	"github.com/cyris-lab/cyris/internal/orchestrator"
	"github.com/cyris-lab/cyris/internal/privilege"
	"github.com/cyris-lab/cyris/internal/sshchan"
	"github.com/cyris-lab/cyris/internal/task"
	"github.com/cyris-lab/cyris/internal/topology"
	"github.com/cyris-lab/cyris/internal/virtcli"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Exit codes used by main's return value.
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
	exitPartial    = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitError
	}

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cyris: failed to load configuration: %v\n", err)
		return exitError
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return cmdCreate(cfg, logger, rest)
	case "destroy":
		return cmdDestroy(cfg, logger, rest)
	case "status":
		return cmdStatus(cfg, logger, rest)
	case "list":
		return cmdList(cfg, logger, rest)
	case "ssh-info":
		return cmdSSHInfo(cfg, logger, rest)
	case "validate":
		return cmdValidate(rest)
	case "config-init":
		return cmdConfigInit(rest)
	case "config-show":
		return cmdConfigShow(cfg)
	default:
		fmt.Fprintf(os.Stderr, "cyris: unknown command %q\n", cmd)
		usage()
		return exitError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cyris <command> [flags]

commands:
  create <description> [--range-id ID] [--dry-run] [--build-only]
  destroy <range-id> [--force] [--rm]
  status <range-id>
  list [--all]
  ssh-info <range-id>
  validate <description>
  config-init
  config-show`)
}

func newLogger() *zap.Logger {
	if os.Getenv("CYRIS_ENV") == "development" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so an
// in-flight create/destroy can unwind cleanly instead of leaving
// partially-provisioned resources with no chance to roll back.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

// components bundles every long-lived dependency the orchestrator
// needs, torn down together via close().
type components struct {
	orch  *orchestrator.Orchestrator
	close func()
}

// buildComponents wires every component into one Orchestrator,
// following a linear construct-or-fatal sequence, generalized to
// KVM-only with the image-store/audit ledger attached only when
// configured.
func buildComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	cli := virtcli.New(cfg.Libvirt.URI, logger)
	if err := cli.Available(context.Background()); err != nil {
		cli = virtcli.New(cfg.Libvirt.FallbackURI, logger)
		if err := cli.Available(context.Background()); err != nil {
			return nil, cyriserr.Wrap(cyriserr.KindLibvirt, "connect", fmt.Errorf("no hypervisor connection available on either configured URI: %w", err))
		}
	}

	kvmProvider := kvm.New(cli.URI, logger)

	netPool := cfg.Network.Pool
	netMgr, err := topology.New(netPool, cfg.Base.Path, logger)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "topology_init", err)
	}

	resolver := ipdiscovery.New(cli, logger)

	channel := sshchan.New()
	taskExec := task.New(channel, logger)

	var imgStore *imagestore.Store
	if cfg.ImageStore.Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		imgStore, err = imagestore.New(ctx, imagestore.Config{BucketName: cfg.ImageStore.Bucket}, logger)
		cancel()
		if err != nil {
			logger.Warn("image store unavailable, on-demand images will always build fresh", zap.Error(err))
			imgStore = nil
		} else {
			closers = append(closers, func() { imgStore.Close() })
		}
	}

	if cfg.Audit.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		ledger, err := audit.New(ctx, cfg.Audit)
		cancel()
		if err != nil {
			logger.Warn("audit ledger unavailable, task evidence will not be recorded", zap.Error(err))
		} else {
			if err := ledger.Migrate(context.Background()); err != nil {
				logger.Warn("audit ledger migration failed, disabling", zap.Error(err))
				ledger.Close()
			} else {
				taskExec.SetLedger(ledger.AsTaskLedger())
				closers = append(closers, func() { ledger.Close() })
			}
		}
	}

	sshCreds := sshchan.Credentials{
		User:    cfg.SSH.User,
		KeyPath: resolveSSHKeyPath(cfg.SSH.KeyPath),
		Port:    cfg.SSH.Port,
	}

	orch := orchestrator.New(cfg.Base.Path, logger, kvmProvider, netMgr, resolver, channel, taskExec, imgStore, sshCreds)
	return &components{orch: orch, close: closeAll}, nil
}

func resolveSSHKeyPath(configured string) string {
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}

func cmdCreate(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	rangeID := fs.String("range-id", "", "override the generated range id")
	dryRun := fs.Bool("dry-run", false, "validate and print the plan without provisioning")
	buildOnly := fs.Bool("build-only", false, "accepted and logged; the full create pipeline still runs")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage()
		return exitValidation
	}

	doc, err := description.Parse(fs.Arg(0))
	if err != nil {
		return reportError(err)
	}

	if *dryRun {
		fmt.Printf("valid: %d host(s), %d guest(s), %d clone spec(s)\n", len(doc.Hosts), len(doc.Guests), len(doc.Clones))
		return exitOK
	}

	if needsElevation(doc) {
		broker := privilege.New(promptPassword)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ok, err := broker.Ensure(ctx, "image-build", []string{"virt-builder", "virt-customize"})
		cancel()
		if !ok {
			fmt.Fprintf(os.Stderr, "cyris: %v\n", err)
			return exitError
		}
	}

	if *buildOnly {
		// The orchestrator has no image-only entry point: build-only is
		// logged and the full create pipeline runs.
		logger.Info("build-only requested; running the full create pipeline (no partial-pipeline entry point exists yet)")
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return reportError(err)
	}
	defer comps.close()

	ctx, cancel := signalContext()
	defer cancel()

	if *rangeID != "" {
		for i := range doc.Clones {
			doc.Clones[i].RangeID = *rangeID
		}
	}

	id, err := comps.orch.Create(ctx, doc)
	if err != nil {
		return reportError(err)
	}

	rec, statusErr := comps.orch.Status(ctx, id)
	if statusErr == nil && rec.State == orchestrator.StateError {
		fmt.Printf("range %s created in error state; see range.json for per-guest task errors\n", id)
		return exitPartial
	}

	fmt.Printf("range %s created (state=%s)\n", id, rec.State)
	return exitOK
}

func needsElevation(doc *description.Document) bool {
	for _, g := range doc.Guests {
		if g.BaseVMType == description.BaseVMOnDemand {
			return true
		}
	}
	return false
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "sudo password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func cmdDestroy(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("destroy", flag.ContinueOnError)
	force := fs.Bool("force", false, "tolerate and continue past teardown failures")
	_ = fs.Bool("rm", false, "also remove the range directory (always done on success)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage()
		return exitValidation
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return reportError(err)
	}
	defer comps.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := comps.orch.Destroy(ctx, fs.Arg(0), *force); err != nil {
		return reportError(err)
	}
	fmt.Printf("range %s destroyed\n", fs.Arg(0))
	return exitOK
}

func cmdStatus(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage()
		return exitValidation
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return reportError(err)
	}
	defer comps.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := comps.orch.Status(ctx, fs.Arg(0))
	if err != nil {
		return reportError(err)
	}
	return printJSON(rec)
}

func cmdList(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	_ = fs.Bool("all", false, "include destroyed ranges still on disk")
	if err := fs.Parse(args); err != nil {
		usage()
		return exitValidation
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return reportError(err)
	}
	defer comps.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := comps.orch.List(ctx)
	if err != nil {
		return reportError(err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return exitOK
}

func cmdSSHInfo(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("ssh-info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage()
		return exitValidation
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return reportError(err)
	}
	defer comps.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := comps.orch.SSHInfo(ctx, fs.Arg(0))
	if err != nil {
		return reportError(err)
	}
	return printJSON(entries)
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage()
		return exitValidation
	}
	doc, err := description.Parse(fs.Arg(0))
	if err != nil {
		return reportError(err)
	}
	fmt.Printf("valid: %d host(s), %d guest(s), %d clone spec(s)\n", len(doc.Hosts), len(doc.Guests), len(doc.Clones))
	return exitOK
}

func cmdConfigInit(args []string) int {
	fs := flag.NewFlagSet("config-init", flag.ContinueOnError)
	out := fs.String("out", "config.yaml", "path to write the default config file")
	if err := fs.Parse(args); err != nil {
		usage()
		return exitValidation
	}
	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(os.Stderr, "cyris: %s already exists, refusing to overwrite\n", *out)
		return exitError
	}
	if err := os.WriteFile(*out, []byte(defaultConfigYAML), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "cyris: %v\n", err)
		return exitError
	}
	fmt.Printf("wrote %s\n", *out)
	return exitOK
}

func cmdConfigShow(cfg *config.Config) int {
	return printJSON(cfg)
}

func printJSON(v interface{}) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "cyris: %v\n", err)
		return exitError
	}
	return exitOK
}

// reportError prints the error's kind and message (for a wrapped error
// the message begins with the failing step) and maps the error's Kind
// to an exit code. No log file path is printed.
func reportError(err error) int {
	kind := cyriserr.KindOf(err)
	fmt.Fprintf(os.Stderr, "cyris: [%s] %v\n", kind, err)
	if kind == cyriserr.KindValidation {
		return exitValidation
	}
	return exitError
}

const defaultConfigYAML = `environment: production

base:
  path: /var/lib/cyris

libvirt:
  uri: qemu:///system
  fallback_uri: qemu:///session
  connect_timeout: 10s

ssh:
  key_path: ""
  user: root
  port: 22
  connect_timeout: 10s

network:
  pool: 10.64.0.0/10
  upstream_iface: eth0

workers:
  max: 0

audit:
  dsn: ""
  max_conns: 4

image_store:
  bucket: ""
  prefix: "cyris-images/"
`
