// Package config loads the global CLI configuration: base storage path,
// hypervisor connection URI, network pool, worker concurrency, and the
// operator's SSH key, from a YAML or legacy INI file plus CYRIS_* env vars.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the orchestrator's global runtime configuration.
type Config struct {
	Environment string        `mapstructure:"environment"`
	Base        BaseConfig    `mapstructure:"base"`
	Libvirt     LibvirtConfig `mapstructure:"libvirt"`
	SSH         SSHConfig     `mapstructure:"ssh"`
	Network     NetworkConfig `mapstructure:"network"`
	Workers     WorkersConfig `mapstructure:"workers"`
	Audit       AuditConfig   `mapstructure:"audit"`
	ImageStore  ImageStoreConfig `mapstructure:"image_store"`
}

// BaseConfig locates the per-range state directory tree.
type BaseConfig struct {
	Path string `mapstructure:"path"`
}

type LibvirtConfig struct {
	URI              string        `mapstructure:"uri"`
	FallbackURI      string        `mapstructure:"fallback_uri"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

type SSHConfig struct {
	KeyPath        string        `mapstructure:"key_path"`
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// NetworkConfig is the operator-configured CIDR pool for per-range subnets
// (default 10.64.0.0/10 split into /24s).
type NetworkConfig struct {
	Pool           string `mapstructure:"pool"`
	UpstreamIface  string `mapstructure:"upstream_iface"`
}

type WorkersConfig struct {
	Max int `mapstructure:"max"`
}

// AuditConfig is the optional supplementary task-evidence ledger;
// empty DSN disables it.
type AuditConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ImageStoreConfig is the optional GCS-backed warm cache for on-demand
// base images; empty bucket disables it.
type ImageStoreConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// DefaultLibvirtURI is tried first; DefaultFallbackURI is used when the
// system connection (root-owned qemu:///system) is unavailable.
const (
	DefaultLibvirtURI  = "qemu:///system"
	DefaultFallbackURI = "qemu:///session"
)

// Load reads configuration from a YAML/INI file and CYRIS_* environment
// variables, with viper's dotted-key env replacement as the fallback
// for anything bindEnvAliases doesn't cover.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/cyris")

	v.SetEnvPrefix("CYRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	bindEnvAliases(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// LoadINI reads the legacy key-value global configuration format
// accepted alongside the YAML one. It shares the same defaults and env
// overrides as Load; only the file format differs.
func LoadINI(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetEnvPrefix("CYRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading ini config file: %w", err)
	}

	bindEnvAliases(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling ini config: %w", err)
	}

	return &cfg, nil
}

// bindEnvAliases maps the documented CYRIS_* env vars onto the nested
// config keys (viper's dotted-key env replacement alone would require
// CYRIS_BASE_PATH, not CYRIS_BASE, for this one).
func bindEnvAliases(v *viper.Viper) {
	v.BindEnv("base.path", "CYRIS_BASE")
	v.BindEnv("libvirt.uri", "CYRIS_LIBVIRT_URI")
	v.BindEnv("ssh.key_path", "CYRIS_SSH_KEY")
	v.BindEnv("workers.max", "CYRIS_MAX_WORKERS")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	v.SetDefault("base.path", "/var/lib/cyris")

	v.SetDefault("libvirt.uri", DefaultLibvirtURI)
	v.SetDefault("libvirt.fallback_uri", DefaultFallbackURI)
	v.SetDefault("libvirt.connect_timeout", "10s")

	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", "10s")

	v.SetDefault("network.pool", "10.64.0.0/10")
	v.SetDefault("network.upstream_iface", "eth0")

	v.SetDefault("workers.max", 0) // not read by any component; the value has no effect

	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.max_conns", 4)

	v.SetDefault("image_store.bucket", "")
	v.SetDefault("image_store.prefix", "cyris-images/")
}
