// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xnodehq/xnode-manager/lib/nix"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
)

// ConfigEnvironmentVariable names the configuration file when no
// --config flag is given.
const ConfigEnvironmentVariable = "XNODE_MANAGER_CONFIG"

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen ListenConfig `yaml:"listen"`

	// Owner is the identity granted every permission, compared
	// case-insensitively. Stored lowercased.
	Owner string `yaml:"owner"`

	Paths     PathsConfig     `yaml:"paths"`
	Tools     ToolsConfig     `yaml:"tools"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig is the address the HTTP facade binds.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port.
func (l ListenConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// PathsConfig holds the filesystem roots.
type PathsConfig struct {
	// DataDir is the daemon's own state root. ${DATADIR} in the other
	// paths expands to it.
	DataDir string `yaml:"data_dir"`

	// CommandStream holds one directory per job.
	CommandStream string `yaml:"command_stream"`

	ContainerSettings string `yaml:"container_settings"`
	ContainerState    string `yaml:"container_state"`
	ContainerProfile  string `yaml:"container_profile"`
	ContainerConfig   string `yaml:"container_config"`

	// OS is the host's flake directory.
	OS string `yaml:"os"`
}

// ToolsConfig locates the external binaries. Each prefix is the
// directory holding a package's binaries; empty means search PATH and
// then the Nix default profile.
type ToolsConfig struct {
	NixPrefix       string `yaml:"nix"`
	SystemdPrefix   string `yaml:"systemd"`
	E2fsprogsPrefix string `yaml:"e2fsprogs"`

	// BuildCores is exported to builds as NIX_BUILD_CORES. Zero keeps
	// the nix default.
	BuildCores int `yaml:"build_cores"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	// SerializeContainers queues jobs touching the same container
	// instead of letting them interleave.
	SerializeContainers bool `yaml:"serialize_containers"`
}

// JobsConfig tunes the job tracker.
type JobsConfig struct {
	// MaxConcurrent caps jobs running at once. Zero is unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given. The
// values match the NixOS module's defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 34391},
		Owner:  reconcile.DefaultXnodeOwner,
		Paths: PathsConfig{
			DataDir:           "/var/lib/xnode-manager",
			CommandStream:     "${DATADIR}/commandstream",
			ContainerSettings: "${DATADIR}/containers",
			ContainerState:    "/var/lib/nixos-containers",
			ContainerProfile:  "/nix/var/nix/profiles/per-container",
			ContainerConfig:   "/etc/nixos-containers",
			OS:                "/etc/nixos",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Options select where configuration comes from.
type Options struct {
	// Path is the YAML file. Empty falls back to XNODE_MANAGER_CONFIG,
	// and then to Default alone.
	Path string

	// EnvFile is a dotenv file loaded into the process environment
	// before anything else. Variables already set are not replaced.
	EnvFile string

	// Lookup reads environment variables. Nil means os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load builds the configuration: defaults, then the YAML file, then
// environment overrides, then ${VAR} expansion. The result is
// validated.
func Load(options Options) (*Config, error) {
	if options.EnvFile != "" {
		if err := godotenv.Load(options.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", options.EnvFile, err)
		}
	}
	lookup := options.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	path := options.Path
	if path == "" {
		path, _ = lookup(ConfigEnvironmentVariable)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvironment(lookup); err != nil {
		return nil, err
	}
	cfg.expandVariables(lookup)
	cfg.Owner = strings.ToLower(cfg.Owner)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads path with no dotenv file and the process environment.
func LoadFile(path string) (*Config, error) {
	return Load(Options{Path: path})
}

// loadFile merges a YAML file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironment applies the variables the daemon has always read.
// A set variable wins over the file.
func (c *Config) applyEnvironment(lookup func(string) (string, bool)) error {
	texts := []struct {
		name   string
		target *string
	}{
		{"HOSTNAME", &c.Listen.Host},
		{"OWNER", &c.Owner},
		{"DATADIR", &c.Paths.DataDir},
		{"OSDIR", &c.Paths.OS},
		{"COMMANDSTREAM", &c.Paths.CommandStream},
		{"CONTAINERSETTINGS", &c.Paths.ContainerSettings},
		{"CONTAINERSTATE", &c.Paths.ContainerState},
		{"CONTAINERPROFILE", &c.Paths.ContainerProfile},
		{"CONTAINERCONFIG", &c.Paths.ContainerConfig},
		{"NIX", &c.Tools.NixPrefix},
		{"SYSTEMD", &c.Tools.SystemdPrefix},
		{"E2FSPROGS", &c.Tools.E2fsprogsPrefix},
	}
	for _, variable := range texts {
		if value, ok := lookup(variable.name); ok && value != "" {
			*variable.target = value
		}
	}

	integers := []struct {
		name   string
		target *int
	}{
		{"PORT", &c.Listen.Port},
		{"BUILDCORES", &c.Tools.BuildCores},
	}
	for _, variable := range integers {
		value, ok := lookup(variable.name)
		if !ok || value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("environment variable %s: %q is not an integer", variable.name, value)
		}
		*variable.target = parsed
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables(lookup func(string) (string, bool)) {
	vars := map[string]string{
		"DATADIR": c.Paths.DataDir,
	}

	c.Paths.DataDir = expandVars(c.Paths.DataDir, vars, lookup)
	vars["DATADIR"] = c.Paths.DataDir

	for _, path := range []*string{
		&c.Paths.CommandStream,
		&c.Paths.ContainerSettings,
		&c.Paths.ContainerState,
		&c.Paths.ContainerProfile,
		&c.Paths.ContainerConfig,
		&c.Paths.OS,
	} {
		*path = expandVars(*path, vars, lookup)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string, lookup func(string) (string, bool)) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value, ok := lookup(name); ok && value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d is out of range", c.Listen.Port))
	}
	if c.Owner == "" {
		errs = append(errs, fmt.Errorf("owner is required"))
	}

	for name, path := range map[string]string{
		"paths.command_stream":     c.Paths.CommandStream,
		"paths.container_settings": c.Paths.ContainerSettings,
		"paths.container_state":    c.Paths.ContainerState,
		"paths.container_profile":  c.Paths.ContainerProfile,
		"paths.container_config":   c.Paths.ContainerConfig,
		"paths.os":                 c.Paths.OS,
	} {
		switch {
		case path == "":
			errs = append(errs, fmt.Errorf("%s is required", name))
		case !filepath.IsAbs(path):
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", name, path))
		}
	}

	if c.Tools.BuildCores < 0 {
		errs = append(errs, fmt.Errorf("tools.build_cores must not be negative"))
	}
	if c.Jobs.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent must not be negative"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the directories the daemon owns.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.CommandStream, c.Paths.ContainerSettings} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// EnginePaths converts the paths section for the reconciliation engine.
func (c *Config) EnginePaths() reconcile.Paths {
	return reconcile.Paths{
		ContainerSettings: c.Paths.ContainerSettings,
		ContainerState:    c.Paths.ContainerState,
		ContainerProfile:  c.Paths.ContainerProfile,
		ContainerConfig:   c.Paths.ContainerConfig,
		OS:                c.Paths.OS,
	}
}

// EngineTools resolves every binary the engine runs. systemctl and
// systemd-run come from the systemd package, chattr from e2fsprogs.
// nixos-rebuild and uname are found on PATH.
func (c *Config) EngineTools() reconcile.Tools {
	return reconcile.Tools{
		Nix:          nix.Resolve(c.Tools.NixPrefix, "nix"),
		Systemctl:    nix.Resolve(c.Tools.SystemdPrefix, "systemctl"),
		SystemdRun:   nix.Resolve(c.Tools.SystemdPrefix, "systemd-run"),
		Chattr:       nix.Resolve(c.Tools.E2fsprogsPrefix, "chattr"),
		NixosRebuild: nix.Resolve("", "nixos-rebuild"),
		Uname:        nix.Resolve("", "uname"),
		BuildCores:   c.Tools.BuildCores,
	}
}

// Journalctl resolves journalctl from the systemd package.
func (c *Config) Journalctl() string {
	return nix.Resolve(c.Tools.SystemdPrefix, "journalctl")
}
