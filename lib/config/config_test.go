// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xnodehq/xnode-manager/lib/reconcile"
)

// environment returns a lookup function backed by values.
func environment(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xnode-manager.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(Options{Lookup: environment(nil)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Address() != "0.0.0.0:34391" {
		t.Errorf("listen = %s, want 0.0.0.0:34391", cfg.Listen.Address())
	}
	if cfg.Owner != reconcile.DefaultXnodeOwner {
		t.Errorf("owner = %s", cfg.Owner)
	}
	if cfg.Paths.CommandStream != "/var/lib/xnode-manager/commandstream" {
		t.Errorf("command_stream = %s", cfg.Paths.CommandStream)
	}
	if cfg.Paths.ContainerSettings != "/var/lib/xnode-manager/containers" {
		t.Errorf("container_settings = %s", cfg.Paths.ContainerSettings)
	}
	if cfg.Paths.OS != "/etc/nixos" {
		t.Errorf("os = %s", cfg.Paths.OS)
	}
	if cfg.Reconcile.SerializeContainers {
		t.Error("serialize_containers defaults to true")
	}
}

func TestLoad_ConfigFromEnvironmentVariable(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen:
  port: 8080
owner: eth:ABCDEF0000000000000000000000000000000000
paths:
  data_dir: /srv/xnode
reconcile:
  serialize_containers: true
jobs:
  max_concurrent: 4
log:
  level: debug
`)
	cfg, err := Load(Options{Lookup: environment(map[string]string{ConfigEnvironmentVariable: path})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Address() != "0.0.0.0:8080" {
		t.Errorf("listen = %s", cfg.Listen.Address())
	}
	if cfg.Owner != "eth:abcdef0000000000000000000000000000000000" {
		t.Errorf("owner = %s, want lowercased", cfg.Owner)
	}
	if cfg.Paths.CommandStream != "/srv/xnode/commandstream" {
		t.Errorf("command_stream = %s, want it under the configured data_dir", cfg.Paths.CommandStream)
	}
	if !cfg.Reconcile.SerializeContainers || cfg.Jobs.MaxConcurrent != 4 || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_PathWinsOverEnvironmentVariable(t *testing.T) {
	t.Parallel()

	flagPath := writeConfig(t, "listen:\n  port: 1111\n")
	envPath := writeConfig(t, "listen:\n  port: 2222\n")
	cfg, err := Load(Options{Path: flagPath, Lookup: environment(map[string]string{ConfigEnvironmentVariable: envPath})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 1111 {
		t.Errorf("port = %d, want 1111 from the explicit path", cfg.Listen.Port)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen:
  host: 127.0.0.1
  port: 8080
paths:
  os: /from/file
tools:
  build_cores: 2
`)
	cfg, err := Load(Options{Path: path, Lookup: environment(map[string]string{
		"HOSTNAME":          "::",
		"PORT":              "9090",
		"OWNER":             "ETH:FFFF",
		"DATADIR":           "/data",
		"OSDIR":             "/from/env",
		"CONTAINERSTATE":    "/state",
		"CONTAINERPROFILE":  "/profiles",
		"CONTAINERCONFIG":   "/conf",
		"CONTAINERSETTINGS": "/settings",
		"NIX":               "/opt/nix/bin",
		"SYSTEMD":           "/opt/systemd/bin",
		"E2FSPROGS":         "/opt/e2fsprogs/bin",
		"BUILDCORES":        "8",
	})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Address() != "[::]:9090" {
		t.Errorf("listen = %s", cfg.Listen.Address())
	}
	if cfg.Owner != "eth:ffff" {
		t.Errorf("owner = %s", cfg.Owner)
	}
	if cfg.Paths.OS != "/from/env" {
		t.Errorf("os = %s", cfg.Paths.OS)
	}
	if cfg.Paths.CommandStream != "/data/commandstream" {
		t.Errorf("command_stream = %s", cfg.Paths.CommandStream)
	}
	if cfg.Tools.BuildCores != 8 {
		t.Errorf("build_cores = %d", cfg.Tools.BuildCores)
	}

	paths := cfg.EnginePaths()
	want := reconcile.Paths{
		ContainerSettings: "/settings",
		ContainerState:    "/state",
		ContainerProfile:  "/profiles",
		ContainerConfig:   "/conf",
		OS:                "/from/env",
	}
	if paths != want {
		t.Errorf("EnginePaths = %+v, want %+v", paths, want)
	}

	tools := cfg.EngineTools()
	if tools.Nix != "/opt/nix/bin/nix" {
		t.Errorf("nix = %s", tools.Nix)
	}
	if tools.Systemctl != "/opt/systemd/bin/systemctl" || tools.SystemdRun != "/opt/systemd/bin/systemd-run" {
		t.Errorf("systemd tools = %s, %s", tools.Systemctl, tools.SystemdRun)
	}
	if tools.Chattr != "/opt/e2fsprogs/bin/chattr" {
		t.Errorf("chattr = %s", tools.Chattr)
	}
	if tools.BuildCores != 8 {
		t.Errorf("tools build cores = %d", tools.BuildCores)
	}
	if cfg.Journalctl() != "/opt/systemd/bin/journalctl" {
		t.Errorf("journalctl = %s", cfg.Journalctl())
	}
}

func TestLoad_EnvFile(t *testing.T) {
	// godotenv writes to the process environment.
	const variable = "XNODE_MANAGER_TEST_ENV_FILE_DATADIR"
	t.Setenv(variable, "")
	os.Unsetenv(variable)

	envFile := filepath.Join(t.TempDir(), "xnode.env")
	if err := os.WriteFile(envFile, []byte(variable+"=/from/dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "paths:\n  data_dir: ${"+variable+"}\n")

	cfg, err := Load(Options{Path: path, EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.DataDir != "/from/dotenv" {
		t.Errorf("data_dir = %s, want the dotenv value", cfg.Paths.DataDir)
	}
	if cfg.Paths.ContainerSettings != "/from/dotenv/containers" {
		t.Errorf("container_settings = %s", cfg.Paths.ContainerSettings)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{name: "bad port variable", env: map[string]string{"PORT": "http"}, want: "PORT"},
		{name: "bad build cores variable", env: map[string]string{"BUILDCORES": "many"}, want: "BUILDCORES"},
		{name: "port out of range", content: "listen:\n  port: 70000\n", want: "listen.port"},
		{name: "relative path", content: "paths:\n  os: etc/nixos\n", want: "paths.os must be absolute"},
		{name: "empty owner", content: "owner: \"\"\n", want: "owner is required"},
		{name: "negative jobs", content: "jobs:\n  max_concurrent: -1\n", want: "jobs.max_concurrent"},
		{name: "log level", content: "log:\n  level: verbose\n", want: "log.level"},
		{name: "malformed yaml", content: "listen: [\n", want: "loading config"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			options := Options{Lookup: environment(test.env)}
			if test.content != "" {
				options.Path = writeConfig(t, test.content)
			}
			_, err := Load(options)
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error = %q, want it to mention %q", err, test.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "absent.yaml"), Lookup: environment(nil)})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want fs.ErrNotExist", err)
	}
}

func TestExpandVars(t *testing.T) {
	t.Parallel()

	lookup := environment(map[string]string{"STATE": "/var/state"})
	vars := map[string]string{"DATADIR": "/data"}
	tests := []struct {
		input, want string
	}{
		{"${DATADIR}/jobs", "/data/jobs"},
		{"${STATE}/x", "/var/state/x"},
		{"${MISSING:-/fallback}/x", "/fallback/x"},
		{"${MISSING}/x", "/x"},
		{"/plain", "/plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, vars, lookup); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := Default()
	cfg.Paths.CommandStream = filepath.Join(root, "a", "commandstream")
	cfg.Paths.ContainerSettings = filepath.Join(root, "b", "containers")
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, path := range []string{cfg.Paths.CommandStream, cfg.Paths.ContainerSettings} {
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", path, err)
		}
	}
}
