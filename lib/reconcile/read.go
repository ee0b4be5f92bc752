// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultXnodeOwner is the owner reported when the OS directory has no
// xnode-owner file. It matches the NixOS module's default.
const DefaultXnodeOwner = "eth:0000000000000000000000000000000000000000"

// ContainerConfiguration is a container's configuration as found on
// disk.
type ContainerConfiguration struct {
	Flake      string  `json:"flake"`
	FlakeLock  *string `json:"flake_lock"`
	Network    *string `json:"network"`
	NvidiaGPUs []int   `json:"nvidia_gpus"`
}

// OSConfiguration is the host configuration as found on disk.
type OSConfiguration struct {
	Flake      string  `json:"flake"`
	FlakeLock  *string `json:"flake_lock"`
	XnodeOwner string  `json:"xnode_owner"`
	Domain     *string `json:"domain"`
	AcmeEmail  *string `json:"acme_email"`
	UserPasswd *string `json:"user_passwd"`
}

// Containers lists the ids of containers that have a settings
// directory. A missing settings root means no containers.
func (e *Engine) Containers() ([]string, error) {
	entries, err := os.ReadDir(e.paths.ContainerSettings)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &IOError{Op: "list", Path: e.paths.ContainerSettings, Err: err}
	}
	containers := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			containers = append(containers, entry.Name())
		}
	}
	return containers, nil
}

// Container reads one container's configuration. A container without
// a flake is reported as ErrNotFound.
func (e *Engine) Container(id string) (ContainerConfiguration, error) {
	if err := ValidateContainerID(id); err != nil {
		return ContainerConfiguration{}, err
	}
	directory := e.settingsDirectory(id)

	flakePath := filepath.Join(directory, flakeFile)
	flake, err := os.ReadFile(flakePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ContainerConfiguration{}, fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return ContainerConfiguration{}, &IOError{Op: "read", Path: flakePath, Err: err}
	}

	configuration := ContainerConfiguration{Flake: string(flake), NvidiaGPUs: []int{}}
	configuration.FlakeLock = e.readOptional(filepath.Join(directory, flakeLockFile))

	confPath := e.confPath(id)
	conf, err := os.ReadFile(confPath)
	if err != nil {
		return ContainerConfiguration{}, &IOError{Op: "read", Path: confPath, Err: err}
	}
	configuration.Network, configuration.NvidiaGPUs = parseConf(string(conf))
	return configuration, nil
}

// OSConfiguration reads the host's flake and the option files written
// by OS changes.
func (e *Engine) OSConfiguration() (OSConfiguration, error) {
	flakePath := filepath.Join(e.paths.OS, flakeFile)
	flake, err := os.ReadFile(flakePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OSConfiguration{}, fmt.Errorf("OS flake %s: %w", flakePath, ErrNotFound)
		}
		return OSConfiguration{}, &IOError{Op: "read", Path: flakePath, Err: err}
	}

	configuration := OSConfiguration{
		Flake:      string(flake),
		FlakeLock:  e.readOptional(filepath.Join(e.paths.OS, flakeLockFile)),
		XnodeOwner: DefaultXnodeOwner,
		Domain:     e.readOptional(filepath.Join(e.paths.OS, domainFile)),
		AcmeEmail:  e.readOptional(filepath.Join(e.paths.OS, acmeEmailFile)),
		UserPasswd: e.readOptional(filepath.Join(e.paths.OS, userPasswdFile)),
	}
	if owner := e.readOptional(filepath.Join(e.paths.OS, xnodeOwnerFile)); owner != nil {
		configuration.XnodeOwner = *owner
	}
	return configuration, nil
}

// readOptional returns the file's content, or nil when it cannot be
// read. Failures other than absence are logged.
func (e *Engine) readOptional(path string) *string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("reading optional configuration file", "path", path, "error", err)
		}
		return nil
	}
	content := string(data)
	return &content
}

// parseConf extracts the settings renderConf encodes.
func parseConf(content string) (network *string, gpus []int) {
	gpus = []int{}
	value := strings.TrimSpace(content)
	value = strings.TrimPrefix(value, nspawnVariable+"=")
	value = strings.Trim(value, `"`)
	for _, flag := range strings.Fields(value) {
		switch {
		case strings.HasPrefix(flag, networkZoneFlag):
			zone := strings.TrimPrefix(flag, networkZoneFlag)
			network = &zone
		case strings.HasPrefix(flag, bindFlag+nvidiaDevice):
			index, err := strconv.Atoi(strings.TrimPrefix(flag, bindFlag+nvidiaDevice))
			if err == nil && index >= 0 {
				gpus = append(gpus, index)
			}
		}
	}
	return network, gpus
}
