// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"fmt"
	"strings"
)

// Validate checks a batch before dispatch. The returned error is a
// *ValidationError.
func Validate(actions []Action) error {
	if len(actions) == 0 {
		return &ValidationError{Index: -1, Reason: "no actions"}
	}
	for index, action := range actions {
		if reason := validateAction(action); reason != "" {
			return &ValidationError{Index: index, Reason: reason}
		}
	}
	return nil
}

func validateAction(action Action) string {
	if count := action.variants(); count != 1 {
		return fmt.Sprintf("must hold exactly one of Set, Remove, Update or OS, holds %d", count)
	}

	switch {
	case action.Set != nil:
		if reason := containerIDProblem(action.Set.Container); reason != "" {
			return reason
		}
		return settingsProblem(action.Set.Settings, action.Set.UpdateInputs)
	case action.Remove != nil:
		return containerIDProblem(action.Remove.Container)
	case action.Update != nil:
		if reason := containerIDProblem(action.Update.Container); reason != "" {
			return reason
		}
		if len(action.Update.Inputs) == 0 {
			return "update needs at least one input"
		}
		return inputsProblem(action.Update.Inputs)
	default:
		if action.OS.Flake != nil && strings.TrimSpace(*action.OS.Flake) == "" {
			return "OS flake must not be empty when given"
		}
		if action.OS.UpdateInputs != nil {
			return inputsProblem(*action.OS.UpdateInputs)
		}
		return ""
	}
}

// ValidateContainerID reports whether id can name a container. Ids
// become path components and unit names, so anything that could
// escape a directory is refused.
func ValidateContainerID(id string) error {
	if reason := containerIDProblem(id); reason != "" {
		return &ValidationError{Index: -1, Reason: reason}
	}
	return nil
}

func containerIDProblem(id string) string {
	switch {
	case id == "":
		return "container id is empty"
	case id == "." || id == "..":
		return fmt.Sprintf("container id %q is reserved", id)
	case strings.ContainsAny(id, "/\x00"):
		return fmt.Sprintf("container id %q contains a path separator or NUL", id)
	case strings.HasPrefix(id, "-"):
		return fmt.Sprintf("container id %q starts with '-'", id)
	}
	return ""
}

func settingsProblem(settings ContainerSettings, updateInputs *[]string) string {
	if strings.TrimSpace(settings.Flake) == "" {
		return "settings.flake is empty"
	}
	if settings.Network != nil {
		network := *settings.Network
		if network == "" || strings.ContainsAny(network, " \t\n\"'\\") {
			return fmt.Sprintf("settings.network %q is not a valid zone name", network)
		}
	}
	for _, gpu := range settings.NvidiaGPUs {
		if gpu < 0 {
			return fmt.Sprintf("settings.nvidia_gpus has negative index %d", gpu)
		}
	}
	if updateInputs != nil {
		return inputsProblem(*updateInputs)
	}
	return ""
}

func inputsProblem(inputs []string) string {
	for _, input := range inputs {
		if input == "" || strings.HasPrefix(input, "-") {
			return fmt.Sprintf("flake input %q is not a valid input name", input)
		}
	}
	return ""
}
