// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

// Kind names the variant of an Action.
type Kind string

const (
	KindSet    Kind = "Set"
	KindRemove Kind = "Remove"
	KindUpdate Kind = "Update"
	KindOS     Kind = "OS"
)

// Action is one desired-state change. Exactly one field is set; the
// JSON form is externally tagged:
//
//	{"Set":{"container":"web1","settings":{"flake":"..."}}}
//	{"Remove":{"container":"web1","backup":false}}
//	{"Update":{"container":"web1","inputs":["nixpkgs"]}}
//	{"OS":{"flake":"...","as_child":true}}
type Action struct {
	Set    *SetAction    `json:"Set,omitempty"`
	Remove *RemoveAction `json:"Remove,omitempty"`
	Update *UpdateAction `json:"Update,omitempty"`
	OS     *OSChange     `json:"OS,omitempty"`
}

// SetAction creates a container or replaces its configuration.
type SetAction struct {
	Container string            `json:"container"`
	Settings  ContainerSettings `json:"settings"`

	// UpdateInputs, when non-nil, runs "nix flake update" for the
	// listed inputs before building. An empty list updates every input.
	UpdateInputs *[]string `json:"update_inputs,omitempty"`
}

// ContainerSettings is the caller-controlled configuration of a
// container.
type ContainerSettings struct {
	Flake string `json:"flake"`

	// Network is the systemd-nspawn network zone to join.
	Network *string `json:"network,omitempty"`

	// NvidiaGPUs lists /dev/nvidiaN devices to pass through.
	NvidiaGPUs []int `json:"nvidia_gpus,omitempty"`
}

// RemoveAction deletes a container and everything built for it.
type RemoveAction struct {
	Container string `json:"container"`

	// Backup is accepted for API compatibility. Backups are taken by
	// an external collaborator, not by this daemon.
	Backup bool `json:"backup"`
}

// UpdateAction refreshes flake inputs of an existing container and
// rebuilds it.
type UpdateAction struct {
	Container string   `json:"container"`
	Inputs    []string `json:"inputs"`
}

// OSChange reconfigures the host. Nil fields are left untouched.
type OSChange struct {
	Flake        *string   `json:"flake,omitempty"`
	UpdateInputs *[]string `json:"update_inputs,omitempty"`

	XnodeOwner *string `json:"xnode_owner,omitempty"`
	Domain     *string `json:"domain,omitempty"`
	AcmeEmail  *string `json:"acme_email,omitempty"`
	UserPasswd *string `json:"user_passwd,omitempty"`

	// AsChild runs the rebuild in a transient systemd unit so it
	// survives the rebuild restarting this daemon.
	AsChild bool `json:"as_child"`
}

// variants counts the set fields.
func (a Action) variants() int {
	count := 0
	if a.Set != nil {
		count++
	}
	if a.Remove != nil {
		count++
	}
	if a.Update != nil {
		count++
	}
	if a.OS != nil {
		count++
	}
	return count
}

// Kind returns the action's variant. Only meaningful for an action
// that passed Validate.
func (a Action) Kind() Kind {
	switch {
	case a.Set != nil:
		return KindSet
	case a.Remove != nil:
		return KindRemove
	case a.Update != nil:
		return KindUpdate
	case a.OS != nil:
		return KindOS
	default:
		return ""
	}
}

// Container returns the container the action targets, or "" for OS
// changes.
func (a Action) Container() string {
	switch {
	case a.Set != nil:
		return a.Set.Container
	case a.Remove != nil:
		return a.Remove.Container
	case a.Update != nil:
		return a.Update.Container
	default:
		return ""
	}
}
