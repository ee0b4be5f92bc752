// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"strings"

	"github.com/xnodehq/xnode-manager/lib/service"
)

// UserHeader carries the caller's identity. The session layer in front
// of the daemon sets it after authenticating the request.
const UserHeader = "X-Xnode-User"

// Scope is a group of routes guarded by one permission.
type Scope string

const (
	ScopeConfig  Scope = "Config"
	ScopeOS      Scope = "OS"
	ScopeInfo    Scope = "Info"
	ScopeProcess Scope = "Process"
	ScopeRequest Scope = "Request"
)

// Authorizer decides whether user may use routes in scope.
type Authorizer interface {
	HasPermission(user string, scope Scope) bool
}

// OwnerAuthorizer grants every scope to the owner and nothing to
// anyone else. Identities compare case-insensitively.
type OwnerAuthorizer struct {
	Owner string
}

func (a OwnerAuthorizer) HasPermission(user string, _ Scope) bool {
	return a.Owner != "" && strings.EqualFold(user, a.Owner)
}

// requireScope rejects requests without an identity (401) or whose
// identity lacks scope (403) before the handler runs.
func requireScope(authorizer Authorizer, scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			user := request.Header.Get(UserHeader)
			if user == "" {
				service.WriteError(writer, http.StatusUnauthorized, "no user identity on request")
				return
			}
			if !authorizer.HasPermission(user, scope) {
				service.WriteError(writer, http.StatusForbidden, "user "+user+" lacks the "+string(scope)+" permission")
				return
			}
			next.ServeHTTP(writer, request)
		})
	}
}
