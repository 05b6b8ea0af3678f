// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package permission implements the capability model: users belong to
// teams, teams hold permission sets on resources, and privileged
// operations check the resulting capabilities.
package permission

import (
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Role is a user's standing within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Validate returns an error for unrecognised roles.
func (r Role) Validate() error {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return nil
	}
	return errors.NotValidf("team role %q", string(r))
}

// Permission is a single capability grantable on a resource.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
	PermAdmin   Permission = "admin"
	PermShell   Permission = "shell"
)

// Validate returns an error for unrecognised permissions.
func (p Permission) Validate() error {
	switch p {
	case PermRead, PermWrite, PermExecute, PermAdmin, PermShell:
		return nil
	}
	return errors.NotValidf("permission %q", string(p))
}

// ResourceRef addresses the target of an assignment.
type ResourceRef struct {
	Type string
	ID   string
}

// Team is a named set of users sharing resource assignments.
type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership binds a user to a team with a role.
type Membership struct {
	TeamID string
	UserID string
	Role   Role
}

// Assignment grants a team a permission set on one resource. The
// principals list bounds the SSH certificate principals members may
// request for that resource.
type Assignment struct {
	ID          string
	TeamID      string
	Resource    ResourceRef
	Permissions []Permission
	Principals  []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasPermission reports whether the assignment grants the permission.
// Admin implies everything except shell, which is always explicit.
func (a *Assignment) HasPermission(p Permission) bool {
	for _, held := range a.Permissions {
		if held == p {
			return true
		}
		if held == PermAdmin && p != PermShell {
			return true
		}
	}
	return false
}

// AllowsPrincipals reports whether every requested principal is
// covered by the assignment.
func (a *Assignment) AllowsPrincipals(requested []string) bool {
	allowed := set.NewStrings(a.Principals...)
	for _, p := range requested {
		if !allowed.Contains(p) {
			return false
		}
	}
	return true
}
