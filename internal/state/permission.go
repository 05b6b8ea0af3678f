// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/permission"
)

type teamRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type membershipRow struct {
	TeamID string `db:"team_id"`
	UserID string `db:"user_id"`
	Role   string `db:"role"`
}

type assignmentRow struct {
	ID           string    `db:"id"`
	TeamID       string    `db:"team_id"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Permissions  string    `db:"permissions"`
	Principals   string    `db:"principals"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func rowToAssignment(r assignmentRow) permission.Assignment {
	perms := decodeStrings(r.Permissions)
	a := permission.Assignment{
		ID:     r.ID,
		TeamID: r.TeamID,
		Resource: permission.ResourceRef{
			Type: r.ResourceType,
			ID:   r.ResourceID,
		},
		Principals: decodeStrings(r.Principals),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	for _, p := range perms {
		a.Permissions = append(a.Permissions, permission.Permission(p))
	}
	return a
}

// CreateTeam inserts a team.
func (st *State) CreateTeam(ctx context.Context, t permission.Team) error {
	stmt, err := sqlair.Prepare(`INSERT INTO resource_team (*) VALUES ($teamRow.*)`, teamRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := teamRow{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// AddMembership binds a user to a team.
func (st *State) AddMembership(ctx context.Context, m permission.Membership) error {
	if err := m.Role.Validate(); err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO team_membership (*) VALUES ($membershipRow.*)
ON CONFLICT (team_id, user_id) DO UPDATE SET role = excluded.role`, membershipRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := membershipRow{TeamID: m.TeamID, UserID: m.UserID, Role: string(m.Role)}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// CreateAssignment grants a team a permission set on a resource.
func (st *State) CreateAssignment(ctx context.Context, a permission.Assignment) error {
	perms := make([]string, len(a.Permissions))
	for i, p := range a.Permissions {
		if err := p.Validate(); err != nil {
			return errors.Trace(err)
		}
		perms[i] = string(p)
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO resource_assignment (*) VALUES ($assignmentRow.*)`, assignmentRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := assignmentRow{
		ID:           a.ID,
		TeamID:       a.TeamID,
		ResourceType: a.Resource.Type,
		ResourceID:   a.Resource.ID,
		Permissions:  encodeStrings(perms),
		Principals:   encodeStrings(a.Principals),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// AssignmentsForUser returns every assignment reachable through the
// user's team memberships for one resource.
func (st *State) AssignmentsForUser(ctx context.Context, userID string, resource permission.ResourceRef) ([]permission.Assignment, error) {
	type queryArgs struct {
		UserID       string `db:"user_id"`
		ResourceType string `db:"resource_type"`
		ResourceID   string `db:"resource_id"`
	}
	stmt, err := sqlair.Prepare(`
SELECT resource_assignment.* AS &assignmentRow.* FROM resource_assignment
JOIN team_membership ON team_membership.team_id = resource_assignment.team_id
WHERE team_membership.user_id = $queryArgs.user_id
  AND resource_assignment.resource_type = $queryArgs.resource_type
  AND resource_assignment.resource_id = $queryArgs.resource_id`, queryArgs{}, assignmentRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	args := queryArgs{UserID: userID, ResourceType: resource.Type, ResourceID: resource.ID}
	var rows []assignmentRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, args).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	assignments := make([]permission.Assignment, len(rows))
	for i, row := range rows {
		assignments[i] = rowToAssignment(row)
	}
	return assignments, nil
}

// UserHasPermission reports whether any of the user's assignments on
// the resource grants the permission.
func (st *State) UserHasPermission(ctx context.Context, userID string, resource permission.ResourceRef, p permission.Permission) (bool, error) {
	assignments, err := st.AssignmentsForUser(ctx, userID, resource)
	if err != nil {
		return false, errors.Trace(err)
	}
	for i := range assignments {
		if assignments[i].HasPermission(p) {
			return true, nil
		}
	}
	return false, nil
}

// AllowedPrincipals returns the union of SSH principals the user's
// assignments permit on the resource.
func (st *State) AllowedPrincipals(ctx context.Context, userID string, resource permission.ResourceRef) ([]string, error) {
	assignments, err := st.AssignmentsForUser(ctx, userID, resource)
	if err != nil {
		return nil, errors.Trace(err)
	}
	principals := set.NewStrings()
	for i := range assignments {
		principals = principals.Union(set.NewStrings(assignments[i].Principals...))
	}
	return principals.SortedValues(), nil
}
