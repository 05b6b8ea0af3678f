// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
)

// eggRow mirrors the egg table. The typed payload is one JSON column
// discriminated by egg_type.
type eggRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	DisplayName  string    `db:"display_name"`
	Version      string    `db:"version"`
	Category     string    `db:"category"`
	Type         string    `db:"egg_type"`
	Spec         string    `db:"spec"`
	Dependencies string    `db:"dependencies"`
	MinRAMMB     int       `db:"min_ram_mb"`
	MinDiskGB    int       `db:"min_disk_gb"`
	RequiredArch string    `db:"required_arch"`
	IgnoreErrors bool      `db:"ignore_errors"`
	IsActive     bool      `db:"is_active"`
	Checksum     string    `db:"checksum"`
	SizeBytes    int64     `db:"size_bytes"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type eggSpec struct {
	Snap      *egg.SnapSpec      `json:"snap,omitempty"`
	CloudInit *egg.CloudInitSpec `json:"cloud_init,omitempty"`
	LXD       *egg.LXDSpec       `json:"lxd,omitempty"`
}

func eggToRow(e egg.Egg) (eggRow, error) {
	spec, err := json.Marshal(eggSpec{Snap: e.Snap, CloudInit: e.CloudInit, LXD: e.LXD})
	if err != nil {
		return eggRow{}, errors.Trace(err)
	}
	return eggRow{
		ID:           e.ID,
		Name:         e.Name,
		DisplayName:  e.DisplayName,
		Version:      e.Version,
		Category:     e.Category,
		Type:         string(e.Type),
		Spec:         string(spec),
		Dependencies: encodeStrings(e.Dependencies),
		MinRAMMB:     e.MinRAMMB,
		MinDiskGB:    e.MinDiskGB,
		RequiredArch: e.RequiredArch,
		IgnoreErrors: e.IgnoreErrors,
		IsActive:     e.IsActive,
		Checksum:     e.Checksum,
		SizeBytes:    e.SizeBytes,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}, nil
}

func rowToEgg(r eggRow) (egg.Egg, error) {
	var spec eggSpec
	if err := json.Unmarshal([]byte(r.Spec), &spec); err != nil {
		return egg.Egg{}, errors.Annotatef(err, "decoding spec of egg %q", r.ID)
	}
	return egg.Egg{
		ID:           r.ID,
		Name:         r.Name,
		DisplayName:  r.DisplayName,
		Version:      r.Version,
		Category:     r.Category,
		Type:         egg.Type(r.Type),
		Snap:         spec.Snap,
		CloudInit:    spec.CloudInit,
		LXD:          spec.LXD,
		Dependencies: decodeStrings(r.Dependencies),
		MinRAMMB:     r.MinRAMMB,
		MinDiskGB:    r.MinDiskGB,
		RequiredArch: r.RequiredArch,
		IgnoreErrors: r.IgnoreErrors,
		IsActive:     r.IsActive,
		Checksum:     r.Checksum,
		SizeBytes:    r.SizeBytes,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// CreateEgg inserts a catalog entry.
func (st *State) CreateEgg(ctx context.Context, e egg.Egg) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	row, err := eggToRow(e)
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`INSERT INTO egg (*) VALUES ($eggRow.*)`, eggRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// Egg returns the catalog entry with the given id.
func (st *State) Egg(ctx context.Context, id string) (egg.Egg, error) {
	stmt, err := sqlair.Prepare(`
SELECT &eggRow.* FROM egg WHERE id = $eggRow.id`, eggRow{})
	if err != nil {
		return egg.Egg{}, errors.Trace(err)
	}
	var row eggRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, eggRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("egg %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return egg.Egg{}, errors.Trace(err)
	}
	return rowToEgg(row)
}

// Eggs returns the whole catalog ordered by name.
func (st *State) Eggs(ctx context.Context) ([]egg.Egg, error) {
	stmt, err := sqlair.Prepare(`SELECT &eggRow.* FROM egg ORDER BY name`, eggRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []eggRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	eggs := make([]egg.Egg, len(rows))
	for i, row := range rows {
		if eggs[i], err = rowToEgg(row); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return eggs, nil
}

// UpdateEgg rewrites a catalog entry.
func (st *State) UpdateEgg(ctx context.Context, e egg.Egg) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	row, err := eggToRow(e)
	if err != nil {
		return errors.Trace(err)
	}
	stmt, err := sqlair.Prepare(`
UPDATE egg SET
    name = $eggRow.name,
    display_name = $eggRow.display_name,
    version = $eggRow.version,
    category = $eggRow.category,
    egg_type = $eggRow.egg_type,
    spec = $eggRow.spec,
    dependencies = $eggRow.dependencies,
    min_ram_mb = $eggRow.min_ram_mb,
    min_disk_gb = $eggRow.min_disk_gb,
    required_arch = $eggRow.required_arch,
    ignore_errors = $eggRow.ignore_errors,
    is_active = $eggRow.is_active,
    checksum = $eggRow.checksum,
    size_bytes = $eggRow.size_bytes,
    updated_at = $eggRow.updated_at
WHERE id = $eggRow.id`, eggRow{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("egg %q", e.ID)
		}
		return nil
	}))
}

// DeleteEgg removes a catalog entry. Eggs referenced by a group or by
// a non-terminal deployment job cannot be deleted.
func (st *State) DeleteEgg(ctx context.Context, id string) error {
	type idArg struct {
		ID string `db:"id"`
	}
	type countRow struct {
		Count int `db:"count"`
	}
	memberStmt, err := sqlair.Prepare(`
SELECT COUNT(*) AS &countRow.count FROM egg_group_member WHERE egg_id = $idArg.id`, idArg{}, countRow{})
	if err != nil {
		return errors.Trace(err)
	}
	jobStmt, err := sqlair.Prepare(`
SELECT COUNT(*) AS &countRow.count FROM deployment_job
WHERE status NOT IN ('complete', 'failed')
  AND eggs_to_deploy LIKE '%"' || $idArg.id || '"%'`, idArg{}, countRow{})
	if err != nil {
		return errors.Trace(err)
	}
	deleteStmt, err := sqlair.Prepare(`DELETE FROM egg WHERE id = $idArg.id`, idArg{})
	if err != nil {
		return errors.Trace(err)
	}
	arg := idArg{ID: id}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var count countRow
		if err := tx.Query(ctx, memberStmt, arg).Get(&count); err != nil {
			return errors.Trace(err)
		}
		if count.Count > 0 {
			return errors.Annotatef(ErrEggInUse, "egg %q is a group member", id)
		}
		if err := tx.Query(ctx, jobStmt, arg).Get(&count); err != nil {
			return errors.Trace(err)
		}
		if count.Count > 0 {
			return errors.Annotatef(ErrEggInUse, "egg %q referenced by an active job", id)
		}
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, deleteStmt, arg).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("egg %q", id)
		}
		return nil
	}))
}

type groupRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	DisplayName string    `db:"display_name"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type groupMemberRow struct {
	GroupID string `db:"group_id"`
	EggID   string `db:"egg_id"`
	Order   int    `db:"member_order"`
}

// CreateGroup inserts a group and its ordered members.
func (st *State) CreateGroup(ctx context.Context, g egg.Group) error {
	groupStmt, err := sqlair.Prepare(`
INSERT INTO egg_group (*) VALUES ($groupRow.*)`, groupRow{})
	if err != nil {
		return errors.Trace(err)
	}
	memberStmt, err := sqlair.Prepare(`
INSERT INTO egg_group_member (*) VALUES ($groupMemberRow.*)`, groupMemberRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := groupRow{
		ID:          g.ID,
		Name:        g.Name,
		DisplayName: g.DisplayName,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, groupStmt, row).Run(); err != nil {
			return errors.Trace(err)
		}
		for _, member := range g.Members {
			m := groupMemberRow{GroupID: g.ID, EggID: member.EggID, Order: member.Order}
			if err := tx.Query(ctx, memberStmt, m).Run(); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}))
}

// Group returns a group with its members in declared order.
func (st *State) Group(ctx context.Context, id string) (egg.Group, error) {
	groupStmt, err := sqlair.Prepare(`
SELECT &groupRow.* FROM egg_group WHERE id = $groupRow.id`, groupRow{})
	if err != nil {
		return egg.Group{}, errors.Trace(err)
	}
	memberStmt, err := sqlair.Prepare(`
SELECT &groupMemberRow.* FROM egg_group_member
WHERE group_id = $groupMemberRow.group_id ORDER BY member_order`, groupMemberRow{})
	if err != nil {
		return egg.Group{}, errors.Trace(err)
	}
	var row groupRow
	var members []groupMemberRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, groupStmt, groupRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("egg group %q", id)
		}
		if err != nil {
			return errors.Trace(err)
		}
		err = tx.Query(ctx, memberStmt, groupMemberRow{GroupID: id}).GetAll(&members)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return egg.Group{}, errors.Trace(err)
	}
	g := egg.Group{
		ID:          row.ID,
		Name:        row.Name,
		DisplayName: row.DisplayName,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	for _, m := range members {
		g.Members = append(g.Members, egg.GroupMember{EggID: m.EggID, Order: m.Order})
	}
	return g, nil
}

// DeleteGroup removes a group; members go with it.
func (st *State) DeleteGroup(ctx context.Context, id string) error {
	type idArg struct {
		ID string `db:"id"`
	}
	stmt, err := sqlair.Prepare(`DELETE FROM egg_group WHERE id = $idArg.id`, idArg{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, idArg{ID: id}).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("egg group %q", id)
		}
		return nil
	}))
}

type imageRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Architecture string    `db:"architecture"`
	KernelPath   string    `db:"kernel_path"`
	InitrdPath   string    `db:"initrd_path"`
	SquashfsPath string    `db:"squashfs_path"`
	KernelParams string    `db:"kernel_params"`
	Checksum     string    `db:"checksum"`
	SizeBytes    int64     `db:"size_bytes"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// CreateBootImage registers an OS image.
func (st *State) CreateBootImage(ctx context.Context, img egg.BootImage) error {
	stmt, err := sqlair.Prepare(`INSERT INTO boot_image (*) VALUES ($imageRow.*)`, imageRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := imageRow{
		ID:           img.ID,
		Name:         img.Name,
		Architecture: string(img.Architecture),
		KernelPath:   img.KernelPath,
		InitrdPath:   img.InitrdPath,
		SquashfsPath: img.SquashfsPath,
		KernelParams: img.KernelParams,
		Checksum:     img.Checksum,
		SizeBytes:    img.SizeBytes,
		CreatedAt:    img.CreatedAt,
		UpdatedAt:    img.UpdatedAt,
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// BootImage returns the image with the given id.
func (st *State) BootImage(ctx context.Context, id string) (egg.BootImage, error) {
	stmt, err := sqlair.Prepare(`
SELECT &imageRow.* FROM boot_image WHERE id = $imageRow.id`, imageRow{})
	if err != nil {
		return egg.BootImage{}, errors.Trace(err)
	}
	var row imageRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, imageRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("boot image %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return egg.BootImage{}, errors.Trace(err)
	}
	return egg.BootImage{
		ID:           row.ID,
		Name:         row.Name,
		Architecture: machine.Architecture(row.Architecture),
		KernelPath:   row.KernelPath,
		InitrdPath:   row.InitrdPath,
		SquashfsPath: row.SquashfsPath,
		KernelParams: row.KernelParams,
		Checksum:     row.Checksum,
		SizeBytes:    row.SizeBytes,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

type bootConfigRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	ImageID        string    `db:"image_id"`
	EggGroupID     string    `db:"egg_group_id"`
	TimeoutSeconds int       `db:"timeout_seconds"`
	ScriptOverride string    `db:"script_override"`
	KernelParams   string    `db:"kernel_params"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// CreateBootConfig registers a named boot configuration.
func (st *State) CreateBootConfig(ctx context.Context, cfg egg.BootConfig) error {
	stmt, err := sqlair.Prepare(`INSERT INTO boot_config (*) VALUES ($bootConfigRow.*)`, bootConfigRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := bootConfigRow{
		ID:             cfg.ID,
		Name:           cfg.Name,
		ImageID:        cfg.ImageID,
		EggGroupID:     cfg.EggGroupID,
		TimeoutSeconds: cfg.TimeoutSeconds,
		ScriptOverride: cfg.ScriptOverride,
		KernelParams:   cfg.KernelParams,
		CreatedAt:      cfg.CreatedAt,
		UpdatedAt:      cfg.UpdatedAt,
	}
	return errors.Trace(st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	}))
}

// BootConfig returns the named boot configuration.
func (st *State) BootConfig(ctx context.Context, id string) (egg.BootConfig, error) {
	stmt, err := sqlair.Prepare(`
SELECT &bootConfigRow.* FROM boot_config WHERE id = $bootConfigRow.id`, bootConfigRow{})
	if err != nil {
		return egg.BootConfig{}, errors.Trace(err)
	}
	var row bootConfigRow
	err = st.runner.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, bootConfigRow{ID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("boot config %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return egg.BootConfig{}, errors.Trace(err)
	}
	return egg.BootConfig{
		ID:             row.ID,
		Name:           row.Name,
		ImageID:        row.ImageID,
		EggGroupID:     row.EggGroupID,
		TimeoutSeconds: row.TimeoutSeconds,
		ScriptOverride: row.ScriptOverride,
		KernelParams:   row.KernelParams,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}
