// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
)

// schema is the DDL for a fresh database. Migration tooling is
// external; every statement here must be idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS machine (
    system_id         TEXT PRIMARY KEY,
    mac_address       TEXT NOT NULL UNIQUE,
    status            TEXT NOT NULL,
    hostname          TEXT NOT NULL DEFAULT '',
    ip                TEXT NOT NULL DEFAULT '',
    boot_mode         TEXT NOT NULL DEFAULT '',
    architecture      TEXT NOT NULL DEFAULT '',
    cpu_count         INTEGER NOT NULL DEFAULT 0,
    memory_mb         INTEGER NOT NULL DEFAULT 0,
    storage_gb        INTEGER NOT NULL DEFAULT 0,
    bmc_address       TEXT NOT NULL DEFAULT '',
    power_type        TEXT NOT NULL DEFAULT '',
    zone              TEXT NOT NULL DEFAULT '',
    pool              TEXT NOT NULL DEFAULT '',
    tags              TEXT NOT NULL DEFAULT '[]',
    hardware_info     TEXT NOT NULL DEFAULT '',
    assigned_eggs     TEXT NOT NULL DEFAULT '[]',
    boot_config       TEXT NOT NULL DEFAULT '',
    reimage_requested INTEGER NOT NULL DEFAULT 0,
    last_boot_at      TIMESTAMP,
    last_seen_at      TIMESTAMP,
    deployed_at       TIMESTAMP,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_machine_status ON machine (status);

CREATE TABLE IF NOT EXISTS egg (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    display_name  TEXT NOT NULL DEFAULT '',
    version       TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL DEFAULT '',
    egg_type      TEXT NOT NULL,
    spec          TEXT NOT NULL DEFAULT '{}',
    dependencies  TEXT NOT NULL DEFAULT '[]',
    min_ram_mb    INTEGER NOT NULL DEFAULT 0,
    min_disk_gb   INTEGER NOT NULL DEFAULT 0,
    required_arch TEXT NOT NULL DEFAULT '',
    ignore_errors INTEGER NOT NULL DEFAULT 0,
    is_active     INTEGER NOT NULL DEFAULT 1,
    checksum      TEXT NOT NULL DEFAULT '',
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS egg_group (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS egg_group_member (
    group_id     TEXT NOT NULL REFERENCES egg_group (id) ON DELETE CASCADE,
    egg_id       TEXT NOT NULL REFERENCES egg (id),
    member_order INTEGER NOT NULL,
    PRIMARY KEY (group_id, egg_id)
);

CREATE TABLE IF NOT EXISTS boot_image (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    architecture  TEXT NOT NULL,
    kernel_path   TEXT NOT NULL,
    initrd_path   TEXT NOT NULL,
    squashfs_path TEXT NOT NULL DEFAULT '',
    kernel_params TEXT NOT NULL DEFAULT '',
    checksum      TEXT NOT NULL DEFAULT '',
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS boot_config (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    image_id        TEXT NOT NULL DEFAULT '',
    egg_group_id    TEXT NOT NULL DEFAULT '',
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    script_override TEXT NOT NULL DEFAULT '',
    kernel_params   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS deployment_job (
    id                  TEXT PRIMARY KEY,
    machine_id          TEXT NOT NULL REFERENCES machine (system_id),
    image_id            TEXT NOT NULL DEFAULT '',
    eggs_to_deploy      TEXT NOT NULL DEFAULT '[]',
    rendered_cloud_init TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    progress_percent    INTEGER NOT NULL DEFAULT 0,
    current_phase       TEXT NOT NULL DEFAULT '',
    log_output          TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    started_at          TIMESTAMP,
    completed_at        TIMESTAMP,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_job_active ON deployment_job (machine_id)
    WHERE status NOT IN ('complete', 'failed');

CREATE INDEX IF NOT EXISTS idx_job_status ON deployment_job (status, created_at);

CREATE TABLE IF NOT EXISTS boot_event (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    machine_id TEXT NOT NULL DEFAULT '',
    mac        TEXT NOT NULL,
    ip         TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_boot_event_mac ON boot_event (mac, id);
CREATE INDEX IF NOT EXISTS idx_boot_event_age ON boot_event (created_at);

CREATE TABLE IF NOT EXISTS worker (
    id                TEXT PRIMARY KEY,
    site              TEXT NOT NULL DEFAULT '',
    interface         TEXT NOT NULL DEFAULT '',
    base_url          TEXT NOT NULL DEFAULT '',
    dhcp_mode         TEXT NOT NULL,
    capabilities      TEXT NOT NULL DEFAULT '[]',
    status            TEXT NOT NULL,
    last_heartbeat_at TIMESTAMP,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    machine_id        TEXT NOT NULL DEFAULT '',
    enrollment_key_id TEXT NOT NULL DEFAULT '',
    agent_type        TEXT NOT NULL DEFAULT '',
    capabilities      TEXT NOT NULL DEFAULT '[]',
    tags              TEXT NOT NULL DEFAULT '[]',
    status            TEXT NOT NULL,
    suspend_reason    TEXT NOT NULL DEFAULT '',
    cpu_percent       REAL NOT NULL DEFAULT 0,
    mem_percent       REAL NOT NULL DEFAULT 0,
    disk_percent      REAL NOT NULL DEFAULT 0,
    last_heartbeat_at TIMESTAMP,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_status ON agent (status);

CREATE TABLE IF NOT EXISTS enrollment_key (
    id          TEXT PRIMARY KEY,
    secret_hash TEXT NOT NULL,
    scope       TEXT NOT NULL DEFAULT '',
    single_use  INTEGER NOT NULL DEFAULT 0,
    consumed    INTEGER NOT NULL DEFAULT 0,
    expires_at  TIMESTAMP NOT NULL,
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_team (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS team_membership (
    team_id TEXT NOT NULL REFERENCES resource_team (id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    role    TEXT NOT NULL,
    PRIMARY KEY (team_id, user_id)
);

CREATE TABLE IF NOT EXISTS resource_assignment (
    id            TEXT PRIMARY KEY,
    team_id       TEXT NOT NULL REFERENCES resource_team (id) ON DELETE CASCADE,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    permissions   TEXT NOT NULL DEFAULT '[]',
    principals    TEXT NOT NULL DEFAULT '[]',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    UNIQUE (team_id, resource_type, resource_id)
);
`

func (st *State) ensureSchema(ctx context.Context) error {
	return errors.Trace(st.runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return errors.Trace(err)
	}))
}
