// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bootworker

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// ScriptCacheTTL bounds how long a last-known boot script is served
// while the control plane is unreachable.
const ScriptCacheTTL = 5 * time.Minute

type cacheEntry struct {
	script   string
	storedAt time.Time
}

// scriptCache keeps the last boot script served per MAC so a control
// plane outage degrades deterministically for known machines.
type scriptCache struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newScriptCache(clk clock.Clock) *scriptCache {
	return &scriptCache{
		clock:   clk,
		entries: make(map[string]cacheEntry),
	}
}

// Put stores the script for a MAC.
func (c *scriptCache) Put(mac, script string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[mac] = cacheEntry{script: script, storedAt: c.clock.Now()}
}

// Get returns the cached script for a MAC if it is still fresh.
func (c *scriptCache) Get(mac string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[mac]
	if !ok {
		return "", false
	}
	if c.clock.Now().Sub(entry.storedAt) > ScriptCacheTTL {
		delete(c.entries, mac)
		return "", false
	}
	return entry.script, true
}
