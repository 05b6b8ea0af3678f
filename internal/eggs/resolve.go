// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eggs

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/egg"
	"github.com/canonical/hatchery/core/machine"
)

// Resolve expands the given references (groups in declared member
// order), chases dependencies, and returns the eggs in a
// deterministic deployment order: a stable topological sort that
// breaks ties on first-encounter order. It fails before any
// downstream component is touched if the graph has a cycle, an egg
// does not fit the machine's architecture, or the machine is below an
// egg's resource floor.
func (e *Engine) Resolve(ctx context.Context, refs []Ref, target *machine.Machine) ([]*egg.Egg, error) {
	if target == nil {
		return nil, errors.NotValidf("nil target machine")
	}

	roots, err := e.expandRefs(ctx, refs)
	if err != nil {
		return nil, errors.Trace(err)
	}

	closure, order, err := e.dependencyClosure(ctx, roots)
	if err != nil {
		return nil, errors.Trace(err)
	}

	sorted, err := topologicalSort(closure, order)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, item := range sorted {
		if err := checkTarget(item, target); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return sorted, nil
}

// expandRefs turns the caller's references into a flat list of root
// eggs, expanding groups in declared order.
func (e *Engine) expandRefs(ctx context.Context, refs []Ref) ([]*egg.Egg, error) {
	var roots []*egg.Egg
	for _, ref := range refs {
		switch ref.Kind {
		case RefEgg:
			item, err := e.catalog.Egg(ctx, ref.ID)
			if err != nil {
				return nil, errors.Trace(err)
			}
			roots = append(roots, item)
		case RefGroup:
			group, err := e.catalog.Group(ctx, ref.ID)
			if err != nil {
				return nil, errors.Trace(err)
			}
			members := make([]egg.GroupMember, len(group.Members))
			copy(members, group.Members)
			sort.SliceStable(members, func(i, j int) bool {
				return members[i].Order < members[j].Order
			})
			for _, member := range members {
				item, err := e.catalog.Egg(ctx, member.EggID)
				if err != nil {
					return nil, errors.Trace(err)
				}
				roots = append(roots, item)
			}
		default:
			return nil, errors.NotValidf("reference kind %q", ref.Kind)
		}
	}
	return roots, nil
}

// dependencyClosure walks dependencies breadth-first from the roots,
// recording each egg once in encounter order. The BFS level bounds
// the chain depth.
func (e *Engine) dependencyClosure(ctx context.Context, roots []*egg.Egg) (map[string]*egg.Egg, []string, error) {
	closure := make(map[string]*egg.Egg)
	var order []string

	type queued struct {
		egg   *egg.Egg
		depth int
	}
	var queue []queued
	for _, root := range roots {
		if !root.IsActive {
			return nil, nil, errors.Annotatef(ErrConfig, "egg %q is not active", root.Name)
		}
		if _, ok := closure[root.ID]; ok {
			continue
		}
		closure[root.ID] = root
		order = append(order, root.ID)
		queue = append(queue, queued{egg: root, depth: 1})
	}

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if head.depth >= maxDependencyDepth {
			return nil, nil, errors.Annotatef(ErrDepthLimit, "egg %q", head.egg.Name)
		}
		for _, depID := range head.egg.Dependencies {
			if _, ok := closure[depID]; ok {
				continue
			}
			dep, err := e.catalog.Egg(ctx, depID)
			if err != nil {
				return nil, nil, errors.Annotatef(err, "dependency %q of egg %q", depID, head.egg.Name)
			}
			if !dep.IsActive {
				return nil, nil, errors.Annotatef(ErrConfig, "dependency %q of egg %q is not active", dep.Name, head.egg.Name)
			}
			closure[dep.ID] = dep
			order = append(order, dep.ID)
			queue = append(queue, queued{egg: dep, depth: head.depth + 1})
		}
	}
	return closure, order, nil
}

// topologicalSort orders the closure so every dependency precedes its
// dependents (Kahn's algorithm), breaking ties on encounter order so
// the same input always yields the same output. Leftover nodes mean a
// cycle.
func topologicalSort(closure map[string]*egg.Egg, order []string) ([]*egg.Egg, error) {
	indegree := make(map[string]int, len(closure))
	dependents := make(map[string][]string, len(closure))
	for _, id := range order {
		item := closure[id]
		for _, depID := range item.Dependencies {
			if _, ok := closure[depID]; !ok {
				continue
			}
			indegree[id]++
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var sorted []*egg.Egg
	remaining := make(map[string]bool, len(order))
	for _, id := range order {
		remaining[id] = true
	}
	for len(sorted) < len(order) {
		picked := ""
		for _, id := range order {
			if remaining[id] && indegree[id] == 0 {
				picked = id
				break
			}
		}
		if picked == "" {
			var cycle []string
			for _, id := range order {
				if remaining[id] {
					cycle = append(cycle, closure[id].Name)
				}
			}
			return nil, errors.Annotatef(ErrConfig, "dependency cycle involving %v", cycle)
		}
		remaining[picked] = false
		sorted = append(sorted, closure[picked])
		for _, dependent := range dependents[picked] {
			indegree[dependent]--
		}
	}
	return sorted, nil
}

// checkTarget enforces the per-egg machine requirements.
func checkTarget(item *egg.Egg, target *machine.Machine) error {
	if !item.SupportsArchitecture(target.Architecture) {
		return errors.Annotatef(ErrArchMismatch,
			"egg %q requires %s, machine %q is %s",
			item.Name, item.RequiredArch, target.SystemID, target.Architecture)
	}
	if item.MinRAMMB > 0 && item.MinRAMMB > target.MemoryMB {
		return errors.Annotatef(ErrInsufficientResources,
			"egg %q needs %d MB RAM, machine %q has %d",
			item.Name, item.MinRAMMB, target.SystemID, target.MemoryMB)
	}
	if item.MinDiskGB > 0 && item.MinDiskGB > target.StorageGB {
		return errors.Annotatef(ErrInsufficientResources,
			"egg %q needs %d GB disk, machine %q has %d",
			item.Name, item.MinDiskGB, target.SystemID, target.StorageGB)
	}
	return nil
}
