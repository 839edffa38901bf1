// Package tree implements the placement, free, and capacity-propagation
// engine that drives the occupancy tree: the radix-16 nodes of
// [github.com/go-boxmalloc/boxmalloc/pkg/node], threaded together by the
// record sub-allocator of [github.com/go-boxmalloc/boxmalloc/pkg/blocks].
package tree

import (
	"github.com/go-boxmalloc/boxmalloc/internal/lockset"
	"github.com/go-boxmalloc/boxmalloc/pkg/blocks"
	"github.com/go-boxmalloc/boxmalloc/pkg/boxerr"
	"github.com/go-boxmalloc/boxmalloc/pkg/node"
	"github.com/go-boxmalloc/boxmalloc/pkg/usage"
)

// treeLock is the key under which the engine's single global mutex lives in
// its lock table. It is negative, so it can never collide with a real node
// ID, which are handed out from 0 by [blocks.Allocator.Alloc].
const treeLock = int64(-1)

// Engine implements the tree's placement and free algorithms over a node
// sub-allocator. It serializes all mutations behind one multi-reader,
// single-writer lock, the simpler alternative the occupancy tree's
// concurrency contract allows in place of per-node hand-over-hand locking.
type Engine struct {
	nodes *blocks.Allocator
	locks lockset.Table
}

// New wraps a node sub-allocator with a placement/free engine.
func New(nodes *blocks.Allocator) *Engine {
	return &Engine{nodes: nodes}
}

func (e *Engine) view(id int64) node.View {
	return node.Bind(e.nodes.Record(id))
}

// format initializes a fresh node at id. Callers must hold the engine's
// write lock; FormatRoot and the internal allocation path do this already.
func (e *Engine) format(id int64, objLevel, availableSlot uint8, parent int64) {
	e.view(id).Format(objLevel, availableSlot, parent)
}

// FormatRoot formats the root node. It must be called exactly once, before
// any Alloc or Free, typically right after the root's ID has been reserved
// from the node sub-allocator.
func (e *Engine) FormatRoot(rootID int64, objLevel uint8, availableSlot uint8) {
	e.locks.Lock(treeLock)
	defer e.locks.Unlock(treeLock)

	e.format(rootID, objLevel, availableSlot, node.NoParent)
}

// RootCapacity returns the root node's effective capacity: the largest
// usage Alloc can currently satisfy.
func (e *Engine) RootCapacity(rootID int64) usage.Usage {
	e.locks.RLock(treeLock)
	defer e.locks.RUnlock(treeLock)

	return e.view(rootID).EffectiveCapacity()
}

// NodeCount returns the number of node records currently in use, including
// the root. It shrinks when leaf-release coalescing frees an empty node
// back to the sub-allocator.
func (e *Engine) NodeCount() int {
	e.locks.RLock(treeLock)
	defer e.locks.RUnlock(treeLock)

	return e.nodes.Len()
}

// Alloc finds space for a usage of u granules beneath rootID and returns its
// byte offset within the data region. It returns an [boxerr.Error] of kind
// [boxerr.OutOfMetadata] if no spare node records remain to format a new
// child, or [boxerr.InvariantViolated] if the tree's bookkeeping no longer
// matches its own invariants.
func (e *Engine) Alloc(rootID int64, u usage.Usage) (uint64, error) {
	e.locks.Lock(treeLock)
	defer e.locks.Unlock(treeLock)

	return e.findAlloc(rootID, u)
}

func (e *Engine) findAlloc(id int64, u usage.Usage) (uint64, error) {
	v := e.view(id)
	if !v.IsFormatted() {
		return 0, boxerr.New(boxerr.InvariantViolated, "node %d is not formatted", id)
	}

	if u.Level == v.ObjLevel() {
		slot, ok := e.putSlots(id, u)
		if !ok {
			return 0, boxerr.New(boxerr.InvariantViolated,
				"node %d has no room for usage %s despite capacity check", id, u)
		}
		return usage.Usage{Level: v.ObjLevel(), Multiple: slot}.ByteOffset(), nil
	}

	if u.Level > v.ObjLevel() {
		return 0, boxerr.New(boxerr.InvariantViolated,
			"descended to node %d at level %d looking for level %d", id, v.ObjLevel(), u.Level)
	}

	for i := uint8(0); i < v.AvailableSlot(); i++ {
		// Slots holding a live object can't host a descent; skip them
		// before deciding whether to recurse into an existing child or
		// format a fresh one.
		var child int64
		switch v.Slot(i) {
		case node.Formatted:
			child = v.FindFormattedChild(i).Unwrap()
		case node.Unused:
			var err error
			child, err = e.formatChild(id, v, i)
			if err != nil {
				return 0, err
			}
		default:
			continue
		}

		if usage.Compare(e.view(child).EffectiveCapacity(), u) < 0 {
			continue
		}

		offset, err := e.findAlloc(child, u)
		if err != nil {
			return 0, err
		}
		return usage.Usage{Level: v.ObjLevel(), Multiple: i}.ByteOffset() + offset, nil
	}

	return 0, boxerr.New(boxerr.InvariantViolated,
		"node %d advertised capacity for usage %s but no slot could satisfy it", id, u)
}

// formatChild allocates and formats a new child node at slot i of v, and
// updates v's own bookkeeping to reflect it.
func (e *Engine) formatChild(parentID int64, v node.View, i uint8) (int64, error) {
	childID := e.nodes.Alloc()
	if childID == blocks.NoID {
		return 0, boxerr.New(boxerr.OutOfMetadata, "no spare node records to format a child")
	}

	e.format(childID, v.ObjLevel()-1, node.Radix, parentID)
	v.SetChildID(i, childID)
	v.SetSlot(i, node.Formatted)

	newMax := v.ContinuousMax()
	if v.MaxObjCapacity() != newMax {
		v.SetMaxObjCapacity(newMax)
		// Once v's own slots are exhausted its effective capacity comes from
		// its children, so that cache must be current; either way v's
		// ancestors have to see its new effective capacity.
		if newMax == 0 {
			e.updateParent(parentID, false, true)
		}
		if v.Parent() != node.NoParent {
			e.updateParent(v.Parent(), false, true)
		}
	}

	return childID, nil
}

// putSlots claims the first run of consecutive Unused slots in node id long
// enough to hold u, marks it OBJ_START/OBJ_CONTINUED, and propagates any
// resulting capacity change to the parent. It reports false if no such run
// exists.
func (e *Engine) putSlots(id int64, u usage.Usage) (uint8, bool) {
	v := e.view(id)

	target, run := uint8(0), uint8(0)
	found := false
	for i := uint8(0); i < v.AvailableSlot() && !found; i++ {
		if v.Slot(i) == node.Unused {
			if run == 0 {
				target = i
			}
			run++
			found = run >= u.Multiple
		} else {
			run = 0
		}
	}
	if !found {
		return 0, false
	}

	for i := uint8(0); i < u.Multiple; i++ {
		if i == 0 {
			v.SetSlot(target+i, node.ObjStart)
		} else {
			v.SetSlot(target+i, node.ObjContinued)
		}
	}

	newMax := v.ContinuousMax()
	if v.MaxObjCapacity() != newMax {
		v.SetMaxObjCapacity(newMax)
		if newMax == 0 {
			e.updateParent(id, false, true)
		}
		if v.Parent() != node.NoParent {
			e.updateParent(v.Parent(), false, true)
		}
	}

	return target, true
}

// updateParent recomputes id's own capacity caches in response to a change
// in one of its children (slotChanged: id's own slot-state array changed;
// capacityChanged: a child's capacity changed), and recurses toward the
// root as long as something actually changed.
func (e *Engine) updateParent(id int64, slotChanged, capacityChanged bool) {
	v := e.view(id)

	if slotChanged {
		newMax := v.ContinuousMax()
		if v.MaxObjCapacity() != newMax {
			v.SetMaxObjCapacity(newMax)
		} else {
			slotChanged = false
		}
	}

	if capacityChanged {
		if v.MaxObjCapacity() > 0 {
			// This node still has room of its own; the cached child
			// capacity is irrelevant until it fills up.
			capacityChanged = false
		} else {
			newMax := usage.Zero
			for i := uint8(0); i < v.AvailableSlot(); i++ {
				if v.Slot(i) != node.Formatted {
					continue
				}
				childMax := e.view(v.ChildID(i)).EffectiveCapacity()
				if usage.Compare(childMax, newMax) > 0 {
					newMax = childMax
				}
			}
			if usage.Compare(newMax, v.ChildMaxObjCapacity()) != 0 {
				v.SetChildMaxObjCapacity(newMax)
			} else {
				capacityChanged = false
			}
		}
	}

	if (slotChanged || capacityChanged) && v.Parent() != node.NoParent {
		e.updateParent(v.Parent(), slotChanged, capacityChanged)
	}
}

// Free releases the object at the given data-region offset beneath rootID.
// It returns a [boxerr.Error] of kind [boxerr.InvalidFree] if the offset
// does not resolve to a live object.
func (e *Engine) Free(rootID int64, offset uint64) error {
	e.locks.Lock(treeLock)
	defer e.locks.Unlock(treeLock)

	id, slot, err := e.findObjNode(rootID, offset)
	if err != nil {
		return err
	}

	v := e.view(id)
	v.SetSlot(slot, node.Unused)
	for i := slot + 1; i < v.AvailableSlot(); i++ {
		if v.Slot(i) != node.ObjContinued {
			break
		}
		v.SetSlot(i, node.Unused)
	}

	newMax := v.ContinuousMax()
	if v.MaxObjCapacity() == newMax {
		return nil
	}
	v.SetMaxObjCapacity(newMax)

	e.propagateFree(rootID, id)
	return nil
}

// propagateFree walks from id toward the root, releasing any node that has
// become entirely empty (and is not the root) back to the node
// sub-allocator, then recomputing and propagating its former parent's
// capacity caches the rest of the way up.
func (e *Engine) propagateFree(rootID, id int64) {
	for {
		v := e.view(id)
		parent := v.Parent()
		if parent == node.NoParent {
			return
		}

		if id != rootID && v.IsEmpty() {
			pv := e.view(parent)
			releaseChildSlot(pv, id)

			e.nodes.Free(id)
			e.locks.Forget(id)

			pv.SetMaxObjCapacity(pv.ContinuousMax())
			id = parent
			continue
		}

		e.updateParent(parent, false, true)
		return
	}
}

// releaseChildSlot finds the slot of v pointing at childID and resets it to
// Unused.
func releaseChildSlot(v node.View, childID int64) {
	for i := uint8(0); i < v.AvailableSlot(); i++ {
		if v.ChildID(i) == childID {
			v.SetSlot(i, node.Unused)
			v.SetChildID(i, node.NoChild)
			return
		}
	}
}

// Walk calls yield once for every live object reachable from rootID, depth
// first, passing its data-region byte offset and usage. It stops early if
// yield returns false, and returns false in that case; it otherwise visits
// every object and returns true. The whole walk runs under a single read
// lock, the same discipline as a capacity check.
func (e *Engine) Walk(rootID int64, yield func(offset uint64, u usage.Usage) bool) bool {
	e.locks.RLock(treeLock)
	defer e.locks.RUnlock(treeLock)

	return e.walk(rootID, 0, yield)
}

func (e *Engine) walk(id int64, base uint64, yield func(uint64, usage.Usage) bool) bool {
	v := e.view(id)

	for i := uint8(0); i < v.AvailableSlot(); i++ {
		slotOffset := base + (usage.Usage{Level: v.ObjLevel(), Multiple: i}).ByteOffset()

		switch v.Slot(i) {
		case node.ObjStart:
			run := uint8(1)
			for i+run < v.AvailableSlot() && v.Slot(i+run) == node.ObjContinued {
				run++
			}
			if !yield(slotOffset, usage.Usage{Level: v.ObjLevel(), Multiple: run}) {
				return false
			}
		case node.Formatted:
			if !e.walk(v.FindFormattedChild(i).Unwrap(), slotOffset, yield) {
				return false
			}
		}
	}

	return true
}

// findObjNode resolves a data-region byte offset to the node and slot index
// holding the object that starts there.
func (e *Engine) findObjNode(rootID int64, offset uint64) (int64, uint8, error) {
	unit := offset / usage.Granule

	id := rootID
	v := e.view(id)
	level := v.ObjLevel()

	for v.IsFormatted() {
		divisor := uint64(1)
		for i := uint8(0); i < level; i++ {
			divisor *= usage.Radix
		}
		slot := uint8((unit / divisor) % usage.Radix)

		switch v.Slot(slot) {
		case node.ObjStart:
			return id, slot, nil
		case node.Formatted:
			id = v.ChildID(slot)
			v = e.view(id)
			level--
		default:
			return 0, 0, boxerr.New(boxerr.InvalidFree, "offset %d resolves to a non-object slot", offset)
		}
	}

	return 0, 0, boxerr.New(boxerr.InvalidFree, "offset %d does not resolve to a live object", offset)
}
