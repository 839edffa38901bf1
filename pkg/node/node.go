// Package node defines the on-disk layout of a single occupancy-tree node
// (a "box head") and the slot-state machine that governs it.
//
// A node is a fixed-size record, addressed by the block ID the tree engine
// got it under from [github.com/go-boxmalloc/boxmalloc/pkg/blocks]. Every
// node has exactly [Radix] slots; a slot is either empty, formatted as a
// child node, or the start (or continuation) of a live object.
package node

import (
	"fmt"

	"github.com/go-boxmalloc/boxmalloc/pkg/opt"
	"github.com/go-boxmalloc/boxmalloc/pkg/usage"
	"github.com/go-boxmalloc/boxmalloc/pkg/xunsafe"
	"github.com/go-boxmalloc/boxmalloc/pkg/xunsafe/layout"
)

// Radix is the branching factor of a node: the number of slots it holds.
const Radix = usage.Radix

// NoParent is the sentinel parent ID used by the root node.
const NoParent = int64(-1)

// NoChild is the sentinel child ID for a slot with no formatted child.
const NoChild = int64(-1)

// SlotState is the state of a single slot within a node.
type SlotState uint8

const (
	// Unused means the slot holds nothing: it is available to be formatted
	// as a child node or claimed as the start of an object.
	Unused SlotState = iota
	// Formatted means the slot holds a child node, addressed by the
	// node's childIDs array at the same index.
	Formatted
	// ObjStart means the slot is the first granule of a live object.
	ObjStart
	// ObjContinued means the slot is a subsequent granule of an object
	// that started at an earlier slot.
	ObjContinued
)

func (s SlotState) String() string {
	switch s {
	case Unused:
		return "unused"
	case Formatted:
		return "formatted"
	case ObjStart:
		return "obj-start"
	case ObjContinued:
		return "obj-continued"
	default:
		return fmt.Sprintf("node.SlotState(%d)", uint8(s))
	}
}

// raw is the byte-exact layout of a node record. It contains no pointers,
// so it is safe to cast directly over a slice from the meta region.
type raw struct {
	state               uint8
	objLevel            uint8
	availableSlot       uint8
	maxObjCapacity      uint8
	parent              int64
	childMaxObjCapacity usage.Usage
	slots               [Radix]uint8
	childIDs            [Radix]int64
}

// Size is the wire size, in bytes, of a node record, including whatever
// padding Go's layout rules insert between fields.
var Size = layout.Size[raw]()

// View is a zero-copy accessor over a node record. It aliases the backing
// slice; mutating a View mutates the region it was bound to.
type View struct {
	r *raw
}

// Bind casts record, which must be at least [Size] bytes, into a View.
func Bind(record []byte) View {
	return View{xunsafe.Cast[raw](&record[0])}
}

// IsFormatted reports whether this node has been formatted, i.e. whether it
// is live and its fields may be read.
func (v View) IsFormatted() bool { return SlotState(v.r.state) == Formatted }

// Format initializes a node as a freshly-allocated box at the given level,
// with availableSlot usable slots and the given parent ID ([NoParent] for
// the root). The first availableSlot slots start Unused, any slots past
// them are marked ObjContinued so they are never claimed, and all child IDs
// start at [NoChild].
func (v View) Format(objLevel, availableSlot uint8, parent int64) {
	v.r.state = uint8(Formatted)
	v.r.objLevel = objLevel
	v.r.availableSlot = availableSlot
	v.r.maxObjCapacity = availableSlot
	v.r.parent = parent
	v.r.childMaxObjCapacity = usage.Zero

	for i := uint8(0); i < availableSlot; i++ {
		v.r.slots[i] = uint8(Unused)
	}
	for i := availableSlot; i < Radix; i++ {
		v.r.slots[i] = uint8(ObjContinued) // beyond availableSlot: never addressed
	}
	for i := range v.r.childIDs {
		v.r.childIDs[i] = NoChild
	}
}

// ObjLevel returns the size-class level this node's slots are denominated
// in: a live object starting in this node has usage.Usage{Level: ObjLevel()}.
func (v View) ObjLevel() uint8 { return v.r.objLevel }

// AvailableSlot returns the number of usable slots in this node. The root
// node may have fewer than [Radix] if the data region's size rounded to a
// multiple below 16; every other node has exactly [Radix].
func (v View) AvailableSlot() uint8 { return v.r.availableSlot }

// Parent returns the block ID of this node's parent, or [NoParent] for the
// root.
func (v View) Parent() int64 { return v.r.parent }

// MaxObjCapacity returns the cached length of the longest run of Unused
// slots in this node.
func (v View) MaxObjCapacity() uint8 { return v.r.maxObjCapacity }

// SetMaxObjCapacity overwrites the cached continuous-run length.
func (v View) SetMaxObjCapacity(n uint8) { v.r.maxObjCapacity = n }

// ChildMaxObjCapacity returns the cached largest usage satisfiable by
// descending into one of this node's formatted children. It is only
// meaningful when MaxObjCapacity is 0, i.e. this node's own slots are full.
func (v View) ChildMaxObjCapacity() usage.Usage { return v.r.childMaxObjCapacity }

// SetChildMaxObjCapacity overwrites the cached child capacity.
func (v View) SetChildMaxObjCapacity(u usage.Usage) { v.r.childMaxObjCapacity = u }

// Slot returns the state of slot i.
func (v View) Slot(i uint8) SlotState { return SlotState(v.r.slots[i]) }

// SetSlot overwrites the state of slot i.
func (v View) SetSlot(i uint8, s SlotState) { v.r.slots[i] = uint8(s) }

// ChildID returns the block ID formatted into slot i, or [NoChild].
func (v View) ChildID(i uint8) int64 { return v.r.childIDs[i] }

// FindFormattedChild returns the block ID formatted into slot i, if that
// slot actually holds a formatted child, in place of comparing against the
// [NoChild] sentinel by hand.
func (v View) FindFormattedChild(i uint8) opt.Option[int64] {
	if v.Slot(i) != Formatted {
		return opt.None[int64]()
	}
	return opt.Some(v.r.childIDs[i])
}

// SetChildID overwrites the block ID formatted into slot i.
func (v View) SetChildID(i uint8, id int64) { v.r.childIDs[i] = id }

// ContinuousMax scans the slot array and returns the length of the longest
// run of consecutive Unused slots.
func (v View) ContinuousMax() uint8 {
	var run, max uint8
	for i := uint8(0); i < v.r.availableSlot; i++ {
		if v.Slot(i) == Unused {
			run++
			if run > max {
				max = run
			}
		} else {
			run = 0
		}
	}
	return max
}

// EffectiveCapacity returns the largest usage this node can satisfy without
// descending further: either a run of its own slots, or — when its own
// slots are full — the best capacity cached from its formatted children.
//
// A MaxObjCapacity equal to [Radix] means the node's entire slot range is
// free, which can be coalesced one level up into a single slot of the
// parent's level.
func (v View) EffectiveCapacity() usage.Usage {
	if v.r.maxObjCapacity > 0 {
		if v.r.maxObjCapacity == Radix {
			return usage.Usage{Level: v.r.objLevel + 1, Multiple: 1}
		}
		return usage.Usage{Level: v.r.objLevel, Multiple: v.r.maxObjCapacity}
	}
	return v.r.childMaxObjCapacity
}

// IsEmpty reports whether every slot in this node is Unused and no child
// has been formatted, i.e. the node holds nothing and may be released back
// to the node sub-allocator.
func (v View) IsEmpty() bool {
	return v.r.maxObjCapacity == v.r.availableSlot
}
