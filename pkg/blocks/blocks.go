// Package blocks implements a fixed-size record sub-allocator over a
// caller-supplied meta region.
//
// It hands out node records to the tree package: every box node lives at a
// stable integer ID, and [Allocator.Record] returns the raw bytes backing
// that ID. IDs are never reused while a node is live, and freed IDs are
// recycled through an intrusive free list threaded through the freed
// records themselves, so the allocator needs no auxiliary bookkeeping
// memory beyond the region it was given.
package blocks

import (
	"fmt"

	"github.com/go-boxmalloc/boxmalloc/pkg/opt"
	"github.com/go-boxmalloc/boxmalloc/pkg/xunsafe"
)

// header is the fixed-size control block at the start of the meta region.
// It is followed immediately by capacity records of recordSize bytes each.
type header struct {
	recordSize uint64
	capacity   uint64
	count      uint64
	freeHead   int64 // -1 if the free list is empty
}

const headerSize = 32 // fixed wire size of header, independent of struct padding

// NoID is returned by Alloc when the region has no spare records.
const NoID = int64(-1)

// Allocator is a fixed-size record sub-allocator over a byte slice supplied
// by the caller. It does not own or allocate that memory; the caller is
// responsible for its lifetime.
type Allocator struct {
	region     []byte
	recordSize int
	capacity   int
}

// Init formats region as a fresh record allocator with room for records of
// recordSize bytes each. The region must be at least headerSize plus one
// record long.
func Init(region []byte, recordSize int) (*Allocator, error) {
	if recordSize < 8 {
		return nil, fmt.Errorf("blocks: record size must be at least 8 bytes, got %d", recordSize)
	}
	if len(region) < headerSize+recordSize {
		return nil, fmt.Errorf("blocks: region of %d bytes too small for header and one record", len(region))
	}

	capacity := (len(region) - headerSize) / recordSize

	h := headerView(region)
	h.recordSize = uint64(recordSize)
	h.capacity = uint64(capacity)
	h.count = 0
	h.freeHead = NoID

	return &Allocator{region: region, recordSize: recordSize, capacity: capacity}, nil
}

// Bind attaches to a region previously formatted by Init, validating its
// header before use.
func Bind(region []byte) (*Allocator, error) {
	if len(region) < headerSize {
		return nil, fmt.Errorf("blocks: region of %d bytes too small for a header", len(region))
	}

	h := headerView(region)
	if h.recordSize < 8 {
		return nil, fmt.Errorf("blocks: corrupt header: record size %d", h.recordSize)
	}

	capacity := int(h.capacity)
	if headerSize+capacity*int(h.recordSize) > len(region) {
		return nil, fmt.Errorf("blocks: corrupt header: capacity %d overruns region", capacity)
	}

	return &Allocator{region: region, recordSize: int(h.recordSize), capacity: capacity}, nil
}

func headerView(region []byte) *header {
	return xunsafe.Cast[header](&region[0])
}

func (a *Allocator) header() *header { return headerView(a.region) }

// Cap returns the total number of records the region can hold.
func (a *Allocator) Cap() int { return a.capacity }

// Len returns the number of records currently allocated.
func (a *Allocator) Len() int { return int(a.header().count) }

// recordAt returns the raw bytes of the record at the given slot index (not
// ID space; equal to ID here since IDs are slot indices).
func (a *Allocator) recordAt(slot int) []byte {
	start := headerSize + slot*a.recordSize
	return a.region[start : start+a.recordSize]
}

// popFreeList pops the head of the intrusive free list, if any, leaving the
// allocator's bookkeeping untouched so the caller can finish the
// reservation (increment count, clear the record).
func (a *Allocator) popFreeList() opt.Option[int64] {
	h := a.header()
	if h.freeHead == NoID {
		return opt.None[int64]()
	}

	id := h.freeHead
	rec := a.recordAt(int(id))
	h.freeHead = *xunsafe.Cast[int64](&rec[0])
	return opt.Some(id)
}

// Alloc reserves a record and returns its stable ID, or [NoID] if the
// region is exhausted.
func (a *Allocator) Alloc() int64 {
	h := a.header()

	if popped := a.popFreeList(); popped.IsSome() {
		id := popped.Unwrap()
		h.count++
		clear(a.recordAt(int(id)))
		return id
	}

	if int(h.count) >= a.capacity {
		return NoID
	}

	id := int64(h.count)
	h.count++
	clear(a.recordAt(int(id)))
	return id
}

// Free releases id back to the allocator, threading it onto the free list.
func (a *Allocator) Free(id int64) {
	h := a.header()
	rec := a.recordAt(int(id))
	clear(rec)
	*xunsafe.Cast[int64](&rec[0]) = h.freeHead
	h.freeHead = id
	h.count--
}

// Record returns the raw bytes backing id. The slice aliases the
// underlying region; mutations are visible to subsequent callers.
func (a *Allocator) Record(id int64) []byte {
	return a.recordAt(int(id))
}

// DataOffset returns the byte offset, relative to the start of the region,
// of the record data for id.
func (a *Allocator) DataOffset(id int64) int {
	return headerSize + int(id)*a.recordSize
}

// IDByDataOffset inverts [Allocator.DataOffset].
func (a *Allocator) IDByDataOffset(offset int) int64 {
	return int64((offset - headerSize) / a.recordSize)
}
