// Package usage implements the radix-16 size-class arithmetic shared by the
// node and tree packages.
//
// A [Usage] names a size class as a (level, multiple) pair: level counts how
// many powers of 16 granules the class spans, and multiple is how many
// slots of that level are consumed, in [1,15] (16 rolls over into the next
// level). The granule is fixed at 8 bytes, matching the smallest object the
// allocator will ever place.
package usage

import "fmt"

// Granule is the smallest unit of allocatable space, in bytes.
const Granule = 8

// Radix is the branching factor of the occupancy tree and the base of the
// size-class arithmetic.
const Radix = 16

// Usage names a size class as a power of [Radix] (Level) and a multiple of
// that power (Multiple, in [1,15]). The zero value means "no usage".
type Usage struct {
	Level    uint8
	Multiple uint8
}

// Zero is the usage representing no allocatable space.
var Zero = Usage{}

// IsZero reports whether u represents no usage.
func (u Usage) IsZero() bool { return u.Multiple == 0 }

func (u Usage) String() string {
	if u.IsZero() {
		return "usage(none)"
	}
	return fmt.Sprintf("usage(%d*16^%d)", u.Multiple, u.Level)
}

// Compare orders usages by the size class they denote: first by level, then
// by multiple. It returns a negative number, zero, or a positive number as a
// is smaller than, equal to, or larger than b.
func Compare(a, b Usage) int {
	if a.Level != b.Level {
		return int(a.Level) - int(b.Level)
	}
	return int(a.Multiple) - int(b.Multiple)
}

// AlignTo rounds n granules up to the nearest representable size class.
//
// Granules smaller than [Radix] round to a level-0 usage with multiple set
// to n. Larger counts climb levels until the multiple fits in [1,15]; a
// multiple that rounds up to 16 carries into the next level as multiple 1.
func AlignTo(n uint64) Usage {
	if n < Radix {
		return Usage{Level: 0, Multiple: uint8(n)}
	}

	level := intLog(n, Radix)
	minBase := intPow(Radix, level)

	multiple := (n + minBase - 1) / minBase
	if multiple >= Radix {
		return Usage{Level: uint8(level) + 1, Multiple: 1}
	}
	return Usage{Level: uint8(level), Multiple: uint8(multiple)}
}

// ByteOffset returns the byte offset of the start of u's size class, counted
// in granules of [Granule] bytes scaled by [Radix]^level.
func (u Usage) ByteOffset() uint64 {
	offset := uint64(Granule)
	for i := uint8(0); i < u.Level; i++ {
		offset *= Radix
	}
	return offset * uint64(u.Multiple)
}

// Bytes returns the number of bytes a single slot at u's level spans, i.e.
// the span of a Usage{Level: u.Level, Multiple: 1}.
func (u Usage) Bytes() uint64 {
	bytes := uint64(Granule)
	for i := uint8(0); i < u.Level; i++ {
		bytes *= Radix
	}
	return bytes
}

func intPow(base uint64, exp uint32) uint64 {
	result := uint64(1)
	for i := uint32(0); i < exp; i++ {
		result *= base
	}
	return result
}

func intLog(n, base uint64) uint32 {
	var log uint32
	for n >= base {
		n /= base
		log++
	}
	return log
}
