// Package boxerr defines the error kinds returned by the allocator's
// entry points.
package boxerr

import (
	"fmt"

	"github.com/go-boxmalloc/boxmalloc/pkg/xerrors"
)

// Kind classifies the failure modes the allocator's entry points can
// report.
type Kind int

const (
	// AlreadyInitialized is returned by Init when the meta region already
	// carries a valid magic word.
	AlreadyInitialized Kind = iota + 1
	// Misaligned is returned when a data region's byte size is not a
	// multiple of the granule, or does not round-trip through the radix-16
	// size-class arithmetic.
	Misaligned
	// NoRoot is returned when Init cannot set up the root node (the meta
	// region is too small, or the node sub-allocator cannot be formatted or
	// yield the root), or when Bind is given a region that is too short, is
	// not initialized, or whose sub-allocator header is unusable.
	NoRoot
	// SizeTooLarge is returned by Alloc when the requested size exceeds the
	// root node's maximum object capacity.
	SizeTooLarge
	// OutOfMetadata is returned when the node sub-allocator has no spare
	// records left to format a new child node.
	OutOfMetadata
	// InvariantViolated is returned when a node's state has been found to
	// violate the occupancy-tree invariants, and continuing would corrupt
	// the region.
	InvariantViolated
	// InvalidFree is returned by Free when the given offset does not
	// resolve to a live OBJ_START slot.
	InvalidFree
)

func (k Kind) String() string {
	switch k {
	case AlreadyInitialized:
		return "already initialized"
	case Misaligned:
		return "misaligned"
	case NoRoot:
		return "no root"
	case SizeTooLarge:
		return "size too large"
	case OutOfMetadata:
		return "out of metadata"
	case InvariantViolated:
		return "invariant violated"
	case InvalidFree:
		return "invalid free"
	default:
		return fmt.Sprintf("boxerr.Kind(%d)", int(k))
	}
}

// Error is the concrete error type returned by the allocator. It pairs a
// [Kind] with a human-readable message so callers can both switch on the
// failure class and log the detail.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether target is an *Error of the same [Kind], so that
// errors.Is(err, boxerr.New(boxerr.NoRoot, "")) works regardless of message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// AsKind reports the [Kind] of err, if err is (or wraps) a *Error.
func AsKind(err error) (Kind, bool) {
	e, ok := xerrors.AsA[*Error](err)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}
