// Package box implements the allocator's façade: init, alloc, and free over
// two caller-supplied byte regions, a meta region holding the occupancy
// tree and a data region the tree's offsets are relative to.
//
// The data region is never touched by this package — box only computes
// where within it an object lives. That keeps the allocator usable over
// memory it cannot itself address: a memory-mapped file, a block device,
// or a region living in another process.
package box

import (
	"bytes"
	"encoding/binary"
	"iter"

	"github.com/dolthub/maphash"

	"github.com/go-boxmalloc/boxmalloc/internal/debug"
	"github.com/go-boxmalloc/boxmalloc/pkg/blocks"
	"github.com/go-boxmalloc/boxmalloc/pkg/boxerr"
	"github.com/go-boxmalloc/boxmalloc/pkg/node"
	"github.com/go-boxmalloc/boxmalloc/pkg/res"
	"github.com/go-boxmalloc/boxmalloc/pkg/tree"
	"github.com/go-boxmalloc/boxmalloc/pkg/untrust"
	"github.com/go-boxmalloc/boxmalloc/pkg/usage"
	"github.com/go-boxmalloc/boxmalloc/pkg/zc"
)

// Failed is the sentinel offset returned by Alloc on failure.
const Failed = ^uint64(0)

// magicSize is the length, in bytes, of the header's magic word.
const magicSize = 16

// Magic identifies a meta region as belonging to this allocator.
var Magic = func() (m [magicSize]byte) {
	copy(m[:], "boxmalloc")
	return
}()

// headerSize is the fixed wire size of the box header: magic, metaBytes,
// dataBytes, fingerprint, rootID.
const headerSize = magicSize + 8 + 8 + 8 + 8

// fingerprintKey is what the region fingerprint is computed over: the
// configuration an Init call was made with. Bind checks it against a
// freshly-computed fingerprint of the header it reads back, catching a
// caller that passes mismatched region slices for a meta region it didn't
// format itself.
//
// The hasher carries a random per-process seed, so the fingerprint is only
// meaningful for the lifetime of one process — not across a region
// persisted to disk and reopened by a different run. That is adequate for
// its purpose here: a sanity check against programmer error, not a
// cryptographic integrity guarantee.
type fingerprintKey struct {
	metaBytes, dataBytes uint64
}

var fingerprintHasher = maphash.NewHasher[fingerprintKey]()

func fingerprintOf(metaBytes, dataBytes uint64) uint64 {
	return fingerprintHasher.Hash(fingerprintKey{metaBytes, dataBytes})
}

// Config configures a fresh allocator.
type Config struct {
	// MetaBytes is the size of the meta region: the header plus room for
	// node records. It bounds how many nodes the occupancy tree can ever
	// have, and so how finely the data region can be subdivided.
	MetaBytes uint64
	// DataBytes is the size of the data region Alloc hands out offsets
	// into. It must be a multiple of 8 and round-trip through the
	// radix-16 size-class arithmetic (see [usage.AlignTo]).
	DataBytes uint64
}

// DefaultConfig returns the configuration used by this package's test
// fixtures: a 16MiB data region backed by a 1MiB meta region.
func DefaultConfig() Config {
	return Config{
		MetaBytes: 1 << 20,
		DataBytes: 16 << 20,
	}
}

// Allocator is a bound occupancy-tree allocator over a meta region. It
// holds no reference to the data region; every entry point deals in
// offsets relative to it.
type Allocator struct {
	meta      []byte
	engine    *tree.Engine
	rootID    int64
	metaBytes uint64
	dataBytes uint64
}

// Init formats meta as a fresh allocator for a data region of cfg.DataBytes
// bytes. meta must be at least cfg.MetaBytes bytes and not already carry
// this package's magic word.
func Init(meta []byte, cfg Config) (*Allocator, error) {
	if h, err := readHeader(meta); err == nil && h.magicOK {
		return nil, boxerr.New(boxerr.AlreadyInitialized, "meta region already carries the boxmalloc magic word")
	}

	if cfg.DataBytes%usage.Granule != 0 {
		return nil, boxerr.New(boxerr.Misaligned, "data_bytes %d is not a multiple of %d", cfg.DataBytes, usage.Granule)
	}

	rounded := usage.AlignTo(cfg.DataBytes / usage.Granule)
	if cfg.DataBytes != rounded.ByteOffset() {
		return nil, boxerr.New(boxerr.Misaligned,
			"data_bytes %d is not m*16^n*8 for any m in [1,15], n>=0", cfg.DataBytes)
	}

	if uint64(len(meta)) < cfg.MetaBytes {
		return nil, boxerr.New(boxerr.NoRoot, "meta slice of %d bytes shorter than configured %d", len(meta), cfg.MetaBytes)
	}
	if cfg.MetaBytes < uint64(headerSize+node.Size) {
		return nil, boxerr.New(boxerr.NoRoot, "meta_bytes %d too small for header and one node record", cfg.MetaBytes)
	}

	// blocks.Init returns (*blocks.Allocator, error); res.Wrap composes it
	// with the rest of Init's fallible setup steps before the result
	// crosses into the façade's documented *boxerr.Error surface.
	blocksResult := res.Wrap(blocks.Init(meta[headerSize:cfg.MetaBytes], node.Size))
	if blocksResult.IsErr() {
		return nil, boxerr.New(boxerr.NoRoot, "%v", blocksResult.UnwrapErr())
	}
	nodes := blocksResult.Unwrap()

	rootID := nodes.Alloc()
	if rootID == blocks.NoID {
		return nil, boxerr.New(boxerr.NoRoot, "failed to reserve the root node")
	}

	engine := tree.New(nodes)
	engine.FormatRoot(rootID, rounded.Level, rounded.Multiple)

	writeHeader(meta, cfg.MetaBytes, cfg.DataBytes, fingerprintOf(cfg.MetaBytes, cfg.DataBytes), rootID)

	return &Allocator{
		meta:      meta,
		engine:    engine,
		rootID:    rootID,
		metaBytes: cfg.MetaBytes,
		dataBytes: cfg.DataBytes,
	}, nil
}

// Bind attaches to a meta region previously formatted by Init, validating
// its header before use.
func Bind(meta []byte) (*Allocator, error) {
	h, err := readHeader(meta)
	if err != nil {
		return nil, boxerr.New(boxerr.NoRoot, "%v", err)
	}
	if !h.magicOK {
		return nil, boxerr.New(boxerr.NoRoot, "meta region does not carry the boxmalloc magic word")
	}
	if uint64(len(meta)) < h.metaBytes {
		return nil, boxerr.New(boxerr.NoRoot, "meta slice of %d bytes shorter than header's %d", len(meta), h.metaBytes)
	}
	if fingerprintOf(h.metaBytes, h.dataBytes) != h.fingerprint {
		return nil, boxerr.New(boxerr.InvariantViolated, "region fingerprint does not match its own header")
	}

	blocksResult := res.Wrap(blocks.Bind(meta[headerSize:h.metaBytes]))
	if blocksResult.IsErr() {
		return nil, boxerr.New(boxerr.NoRoot, "%v", blocksResult.UnwrapErr())
	}

	return &Allocator{
		meta:      meta,
		engine:    tree.New(blocksResult.Unwrap()),
		rootID:    h.rootID,
		metaBytes: h.metaBytes,
		dataBytes: h.dataBytes,
	}, nil
}

// Alloc reserves size bytes and returns its offset within the data region,
// or [Failed] if no space could be found.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	u := usage.AlignTo((size + usage.Granule - 1) / usage.Granule)

	if usage.Compare(u, a.engine.RootCapacity(a.rootID)) > 0 {
		err := boxerr.New(boxerr.SizeTooLarge, "requested %d bytes exceeds root capacity", size)
		debug.Log(nil, "Alloc", "%v", err)
		return Failed, err
	}

	offset, err := a.engine.Alloc(a.rootID, u)
	if err != nil {
		debug.Log(nil, "Alloc", "%v", err)
		return Failed, err
	}
	return offset, nil
}

// Free releases the object at offset within the data region. Freeing an
// offset that does not resolve to a live object is reported as a
// [boxerr.InvalidFree] error and otherwise ignored: it never panics and
// never corrupts the tree.
func (a *Allocator) Free(offset uint64) error {
	if err := a.engine.Free(a.rootID, offset); err != nil {
		debug.Log(nil, "Free", "%v", err)
		return err
	}
	return nil
}

// DataBytes returns the size of the data region this allocator was
// configured for.
func (a *Allocator) DataBytes() uint64 { return a.dataBytes }

// MetaBytes returns the size of the meta region this allocator was
// configured for.
func (a *Allocator) MetaBytes() uint64 { return a.metaBytes }

// Span is the byte range of a live object within the data region, packed
// into a single machine word.
type Span = zc.View

// Walk calls yield once for every live object in the data region, depth
// first, passing its [Span] and [usage.Usage]. It stops early if yield
// returns false. Walk takes the same read-lock discipline as a capacity
// check: it observes a single consistent snapshot of the tree, but does
// not block concurrent reads.
func (a *Allocator) Walk(yield func(Span, usage.Usage) bool) bool {
	return a.engine.Walk(a.rootID, func(offset uint64, u usage.Usage) bool {
		return yield(zc.Raw(int(offset), int(u.ByteOffset())), u)
	})
}

// All returns an iterator over every live object's [Span] and [usage.Usage],
// for use with a range-over-func loop.
func (a *Allocator) All() iter.Seq2[Span, usage.Usage] {
	return func(yield func(Span, usage.Usage) bool) {
		a.Walk(yield)
	}
}

// Stats summarizes an allocator's current metadata usage.
type Stats struct {
	// NodeCount is the number of node records currently formatted.
	NodeCount int
	// RootCapacity is the largest usage Alloc could currently satisfy.
	RootCapacity usage.Usage
}

// Stats reports the allocator's current metadata usage.
func (a *Allocator) Stats() Stats {
	return Stats{
		NodeCount:    a.engine.NodeCount(),
		RootCapacity: a.engine.RootCapacity(a.rootID),
	}
}

type parsedHeader struct {
	magicOK     bool
	metaBytes   uint64
	dataBytes   uint64
	fingerprint uint64
	rootID      int64
}

// readHeader parses a box header out of meta without ever panicking, even
// if meta is shorter than a full header or was torn by a concurrent rebind
// elsewhere in the process.
func readHeader(meta []byte) (parsedHeader, error) {
	input := untrust.Input(meta)
	if input.Len() < headerSize {
		return parsedHeader{}, untrust.ErrEndOfInput
	}

	return untrust.ReadAll(input[:headerSize], untrust.ErrEndOfInput, func(r *untrust.Reader) (h parsedHeader, err error) {
		magic, err := r.ReadBytes(magicSize)
		if err != nil {
			return h, err
		}
		h.magicOK = bytes.Equal(magic.AsSliceLessSafe(), Magic[:])

		for _, field := range []*uint64{&h.metaBytes, &h.dataBytes, &h.fingerprint} {
			word, err := r.ReadBytes(8)
			if err != nil {
				return h, err
			}
			*field = binary.LittleEndian.Uint64(word.AsSliceLessSafe())
		}

		word, err := r.ReadBytes(8)
		if err != nil {
			return h, err
		}
		h.rootID = int64(binary.LittleEndian.Uint64(word.AsSliceLessSafe()))

		return h, nil
	})
}

func writeHeader(meta []byte, metaBytes, dataBytes, fingerprint uint64, rootID int64) {
	copy(meta[:magicSize], Magic[:])
	binary.LittleEndian.PutUint64(meta[magicSize:], metaBytes)
	binary.LittleEndian.PutUint64(meta[magicSize+8:], dataBytes)
	binary.LittleEndian.PutUint64(meta[magicSize+16:], fingerprint)
	binary.LittleEndian.PutUint64(meta[magicSize+24:], uint64(rootID))
}
