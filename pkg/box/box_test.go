package box_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	. "github.com/go-boxmalloc/boxmalloc/pkg/box"
	"github.com/go-boxmalloc/boxmalloc/pkg/boxerr"
	"github.com/go-boxmalloc/boxmalloc/pkg/usage"
)

func newFixture(t *testing.T, cfg Config) *Allocator {
	t.Helper()
	meta := make([]byte, cfg.MetaBytes)
	a, err := Init(meta, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestInitAndBind(t *testing.T) {
	Convey("Given a freshly initialized region", t, func() {
		cfg := DefaultConfig()
		meta := make([]byte, cfg.MetaBytes)
		a, err := Init(meta, cfg)
		So(err, ShouldBeNil)
		So(a.DataBytes(), ShouldEqual, cfg.DataBytes)
		So(a.MetaBytes(), ShouldEqual, cfg.MetaBytes)

		Convey("Initializing it again reports AlreadyInitialized", func() {
			_, err := Init(meta, cfg)
			So(err, ShouldNotBeNil)
			kind, ok := boxerr.AsKind(err)
			So(ok, ShouldBeTrue)
			So(kind, ShouldEqual, boxerr.AlreadyInitialized)
		})

		Convey("Binding the same region succeeds and agrees on size", func() {
			bound, err := Bind(meta)
			So(err, ShouldBeNil)
			So(bound.DataBytes(), ShouldEqual, cfg.DataBytes)
			So(bound.MetaBytes(), ShouldEqual, cfg.MetaBytes)
		})

		Convey("Binding a region that was never initialized fails", func() {
			other := make([]byte, cfg.MetaBytes)
			_, err := Bind(other)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestInitRejectsBadSizes(t *testing.T) {
	Convey("Given a data size that is not a multiple of the granule", t, func() {
		meta := make([]byte, 4096)
		_, err := Init(meta, Config{MetaBytes: 4096, DataBytes: 5})
		Convey("Init reports Misaligned", func() {
			So(err, ShouldNotBeNil)
			kind, ok := boxerr.AsKind(err)
			So(ok, ShouldBeTrue)
			So(kind, ShouldEqual, boxerr.Misaligned)
		})
	})

	Convey("Given a meta region too small for its configured size", t, func() {
		meta := make([]byte, 16)
		_, err := Init(meta, Config{MetaBytes: 4096, DataBytes: 4096})
		Convey("Init reports NoRoot", func() {
			So(err, ShouldNotBeNil)
			kind, ok := boxerr.AsKind(err)
			So(ok, ShouldBeTrue)
			So(kind, ShouldEqual, boxerr.NoRoot)
		})
	})
}

func TestAllocFreeRoundTrip(t *testing.T) {
	Convey("Given a freshly initialized allocator", t, func() {
		cfg := DefaultConfig()
		a := newFixture(t, cfg)

		Convey("100 interleaved allocations of varying size all succeed and round-trip", func() {
			sizes := []uint64{4, 34, 2355, 673, 3348}
			var offsets []uint64
			seen := map[uint64]bool{}

			for i := 0; i < 100; i++ {
				offset, err := a.Alloc(sizes[i%len(sizes)])
				So(err, ShouldBeNil)
				So(offset, ShouldNotEqual, Failed)
				So(seen[offset], ShouldBeFalse)
				seen[offset] = true
				offsets = append(offsets, offset)
			}

			for _, offset := range offsets {
				So(a.Free(offset), ShouldBeNil)
			}

			Convey("The allocator returns to its original capacity", func() {
				before := a.Stats()
				So(before.RootCapacity.ByteOffset(), ShouldEqual, cfg.DataBytes)
			})
		})
	})
}

func TestAllocRejectsOversizedRequests(t *testing.T) {
	Convey("Given a small allocator", t, func() {
		a := newFixture(t, Config{MetaBytes: 1 << 16, DataBytes: 256})

		Convey("Requesting more than the data region's size fails with SizeTooLarge", func() {
			_, err := a.Alloc(4096)
			So(err, ShouldNotBeNil)
			kind, ok := boxerr.AsKind(err)
			So(ok, ShouldBeTrue)
			So(kind, ShouldEqual, boxerr.SizeTooLarge)
		})
	})
}

func TestFreeRejectsInvalidOffsets(t *testing.T) {
	Convey("Given a freshly initialized allocator", t, func() {
		a := newFixture(t, Config{MetaBytes: 1 << 16, DataBytes: 4096})

		Convey("Freeing an offset that was never allocated reports InvalidFree", func() {
			err := a.Free(8)
			So(err, ShouldNotBeNil)
			kind, ok := boxerr.AsKind(err)
			So(ok, ShouldBeTrue)
			So(kind, ShouldEqual, boxerr.InvalidFree)
		})

		Convey("A subsequent alloc still succeeds", func() {
			So(a.Free(8), ShouldNotBeNil)

			offset, err := a.Alloc(8)
			So(err, ShouldBeNil)
			So(offset, ShouldEqual, uint64(0))
		})
	})
}

func TestSaturationExhaustsTheRegion(t *testing.T) {
	Convey("Given a region sized for exactly 256 granules", t, func() {
		a := newFixture(t, Config{MetaBytes: 1 << 16, DataBytes: 256 * 8})

		Convey("Alloc(8) succeeds exactly dataBytes/8 times then fails", func() {
			count := 0
			for {
				_, err := a.Alloc(8)
				if err != nil {
					kind, ok := boxerr.AsKind(err)
					So(ok, ShouldBeTrue)
					So(kind, ShouldEqual, boxerr.SizeTooLarge)
					break
				}
				count++
			}
			So(count, ShouldEqual, 256)
		})
	})
}

func TestWalkAndAll(t *testing.T) {
	Convey("Given an allocator with two live objects", t, func() {
		a := newFixture(t, Config{MetaBytes: 1 << 16, DataBytes: 4096})

		first, err := a.Alloc(16)
		So(err, ShouldBeNil)
		second, err := a.Alloc(64)
		So(err, ShouldBeNil)

		Convey("Walk visits both spans at their allocated offsets", func() {
			seen := map[uint64]int{}
			a.Walk(func(span Span, u usage.Usage) bool {
				seen[uint64(span.Start())] = span.Len()
				return true
			})
			So(len(seen), ShouldEqual, 2)
			So(seen[first], ShouldBeGreaterThanOrEqualTo, 16)
			So(seen[second], ShouldBeGreaterThanOrEqualTo, 64)
		})

		Convey("All supports range-over-func", func() {
			count := 0
			for range a.All() {
				count++
			}
			So(count, ShouldEqual, 2)
		})
	})
}

func TestStatsTracksNodeCoalescing(t *testing.T) {
	Convey("Given a region that forces one child node to be formatted", t, func() {
		a := newFixture(t, Config{MetaBytes: 1 << 16, DataBytes: 16 * 8})

		offset, err := a.Alloc(8)
		So(err, ShouldBeNil)
		So(a.Stats().NodeCount, ShouldEqual, 2)

		Convey("Freeing the only object coalesces the child back into the root", func() {
			So(a.Free(offset), ShouldBeNil)
			So(a.Stats().NodeCount, ShouldEqual, 1)
		})
	})
}
