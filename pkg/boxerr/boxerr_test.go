package boxerr_test

import (
	"errors"
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	. "github.com/go-boxmalloc/boxmalloc/pkg/boxerr"
)

func TestError(t *testing.T) {
	Convey("Given a constructed error", t, func() {
		err := New(SizeTooLarge, "requested %d bytes", 4096)

		Convey("Its message includes the kind and detail", func() {
			So(err.Error(), ShouldEqual, "size too large: requested 4096 bytes")
		})

		Convey("errors.Is matches another error of the same kind", func() {
			So(errors.Is(err, New(SizeTooLarge, "")), ShouldBeTrue)
			So(errors.Is(err, New(InvalidFree, "")), ShouldBeFalse)
		})

		Convey("AsKind recovers the kind through wrapping", func() {
			wrapped := fmt.Errorf("alloc: %w", err)

			kind, ok := AsKind(wrapped)
			So(ok, ShouldBeTrue)
			So(kind, ShouldEqual, SizeTooLarge)
		})

		Convey("AsKind reports false for unrelated errors", func() {
			_, ok := AsKind(errors.New("boom"))
			So(ok, ShouldBeFalse)
		})
	})
}

func TestKindString(t *testing.T) {
	Convey("Given every defined kind", t, func() {
		kinds := []Kind{
			AlreadyInitialized, Misaligned, NoRoot, SizeTooLarge,
			OutOfMetadata, InvariantViolated, InvalidFree,
		}

		Convey("Each has a distinct, non-empty description", func() {
			seen := make(map[string]bool)
			for _, k := range kinds {
				s := k.String()
				So(s, ShouldNotBeEmpty)
				So(seen[s], ShouldBeFalse)
				seen[s] = true
			}
		})
	})
}
