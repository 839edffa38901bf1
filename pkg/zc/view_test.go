package zc_test

import (
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/go-boxmalloc/boxmalloc/pkg/zc"
)

func TestView(t *testing.T) {
	Convey("Given a View built from Raw", t, func() {
		view := zc.Raw(10, 20)

		Convey("It reports the packed offset and length", func() {
			So(view.Start(), ShouldEqual, 10)
			So(view.Len(), ShouldEqual, 20)
			So(view.End(), ShouldEqual, 30)
		})
	})

	Convey("Given the zero View", t, func() {
		var view zc.View

		Convey("It represents an empty slice", func() {
			So(view.Start(), ShouldEqual, 0)
			So(view.Len(), ShouldEqual, 0)
			So(view.End(), ShouldEqual, 0)
		})

		Convey("Bytes returns nil rather than an empty non-nil slice", func() {
			src := []byte("test")
			So(view.Bytes(&src[0]), ShouldBeNil)
		})
	})

	Convey("Given a View near the edge of the packed uint32 range", t, func() {
		view := zc.Raw(0xFFFFFFFF, 0xFFFFFFFF)

		Convey("Start and Len round-trip without truncation", func() {
			So(view.Start(), ShouldEqual, 0xFFFFFFFF)
			So(view.Len(), ShouldEqual, 0xFFFFFFFF)
		})
	})
}

func TestViewBytes(t *testing.T) {
	Convey("Given a View over a source buffer", t, func() {
		src := []byte("hello world test")
		view := zc.Raw(6, 5) // "world"

		Convey("Bytes returns the addressed slice", func() {
			bytes := view.Bytes(&src[0])
			So(string(bytes), ShouldEqual, "world")
			So(len(bytes), ShouldEqual, 5)
		})
	})
}

func TestViewString(t *testing.T) {
	Convey("Given a View over a source buffer", t, func() {
		src := []byte("hello world")
		view := zc.Raw(6, 5) // "world"

		Convey("String returns the addressed range", func() {
			So(view.String(&src[0]), ShouldEqual, "world")
		})

		Convey("String of the zero-length View is empty", func() {
			So(zc.Raw(0, 0).String(&src[0]), ShouldEqual, "")
		})
	})
}

func TestViewFormat(t *testing.T) {
	Convey("Given a View", t, func() {
		view := zc.Raw(10, 20)

		Convey("Formatting with %v renders its bounds", func() {
			So(fmt.Sprintf("%v", view), ShouldEqual, "[10:30]")
		})
	})
}
