package xmem_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/goheap/pkg/xmem"
)

func TestBitmap64(t *testing.T) {
	Convey("Given availability bitmaps", t, func() {
		Convey("FullMask sets exactly the low n bits", func() {
			So(xmem.FullMask(0), ShouldEqual, xmem.Bitmap64(0))
			So(xmem.FullMask(1), ShouldEqual, xmem.Bitmap64(1))
			So(xmem.FullMask(5), ShouldEqual, xmem.Bitmap64(0x1F))
			So(xmem.FullMask(63), ShouldEqual, xmem.Bitmap64(1)<<63-1)
			So(xmem.FullMask(64), ShouldEqual, ^xmem.Bitmap64(0))
		})

		Convey("Lowest finds the first free slot", func() {
			So(xmem.Bitmap64(0b1000).Lowest(), ShouldEqual, 3)
			So(xmem.Bitmap64(0b1001).Lowest(), ShouldEqual, 0)
			So((^xmem.Bitmap64(0)).Lowest(), ShouldEqual, 0)
		})

		Convey("Count and Has agree with the bits", func() {
			b := xmem.Bitmap64(0b10110)
			So(b.Count(), ShouldEqual, 3)
			So(b.Has(1), ShouldBeTrue)
			So(b.Has(0), ShouldBeFalse)
			So(b.Has(4), ShouldBeTrue)
		})
	})
}

func TestLog2(t *testing.T) {
	Convey("Log2Ceil and Log2Floor bracket powers of two", t, func() {
		So(xmem.Log2Ceil(0), ShouldEqual, 0)
		So(xmem.Log2Ceil(1), ShouldEqual, 0)
		So(xmem.Log2Ceil(2), ShouldEqual, 1)
		So(xmem.Log2Ceil(3), ShouldEqual, 2)
		So(xmem.Log2Ceil(1<<16), ShouldEqual, 16)
		So(xmem.Log2Ceil(1<<16+1), ShouldEqual, 17)

		So(xmem.Log2Floor(1), ShouldEqual, 0)
		So(xmem.Log2Floor(3), ShouldEqual, 1)
		So(xmem.Log2Floor(1<<20), ShouldEqual, 20)
	})
}
