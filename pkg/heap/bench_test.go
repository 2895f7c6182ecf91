package heap_test

import (
	"fmt"
	"testing"

	"github.com/flier/goheap/pkg/heap"
)

func BenchmarkMallocFree(b *testing.B) {
	ctx := heap.AcquireContext()
	defer heap.DisposeContext(ctx)

	for _, size := range []uintptr{16, 40, 96, 256, 1024, 4096, 32768} {
		b.Run(fmt.Sprintf("%d", size), func(b *testing.B) {
			b.SetBytes(int64(size))
			for n := 0; n < b.N; n++ {
				p := ctx.Malloc(size)
				if p == nil {
					b.Fatal("out of memory")
				}
				ctx.Free(p)
			}
		})
	}
}

func BenchmarkMallocBatch(b *testing.B) {
	ctx := heap.AcquireContext()
	defer heap.DisposeContext(ctx)

	const batch = 1024
	ptrs := make([]uintptr, batch)

	for _, size := range []uintptr{40, 256, 1024} {
		b.Run(fmt.Sprintf("%d", size), func(b *testing.B) {
			b.SetBytes(int64(size) * batch)
			for n := 0; n < b.N; n++ {
				for i := range ptrs {
					p := ctx.Malloc(size)
					if p == nil {
						b.Fatal("out of memory")
					}
					ptrs[i] = uintptr(p)
				}
				for i := range ptrs {
					ctx.FreeObject(ptrs[i])
				}
			}
		})
	}
}
