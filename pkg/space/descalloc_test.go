package space_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/goheap/pkg/space"
)

func TestDescriptorBlocks(t *testing.T) {
	d := &space.Get().Descriptors

	a := d.Allocate(7, 7)
	require.NotZero(t, a)
	b := d.Allocate(7, 7)
	require.NotZero(t, b)
	assert.NotEqual(t, a, b)

	// The memory is committed and usable.
	for _, addr := range []uintptr{a, b} {
		p := (*[128]byte)(unsafe.Pointer(addr)) //nolint:govet
		for i := range p {
			p[i] = 0xA5
		}
	}

	d.Dispose(a, 7, 7)
	d.Dispose(b, 7, 7)

	// Freed blocks are recycled for same-class requests.
	c := d.Allocate(7, 7)
	assert.True(t, c == a || c == b, "freed block not recycled")
	d.Dispose(c, 7, 7)
}

func TestDescriptorSpans(t *testing.T) {
	d := &space.Get().Descriptors

	a := d.Allocate(17, 17)
	require.NotZero(t, a)
	assert.Zero(t, a&(1<<16-1), "span not page aligned")

	p := (*[1 << 17]byte)(unsafe.Pointer(a)) //nolint:govet
	p[0], p[len(p)-1] = 1, 2

	d.Dispose(a, 17, 17)

	// The freed span is back in the bucket: a same-size allocation
	// succeeds and is fully usable again.
	b := d.Allocate(17, 17)
	require.NotZero(t, b)
	q := (*[1 << 17]byte)(unsafe.Pointer(b)) //nolint:govet
	q[0], q[len(q)-1] = 3, 4
	d.Dispose(b, 17, 17)
}

func TestDescriptorExtend(t *testing.T) {
	d := &space.Get().Descriptors

	a := d.Allocate(18, 16)
	require.NotZero(t, a)

	// Only the used window is writable; extend widens it in place.
	(*[1 << 16]byte)(unsafe.Pointer(a))[1<<16-1] = 1 //nolint:govet
	require.True(t, d.Extend(a, 16, 18))
	(*[1 << 18]byte)(unsafe.Pointer(a))[1<<18-1] = 2 //nolint:govet
	require.True(t, d.Extend(a, 18, 16))

	d.Dispose(a, 18, 16)
}
