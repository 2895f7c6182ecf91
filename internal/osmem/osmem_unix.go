//go:build unix

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const reserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

func reserve(hint, limit, size, align uintptr) uintptr {
	addr := mmap(hint, size)
	if addr == 0 {
		return 0
	}
	if addr&(align-1) == 0 && fits(addr, size, limit) {
		return addr
	}

	// The kernel ignored the hint or handed back a misaligned range.
	// Re-reserve with slack and trim both ends to the alignment.
	_ = unix.MunmapPtr(ptr(addr), size)

	addr = mmap(hint, size+align)
	if addr == 0 {
		return 0
	}
	aligned := (addr + align - 1) &^ (align - 1)
	if !fits(aligned, size, limit) {
		_ = unix.MunmapPtr(ptr(addr), size+align)
		return 0
	}
	if head := aligned - addr; head > 0 {
		_ = unix.MunmapPtr(ptr(addr), head)
	}
	if tail := addr + align - aligned; tail > 0 {
		_ = unix.MunmapPtr(ptr(aligned+size), tail)
	}
	return aligned
}

func commit(addr, size uintptr) bool {
	return unix.Mprotect(span(addr, size), unix.PROT_READ|unix.PROT_WRITE) == nil
}

func decommit(addr, size uintptr) bool {
	if err := unix.Madvise(span(addr, size), unix.MADV_DONTNEED); err != nil {
		return false
	}
	return unix.Mprotect(span(addr, size), unix.PROT_NONE) == nil
}

func release(addr, size uintptr) bool {
	return unix.MunmapPtr(ptr(addr), size) == nil
}

func mmap(hint, size uintptr) uintptr {
	p, err := unix.MmapPtr(-1, 0, ptr(hint), size, unix.PROT_NONE, reserveFlags)
	if err != nil {
		return 0
	}
	return uintptr(p)
}

func fits(addr, size, limit uintptr) bool {
	return limit == 0 || addr+size <= limit
}

func ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet
}

// span views [addr, addr+size) as a byte slice for the slice-based unix
// wrappers. The memory is never read through it.
func span(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(ptr(addr)), size)
}
