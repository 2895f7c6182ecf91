//go:build !unix

package osmem

func reserve(hint, limit, size, align uintptr) uintptr { return 0 }

func commit(addr, size uintptr) bool { return false }

func decommit(addr, size uintptr) bool { return false }

func release(addr, size uintptr) bool { return false }
