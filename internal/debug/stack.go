package debug

import (
	"runtime"

	"github.com/dolthub/maphash"
)

// stackDepth bounds how many frames contribute to a stack digest. Deeper
// callers hash to the digest of their top frames, which is what the
// analytics consumers want anyway.
const stackDepth = 32

type stackKey [stackDepth]uintptr

var stackHasher = maphash.NewHasher[stackKey]()

// Stackstamp returns a 64-bit digest of the calling stack, skipping the
// given number of frames on top of Stackstamp itself.
func Stackstamp(skip int) uint64 {
	var key stackKey

	runtime.Callers(skip+2, key[:])

	return stackHasher.Hash(key)
}
