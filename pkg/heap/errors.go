package heap

import (
	"fmt"

	"github.com/flier/goheap/pkg/space"
)

// ErrMissingMemory is returned when an allocation cannot be satisfied even
// after a starvation rescue.
var ErrMissingMemory = space.ErrMissingMemory

// Issue is a recoverable heap misuse. Issues never propagate past the
// allocator API; they go through the OnIssue callback so tests and
// debuggers can observe them.
type Issue uint8

const (
	// FreeRetainedObject is a free of a slot whose availability bit is
	// already set (a double free).
	FreeRetainedObject Issue = iota

	// FreeOutOfBoundObject is a free of an address inside a region that
	// holds no object slot there.
	FreeOutOfBoundObject

	// FreeInexistingObject is a free of an address mapping to a free
	// arena slot.
	FreeInexistingObject
)

// String returns the issue name.
func (i Issue) String() string {
	switch i {
	case FreeRetainedObject:
		return "FreeRetainedObject"
	case FreeOutOfBoundObject:
		return "FreeOutOfBoundObject"
	case FreeInexistingObject:
		return "FreeInexistingObject"
	default:
		return fmt.Sprintf("Issue(%d)", uint8(i))
	}
}

// OnIssue, when set, observes every recoverable heap issue together with
// the offending address. The callback runs on the goroutine that detected
// the issue and must not call back into the allocator.
var OnIssue func(issue Issue, addr uintptr)

func notifyIssue(issue Issue, addr uintptr) {
	if fn := OnIssue; fn != nil {
		fn(issue, addr)
	}
}
