//go:build !heapdebug

package debug

// Enabled is false outside of heapdebug builds.
const Enabled = false

// Log compiles to nothing outside of heapdebug builds.
func Log(context []any, op string, format string, args ...any) {}
