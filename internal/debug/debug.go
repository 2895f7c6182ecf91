//go:build heapdebug

// Package debug includes debugging helpers for the allocator.
//
// Tracing is compiled in only under the heapdebug build tag; the default
// build pays nothing for it.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/timandy/routine"
)

// Enabled is true if the allocator is being built with the heapdebug tag,
// which enables various debugging features.
const Enabled = true

// Log prints a trace line to stderr.
//
// context is optional args for fmt.Printf that are printed before op; this
// is useful to make related operations identifiable, e.g. the region a set
// of acquires happened in.
func Log(context []any, op string, format string, args ...any) {
	skip := 1
again:
	pc, file, line, _ := runtime.Caller(skip)

	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	name = name[strings.LastIndex(name, ".")+1:]
	if strings.HasPrefix(name, "log") || strings.Contains(name, "Log") {
		skip++
		goto again
	}

	buf := new(strings.Builder)

	_, _ = fmt.Fprintf(buf, "%s:%d [g%04d", filepath.Base(file), line, routine.Goid())
	if len(context) >= 1 {
		_, _ = fmt.Fprintf(buf, ", "+context[0].(string), context[1:]...)
	}
	_, _ = fmt.Fprintf(buf, "] %s: ", op)
	_, _ = fmt.Fprintf(buf, format, args...)
	_, _ = buf.Write([]byte{'\n'})

	_, _ = os.Stderr.WriteString(buf.String())
}
