package heap

import "github.com/xyproto/env/v2"

// Environment knobs, all off by default.
const (
	envTimeStamp       = "GOHEAP_TIMESTAMP"
	envStackStamp      = "GOHEAP_STACKSTAMP"
	envSecurityPadding = "GOHEAP_SECURITY_PADDING"
	envMaxPhysical     = "GOHEAP_MAX_PHYSICAL"
)

// Options selects the per-context object instrumentation.
type Options struct {
	// TimeStamp records the allocation time into the object tail.
	TimeStamp bool

	// StackStamp records a digest of the allocating stack into the
	// object tail.
	StackStamp bool

	// SecurityPadding appends this many canary bytes plus a 4-byte
	// XOR-tagged length to every object.
	SecurityPadding uint32
}

// Enabled reports whether any instrumentation is on; the allocation fast
// path skips the instrumented variant entirely when it is not.
func (o Options) Enabled() bool {
	return o.TimeStamp || o.StackStamp || o.SecurityPadding > 0
}

func (o Options) analyticsEnabled() bool {
	return o.TimeStamp || o.StackStamp
}

// extraSize returns the slot bytes the instrumentation claims on top of a
// request: the canary bytes plus their length tag, and the analytics tail.
func (o Options) extraSize() uintptr {
	extra := uintptr(0)
	if o.SecurityPadding > 0 {
		extra = uintptr(o.SecurityPadding) + paddingTail
	}
	if o.analyticsEnabled() {
		extra += metadataSize
	}
	return extra
}

// optionsFromEnv reads the environment knobs.
func optionsFromEnv() Options {
	return Options{
		TimeStamp:       env.Bool(envTimeStamp),
		StackStamp:      env.Bool(envStackStamp),
		SecurityPadding: uint32(env.Int(envSecurityPadding, 0)),
	}
}

// maxPhysicalFromEnv returns the physical-byte budget override, or 0.
func maxPhysicalFromEnv() uintptr {
	return uintptr(env.Int(envMaxPhysical, 0))
}
