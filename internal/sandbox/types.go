package sandbox

import (
	"time"

	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

// Config defines the security policy for one sandbox. Immutable once a
// sandbox is constructed.
type Config struct {
	// CPUMillis is the execution deadline in milliseconds (100-60000).
	CPUMillis int
	// MemoryMB is the heap growth ceiling in megabytes (16-4096).
	MemoryMB int
	// Globals are host values merged into the environment before lockdown.
	// This is the only injection point; everything injected is frozen with
	// the rest of the graph.
	Globals map[string]interface{}
	// AllowedModules is the subset of the fixed whitelist guest code may
	// require. Empty means no modules resolve.
	AllowedModules []string
	// Seed, when set, replaces the environment's entropy source with a
	// deterministic generator re-seeded before every execution.
	Seed *int64
}

// Limits bound the accepted configuration range.
const (
	MinCPUMillis = 100
	MaxCPUMillis = 60000
	MinMemoryMB  = 16
	MaxMemoryMB  = 4096
)

// Kind tags the result variant.
type Kind string

const (
	KindValue Kind = "result"
	KindError Kind = "error"
)

// ErrorKind classifies the error branch of a result.
type ErrorKind string

const (
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindMemoryLimit ErrorKind = "memory_limit"
	ErrKindSecurity    ErrorKind = "security_violation"
	ErrKindGuest       ErrorKind = "guest_error"
)

// Stats holds per-execution measurements.
type Stats struct {
	Duration time.Duration
}

// DurationMs returns the execution duration in whole milliseconds.
func (s Stats) DurationMs() int64 {
	return s.Duration.Milliseconds()
}

// Result is the tagged outcome of one execution: exactly one of the value
// branch (Value, Stats) or the error branch (Err, ErrKind) is populated.
type Result struct {
	Kind    Kind
	Value   interface{}
	Stats   *Stats
	Err     string
	ErrKind ErrorKind

	ExecutionID id.ExecutionID
}

// OK reports whether the result carries a value.
func (r *Result) OK() bool {
	return r.Kind == KindValue
}
