package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration rejects an invalid Config at construction.
	ErrConfiguration = errors.New("invalid sandbox configuration")

	// ErrIntegrity means the engine's protected surface was tampered with.
	// Once observed, all further sandbox creation in this process is refused.
	ErrIntegrity = errors.New("engine integrity check failed")

	// ErrLockdownIncomplete means the construction self-test found a mutable
	// or code-generating path still reachable after lockdown. This is a
	// security defect; construction aborts.
	ErrLockdownIncomplete = errors.New("environment lockdown self-test failed")

	// ErrClosed is returned when running against a closed sandbox.
	ErrClosed = errors.New("sandbox is closed")
)

// violation records a blocked capability request. Messages name the blocked
// class and never echo guest-controlled input.
type violation struct {
	class   string
	message string
}

func (v *violation) Error() string {
	return fmt.Sprintf("security violation (%s): %s", v.class, v.message)
}

const (
	violationPath     = "path_traversal"
	violationUnlisted = "unlisted_module"
)

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
