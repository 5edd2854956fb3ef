// Package kerrs defines the status taxonomy returned from every core entry
// point, and the fatal-panic path for invariant violations that must halt
// the system rather than return a status.
package kerrs

import "fmt"

// Status is the small status enum every core contract returns. A closed
// set: callers switch on it, they never do arithmetic with it.
type Status int

const (
	// Success indicates the call completed normally.
	Success Status = iota
	// OutOfMemory is recoverable by waiting unless the caller asked for
	// MM_ATOMIC/MM_BOOT semantics.
	OutOfMemory
	// InvalidArgument marks a programmer error: misaligned size, wrong
	// state, oversized request.
	InvalidArgument
	// NotFound means the referenced CPU id or object id does not exist.
	NotFound
	// WouldBlock means a non-blocking call could not complete immediately.
	WouldBlock
	// TimedOut means a bounded wait expired before the condition was met.
	TimedOut
	// Interrupted means a sleep was woken by thread.Interrupt or a
	// pending signal/kill rather than by its normal wakeup condition.
	Interrupted
	// PermissionDenied means the caller lacks the rights for the request.
	PermissionDenied
	// DeviceError is opaque to the core; it is reported by a driver layer
	// and merely passed through.
	DeviceError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case OutOfMemory:
		return "out of memory"
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case WouldBlock:
		return "would block"
	case TimedOut:
		return "timed out"
	case Interrupted:
		return "interrupted"
	case PermissionDenied:
		return "permission denied"
	case DeviceError:
		return "device error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Ok reports whether s is Success.
func (s Status) Ok() bool { return s == Success }

// Fatal halts the system for an invariant violation detected in the core
// (double-insert mapping, negative preempt-enable, unknown kernel-mode
// exception, corrupt free-list, ...). A handful of states simply must never
// happen, and when they do there is no recovery path, only a dump.
func Fatal(component string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	panic(fmt.Sprintf("[%s] fatal: %s", component, msg))
}
