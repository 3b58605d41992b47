package transport

import "fmt"

// The transport reports failures through a closed set of typed errors.
// Callers discriminate with errors.As; malformed wire data is never
// surfaced through these, it is dropped silently because noise on a
// shared bus is expected, not exceptional.

// ArgumentError reports an invalid argument: an out-of-range port or
// node ID, a rejected option value, or misuse of an anonymous node.
type ArgumentError struct {
	Reason string
}

func (e ArgumentError) Error() string {
	return "invalid argument: " + e.Reason
}

// MemoryError reports that a memory resource returned nil or refused a
// record charge. The operation that observed it has rolled back any
// partial mutation.
type MemoryError struct {
	Site string
}

func (e MemoryError) Error() string {
	return "out of memory: " + e.Site
}

// CapacityError reports that a bounded queue cannot accept more frames.
type CapacityError struct {
	Reason string
}

func (e CapacityError) Error() string {
	return "capacity exceeded: " + e.Reason
}

// AlreadyExistsError reports a duplicate session registration where
// uniqueness was required.
type AlreadyExistsError struct {
	What string
}

func (e AlreadyExistsError) Error() string {
	return "already exists: " + e.What
}

// AnonymousError reports an operation that requires a configured local
// node ID before one was set.
type AnonymousError struct {
	Op string
}

func (e AnonymousError) Error() string {
	return "local node ID not configured: " + e.Op
}

// PlatformError wraps an opaque failure reported by the media layer.
type PlatformError struct {
	Cause error
}

func (e PlatformError) Error() string {
	return fmt.Sprintf("media failure: %v", e.Cause)
}

func (e PlatformError) Unwrap() error {
	return e.Cause
}
