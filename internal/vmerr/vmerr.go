// Package vmerr defines the kind-level error codes the virtual-memory core
// surfaces to its caller (spec.md §6, "Error codes (kind-level)").
//
// The teacher's own convention (biscuit's defs.Err_t, returned as e.g.
// -defs.EFAULT from nearly every call in vm/as.go) is a negative-int-errno
// idiom mechanically carried over from C during the original port. That is
// not how idiomatic Go reports errors, so this package translates it into a
// small Kind enum wrapped in the standard error interface instead.
package vmerr

import "fmt"

// Kind classifies a virtual-memory error.
type Kind int

const (
	// OutOfMemory means no frame or PTE storage could be obtained, even
	// after eviction.
	OutOfMemory Kind = iota + 1
	// OutOfSwap means no swap slot is available.
	OutOfSwap
	// InvalidAddress means a fault hit the kernel window, an unmapped
	// region, or a heap shrink underflowed heap_start.
	InvalidAddress
	// Permission means a write fault hit a read-only resident page.
	Permission
	// DeviceError means backing-store I/O failed during swap-in/out.
	DeviceError
	// Busy means a concurrent eviction is in flight on the same frame;
	// the condition is transient and the caller should retry once.
	Busy
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case OutOfSwap:
		return "out of swap"
	case InvalidAddress:
		return "invalid address"
	case Permission:
		return "permission"
	case DeviceError:
		return "device error"
	case Busy:
		return "busy"
	default:
		return "unknown vm error"
	}
}

// Error is a kind-level virtual-memory error, optionally wrapping the
// underlying cause (e.g. the I/O error from a failed swap write).
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with no wrapped cause.
func New(k Kind) error { return &Error{Kind: k} }

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(k Kind, cause error) error { return &Error{Kind: k, cause: cause} }

// KindOf reports the Kind of err and whether err is a *Error at all.
func KindOf(err error) (Kind, bool) {
	if e, ok := err.(*Error); ok {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is a vmerr.Error of kind k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
