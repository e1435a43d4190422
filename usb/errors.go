// SPDX-License-Identifier: Apache-2.0

package usb

import "fmt"

// Kind identifies one failure mode in the library's closed error taxonomy.
// Backends translate every OS-specific status into exactly one Kind at the
// backend boundary; no raw OS code leaks past it.
type Kind uint8

const (
	// KindUnsupported marks operations the active backend cannot perform.
	KindUnsupported Kind = iota + 1
	// KindDeviceNotFound means no device matched, or the device is gone.
	KindDeviceNotFound
	// KindDeviceNotOpen means the Device was used after Close.
	KindDeviceNotOpen
	// KindDeviceNotReal marks devices the OS lists but which have no
	// addressable USB interface, such as root hubs.
	KindDeviceNotReal
	// KindDeviceReserved means another driver owns the device or interface.
	KindDeviceReserved
	// KindStalled reports an endpoint stall; clear it before continuing.
	KindStalled
	// KindInvalidEndpoint means an endpoint address resolved to no known
	// endpoint on the device.
	KindInvalidEndpoint
	// KindInvalidInterface means an interface number is not tracked by the
	// device.
	KindInvalidInterface
	// KindTimedOut reports that the per-call timeout elapsed.
	KindTimedOut
	// KindInvalidArgument reports arguments rejected before or by the OS.
	KindInvalidArgument
	// KindAborted reports a transfer cancelled by an abort or device close.
	KindAborted
	// KindOverrun reports a length that exceeds the 16-bit USB length field,
	// or a device returning more data than requested.
	KindOverrun
	// KindPermissionDenied reports an OS access-control refusal.
	KindPermissionDenied
	// KindOsError carries an untranslated OS status code.
	KindOsError
	// KindUnspecifiedOsError covers success-shaped failures the OS does not
	// explain, such as a successful call yielding a null result.
	KindUnspecifiedOsError
)

func (k Kind) String() string {
	switch k {
	case KindUnsupported:
		return "operation not supported by this backend"
	case KindDeviceNotFound:
		return "no device found"
	case KindDeviceNotOpen:
		return "device is not open"
	case KindDeviceNotReal:
		return "device has no addressable USB interface"
	case KindDeviceReserved:
		return "device is reserved by another driver"
	case KindStalled:
		return "endpoint stalled"
	case KindInvalidEndpoint:
		return "no such endpoint"
	case KindInvalidInterface:
		return "no such interface"
	case KindTimedOut:
		return "operation timed out"
	case KindInvalidArgument:
		return "invalid argument"
	case KindAborted:
		return "transfer aborted"
	case KindOverrun:
		return "length exceeds the 16-bit USB length field"
	case KindPermissionDenied:
		return "permission denied"
	case KindOsError:
		return "operating system error"
	case KindUnspecifiedOsError:
		return "unspecified operating system error"
	default:
		return "unknown USB error"
	}
}

// Error is a single taxonomy value. Errors compare under errors.Is by Kind
// alone, so `errors.Is(err, usb.ErrStalled)` matches a stall regardless of
// any wrapping applied on the way up.
type Error struct {
	kind Kind

	// Code carries the raw OS status for KindOsError values.
	Code int64
}

func (e *Error) Error() string {
	if e.kind == KindOsError {
		return fmt.Sprintf("operating system error (code %d)", e.Code)
	}
	return e.kind.String()
}

// Kind returns the taxonomy kind of this error.
func (e *Error) Kind() Kind {
	return e.kind
}

// Is reports whether target is a taxonomy error of the same kind.
// OsError values match each other regardless of code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// The taxonomy, as ready-made values for returning and for errors.Is.
var (
	ErrUnsupported        = &Error{kind: KindUnsupported}
	ErrDeviceNotFound     = &Error{kind: KindDeviceNotFound}
	ErrDeviceNotOpen      = &Error{kind: KindDeviceNotOpen}
	ErrDeviceNotReal      = &Error{kind: KindDeviceNotReal}
	ErrDeviceReserved     = &Error{kind: KindDeviceReserved}
	ErrStalled            = &Error{kind: KindStalled}
	ErrInvalidEndpoint    = &Error{kind: KindInvalidEndpoint}
	ErrInvalidInterface   = &Error{kind: KindInvalidInterface}
	ErrTimedOut           = &Error{kind: KindTimedOut}
	ErrInvalidArgument    = &Error{kind: KindInvalidArgument}
	ErrAborted            = &Error{kind: KindAborted}
	ErrOverrun            = &Error{kind: KindOverrun}
	ErrPermissionDenied   = &Error{kind: KindPermissionDenied}
	ErrUnspecifiedOsError = &Error{kind: KindUnspecifiedOsError}
)

// OsError wraps an OS status code the backend has no better translation for.
func OsError(code int64) *Error {
	return &Error{kind: KindOsError, Code: code}
}
