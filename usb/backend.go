// SPDX-License-Identifier: Apache-2.0

// Package usb defines the capability contract every OS-specific backend
// implements, together with the error taxonomy and the value types shared
// across the library. Backends may contain unsafe code; everything they
// expose through this contract is safe.
package usb

import (
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// MaxControlLength is the largest transfer a control request can express:
// the setup packet's length field is 16 bits wide.
const MaxControlLength = math.MaxUint16

// NoTimeout makes a transfer wait indefinitely.
const NoTimeout time.Duration = 0

// TransferCallback receives the outcome of a non-blocking transfer:
// the number of bytes transferred, or a taxonomy error. It is single-use;
// the backend invokes it exactly once, always from the device's event-loop
// goroutine and never from the goroutine that submitted the transfer.
type TransferCallback func(n int, err error)

// BackendDevice is a backend's per-device resource bundle: the open OS
// device, its interfaces and endpoint metadata, and the handle to its
// event loop. Its concrete type is private to the backend that created
// it; handing it to a different backend is a library bug and panics.
type BackendDevice interface {
	// Close releases the OS device and interfaces and signals the device's
	// event loop to terminate. No new asynchronous submissions may be made
	// once Close has begun; callbacks already in flight with the OS still
	// complete.
	Close() error
}

// Backend is the operation set an OS backend provides. A Backend is shared
// across all devices and goroutines; it holds no per-device mutable state.
//
// Every operation is fallible and reports failure as a taxonomy value from
// this package, possibly wrapped with context. Timeouts of NoTimeout wait
// indefinitely; finite timeouts are translated to the OS's native unit,
// saturating (with a logged warning) rather than overflowing.
type Backend interface {
	// Devices returns information for every real, addressable USB device
	// visible to the OS. Devices without a usable locator are silently
	// excluded rather than reported as errors.
	Devices() ([]DeviceInformation, error)

	// Open opens the physical device a DeviceInformation points at.
	// Transient OS "no resources" conditions are retried a bounded number
	// of times before giving up with DeviceNotFound; a locator that no
	// longer matches any device is DeviceNotFound as well.
	Open(info DeviceInformation) (BackendDevice, error)

	// ReleaseKernelDriver detaches any kernel driver bound to the given
	// interface. Backends without an OS mechanism return Unsupported;
	// the operation never silently no-ops.
	ReleaseKernelDriver(device BackendDevice, iface uint8) error

	// ClaimInterface opens the per-interface OS handle. Claiming an
	// already-claimed interface is a no-op success; claiming an interface
	// the OS denied access to fails with PermissionDenied and leaves the
	// interface closed.
	ClaimInterface(device BackendDevice, iface uint8) error

	// UnclaimInterface closes the per-interface OS handle. Unclaiming an
	// unclaimed interface is a no-op success.
	UnclaimInterface(device BackendDevice, iface uint8) error

	// ActiveConfiguration reports the device's current configuration value.
	ActiveConfiguration(device BackendDevice) (uint8, error)

	// SetActiveConfiguration selects a device configuration by value.
	SetActiveConfiguration(device BackendDevice, config uint8) error

	// Reset performs a USB port reset of the device.
	Reset(device BackendDevice) error

	// ClearStall clears a halt/stall condition on the given endpoint
	// address.
	ClearStall(device BackendDevice, address uint8) error

	// SetAlternateSetting selects an alternate setting on an interface.
	SetAlternateSetting(device BackendDevice, iface, setting uint8) error

	// CurrentBusFrame reports the bus frame number, where the OS exposes
	// one.
	CurrentBusFrame(device BackendDevice) (uint64, error)

	// ControlRead performs a blocking control IN transfer and returns the
	// number of bytes read into data.
	ControlRead(device BackendDevice, setup SetupPacket, data []byte, timeout time.Duration) (int, error)

	// ControlWrite performs a blocking control OUT transfer and returns
	// the number of bytes written from data.
	ControlWrite(device BackendDevice, setup SetupPacket, data []byte, timeout time.Duration) (int, error)

	// ControlReadNonblocking submits a control IN transfer and returns as
	// soon as the submission is accepted; the callback fires later from
	// the device's event loop.
	ControlReadNonblocking(device BackendDevice, setup SetupPacket, data []byte, timeout time.Duration, callback TransferCallback) error

	// ControlWriteNonblocking is the submission form of ControlWrite.
	ControlWriteNonblocking(device BackendDevice, setup SetupPacket, data []byte, timeout time.Duration, callback TransferCallback) error

	// Read performs a blocking bulk/interrupt IN transfer on the endpoint
	// with the given address.
	Read(device BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error)

	// Write performs a blocking bulk/interrupt OUT transfer on the
	// endpoint with the given address.
	Write(device BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error)

	// ReadNonblocking is the submission form of Read.
	ReadNonblocking(device BackendDevice, address uint8, data []byte, timeout time.Duration, callback TransferCallback) error

	// WriteNonblocking is the submission form of Write.
	WriteNonblocking(device BackendDevice, address uint8, data []byte, timeout time.Duration, callback TransferCallback) error
}

// CheckControlLength rejects control transfers whose data phase cannot be
// expressed in the 16-bit USB length field. It runs before any OS call.
func CheckControlLength(data []byte) error {
	if len(data) > MaxControlLength {
		return ErrOverrun
	}
	return nil
}

// TimeoutMs converts a per-call timeout to the 32-bit millisecond unit the
// kernel interfaces use. NoTimeout maps to 0, which the OS reads as "wait
// forever". Durations too large for the field saturate, with a warning, so
// absurd timeouts degrade to very long ones instead of wrapping around.
func TimeoutMs(timeout time.Duration, logger log.Logger) uint32 {
	if timeout <= 0 {
		return 0
	}
	ms := timeout.Milliseconds()
	if ms > math.MaxUint32 {
		_ = level.Warn(logger).Log("msg", "timeout exceeds the OS timeout field; saturating", "timeout", timeout)
		return math.MaxUint32
	}
	if ms == 0 {
		// Sub-millisecond, but the caller asked for a bound; round up so we
		// don't accidentally wait forever.
		return 1
	}
	return uint32(ms)
}
