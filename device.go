// SPDX-License-Identifier: Apache-2.0

package usrs

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/ktemkin/usrs/usb"
)

// Device is an open USB device. It pairs the backend that opened it with
// the backend's per-device resources, and is safe for concurrent use.
//
// Close invalidates the device; every operation afterwards fails with
// DeviceNotOpen.
type Device struct {
	backend usb.Backend
	info    usb.DeviceInformation
	logger  log.Logger

	mu     sync.Mutex
	handle usb.BackendDevice
	closed bool
}

// Info returns the enumeration record this device was opened from.
func (d *Device) Info() usb.DeviceInformation {
	return d.info
}

// handleOrClosed fetches the backend handle, failing once Close has run.
func (d *Device) handleOrClosed() (usb.BackendDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Wrapf(usb.ErrDeviceNotOpen, "device %s is closed", d.info)
	}
	return d.handle, nil
}

// Close releases the device's interfaces and OS resources and stops its
// event loop. Closing twice is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	handle := d.handle
	d.handle = nil
	d.mu.Unlock()

	return handle.Close()
}

// ReleaseKernelDriver detaches any kernel driver bound to the given
// interface, so it can be claimed.
func (d *Device) ReleaseKernelDriver(iface uint8) error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.ReleaseKernelDriver(handle, iface)
}

// ClaimInterface takes exclusive use of an interface. Claiming an
// interface that is already claimed succeeds without side effects.
func (d *Device) ClaimInterface(iface uint8) error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.ClaimInterface(handle, iface)
}

// UnclaimInterface releases a claimed interface. Unclaiming an interface
// that isn't claimed succeeds without side effects.
func (d *Device) UnclaimInterface(iface uint8) error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.UnclaimInterface(handle, iface)
}

// ActiveConfiguration reports the configuration the device currently runs.
func (d *Device) ActiveConfiguration() (uint8, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return 0, err
	}
	return d.backend.ActiveConfiguration(handle)
}

// SetActiveConfiguration selects a device configuration by value.
func (d *Device) SetActiveConfiguration(config uint8) error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.SetActiveConfiguration(handle, config)
}

// Reset performs a USB port reset.
func (d *Device) Reset() error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.Reset(handle)
}

// ClearStall clears a halt condition on the endpoint with the given
// address.
func (d *Device) ClearStall(address uint8) error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.ClearStall(handle, address)
}

// SetAlternateSetting selects an alternate setting on an interface.
func (d *Device) SetAlternateSetting(iface, setting uint8) error {
	handle, err := d.handleOrClosed()
	if err != nil {
		return err
	}
	return d.backend.SetAlternateSetting(handle, iface, setting)
}

// CurrentBusFrame reports the current bus frame number, on backends that
// expose one.
func (d *Device) CurrentBusFrame() (uint64, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return 0, err
	}
	return d.backend.CurrentBusFrame(handle)
}

// ControlRead performs a blocking control IN transfer, filling data and
// returning the number of bytes the device produced. A timeout of
// usb.NoTimeout waits indefinitely.
func (d *Device) ControlRead(setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return 0, err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return 0, err
	}
	return d.backend.ControlRead(handle, setup, data, timeout)
}

// ControlWrite performs a blocking control OUT transfer of data.
func (d *Device) ControlWrite(setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return 0, err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return 0, err
	}
	return d.backend.ControlWrite(handle, setup, data, timeout)
}

// Read performs a blocking bulk or interrupt IN transfer on the endpoint
// with the given address.
func (d *Device) Read(address uint8, data []byte, timeout time.Duration) (int, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return 0, err
	}
	return d.backend.Read(handle, address, data, timeout)
}

// Write performs a blocking bulk or interrupt OUT transfer on the endpoint
// with the given address.
func (d *Device) Write(address uint8, data []byte, timeout time.Duration) (int, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return 0, err
	}
	return d.backend.Write(handle, address, data, timeout)
}

// ControlReadAsync submits a control IN transfer and returns a Transfer
// tracking it. The buffer belongs to the transfer until it completes.
func (d *Device) ControlReadAsync(setup usb.SetupPacket, data []byte, timeout time.Duration) (*Transfer, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return nil, err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return nil, err
	}
	t := newTransfer()
	if err := d.backend.ControlReadNonblocking(handle, setup, data, timeout, t.complete); err != nil {
		return nil, err
	}
	return t, nil
}

// ControlWriteAsync submits a control OUT transfer.
func (d *Device) ControlWriteAsync(setup usb.SetupPacket, data []byte, timeout time.Duration) (*Transfer, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return nil, err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return nil, err
	}
	t := newTransfer()
	if err := d.backend.ControlWriteNonblocking(handle, setup, data, timeout, t.complete); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadAsync submits a bulk or interrupt IN transfer.
func (d *Device) ReadAsync(address uint8, data []byte, timeout time.Duration) (*Transfer, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return nil, err
	}
	t := newTransfer()
	if err := d.backend.ReadNonblocking(handle, address, data, timeout, t.complete); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteAsync submits a bulk or interrupt OUT transfer.
func (d *Device) WriteAsync(address uint8, data []byte, timeout time.Duration) (*Transfer, error) {
	handle, err := d.handleOrClosed()
	if err != nil {
		return nil, err
	}
	t := newTransfer()
	if err := d.backend.WriteNonblocking(handle, address, data, timeout, t.complete); err != nil {
		return nil, err
	}
	return t, nil
}
