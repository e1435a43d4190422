// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package usbfs provides direct USB device access on Linux through the
// kernel's usbfs character devices, with enumeration over sysfs. It needs
// no C library; everything goes through ioctls on /dev/bus/usb nodes.
package usbfs

import (
	"io/fs"
	"os"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"golang.org/x/sys/unix"

	"github.com/ktemkin/usrs/usb"
)

// Defaults for Options fields left zero.
const (
	DefaultDevRoot        = "/dev/bus/usb"
	DefaultOpenRetries    = 5
	DefaultOpenRetryDelay = time.Millisecond

	// activeConfigTimeout bounds the GET_CONFIGURATION control request
	// used to read the active configuration.
	activeConfigTimeout = time.Second
)

// Options configures the Linux backend. The zero value is production
// ready; tests substitute Sysfs and DevRoot.
type Options struct {
	Logger log.Logger

	// Sysfs is the filesystem enumerated for devices, rooted where /sys
	// would be. Defaults to the real /sys.
	Sysfs fs.FS

	// DevRoot is the directory holding the usbfs bus/device nodes.
	DevRoot string

	// OpenRetries and OpenRetryDelay bound the retry loop around opening
	// a device node that reports a transient lack of resources.
	OpenRetries    int
	OpenRetryDelay time.Duration
}

// Backend implements the usb.Backend contract on Linux. It is stateless
// apart from its configuration and safe for concurrent use.
type Backend struct {
	logger         log.Logger
	sysfs          fs.FS
	devRoot        string
	openRetries    int
	openRetryDelay time.Duration
}

var _ usb.Backend = (*Backend)(nil)

func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Sysfs == nil {
		opts.Sysfs = os.DirFS("/sys")
	}
	if opts.DevRoot == "" {
		opts.DevRoot = DefaultDevRoot
	}
	if opts.OpenRetries == 0 {
		opts.OpenRetries = DefaultOpenRetries
	}
	if opts.OpenRetryDelay == 0 {
		opts.OpenRetryDelay = DefaultOpenRetryDelay
	}
	return &Backend{
		logger:         opts.Logger,
		sysfs:          opts.Sysfs,
		devRoot:        opts.DevRoot,
		openRetries:    opts.OpenRetries,
		openRetryDelay: opts.OpenRetryDelay,
	}
}

// device unwraps a BackendDevice back to our concrete type. Receiving a
// device created by another backend is a wiring bug in the caller, not a
// runtime condition, so it panics.
func (b *Backend) device(dv usb.BackendDevice) *device {
	d, ok := dv.(*device)
	if !ok {
		panic("usbfs: device was created by a different backend")
	}
	return d
}

func (b *Backend) Devices() ([]usb.DeviceInformation, error) {
	return enumerateSysfs(b.sysfs, b.logger)
}

func (b *Backend) Open(info usb.DeviceInformation) (usb.BackendDevice, error) {
	return openDevice(info, b.devRoot, b.openRetries, b.openRetryDelay, b.logger)
}

func (b *Backend) ReleaseKernelDriver(dv usb.BackendDevice, iface uint8) error {
	d := b.device(dv)
	if _, err := d.interfaceEntry(iface); err != nil {
		return err
	}
	err := doDisconnect(d.fd, iface)
	if err == nil {
		return nil
	}
	if errno, ok := asErrno(err); ok {
		// ENODATA means no driver was bound; that's the state we wanted.
		if errno == unix.ENODATA {
			return nil
		}
		return errors.Wrapf(translateErrno(errno), "failed to detach the kernel driver from interface %d", iface)
	}
	return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to detach the kernel driver from interface %d: %v", iface, err)
}

func (b *Backend) ClaimInterface(dv usb.BackendDevice, iface uint8) error {
	d := b.device(dv)
	entry, err := d.interfaceEntry(iface)
	if err != nil {
		return err
	}
	if entry.denied {
		return errors.Wrapf(usb.ErrPermissionDenied, "interface %d is not claimable", iface)
	}
	if entry.claimed {
		return nil
	}

	if err := doClaimInterface(d.fd, iface); err != nil {
		errno, ok := asErrno(err)
		if ok && (errno == unix.EACCES || errno == unix.EPERM) {
			entry.denied = true
		}
		if ok {
			return errors.Wrapf(translateErrno(errno), "failed to claim interface %d", iface)
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to claim interface %d: %v", iface, err)
	}
	entry.claimed = true
	return nil
}

func (b *Backend) UnclaimInterface(dv usb.BackendDevice, iface uint8) error {
	d := b.device(dv)
	entry, err := d.interfaceEntry(iface)
	if err != nil {
		return err
	}
	if !entry.claimed {
		return nil
	}
	if err := doReleaseInterface(d.fd, iface); err != nil {
		if errno, ok := asErrno(err); ok {
			return errors.Wrapf(translateErrno(errno), "failed to release interface %d", iface)
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to release interface %d: %v", iface, err)
	}
	entry.claimed = false
	return nil
}

func (b *Backend) ActiveConfiguration(dv usb.BackendDevice) (uint8, error) {
	d := b.device(dv)
	var value [1]byte
	setup := usb.SetupPacket{
		RequestType: usb.StandardInFromDevice.Byte(),
		Request:     usb.RequestGetConfiguration,
	}
	n, err := b.ControlRead(d, setup, value[:], activeConfigTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read the active configuration")
	}
	if n != 1 {
		return 0, errors.Newf("short GET_CONFIGURATION response: %d bytes", n)
	}
	return value[0], nil
}

func (b *Backend) SetActiveConfiguration(dv usb.BackendDevice, config uint8) error {
	d := b.device(dv)
	if err := doSetConfiguration(d.fd, config); err != nil {
		if errno, ok := asErrno(err); ok {
			return errors.Wrapf(translateErrno(errno), "failed to select configuration %d", config)
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to select configuration %d: %v", config, err)
	}
	return nil
}

func (b *Backend) Reset(dv usb.BackendDevice) error {
	d := b.device(dv)
	if err := doReset(d.fd); err != nil {
		if errno, ok := asErrno(err); ok {
			return errors.Wrap(translateErrno(errno), "failed to reset the device")
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to reset the device: %v", err)
	}
	return nil
}

func (b *Backend) ClearStall(dv usb.BackendDevice, address uint8) error {
	d := b.device(dv)
	if _, err := d.endpointInfo(address); err != nil {
		return err
	}
	if err := doClearHalt(d.fd, address); err != nil {
		if errno, ok := asErrno(err); ok {
			return errors.Wrapf(translateErrno(errno), "failed to clear the stall on endpoint %#02x", address)
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to clear the stall on endpoint %#02x: %v", address, err)
	}
	return nil
}

func (b *Backend) SetAlternateSetting(dv usb.BackendDevice, iface, setting uint8) error {
	d := b.device(dv)
	if _, err := d.interfaceEntry(iface); err != nil {
		return err
	}
	if err := doSetInterface(d.fd, iface, setting); err != nil {
		if errno, ok := asErrno(err); ok {
			return errors.Wrapf(translateErrno(errno), "failed to select alternate setting %d on interface %d", setting, iface)
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to select alternate setting %d on interface %d: %v", setting, iface, err)
	}
	return nil
}

// CurrentBusFrame is not exposed by usbfs.
func (b *Backend) CurrentBusFrame(dv usb.BackendDevice) (uint64, error) {
	_ = b.device(dv)
	return 0, errors.Wrap(usb.ErrUnsupported, "usbfs doesn't report the bus frame")
}

// checkControlDirection rejects setups whose direction bit disagrees with
// the operation being performed.
func checkControlDirection(setup usb.SetupPacket, wantIn bool) error {
	isIn := setup.RequestType&0x80 != 0
	if isIn != wantIn {
		return errors.Wrap(usb.ErrInvalidArgument, "setup packet direction doesn't match the transfer")
	}
	return nil
}

func (b *Backend) controlTransfer(d *device, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if err := usb.CheckControlLength(data); err != nil {
		return 0, err
	}
	n, err := doControl(d.fd, setup, data, usb.TimeoutMs(timeout, b.logger))
	if err != nil {
		if errno, ok := asErrno(err); ok {
			return 0, errors.Wrap(translateErrno(errno), "control transfer failed")
		}
		return 0, errors.Wrapf(usb.ErrUnspecifiedOsError, "control transfer failed: %v", err)
	}
	return n, nil
}

func (b *Backend) ControlRead(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if err := checkControlDirection(setup, true); err != nil {
		return 0, err
	}
	return b.controlTransfer(b.device(dv), setup, data, timeout)
}

func (b *Backend) ControlWrite(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if err := checkControlDirection(setup, false); err != nil {
		return 0, err
	}
	return b.controlTransfer(b.device(dv), setup, data, timeout)
}

func (b *Backend) controlNonblocking(d *device, setup usb.SetupPacket, data []byte, in bool, timeout time.Duration, callback usb.TransferCallback) error {
	if err := checkControlDirection(setup, in); err != nil {
		return err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return err
	}
	return d.submit(newControlTransfer(setup, data, in, callback), timeout)
}

func (b *Backend) ControlReadNonblocking(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	return b.controlNonblocking(b.device(dv), setup, data, true, timeout, callback)
}

func (b *Backend) ControlWriteNonblocking(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	return b.controlNonblocking(b.device(dv), setup, data, false, timeout, callback)
}

func (b *Backend) bulkTransfer(d *device, address uint8, data []byte, timeout time.Duration) (int, error) {
	if _, err := d.endpointInfo(address); err != nil {
		return 0, err
	}
	n, err := doBulk(d.fd, address, data, usb.TimeoutMs(timeout, b.logger))
	if err != nil {
		if errno, ok := asErrno(err); ok {
			return 0, errors.Wrapf(translateErrno(errno), "transfer on endpoint %#02x failed", address)
		}
		return 0, errors.Wrapf(usb.ErrUnspecifiedOsError, "transfer on endpoint %#02x failed: %v", address, err)
	}
	return n, nil
}

func (b *Backend) Read(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error) {
	if !usb.EndpointIsIn(address) {
		return 0, errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an IN endpoint", address)
	}
	return b.bulkTransfer(b.device(dv), address, data, timeout)
}

func (b *Backend) Write(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error) {
	if usb.EndpointIsIn(address) {
		return 0, errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an OUT endpoint", address)
	}
	return b.bulkTransfer(b.device(dv), address, data, timeout)
}

func (b *Backend) bulkNonblocking(d *device, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if _, err := d.endpointInfo(address); err != nil {
		return err
	}
	return d.submit(newBulkTransfer(address, data, callback), timeout)
}

func (b *Backend) ReadNonblocking(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if !usb.EndpointIsIn(address) {
		return errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an IN endpoint", address)
	}
	return b.bulkNonblocking(b.device(dv), address, data, timeout, callback)
}

func (b *Backend) WriteNonblocking(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if usb.EndpointIsIn(address) {
		return errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an OUT endpoint", address)
	}
	return b.bulkNonblocking(b.device(dv), address, data, timeout, callback)
}
