// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usbfs

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/ktemkin/usrs/usb"
)

// claimedInterface tracks the claim state of one device interface.
type claimedInterface struct {
	number  uint8
	claimed bool

	// denied marks an interface we can enumerate but not claim; claim
	// attempts on it fail with PermissionDenied without touching the OS.
	denied bool
}

// device is this backend's view of one open USB device: the usbfs file
// descriptor, its interface and endpoint tables, the pending-transfer
// table, and the event loop servicing completions.
type device struct {
	fd     int
	path   string
	logger log.Logger

	interfaces map[uint8]*claimedInterface
	endpoints  map[uint8]usb.EndpointInfo

	// mu guards pending, nextToken and closed. The event loop holds it
	// only for table lookups, never across a callback.
	mu        sync.Mutex
	pending   map[uint64]*pendingTransfer
	nextToken uint64
	closed    bool

	// submissions counts submit calls between the closed check and the
	// URB reaching the kernel; Close waits on it before draining, so the
	// drain sees every in-flight transfer.
	submissions sync.WaitGroup

	// done tells the event loop to wind down; loopDone is closed by the
	// loop once it has drained.
	done     chan struct{}
	loopDone chan struct{}

	epollFd int
	wakeFd  int
}

var _ usb.BackendDevice = (*device)(nil)

// openDevice opens the device node a DeviceInformation points at, verifies
// it is still the device we enumerated, probes its interfaces, and starts
// its event loop.
func openDevice(info usb.DeviceInformation, devRoot string, retries int, retryDelay time.Duration, logger log.Logger) (*device, error) {
	path := devNodePath(devRoot, info.NumericLocation)

	fd, err := openWithRetries(path, retries, retryDelay)
	if err != nil {
		return nil, err
	}

	d := &device{
		fd:         fd,
		path:       path,
		logger:     logger,
		interfaces: make(map[uint8]*claimedInterface),
		pending:    make(map[uint64]*pendingTransfer),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		epollFd:    -1,
		wakeFd:     -1,
	}

	parsed, err := d.readDescriptors()
	if err != nil {
		d.closeFds()
		return nil, err
	}

	// The bus/device locator is reused as devices come and go; if the IDs
	// don't match what we enumerated, this node belongs to someone else now.
	if parsed.vendorID != uint16(info.VendorID) || parsed.productID != uint16(info.ProductID) {
		d.closeFds()
		return nil, errors.Wrapf(usb.ErrDeviceNotFound,
			"device at %s is now %04x:%04x", path, parsed.vendorID, parsed.productID)
	}

	d.endpoints = parsed.endpoints
	d.probeInterfaces(parsed.interfaces)

	if err := d.startEventLoop(); err != nil {
		d.closeFds()
		return nil, err
	}

	return d, nil
}

func openWithRetries(path string, retries int, retryDelay time.Duration) (int, error) {
	for attempt := 0; ; attempt++ {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, nil
		}

		errno, ok := asErrno(err)
		if !ok {
			return -1, errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to open %s: %v", path, err)
		}
		switch errno {
		case unix.EAGAIN, unix.EBUSY:
			// The kernel occasionally reports a transient lack of resources
			// right after a device appears; give it a few short beats.
			if attempt < retries {
				time.Sleep(retryDelay)
				continue
			}
			return -1, errors.Wrapf(usb.ErrDeviceNotFound, "%s stayed busy after %d attempts", path, attempt+1)
		case unix.EACCES, unix.EPERM:
			return -1, errors.Wrapf(usb.ErrPermissionDenied, "failed to open %s", path)
		case unix.ENOENT:
			return -1, errors.Wrapf(usb.ErrDeviceNotFound, "no device node at %s", path)
		default:
			return -1, errors.Wrapf(translateErrno(errno), "failed to open %s", path)
		}
	}
}

// readDescriptors pulls the raw descriptor stream the kernel exposes
// through the device node itself.
func (d *device) readDescriptors() (*parsedDescriptors, error) {
	raw := make([]byte, 0, 512)
	buf := make([]byte, 512)
	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if errno, ok := asErrno(err); ok && errno == unix.EINTR {
				continue
			}
			return nil, errors.Wrapf(usb.ErrDeviceNotFound, "failed to read descriptors from %s: %v", d.path, err)
		}
		if n == 0 {
			break
		}
		raw = append(raw, buf[:n]...)
	}

	parsed, err := parseDescriptors(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "bad descriptor stream from %s", d.path)
	}
	return parsed, nil
}

// probeInterfaces claims and immediately releases each interface once, so
// permission problems surface at open time instead of first use.
func (d *device) probeInterfaces(numbers []uint8) {
	for _, number := range numbers {
		entry := &claimedInterface{number: number}
		d.interfaces[number] = entry

		err := doClaimInterface(d.fd, number)
		if err == nil {
			_ = doReleaseInterface(d.fd, number)
			continue
		}
		if errno, ok := asErrno(err); ok && (errno == unix.EACCES || errno == unix.EPERM) {
			entry.denied = true
			_ = level.Debug(d.logger).Log(
				"msg", "interface is present but not claimable",
				"device", d.path, "interface", number,
			)
		}
	}
}

// Close stops the event loop, aborts whatever it still holds, releases
// claimed interfaces and closes the device.
func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	// Submissions racing with Close either saw the closed flag, or hold
	// a slot here until their URB is with the kernel.
	d.submissions.Wait()

	close(d.done)
	d.wake()
	<-d.loopDone

	for _, entry := range d.interfaces {
		if entry.claimed {
			_ = doReleaseInterface(d.fd, entry.number)
			entry.claimed = false
		}
	}

	d.closeFds()
	return nil
}

func (d *device) closeFds() {
	if d.epollFd >= 0 {
		_ = unix.Close(d.epollFd)
		d.epollFd = -1
	}
	if d.wakeFd >= 0 {
		_ = unix.Close(d.wakeFd)
		d.wakeFd = -1
	}
	if d.fd >= 0 {
		_ = unix.Close(d.fd)
		d.fd = -1
	}
}

// endpointInfo resolves an endpoint address against the device's layout.
func (d *device) endpointInfo(address uint8) (usb.EndpointInfo, error) {
	info, ok := d.endpoints[address]
	if !ok {
		return usb.EndpointInfo{}, errors.Wrapf(usb.ErrInvalidEndpoint, "no endpoint %#02x on %s", address, d.path)
	}
	return info, nil
}

func (d *device) interfaceEntry(iface uint8) (*claimedInterface, error) {
	entry, ok := d.interfaces[iface]
	if !ok {
		return nil, errors.Wrapf(usb.ErrInvalidInterface, "no interface %d on %s", iface, d.path)
	}
	return entry, nil
}
