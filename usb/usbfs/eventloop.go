// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usbfs

import (
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/ktemkin/usrs/usb"
)

// Each device runs one event-loop goroutine. It sleeps in epoll until the
// usbfs fd signals a completed URB or the eventfd signals shutdown, reaps
// everything the kernel has finished, and runs the transfer callbacks.
// Callbacks therefore always run off the submitting goroutine.

// pendingTransfer is one in-flight asynchronous transfer. It lives in the
// device's pending table from submission until its callback has run.
type pendingTransfer struct {
	u        *urb
	callback usb.TransferCallback

	// combined backs control transfers: the 8-byte setup packet followed
	// by the data stage. The kernel writes IN data into it, and completion
	// copies that back out to dest.
	combined []byte
	dest     []byte

	// buf pins the bulk transfer's buffer; the URB only holds a uintptr,
	// which the garbage collector doesn't see.
	buf []byte

	// timer enforces the caller's timeout from userspace; usbfs URBs have
	// no kernel-side timeout of their own.
	timer    *time.Timer
	timedOut bool
}

func (d *device) startEventLoop() error {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "epoll_create: %v", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epollFd)
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "eventfd: %v", err)
	}

	// usbfs fds poll writable when completed URBs are waiting to be reaped.
	err = unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, d.fd, &unix.EpollEvent{
		Events: unix.EPOLLOUT,
		Fd:     int32(d.fd),
	})
	if err == nil {
		err = unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(wakeFd),
		})
	}
	if err != nil {
		_ = unix.Close(epollFd)
		_ = unix.Close(wakeFd)
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "epoll_ctl: %v", err)
	}

	d.epollFd = epollFd
	d.wakeFd = wakeFd
	go d.eventLoop()
	return nil
}

// wake nudges the event loop out of epoll_wait.
func (d *device) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(d.wakeFd, one[:])
}

func (d *device) eventLoop() {
	defer close(d.loopDone)

	events := make([]unix.EpollEvent, 2)
	for {
		select {
		case <-d.done:
			d.drainOnShutdown()
			return
		default:
		}

		n, err := unix.EpollWait(d.epollFd, events, -1)
		if err != nil {
			if errno, ok := asErrno(err); ok && errno == unix.EINTR {
				continue
			}
			_ = level.Error(d.logger).Log("msg", "event loop failed; transfers will no longer complete",
				"device", d.path, "err", err)
			d.drainOnShutdown()
			return
		}

		hangup := false
		for i := 0; i < n; i++ {
			if events[i].Fd == int32(d.wakeFd) {
				var scratch [8]byte
				_, _ = unix.Read(d.wakeFd, scratch[:])
			}
			// A detached device asserts error events on its fd forever;
			// they cannot be masked, so left in the epoll set they'd make
			// every wait return immediately.
			if events[i].Fd == int32(d.fd) && events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				hangup = true
			}
		}

		gone := d.reapCompleted()
		if gone || hangup {
			// The device left the bus. Deliver what the kernel already
			// finished, fail the rest, and park until Close.
			d.failPending(usb.ErrDeviceNotFound)
			_ = unix.EpollCtl(d.epollFd, unix.EPOLL_CTL_DEL, d.fd, nil)
			_ = level.Debug(d.logger).Log("msg", "device left the bus", "device", d.path)
			<-d.done
			return
		}
	}
}

// reapCompleted drains every URB the kernel has finished and completes the
// matching pending transfers. It reports whether the kernel says the
// device is gone, in which case nothing pending will ever complete.
func (d *device) reapCompleted() bool {
	for {
		completed, err := doReapURBNDelay(d.fd)
		if err != nil {
			errno, ok := asErrno(err)
			if ok && errno == unix.EAGAIN {
				return false
			}
			if ok && errno == unix.EINTR {
				continue
			}
			if ok && (errno == unix.ENODEV || errno == unix.ESHUTDOWN) {
				return true
			}
			return false
		}
		d.completeTransfer(completed)
	}
}

func (d *device) completeTransfer(completed *urb) {
	d.mu.Lock()
	pending, ok := d.pending[uint64(completed.userContext)]
	delete(d.pending, uint64(completed.userContext))
	d.mu.Unlock()

	if !ok || pending == nil {
		// The kernel can only return tokens we submitted, and completion
		// is the sole place that removes them.
		panic("usbfs: reaped a transfer with no pending entry")
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}

	n, err := pending.outcome()
	if err == nil && pending.dest != nil {
		// Control IN: the payload sits after the setup packet in the
		// combined buffer.
		copy(pending.dest, pending.combined[setupPacketLength:setupPacketLength+n])
	}
	pending.callback(n, err)
}

// outcome translates a completed URB's status into the transfer result.
func (p *pendingTransfer) outcome() (int, error) {
	status := p.u.status
	if status == 0 {
		n := int(p.u.actualLength)
		if p.dest != nil {
			// For control transfers the kernel counts only the data stage.
			if n > len(p.dest) {
				n = len(p.dest)
			}
		}
		return n, nil
	}

	errno := unix.Errno(-status)
	switch errno {
	case unix.ENOENT, unix.ECONNRESET:
		// Both statuses mean the URB was discarded; ours come either from
		// the timeout timer or from shutdown.
		if p.timedOut {
			return 0, usb.ErrTimedOut
		}
		return 0, usb.ErrAborted
	default:
		return 0, translateErrno(errno)
	}
}

// drainOnShutdown discards and reaps whatever is still in flight, then
// fails any leftover pending transfers. Runs on the event-loop goroutine
// after done is closed, so no new submissions can race it.
func (d *device) drainOnShutdown() {
	d.mu.Lock()
	for _, pending := range d.pending {
		_ = doDiscardURB(d.fd, pending.u)
	}
	d.mu.Unlock()

	// Give the kernel a chance to hand the discarded URBs back so their
	// buffers are no longer referenced.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		remaining := len(d.pending)
		d.mu.Unlock()
		if remaining == 0 {
			break
		}
		d.reapCompleted()
		time.Sleep(time.Millisecond)
	}

	d.failPending(usb.ErrAborted)
}

// failPending removes every pending transfer and fails it with err.
// Runs on the event-loop goroutine only.
func (d *device) failPending(err error) {
	d.mu.Lock()
	leftovers := make([]*pendingTransfer, 0, len(d.pending))
	for token, pending := range d.pending {
		delete(d.pending, token)
		leftovers = append(leftovers, pending)
	}
	d.mu.Unlock()

	for _, pending := range leftovers {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		pending.callback(0, err)
	}
}

// submit registers a transfer in the pending table and hands its URB to
// the kernel. On any failure the table entry is removed again; the
// callback is never invoked for a failed submission.
func (d *device) submit(pending *pendingTransfer, timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.Wrap(usb.ErrDeviceNotOpen, "device is closed")
	}
	d.submissions.Add(1)
	defer d.submissions.Done()
	d.nextToken++
	token := d.nextToken
	pending.u.userContext = uintptr(token)
	d.pending[token] = pending
	d.mu.Unlock()

	if err := doSubmitURB(d.fd, pending.u); err != nil {
		d.mu.Lock()
		delete(d.pending, token)
		d.mu.Unlock()
		if errno, ok := asErrno(err); ok {
			return errors.Wrap(translateErrno(errno), "failed to submit transfer")
		}
		return errors.Wrapf(usb.ErrUnspecifiedOsError, "failed to submit transfer: %v", err)
	}

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			d.timeOut(token)
		})
		d.mu.Lock()
		// The transfer may already have completed; arming a timer for a
		// finished transfer would fire into nothing, but don't bother.
		if entry, still := d.pending[token]; still {
			entry.timer = timer
		} else {
			timer.Stop()
		}
		d.mu.Unlock()
	}

	return nil
}

// timeOut marks a pending transfer as timed out and asks the kernel to
// discard it; completion then reports TimedOut through the normal path.
func (d *device) timeOut(token uint64) {
	d.mu.Lock()
	pending, ok := d.pending[token]
	if ok {
		pending.timedOut = true
	}
	d.mu.Unlock()
	if ok {
		_ = doDiscardURB(d.fd, pending.u)
	}
}

const setupPacketLength = 8

// controlBuffer lays out the kernel's control-transfer buffer: the setup
// packet, little-endian as on the wire, followed by the data stage.
func controlBuffer(setup usb.SetupPacket, data []byte, in bool) []byte {
	combined := make([]byte, setupPacketLength+len(data))
	combined[0] = setup.RequestType
	combined[1] = setup.Request
	binary.LittleEndian.PutUint16(combined[2:4], setup.Value)
	binary.LittleEndian.PutUint16(combined[4:6], setup.Index)
	binary.LittleEndian.PutUint16(combined[6:8], uint16(len(data)))
	if !in {
		copy(combined[setupPacketLength:], data)
	}
	return combined
}

// newControlTransfer builds the pending entry for an asynchronous control
// transfer in either direction.
func newControlTransfer(setup usb.SetupPacket, data []byte, in bool, callback usb.TransferCallback) *pendingTransfer {
	pending := &pendingTransfer{
		callback: callback,
		combined: controlBuffer(setup, data, in),
	}
	if in {
		pending.dest = data
	}
	pending.u = &urb{
		typ:          urbTypeControl,
		endpoint:     0,
		bufferLength: int32(len(pending.combined)),
	}
	if len(pending.combined) > 0 {
		pending.u.buffer = uintptr(unsafe.Pointer(&pending.combined[0]))
	}
	return pending
}

// newBulkTransfer builds the pending entry for an asynchronous bulk or
// interrupt transfer. The URB references the caller's buffer directly.
func newBulkTransfer(address uint8, data []byte, callback usb.TransferCallback) *pendingTransfer {
	pending := &pendingTransfer{
		callback: callback,
		buf:      data,
	}
	pending.u = &urb{
		typ:          urbTypeBulk,
		endpoint:     address,
		bufferLength: int32(len(data)),
	}
	if len(data) > 0 {
		pending.u.buffer = uintptr(unsafe.Pointer(&data[0]))
	}
	return pending
}
