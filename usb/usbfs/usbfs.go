// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usbfs

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ktemkin/usrs/usb"
)

// Raw structures handed to the usbdevfs character device. Layouts must
// match the kernel's linux/usbdevice_fs.h definitions; Go's natural
// alignment reproduces them on every supported architecture.

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds; 0 waits forever
	data        unsafe.Pointer
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds; 0 waits forever
	data     unsafe.Pointer
}

// setInterface matches struct usbdevfs_setinterface.
type setInterface struct {
	iface      uint32
	altSetting uint32
}

// usbdevfsIoctlArg matches struct usbdevfs_ioctl, the envelope for
// driver-level sub-ioctls such as USBDEVFS_DISCONNECT.
type usbdevfsIoctlArg struct {
	ifno      int32
	ioctlCode int32
	data      unsafe.Pointer
}

// urb matches struct usbdevfs_urb. The userContext field carries our
// pending-operation token through the kernel and back.
type urb struct {
	typ          uint8
	endpoint     uint8
	status       int32 // negative errno after completion
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	streamID     uint32
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

// URB types for submitURB.
const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// ioc builds a linux _IOC request number for the usbdevfs magic 'U'.
// Sizes are taken from the Go structs, so the values come out right on
// both 32- and 64-bit targets.
func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'U'<<8 | nr
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

var (
	reqControl          = ioc(iocRead|iocWrite, 0, unsafe.Sizeof(ctrlTransfer{}))
	reqBulk             = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(bulkTransfer{}))
	reqSetInterface     = ioc(iocRead, 4, unsafe.Sizeof(setInterface{}))
	reqSetConfiguration = ioc(iocRead, 5, unsafe.Sizeof(uint32(0)))
	reqSubmitURB        = ioc(iocRead, 10, unsafe.Sizeof(urb{}))
	reqDiscardURB       = ioc(iocNone, 11, 0)
	reqReapURBNDelay    = ioc(iocWrite, 13, unsafe.Sizeof(uintptr(0)))
	reqClaimInterface   = ioc(iocRead, 15, unsafe.Sizeof(uint32(0)))
	reqReleaseInterface = ioc(iocRead, 16, unsafe.Sizeof(uint32(0)))
	reqIoctl            = ioc(iocRead|iocWrite, 18, unsafe.Sizeof(usbdevfsIoctlArg{}))
	reqReset            = ioc(iocNone, 20, 0)
	reqClearHalt        = ioc(iocRead, 21, unsafe.Sizeof(uint32(0)))
	reqDisconnect       = ioc(iocNone, 22, 0)
)

// ioctl performs the syscall and returns its (non-negative) result value.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func doControl(fd int, setup usb.SetupPacket, data []byte, timeoutMs uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      uint16(len(data)),
		timeout:     timeoutMs,
	}
	if len(data) > 0 {
		ctrl.data = unsafe.Pointer(&data[0])
	}
	return ioctl(fd, reqControl, unsafe.Pointer(&ctrl))
}

func doBulk(fd int, endpoint uint8, data []byte, timeoutMs uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMs,
	}
	if len(data) > 0 {
		bulk.data = unsafe.Pointer(&data[0])
	}
	return ioctl(fd, reqBulk, unsafe.Pointer(&bulk))
}

func doClaimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, reqClaimInterface, unsafe.Pointer(&n))
	return err
}

func doReleaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, reqReleaseInterface, unsafe.Pointer(&n))
	return err
}

func doSetConfiguration(fd int, config uint8) error {
	n := uint32(config)
	_, err := ioctl(fd, reqSetConfiguration, unsafe.Pointer(&n))
	return err
}

func doSetInterface(fd int, iface, setting uint8) error {
	arg := setInterface{iface: uint32(iface), altSetting: uint32(setting)}
	_, err := ioctl(fd, reqSetInterface, unsafe.Pointer(&arg))
	return err
}

func doReset(fd int) error {
	_, err := ioctl(fd, reqReset, nil)
	return err
}

func doClearHalt(fd int, address uint8) error {
	n := uint32(address)
	_, err := ioctl(fd, reqClearHalt, unsafe.Pointer(&n))
	return err
}

// doDisconnect asks the kernel to unbind whatever driver holds the given
// interface.
func doDisconnect(fd int, iface uint8) error {
	arg := usbdevfsIoctlArg{ifno: int32(iface), ioctlCode: int32(reqDisconnect)}
	_, err := ioctl(fd, reqIoctl, unsafe.Pointer(&arg))
	return err
}

func doSubmitURB(fd int, u *urb) error {
	_, err := ioctl(fd, reqSubmitURB, unsafe.Pointer(u))
	return err
}

func doDiscardURB(fd int, u *urb) error {
	_, err := ioctl(fd, reqDiscardURB, unsafe.Pointer(u))
	return err
}

// doReapURBNDelay retrieves one completed URB without blocking; it
// returns EAGAIN when none is ready.
func doReapURBNDelay(fd int) (*urb, error) {
	var u *urb
	_, err := ioctl(fd, reqReapURBNDelay, unsafe.Pointer(&u))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// translateErrno maps a usbdevfs errno onto the shared taxonomy. Codes
// with no better translation are preserved as OsError values.
func translateErrno(errno unix.Errno) error {
	switch errno {
	case 0:
		return nil
	case unix.EPIPE:
		return usb.ErrStalled
	case unix.ETIMEDOUT, unix.ETIME:
		return usb.ErrTimedOut
	case unix.EACCES, unix.EPERM:
		return usb.ErrPermissionDenied
	case unix.EBUSY:
		return usb.ErrDeviceReserved
	case unix.ENODEV, unix.ENOENT, unix.ESHUTDOWN:
		return usb.ErrDeviceNotFound
	case unix.EINVAL:
		return usb.ErrInvalidArgument
	case unix.EOVERFLOW:
		return usb.ErrOverrun
	default:
		return usb.OsError(int64(errno))
	}
}

// asErrno unwraps a syscall error back to its errno, if it is one.
func asErrno(err error) (unix.Errno, bool) {
	errno, ok := err.(unix.Errno)
	return errno, ok
}
