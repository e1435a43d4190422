// SPDX-License-Identifier: Apache-2.0

package usrs

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ktemkin/usrs/usb"
)

// fakeBackend is an in-memory usb.Backend for exercising the portable
// layer: it records every call, serves canned devices and transfer
// results, and runs asynchronous callbacks off the submitting goroutine
// the way real backends do.
type fakeBackend struct {
	mu      sync.Mutex
	devices []usb.DeviceInformation
	calls   []string

	// controlResponse is returned (copied into the caller's buffer) by
	// control IN transfers.
	controlResponse []byte

	// transferErr, when set, fails every transfer.
	transferErr error

	openErr error
}

var _ usb.Backend = (*fakeBackend)(nil)

type fakeDevice struct {
	backend *fakeBackend
	info    usb.DeviceInformation
	closed  bool

	claimed map[uint8]bool
	denied  map[uint8]bool
}

var _ usb.BackendDevice = (*fakeDevice)(nil)

// cannedDeviceDescriptor is an 18-byte USB 2.0 device descriptor.
var cannedDeviceDescriptor = []byte{
	18, 1, 0x00, 0x02, 0, 0, 0, 64,
	0x50, 0x1d, 0x5c, 0x61, 0x00, 0x01,
	1, 2, 3, 1,
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		devices: []usb.DeviceInformation{
			{VendorID: 0x1d6b, ProductID: 0x0002, NumericLocation: 1<<16 | 1, StringLocation: "1.1"},
			{VendorID: 0x1d50, ProductID: 0x615c, Serial: "A0001", Vendor: "Great Scott Gadgets",
				Product: "Cynthion", NumericLocation: 1<<16 | 4, StringLocation: "1.4"},
			{VendorID: 0x046d, ProductID: 0xc077, NumericLocation: 1<<16 | 7, StringLocation: "1.7"},
			{VendorID: 0x1d50, ProductID: 0x60e6, Serial: "B0002", NumericLocation: 2<<16 | 2, StringLocation: "2.2"},
		},
		controlResponse: cannedDeviceDescriptor,
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) device(dv usb.BackendDevice) *fakeDevice {
	d, ok := dv.(*fakeDevice)
	if !ok {
		panic("fake: device was created by a different backend")
	}
	return d
}

func (f *fakeBackend) Devices() ([]usb.DeviceInformation, error) {
	f.record("Devices")
	return append([]usb.DeviceInformation(nil), f.devices...), nil
}

func (f *fakeBackend) Open(info usb.DeviceInformation) (usb.BackendDevice, error) {
	f.record("Open")
	if f.openErr != nil {
		return nil, f.openErr
	}
	found := false
	for _, dev := range f.devices {
		if dev.NumericLocation == info.NumericLocation &&
			dev.VendorID == info.VendorID && dev.ProductID == info.ProductID {
			found = true
		}
	}
	if !found {
		return nil, errors.Wrap(usb.ErrDeviceNotFound, "no such device")
	}
	return &fakeDevice{
		backend: f,
		info:    info,
		claimed: make(map[uint8]bool),
		denied:  make(map[uint8]bool),
	}, nil
}

func (d *fakeDevice) Close() error {
	d.backend.record("Close")
	d.closed = true
	return nil
}

func (f *fakeBackend) checkOpen(d *fakeDevice) error {
	if d.closed {
		return errors.Wrap(usb.ErrDeviceNotOpen, "device is closed")
	}
	return nil
}

func (f *fakeBackend) ReleaseKernelDriver(dv usb.BackendDevice, iface uint8) error {
	f.record("ReleaseKernelDriver")
	return f.checkOpen(f.device(dv))
}

func (f *fakeBackend) ClaimInterface(dv usb.BackendDevice, iface uint8) error {
	f.record("ClaimInterface")
	d := f.device(dv)
	if err := f.checkOpen(d); err != nil {
		return err
	}
	if d.denied[iface] {
		return errors.Wrap(usb.ErrPermissionDenied, "interface is not claimable")
	}
	d.claimed[iface] = true
	return nil
}

func (f *fakeBackend) UnclaimInterface(dv usb.BackendDevice, iface uint8) error {
	f.record("UnclaimInterface")
	d := f.device(dv)
	if err := f.checkOpen(d); err != nil {
		return err
	}
	delete(d.claimed, iface)
	return nil
}

func (f *fakeBackend) ActiveConfiguration(dv usb.BackendDevice) (uint8, error) {
	f.record("ActiveConfiguration")
	return 1, f.checkOpen(f.device(dv))
}

func (f *fakeBackend) SetActiveConfiguration(dv usb.BackendDevice, config uint8) error {
	f.record("SetActiveConfiguration")
	return f.checkOpen(f.device(dv))
}

func (f *fakeBackend) Reset(dv usb.BackendDevice) error {
	f.record("Reset")
	return f.checkOpen(f.device(dv))
}

func (f *fakeBackend) ClearStall(dv usb.BackendDevice, address uint8) error {
	f.record("ClearStall")
	return f.checkOpen(f.device(dv))
}

func (f *fakeBackend) SetAlternateSetting(dv usb.BackendDevice, iface, setting uint8) error {
	f.record("SetAlternateSetting")
	return f.checkOpen(f.device(dv))
}

func (f *fakeBackend) CurrentBusFrame(dv usb.BackendDevice) (uint64, error) {
	f.record("CurrentBusFrame")
	return 0, errors.Wrap(usb.ErrUnsupported, "no bus frame here")
}

func (f *fakeBackend) controlIn(data []byte) (int, error) {
	if f.transferErr != nil {
		return 0, f.transferErr
	}
	return copy(data, f.controlResponse), nil
}

func (f *fakeBackend) ControlRead(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	f.record("ControlRead")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return 0, err
	}
	return f.controlIn(data)
}

func (f *fakeBackend) ControlWrite(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	f.record("ControlWrite")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return 0, err
	}
	if f.transferErr != nil {
		return 0, f.transferErr
	}
	return len(data), nil
}

// async runs a callback the way a real event loop would: later, and on
// another goroutine.
func (f *fakeBackend) async(callback usb.TransferCallback, n int, err error) {
	go func() {
		time.Sleep(time.Millisecond)
		callback(n, err)
	}()
}

func (f *fakeBackend) ControlReadNonblocking(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	f.record("ControlReadNonblocking")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return err
	}
	n, err := f.controlIn(data)
	f.async(callback, n, err)
	return nil
}

func (f *fakeBackend) ControlWriteNonblocking(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	f.record("ControlWriteNonblocking")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return err
	}
	if f.transferErr != nil {
		f.async(callback, 0, f.transferErr)
		return nil
	}
	f.async(callback, len(data), nil)
	return nil
}

func (f *fakeBackend) Read(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error) {
	f.record("Read")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return 0, err
	}
	if f.transferErr != nil {
		return 0, f.transferErr
	}
	return len(data), nil
}

func (f *fakeBackend) Write(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error) {
	f.record("Write")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return 0, err
	}
	if f.transferErr != nil {
		return 0, f.transferErr
	}
	return len(data), nil
}

func (f *fakeBackend) ReadNonblocking(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	f.record("ReadNonblocking")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return err
	}
	f.async(callback, len(data), f.transferErr)
	return nil
}

func (f *fakeBackend) WriteNonblocking(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	f.record("WriteNonblocking")
	if err := f.checkOpen(f.device(dv)); err != nil {
		return err
	}
	f.async(callback, len(data), f.transferErr)
	return nil
}
