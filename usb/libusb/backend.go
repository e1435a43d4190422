// SPDX-License-Identifier: Apache-2.0

// Package libusb provides USB device access through libusb, via gousb.
// It is the portable backend: anywhere libusb runs, this backend runs.
package libusb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"

	"github.com/ktemkin/usrs/usb"
)

// Options configures the backend. The zero value is production ready.
type Options struct {
	Logger log.Logger
}

// Backend implements the usb.Backend contract on top of a shared libusb
// context.
type Backend struct {
	ctx    *gousb.Context
	logger log.Logger
}

var _ usb.Backend = (*Backend)(nil)

func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Backend{
		ctx:    gousb.NewContext(),
		logger: opts.Logger,
	}
}

// Close releases the libusb context. Devices must be closed first.
func (b *Backend) Close() error {
	return b.ctx.Close()
}

// device is this backend's per-device state: the open gousb handle, the
// active configuration, claimed interfaces, and the worker goroutine that
// services non-blocking transfers.
type device struct {
	dev    *gousb.Device
	logger log.Logger

	endpoints map[uint8]usb.EndpointInfo

	mu      sync.Mutex
	cfg     *gousb.Config
	claimed map[uint8]*gousb.Interface
	closed  bool

	// ctrlMu serializes blocking control transfers: gousb's control
	// timeout is a device field rather than a call argument, so the
	// set-then-call pair must be atomic against other control transfers.
	ctrlMu sync.Mutex

	worker *transferWorker
}

var _ usb.BackendDevice = (*device)(nil)

func (b *Backend) device(dv usb.BackendDevice) *device {
	d, ok := dv.(*device)
	if !ok {
		panic("libusb: device was created by a different backend")
	}
	return d
}

// locator packing: bus number in the high half, device address in the low.
func locatorFor(desc *gousb.DeviceDesc) uint64 {
	return uint64(desc.Bus)<<16 | uint64(desc.Address)
}

func descInformation(desc *gousb.DeviceDesc) usb.DeviceInformation {
	return usb.DeviceInformation{
		VendorID:        usb.ID(desc.Vendor),
		ProductID:       usb.ID(desc.Product),
		NumericLocation: locatorFor(desc),
		StringLocation:  fmt.Sprintf("%d.%d", desc.Bus, desc.Address),
	}
}

func (b *Backend) Devices() ([]usb.DeviceInformation, error) {
	// Collect every descriptor we see, and open each device long enough
	// to read its string descriptors. Devices we lack permission to open
	// still enumerate; their string properties stay empty.
	seen := make(map[uint64]usb.DeviceInformation)
	order := make([]uint64, 0, 8)

	opened, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		locator := locatorFor(desc)
		if _, dup := seen[locator]; !dup {
			seen[locator] = descInformation(desc)
			order = append(order, locator)
		}
		return true
	})
	if err != nil {
		_ = level.Debug(b.logger).Log("msg", "some devices could not be opened during enumeration", "err", err)
	}

	for _, dev := range opened {
		locator := locatorFor(dev.Desc)
		info := seen[locator]
		info.Serial, _ = dev.SerialNumber()
		info.Vendor, _ = dev.Manufacturer()
		info.Product, _ = dev.Product()
		seen[locator] = info
		_ = dev.Close()
	}

	devices := make([]usb.DeviceInformation, 0, len(order))
	for _, locator := range order {
		devices = append(devices, seen[locator])
	}
	return devices, nil
}

func (b *Backend) Open(info usb.DeviceInformation) (usb.BackendDevice, error) {
	opened, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return locatorFor(desc) == info.NumericLocation
	})
	if len(opened) == 0 {
		if err != nil {
			return nil, errors.Wrapf(translateError(err), "failed to open device at %s", info.StringLocation)
		}
		return nil, errors.Wrapf(usb.ErrDeviceNotFound, "no device at %s", info.StringLocation)
	}
	// More than one match can't happen for a bus/address pair; keep the
	// first and close any stragglers.
	dev := opened[0]
	for _, extra := range opened[1:] {
		_ = extra.Close()
	}

	// The bus address may have been reassigned since enumeration.
	if uint16(dev.Desc.Vendor) != uint16(info.VendorID) || uint16(dev.Desc.Product) != uint16(info.ProductID) {
		_ = dev.Close()
		return nil, errors.Wrapf(usb.ErrDeviceNotFound,
			"device at %s is now %s:%s", info.StringLocation, dev.Desc.Vendor, dev.Desc.Product)
	}

	d := &device{
		dev:       dev,
		logger:    b.logger,
		endpoints: endpointLayout(dev.Desc),
		claimed:   make(map[uint8]*gousb.Interface),
		worker:    startTransferWorker(),
	}
	return d, nil
}

// endpointLayout derives the endpoint table from the first configuration's
// default alternate settings.
func endpointLayout(desc *gousb.DeviceDesc) map[uint8]usb.EndpointInfo {
	endpoints := make(map[uint8]usb.EndpointInfo)

	configs := make([]int, 0, len(desc.Configs))
	for num := range desc.Configs {
		configs = append(configs, num)
	}
	if len(configs) == 0 {
		return endpoints
	}
	sort.Ints(configs)
	config := desc.Configs[configs[0]]

	for _, intf := range config.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		setting := intf.AltSettings[0]

		addresses := make([]int, 0, len(setting.Endpoints))
		byAddress := make(map[int]gousb.EndpointDesc)
		for _, ep := range setting.Endpoints {
			addresses = append(addresses, int(ep.Address))
			byAddress[int(ep.Address)] = ep
		}
		sort.Ints(addresses)

		for i, address := range addresses {
			endpoints[uint8(address)] = usb.EndpointInfo{
				Interface: uint8(intf.Number),
				PipeRef:   uint8(i + 1),
			}
		}
	}
	return endpoints
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	claimed := d.claimed
	d.claimed = make(map[uint8]*gousb.Interface)
	cfg := d.cfg
	d.cfg = nil
	d.mu.Unlock()

	d.worker.stop()

	for _, intf := range claimed {
		intf.Close()
	}
	if cfg != nil {
		_ = cfg.Close()
	}
	return d.dev.Close()
}

// config returns the device's active configuration handle, opening it on
// first use. Callers hold d.mu.
func (d *device) config() (*gousb.Config, error) {
	if d.cfg != nil {
		return d.cfg, nil
	}
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, errors.Wrap(translateError(err), "failed to read the active configuration")
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, errors.Wrapf(translateError(err), "failed to open configuration %d", num)
	}
	d.cfg = cfg
	return cfg, nil
}

func (d *device) endpointInfo(address uint8) (usb.EndpointInfo, error) {
	info, ok := d.endpoints[address]
	if !ok {
		return usb.EndpointInfo{}, errors.Wrapf(usb.ErrInvalidEndpoint, "no endpoint %#02x on this device", address)
	}
	return info, nil
}

// claimedEndpoint resolves an endpoint address to the claimed interface
// that owns it.
func (d *device) claimedEndpoint(address uint8) (*gousb.Interface, error) {
	info, err := d.endpointInfo(address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	intf, ok := d.claimed[info.Interface]
	d.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(usb.ErrInvalidArgument, "interface %d is not claimed", info.Interface)
	}
	return intf, nil
}

// ReleaseKernelDriver arms libusb's automatic detach: any kernel driver
// bound to an interface is detached when the interface is claimed and
// reattached on release.
func (b *Backend) ReleaseKernelDriver(dv usb.BackendDevice, iface uint8) error {
	d := b.device(dv)
	if err := d.dev.SetAutoDetach(true); err != nil {
		return errors.Wrapf(translateError(err), "failed to arm kernel-driver detach for interface %d", iface)
	}
	return nil
}

func (b *Backend) ClaimInterface(dv usb.BackendDevice, iface uint8) error {
	d := b.device(dv)
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, already := d.claimed[iface]; already {
		return nil
	}
	cfg, err := d.config()
	if err != nil {
		return err
	}
	intf, err := cfg.Interface(int(iface), 0)
	if err != nil {
		return errors.Wrapf(translateError(err), "failed to claim interface %d", iface)
	}
	d.claimed[iface] = intf
	return nil
}

func (b *Backend) UnclaimInterface(dv usb.BackendDevice, iface uint8) error {
	d := b.device(dv)
	d.mu.Lock()
	intf, ok := d.claimed[iface]
	delete(d.claimed, iface)
	d.mu.Unlock()

	if ok {
		intf.Close()
	}
	return nil
}

func (b *Backend) ActiveConfiguration(dv usb.BackendDevice) (uint8, error) {
	d := b.device(dv)
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return 0, errors.Wrap(translateError(err), "failed to read the active configuration")
	}
	return uint8(num), nil
}

func (b *Backend) SetActiveConfiguration(dv usb.BackendDevice, config uint8) error {
	d := b.device(dv)
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.claimed) > 0 {
		return errors.Wrap(usb.ErrInvalidArgument, "can't change configuration with interfaces claimed")
	}
	if d.cfg != nil {
		_ = d.cfg.Close()
		d.cfg = nil
	}
	cfg, err := d.dev.Config(int(config))
	if err != nil {
		return errors.Wrapf(translateError(err), "failed to select configuration %d", config)
	}
	d.cfg = cfg
	return nil
}

func (b *Backend) Reset(dv usb.BackendDevice) error {
	d := b.device(dv)
	if err := d.dev.Reset(); err != nil {
		return errors.Wrap(translateError(err), "failed to reset the device")
	}
	return nil
}

// ClearStall isn't exposed through gousb's public API.
func (b *Backend) ClearStall(dv usb.BackendDevice, address uint8) error {
	d := b.device(dv)
	if _, err := d.endpointInfo(address); err != nil {
		return err
	}
	return errors.Wrap(usb.ErrUnsupported, "this backend can't clear endpoint stalls")
}

func (b *Backend) SetAlternateSetting(dv usb.BackendDevice, iface, setting uint8) error {
	d := b.device(dv)
	d.mu.Lock()
	defer d.mu.Unlock()

	previous, claimed := d.claimed[iface]
	if !claimed {
		return errors.Wrapf(usb.ErrInvalidArgument, "interface %d is not claimed", iface)
	}

	cfg, err := d.config()
	if err != nil {
		return err
	}
	previous.Close()
	delete(d.claimed, iface)

	intf, err := cfg.Interface(int(iface), int(setting))
	if err != nil {
		return errors.Wrapf(translateError(err), "failed to select alternate setting %d on interface %d", setting, iface)
	}
	d.claimed[iface] = intf
	return nil
}

// CurrentBusFrame isn't exposed by libusb.
func (b *Backend) CurrentBusFrame(dv usb.BackendDevice) (uint64, error) {
	_ = b.device(dv)
	return 0, errors.Wrap(usb.ErrUnsupported, "this backend doesn't report the bus frame")
}

func checkControlDirection(setup usb.SetupPacket, wantIn bool) error {
	isIn := setup.RequestType&0x80 != 0
	if isIn != wantIn {
		return errors.Wrap(usb.ErrInvalidArgument, "setup packet direction doesn't match the transfer")
	}
	return nil
}

// withControlTimeout runs fn with the device's control timeout set, under
// the lock that keeps concurrent control transfers from trampling each
// other's timeout. A timeout of 0 asks libusb to wait forever.
func (d *device) withControlTimeout(timeout time.Duration, fn func() (int, error)) (int, error) {
	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()
	d.dev.ControlTimeout = timeout
	return fn()
}

func (b *Backend) controlTransfer(d *device, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if err := usb.CheckControlLength(data); err != nil {
		return 0, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errors.Wrap(usb.ErrDeviceNotOpen, "device is closed")
	}
	d.mu.Unlock()

	n, err := d.withControlTimeout(timeout, func() (int, error) {
		return d.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	})
	if err != nil {
		return 0, errors.Wrap(translateError(err), "control transfer failed")
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

// transferContext bounds a blocking endpoint transfer.
func transferContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (b *Backend) Read(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error) {
	if !usb.EndpointIsIn(address) {
		return 0, errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an IN endpoint", address)
	}
	d := b.device(dv)
	intf, err := d.claimedEndpoint(address)
	if err != nil {
		return 0, err
	}
	ep, err := intf.InEndpoint(int(usb.EndpointNumber(address)))
	if err != nil {
		return 0, errors.Wrapf(translateError(err), "failed to open endpoint %#02x", address)
	}

	ctx, cancel := transferContext(timeout)
	defer cancel()
	n, err := ep.ReadContext(ctx, data)
	if err != nil {
		return n, errors.Wrapf(translateError(err), "read on endpoint %#02x failed", address)
	}
	return n, nil
}

func (b *Backend) Write(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration) (int, error) {
	if usb.EndpointIsIn(address) {
		return 0, errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an OUT endpoint", address)
	}
	d := b.device(dv)
	intf, err := d.claimedEndpoint(address)
	if err != nil {
		return 0, err
	}
	ep, err := intf.OutEndpoint(int(usb.EndpointNumber(address)))
	if err != nil {
		return 0, errors.Wrapf(translateError(err), "failed to open endpoint %#02x", address)
	}

	ctx, cancel := transferContext(timeout)
	defer cancel()
	n, err := ep.WriteContext(ctx, data)
	if err != nil {
		return n, errors.Wrapf(translateError(err), "write on endpoint %#02x failed", address)
	}
	return n, nil
}

func (b *Backend) ControlReadNonblocking(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if err := checkControlDirection(setup, true); err != nil {
		return err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return err
	}
	d := b.device(dv)
	return d.worker.submit(func() {
		callback(b.controlTransfer(d, setup, data, timeout))
	})
}

func (b *Backend) ControlWriteNonblocking(dv usb.BackendDevice, setup usb.SetupPacket, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if err := checkControlDirection(setup, false); err != nil {
		return err
	}
	if err := usb.CheckControlLength(data); err != nil {
		return err
	}
	d := b.device(dv)
	return d.worker.submit(func() {
		callback(b.controlTransfer(d, setup, data, timeout))
	})
}

func (b *Backend) ReadNonblocking(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if !usb.EndpointIsIn(address) {
		return errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an IN endpoint", address)
	}
	d := b.device(dv)
	if _, err := d.endpointInfo(address); err != nil {
		return err
	}
	return d.worker.submit(func() {
		callback(b.Read(d, address, data, timeout))
	})
}

func (b *Backend) WriteNonblocking(dv usb.BackendDevice, address uint8, data []byte, timeout time.Duration, callback usb.TransferCallback) error {
	if usb.EndpointIsIn(address) {
		return errors.Wrapf(usb.ErrInvalidEndpoint, "endpoint %#02x is not an OUT endpoint", address)
	}
	d := b.device(dv)
	if _, err := d.endpointInfo(address); err != nil {
		return err
	}
	return d.worker.submit(func() {
		callback(b.Write(d, address, data, timeout))
	})
}
