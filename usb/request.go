// SPDX-License-Identifier: Apache-2.0

package usb

// Tools for building USB request-type bytes and standard requests.
// The bit layout is fixed by the USB 2.0 specification: direction in
// bit 7, type in bits 6-5, recipient in bits 4-0.

// Direction of a request, from the host's point of view.
type Direction uint8

const (
	DirectionOut Direction = 0 // host to device
	DirectionIn  Direction = 1 // device to host
)

// RequestKind is the USB "type" field of a request.
type RequestKind uint8

const (
	RequestKindStandard RequestKind = 0
	RequestKindClass    RequestKind = 1
	RequestKindVendor   RequestKind = 2
)

// Recipient is the context a request is delivered to.
type Recipient uint8

const (
	RecipientDevice    Recipient = 0
	RecipientInterface Recipient = 1
	RecipientEndpoint  Recipient = 2
	RecipientOther     Recipient = 3
)

// RequestType describes the bmRequestType byte of a control request.
type RequestType struct {
	Direction Direction
	Kind      RequestKind
	Recipient Recipient
}

// Byte packs the request type into its wire representation.
func (r RequestType) Byte() uint8 {
	return uint8(r.Direction)<<7 | uint8(r.Kind)<<5 | uint8(r.Recipient)
}

// Shorthands for the common request types.
var (
	// StandardInFromDevice reads standard data, e.g. a device descriptor.
	StandardInFromDevice = RequestType{DirectionIn, RequestKindStandard, RecipientDevice}

	// StandardOutToDevice issues a standard request, e.g. set_configuration.
	StandardOutToDevice = RequestType{DirectionOut, RequestKindStandard, RecipientDevice}

	// VendorInFromDevice reads vendor-specific data from the device.
	VendorInFromDevice = RequestType{DirectionIn, RequestKindVendor, RecipientDevice}

	// VendorOutToDevice sends vendor-specific data to the device.
	VendorOutToDevice = RequestType{DirectionOut, RequestKindVendor, RecipientDevice}

	// ClassOutToInterface sends class-specific data to an interface; the
	// interface number travels in the request index.
	ClassOutToInterface = RequestType{DirectionOut, RequestKindClass, RecipientInterface}

	// ClassInFromInterface reads class-specific data from an interface; the
	// interface number travels in the request index.
	ClassInFromInterface = RequestType{DirectionIn, RequestKindClass, RecipientInterface}
)

// Standard device request numbers (USB 2.0 §9.4).
const (
	RequestGetStatus        uint8 = 0
	RequestClearFeature     uint8 = 1
	RequestSetFeature       uint8 = 3
	RequestSetAddress       uint8 = 5
	RequestGetDescriptor    uint8 = 6
	RequestSetDescriptor    uint8 = 7
	RequestGetConfiguration uint8 = 8
	RequestSetConfiguration uint8 = 9
	RequestGetInterface     uint8 = 10
	RequestSetInterface     uint8 = 11
	RequestSynchFrame       uint8 = 12
)

// DescriptorType identifies a standard descriptor in GET_DESCRIPTOR.
type DescriptorType uint8

const (
	DescriptorTypeDevice        DescriptorType = 1
	DescriptorTypeConfiguration DescriptorType = 2
	DescriptorTypeString        DescriptorType = 3
	DescriptorTypeInterface     DescriptorType = 4
	DescriptorTypeEndpoint      DescriptorType = 5
)

// DescriptorValue builds the wValue for a GET_DESCRIPTOR request: the
// descriptor type in the high byte, the descriptor index in the low byte.
func DescriptorValue(t DescriptorType, index uint8) uint16 {
	return uint16(t)<<8 | uint16(index)
}

// SetupPacket carries the fixed fields of a control request's 8-byte setup
// packet. The length field is derived from the transfer buffer.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
}
