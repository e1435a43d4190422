// SPDX-License-Identifier: Apache-2.0

package usb

// Endpoint addresses combine the endpoint number (low 7 bits) with the
// direction (bit 7 set = IN, device to host).

// InEndpointAddress converts an endpoint number to its IN address.
func InEndpointAddress(number uint8) uint8 {
	return number | 0x80
}

// OutEndpointAddress converts an endpoint number to its OUT address.
// OUT addresses are the bare number; this exists to annotate intent.
func OutEndpointAddress(number uint8) uint8 {
	return number
}

// EndpointNumber extracts the endpoint number from an address.
func EndpointNumber(address uint8) uint8 {
	return address & 0x7F
}

// EndpointIsIn reports whether an address refers to an IN endpoint.
func EndpointIsIn(address uint8) bool {
	return address&0x80 != 0
}

// EndpointInfo is the per-endpoint metadata a backend builds once at open
// time, keyed by endpoint address. It is never mutated afterwards;
// endpoints are assumed static once the active configuration is read.
type EndpointInfo struct {
	// Interface is the number of the interface owning the endpoint.
	Interface uint8

	// PipeRef addresses the endpoint within the backend's per-interface
	// transfer machinery. Its meaning is backend-private.
	PipeRef uint8
}
