// SPDX-License-Identifier: Apache-2.0

//go:build linux

package usbfs

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"

	"github.com/ktemkin/usrs/usb"
)

// Reading a usbfs device node yields the device descriptor followed by
// the raw configuration descriptor sets, exactly as the device reported
// them. We walk that byte stream once at open time to learn the device's
// interfaces and endpoints.

const deviceDescriptorLength = 18

type parsedDescriptors struct {
	vendorID  uint16
	productID uint16

	// interfaces lists every interface number in the default (first)
	// configuration, across all alternate settings.
	interfaces []uint8

	// endpoints maps endpoint address to its owning interface and pipe
	// reference, considering only altsetting zero of each interface.
	endpoints map[uint8]usb.EndpointInfo
}

func parseDescriptors(raw []byte) (*parsedDescriptors, error) {
	if len(raw) < deviceDescriptorLength {
		return nil, errors.Newf("descriptor stream truncated: %d bytes", len(raw))
	}
	if usb.DescriptorType(raw[1]) != usb.DescriptorTypeDevice {
		return nil, errors.Newf("descriptor stream doesn't start with a device descriptor (type %d)", raw[1])
	}

	result := &parsedDescriptors{
		vendorID:  binary.LittleEndian.Uint16(raw[8:10]),
		productID: binary.LittleEndian.Uint16(raw[10:12]),
		endpoints: make(map[uint8]usb.EndpointInfo),
	}

	seenInterfaces := make(map[uint8]bool)
	configurations := 0

	var currentInterface uint8
	inDefaultAltsetting := false
	pipeRef := uint8(0)

	offset := deviceDescriptorLength
	for offset+2 <= len(raw) {
		length := int(raw[offset])
		descType := usb.DescriptorType(raw[offset+1])
		if length < 2 || offset+length > len(raw) {
			return nil, errors.Newf("malformed descriptor at offset %d", offset)
		}

		switch descType {
		case usb.DescriptorTypeConfiguration:
			configurations++
			if configurations > 1 {
				// Endpoint layout follows the configuration the device
				// wakes up in, which is the first one.
				return result, nil
			}
		case usb.DescriptorTypeInterface:
			if length < 9 {
				return nil, errors.Newf("short interface descriptor at offset %d", offset)
			}
			currentInterface = raw[offset+2]
			inDefaultAltsetting = raw[offset+3] == 0
			pipeRef = 0
			if !seenInterfaces[currentInterface] {
				seenInterfaces[currentInterface] = true
				result.interfaces = append(result.interfaces, currentInterface)
			}
		case usb.DescriptorTypeEndpoint:
			if length < 7 {
				return nil, errors.Newf("short endpoint descriptor at offset %d", offset)
			}
			if inDefaultAltsetting {
				pipeRef++
				address := raw[offset+2]
				result.endpoints[address] = usb.EndpointInfo{
					Interface: currentInterface,
					PipeRef:   pipeRef,
				}
			}
		}
		offset += length
	}

	return result, nil
}
