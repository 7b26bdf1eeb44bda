package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// IP discovery packet layout (fixed 74 bytes):
//
//	0..2   packet type (1 = request, 2 = response)
//	2..4   message length (70)
//	4..8   ssrc
//	8..72  null-terminated address string
//	72..74 port
//
// All fields big-endian. The response tells us the externally visible
// address and port to announce in the protocol selection, so NAT
// traversal works without any further configuration.
const (
	discoveryPacketSize  = 74
	discoveryMessageLen  = 70
	discoveryTypeRequest = 1
	discoveryTypeReply   = 2
	discoveryAddrOffset  = 8
	discoveryAddrLen     = 64
)

// Errors reported by the discovery handshake.
var (
	// ErrDiscoveryResponse indicates a malformed or unexpected
	// discovery reply.
	ErrDiscoveryResponse = errors.New("illegal discovery response")

	// ErrDiscoveryAddress indicates the reply's address field was not
	// a null-terminated, parsable IP address.
	ErrDiscoveryAddress = errors.New("illegal public address in discovery response")
)

// marshalDiscoveryRequest fills buf with a discovery request for the
// given ssrc. buf must be at least discoveryPacketSize bytes.
func marshalDiscoveryRequest(buf []byte, ssrc uint32) {
	for i := 0; i < discoveryPacketSize; i++ {
		buf[i] = 0
	}
	binary.BigEndian.PutUint16(buf[0:2], discoveryTypeRequest)
	binary.BigEndian.PutUint16(buf[2:4], discoveryMessageLen)
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
}

// parseDiscoveryResponse extracts the public address and port from a
// discovery reply.
func parseDiscoveryResponse(buf []byte) (net.IP, uint16, error) {
	if len(buf) < discoveryPacketSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrDiscoveryResponse, len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != discoveryTypeReply {
		return nil, 0, fmt.Errorf("%w: unexpected packet type", ErrDiscoveryResponse)
	}

	addrField := buf[discoveryAddrOffset : discoveryAddrOffset+discoveryAddrLen]
	nul := -1
	for i, b := range addrField {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return nil, 0, fmt.Errorf("%w: address not null-terminated", ErrDiscoveryAddress)
	}

	ip := net.ParseIP(string(addrField[:nul]))
	if ip == nil {
		return nil, 0, fmt.Errorf("%w: %q", ErrDiscoveryAddress, string(addrField[:nul]))
	}

	port := binary.BigEndian.Uint16(buf[discoveryPacketSize-2 : discoveryPacketSize])
	return ip, port, nil
}
