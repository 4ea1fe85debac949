package identity

import (
	"fmt"
	"net/netip"
)

// Address is an IPv4 network endpoint. A richer transport may use other
// address families in the future; for now only IPv4 is modeled, matching the
// current scope of the Interlink transport.
type Address struct {
	A, B, C, D uint8
	Port       uint16
}

// AddressFromAddrPort converts a netip.AddrPort holding an IPv4 (or
// IPv4-in-IPv6) address into an Address.
func AddressFromAddrPort(ap netip.AddrPort) (Address, error) {
	a := ap.Addr()
	if a.Is4In6() {
		a = a.Unmap()
	}
	if !a.Is4() {
		return Address{}, fmt.Errorf("address %s is not ipv4", ap)
	}
	o := a.As4()
	return Address{A: o[0], B: o[1], C: o[2], D: o[3], Port: ap.Port()}, nil
}

// AddrPort converts back to a netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{a.A, a.B, a.C, a.D}), a.Port)
}

// String returns the dotted-quad:port form.
func (a Address) String() string {
	return a.AddrPort().String()
}

// Wire returns the opaque wire-form bytes of the address, as handed to the
// transport layer: 4 octets big-endian followed by a 2-byte big-endian port.
func (a Address) Wire() [6]byte {
	return [6]byte{a.A, a.B, a.C, a.D, byte(a.Port >> 8), byte(a.Port)}
}

// AddressFromWire parses the wire form produced by Wire.
func AddressFromWire(b [6]byte) Address {
	return Address{A: b[0], B: b[1], C: b[2], D: b[3], Port: uint16(b[4])<<8 | uint16(b[5])}
}
