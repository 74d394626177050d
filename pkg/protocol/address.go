package protocol

import (
	"bytes"
	"net/netip"
)

// Address family tags. These live in their own namespace: an address packet
// is only ever read right after a packet whose variant expects one, so the
// outer Command/Response decoder decides which codec interprets it.
const (
	AddrTagIPv4 uint8 = 0
	AddrTagIPv6 uint8 = 1
)

const (
	ipv4PayloadSize = 4 + 2
	ipv6PayloadSize = 16 + 2
)

// EncodeAddr encodes an endpoint as a single packet. IPv4-mapped IPv6
// addresses are sent as IPv4.
func EncodeAddr(addr netip.AddrPort) Packet {
	ip := addr.Addr().Unmap()
	buf := new(bytes.Buffer)

	if ip.Is4() {
		octets := ip.As4()
		buf.Write(octets[:])
		WriteUint16(buf, addr.Port())
		return NewPacket(AddrTagIPv4, buf.Bytes())
	}

	octets := ip.As16()
	for i := 0; i < 16; i += 2 {
		WriteUint16(buf, uint16(octets[i])<<8|uint16(octets[i+1]))
	}
	WriteUint16(buf, addr.Port())
	return NewPacket(AddrTagIPv6, buf.Bytes())
}

// DecodeAddr decodes an endpoint packet
func DecodeAddr(p Packet) (netip.AddrPort, error) {
	buf := bytes.NewReader(p.Payload)

	switch p.Type {
	case AddrTagIPv4:
		if len(p.Payload) != ipv4PayloadSize {
			return netip.AddrPort{}, decodeErrorf("IPv4 address payload is %d bytes, want %d", len(p.Payload), ipv4PayloadSize)
		}
		var octets [4]byte
		buf.Read(octets[:])
		port, _ := ReadUint16(buf)
		return netip.AddrPortFrom(netip.AddrFrom4(octets), port), nil

	case AddrTagIPv6:
		if len(p.Payload) != ipv6PayloadSize {
			return netip.AddrPort{}, decodeErrorf("IPv6 address payload is %d bytes, want %d", len(p.Payload), ipv6PayloadSize)
		}
		var octets [16]byte
		for i := 0; i < 16; i += 2 {
			group, _ := ReadUint16(buf)
			octets[i] = byte(group >> 8)
			octets[i+1] = byte(group)
		}
		port, _ := ReadUint16(buf)
		return netip.AddrPortFrom(netip.AddrFrom16(octets).Unmap(), port), nil

	default:
		return netip.AddrPort{}, decodeErrorf("unknown address tag %d", p.Type)
	}
}
