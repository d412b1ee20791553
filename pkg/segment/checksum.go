package segment

import (
	"encoding/binary"
	"net/netip"
)

// Checksum computes the Internet checksum of the encoded segment b, prefixed
// by the pseudo-header (src, dst, protocol, length). Computed over a segment
// that already carries its checksum, the result is zero.
func Checksum(src, dst netip.Addr, b []byte) uint16 {
	s, d := src.As4(), dst.As4()

	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(s[0:2]))
	sum += uint32(binary.BigEndian.Uint16(s[2:4]))
	sum += uint32(binary.BigEndian.Uint16(d[0:2]))
	sum += uint32(binary.BigEndian.Uint16(d[2:4]))
	sum += uint32(Protocol)
	sum += uint32(len(b))

	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 != 0 {
		sum += uint32(b[len(b)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// Seal computes the checksum of the encoded segment b and stores it in the
// checksum field. The field is zeroed before the sum is taken.
func Seal(src, dst netip.Addr, b []byte) uint16 {
	binary.BigEndian.PutUint16(b[checksumOffset:], 0)
	c := Checksum(src, dst, b)
	binary.BigEndian.PutUint16(b[checksumOffset:], c)
	return c
}

// Valid reports whether b holds at least a header and its checksum verifies.
func Valid(src, dst netip.Addr, b []byte) bool {
	return len(b) >= HeaderLength && Checksum(src, dst, b) == 0
}
