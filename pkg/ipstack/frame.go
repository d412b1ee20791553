package ipstack

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// Frame layout, used both in receive rings and on the UDP link:
//
//	Byte  0-1:  Payload Length
//	Byte  2-5:  Source Address
//	Byte  6-9:  Destination Address
//	Byte  10:   Protocol
//	Byte  11-12: Packet ID
//	Byte  13-:  Payload
const frameHeaderSize = 13

func putFrameHeader(b []byte, p *Packet) {
	src, dst := p.Source.As4(), p.Destination.As4()
	binary.BigEndian.PutUint16(b[0:2], uint16(p.Length))
	copy(b[2:6], src[:])
	copy(b[6:10], dst[:])
	b[10] = p.Protocol
	binary.BigEndian.PutUint16(b[11:13], p.ID)
}

// parseFrameHeader fills the addressing fields of p and returns the payload
// length announced by the header.
func parseFrameHeader(b []byte, p *Packet) (int, error) {
	if len(b) < frameHeaderSize {
		return 0, errors.Errorf("frame too short: %d bytes", len(b))
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if n > MaxPacketSize {
		return 0, errors.Wrapf(ErrPacketTooLarge, "%d bytes", n)
	}
	p.Source = netip.AddrFrom4([4]byte(b[2:6]))
	p.Destination = netip.AddrFrom4([4]byte(b[6:10]))
	p.Protocol = b[10]
	p.ID = binary.BigEndian.Uint16(b[11:13])
	return n, nil
}

// marshalFrame encodes p as a self-contained frame.
func marshalFrame(p *Packet) ([]byte, error) {
	if err := checkPacket(p); err != nil {
		return nil, err
	}
	b := make([]byte, frameHeaderSize+p.Length)
	putFrameHeader(b, p)
	copy(b[frameHeaderSize:], p.Data[:p.Length])
	return b, nil
}

// unmarshalFrame decodes a frame into p, reusing p.Data when large enough.
func unmarshalFrame(b []byte, p *Packet) error {
	n, err := parseFrameHeader(b, p)
	if err != nil {
		return err
	}
	if len(b) < frameHeaderSize+n {
		return errors.Errorf("frame truncated: have %d payload bytes, want %d", len(b)-frameHeaderSize, n)
	}
	p.Data = payloadBuffer(p.Data, n)
	copy(p.Data, b[frameHeaderSize:frameHeaderSize+n])
	p.Length = n
	return nil
}

func checkPacket(p *Packet) error {
	if p.Length < 0 || p.Length > len(p.Data) {
		return errors.Errorf("packet length %d outside data of %d bytes", p.Length, len(p.Data))
	}
	if p.Length > MaxPacketSize {
		return errors.Wrapf(ErrPacketTooLarge, "%d bytes", p.Length)
	}
	if !p.Source.Is4() || !p.Destination.Is4() {
		return errors.Wrapf(ErrInvalidAddress, "%s -> %s", p.Source, p.Destination)
	}
	return nil
}

// payloadBuffer returns buf resliced to n bytes, allocating a full-size
// buffer when buf is too small.
func payloadBuffer(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n, MaxPacketSize)
	}
	return buf[:n]
}
