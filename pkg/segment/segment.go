package segment

import (
	"fmt"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Wire layout (20-byte header, big endian):
//
//	Byte  0-1:   Source Port
//	Byte  2-3:   Destination Port
//	Byte  4-7:   Sequence Number
//	Byte  8-11:  Acknowledgment Number
//	Byte  12:    Data Offset (5 words)
//	Byte  13:    Flags (FIN=0x01 SYN=0x02 PSH=0x08 ACK=0x10)
//	Byte  14-15: Window (always 1)
//	Byte  16-17: Checksum (Internet checksum over pseudo-header + segment)
//	Byte  18-19: unused, zero
//	Byte  20-:   Data
const (
	HeaderLength  = header.TCPMinimumSize
	MaxDataLength = 128
	MaxLength     = HeaderLength + MaxDataLength
	WindowSize    = 1

	// Protocol is the IP protocol number carried by every segment.
	Protocol = uint8(header.TCPProtocolNumber)

	checksumOffset = 16
)

var (
	ErrShortSegment = errors.New("segment shorter than header")
	ErrTooLong      = errors.New("segment data exceeds maximum length")
)

// Flags is the control bit set of a segment.
type Flags uint8

const (
	FIN Flags = header.TCPFlagFin
	SYN Flags = header.TCPFlagSyn
	PSH Flags = header.TCPFlagPsh
	ACK Flags = header.TCPFlagAck
)

// Is reports whether every bit of all is set and no bit of none is set.
func (f Flags) Is(all, none Flags) bool {
	return f&all == all && f&none == 0
}

func (f Flags) String() string {
	s := ""
	for _, b := range []struct {
		flag Flags
		name string
	}{{SYN, "S"}, {ACK, "A"}, {FIN, "F"}, {PSH, "P"}} {
		if f&b.flag != 0 {
			s += b.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// Segment is a decoded transport segment. Data aliases a buffer owned by the
// segment; Decode reuses its capacity.
type Segment struct {
	FromPort uint16
	ToPort   uint16
	Seq      seqnum.Value
	Ack      seqnum.Value
	Flags    Flags
	Window   uint16
	Checksum uint16
	Data     []byte
}

// Len returns the encoded length of the segment.
func (s *Segment) Len() int {
	return HeaderLength + len(s.Data)
}

func (s *Segment) String() string {
	return fmt.Sprintf("[from=%d to=%d seq=%d ack=%d flags=%s win=%d csum=%#04x data=%d]",
		s.FromPort, s.ToPort, s.Seq, s.Ack, s.Flags, s.Window, s.Checksum, len(s.Data))
}

// Encode writes s into b and returns the number of bytes used. The checksum
// field is copied as is; use Seal to fill it in.
func Encode(b []byte, s *Segment) (int, error) {
	if len(s.Data) > MaxDataLength {
		return 0, errors.Wrapf(ErrTooLong, "%d bytes", len(s.Data))
	}
	n := s.Len()
	if len(b) < n {
		return 0, errors.Errorf("buffer too small: %d bytes, need %d", len(b), n)
	}

	tcp := header.TCP(b[:n])
	tcp.Encode(&header.TCPFields{
		SrcPort:    s.FromPort,
		DstPort:    s.ToPort,
		SeqNum:     uint32(s.Seq),
		AckNum:     uint32(s.Ack),
		DataOffset: HeaderLength,
		Flags:      uint8(s.Flags),
		WindowSize: s.Window,
		Checksum:   s.Checksum,
	})
	copy(b[HeaderLength:n], s.Data)
	return n, nil
}

// Decode parses the first length bytes of b into s. Bytes of b beyond length
// are ignored, so b may be a reused receive buffer.
func Decode(b []byte, length int, s *Segment) error {
	if length < HeaderLength {
		return errors.Wrapf(ErrShortSegment, "%d bytes", length)
	}
	if length > len(b) {
		return errors.Errorf("length %d exceeds buffer of %d bytes", length, len(b))
	}

	tcp := header.TCP(b[:length])
	s.FromPort = tcp.SourcePort()
	s.ToPort = tcp.DestinationPort()
	s.Seq = seqnum.Value(tcp.SequenceNumber())
	s.Ack = seqnum.Value(tcp.AckNumber())
	s.Flags = Flags(tcp.Flags())
	s.Window = tcp.WindowSize()
	s.Checksum = tcp.Checksum()
	s.Data = append(s.Data[:0], b[HeaderLength:length]...)
	return nil
}
