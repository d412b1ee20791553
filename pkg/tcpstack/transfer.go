package tcpstack

import (
	"io"
	"net/netip"
	"os"

	"github.com/pkg/errors"

	"vtcp/pkg/socket"
)

// SendFile connects to dst:port, streams the file at path and closes the
// connection once the peer has closed its side too. It returns the number of
// bytes the peer acknowledged.
func (t *TCP) SendFile(path string, dst netip.Addr, port uint16) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open file")
	}
	defer f.Close()

	s, err := t.Socket()
	if err != nil {
		return 0, err
	}
	// A socket that did not finish cleanly must not keep its port.
	defer s.Abort()

	if err := s.Connect(dst, port); err != nil {
		return 0, errors.Wrap(err, "establish connection")
	}

	n, err := io.Copy(s, f)
	if err != nil {
		return n, errors.Wrap(err, "send file")
	}
	t.log.Info("sent file", "path", path, "bytes", n, "remote", dst)

	// The first close sends our FIN, the second waits for the peer's.
	if err := s.Close(); err != nil {
		return n, errors.Wrap(err, "close")
	}
	if s.State() == socket.ReadOnly {
		if err := s.Close(); err != nil {
			return n, errors.Wrap(err, "close")
		}
	}
	return n, nil
}

// ReceiveFile accepts one connection on port and writes everything the peer
// sends to a new file at path.
func (t *TCP) ReceiveFile(path string, port int) (int64, error) {
	s, err := t.ServerSocket(port)
	if err != nil {
		return 0, err
	}
	defer s.Abort()

	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "create file")
	}
	defer f.Close()

	if err := s.Accept(); err != nil {
		return 0, errors.Wrap(err, "accept connection")
	}
	n, err := io.Copy(f, s)
	if err != nil {
		return n, errors.Wrap(err, "receive file")
	}
	t.log.Info("received file", "path", path, "bytes", n, "remote", s.RemoteAddr())

	if err := s.Close(); err != nil {
		return n, errors.Wrap(err, "close")
	}
	return n, nil
}
