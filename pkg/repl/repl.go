// Package repl is the interactive shell of a virtual host.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"

	"vtcp/pkg/socket"
	"vtcp/pkg/tcpstack"
)

const help = `Commands:
  ls                         list sockets
  so                         create a client socket
  a <port>                   accept one connection on port (background)
  c <vip> <port>             connect a new socket to vip:port
  s <sid> <text>             send text on socket sid
  r <sid> <n>                read up to n bytes from socket sid
  cl <sid>                   close socket sid
  sf <file> <vip> <port>     send a file
  rf <file> <port>           receive a file (background)
  help                       show this text
  q                          quit`

// Repl reads commands line by line and drives the sockets of one stack.
// Commands that block in the background report on completion.
type Repl struct {
	tcp *tcpstack.TCP

	mu  sync.Mutex
	out io.Writer
	wg  sync.WaitGroup
}

func New(tcp *tcpstack.TCP, out io.Writer) *Repl {
	return &Repl{tcp: tcp, out: out}
}

func (r *Repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Run executes commands from in until it is exhausted or "q" is read.
func (r *Repl) Run(in io.Reader, prompt bool) {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			r.printf("> ")
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "q" {
			return
		}
		if line != "" {
			r.Exec(line)
		}
	}
}

// Wait blocks until background commands have finished.
func (r *Repl) Wait() {
	r.wg.Wait()
}

// Exec runs a single command line.
func (r *Repl) Exec(line string) {
	fields := strings.Fields(line)
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "ls":
		r.list()
	case "so":
		s, err := r.tcp.Socket()
		if err != nil {
			r.printf("Error: %v\n", err)
			return
		}
		id, _ := r.tcp.ID(s)
		r.printf("Created socket %d on port %d\n", id, s.LocalPort())
	case "a":
		r.accept(args)
	case "c":
		r.connect(args)
	case "s":
		r.send(line, args)
	case "r":
		r.read(args)
	case "cl":
		r.close(args)
	case "sf":
		r.sendFile(args)
	case "rf":
		r.receiveFile(args)
	case "help":
		r.printf("%s\n", help)
	default:
		r.printf("Unknown command %q, try help\n", cmd)
	}
}

func (r *Repl) list() {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus")
	for _, e := range r.tcp.Sockets() {
		s := e.Socket
		raddr := "0.0.0.0"
		if s.RemoteAddr().IsValid() {
			raddr = s.RemoteAddr().String()
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\n", e.ID, s.LocalAddr(), s.LocalPort(), raddr, s.RemotePort(), s.State())
	}
	w.Flush()
}

func (r *Repl) accept(args []string) {
	if len(args) != 1 {
		r.printf("Usage: a <port>\n")
		return
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		r.printf("Invalid port %q\n", args[0])
		return
	}
	s, err := r.tcp.ServerSocket(port)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	id, _ := r.tcp.ID(s)
	r.printf("Socket %d listening on port %d\n", id, port)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := s.Accept(); err != nil {
			s.Abort()
			r.printf("Accept on port %d failed: %v\n", port, err)
			return
		}
		r.printf("Accepted connection from %s:%d on port %d\n", s.RemoteAddr(), s.RemotePort(), port)
	}()
}

func (r *Repl) connect(args []string) {
	if len(args) != 2 {
		r.printf("Usage: c <vip> <port>\n")
		return
	}
	dst, port, ok := r.parseTarget(args[0], args[1])
	if !ok {
		return
	}
	s, err := r.tcp.Socket()
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	id, _ := r.tcp.ID(s)
	if err := s.Connect(dst, port); err != nil {
		s.Abort()
		r.printf("Socket %d: connect to %s:%d failed: %v\n", id, dst, port, err)
		return
	}
	r.printf("Socket %d connected to %s:%d from port %d\n", id, dst, port, s.LocalPort())
}

// socket resolves a socket id argument.
func (r *Repl) socket(arg string) (*socket.Socket, bool) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		r.printf("Invalid socket id %q\n", arg)
		return nil, false
	}
	s, ok := r.tcp.Lookup(id)
	if !ok {
		r.printf("No socket %d\n", id)
		return nil, false
	}
	return s, true
}

func (r *Repl) send(line string, args []string) {
	if len(args) < 2 {
		r.printf("Usage: s <sid> <text>\n")
		return
	}
	s, ok := r.socket(args[0])
	if !ok {
		return
	}
	if !s.State().Writable() {
		r.printf("Socket %s cannot send in state %s\n", args[0], s.State())
		return
	}
	// Keep the text verbatim, inner spaces included.
	text := strings.TrimSpace(line)
	text = strings.TrimSpace(text[len("s"):])
	text = strings.TrimSpace(text[len(args[0]):])
	n, err := s.Write([]byte(text))
	if err != nil {
		r.printf("Sent %d bytes before failing: %v\n", n, err)
		return
	}
	r.printf("Sent %d bytes\n", n)
}

func (r *Repl) read(args []string) {
	if len(args) != 2 {
		r.printf("Usage: r <sid> <n>\n")
		return
	}
	s, ok := r.socket(args[0])
	if !ok {
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		r.printf("Invalid byte count %q\n", args[1])
		return
	}
	if !s.State().Readable() && s.State() != socket.WriteOnly {
		r.printf("Socket %s cannot read in state %s\n", args[0], s.State())
		return
	}
	buf := make([]byte, n)
	got, err := s.Read(buf)
	if err == io.EOF {
		r.printf("Peer closed the connection\n")
		return
	}
	if err != nil {
		r.printf("Read %d bytes before failing: %v\n", got, err)
	}
	r.printf("Read %d bytes: %s\n", got, buf[:got])
}

func (r *Repl) close(args []string) {
	if len(args) != 1 {
		r.printf("Usage: cl <sid>\n")
		return
	}
	s, ok := r.socket(args[0])
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		if errors.Cause(err) == socket.ErrNotOpen {
			s.Abort()
			r.printf("Socket %s was never connected, port %d freed\n", args[0], s.LocalPort())
			return
		}
		r.printf("Close: %v\n", err)
		return
	}
	r.printf("Socket %s is %s\n", args[0], s.State())
}

func (r *Repl) sendFile(args []string) {
	if len(args) != 3 {
		r.printf("Usage: sf <file> <vip> <port>\n")
		return
	}
	dst, port, ok := r.parseTarget(args[1], args[2])
	if !ok {
		return
	}
	n, err := r.tcp.SendFile(args[0], dst, port)
	if err != nil {
		r.printf("Sent %d bytes of %s before failing: %v\n", n, args[0], err)
		return
	}
	r.printf("Sent %d bytes\n", n)
}

func (r *Repl) receiveFile(args []string) {
	if len(args) != 2 {
		r.printf("Usage: rf <file> <port>\n")
		return
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		r.printf("Invalid port %q\n", args[1])
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		n, err := r.tcp.ReceiveFile(args[0], port)
		if err != nil {
			r.printf("Received %d bytes into %s before failing: %v\n", n, args[0], err)
			return
		}
		r.printf("Received %d bytes into %s\n", n, args[0])
	}()
}

func (r *Repl) parseTarget(addr, portArg string) (netip.Addr, uint16, bool) {
	dst, err := netip.ParseAddr(addr)
	if err != nil {
		r.printf("Invalid address %q: %v\n", addr, err)
		return netip.Addr{}, 0, false
	}
	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		r.printf("Invalid port %q\n", portArg)
		return netip.Addr{}, 0, false
	}
	return dst, uint16(port), true
}
