// vhost runs one virtual host: a TCP stack on top of the UDP link layer,
// driven from an interactive shell on stdin.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"vtcp/pkg/config"
	"vtcp/pkg/ipstack"
	"vtcp/pkg/logging"
	"vtcp/pkg/repl"
	"vtcp/pkg/socket"
	"vtcp/pkg/tcpstack"
)

func main() {
	fs := flag.NewFlagSet("vhost", flag.ExitOnError)
	configPath := fs.String("config", "", "JSON file with flag defaults")
	suffix := fs.Int("suffix", 1, "virtual address 192.168.0.<suffix>")
	basePort := fs.Int("base-port", ipstack.DefaultBasePort, "UDP port of host x is base-port+x")
	relay := fs.String("relay", "", "UDP address of a vrouter (default: send to peers directly)")
	attempts := fs.Int("attempts", socket.DefaultAttempts, "transmissions per segment before giving up")
	timeout := fs.Duration("timeout", socket.DefaultTimeout, "wait for an answer after each transmission")
	giveUp := fs.Bool("accept-give-up", false, "fail accept after a stalled handshake instead of listening again")
	fixedISN := fs.Bool("fixed-isn", false, "start every connection at the same sequence number")
	loss := fs.Float64("loss", 0, "probability of dropping an outgoing packet")
	corruption := fs.Float64("corruption", 0, "probability of corrupting an outgoing packet")
	duplication := fs.Float64("duplication", 0, "probability of duplicating an outgoing packet")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logFormat := fs.String("log-format", "text", "text or json")
	fs.Parse(os.Args[1:])

	if *configPath != "" {
		if err := applyConfig(fs, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "vhost: %v\n", err)
			os.Exit(1)
		}
	}
	log := logging.Setup(*logLevel, *logFormat)

	link := &ipstack.UDPLink{BasePort: *basePort, Log: log}
	if *relay != "" {
		addr, err := net.ResolveUDPAddr("udp4", *relay)
		if err != nil {
			log.Error("bad relay address", "relay", *relay, "err", err)
			os.Exit(1)
		}
		link.Relay = addr
	}
	faults := ipstack.Faults{Loss: *loss, Corruption: *corruption, Duplication: *duplication}

	policy := socket.RetryPolicy{Attempts: *attempts, Timeout: *timeout}
	if *giveUp {
		policy.Handshake = socket.GiveUp
	}
	opts := []tcpstack.Option{tcpstack.WithRetryPolicy(policy), tcpstack.WithLogger(log)}
	if *fixedISN {
		opts = append(opts, tcpstack.WithFixedISN(tcpstack.FixedISN))
	}

	tcp, err := tcpstack.New(faults.Wrap(link), *suffix, opts...)
	if err != nil {
		log.Error("cannot start host", "suffix", *suffix, "err", err)
		os.Exit(1)
	}
	defer tcp.Close()

	log.Info("virtual host up", "addr", tcp.LocalAddress(), "udp_port", *basePort+*suffix,
		"relay", *relay, "fixed_isn", *fixedISN, "timeout", timeout.String(), "attempts", *attempts)
	repl.New(tcp, os.Stdout).Run(os.Stdin, true)
}

func applyConfig(fs *flag.FlagSet, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return config.Apply(fs, cfg)
}
