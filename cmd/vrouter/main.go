// vrouter relays virtual IP packets between vhost processes and injects
// loss, corruption and duplication on the way.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"vtcp/pkg/config"
	"vtcp/pkg/ipstack"
	"vtcp/pkg/logging"
)

func main() {
	fs := flag.NewFlagSet("vrouter", flag.ExitOnError)
	configPath := fs.String("config", "", "JSON file with flag defaults")
	listen := fs.String("listen", "127.0.0.1:19999", "UDP address to relay on")
	loss := fs.Float64("loss", 0, "probability of dropping a forwarded packet")
	corruption := fs.Float64("corruption", 0, "probability of corrupting a forwarded packet")
	duplication := fs.Float64("duplication", 0, "probability of duplicating a forwarded packet")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logFormat := fs.String("log-format", "text", "text or json")
	fs.Parse(os.Args[1:])

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err == nil {
			err = config.Apply(fs, cfg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "vrouter: %v\n", err)
			os.Exit(1)
		}
	}
	log := logging.Setup(*logLevel, *logFormat)

	faults := ipstack.Faults{Loss: *loss, Corruption: *corruption, Duplication: *duplication}
	relay, err := ipstack.NewRelay(*listen, faults, log)
	if err != nil {
		log.Error("cannot start relay", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go commands(relay, stop)

	log.Info("relay up", "addr", relay.Addr(), "loss", *loss, "corruption", *corruption, "duplication", *duplication)
	if err := relay.Serve(ctx); err != nil {
		log.Error("relay stopped", "err", err)
		os.Exit(1)
	}
	log.Info("relay stopped", "forwarded", relay.Forwarded())
}

// commands serves "ln" (list neighbors) and "q" on stdin.
func commands(relay *ipstack.Relay, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "ln":
			w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', 0)
			fmt.Fprintln(w, "VIP\tUDP")
			for _, n := range relay.Neighbors() {
				fmt.Fprintf(w, "%s\t%s\n", n.DestAddr, n.UDPAddr)
			}
			w.Flush()
		case "stats":
			fmt.Printf("forwarded %d packets\n", relay.Forwarded())
		case "q":
			stop()
			return
		case "":
		default:
			fmt.Println("Commands: ln, stats, q")
		}
	}
}
