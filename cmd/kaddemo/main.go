// Command kaddemo is an interactive line-mode client for a kadnet node,
// grounded on the original maidsafe kademlia demo's Commands::ProcessCommand
// loop (kaddemo/commands.h: store, findvalue, getcontact, store50, ping,
// timings, help, exit) and on the teacher's flag-based CLI startup pattern
// (testnet/cmd/main.go).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/node"
	"github.com/opd-ai/kadnet/securifier"
	"github.com/opd-ai/kadnet/transport"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds command-line configuration for the demo process.
type CLIConfig struct {
	listenAddr string
	transport  string
	seedAddr   string
	logLevel   string
	help       bool
}

func parseCLIFlags() *CLIConfig {
	cfg := &CLIConfig{}
	flag.StringVar(&cfg.listenAddr, "listen", "127.0.0.1:0", "local listen address (for the chosen transport)")
	flag.StringVar(&cfg.transport, "transport", "udp", "transport to use: udp or tcp")
	flag.StringVar(&cfg.seedAddr, "seed", "", "bootstrap seed address (host:port), optional")
	flag.StringVar(&cfg.logLevel, "log-level", "WARN", "log level (DEBUG, INFO, WARN, ERROR)")
	flag.BoolVar(&cfg.help, "help", false, "show help message")
	flag.Parse()
	return cfg
}

func printUsage() {
	fmt.Println("kaddemo: interactive kadnet DHT client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Once running, type 'help' at the prompt for the command list.")
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := parseCLIFlags()
	if cfg.help {
		printUsage()
		return 0
	}
	if level, err := logrus.ParseLevel(strings.ToLower(cfg.logLevel)); err == nil {
		logrus.SetLevel(level)
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaddemo: failed to start transport: %v\n", err)
		return 1
	}
	defer tr.Close()

	selfID, err := crypto.RandomNodeID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaddemo: failed to generate identity: %v\n", err)
		return 1
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaddemo: failed to generate keys: %v\n", err)
		return 1
	}

	self := kadnet.NewContact(selfID, tr.LocalAddr())
	sec := securifier.New(selfID, keys)

	n, err := node.New(node.Config{Self: self, Transport: tr, Securifier: sec})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaddemo: failed to construct node: %v\n", err)
		return 1
	}
	defer n.Leave()

	fmt.Printf("kaddemo: local node %s listening on %s\n", selfID.Hex()[:16], tr.LocalAddr())

	if cfg.seedAddr != "" {
		seedAddr, err := resolveSeedAddr(cfg.transport, cfg.seedAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kaddemo: invalid seed address: %v\n", err)
			return 1
		}
		seedID, err := crypto.RandomNodeID()
		if err != nil {
			fmt.Fprintf(os.Stderr, "kaddemo: failed to allocate seed placeholder id: %v\n", err)
			return 1
		}
		seed := kadnet.NewContact(seedID, seedAddr)
		if err := n.Join([]*kadnet.Contact{seed}); err != nil {
			fmt.Fprintf(os.Stderr, "kaddemo: join failed: %v\n", err)
			return 1
		}
		fmt.Println("kaddemo: joined network via seed")
	}

	repl := &commands{node: n, securifier: sec, timings: make(map[string][]time.Duration)}
	repl.run()
	return 0
}

func buildTransport(cfg *CLIConfig) (transport.Transport, error) {
	switch cfg.transport {
	case "tcp":
		return transport.NewTCPTransport(cfg.listenAddr)
	default:
		return transport.NewUDPTransport(cfg.listenAddr)
	}
}

func resolveSeedAddr(network, addr string) (net.Addr, error) {
	if network == "tcp" {
		return net.ResolveTCPAddr("tcp", addr)
	}
	return net.ResolveUDPAddr("udp", addr)
}
