package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/node"
	"github.com/opd-ai/kadnet/securifier"
)

// commands implements the demo's interactive command loop, grounded on
// maidsafe's Commands::ProcessCommand (kaddemo/commands.h): one verb per
// line, each verb timed and recorded for the "timings" report.
type commands struct {
	node       *node.Node
	securifier *securifier.Ed25519Securifier

	mu      sync.Mutex
	timings map[string][]time.Duration
}

func (c *commands) run() {
	c.printUsage()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("kaddemo> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.dispatch(line) {
			return
		}
	}
}

// dispatch processes one command line, returning true if the REPL should
// exit.
func (c *commands) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	start := time.Now()
	defer func() { c.recordTiming(cmd, time.Since(start)) }()

	switch cmd {
	case "help":
		c.printUsage()
	case "store":
		c.cmdStore(args)
	case "store50":
		c.cmdStore50(args)
	case "findvalue":
		c.cmdFindValue(args)
	case "getcontact":
		c.cmdGetContact(args)
	case "ping":
		c.cmdPing(args)
	case "timings":
		c.printTimings()
	case "exit", "quit":
		fmt.Println("kaddemo: shutting down")
		return true
	default:
		fmt.Printf("kaddemo: unknown command %q; type 'help' for usage\n", cmd)
	}
	return false
}

func (c *commands) printUsage() {
	fmt.Println("commands:")
	fmt.Println("  store <key-hex|random> <value>     publish a signed value")
	fmt.Println("  store50 <prefix>                    publish 50 throwaway values for load testing")
	fmt.Println("  findvalue <key-hex>                  look up a value by key")
	fmt.Println("  getcontact <node-id-hex>              look up a node's contact info")
	fmt.Println("  ping <node-id-hex> <addr>             not supported in this demo; prints a notice")
	fmt.Println("  timings                               print round-trip timing stats per command")
	fmt.Println("  help                                   show this message")
	fmt.Println("  exit                                   quit")
}

func (c *commands) cmdStore(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: store <key-hex|random> <value>")
		return
	}
	key, err := parseOrRandomKey(args[0])
	if err != nil {
		fmt.Printf("store: %v\n", err)
		return
	}
	value := []byte(strings.Join(args[1:], " "))
	sig, err := c.securifier.Sign(value)
	if err != nil {
		fmt.Printf("store: signing failed: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.node.Store(ctx, key, value, sig, time.Hour, true, false); err != nil {
		fmt.Printf("store: %v\n", err)
		return
	}
	fmt.Printf("store: published under %s\n", key.Hex()[:16])
}

func (c *commands) cmdStore50(args []string) {
	prefix := "kaddemo-load"
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	succeeded := 0
	for i := 0; i < 50; i++ {
		key, err := crypto.RandomNodeID()
		if err != nil {
			continue
		}
		value := []byte(fmt.Sprintf("%s-%d", prefix, i))
		sig, err := c.securifier.Sign(value)
		if err != nil {
			continue
		}
		if err := c.node.Store(ctx, key, value, sig, time.Hour, true, false); err == nil {
			succeeded++
		}
	}
	fmt.Printf("store50: %d/50 values published\n", succeeded)
}

func (c *commands) cmdFindValue(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: findvalue <key-hex>")
		return
	}
	key, err := parseKeyHex(args[0])
	if err != nil {
		fmt.Printf("findvalue: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := c.node.FindValue(ctx, key)
	if err != nil {
		fmt.Printf("findvalue: %v\n", err)
		return
	}
	if !result.Found {
		fmt.Println("findvalue: not found")
		return
	}
	for i, v := range result.Values {
		fmt.Printf("findvalue: value %d: %s\n", i, string(v))
	}
}

func (c *commands) cmdGetContact(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: getcontact <node-id-hex>")
		return
	}
	id, err := parseKeyHex(args[0])
	if err != nil {
		fmt.Printf("getcontact: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contacts, err := c.node.FindNodes(ctx, id)
	if err != nil {
		fmt.Printf("getcontact: %v\n", err)
		return
	}
	for _, contact := range contacts {
		if contact.NodeID.Equal(id) {
			fmt.Printf("getcontact: found at %s\n", contact.Endpoint())
			return
		}
	}
	fmt.Println("getcontact: not found")
}

func (c *commands) cmdPing(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: ping <node-id-hex> <addr>")
		return
	}
	fmt.Println("ping: direct-address ping is not exposed by this demo; use getcontact to discover a live contact first")
}

func (c *commands) recordTiming(cmd string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timings[cmd] = append(c.timings[cmd], d)
}

func (c *commands) printTimings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timings) == 0 {
		fmt.Println("timings: no commands recorded yet")
		return
	}
	for cmd, durations := range c.timings {
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		avg := total / time.Duration(len(durations))
		fmt.Printf("timings: %-12s count=%-4d avg=%s\n", cmd, len(durations), avg)
	}
}

func parseKeyHex(s string) (crypto.NodeID, error) {
	return crypto.NodeIDFromHex(s)
}

func parseOrRandomKey(s string) (crypto.NodeID, error) {
	if strings.EqualFold(s, "random") {
		return crypto.RandomNodeID()
	}
	return crypto.NodeIDFromHex(s)
}
