// Package throttle shapes the server's network interface with tc/netem so
// clients can be tested under constrained links.
package throttle

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Options describes the link to emulate. Rates are kbit/s, Rtt is
// milliseconds and PacketLoss a percentage.
type Options struct {
	Uplink     int
	Downlink   int
	Rtt        int
	PacketLoss int
}

// Defaults fills zero rates with 1000000 kbit/s.
func (o Options) Defaults() Options {
	if o.Uplink == 0 {
		o.Uplink = 1000000
	}
	if o.Downlink == 0 {
		o.Downlink = 1000000
	}
	return o
}

// Throttler applies and removes link shaping.
type Throttler interface {
	Start(ctx context.Context, opts Options) error
	Stop(ctx context.Context) error
}

// Runner executes one command.
type Runner func(ctx context.Context, name string, args ...string) error

// ExecRunner runs commands with os/exec and includes their output in errors.
func ExecRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Netem shapes egress on Interface and ingress through an ifb device.
type Netem struct {
	Interface string
	IFB       string
	Run       Runner

	mu     sync.Mutex
	active bool
}

var _ Throttler = (*Netem)(nil)

func NewNetem(iface string) *Netem {
	return &Netem{Interface: iface, IFB: "ifb0", Run: ExecRunner}
}

// Active reports whether shaping is currently applied.
func (n *Netem) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Start replaces any existing shaping with opts.
func (n *Netem) Start(ctx context.Context, opts Options) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active {
		n.stopLocked(ctx)
	}
	for _, cmd := range n.startCommands(opts.Defaults()) {
		if err := n.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			n.stopLocked(ctx)
			return fmt.Errorf("start throttle: %w", err)
		}
	}
	n.active = true
	return nil
}

// Stop removes shaping. Stopping an inactive throttle is a no-op.
func (n *Netem) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active {
		return nil
	}
	if err := n.stopLocked(ctx); err != nil {
		return fmt.Errorf("stop throttle: %w", err)
	}
	return nil
}

func (n *Netem) stopLocked(ctx context.Context) error {
	var first error
	for _, cmd := range n.stopCommands() {
		if err := n.Run(ctx, cmd[0], cmd[1:]...); err != nil && first == nil {
			first = err
		}
	}
	n.active = false
	return first
}

func (n *Netem) startCommands(o Options) [][]string {
	// Half the round trip is added in each direction.
	delay := strconv.Itoa(o.Rtt/2) + "ms"
	loss := strconv.Itoa(o.PacketLoss) + "%"
	return [][]string{
		{"tc", "qdisc", "replace", "dev", n.Interface, "root", "netem",
			"delay", delay, "loss", loss, "rate", strconv.Itoa(o.Uplink) + "kbit"},
		{"ip", "link", "add", n.IFB, "type", "ifb"},
		{"ip", "link", "set", "dev", n.IFB, "up"},
		{"tc", "qdisc", "replace", "dev", n.Interface, "handle", "ffff:", "ingress"},
		{"tc", "filter", "replace", "dev", n.Interface, "parent", "ffff:", "protocol", "ip",
			"u32", "match", "u32", "0", "0", "action", "mirred", "egress", "redirect", "dev", n.IFB},
		{"tc", "qdisc", "replace", "dev", n.IFB, "root", "netem",
			"delay", delay, "rate", strconv.Itoa(o.Downlink) + "kbit"},
	}
}

func (n *Netem) stopCommands() [][]string {
	return [][]string{
		{"tc", "qdisc", "del", "dev", n.Interface, "root"},
		{"tc", "qdisc", "del", "dev", n.Interface, "ingress"},
		{"ip", "link", "del", n.IFB},
	}
}
