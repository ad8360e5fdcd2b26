// Package cli implements the interactive operational shell of vrhostd.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/psaab/vrhost/pkg/hostif"
	"github.com/psaab/vrhost/pkg/iface"
	"github.com/psaab/vrhost/pkg/logging"
)

// CLI is the interactive command-line interface.
type CLI struct {
	rl       *readline.Instance
	host     *hostif.HostInterface
	events   *logging.EventBuffer
	out      io.Writer
	hostname string
	username string
}

// New creates a CLI operating on host. events may be nil.
func New(host *hostif.HostInterface, events *logging.EventBuffer) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "vrhost"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "root"
	}
	return &CLI{
		host:     host,
		events:   events,
		out:      os.Stdout,
		hostname: hostname,
		username: username,
	}
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// Run starts the interactive CLI loop. It returns when the user exits or
// input ends.
func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/vrhost_history",
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()

	fmt.Fprintln(c.out, "vrhost host interface driver")
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		if err := c.Execute(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(c.rl.Stderr(), "error: %v\n", err)
		}
	}
	return nil
}

var errExit = errors.New("exit")

// Execute runs a single command line.
func (c *CLI) Execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "clear":
		return c.handleClear(parts[1:])
	case "xconnect":
		return c.handleXConnect(parts[1:])
	case "quit", "exit":
		return errExit
	case "?", "help":
		c.showHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "show: specify interfaces, statistics or events")
		return nil
	}
	switch args[0] {
	case "interfaces":
		return c.showInterfaces(args[1:])
	case "statistics":
		c.showStatistics()
		return nil
	case "events":
		return c.showEvents(args[1:])
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *CLI) handleClear(args []string) error {
	if len(args) != 1 || args[0] != "statistics" {
		fmt.Fprintln(c.out, "clear:")
		fmt.Fprintln(c.out, "  statistics    Reset driver counters")
		return nil
	}
	c.host.ClearStats()
	fmt.Fprintln(c.out, "Statistics cleared")
	return nil
}

// handleXConnect handles "xconnect <name> [off]".
func (c *CLI) handleXConnect(args []string) error {
	if len(args) == 0 || len(args) > 2 || (len(args) == 2 && args[1] != "off") {
		return fmt.Errorf("usage: xconnect <interface> [off]")
	}
	if len(args) == 2 {
		if err := c.host.RemoveXConnect(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: cross-connect removed\n", args[0])
		return nil
	}
	if err := c.host.XConnect(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: cross-connected\n", args[0])
	return nil
}

func (c *CLI) showInterfaces(args []string) error {
	reg := c.host.Registry()
	list := reg.List()
	if len(args) > 0 {
		i, ok := reg.Lookup(args[0])
		if !ok {
			return fmt.Errorf("interface %s: %w", args[0], iface.ErrNotFound)
		}
		list = []*iface.Interface{i}
	}

	mode := "physical"
	if reg.PassthroughEnabled() {
		mode = "passthrough"
	}
	fmt.Fprintf(c.out, "Mode: %s, checksum strategy: %s\n\n", mode, c.host.Strategy())
	fmt.Fprintf(c.out, "%-16s %-9s %6s %6s %6s %-12s %s\n", "Interface", "Kind", "ID", "MTU", "Port", "Bridge", "Flags")
	for _, i := range list {
		bridge := "-"
		if i.Bridge != nil {
			bridge = i.Bridge.Name
		}
		var flags []string
		if i.XConnect {
			flags = append(flags, "xconnect")
		}
		if p, ok := i.Spec.(iface.Physical); ok && p.Ifindex > 0 {
			flags = append(flags, "ifindex="+strconv.Itoa(p.Ifindex))
		}
		fmt.Fprintf(c.out, "%-16s %-9s %6d %6d %6d %-12s %s\n",
			i.Name, i.Kind(), i.ID, i.MTU, i.Port, bridge, strings.Join(flags, ","))
	}
	return nil
}

func (c *CLI) showStatistics() {
	s := c.host.Stats()
	rows := []struct {
		name string
		v    uint64
	}{
		{"Packets to fabric", s.TxPackets},
		{"Bytes", s.TxBytes},
		{"Frames", s.TxFrames},
		{"Packets to agent", s.AgentPackets},
		{"Software checksums", s.CsumSoftware},
		{"Checksum fallbacks", s.CsumFallback},
		{"Checksum errors", s.CsumErrors},
		{"Packets split", s.Split},
		{"Split frames", s.SplitFrames},
		{"Oversize, not split", s.SplitSkipped},
		{"Cross-connected packets", s.XConnectPackets},
		{"Drops, no interface", s.DropNoInterface},
		{"Drops, split", s.DropSplit},
		{"Drops, DF oversize", s.DropDF},
		{"Drops, submit", s.DropSubmit},
		{"Drops, agent", s.DropAgent},
	}
	fmt.Fprintln(c.out, "Host interface statistics:")
	for _, r := range rows {
		fmt.Fprintf(c.out, "  %-25s %d\n", r.name+":", r.v)
	}
}

// showEvents handles "show events [count] [interface <name>] [type <substr>]".
func (c *CLI) showEvents(args []string) error {
	if c.events == nil {
		fmt.Fprintln(c.out, "Event buffer not available")
		return nil
	}
	n := 20
	var f logging.EventFilter
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "interface", "type":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", args[i])
			}
			if args[i] == "interface" {
				f.Interface = args[i+1]
			} else {
				f.Type = args[i+1]
			}
			i++
		default:
			v, err := strconv.Atoi(args[i])
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid event count %q", args[i])
			}
			n = v
		}
	}

	events := c.events.LatestFiltered(n, f)
	if len(events) == 0 {
		fmt.Fprintln(c.out, "No events")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(c.out, "%s %s\n", ev.Time.Format("2006-01-02 15:04:05"), ev.String())
	}
	return nil
}

func (c *CLI) prompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

func (c *CLI) showHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  show interfaces [name]        Show registered interfaces")
	fmt.Fprintln(c.out, "  show statistics               Show driver counters")
	fmt.Fprintln(c.out, "  show events [n] [interface <name>] [type <type>]")
	fmt.Fprintln(c.out, "                                Show recent pipeline events")
	fmt.Fprintln(c.out, "  clear statistics              Reset driver counters")
	fmt.Fprintln(c.out, "  xconnect <name> [off]         Cross-connect an interface")
	fmt.Fprintln(c.out, "  exit                          Exit CLI")
}
