package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/rparthas/loom/pkg/bus"
)

const (
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

const maxInputPreview = 120

// console renders bus events to the terminal and answers approval requests.
// It is a plain subscriber: the agent loop neither knows nor cares that a
// terminal is attached.
type console struct {
	out         io.Writer
	in          *bufio.Reader
	color       bool
	interactive bool
	autoApprove bool
	unsubs      []func()
}

func newConsole(out io.Writer, in io.Reader, b *bus.Bus, autoApprove bool) *console {
	c := &console{out: out, in: bufio.NewReader(in), autoApprove: autoApprove}
	if f, ok := out.(*os.File); ok {
		c.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if f, ok := in.(*os.File); ok {
		c.interactive = isatty.IsTerminal(f.Fd())
	}

	c.unsubs = append(c.unsubs,
		b.Subscribe(bus.AgentTextDelta, func(ev bus.Event) { fmt.Fprint(c.out, ev.Text) }),
		b.Subscribe(bus.AgentTextDone, func(bus.Event) { fmt.Fprintln(c.out) }),
		b.Subscribe(bus.ToolExecuting, func(ev bus.Event) {
			c.notef(ansiDim, "→ %s %s", ev.ToolName, truncateLine(string(ev.Input), maxInputPreview))
		}),
		b.Subscribe(bus.ToolComplete, func(ev bus.Event) {
			if ev.IsError {
				c.notef(ansiRed, "✗ %s (%s): %s", ev.ToolName, ev.Duration.Round(time.Millisecond), firstLine(ev.Text))
				return
			}
			c.notef(ansiDim, "✓ %s (%s)", ev.ToolName, ev.Duration.Round(time.Millisecond))
		}),
		b.Subscribe(bus.ToolApprovalRequired, func(ev bus.Event) { c.decide(b, ev) }),
		b.Subscribe(bus.AgentSteering, func(ev bus.Event) {
			c.notef(ansiYellow, "steering: %s", ev.Text)
		}),
		b.Subscribe(bus.SessionContextTrimmed, func(ev bus.Event) {
			c.notef(ansiDim, "(trimmed %d old messages from context)", ev.Count)
		}),
		b.Subscribe(bus.AgentMaxTurns, func(ev bus.Event) {
			c.notef(ansiYellow, "%s", ev.Text)
		}),
		b.Subscribe(bus.AgentError, func(ev bus.Event) {
			c.notef(ansiRed, "error: %s", ev.Text)
		}),
		b.Subscribe(bus.SystemError, func(ev bus.Event) {
			c.notef(ansiRed, "internal: %s", ev.Text)
		}),
	)
	return c
}

func (c *console) close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// decide answers an approval request: auto-approve when asked to, prompt
// when a human is attached, deny otherwise.
func (c *console) decide(b *bus.Bus, ev bus.Event) {
	if c.autoApprove {
		b.Publish(bus.Event{Kind: bus.ToolApproved, ToolID: ev.ToolID})
		return
	}
	if !c.interactive {
		c.notef(ansiYellow, "denying %s: no terminal to ask (use --yes to auto-approve)", ev.ToolName)
		b.Publish(bus.Event{Kind: bus.ToolDenied, ToolID: ev.ToolID})
		return
	}

	c.notef(ansiYellow, "%s wants to run with input:", ev.ToolName)
	fmt.Fprintf(c.out, "  %s\n", truncateLine(string(ev.Input), 500))
	fmt.Fprint(c.out, "allow? [y/N] ")
	answer, err := c.in.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	if err == nil && (answer == "y" || answer == "yes") {
		b.Publish(bus.Event{Kind: bus.ToolApproved, ToolID: ev.ToolID})
		return
	}
	b.Publish(bus.Event{Kind: bus.ToolDenied, ToolID: ev.ToolID})
}

func (c *console) notef(color, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if c.color {
		fmt.Fprintf(c.out, "%s%s%s\n", color, line, ansiReset)
		return
	}
	fmt.Fprintln(c.out, line)
}

// truncateLine collapses s onto one line and caps its length.
func truncateLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
