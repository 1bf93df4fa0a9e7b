package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"

	"github.com/ham-lab-isu/K2craft/internal/panel"
	"github.com/ham-lab-isu/K2craft/internal/station"
)

const consoleHelp = `commands:
  set <channel> <pin> <0|1>   drive an output pin
  toggle <channel> <pin>      flip an output pin
  send <text>                 send raw text to every controller
  replay                      re-send latched and commanded outputs
  outputs                     list output pins
  telemetry [n]               show the last n telemetry messages
  status                      connection summary
  dump                        transport counters and peers in detail
  help                        this text
  quit                        stop the station`

var errQuit = errors.New("quit")

// console reads operator commands from r until EOF or quit.
func (a *app) console(r io.Reader, w io.Writer) {
	fmt.Fprint(w, "> ")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if err := a.exec(line, w); errors.Is(err, errQuit) {
				return
			} else if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}
		fmt.Fprint(w, "> ")
	}
}

func (a *app) exec(line string, w io.Writer) error {
	parts := strings.Fields(line)
	switch parts[0] {
	case "set":
		if len(parts) != 4 {
			return errors.New("usage: set <channel> <pin> <0|1>")
		}
		ch, pin, err := parsePin(parts[1], parts[2])
		if err != nil {
			return err
		}
		var on bool
		switch parts[3] {
		case "0":
		case "1":
			on = true
		default:
			return errors.New("value must be 0 or 1")
		}
		err = a.panel.Set(ch, pin, on, panel.SourceConsole)
		if errors.Is(err, station.ErrNoActiveConnection) {
			fmt.Fprintf(w, "%d:%d now %s (not sent: no controller connected)\n", ch, pin, level(on))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "✓ %d:%d %s\n", ch, pin, level(on))

	case "toggle":
		if len(parts) != 3 {
			return errors.New("usage: toggle <channel> <pin>")
		}
		ch, pin, err := parsePin(parts[1], parts[2])
		if err != nil {
			return err
		}
		on, err := a.panel.Toggle(ch, pin)
		if errors.Is(err, station.ErrNoActiveConnection) {
			fmt.Fprintf(w, "%d:%d now %s (not sent: no controller connected)\n", ch, pin, level(on))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "✓ %d:%d %s\n", ch, pin, level(on))

	case "send":
		text := strings.TrimSpace(strings.TrimPrefix(line, "send"))
		if text == "" {
			return errors.New("usage: send <text>")
		}
		if err := a.station.Send(text + "\n"); err != nil {
			return err
		}
		fmt.Fprintln(w, "✓ queued")

	case "replay":
		if err := a.panel.Replay(); err != nil {
			return err
		}
		fmt.Fprintln(w, "✓ replayed")

	case "outputs":
		for _, o := range a.panel.Outputs() {
			note := ""
			switch {
			case o.Latched:
				note = "latched"
			case o.Commanded:
				note = "since " + o.Changed.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "  %-6s %-4s %s\n", o.PinRef, level(o.On), note)
		}

	case "telemetry":
		n := 10
		if len(parts) > 1 {
			v, err := strconv.Atoi(parts[1])
			if err != nil || v <= 0 {
				return errors.New("usage: telemetry [n]")
			}
			n = v
		}
		for _, t := range a.panel.Telemetry(n) {
			fmt.Fprintf(w, "  %s %s\n", t.At.Format("15:04:05.000"), strings.TrimRight(t.Text, "\r\n"))
		}

	case "status":
		s := a.tr.Stats()
		fmt.Fprintf(w, "connected: %v\n", a.station.IsConnected())
		fmt.Fprintf(w, "peers:     %d\n", s.Peers)
		for _, p := range a.station.Peers() {
			fmt.Fprintf(w, "  %s\n", p)
		}
		fmt.Fprintf(w, "bytes:     %d in, %d out\n", s.BytesIn, s.BytesOut)

	case "dump":
		spew.Fdump(w, a.tr.Stats(), a.tr.Peers())

	case "help":
		fmt.Fprintln(w, consoleHelp)

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try help)", parts[0])
	}
	return nil
}

func parsePin(ch, pin string) (int, int, error) {
	c, err := strconv.Atoi(ch)
	if err != nil {
		return 0, 0, fmt.Errorf("bad channel %q", ch)
	}
	p, err := strconv.Atoi(pin)
	if err != nil {
		return 0, 0, fmt.Errorf("bad pin %q", pin)
	}
	return c, p, nil
}

func level(on bool) string {
	if on {
		return "high"
	}
	return "low"
}
