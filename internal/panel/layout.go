package panel

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PinRef names one pin on one channel.
type PinRef struct {
	Channel int
	Pin     int
}

func (r PinRef) String() string {
	return strconv.Itoa(r.Channel) + ":" + strconv.Itoa(r.Pin)
}

// ParsePinRef parses "<channel>:<pin>".
func ParsePinRef(s string) (PinRef, error) {
	ch, pin, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return PinRef{}, fmt.Errorf("panel: pin %q: want <channel>:<pin>", s)
	}
	c, err := strconv.Atoi(ch)
	if err != nil || c <= 0 {
		return PinRef{}, fmt.Errorf("panel: pin %q: bad channel", s)
	}
	p, err := strconv.Atoi(pin)
	if err != nil || p <= 0 {
		return PinRef{}, fmt.Errorf("panel: pin %q: bad pin", s)
	}
	return PinRef{Channel: c, Pin: p}, nil
}

// ParsePinRefs parses a comma separated list of pins. Empty input gives nil.
func ParsePinRefs(s string) ([]PinRef, error) {
	var out []PinRef
	for _, f := range splitList(s) {
		r, err := ParsePinRef(f)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseChannels parses a comma separated list of channel numbers.
func ParseChannels(s string) ([]int, error) {
	var out []int
	for _, f := range splitList(s) {
		c, err := strconv.Atoi(f)
		if err != nil || c <= 0 {
			return nil, fmt.Errorf("panel: bad channel %q", f)
		}
		out = append(out, c)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Layout describes the channels of the I/O board.
type Layout struct {
	InputChannels  []int
	OutputChannels []int
	Pins           int      // pins per channel, numbered from 1
	Latched        []PinRef // output pins held high and never toggled
}

// DefaultLayout is the bench board: inputs on channels 1 and 2, outputs on
// channel 3, sixteen pins each, and output 3:9 held high.
func DefaultLayout() Layout {
	return Layout{
		InputChannels:  []int{1, 2},
		OutputChannels: []int{3},
		Pins:           16,
		Latched:        []PinRef{{Channel: 3, Pin: 9}},
	}
}

// Validate checks that channels are distinct and latched pins are outputs.
func (l Layout) Validate() error {
	if l.Pins <= 0 {
		return errors.New("panel: layout needs at least one pin per channel")
	}
	if len(l.OutputChannels) == 0 {
		return errors.New("panel: layout has no output channels")
	}
	seen := make(map[int]string)
	for _, c := range l.InputChannels {
		if c <= 0 {
			return fmt.Errorf("panel: bad input channel %d", c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("panel: channel %d listed twice", c)
		}
		seen[c] = "input"
	}
	for _, c := range l.OutputChannels {
		if c <= 0 {
			return fmt.Errorf("panel: bad output channel %d", c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("panel: channel %d listed twice", c)
		}
		seen[c] = "output"
	}
	for _, r := range l.Latched {
		if seen[r.Channel] != "output" {
			return fmt.Errorf("panel: latched pin %s is not on an output channel", r)
		}
		if r.Pin <= 0 || r.Pin > l.Pins {
			return fmt.Errorf("panel: latched pin %s out of range", r)
		}
	}
	return nil
}

// Kind reports whether ref is an input, an output or not on the board.
func (l Layout) Kind(ref PinRef) PinKind {
	if ref.Pin <= 0 || ref.Pin > l.Pins {
		return PinUnknown
	}
	for _, c := range l.InputChannels {
		if c == ref.Channel {
			return PinInput
		}
	}
	for _, c := range l.OutputChannels {
		if c == ref.Channel {
			return PinOutput
		}
	}
	return PinUnknown
}

func (l Layout) isLatched(ref PinRef) bool {
	for _, r := range l.Latched {
		if r == ref {
			return true
		}
	}
	return false
}

// outputRefs lists every output pin ordered by channel then pin.
func (l Layout) outputRefs() []PinRef {
	chans := append([]int(nil), l.OutputChannels...)
	sort.Ints(chans)
	out := make([]PinRef, 0, len(chans)*l.Pins)
	for _, c := range chans {
		for p := 1; p <= l.Pins; p++ {
			out = append(out, PinRef{Channel: c, Pin: p})
		}
	}
	return out
}

// PinKind classifies a pin.
type PinKind uint8

const (
	PinUnknown PinKind = iota
	PinInput
	PinOutput
)
