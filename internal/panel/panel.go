// Package panel models the operator's I/O panel: which pins are inputs and
// which are outputs, the state last commanded for every output, the latched
// outputs that are held high, and the most recent telemetry.
//
// The panel remembers what the operator asked for even when no controller is
// connected, and replays it when one connects.
package panel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ham-lab-isu/K2craft/internal/logging"
	"github.com/ham-lab-isu/K2craft/internal/mirror"
	"github.com/ham-lab-isu/K2craft/internal/outputs"
)

var log = logging.Disabled()

// UseLogger sets the logger used by the package.
func UseLogger(logger *slog.Logger) {
	log = logger
}

const defaultTelemetryDepth = 200

// Sources recorded in the outputs journal.
const (
	SourcePanel   = "panel"
	SourceConsole = "console"
	SourceLatch   = "latch"
)

var (
	ErrUnknownPin = errors.New("panel: no such pin")
	ErrInputPin   = errors.New("panel: pin is an input")
	ErrLatched    = errors.New("panel: pin is latched high")
)

// Sender delivers output commands to the controller. *station.Station
// implements it.
type Sender interface {
	SetOutput(channel, pin int, on bool) error
	IsConnected() bool
}

// Journal persists commanded output states. *outputs.Store implements it.
type Journal interface {
	Record(outputs.PinState) (bool, error)
	All() ([]outputs.PinState, error)
}

// Config configures a Panel. Journal and Mirror are optional.
type Config struct {
	Layout         Layout
	Sender         Sender
	Journal        Journal
	Mirror         mirror.Publisher
	TelemetryDepth int
}

// Output is the panel's view of one output pin.
type Output struct {
	PinRef
	On        bool
	Latched   bool
	Commanded bool      // set by the operator or restored from the journal
	Changed   time.Time // zero until commanded
}

// Telemetry is one message received from a controller.
type Telemetry struct {
	At   time.Time
	Text string
}

// Panel is safe for concurrent use.
type Panel struct {
	layout  Layout
	sender  Sender
	journal Journal
	mirror  mirror.Publisher
	now     func() time.Time

	// sendMu orders state changes on the wire. It is taken before mu.
	sendMu sync.Mutex

	mu        sync.Mutex
	outputs   map[PinRef]*Output
	telemetry []Telemetry // ring, oldest at head
	head      int
	depth     int
}

// New builds a Panel and restores remembered output states from the journal.
func New(cfg Config) (*Panel, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sender == nil {
		return nil, errors.New("panel: no sender")
	}
	if cfg.Mirror == nil {
		cfg.Mirror = mirror.Nop{}
	}
	if cfg.TelemetryDepth <= 0 {
		cfg.TelemetryDepth = defaultTelemetryDepth
	}
	p := &Panel{
		layout:  cfg.Layout,
		sender:  cfg.Sender,
		journal: cfg.Journal,
		mirror:  cfg.Mirror,
		now:     time.Now,
		outputs: make(map[PinRef]*Output),
		depth:   cfg.TelemetryDepth,
	}
	for _, ref := range cfg.Layout.outputRefs() {
		latched := cfg.Layout.isLatched(ref)
		p.outputs[ref] = &Output{PinRef: ref, On: latched, Latched: latched}
	}
	if err := p.restore(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Panel) restore() error {
	if p.journal == nil {
		return nil
	}
	states, err := p.journal.All()
	if err != nil {
		return fmt.Errorf("panel: restore outputs: %w", err)
	}
	for _, st := range states {
		o, ok := p.outputs[PinRef{Channel: st.Channel, Pin: st.Pin}]
		if !ok || o.Latched {
			continue
		}
		o.On, o.Commanded, o.Changed = st.Value, true, st.Timestamp
	}
	log.Debug("panel: restored outputs", "records", len(states))
	return nil
}

// Layout returns the board layout.
func (p *Panel) Layout() Layout { return p.layout }

// Connected reports the controller connectivity of the sender.
func (p *Panel) Connected() bool { return p.sender.IsConnected() }

// Toggle flips an output pin and sends the new state. The new state is
// remembered even when sending fails; the send error is returned alongside.
func (p *Panel) Toggle(channel, pin int) (bool, error) {
	ref := PinRef{Channel: channel, Pin: pin}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.mu.Lock()
	o, err := p.writableLocked(ref)
	if err != nil {
		p.mu.Unlock()
		return false, err
	}
	on := !o.On
	p.commitLocked(o, on)
	p.mu.Unlock()

	return on, p.apply(ref, on, SourcePanel)
}

// Set drives an output pin to on. Latched pins accept only on.
func (p *Panel) Set(channel, pin int, on bool, source string) error {
	ref := PinRef{Channel: channel, Pin: pin}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.mu.Lock()
	o, err := p.pinLocked(ref)
	if err == nil && o.Latched && !on {
		err = fmt.Errorf("%w: %s", ErrLatched, ref)
	}
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !o.Latched {
		p.commitLocked(o, on)
	}
	p.mu.Unlock()

	return p.apply(ref, on, source)
}

// AssertLatched sends the high state of every latched pin.
func (p *Panel) AssertLatched() error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	var first error
	for _, ref := range p.layout.Latched {
		if err := p.send(ref, true); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Replay re-sends every latched pin and every commanded output. It is run
// when a controller connects so that it matches the panel. Toggle and Set
// wait for a replay in progress, so the last state sent for a pin is the
// state the panel shows.
func (p *Panel) Replay() error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	var first error
	for _, o := range p.Outputs() {
		if !o.Latched && !o.Commanded {
			continue
		}
		if err := p.send(o.PinRef, o.On); err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		log.Info("panel: output states replayed")
	}
	return first
}

// Receive records one telemetry message.
func (p *Panel) Receive(text string) {
	t := Telemetry{At: p.now(), Text: text}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.telemetry) < p.depth {
		p.telemetry = append(p.telemetry, t)
		return
	}
	p.telemetry[p.head] = t
	p.head = (p.head + 1) % p.depth
}

// Telemetry returns up to n of the most recent messages, oldest first. n <= 0
// returns everything kept.
func (p *Panel) Telemetry(n int) []Telemetry {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.telemetry)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Telemetry, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, p.telemetry[(p.head+i)%total])
	}
	return out
}

// Outputs returns every output pin ordered by channel then pin.
func (p *Panel) Outputs() []Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	refs := p.layout.outputRefs()
	out := make([]Output, 0, len(refs))
	for _, ref := range refs {
		out = append(out, *p.outputs[ref])
	}
	return out
}

// Output returns one output pin.
func (p *Panel) Output(channel, pin int) (Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.pinLocked(PinRef{Channel: channel, Pin: pin})
	if err != nil {
		return Output{}, err
	}
	return *o, nil
}

func (p *Panel) pinLocked(ref PinRef) (*Output, error) {
	switch p.layout.Kind(ref) {
	case PinInput:
		return nil, fmt.Errorf("%w: %s", ErrInputPin, ref)
	case PinOutput:
		return p.outputs[ref], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPin, ref)
	}
}

func (p *Panel) writableLocked(ref PinRef) (*Output, error) {
	o, err := p.pinLocked(ref)
	if err != nil {
		return nil, err
	}
	if o.Latched {
		return nil, fmt.Errorf("%w: %s", ErrLatched, ref)
	}
	return o, nil
}

func (p *Panel) commitLocked(o *Output, on bool) {
	o.On, o.Commanded, o.Changed = on, true, p.now()
}

// apply journals and mirrors a commanded state, then sends it.
func (p *Panel) apply(ref PinRef, on bool, source string) error {
	if p.journal != nil {
		st := outputs.PinState{Channel: ref.Channel, Pin: ref.Pin, Value: on, Timestamp: p.now(), Source: source}
		if _, err := p.journal.Record(st); err != nil {
			log.Warn("panel: journal output", "pin", ref.String(), "err", err)
		}
	}
	if err := p.mirror.Output(ref.Channel, ref.Pin, on); err != nil {
		log.Warn("panel: mirror output", "pin", ref.String(), "err", err)
	}
	return p.send(ref, on)
}

func (p *Panel) send(ref PinRef, on bool) error {
	if err := p.sender.SetOutput(ref.Channel, ref.Pin, on); err != nil {
		log.Debug("panel: output not sent", "pin", ref.String(), "on", on, "err", err)
		return err
	}
	log.Info("panel: output sent", "pin", ref.String(), "on", on)
	return nil
}
