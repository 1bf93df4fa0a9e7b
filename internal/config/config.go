// Package config holds the station configuration.
//
// Settings are resolved in three layers: the defaults in the struct tags, an
// INI file (k2craft.conf in the data directory unless another is named), and
// finally command line flags, which always win.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/ham-lab-isu/K2craft/internal/logging"
	"github.com/ham-lab-isu/K2craft/internal/mirror"
	"github.com/ham-lab-isu/K2craft/internal/panel"
	"github.com/ham-lab-isu/K2craft/internal/protocol"
	"github.com/ham-lab-isu/K2craft/internal/transport"
)

const (
	// FileName is the config file looked up in the data directory.
	FileName = "k2craft.conf"

	appDir = ".k2craft"
)

// Config is the full set of station options.
type Config struct {
	Bind        string `long:"bind" default:"0.0.0.0" description:"Interface address to listen on for controllers"`
	Port        int    `long:"port" default:"10000" description:"TCP port to listen on for controllers"`
	MaxOutbound int    `long:"maxoutbound" default:"1048576" description:"Per-connection outbound buffer limit in bytes"`
	MaxInbound  int    `long:"maxinbound" default:"65536" description:"Longest partial inbound line kept in line framing"`
	Overflow    string `long:"overflow" default:"disconnect" choice:"disconnect" choice:"drop-newest" description:"What to do when a controller falls behind"`
	Framing     string `long:"framing" default:"raw" choice:"raw" choice:"line" description:"Inbound framing: raw delivers every receive, line splits on newlines"`
	NoEcho      bool   `long:"noecho" description:"Do not echo received bytes back to the controller"`
	SendQueue   int    `long:"sendqueue" default:"256" description:"Commands that may wait for the network loop"`
	EventQueue  int    `long:"eventqueue" default:"1024" description:"Inbound events that may wait for the station"`

	DataDir  string `long:"datadir" description:"Directory for the outputs journal and config file"`
	LogDir   string `long:"logdir" description:"Directory for rotated log files; empty logs to stderr only"`
	LogLevel string `long:"loglevel" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`

	MQTTBroker   string `long:"mqttbroker" description:"MQTT broker URL to mirror telemetry to, e.g. tcp://localhost:1883"`
	MQTTTopic    string `long:"mqtttopic" default:"k2craft" description:"MQTT topic prefix"`
	MQTTClientID string `long:"mqttclientid" default:"k2craft-station" description:"MQTT client identifier"`

	InputChannels  string `long:"inputchannels" default:"1,2" description:"Comma separated input channels"`
	OutputChannels string `long:"outputchannels" default:"3" description:"Comma separated output channels"`
	Pins           int    `long:"pins" default:"16" description:"Pins per channel"`
	Latched        string `long:"latched" default:"3:9" description:"Comma separated output pins held high, as channel:pin"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.None)
	if _, err := parser.ParseArgs(nil); err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	cfg.DataDir = DefaultDataDir()
	return cfg
}

// DefaultDataDir is ~/.k2craft, or .k2craft when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appDir
	}
	return filepath.Join(home, appDir)
}

// Load returns the defaults overlaid with the INI file at path. An empty
// path means FileName in the default data directory. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.DataDir, FileName)
	}
	parser := flags.NewParser(cfg, flags.None)
	err := flags.NewIniParser(parser).ParseFile(CleanAndExpandPath(path))
	if err != nil {
		var pe *os.PathError
		if !errors.As(err, &pe) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	if cfg.LogDir != "" {
		cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	}
	return cfg, nil
}

// WriteINI writes cfg as an INI file with every option and its description.
func (c *Config) WriteINI(w io.Writer) {
	parser := flags.NewParser(c, flags.None)
	flags.NewIniParser(parser).Write(w, flags.IniIncludeComments|flags.IniIncludeDefaults|flags.IniCommentDefaults)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxOutbound <= 0 || c.MaxInbound <= 0 {
		return errors.New("config: buffer limits must be positive")
	}
	if c.SendQueue <= 0 || c.EventQueue <= 0 {
		return errors.New("config: queue depths must be positive")
	}
	switch transport.Overflow(c.Overflow) {
	case transport.OverflowDisconnect, transport.OverflowDropNewest:
	default:
		return fmt.Errorf("config: unknown overflow policy %q", c.Overflow)
	}
	if _, err := protocol.NewDecoder(protocol.Framing(c.Framing), c.MaxInbound); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Layout(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ListenAddr is the host:port controllers connect to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// TCPConfig maps the network options onto the transport.
func (c *Config) TCPConfig() transport.TCPConfig {
	return transport.TCPConfig{
		BindAddress:            c.Bind,
		Port:                   c.Port,
		MaxOutboundBufferBytes: c.MaxOutbound,
		MaxInboundBufferBytes:  c.MaxInbound,
		Overflow:               transport.Overflow(c.Overflow),
		Framing:                protocol.Framing(c.Framing),
		NoEcho:                 c.NoEcho,
		SendQueueDepth:         c.SendQueue,
		EventQueueDepth:        c.EventQueue,
	}
}

// MirrorConfig maps the MQTT options. Enabled is false without a broker.
func (c *Config) MirrorConfig() (cfg mirror.Config, enabled bool) {
	return mirror.Config{
		Broker:   c.MQTTBroker,
		Topic:    c.MQTTTopic,
		ClientID: c.MQTTClientID,
	}, c.MQTTBroker != ""
}

// Layout builds the panel layout.
func (c *Config) Layout() (panel.Layout, error) {
	in, err := panel.ParseChannels(c.InputChannels)
	if err != nil {
		return panel.Layout{}, err
	}
	out, err := panel.ParseChannels(c.OutputChannels)
	if err != nil {
		return panel.Layout{}, err
	}
	latched, err := panel.ParsePinRefs(c.Latched)
	if err != nil {
		return panel.Layout{}, err
	}
	l := panel.Layout{InputChannels: in, OutputChannels: out, Pins: c.Pins, Latched: latched}
	return l, l.Validate()
}

// CleanAndExpandPath expands environment variables and a leading ~ in path
// and cleans the result.
func CleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
