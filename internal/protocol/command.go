// Package protocol defines the K2craft control-channel wire format.
//
// Outbound traffic is one command per line:
//
//	SET_OUTPUT:<channel>:<pin>:<value>\n
//
// where channel and pin are positive decimal integers and value is 0 or 1.
// Field values are digits only, so no escaping exists.
//
// Inbound traffic from the controller is opaque text. A Decoder turns the
// bytes accumulated from a connection into messages for the application; it
// never fails, and malformed text is passed through unchanged.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// CommandSetOutput is the only command verb on the wire.
	CommandSetOutput = "SET_OUTPUT"

	fieldSep = ":"
	lineEnd  = "\n"
)

// ErrInvalidCommand is returned for commands that cannot be encoded or parsed.
var ErrInvalidCommand = errors.New("protocol: invalid command")

// Command drives one discrete output pin on the controller.
type Command struct {
	Channel int
	Pin     int
	Value   bool
}

// Validate reports whether c can be put on the wire.
func (c Command) Validate() error {
	if c.Channel <= 0 {
		return fmt.Errorf("%w: channel %d must be positive", ErrInvalidCommand, c.Channel)
	}
	if c.Pin <= 0 {
		return fmt.Errorf("%w: pin %d must be positive", ErrInvalidCommand, c.Pin)
	}
	return nil
}

// String returns the command line without the trailing newline.
func (c Command) String() string {
	v := "0"
	if c.Value {
		v = "1"
	}
	return CommandSetOutput + fieldSep + strconv.Itoa(c.Channel) + fieldSep + strconv.Itoa(c.Pin) + fieldSep + v
}

// Encode returns the newline-terminated wire form of c.
func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []byte(c.String() + lineEnd), nil
}

// ParseCommand parses one command line. A trailing "\n" or "\r\n" is allowed.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, fieldSep)
	if len(parts) != 4 || parts[0] != CommandSetOutput {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}
	ch, err := strconv.Atoi(parts[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: channel %q", ErrInvalidCommand, parts[1])
	}
	pin, err := strconv.Atoi(parts[2])
	if err != nil {
		return Command{}, fmt.Errorf("%w: pin %q", ErrInvalidCommand, parts[2])
	}
	var value bool
	switch parts[3] {
	case "0":
	case "1":
		value = true
	default:
		return Command{}, fmt.Errorf("%w: value %q must be 0 or 1", ErrInvalidCommand, parts[3])
	}
	c := Command{Channel: ch, Pin: pin, Value: value}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}
