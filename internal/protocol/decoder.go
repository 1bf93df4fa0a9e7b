package protocol

import (
	"bytes"
	"fmt"
)

// Framing selects how inbound bytes are split into messages.
type Framing string

const (
	// FramingRaw treats every receive as one message, verbatim.
	FramingRaw Framing = "raw"
	// FramingLine splits on '\n' and strips the line terminator.
	FramingLine Framing = "line"
)

// DefaultMaxLine bounds a partial line held by a LineDecoder.
const DefaultMaxLine = 64 * 1024

// Decoder extracts complete messages from the bytes buffered for one
// connection. It returns the messages and the unconsumed remainder, which
// the caller keeps and prepends to the next read.
type Decoder interface {
	Decode(buf []byte) (msgs [][]byte, rest []byte)
}

// NewDecoder returns the decoder for f. maxLine only applies to FramingLine;
// zero selects DefaultMaxLine.
func NewDecoder(f Framing, maxLine int) (Decoder, error) {
	switch f {
	case FramingRaw, "":
		return RawDecoder{}, nil
	case FramingLine:
		if maxLine <= 0 {
			maxLine = DefaultMaxLine
		}
		return LineDecoder{MaxLine: maxLine}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown framing %q", f)
	}
}

// RawDecoder passes each buffer through as a single message.
type RawDecoder struct{}

func (RawDecoder) Decode(buf []byte) ([][]byte, []byte) {
	if len(buf) == 0 {
		return nil, nil
	}
	msg := make([]byte, len(buf))
	copy(msg, buf)
	return [][]byte{msg}, nil
}

// LineDecoder yields one message per newline-terminated line with "\n" or
// "\r\n" stripped. A partial line longer than MaxLine is flushed unchanged
// so a peer that never sends a newline cannot grow the buffer without bound.
type LineDecoder struct {
	MaxLine int
}

func (d LineDecoder) Decode(buf []byte) ([][]byte, []byte) {
	var msgs [][]byte
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(buf[:i], []byte{'\r'})
		msg := make([]byte, len(line))
		copy(msg, line)
		msgs = append(msgs, msg)
		buf = buf[i+1:]
	}
	if d.MaxLine > 0 && len(buf) > d.MaxLine {
		msg := make([]byte, len(buf))
		copy(msg, buf)
		msgs = append(msgs, msg)
		buf = nil
	}
	if len(buf) == 0 {
		return msgs, nil
	}
	rest := make([]byte, len(buf))
	copy(rest, buf)
	return msgs, rest
}
