package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ham-lab-isu/K2craft/internal/protocol"
)

const dialTimeout = 5 * time.Second

// runController dials a station and behaves like a bench controller: every
// line received is printed, SET_OUTPUT lines are decoded, and each line read
// from in is sent back as telemetry. Exhausting in stops sending only; it
// returns when the station hangs up, a write fails, or ctx is cancelled.
func runController(ctx context.Context, addr string, in io.Reader, out io.Writer) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("controller: dial %s: %w", addr, err)
	}
	defer conn.Close()
	fmt.Fprintf(out, "connected to %s as %s\n", conn.RemoteAddr(), conn.LocalAddr())

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- receiveCommands(conn, out)
	}()

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- sendTelemetry(conn, in)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvDone:
			return err
		case err := <-sendDone:
			if err != nil {
				return err
			}
			sendDone = nil
		}
	}
}

func receiveCommands(conn net.Conn, out io.Writer) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			fmt.Fprintf(out, "< %s\n", line)
			continue
		}
		fmt.Fprintf(out, "< %s  (channel %d pin %d -> %s)\n", line, cmd.Channel, cmd.Pin, level(cmd.Value))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("controller: read: %w", err)
	}
	fmt.Fprintln(out, "station closed the connection")
	return nil
}

func sendTelemetry(conn net.Conn, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			return fmt.Errorf("controller: write: %w", err)
		}
	}
	return scanner.Err()
}
