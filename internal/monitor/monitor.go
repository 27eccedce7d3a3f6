// Package monitor implements the JSON monitor protocol client (spec §4.4):
// a newline-delimited JSON request/response channel to the emulator's Unix
// control socket. Framing is grounded on the teacher's
// internal/vmm.NetControlChannel (bufio.Scanner over a stream conn, deadline
// propagation per call, '\n'-delimited messages) generalized from a
// TCP/vsock guest-harness channel to a Unix-socket emulator monitor.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/qemud/qemud/internal/qerrors"
)

const maxLineSize = 1024 * 1024

// Client speaks the greeting → capabilities-handshake → execute/return
// request/response protocol over a connected Unix socket.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects to the Unix socket at path, reads the greeting line, and
// performs the capabilities handshake. The whole sequence must complete
// within connectTimeout.
func Dial(ctx context.Context, socketPath string, connectTimeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", socketPath)
	if err != nil {
		return nil, qerrors.Monitor(fmt.Sprintf("connect to monitor socket %s", socketPath), err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	c := &Client{conn: conn, scanner: scanner}

	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := c.readLine(); err != nil { // greeting
		conn.Close()
		return nil, qerrors.Monitor("read monitor greeting", err)
	}

	if err := c.writeLine([]byte(`{"execute":"qmp_capabilities"}`)); err != nil {
		conn.Close()
		return nil, qerrors.Monitor("send capabilities handshake", err)
	}
	if _, err := c.awaitReturn(); err != nil {
		conn.Close()
		return nil, qerrors.Monitor("capabilities handshake", err)
	}
	conn.SetDeadline(time.Time{})

	return c, nil
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends {"execute": cmd} (optionally with args merged in) and waits
// for the correlated return, tolerating any number of event lines first.
func (c *Client) Execute(ctx context.Context, cmd string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	req := map[string]any{"execute": cmd}
	if len(args) > 0 {
		req["arguments"] = args
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, qerrors.Monitor("marshal monitor command", err)
	}
	if err := c.writeLine(payload); err != nil {
		return nil, qerrors.Monitor(fmt.Sprintf("send command %q", cmd), err)
	}
	ret, err := c.awaitReturn()
	if err != nil {
		return nil, qerrors.Monitor(fmt.Sprintf("command %q", cmd), err)
	}
	return ret, nil
}

// Shutdown issues an ACPI-soft power-off request. The emulator may close
// the socket after emitting a SHUTDOWN event and before writing an explicit
// return — that sequence is treated as success, per spec §4.4.
func (c *Client) Shutdown(ctx context.Context, timeout time.Duration) error {
	return c.executeTolerant(ctx, "system_powerdown", timeout)
}

// Reset issues a hard reset, tolerating the same event-then-close sequence.
func (c *Client) Reset(ctx context.Context, timeout time.Duration) error {
	return c.executeTolerant(ctx, "system_reset", timeout)
}

// Quit forces the emulator to exit immediately.
func (c *Client) Quit(ctx context.Context, timeout time.Duration) error {
	return c.executeTolerant(ctx, "quit", timeout)
}

// executeTolerant sends cmd and awaits its return, but treats the
// connection closing after at least one event line (no explicit return
// ever arriving) as success rather than failure.
func (c *Client) executeTolerant(ctx context.Context, cmd string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	payload, err := json.Marshal(map[string]any{"execute": cmd})
	if err != nil {
		return qerrors.Monitor("marshal monitor command", err)
	}
	if err := c.writeLine(payload); err != nil {
		return qerrors.Monitor(fmt.Sprintf("send command %q", cmd), err)
	}

	sawEvent := false
	for {
		line, readErr := c.readLine()
		if readErr != nil {
			if sawEvent {
				return nil
			}
			return qerrors.Monitor(fmt.Sprintf("command %q", cmd), readErr)
		}
		var envelope struct {
			Return json.RawMessage `json:"return"`
			Error  json.RawMessage `json:"error"`
			Event  json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			return qerrors.Monitor(fmt.Sprintf("command %q", cmd), fmt.Errorf("malformed monitor line: %w", err))
		}
		if envelope.Error != nil {
			return qerrors.Monitor(fmt.Sprintf("command %q", cmd), fmt.Errorf("monitor error: %s", envelope.Error))
		}
		if envelope.Return != nil {
			return nil
		}
		if envelope.Event != nil {
			sawEvent = true
		}
	}
}

// awaitReturn reads lines until it sees {"return":...} or {"error":...},
// skipping any number of {"event":...} lines in between (spec §4.4 point 3).
func (c *Client) awaitReturn() (json.RawMessage, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		var envelope struct {
			Return json.RawMessage `json:"return"`
			Error  json.RawMessage `json:"error"`
			Event  json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			return nil, fmt.Errorf("malformed monitor line: %w", err)
		}
		if envelope.Error != nil {
			return nil, fmt.Errorf("monitor command failed: %s", envelope.Error)
		}
		if envelope.Return != nil {
			return envelope.Return, nil
		}
		// Event-only line: keep reading for the correlated return.
	}
}

func (c *Client) readLine() ([]byte, error) {
	if c.scanner.Scan() {
		line := c.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("monitor connection closed")
}

func (c *Client) writeLine(msg []byte) error {
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := c.conn.Write(msg)
	return err
}
