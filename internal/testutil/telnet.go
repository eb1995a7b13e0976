// Package testutil provides helpers shared by integration tests.
package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

// TelnetClient is a line-oriented relay client for integration testing.
type TelnetClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewTelnetClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected TelnetClient or fails the test.
func NewTelnetClient(t *testing.T, addr string) *TelnetClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("client connected to %s [%s]", addr, time.Since(start))
	return &TelnetClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// LocalPort returns the client's local TCP port, which the relay uses for
// the default display name.
func (c *TelnetClient) LocalPort() int {
	return c.conn.LocalAddr().(*net.TCPAddr).Port
}

// ReadLine reads one line, without its \r\n, or fails on timeout.
func (c *TelnetClient) ReadLine(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading line: got %q, error: %v", line, err)
	}
	return strings.TrimRight(line, "\r\n")
}

// ReadUntil reads lines until one contains substr, returning that line.
//
// Precondition: substr must be non-empty.
// Postcondition: Returns the matching line, or fails on timeout.
func (c *TelnetClient) ReadUntil(substr string, timeout time.Duration) string {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		_ = c.conn.SetReadDeadline(deadline)
		line, err := c.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.Contains(line, substr) {
			return line
		}
		if line != "" {
			seen = append(seen, line)
		}
		if err != nil {
			c.t.Fatalf("reading until %q: saw %q, error: %v", substr, seen, err)
		}
	}
}

// ExpectSilence fails the test if any line arrives within d.
func (c *TelnetClient) ExpectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.reader.ReadString('\n')
	if err == nil {
		c.t.Fatalf("expected no output, got %q", line)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("expected read timeout, got %v (partial %q)", err, line)
	}
}

// ExpectClosed fails the test unless the server closes the connection within d.
func (c *TelnetClient) ExpectClosed(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	for {
		if _, err := c.reader.ReadString('\n'); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.t.Fatalf("connection still open after %s", d)
			}
			return
		}
	}
}

// Send writes a line of text to the server, appending \r\n.
//
// Precondition: text should not contain trailing newline characters.
// Postcondition: text + \r\n is written to the connection.
func (c *TelnetClient) Send(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := fmt.Fprintf(c.conn, "%s\r\n", text)
	if err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Close closes the underlying connection.
func (c *TelnetClient) Close() {
	c.conn.Close()
}
