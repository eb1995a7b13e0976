package telnet

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Telnet IAC (Interpret As Command) constants per RFC 854.
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Sub-negotiation Begin
	SE   byte = 240 // Sub-negotiation End
	NOP  byte = 241

	OptSuppressGoAhead byte = 3
)

// DefaultMaxLineLength bounds a single input line when no limit is configured.
const DefaultMaxLineLength = 4096

// ErrLineTooLong is returned by ReadLine when a client sends more than the
// configured number of bytes without a line terminator.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Conn wraps a TCP connection with line framing.
// It filters telnet IAC sequences from input so both raw line clients and
// telnet clients can talk to the relay.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout   time.Duration
	writeTimeout  time.Duration
	maxLineLength int
	// afterCR is set when a line ended on \r with nothing buffered behind it.
	afterCR bool

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a raw TCP connection with line framing.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing. A maxLineLength
// of zero or less selects DefaultMaxLineLength.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration, maxLineLength int) *Conn {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &Conn{
		raw:           raw,
		reader:        bufio.NewReaderSize(raw, 4096),
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
		maxLineLength: maxLineLength,
	}
}

// Negotiate sends initial telnet option negotiations, asking the client to
// suppress go-ahead.
//
// Postcondition: Negotiation bytes are written to the connection.
func (c *Conn) Negotiate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armWriteDeadline()
	_, err := c.raw.Write([]byte{IAC, WILL, OptSuppressGoAhead})
	return err
}

// ReadLine reads a single line of input, filtering telnet IAC sequences.
// The returned line does not include the trailing \r\n.
//
// Postcondition: Returns the next line of text input, or an error (including
// io.EOF and ErrLineTooLong).
func (c *Conn) ReadLine() (string, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var line bytes.Buffer
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return line.String(), err
		}

		if b == IAC {
			if err := c.handleIAC(); err != nil {
				return line.String(), err
			}
			continue
		}

		if b == '\n' {
			if c.afterCR && line.Len() == 0 {
				// Second half of a \r\n split across reads.
				c.afterCR = false
				continue
			}
			c.afterCR = false
			break
		}
		c.afterCR = false
		if b == '\r' {
			if c.reader.Buffered() > 0 {
				if next, _ := c.reader.Peek(1); next[0] == '\n' {
					_, _ = c.reader.ReadByte()
				}
			} else {
				c.afterCR = true
			}
			break
		}

		// Filter control characters except tab
		if b < 32 && b != '\t' {
			continue
		}

		if line.Len() >= c.maxLineLength {
			return "", fmt.Errorf("reading line from %s: %w", c.raw.RemoteAddr(), ErrLineTooLong)
		}
		line.WriteByte(b)
	}

	return line.String(), nil
}

// handleIAC processes a telnet IAC sequence after the initial IAC byte
// has been read.
func (c *Conn) handleIAC() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}

	switch cmd {
	case WILL, WONT, DO, DONT:
		_, err := c.reader.ReadByte()
		return err
	case SB:
		// Sub-negotiation: read until IAC SE
		for {
			b, err := c.reader.ReadByte()
			if err != nil {
				return err
			}
			if b == IAC {
				next, err := c.reader.ReadByte()
				if err != nil {
					return err
				}
				if next == SE {
					return nil
				}
			}
		}
	default:
		// Escaped IAC, NOP, GA and friends carry no text.
	}
	return nil
}

// WriteLine sends a line of text followed by \r\n to the client.
// Concurrent callers are serialized so lines never interleave.
//
// Precondition: text should not contain trailing newline characters.
// Postcondition: text + \r\n is written to the connection.
func (c *Conn) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armWriteDeadline()
	_, err := fmt.Fprintf(c.raw, "%s\r\n", text)
	return err
}

func (c *Conn) armWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close closes the underlying TCP connection. It is safe to call more than
// once; later calls return the result of the first.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
