//go:generate go run go.uber.org/mock/mockgen -source=member.go -destination=../mocks/mock_transport.go -package=mocks

// Package member models one connected chat client: its identity, display
// name and a bounded outbound queue drained by a single writer goroutine.
package member

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Deliver once the member has been closed or dropped.
	ErrClosed = errors.New("member closed")
	// ErrOutboxFull is returned by Deliver when the member is not draining its
	// queue fast enough.
	ErrOutboxFull = errors.New("member outbox full")
)

// DefaultOutboxSize is used when a non-positive outbox size is requested.
const DefaultOutboxSize = 64

// Transport is the outbound half of a client connection.
type Transport interface {
	WriteLine(text string) error
	Close() error
}

// Aborter is implemented by transports whose Close can block, for example
// to send a goodbye frame. Abort must close without waiting on writes.
type Aborter interface {
	Abort() error
}

// Member is a connected client as seen by rooms. Deliver never blocks;
// lines are written to the transport in the order they were accepted.
// All methods are safe for concurrent use.
type Member struct {
	id        string
	transport Transport
	logger    *zap.Logger

	mu     sync.RWMutex
	name   string
	closed bool
	outbox chan string

	writerDone chan struct{}
}

// New creates a Member and starts its writer goroutine.
//
// Precondition: transport and logger must be non-nil.
// Postcondition: Returns a Member whose default name is derived from remote.
func New(transport Transport, remote net.Addr, outboxSize int, logger *zap.Logger) *Member {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	id := uuid.NewString()
	m := &Member{
		id:         id,
		transport:  transport,
		name:       DefaultName(id, remote),
		outbox:     make(chan string, outboxSize),
		writerDone: make(chan struct{}),
	}
	m.logger = logger.With(zap.String("member_id", id))
	go m.run()
	return m
}

// DefaultName returns "User<port>" for TCP peers, or "User<id prefix>" when
// the remote address carries no port.
func DefaultName(id string, remote net.Addr) string {
	if remote != nil {
		if _, port, err := net.SplitHostPort(remote.String()); err == nil && port != "" {
			return "User" + port
		}
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return "User" + id
}

// ID returns the member's stable identity.
func (m *Member) ID() string {
	return m.id
}

// Name returns the current display name.
func (m *Member) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// SetName changes the display name.
func (m *Member) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

// Deliver queues a line for the member.
//
// Postcondition: Returns nil if the line was queued, ErrClosed if the member
// is closed, or ErrOutboxFull if the queue is at capacity.
func (m *Member) Deliver(line string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	select {
	case m.outbox <- line:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops accepting lines, waits for the writer to flush what is already
// queued, then closes the transport. Safe to call more than once.
func (m *Member) Close() {
	m.shutdown()
	<-m.writerDone
}

// Drop abandons the member: queued lines are discarded and the transport is
// closed immediately, which also ends the member's read loop. It does not
// wait for the writer, and uses Abort when the transport offers it, so it is
// safe to call from another member's broadcast.
func (m *Member) Drop(reason error) {
	if m.shutdown() {
		m.logger.Info("dropping member", zap.String("name", m.Name()), zap.Error(reason))
	}
	if a, ok := m.transport.(Aborter); ok {
		_ = a.Abort()
		return
	}
	_ = m.transport.Close()
}

// Done is closed once the writer goroutine has exited.
func (m *Member) Done() <-chan struct{} {
	return m.writerDone
}

// IsClosed reports whether the member stopped accepting lines.
func (m *Member) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// shutdown marks the member closed and closes the outbox. Returns true for
// the call that performed the transition.
func (m *Member) shutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	close(m.outbox)
	return true
}

func (m *Member) run() {
	defer close(m.writerDone)
	defer m.transport.Close()

	for line := range m.outbox {
		if err := m.transport.WriteLine(line); err != nil {
			m.logger.Debug("write failed", zap.Error(fmt.Errorf("writing to member: %w", err)))
			m.shutdown()
			return
		}
	}
}

// String implements fmt.Stringer for log fields.
func (m *Member) String() string {
	return fmt.Sprintf("%s(%s)", m.Name(), m.id)
}
