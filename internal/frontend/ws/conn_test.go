package ws

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatrelay/internal/chat/member"
)

// holdHandler hands each server-side Conn to the test and keeps the session
// open until the server stops.
type holdHandler struct {
	conns chan *Conn
}

func (h *holdHandler) HandleWebSocket(ctx context.Context, conn *Conn) error {
	h.conns <- conn
	<-ctx.Done()
	return nil
}

// stalledConn returns a server-side Conn whose client never reads.
func stalledConn(t *testing.T) *Conn {
	t.Helper()
	h := &holdHandler{conns: make(chan *Conn, 1)}
	cfg := testConfig()
	cfg.WriteTimeout = 30 * time.Second
	srv := startServer(t, cfg, h)
	_ = dial(t, srv, nil)

	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("session did not start")
		return nil
	}
}

// fillUntilBlocked writes large lines from a background goroutine until a
// write stops returning, then reports the blocked writer's result on the
// returned channel.
func fillUntilBlocked(t *testing.T, write func(string) error) <-chan error {
	t.Helper()
	line := strings.Repeat("x", 1<<20)
	progress := make(chan struct{}, 1)
	result := make(chan error, 1)
	go func() {
		for {
			if err := write(line); err != nil {
				result <- err
				return
			}
			select {
			case progress <- struct{}{}:
			default:
			}
		}
	}()

	// Socket buffers fill after a few MiB; wait until writes stop progressing.
	for {
		select {
		case <-progress:
		case <-time.After(300 * time.Millisecond):
			return result
		case err := <-result:
			t.Fatalf("writer failed before blocking: %v", err)
		}
	}
}

func TestAbortDoesNotWaitForStalledWriter(t *testing.T) {
	c := stalledConn(t)
	blocked := fillUntilBlocked(t, c.WriteLine)

	start := time.Now()
	require.NoError(t, c.Abort())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case err := <-blocked:
		assert.Error(t, err, "the stuck write fails once the connection is aborted")
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write did not return after abort")
	}

	// Close after Abort is a no-op and returns promptly.
	start = time.Now()
	_ = c.Close()
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestMemberDropOverStalledWebSocketReturnsPromptly(t *testing.T) {
	c := stalledConn(t)
	m := member.New(c, c.RemoteAddr(), 4, zaptest.NewLogger(t))

	// Lines larger than the loopback socket buffers stall the writer on the
	// first one; the rest fill the outbox.
	line := strings.Repeat("y", 8<<20)
	var deliverErr error
	for i := 0; i < 16 && deliverErr == nil; i++ {
		deliverErr = m.Deliver(line)
	}
	require.ErrorIs(t, deliverErr, member.ErrOutboxFull)
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	m.Drop(errors.New("slow peer"))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "dropping a stalled peer must not block the caller")

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after drop")
	}
}
