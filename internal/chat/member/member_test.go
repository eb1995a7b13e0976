package member_test

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatrelay/internal/chat/member"
	"github.com/cory-johannsen/chatrelay/internal/chat/mocks"
)

var tcpPeer = &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5555}

func TestDefaultName(t *testing.T) {
	assert.Equal(t, "User5555", member.DefaultName("0123456789abcdef", tcpPeer))
	assert.Equal(t, "User01234567", member.DefaultName("0123456789abcdef", nil))
	assert.Equal(t, "Userabc", member.DefaultName("abc", &net.UnixAddr{Name: "sock", Net: "unix"}))
}

func TestMember_DeliversInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	gomock.InOrder(
		transport.EXPECT().WriteLine("first").Return(nil),
		transport.EXPECT().WriteLine("second").Return(nil),
		transport.EXPECT().WriteLine("third").Return(nil),
		transport.EXPECT().Close().Return(nil),
	)

	m := member.New(transport, tcpPeer, 8, zaptest.NewLogger(t))
	require.NoError(t, m.Deliver("first"))
	require.NoError(t, m.Deliver("second"))
	require.NoError(t, m.Deliver("third"))

	m.Close()
	assert.True(t, m.IsClosed())
}

func TestMember_IdentityAndName(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Close().Return(nil)

	m := member.New(transport, tcpPeer, 8, zaptest.NewLogger(t))
	defer m.Close()

	assert.NotEmpty(t, m.ID())
	assert.Equal(t, "User5555", m.Name())

	m.SetName("alice")
	assert.Equal(t, "alice", m.Name())
	assert.Contains(t, m.String(), "alice")
}

func TestMember_UniqueIDs(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := mocks.NewMockTransport(ctrl)
	b := mocks.NewMockTransport(ctrl)
	a.EXPECT().Close().Return(nil)
	b.EXPECT().Close().Return(nil)

	ma := member.New(a, tcpPeer, 1, zaptest.NewLogger(t))
	mb := member.New(b, tcpPeer, 1, zaptest.NewLogger(t))
	defer ma.Close()
	defer mb.Close()

	assert.NotEqual(t, ma.ID(), mb.ID())
}

func TestMember_DeliverAfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Close().Return(nil)

	m := member.New(transport, tcpPeer, 8, zaptest.NewLogger(t))
	m.Close()
	m.Close()

	assert.ErrorIs(t, m.Deliver("late"), member.ErrClosed)
}

func TestMember_OutboxFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	release := make(chan struct{})
	transport.EXPECT().WriteLine(gomock.Any()).DoAndReturn(func(string) error {
		<-release
		return nil
	}).AnyTimes()
	transport.EXPECT().Close().Return(nil).AnyTimes()

	m := member.New(transport, tcpPeer, 1, zaptest.NewLogger(t))

	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = m.Deliver("msg")
	}
	assert.ErrorIs(t, full, member.ErrOutboxFull)

	close(release)
	m.Drop(full)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after drop")
	}
	assert.ErrorIs(t, m.Deliver("after drop"), member.ErrClosed)
}

func TestMember_WriteErrorClosesMember(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	transport.EXPECT().WriteLine("hello").Return(errors.New("broken pipe"))
	transport.EXPECT().Close().Return(nil)

	m := member.New(transport, tcpPeer, 8, zaptest.NewLogger(t))
	require.NoError(t, m.Deliver("hello"))

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after write error")
	}
	assert.True(t, m.IsClosed())
	assert.ErrorIs(t, m.Deliver("again"), member.ErrClosed)
}

func TestMember_DropClosesTransportImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	// The writer's own Close and Drop's Close both reach the transport.
	transport.EXPECT().Close().Return(nil).MinTimes(1)

	m := member.New(transport, tcpPeer, 8, zaptest.NewLogger(t))
	m.Drop(errors.New("slow peer"))
	m.Drop(errors.New("again"))

	<-m.Done()
	assert.True(t, m.IsClosed())
}

// stallingTransport blocks every write until aborted, like a socket whose
// peer stopped reading. Close before Abort would block as well.
type stallingTransport struct {
	writing chan struct{}
	aborted chan struct{}
	once    sync.Once
	aborts  int
	mu      sync.Mutex
}

func newStallingTransport() *stallingTransport {
	return &stallingTransport{
		writing: make(chan struct{}, 1),
		aborted: make(chan struct{}),
	}
}

func (s *stallingTransport) WriteLine(string) error {
	select {
	case s.writing <- struct{}{}:
	default:
	}
	<-s.aborted
	return net.ErrClosed
}

func (s *stallingTransport) Close() error {
	<-s.aborted
	return nil
}

func (s *stallingTransport) Abort() error {
	s.mu.Lock()
	s.aborts++
	s.mu.Unlock()
	s.once.Do(func() { close(s.aborted) })
	return nil
}

func TestMember_DropAbortsStalledTransport(t *testing.T) {
	transport := newStallingTransport()
	m := member.New(transport, tcpPeer, 2, zaptest.NewLogger(t))

	require.NoError(t, m.Deliver("stuck"))
	select {
	case <-transport.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never reached the transport")
	}
	require.NoError(t, m.Deliver("queued"))

	dropped := make(chan struct{})
	go func() {
		m.Drop(errors.New("slow peer"))
		close(dropped)
	}()

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("Drop blocked on a stalled transport")
	}
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after abort")
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.aborts)
	assert.ErrorIs(t, m.Deliver("late"), member.ErrClosed)
}
