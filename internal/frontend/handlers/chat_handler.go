// Package handlers provides the per-connection session handler for the chat
// relay's line protocol. The same handler serves telnet and WebSocket clients,
// so both share rooms.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/chat/command"
	"github.com/cory-johannsen/chatrelay/internal/chat/member"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
	"github.com/cory-johannsen/chatrelay/internal/config"
	"github.com/cory-johannsen/chatrelay/internal/frontend/telnet"
	"github.com/cory-johannsen/chatrelay/internal/frontend/ws"
	"github.com/cory-johannsen/chatrelay/internal/scripting"
)

// Notices sent to the client.
const (
	NoticeNotInRoom = "You are not in a chat room."
	NoticeNameUsage = "Usage: NAME <name>"
	NoticeJoinUsage = "Usage: JOIN <room>"
)

// LineConn is a line-oriented duplex transport for one client.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(text string) error
	Close() error
	RemoteAddr() net.Addr
}

// ChatHandler runs the relay command loop for each connection.
// It is shared by all connections; per-connection state lives in a session.
type ChatHandler struct {
	registry *room.Registry
	filter   *scripting.Filter
	cfg      config.ChatConfig
	logger   *zap.Logger
}

// NewChatHandler creates a ChatHandler.
//
// Precondition: registry and logger must be non-nil; filter may be nil.
func NewChatHandler(registry *room.Registry, filter *scripting.Filter, cfg config.ChatConfig, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		filter:   filter,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleSession implements telnet.SessionHandler.
func (h *ChatHandler) HandleSession(ctx context.Context, conn *telnet.Conn) error {
	return h.Serve(ctx, conn)
}

// HandleWebSocket implements ws.SessionHandler.
func (h *ChatHandler) HandleWebSocket(ctx context.Context, conn *ws.Conn) error {
	return h.Serve(ctx, conn)
}

// Serve runs the command loop for conn until the client leaves, the
// connection fails, or ctx is cancelled.
//
// Postcondition: The session's member has left its room and been closed.
// Returns nil on LEAVE or a clean EOF.
func (h *ChatHandler) Serve(ctx context.Context, conn LineConn) error {
	start := time.Now()
	m := member.New(conn, conn.RemoteAddr(), h.cfg.OutboxSize, h.logger)
	s := &session{
		handler: h,
		member:  m,
		logger: h.logger.With(
			zap.String("member_id", m.ID()),
			zap.String("remote_addr", remoteString(conn.RemoteAddr())),
		),
	}
	defer func() {
		s.disconnect()
		s.logger.Info("session closed",
			zap.String("name", m.Name()),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	// Shutdown closes the transport, which unblocks ReadLine below.
	stop := context.AfterFunc(ctx, func() {
		m.Drop(ctx.Err())
	})
	defer stop()

	s.logger.Info("session started", zap.String("name", m.Name()))
	s.notify(fmt.Sprintf("Welcome, %s. Commands: NAME <name>, JOIN <room>, LEAVE.", m.Name()))

	for {
		line, err := conn.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || m.IsClosed() {
				return nil
			}
			return fmt.Errorf("reading from client: %w", err)
		}
		if m.IsClosed() {
			return nil
		}
		if s.handle(line) {
			return nil
		}
	}
}

// session is the per-connection protocol state. Only the handler goroutine
// touches room; disconnect may race with a room dropping the member and is
// guarded by once.
type session struct {
	handler *ChatHandler
	member  *member.Member
	room    *room.Room
	logger  *zap.Logger
	once    sync.Once
}

// handle executes one protocol line. Returns true when the session should end.
func (s *session) handle(line string) bool {
	cmd := command.Parse(line)
	switch cmd.Kind {
	case command.Empty:
		return false
	case command.Name:
		s.rename(cmd.Arg)
		return false
	case command.Join:
		s.join(cmd.Arg)
		return false
	case command.Leave:
		if s.room == nil {
			s.notify(NoticeNotInRoom)
			return false
		}
		name := s.room.Name()
		s.leaveRoom()
		s.notify(fmt.Sprintf("You left %s.", name))
		return true
	default:
		s.chat(cmd.Text)
		return false
	}
}

func (s *session) rename(name string) {
	if name == "" {
		s.notify(NoticeNameUsage)
		return
	}
	old := s.member.Name()
	s.member.SetName(name)
	s.logger.Info("name changed", zap.String("old", old), zap.String("name", name))
	s.notify(fmt.Sprintf("You are now known as %s.", name))
	if s.room != nil {
		s.announce(fmt.Sprintf("%s is now known as %s.", old, name))
	}
}

func (s *session) join(name string) {
	if name == "" {
		s.notify(NoticeJoinUsage)
		return
	}
	if s.room != nil && s.room.Name() == name && s.room.Has(s.member) {
		s.notify(fmt.Sprintf("You are already in %s.", name))
		return
	}

	s.leaveRoom()
	s.room = s.handler.registry.Join(name, s.member)
	s.logger.Info("joined room", zap.String("room", name), zap.String("name", s.member.Name()))
	s.notify(fmt.Sprintf("Joined %s.", name))
	s.announce(fmt.Sprintf("%s joined %s.", s.member.Name(), name))
}

func (s *session) chat(text string) {
	if s.room == nil {
		s.notify(NoticeNotInRoom)
		return
	}

	name := s.member.Name()
	line, ok := s.handler.filter.Apply(s.room.Name(), name, name+": "+text)
	if !ok {
		s.logger.Debug("message dropped by filter", zap.String("room", s.room.Name()))
		return
	}

	n, err := s.room.Broadcast(s.member, line)
	if errors.Is(err, room.ErrRoomClosed) {
		s.room = nil
		s.notify(NoticeNotInRoom)
		return
	}
	s.logger.Debug("message broadcast", zap.String("room", s.room.Name()), zap.Int("recipients", n))
}

// announce tells the rest of the current room about this session.
func (s *session) announce(text string) {
	if s.room == nil {
		return
	}
	_, _ = s.room.Broadcast(s.member, text)
}

// leaveRoom removes the member from its current room, if any.
func (s *session) leaveRoom() {
	if s.room == nil {
		return
	}
	rm := s.room
	s.room = nil
	if rm.Leave(s.member) {
		s.logger.Info("left room", zap.String("room", rm.Name()), zap.String("name", s.member.Name()))
		_, _ = rm.Broadcast(s.member, fmt.Sprintf("%s left %s.", s.member.Name(), rm.Name()))
	}
}

// notify sends a line to this session's client only.
func (s *session) notify(text string) {
	if err := s.member.Deliver(text); err != nil && !errors.Is(err, member.ErrClosed) {
		s.member.Drop(err)
	}
}

// disconnect is the single finalization point for a session. It runs once
// no matter how the session ended.
func (s *session) disconnect() {
	s.once.Do(func() {
		s.leaveRoom()
		s.member.Close()
	})
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
