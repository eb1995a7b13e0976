// Package room provides named chat rooms and the registry that creates them
// on first join and tears them down when the last member leaves.
package room

import (
	"errors"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrRoomClosed is returned when joining or broadcasting to a room that has
// already emptied. A closed room never reopens; callers obtain a fresh room
// from the Registry instead.
var ErrRoomClosed = errors.New("room closed")

// State is the lifecycle state of a Room.
type State int

const (
	// Active rooms accept joins and broadcasts.
	Active State = iota
	// Closed rooms have emptied and are, or are about to be, removed from the registry.
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Member is a room participant. Deliver must not block.
type Member interface {
	ID() string
	Name() string
	Deliver(line string) error
	Drop(reason error)
}

// Room is a named set of members. Membership changes are serialized by the
// room's own lock, so traffic in one room never waits on another.
type Room struct {
	name     string
	registry *Registry
	logger   *zap.Logger

	mu      sync.RWMutex
	members map[string]Member
	state   State
}

func newRoom(name string, registry *Registry, logger *zap.Logger) *Room {
	return &Room{
		name:     name,
		registry: registry,
		logger:   logger.With(zap.String("room", name)),
		members:  make(map[string]Member),
		state:    Active,
	}
}

// Name returns the room's key in the registry.
func (r *Room) Name() string {
	return r.name
}

// State returns the current lifecycle state.
func (r *Room) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Has reports whether m is currently a member.
func (r *Room) Has(m Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[m.ID()]
	return ok
}

// Join adds m to the room. Joining twice is a no-op.
//
// Postcondition: Returns nil with m a member, or ErrRoomClosed if the room
// has already emptied.
func (r *Room) Join(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Closed {
		return ErrRoomClosed
	}
	r.members[m.ID()] = m
	return nil
}

// Leave removes m from the room. When the room empties it closes and asks
// the registry to drop it.
//
// Postcondition: Returns true if m was a member.
func (r *Room) Leave(m Member) bool {
	r.mu.Lock()
	if _, ok := r.members[m.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.members, m.ID())
	empty := len(r.members) == 0
	if empty {
		r.state = Closed
	}
	r.mu.Unlock()

	if empty && r.registry != nil {
		r.registry.RemoveIfEmpty(r.name, r)
	}
	return true
}

// Broadcast delivers text to every member except sender. A nil sender
// reaches everyone. Recipients are taken from a snapshot of the membership at
// call time; any recipient that cannot accept the line is removed from the
// room and dropped.
//
// Postcondition: Returns the number of members the line was queued for, or
// ErrRoomClosed if the room has emptied.
func (r *Room) Broadcast(sender Member, text string) (int, error) {
	r.mu.RLock()
	if r.state == Closed {
		r.mu.RUnlock()
		return 0, ErrRoomClosed
	}
	recipients := lo.Filter(lo.Values(r.members), func(m Member, _ int) bool {
		return sender == nil || m.ID() != sender.ID()
	})
	r.mu.RUnlock()

	delivered := 0
	var failed []Member
	var reasons []error
	for _, m := range recipients {
		if err := m.Deliver(text); err != nil {
			failed = append(failed, m)
			reasons = append(reasons, err)
			continue
		}
		delivered++
	}

	for i, m := range failed {
		r.logger.Warn("dropping unreachable member",
			zap.String("member_id", m.ID()),
			zap.String("name", m.Name()),
			zap.Error(reasons[i]),
		)
		r.Leave(m)
		m.Drop(reasons[i])
	}
	return delivered, nil
}
