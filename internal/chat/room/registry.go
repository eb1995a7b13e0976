package room

import (
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Registry maps room names to live rooms. It is created once per server and
// passed to every session handler. All methods are safe for concurrent use.
//
// Lock order is registry then room; a Room never calls into the Registry
// while holding its own lock.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// getOrCreate returns the active room named name, creating it if absent or
// if the mapped room has closed but not yet been removed.
//
// Postcondition: Every concurrent caller for the same name receives the same
// *Room until that room closes.
func (r *Registry) getOrCreate(name string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rooms[name]; ok && existing.State() == Active {
		return existing
	}

	rm := newRoom(name, r, r.logger)
	r.rooms[name] = rm
	r.logger.Info("room created", zap.String("room", name))
	return rm
}

// Get looks up a room without creating it.
func (r *Registry) Get(name string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	return rm, ok
}

// RemoveIfEmpty deletes the mapping for name if it still points at rm and rm
// has no members. The emptiness check and the removal happen under the
// registry lock, so getOrCreate either sees the old room before removal or
// creates a fresh one after it. A removed room is left closed.
//
// Postcondition: Returns true if the mapping was removed.
func (r *Registry) RemoveIfEmpty(name string, rm *Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[name]
	if !ok || current != rm {
		return false
	}

	rm.mu.Lock()
	empty := len(rm.members) == 0
	if empty {
		rm.state = Closed
	}
	rm.mu.Unlock()
	if !empty {
		return false
	}

	delete(r.rooms, name)
	r.logger.Info("room torn down", zap.String("room", name))
	return true
}

// Join adds m to the room named name, creating the room if needed. If the
// room closes between lookup and join, a fresh room is obtained and the join
// is retried.
//
// Postcondition: m is a member of the returned active room.
func (r *Registry) Join(name string, m Member) *Room {
	for {
		rm := r.getOrCreate(name)
		if err := rm.Join(m); err == nil {
			return rm
		}
		r.logger.Debug("room closed during join, retrying",
			zap.String("room", name),
			zap.String("member_id", m.ID()),
		)
	}
}

// Len returns the number of rooms in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Names returns the sorted names of all rooms in the registry.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := lo.Keys(r.rooms)
	r.mu.Unlock()

	sort.Strings(names)
	return names
}
