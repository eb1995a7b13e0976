package scripting

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// FilterHook is the Lua global a filter script must define:
//
//	function filter(room, sender, text) return text end
//
// Returning a string replaces the text; returning nil or false drops the message.
const FilterHook = "filter"

// DefaultPoolSize is the number of Lua states a Filter keeps when no
// WithPoolSize option is given.
const DefaultPoolSize = 4

// Filter runs chat text through an optional Lua script before broadcast.
// A nil *Filter, or one built without a script, passes text through.
//
// An LState is single-threaded, so the Filter keeps a pool of them, each
// loaded with its own copy of the script. Script globals are per state and
// must not be relied on to carry data between calls.
type Filter struct {
	// mu guards closing the pool; Apply holds it shared.
	mu        sync.RWMutex
	states    chan *lua.LState
	size      int
	instLimit int
	logger    *zap.Logger
}

// FilterOption configures a Filter.
type FilterOption func(*filterOptions)

type filterOptions struct {
	poolSize int
}

// WithPoolSize sets how many states the filter runs in parallel. Values below
// one select DefaultPoolSize.
func WithPoolSize(n int) FilterOption {
	return func(o *filterOptions) {
		o.poolSize = n
	}
}

// NewFilter loads the filter script at path. An empty path returns a
// pass-through filter.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Filter or an error if the script fails to load or
// does not define FilterHook.
func NewFilter(path string, instLimit int, logger *zap.Logger, opts ...FilterOption) (*Filter, error) {
	if path == "" {
		return &Filter{instLimit: instLimit, logger: logger}, nil
	}
	f, err := loadFilter(instLimit, logger, opts, func(L *lua.LState) error { return L.DoFile(path) })
	if err != nil {
		return nil, fmt.Errorf("scripting: filter %q: %w", path, err)
	}
	logger.Info("message filter loaded", zap.String("path", path), zap.Int("pool_size", f.size))
	return f, nil
}

// NewFilterFromString is NewFilter for an in-memory script.
func NewFilterFromString(source string, instLimit int, logger *zap.Logger, opts ...FilterOption) (*Filter, error) {
	f, err := loadFilter(instLimit, logger, opts, func(L *lua.LState) error { return L.DoString(source) })
	if err != nil {
		return nil, fmt.Errorf("scripting: filter: %w", err)
	}
	return f, nil
}

func loadFilter(instLimit int, logger *zap.Logger, opts []FilterOption, load func(*lua.LState) error) (*Filter, error) {
	o := filterOptions{poolSize: DefaultPoolSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.poolSize < 1 {
		o.poolSize = DefaultPoolSize
	}

	f := &Filter{
		states:    make(chan *lua.LState, o.poolSize),
		size:      o.poolSize,
		instLimit: instLimit,
		logger:    logger,
	}
	for i := 0; i < o.poolSize; i++ {
		L, err := loadState(instLimit, load)
		if err != nil {
			f.closeStates()
			return nil, err
		}
		f.states <- L
	}
	return f, nil
}

func loadState(instLimit int, load func(*lua.LState) error) (*lua.LState, error) {
	L, cancel := NewSandboxedState(instLimit)
	defer cancel()
	if err := load(L); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading script: %w", err)
	}
	if L.GetGlobal(FilterHook).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("script does not define function %q", FilterHook)
	}
	return L, nil
}

// Enabled reports whether a script is loaded.
func (f *Filter) Enabled() bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.states != nil
}

// Apply runs the filter hook. Lua runtime errors, including exceeding the
// instruction limit, are logged at Warn level and the text passes unchanged.
//
// Postcondition: Returns (text to broadcast, true) or ("", false) if the
// script dropped the message.
func (f *Filter) Apply(room, sender, text string) (string, bool) {
	if f == nil {
		return text, true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.states == nil {
		return text, true
	}
	L := <-f.states
	defer func() { f.states <- L }()

	cancel := Arm(L, f.instLimit)
	defer cancel()

	err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(FilterHook),
		NRet:    1,
		Protect: true,
	}, lua.LString(room), lua.LString(sender), lua.LString(text))
	if err != nil {
		f.logger.Warn("scripting: filter runtime error",
			zap.String("room", room),
			zap.String("sender", sender),
			zap.Error(err),
		)
		return text, true
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return string(v), true
	case lua.LBool:
		if !bool(v) {
			return "", false
		}
		return text, true
	case lua.LNumber:
		return v.String(), true
	case *lua.LNilType:
		return "", false
	default:
		return text, true
	}
}

// Close waits for in-flight calls and releases every Lua state. Apply after
// Close passes text through.
func (f *Filter) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeStates()
}

// closeStates drains the pool. Callers hold mu exclusively or own f outright,
// so every state is back in the channel.
func (f *Filter) closeStates() {
	if f.states == nil {
		return
	}
	for len(f.states) > 0 {
		(<-f.states).Close()
	}
	f.states = nil
}
