// Package luaplugin loads plugins written in Lua. Each plugin runs in its own
// sandboxed interpreter guarded by a plugins.Gate; calls that re-enter the same
// plugin while it is already running reuse the active interpreter thread.
package luaplugin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	lua "github.com/yuin/gopher-lua"
)

// ErrStateClosed is returned when calling into a closed interpreter.
var ErrStateClosed = errors.New("lua state is closed")

// activeKey marks a context as originating from a running call of one
// state. Keys differ per state, so markers of other plugins further down a
// call chain never hide it.
type activeKey struct {
	state *State
}

// State wraps one plugin interpreter.
type State struct {
	L *lua.LState

	gate   *plugins.Gate
	closed bool
}

// NewState creates a sandboxed interpreter whose print writes to stdout.
func NewState(stdout io.Writer) *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	installSandbox(L, stdout)

	return &State{L: L, gate: plugins.NewGate()}
}

// enter marks ctx as running on thread L of s. Go functions exposed to Lua
// call it before handing ctx to the host.
func (s *State) enter(ctx context.Context, L *lua.LState) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, activeKey{state: s}, L)
}

// running returns the thread already executing s on behalf of ctx.
func (s *State) running(ctx context.Context) (*lua.LState, bool) {
	L, ok := ctx.Value(activeKey{state: s}).(*lua.LState)
	return L, ok
}

// lock acquires the interpreter for the call chain in ctx. A chain that
// would wait on itself through another plugin gets plugins.ErrCallCycle.
func (s *State) lock(ctx context.Context) (context.Context, func(), error) {
	ctx, unlock, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.closed {
		unlock()
		return nil, nil, ErrStateClosed
	}

	return ctx, unlock, nil
}

// DoFile runs a chunk with args and returns its results.
func (s *State) DoFile(ctx context.Context, path string, args ...lua.LValue) ([]lua.LValue, error) {
	ctx, unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return nil, err
	}

	defer s.bind(ctx)()

	return s.pcall(s.L, fn, args...)
}

// Call invokes fn with in converted to Lua values, locking the interpreter
// unless ctx shows the call is nested inside a running call of the same state.
func (s *State) Call(ctx context.Context, fn *lua.LFunction, in ...any) ([]lua.LValue, error) {
	if L, ok := s.running(ctx); ok {
		return s.pcall(L, fn, args(L, in)...)
	}

	ctx, unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer s.bind(ctx)()

	return s.pcall(s.L, fn, args(s.L, in)...)
}

// bind installs ctx on the main thread so Lua execution observes
// cancellation, and returns the function restoring the previous one.
func (s *State) bind(ctx context.Context) func() {
	prev := s.L.Context()
	s.L.SetContext(ctx)

	return func() {
		if prev != nil {
			s.L.SetContext(prev)
			return
		}
		s.L.RemoveContext()
	}
}

// pcall runs fn on L and collects every result.
func (s *State) pcall(L *lua.LState, fn *lua.LFunction, in ...lua.LValue) (results []lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	top := L.GetTop()
	L.Push(fn)
	for _, arg := range in {
		L.Push(arg)
	}
	if err := L.PCall(len(in), lua.MultRet, nil); err != nil {
		return nil, err
	}

	n := L.GetTop() - top
	results = make([]lua.LValue, n)
	for i := range n {
		results[i] = L.Get(top + i + 1)
	}
	L.Pop(n)

	return results, nil
}

// Close releases the interpreter.
func (s *State) Close() error {
	_, unlock, err := s.gate.Acquire(context.Background())
	if err != nil {
		return err
	}
	defer unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true

	return nil
}
