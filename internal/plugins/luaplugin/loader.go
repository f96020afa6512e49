package luaplugin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	lua "github.com/yuin/gopher-lua"
)

// Extension is the main file suffix this loader accepts.
const Extension = ".lua"

// Loader runs *.lua main files. The chunk receives the plugin context table
// as its argument and returns the manager built from ctx.manager().
type Loader struct{}

// NewLoader returns the Lua module loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Supports reports whether the main file is a Lua script.
func (*Loader) Supports(desc plugins.Descriptor) bool {
	return strings.EqualFold(filepath.Ext(desc.MainFile), Extension)
}

// Load executes the main file in a fresh interpreter.
func (*Loader) Load(ctx context.Context, pc *plugins.Context) (plugins.Module, error) {
	m := &module{
		state: NewState(pc.Stdout),
		pc:    pc,
	}

	ctxTable := m.contextTable()
	ret, err := m.state.DoFile(ctx, pc.Descriptor.MainFile, ctxTable)
	if err != nil {
		_ = m.state.Close()
		return nil, err
	}

	if len(ret) > 0 && ret[0] != lua.LNil {
		ud, ok := ret[0].(*lua.LUserData)
		if !ok || ud.Value != m.manager() {
			_ = m.state.Close()
			return nil, fmt.Errorf("main chunk returned %s, want the plugin manager", describe(ret[0]))
		}
		m.published = true
	}

	return m, nil
}

type module struct {
	state     *State
	pc        *plugins.Context
	ud        *lua.LUserData
	published bool
}

// Manager returns the registry only when the chunk returned it.
func (m *module) Manager() *plugins.Registry {
	if !m.published {
		return nil
	}

	return m.pc.Manager()
}

func (m *module) Close(context.Context) error {
	return m.state.Close()
}

func (m *module) manager() *plugins.Registry {
	return m.pc.Manager()
}

// contextTable builds the table handed to the main chunk.
func (m *module) contextTable() *lua.LTable {
	L := m.state.L
	desc := m.pc.Descriptor

	t := L.NewTable()
	t.RawSetString("id", lua.LString(desc.ID))
	t.RawSetString("name", lua.LString(desc.Name))
	t.RawSetString("version", lua.LString(desc.Version))
	t.RawSetString("dir", lua.LString(desc.Dir))

	info := L.NewTable()
	info.RawSetString("name", lua.LString(m.pc.Info.Name))
	info.RawSetString("address", lua.LString(m.pc.Info.Address))
	info.RawSetString("html_directory", lua.LString(m.pc.Info.HTMLDirectory))
	info.RawSetString("ssl", lua.LBool(m.pc.Info.SSL))
	t.RawSetString("info", info)

	codes := L.NewTable()
	for _, c := range m.pc.ErrorCodes.Codes() {
		codes.Append(lua.LNumber(c))
	}
	t.RawSetString("error_codes", codes)

	L.SetFuncs(t, map[string]lua.LGFunction{
		"manager":     m.luaManager,
		"dispatch":    m.luaDispatch,
		"run_exposed": m.luaRunExposed,
	})

	logger := L.NewTable()
	L.SetFuncs(logger, map[string]lua.LGFunction{
		"debug": m.luaLog(func(msg string) { m.pc.Logger.Debug().Msg(msg) }),
		"info":  m.luaLog(func(msg string) { m.pc.Logger.Info().Msg(msg) }),
		"warn":  m.luaLog(func(msg string) { m.pc.Logger.Warn().Msg(msg) }),
		"error": m.luaLog(func(msg string) { m.pc.Logger.Error().Msg(msg) }),
	})
	t.RawSetString("log", logger)

	return t
}

func (m *module) luaManager(L *lua.LState) int {
	if m.ud == nil {
		m.ud = L.NewUserData()
		m.ud.Value = m.manager()
		L.SetMetatable(m.ud, m.managerMetatable(L))
	}
	L.Push(m.ud)

	return 1
}

func (m *module) luaDispatch(L *lua.LState) int {
	event := L.CheckString(1)
	v, err := m.pc.Host.DispatchEvent(m.state.enter(L.Context(), L), event, goArgs(L, 2)...)

	return m.hostResult(L, v, err)
}

func (m *module) luaRunExposed(L *lua.LState) int {
	name := L.CheckString(1)
	v, err := m.pc.Host.RunExposed(m.state.enter(L.Context(), L), name, goArgs(L, 2)...)

	return m.hostResult(L, v, err)
}

// hostResult pushes a host call result, raising a Lua error on failure.
// Replies spread into multiple return values.
func (m *module) hostResult(L *lua.LState, v any, err error) int {
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if r, ok := v.(plugins.Reply); ok {
		for _, x := range r {
			L.Push(toLua(L, x))
		}
		return len(r)
	}
	L.Push(toLua(L, v))

	return 1
}

func (m *module) luaLog(emit func(string)) lua.LGFunction {
	return func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		emit(strings.Join(parts, " "))

		return 0
	}
}

// call runs a Lua function stored in the registry on behalf of the host.
func (m *module) call(ctx context.Context, fn *lua.LFunction, in ...any) ([]lua.LValue, error) {
	return m.state.Call(ctx, fn, in...)
}

// checkManager fetches the manager receiver of a method call.
func (m *module) checkManager(L *lua.LState) *plugins.Registry {
	ud := L.CheckUserData(1)
	reg, ok := ud.Value.(*plugins.Registry)
	if !ok {
		L.ArgError(1, "manager expected")
		return nil
	}

	return reg
}

// raise turns a registration failure into a Lua error.
func raise(L *lua.LState, err error) int {
	if err != nil {
		L.RaiseError("%s", err.Error())
	}

	return 0
}
