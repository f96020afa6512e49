package luaplugin

import (
	"context"
	"fmt"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	lua "github.com/yuin/gopher-lua"
)

const managerType = "webhost.manager"

func (m *module) managerMetatable(L *lua.LState) *lua.LTable {
	if mt, ok := L.GetTypeMetatable(managerType).(*lua.LTable); ok {
		return mt
	}

	mt := L.NewTypeMetatable(managerType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"route":     m.luaRoute,
		"websocket": m.luaWebsocket,
		"on":        m.luaOn,
		"expose":    m.luaExpose,
		"call_id":   m.luaCallID,

		"endpoint": m.deprecated("endpoint", "route", m.luaEndpoint),
		"sock":     m.deprecated("sock", "websocket", m.luaWebsocket),
		"wrap":     m.deprecated("wrap", "on", m.luaOn),
	}))

	return mt
}

func (m *module) deprecated(name, use string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		m.pc.Logger.Warn().
			Str("event", "deprecated_call").
			Str("call", name).
			Str("use", use).
			Msg("deprecated manager method")

		return fn(L)
	}
}

// luaRoute implements manager:route(path, fn [, {cache=bool, methods={...}}]).
func (m *module) luaRoute(L *lua.LState) int {
	reg := m.checkManager(L)
	path := L.CheckString(2)
	fn := L.CheckFunction(3)

	var opts []plugins.RouteOption
	if t := L.OptTable(4, nil); t != nil {
		if lua.LVAsBool(t.RawGetString("cache")) {
			opts = append(opts, plugins.WithCache())
		}
		if methods, ok := t.RawGetString("methods").(*lua.LTable); ok {
			var names []string
			methods.ForEach(func(_, v lua.LValue) {
				names = append(names, v.String())
			})
			opts = append(opts, plugins.WithMethods(names...))
		}
	}

	return raise(L, reg.Route(path, m.routeHandler(fn), opts...))
}

// luaEndpoint keeps the older endpoint(path, fn, cross_origin, lru_cache) form.
func (m *module) luaEndpoint(L *lua.LState) int {
	reg := m.checkManager(L)
	path := L.CheckString(2)
	fn := L.CheckFunction(3)

	var opts []plugins.RouteOption
	if L.OptBool(5, false) {
		opts = append(opts, plugins.WithCache())
	}

	return raise(L, reg.Route(path, m.routeHandler(fn), opts...))
}

func (m *module) routeHandler(fn *lua.LFunction) plugins.RouteHandler {
	return func(ctx context.Context, req plugins.Request, params ...string) (plugins.Reply, error) {
		in := make([]any, 0, len(params)+1)
		in = append(in, req)
		for _, p := range params {
			in = append(in, p)
		}

		vals, err := m.call(ctx, fn, in...)
		if err != nil {
			return nil, err
		}

		return reply(vals), nil
	}
}

// luaWebsocket implements manager:websocket(path, fn). The handler runs as a
// coroutine so it can suspend on the connection.
func (m *module) luaWebsocket(L *lua.LState) int {
	reg := m.checkManager(L)
	path := L.CheckString(2)
	fn := L.CheckFunction(3)
	if fn.IsG {
		return raise(L, fmt.Errorf("%w: %s", plugins.ErrSocketNotSuspendable, path))
	}

	return raise(L, reg.Socket(path, func(ctx context.Context, conn plugins.Conn) error {
		return m.serveSocket(ctx, fn, conn)
	}))
}

// luaOn implements manager:on(event, fn).
func (m *module) luaOn(L *lua.LState) int {
	reg := m.checkManager(L)
	event := L.CheckString(2)
	fn := L.CheckFunction(3)

	return raise(L, reg.On(event, m.valueHandler(fn)))
}

// luaExpose implements manager:expose(name, fn [, overridable]).
func (m *module) luaExpose(L *lua.LState) int {
	reg := m.checkManager(L)
	name := L.CheckString(2)
	fn := L.CheckFunction(3)
	overridable := L.OptBool(4, false)

	return raise(L, reg.Expose(name, plugins.ExposedFunc(m.valueHandler(fn)), overridable))
}

// luaCallID implements manager:call_id(event, ...), running this plugin's own
// handler for event.
func (m *module) luaCallID(L *lua.LState) int {
	reg := m.checkManager(L)
	event := L.CheckString(2)

	v, err := reg.CallID(m.state.enter(L.Context(), L), event, goArgs(L, 3)...)

	return m.hostResult(L, v, err)
}

func (m *module) valueHandler(fn *lua.LFunction) plugins.EventHandler {
	return func(ctx context.Context, in ...any) (any, error) {
		vals, err := m.call(ctx, fn, in...)
		if err != nil {
			return nil, err
		}

		return results(vals), nil
	}
}
