package luaplugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptor = `plugin:
  name: lua test
  version: 1.0
  id: %s
  main-file: main.lua
loader:
  required-version: 2.0
  preferred-version: 2.0
`

func writeScript(t *testing.T, root, id, script string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.DescriptorFile), []byte(fmt.Sprintf(descriptor, id)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o644))
}

// newHost loads the scripts keyed by plugin id and binds their managers.
func newHost(t *testing.T, scripts map[string]string) (*plugins.Host, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	for id, script := range scripts {
		writeScript(t, root, id, script)
	}

	var out bytes.Buffer
	h := plugins.NewHost(root, plugins.WithLoaders(NewLoader()), plugins.WithStdout(&out), plugins.WithStrict(true))
	require.NoError(t, h.Discover())
	require.NoError(t, h.Initialize(context.Background()))
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	return h, &out
}

func bound(t *testing.T, scripts map[string]string) (*plugins.Host, *bytes.Buffer) {
	t.Helper()
	h, out := newHost(t, scripts)
	require.NoError(t, h.BindManagers(context.Background()))

	return h, out
}

type routeTable map[string]plugins.RouteFunc

func bindRoutes(t *testing.T, h *plugins.Host) routeTable {
	t.Helper()
	routes := routeTable{}
	require.NoError(t, h.BindRoutes(context.Background(), func(path string, _ []string, fn plugins.RouteFunc) error {
		routes[path] = fn
		return nil
	}))

	return routes
}

type request struct {
	method string
	u      *url.URL
	body   string
}

func newRequest(method, target string) *request {
	u, err := url.Parse(target)
	if err != nil {
		panic(err)
	}

	return &request{method: method, u: u}
}

func (r *request) Method() string        { return r.method }
func (r *request) Path() string          { return r.u.Path }
func (r *request) URL() *url.URL         { return r.u }
func (r *request) Host() string          { return "example.test" }
func (r *request) Header() http.Header   { return http.Header{"X-Test": []string{"yes"}} }
func (r *request) Query() url.Values     { return r.u.Query() }
func (r *request) Body() ([]byte, error) { return []byte(r.body), nil }
func (r *request) RemoteAddr() string    { return "192.0.2.1:4000" }
func (r *request) Secure() bool          { return false }

// chanConn blocks in Receive until a message arrives or in is closed.
type chanConn struct {
	in  chan string
	out chan string
}

func (c *chanConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return []byte(msg), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanConn) Send(_ context.Context, data []byte) error {
	c.out <- string(data)
	return nil
}

func (c *chanConn) Path() string       { return "/ws" }
func (c *chanConn) RemoteAddr() string { return "192.0.2.1:4001" }

const helloScript = `
local ctx = ...
local m = ctx.manager()

m:route("/hello/{name}", function(req, name)
  print("serving " .. req.path)
  return "hello " .. name .. " from " .. ctx.id, 200
end)

m:route("/echo", function(req)
  return req.method .. ":" .. req.body() .. ":" .. req.query.q .. ":" .. req.headers["X-Test"], 201
end, {methods = {"post"}, cache = false})

m:route("/bad", function(req)
  return "only payload"
end)

m:on("server.request", function(req)
  if req.path == "/blocked" then
    return "blocked", 403
  end
end)

m:expose("greet", function(who)
  return "hi " .. who
end)

return m
`

func TestLuaRoutesEventsAndExposed(t *testing.T) {
	h, out := bound(t, map[string]string{"hello": helloScript})
	ctx := context.Background()

	v, err := h.RunExposed(ctx, "greet", "bob")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", v)

	routes := bindRoutes(t, h)

	resp, err := routes["/hello/{name}"](ctx, newRequest(http.MethodGet, "/hello/bob"), "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob from hello", resp.Payload)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "[hello] serving /hello/bob\n", out.String())

	req := newRequest(http.MethodPost, "/echo?q=1")
	req.body = "data"
	resp, err = routes["/echo"](ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "POST:data:1:yes", resp.Payload)
	assert.Equal(t, http.StatusCreated, resp.Status)

	resp, err = routes["/hello/{name}"](ctx, newRequest(http.MethodGet, "/blocked"), "x")
	require.NoError(t, err)
	assert.Equal(t, plugins.Response{Payload: "blocked", Status: http.StatusForbidden}, resp)

	_, err = routes["/bad"](ctx, newRequest(http.MethodGet, "/bad"))
	assert.ErrorIs(t, err, plugins.ErrHandlerArity)
}

func TestLuaChunkMustReturnManager(t *testing.T) {
	t.Run("nothing returned", func(t *testing.T) {
		h, _ := newHost(t, map[string]string{"quiet": `local ctx = ... ctx.manager()`})
		err := h.BindManagers(context.Background())
		assert.ErrorIs(t, err, plugins.ErrManagerNotFound)
	})

	t.Run("wrong value returned", func(t *testing.T) {
		root := t.TempDir()
		writeScript(t, root, "odd", `return "manager"`)
		h := plugins.NewHost(root, plugins.WithLoaders(NewLoader()), plugins.WithStrict(true))
		require.NoError(t, h.Discover())
		err := h.Initialize(context.Background())
		assert.ErrorIs(t, err, plugins.ErrModuleLoadFailure)
	})

	t.Run("syntax error", func(t *testing.T) {
		root := t.TempDir()
		writeScript(t, root, "broken", `local = 1`)
		h := plugins.NewHost(root, plugins.WithLoaders(NewLoader()), plugins.WithStrict(true))
		require.NoError(t, h.Discover())
		assert.ErrorIs(t, h.Initialize(context.Background()), plugins.ErrModuleLoadFailure)
	})
}

func TestLuaSandbox(t *testing.T) {
	script := `
local ctx = ...
assert(dofile == nil, "dofile")
assert(loadfile == nil, "loadfile")
assert(load == nil, "load")
assert(io == nil, "io")
assert(os == nil, "os")
assert(debug == nil, "debug")
assert(require == nil, "require")
assert(string.upper("x") == "X")
assert(coroutine ~= nil)
print("sandboxed", 1)
return ctx.manager()
`
	_, out := bound(t, map[string]string{"box": script})
	assert.Equal(t, "[box] sandboxed\t1\n", out.String())
}

func TestLuaContextTable(t *testing.T) {
	script := `
local ctx = ...
local m = ctx.manager()
m:expose("info", function()
  return ctx.id .. "|" .. ctx.name .. "|" .. ctx.version .. "|" .. ctx.info.name .. "|" .. tostring(ctx.info.ssl)
end)
ctx.log.info("loaded", ctx.id)
return m
`
	root := t.TempDir()
	writeScript(t, root, "ctxp", script)
	h := plugins.NewHost(root,
		plugins.WithLoaders(NewLoader()),
		plugins.WithServerInfo(plugins.ServerInfo{Name: "PMgS", SSL: true}),
	)
	require.NoError(t, h.Discover())
	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, h.BindManagers(context.Background()))

	v, err := h.RunExposed(context.Background(), "info")
	require.NoError(t, err)
	assert.Equal(t, "ctxp|lua test|1.0|PMgS|true", v)
}

func TestLuaReentrantCallsDoNotDeadlock(t *testing.T) {
	script := `
local ctx = ...
local m = ctx.manager()
m:expose("inner", function(n) return n * 2 end)
m:expose("outer", function(n) return ctx.run_exposed("inner", n) + 1 end)
m:on("compute", function(n) return m:call_id("double", n) end)
m:on("double", function(n) return n * 2 end)
return m
`
	h, _ := bound(t, map[string]string{"loop": script})

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := h.RunExposed(context.Background(), "outer", 20)
		assert.NoError(t, err)
		assert.Equal(t, int64(41), v)

		v, err = h.DispatchEvent(context.Background(), "compute", 4)
		assert.NoError(t, err)
		assert.Equal(t, int64(8), v)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested call deadlocked")
	}
}

func TestLuaCrossPluginCalls(t *testing.T) {
	h, _ := bound(t, map[string]string{
		"a": `
local ctx = ...
local m = ctx.manager()
m:expose("shout", function(s) return string.upper(s) end)
return m
`,
		"b": `
local ctx = ...
local m = ctx.manager()
m:expose("relay", function(s) return ctx.run_exposed("shout", s) .. "!" end)
m:expose("missing", function() return ctx.run_exposed("nope") end)
return m
`,
	})

	v, err := h.RunExposed(context.Background(), "relay", "hey")
	require.NoError(t, err)
	assert.Equal(t, "HEY!", v)

	_, err = h.RunExposed(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestLuaCallbackIntoCallerPlugin(t *testing.T) {
	h, _ := bound(t, map[string]string{
		"a": `
local ctx = ...
local m = ctx.manager()
m:expose("base", function() return "a" end)
m:expose("ping", function() return "ping>" .. ctx.run_exposed("pong") end)
return m
`,
		"b": `
local ctx = ...
local m = ctx.manager()
m:expose("pong", function() return "pong>" .. ctx.run_exposed("base") end)
return m
`,
	})

	done := make(chan any, 1)
	go func() {
		v, err := h.RunExposed(context.Background(), "ping")
		if err != nil {
			done <- err
			return
		}
		done <- v
	}()

	select {
	case v := <-done:
		assert.Equal(t, "ping>pong>a", v)
	case <-time.After(5 * time.Second):
		t.Fatal("callback into the calling plugin did not return")
	}
}

func TestLuaCrossedCallsDoNotDeadlock(t *testing.T) {
	h, _ := bound(t, map[string]string{
		"a": `
local ctx = ...
local m = ctx.manager()
m:expose("a_leaf", function() return "a" end)
m:expose("a_to_b", function()
  local s = 0
  for i = 1, 2000 do s = s + i end
  return ctx.run_exposed("b_leaf")
end)
return m
`,
		"b": `
local ctx = ...
local m = ctx.manager()
m:expose("b_leaf", function() return "b" end)
m:expose("b_to_a", function()
  local s = 0
  for i = 1, 2000 do s = s + i end
  return ctx.run_exposed("a_leaf")
end)
return m
`,
	})

	const rounds = 50
	errs := make(chan error, 2*rounds)
	for range rounds {
		for _, name := range []string{"a_to_b", "b_to_a"} {
			go func() {
				_, err := h.RunExposed(context.Background(), name)
				errs <- err
			}()
		}
	}

	timeout := time.After(10 * time.Second)
	for range 2 * rounds {
		select {
		case err := <-errs:
			if err != nil {
				assert.Contains(t, err.Error(), plugins.ErrCallCycle.Error())
			}
		case <-timeout:
			t.Fatal("crossed cross-plugin calls deadlocked")
		}
	}
}

func TestLuaSocketSuspendsWithoutBlockingPlugin(t *testing.T) {
	script := `
local ctx = ...
local m = ctx.manager()
m:websocket("/ws", function(ws)
  while true do
    local msg = ws:receive()
    if msg == nil then break end
    ws:send("echo " .. msg)
  end
  print("closed " .. ws:path())
end)
m:route("/ping", function(req) return "pong", 200 end)
return m
`
	h, out := bound(t, map[string]string{"sock": script})
	ctx := context.Background()
	routes := bindRoutes(t, h)

	var socket plugins.SocketFunc
	require.NoError(t, h.BindSockets(ctx, func(path string, fn plugins.SocketFunc) error {
		socket = fn
		return nil
	}))
	require.NotNil(t, socket)

	conn := &chanConn{in: make(chan string), out: make(chan string, 1)}
	done := make(chan error, 1)
	go func() { done <- socket(ctx, conn) }()

	// The coroutine is parked in ws:receive; the route must still run.
	resp, err := routes["/ping"](ctx, newRequest(http.MethodGet, "/ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Payload)

	conn.in <- "one"
	assert.Equal(t, "echo one", <-conn.out)
	conn.in <- "two"
	assert.Equal(t, "echo two", <-conn.out)
	close(conn.in)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("socket handler did not return")
	}
	assert.Contains(t, out.String(), "[sock] closed /ws\n")
}

func TestLuaGoFunctionCannotBeSocket(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "gofn", `
local ctx = ...
local m = ctx.manager()
m:websocket("/ws", print)
return m
`)
	h := plugins.NewHost(root, plugins.WithLoaders(NewLoader()), plugins.WithStrict(true))
	require.NoError(t, h.Discover())

	err := h.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), plugins.ErrSocketNotSuspendable.Error())
}

func TestLuaDeprecatedAliases(t *testing.T) {
	script := `
local ctx = ...
local m = ctx.manager()
m:endpoint("/old", function(req) return "old", 200 end, false, true)
m:wrap("legacy", function() return "wrapped" end)
m:sock("/legacy-ws", function(ws) end)
return m
`
	h, _ := bound(t, map[string]string{"legacy": script})

	v, err := h.DispatchEvent(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, "wrapped", v)

	inst := h.Plugins()[0]
	routes := inst.Registry.Routes()
	require.Len(t, routes, 1)
	assert.True(t, routes[0].Cache)
	assert.Len(t, inst.Registry.Sockets(), 1)
}

func TestLuaDuplicateRouteFailsLoad(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "dup", `
local ctx = ...
local m = ctx.manager()
m:route("/x", function() return "a", 200 end)
m:route("/x", function() return "b", 200 end)
return m
`)
	h := plugins.NewHost(root, plugins.WithLoaders(NewLoader()), plugins.WithStrict(true))
	require.NoError(t, h.Discover())

	err := h.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), plugins.ErrDuplicateRouteBinding.Error())
}

func TestLoaderSupports(t *testing.T) {
	l := NewLoader()
	assert.True(t, l.Supports(plugins.Descriptor{MainFile: "/p/main.lua"}))
	assert.True(t, l.Supports(plugins.Descriptor{MainFile: "/p/MAIN.LUA"}))
	assert.False(t, l.Supports(plugins.Descriptor{MainFile: "/p/main.wasm"}))
	assert.False(t, l.Supports(plugins.Descriptor{MainFile: "builtin:x"}))
}
