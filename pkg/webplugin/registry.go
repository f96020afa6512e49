package webplugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RouteHandler serves a route and returns the payload and status.
type RouteHandler func(req *RequestInfo, params []string) (payload any, status int)

// EventHandler handles an event. A nil result lets dispatch continue.
type EventHandler func(args []any) (any, error)

// ExposedHandler is a function published by name.
type ExposedHandler func(args []any) (any, error)

// ErrNoHandler is reported for invocations naming nothing registered.
var ErrNoHandler = errors.New("no handler registered")

type route struct {
	decl    RouteDecl
	handler RouteHandler
}

type exposed struct {
	decl    ExposedDecl
	handler ExposedHandler
}

var (
	mu        sync.Mutex
	routes    = map[string]route{}
	events    = map[string]EventHandler{}
	functions = map[string]exposed{}
	noManager bool
)

// RouteOption configures a route.
type RouteOption func(*RouteDecl)

// Cached memoizes the route's successful responses on the host.
func Cached() RouteOption {
	return func(d *RouteDecl) { d.Cache = true }
}

// Methods restricts the route to the given HTTP methods.
func Methods(methods ...string) RouteOption {
	return func(d *RouteDecl) {
		d.Methods = d.Methods[:0]
		for _, m := range methods {
			d.Methods = append(d.Methods, strings.ToUpper(m))
		}
	}
}

// Route registers a route handler. It panics on a duplicate path.
func Route(path string, h RouteHandler, opts ...RouteOption) {
	mu.Lock()
	defer mu.Unlock()

	if _, dup := routes[path]; dup {
		panic(fmt.Sprintf("webplugin: route %q registered twice", path))
	}
	decl := RouteDecl{Path: path}
	for _, opt := range opts {
		opt(&decl)
	}
	routes[path] = route{decl: decl, handler: h}
}

// On registers an event handler. It panics on a duplicate event.
func On(event string, h EventHandler) {
	mu.Lock()
	defer mu.Unlock()

	if _, dup := events[event]; dup {
		panic(fmt.Sprintf("webplugin: event %q registered twice", event))
	}
	events[event] = h
}

// Expose publishes fn under name. It panics on a duplicate name.
func Expose(name string, fn ExposedHandler, overridable bool) {
	mu.Lock()
	defer mu.Unlock()

	if _, dup := functions[name]; dup {
		panic(fmt.Sprintf("webplugin: exposed %q registered twice", name))
	}
	functions[name] = exposed{decl: ExposedDecl{Name: name, Overridable: overridable}, handler: fn}
}

// WithoutManager makes Init report no manager, so the host rejects the plugin.
func WithoutManager() {
	mu.Lock()
	noManager = true
	mu.Unlock()
}

// Reset drops every registration.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	routes = map[string]route{}
	events = map[string]EventHandler{}
	functions = map[string]exposed{}
	noManager = false
}

// CurrentManifest describes the registrations, sorted by name. It reports
// false after WithoutManager.
func CurrentManifest() (Manifest, bool) {
	mu.Lock()
	defer mu.Unlock()

	if noManager {
		return Manifest{}, false
	}

	var m Manifest
	for _, r := range routes {
		m.Routes = append(m.Routes, r.decl)
	}
	sort.Slice(m.Routes, func(i, j int) bool { return m.Routes[i].Path < m.Routes[j].Path })

	for name := range events {
		m.Events = append(m.Events, name)
	}
	sort.Strings(m.Events)

	for _, e := range functions {
		m.Exposed = append(m.Exposed, e.decl)
	}
	sort.Slice(m.Exposed, func(i, j int) bool { return m.Exposed[i].Name < m.Exposed[j].Name })

	return m, true
}

// Dispatch runs the handler an invocation names. Handler panics become
// errors in the result.
func Dispatch(inv Invocation) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	mu.Lock()
	r, hasRoute := routes[inv.Name]
	ev, hasEvent := events[inv.Name]
	fn, hasExposed := functions[inv.Name]
	mu.Unlock()

	switch inv.Kind {
	case KindRoute:
		if !hasRoute {
			break
		}
		req := inv.Request
		if req == nil {
			req = &RequestInfo{}
		}
		payload, status := r.handler(req, inv.Params)
		return Result{Values: []any{payload, status}}

	case KindEvent:
		if !hasEvent {
			break
		}
		return valueResult(ev(inv.Args))

	case KindExposed:
		if !hasExposed {
			break
		}
		return valueResult(fn.handler(inv.Args))

	default:
		return Result{Error: fmt.Sprintf("unknown invocation kind %q", inv.Kind)}
	}

	return Result{Error: fmt.Sprintf("%v: %s %q", ErrNoHandler, inv.Kind, inv.Name)}
}

func valueResult(v any, err error) Result {
	if err != nil {
		return Result{Error: err.Error()}
	}
	if v == nil {
		return Result{}
	}

	return Result{Values: []any{v}}
}
