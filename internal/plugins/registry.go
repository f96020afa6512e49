package plugins

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// DefaultMethods are bound when a route does not name its methods.
var DefaultMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// RouteBinding is a route registered by a plugin.
type RouteBinding struct {
	Path    string
	Methods []string
	Cache   bool
	Handler RouteHandler
}

// SocketBinding is a socket registered by a plugin.
type SocketBinding struct {
	Path    string
	Handler SocketHandler
}

// ExposedBinding is a function a plugin publishes by name.
type ExposedBinding struct {
	Name        string
	Fn          ExposedFunc
	Overridable bool
}

// RouteOption configures a route at registration.
type RouteOption func(*RouteBinding)

// WithCache memoizes successful responses of the route for the process lifetime.
func WithCache() RouteOption {
	return func(b *RouteBinding) {
		b.Cache = true
	}
}

// WithMethods restricts the HTTP methods the route answers.
func WithMethods(methods ...string) RouteOption {
	return func(b *RouteBinding) {
		b.Methods = b.Methods[:0]
		for _, m := range methods {
			b.Methods = append(b.Methods, strings.ToUpper(m))
		}
	}
}

// Registry is a plugin's capability table. Each path, socket path and event
// id is bound at most once. The host freezes it once managers are bound.
type Registry struct {
	plugin string

	mu      sync.RWMutex
	frozen  bool
	events  map[string]EventHandler
	evOrder []string
	routes  []*RouteBinding
	sockets []*SocketBinding
	exposed []ExposedBinding
}

// NewRegistry returns an empty registry owned by the plugin id.
func NewRegistry(pluginID string) *Registry {
	return &Registry{
		plugin: pluginID,
		events: make(map[string]EventHandler),
	}
}

// Plugin returns the owning plugin id.
func (r *Registry) Plugin() string {
	return r.plugin
}

// Route binds handler to path.
func (r *Registry) Route(path string, handler RouteHandler, opts ...RouteOption) error {
	if handler == nil {
		return fmt.Errorf("route %q: nil handler", path)
	}

	b := &RouteBinding{Path: path, Methods: slices.Clone(DefaultMethods), Handler: handler}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.Methods) == 0 {
		b.Methods = slices.Clone(DefaultMethods)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return newError(ErrRegistryFrozen, r.plugin, path, nil)
	}
	for _, existing := range r.routes {
		if existing.Path == path {
			return newError(ErrDuplicateRouteBinding, r.plugin, path, nil)
		}
	}
	r.routes = append(r.routes, b)

	return nil
}

// Socket binds a duplex handler to path.
func (r *Registry) Socket(path string, handler SocketHandler) error {
	if handler == nil {
		return newError(ErrSocketNotSuspendable, r.plugin, path, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return newError(ErrRegistryFrozen, r.plugin, path, nil)
	}
	for _, existing := range r.sockets {
		if existing.Path == path {
			return newError(ErrDuplicateSocketBinding, r.plugin, path, nil)
		}
	}
	r.sockets = append(r.sockets, &SocketBinding{Path: path, Handler: handler})

	return nil
}

// On binds the handler for an event id.
func (r *Registry) On(event string, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event %q: nil handler", event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return newError(ErrRegistryFrozen, r.plugin, event, nil)
	}
	if _, ok := r.events[event]; ok {
		return newError(ErrDuplicateEventBinding, r.plugin, event, nil)
	}
	r.events[event] = handler
	r.evOrder = append(r.evOrder, event)

	return nil
}

// Expose publishes fn under name. When overridable is set, a plugin loaded
// later may replace it.
func (r *Registry) Expose(name string, fn ExposedFunc, overridable bool) error {
	if name == "" {
		return fmt.Errorf("expose: empty name")
	}
	if fn == nil {
		return fmt.Errorf("expose %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return newError(ErrRegistryFrozen, r.plugin, name, nil)
	}
	for _, existing := range r.exposed {
		if existing.Name == name {
			return newError(ErrDuplicateExposedSymbol, r.plugin, name, nil)
		}
	}
	r.exposed = append(r.exposed, ExposedBinding{Name: name, Fn: fn, Overridable: overridable})

	return nil
}

// Event looks up the handler for an event id.
func (r *Registry) Event(event string) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.events[event]

	return h, ok
}

// CallID invokes the handler bound to event.
func (r *Registry) CallID(ctx context.Context, event string, args ...any) (any, error) {
	h, ok := r.Event(event)
	if !ok {
		return nil, newError(ErrFunctionNotFound, r.plugin, event, nil)
	}

	return h(ctx, args...)
}

// CallRoute invokes the handler bound to path.
func (r *Registry) CallRoute(ctx context.Context, path string, req Request, params ...string) (Reply, error) {
	b, ok := r.route(path)
	if !ok {
		return nil, newError(ErrFunctionNotFound, r.plugin, path, nil)
	}

	return b.Handler(ctx, req, params...)
}

// CallSocket invokes the socket handler bound to path.
func (r *Registry) CallSocket(ctx context.Context, path string, conn Conn) error {
	r.mu.RLock()
	var h SocketHandler
	for _, b := range r.sockets {
		if b.Path == path {
			h = b.Handler
		}
	}
	r.mu.RUnlock()

	if h == nil {
		return newError(ErrFunctionNotFound, r.plugin, path, nil)
	}

	return h(ctx, conn)
}

func (r *Registry) route(path string) (*RouteBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.routes {
		if b.Path == path {
			return b, true
		}
	}

	return nil, false
}

// Routes returns the routes in registration order.
func (r *Registry) Routes() []RouteBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RouteBinding, 0, len(r.routes))
	for _, b := range r.routes {
		out = append(out, *b)
	}

	return out
}

// Sockets returns the sockets in registration order.
func (r *Registry) Sockets() []SocketBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SocketBinding, 0, len(r.sockets))
	for _, b := range r.sockets {
		out = append(out, *b)
	}

	return out
}

// Events returns the bound event ids in registration order.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.evOrder)
}

// Exposed returns the published functions in registration order.
func (r *Registry) Exposed() []ExposedBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.exposed)
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
