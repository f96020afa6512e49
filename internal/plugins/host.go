package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andrei-cloud/go_webhost/internal/errorcodes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Instance is a loaded plugin: its descriptor, module, registry and output sink.
type Instance struct {
	Descriptor Descriptor
	Registry   *Registry

	module Module
	sink   *Sink
	logger zerolog.Logger
}

// ID returns the plugin id.
func (i *Instance) ID() string {
	return i.Descriptor.ID
}

// Logger returns the plugin's tagged logger.
func (i *Instance) Logger() zerolog.Logger {
	return i.logger
}

// scope runs fn as plugin code. The sink is flushed on every exit path and a
// panic is returned as an error.
func (i *Instance) scope(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %q panicked: %v", i.ID(), r)
			i.logger.Error().Str("event", "plugin_panic").Interface("panic", r).Msg("recovered plugin panic")
		}
		if ferr := i.sink.Flush(); ferr != nil {
			i.logger.Warn().Err(ferr).Msg("failed to flush plugin output")
		}
	}()

	return fn()
}

// Option configures a Host.
type Option func(*Host)

// WithStrict makes any discovery or load failure fatal to startup.
func WithStrict(strict bool) Option {
	return func(h *Host) {
		h.strict = strict
	}
}

// WithOrder selects the plugin ordering.
func WithOrder(order Order) Option {
	return func(h *Host) {
		h.order = order
	}
}

// WithLoaders adds module loaders. The builtin loader is always consulted first.
func WithLoaders(loaders ...ModuleLoader) Option {
	return func(h *Host) {
		h.loaders = append(h.loaders, loaders...)
	}
}

// WithErrorCodes sets the recognized error codes intercepted by route adapters.
func WithErrorCodes(codes *errorcodes.Set) Option {
	return func(h *Host) {
		h.codes = codes
	}
}

// WithCacheStore sets the store backing cached routes.
func WithCacheStore(store CacheStore) Option {
	return func(h *Host) {
		h.cache = store
	}
}

// WithStdout sets where plugin console output is written.
func WithStdout(w io.Writer) Option {
	return func(h *Host) {
		h.stdout = w
	}
}

// WithServerInfo sets the server information handed to plugins.
func WithServerInfo(info ServerInfo) Option {
	return func(h *Host) {
		h.info = info
	}
}

// Host discovers, loads and orchestrates plugins. Its lifecycle only moves
// forward: Base, Discovered, Initialized, ManagersBound.
type Host struct {
	root    string
	strict  bool
	order   Order
	loaders []ModuleLoader
	codes   *errorcodes.Set
	cache   CacheStore
	stdout  io.Writer
	info    ServerInfo
	flight  singleflight.Group

	mu        sync.RWMutex
	state     State
	busy      bool
	discovery *Discovery
	instances []*Instance
	exposed   *ExposedTable
}

// NewHost returns a host for the plugins under root.
func NewHost(root string, opts ...Option) *Host {
	h := &Host{
		root:    root,
		order:   OrderID,
		loaders: []ModuleLoader{builtinLoader{}},
		stdout:  os.Stdout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cache == nil {
		h.cache = NewMemoryCache()
	}

	return h
}

// State returns the current lifecycle phase.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.state
}

// Discovery returns the result of Discover, or nil before it ran.
func (h *Host) Discovery() *Discovery {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.discovery
}

// Plugins returns the loaded plugins in dispatch order.
func (h *Host) Plugins() []*Instance {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Instance, len(h.instances))
	copy(out, h.instances)

	return out
}

// ErrorCodes returns the recognized error codes.
func (h *Host) ErrorCodes() *errorcodes.Set {
	return h.codes
}

// begin reserves a transition out of from. Plugin code runs without the lock
// held so it may call back into the host.
func (h *Host) begin(op string, from State) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.busy {
		return fmt.Errorf("%w: %s while another transition is running", ErrInvalidState, op)
	}
	if err := exactState(op, h.state, from); err != nil {
		return err
	}
	h.busy = true

	return nil
}

func (h *Host) abort() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}

func (h *Host) commit(to State, apply func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	apply()
	h.state = to
	h.busy = false
}

// Discover reads every plugin descriptor under the root.
func (h *Host) Discover() error {
	if err := h.begin("discover", StateBase); err != nil {
		return err
	}

	res, err := Discover(h.root, DiscoverOptions{Strict: h.strict, Order: h.order})
	if err != nil {
		h.abort()
		return err
	}

	h.commit(StateDiscovered, func() {
		h.discovery = res
	})
	log.Info().
		Str("event", "plugins_discovered").
		Int("plugins", len(res.Plugins)).
		Int("disabled", len(res.Disabled)).
		Int("rejected", len(res.Rejected)).
		Msg("plugin discovery complete")

	return nil
}

// Initialize executes each plugin's main file in order. In lenient mode a
// plugin that fails to load is logged and left out.
func (h *Host) Initialize(ctx context.Context) error {
	if err := h.begin("initialize", StateDiscovered); err != nil {
		return err
	}

	descs := h.Discovery().Plugins
	instances := make([]*Instance, 0, len(descs))

	for _, desc := range descs {
		inst, err := h.load(ctx, desc)
		if err != nil {
			if h.strict {
				closeAll(ctx, instances)
				h.abort()

				return err
			}
			log.Error().
				Str("event", "plugin_load_failed").
				Str("plugin", desc.ID).
				Err(err).
				Msg("skipping plugin")

			continue
		}
		instances = append(instances, inst)
	}

	h.commit(StateInitialized, func() {
		h.instances = instances
	})

	return nil
}

func (h *Host) load(ctx context.Context, desc Descriptor) (*Instance, error) {
	inst := &Instance{
		Descriptor: desc,
		sink:       NewSink(h.stdout, desc.ID),
		logger:     log.With().Str("plugin", desc.ID).Logger(),
	}

	var loader ModuleLoader
	for _, l := range h.loaders {
		if l.Supports(desc) {
			loader = l
			break
		}
	}
	if loader == nil {
		return nil, newError(ErrModuleLoadFailure, desc.ID, desc.MainFile, errors.New("no loader supports this main file"))
	}

	pc := &Context{
		Descriptor: desc,
		Host:       h,
		ErrorCodes: h.codes,
		Info:       h.info,
		Logger:     inst.logger,
		Stdout:     inst.sink,
	}

	err := inst.scope(func() error {
		mod, err := loader.Load(ctx, pc)
		inst.module = mod
		return err
	})
	if err != nil {
		if inst.module != nil {
			_ = inst.module.Close(ctx)
		}
		return nil, newError(ErrModuleLoadFailure, desc.ID, desc.MainFile, err)
	}
	if inst.module == nil {
		return nil, newError(ErrModuleLoadFailure, desc.ID, desc.MainFile, errors.New("loader returned no module"))
	}

	inst.logger.Info().
		Str("event", "plugin_loaded").
		Str("name", desc.Name).
		Str("version", desc.Version).
		Msg("plugin loaded")

	return inst, nil
}

// BindManagers collects every plugin's registry and builds the exposed table.
// A missing registry or an exposed name collision fails regardless of strictness.
func (h *Host) BindManagers(context.Context) error {
	if err := h.begin("bind_managers", StateInitialized); err != nil {
		return err
	}

	instances := h.Plugins()
	regs := make([]*Registry, 0, len(instances))
	for _, inst := range instances {
		reg := inst.module.Manager()
		if reg == nil {
			h.abort()
			return newError(ErrManagerNotFound, inst.ID(), inst.Descriptor.MainFile, nil)
		}
		regs = append(regs, reg)
	}

	exposed, err := MergeExposed(regs)
	if err != nil {
		h.abort()
		return err
	}

	for i, inst := range instances {
		regs[i].Freeze()
		inst.Registry = regs[i]
		inst.logger.Debug().
			Str("event", "manager_bound").
			Int("routes", len(regs[i].Routes())).
			Int("sockets", len(regs[i].Sockets())).
			Strs("events", regs[i].Events()).
			Msg("plugin manager bound")
	}

	h.commit(StateManagersBound, func() {
		h.exposed = exposed
	})

	return nil
}

// bound returns the plugins once managers are bound.
func (h *Host) bound(op string) ([]*Instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := minState(op, h.state, StateManagersBound); err != nil {
		return nil, err
	}

	return h.instances, nil
}

// DispatchEvent calls the handler for event in every plugin that has one, in
// order, and returns the first non-nil result. A handler error stops the
// dispatch and is returned as is.
func (h *Host) DispatchEvent(ctx context.Context, event string, args ...any) (any, error) {
	instances, err := h.bound("dispatch_event")
	if err != nil {
		return nil, err
	}

	for _, inst := range instances {
		handler, ok := inst.Registry.Event(event)
		if !ok {
			continue
		}

		var res any
		err := inst.scope(func() error {
			var err error
			res, err = handler(ctx, args...)
			return err
		})
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	return nil, nil
}

// RunExposed calls the function published under name.
func (h *Host) RunExposed(ctx context.Context, name string, args ...any) (any, error) {
	if _, err := h.bound("run_exposed"); err != nil {
		return nil, err
	}

	h.mu.RLock()
	fn, owner, ok := h.exposed.Lookup(name)
	h.mu.RUnlock()
	if !ok {
		return nil, newError(ErrFunctionNotFound, "", name, nil)
	}

	inst := h.instance(owner)
	if inst == nil {
		return fn(ctx, args...)
	}

	var res any
	err := inst.scope(func() error {
		var err error
		res, err = fn(ctx, args...)
		return err
	})

	return res, err
}

func (h *Host) instance(id string) *Instance {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, inst := range h.instances {
		if inst.ID() == id {
			return inst
		}
	}

	return nil
}

// fireLocal runs one plugin's handler for event, if it has one.
func (h *Host) fireLocal(ctx context.Context, inst *Instance, event string) error {
	handler, ok := inst.Registry.Event(event)
	if !ok {
		return nil
	}

	return inst.scope(func() error {
		_, err := handler(ctx)
		return err
	})
}

// Mount binds every route and socket into the transport, firing the loading
// events around it.
func (h *Host) Mount(ctx context.Context, routes RouteRegistrar, sockets SocketRegistrar) error {
	if _, err := h.DispatchEvent(ctx, EventPreLoad); err != nil {
		return fmt.Errorf("%s: %w", EventPreLoad, err)
	}
	if err := h.BindRoutes(ctx, routes); err != nil {
		return err
	}
	if err := h.BindSockets(ctx, sockets); err != nil {
		return err
	}
	if _, err := h.DispatchEvent(ctx, EventLoaded); err != nil {
		return fmt.Errorf("%s: %w", EventLoaded, err)
	}
	if _, err := h.DispatchEvent(ctx, EventServerOnLoad); err != nil {
		return fmt.Errorf("%s: %w", EventServerOnLoad, err)
	}

	return nil
}

// Close releases every loaded module and any loader resources.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	instances := h.instances
	h.mu.Unlock()

	err := closeAll(ctx, instances)
	for _, l := range h.loaders {
		if c, ok := l.(interface{ Close(context.Context) error }); ok {
			err = errors.Join(err, c.Close(ctx))
		}
	}

	return err
}

func closeAll(ctx context.Context, instances []*Instance) error {
	var err error
	for i := len(instances) - 1; i >= 0; i-- {
		inst := instances[i]
		if inst.module == nil {
			continue
		}
		if cerr := inst.module.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", inst.ID(), cerr))
		}
	}

	return err
}
