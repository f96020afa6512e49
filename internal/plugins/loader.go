package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Module is a loaded plugin unit.
type Module interface {
	// Manager returns the registry the entry point produced, or nil.
	Manager() *Registry
	Close(ctx context.Context) error
}

// ModuleLoader executes a plugin's main file.
type ModuleLoader interface {
	Supports(desc Descriptor) bool
	Load(ctx context.Context, pc *Context) (Module, error)
}

// EntryPoint is a compiled-in plugin. It returns the registry it built, or
// nil when it provides none.
type EntryPoint func(pc *Context) (*Registry, error)

var (
	entryMu     sync.RWMutex
	entryPoints = make(map[string]EntryPoint)
)

// RegisterEntryPoint makes ep available to descriptors whose main file is
// "builtin:<name>". It panics when name is registered twice.
func RegisterEntryPoint(name string, ep EntryPoint) {
	entryMu.Lock()
	defer entryMu.Unlock()

	if ep == nil {
		panic("plugins: RegisterEntryPoint with nil entry point")
	}
	if _, dup := entryPoints[name]; dup {
		panic("plugins: RegisterEntryPoint called twice for " + name)
	}
	entryPoints[name] = ep
}

// EntryPoints returns the registered builtin names, sorted.
func EntryPoints() []string {
	entryMu.RLock()
	defer entryMu.RUnlock()

	names := make([]string, 0, len(entryPoints))
	for name := range entryPoints {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

type builtinLoader struct{}

func (builtinLoader) Supports(desc Descriptor) bool {
	_, ok := desc.Builtin()
	return ok
}

func (builtinLoader) Load(_ context.Context, pc *Context) (Module, error) {
	name, _ := pc.Descriptor.Builtin()

	entryMu.RLock()
	ep, ok := entryPoints[name]
	entryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin entry point %q", name)
	}

	reg, err := ep(pc)
	if err != nil {
		return nil, err
	}

	return staticModule{reg: reg}, nil
}

type staticModule struct {
	reg *Registry
}

func (m staticModule) Manager() *Registry {
	return m.reg
}

func (staticModule) Close(context.Context) error {
	return nil
}
