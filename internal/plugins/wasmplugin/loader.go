// Package wasmplugin loads plugins compiled to WebAssembly. Guests use the
// pkg/webplugin SDK and run inside a shared wazero runtime.
package wasmplugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/andrei-cloud/go_webhost/pkg/webplugin"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Extension is the main file suffix this loader accepts.
const Extension = ".wasm"

// Loader compiles and instantiates *.wasm main files.
type Loader struct {
	mu      sync.Mutex
	runtime wazero.Runtime
}

// NewLoader returns a loader. The runtime is created on first load.
func NewLoader() *Loader {
	return &Loader{}
}

// Supports reports whether the main file is a WebAssembly module.
func (*Loader) Supports(desc plugins.Descriptor) bool {
	return strings.EqualFold(filepath.Ext(desc.MainFile), Extension)
}

func (l *Loader) ensureRuntime(ctx context.Context) (wazero.Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runtime != nil {
		return l.runtime, nil
	}

	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
	}
	if err := registerHostFunctions(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	l.runtime = rt
	log.Debug().Str("event", "wasm_runtime_ready").Msg("wasm runtime created")

	return rt, nil
}

// Load instantiates the main file and reads its manifest.
func (l *Loader) Load(ctx context.Context, pc *plugins.Context) (plugins.Module, error) {
	rt, err := l.ensureRuntime(ctx)
	if err != nil {
		return nil, err
	}

	wasmBytes, err := os.ReadFile(pc.Descriptor.MainFile)
	if err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile plugin module: %w", err)
	}

	cfg := wazero.NewModuleConfig().
		WithName(pc.ID()).
		WithStdout(pc.Stdout).
		WithStderr(pc.Stdout).
		WithStartFunctions("_initialize")

	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate plugin module: %w", err)
	}

	inst := &instance{
		pc:       pc,
		compiled: compiled,
		mod:      mod,
		alloc:    mod.ExportedFunction(webplugin.ExportAlloc),
		free:     mod.ExportedFunction(webplugin.ExportFree),
		handle:   mod.ExportedFunction(webplugin.ExportHandle),
		gate:     plugins.NewGate(),
	}
	if inst.alloc == nil || inst.handle == nil {
		_ = inst.close(ctx)
		return nil, fmt.Errorf("module must export %s and %s", webplugin.ExportAlloc, webplugin.ExportHandle)
	}

	manifest, err := inst.init(ctx)
	if err != nil {
		_ = inst.close(ctx)
		return nil, err
	}
	if manifest != nil {
		if inst.reg, err = inst.registry(manifest); err != nil {
			_ = inst.close(ctx)
			return nil, err
		}
	}

	return &module{inst: inst}, nil
}

// Close releases the runtime and every module it still holds.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runtime == nil {
		return nil
	}
	err := l.runtime.Close(ctx)
	l.runtime = nil

	return err
}

type module struct {
	inst *instance
}

func (m *module) Manager() *plugins.Registry {
	return m.inst.reg
}

func (m *module) Close(ctx context.Context) error {
	return m.inst.close(ctx)
}
