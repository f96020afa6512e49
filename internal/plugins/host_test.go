package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onEvent(event string, fn EventHandler) EntryPoint {
	return func(pc *Context) (*Registry, error) {
		m := pc.Manager()
		if err := m.On(event, fn); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func emptyEntry(pc *Context) (*Registry, error) {
	return pc.Manager(), nil
}

func TestHostLifecycleOrder(t *testing.T) {
	root := t.TempDir()
	writeValidPlugin(t, root, "p1")
	h := NewHost(root, WithLoaders(newTestLoader().add("p1", emptyEntry)), WithStdout(&bytes.Buffer{}))
	ctx := context.Background()

	assert.Equal(t, StateBase, h.State())
	assert.ErrorIs(t, h.Initialize(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.BindManagers(ctx), ErrInvalidState)
	assert.Equal(t, StateBase, h.State())

	require.NoError(t, h.Discover())
	assert.Equal(t, StateDiscovered, h.State())
	assert.ErrorIs(t, h.Discover(), ErrInvalidState)
	assert.ErrorIs(t, h.BindManagers(ctx), ErrInvalidState)

	_, err := h.DispatchEvent(ctx, EventServerStart)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.RunExposed(ctx, "x")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, h.BindRoutes(ctx, func(string, []string, RouteFunc) error { return nil }), ErrInvalidState)
	assert.Equal(t, StateDiscovered, h.State())

	require.NoError(t, h.Initialize(ctx))
	assert.Equal(t, StateInitialized, h.State())
	require.NoError(t, h.BindManagers(ctx))
	assert.Equal(t, StateManagersBound, h.State())
	assert.ErrorIs(t, h.BindManagers(ctx), ErrInvalidState)
	assert.Equal(t, "ManagersBound", h.State().String())
}

func TestDispatchEventFirstResponder(t *testing.T) {
	var p3Called bool
	h, _ := newBoundHost(t, []string{"p1", "p2", "p3"}, map[string]EntryPoint{
		"p1": emptyEntry,
		"p2": onEvent("greet", func(context.Context, ...any) (any, error) { return "r", nil }),
		"p3": onEvent("greet", func(context.Context, ...any) (any, error) {
			p3Called = true
			return "s", nil
		}),
	})

	v, err := h.DispatchEvent(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, "r", v)
	assert.False(t, p3Called)

	v, err = h.DispatchEvent(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDispatchEventPassesArgsAndSkipsNil(t *testing.T) {
	var seen []any
	h, _ := newBoundHost(t, []string{"a", "b"}, map[string]EntryPoint{
		"a": onEvent("sum", func(_ context.Context, args ...any) (any, error) {
			seen = args
			return nil, nil
		}),
		"b": onEvent("sum", func(_ context.Context, args ...any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		}),
	})

	v, err := h.DispatchEvent(context.Background(), "sum", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, []any{2, 3}, seen)
}

func TestDispatchEventErrorStopsIteration(t *testing.T) {
	var laterCalled bool
	boom := errors.New("boom")
	h, _ := newBoundHost(t, []string{"a", "b"}, map[string]EntryPoint{
		"a": onEvent("e", func(context.Context, ...any) (any, error) { return nil, boom }),
		"b": onEvent("e", func(context.Context, ...any) (any, error) {
			laterCalled = true
			return "late", nil
		}),
	})

	_, err := h.DispatchEvent(context.Background(), "e")
	assert.Same(t, boom, err)
	assert.False(t, laterCalled)
}

func TestDispatchEventHandlerFunctionNotFoundPropagates(t *testing.T) {
	h, _ := newBoundHost(t, []string{"a", "b"}, map[string]EntryPoint{
		"a": func(pc *Context) (*Registry, error) {
			m := pc.Manager()
			_ = m.On("e", func(ctx context.Context, _ ...any) (any, error) {
				return pc.Host.RunExposed(ctx, "missing")
			})
			return m, nil
		},
		"b": onEvent("e", func(context.Context, ...any) (any, error) { return "b", nil }),
	})

	_, err := h.DispatchEvent(context.Background(), "e")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestDispatchEventRecoversPanic(t *testing.T) {
	h, out := newBoundHost(t, []string{"a"}, map[string]EntryPoint{
		"a": func(pc *Context) (*Registry, error) {
			m := pc.Manager()
			_ = m.On("e", func(context.Context, ...any) (any, error) {
				_, _ = fmt.Fprint(pc.Stdout, "about to fail")
				panic("kaboom")
			})
			return m, nil
		},
	})

	_, err := h.DispatchEvent(context.Background(), "e")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "[a] about to fail\n", out.String())
}

func TestConcreteGreetScenario(t *testing.T) {
	greet := func(pc *Context) (*Registry, error) {
		m := pc.Manager()
		if err := m.Expose("greet", constFn("hi"), false); err != nil {
			return nil, err
		}
		_ = m.On(EventServerStart, func(context.Context, ...any) (any, error) { return "started", nil })
		return m, nil
	}

	t.Run("colliding greet fails naming p2", func(t *testing.T) {
		root := t.TempDir()
		writeValidPlugin(t, root, "p1")
		writeValidPlugin(t, root, "p2")
		loader := newTestLoader().
			add("p1", greet).
			add("p2", func(pc *Context) (*Registry, error) {
				m := pc.Manager()
				return m, m.Expose("greet", constFn("yo"), false)
			})
		h := NewHost(root, WithLoaders(loader), WithStdout(&bytes.Buffer{}))
		require.NoError(t, h.Discover())
		require.NoError(t, h.Initialize(context.Background()))

		err := h.BindManagers(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateExposedSymbol)
		var pe *PluginError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "p2", pe.Plugin)
		assert.Equal(t, StateInitialized, h.State())
	})

	t.Run("server.start answered by p1", func(t *testing.T) {
		h, _ := newBoundHost(t, []string{"p1", "p2"}, map[string]EntryPoint{
			"p1": greet,
			"p2": onEvent(EventServerStart, func(context.Context, ...any) (any, error) { return nil, nil }),
		})

		v, err := h.DispatchEvent(context.Background(), EventServerStart)
		require.NoError(t, err)
		assert.Equal(t, "started", v)

		v, err = h.RunExposed(context.Background(), "greet")
		require.NoError(t, err)
		assert.Equal(t, "hi", v)
	})
}

func TestRunExposedUnknownName(t *testing.T) {
	h, out := newBoundHost(t, []string{"a"}, map[string]EntryPoint{"a": emptyEntry})

	_, err := h.RunExposed(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFunctionNotFound)
	assert.Empty(t, out.String())
	assert.Equal(t, StateManagersBound, h.State())
}

func TestInitializeIsolatesLoadFailures(t *testing.T) {
	failing := func(*Context) (*Registry, error) { return nil, errors.New("syntax error") }

	t.Run("lenient", func(t *testing.T) {
		h, _ := newBoundHost(t, []string{"bad", "good"}, map[string]EntryPoint{
			"bad":  failing,
			"good": emptyEntry,
		})
		require.Len(t, h.Plugins(), 1)
		assert.Equal(t, "good", h.Plugins()[0].ID())
	})

	t.Run("strict", func(t *testing.T) {
		root := t.TempDir()
		writeValidPlugin(t, root, "a")
		writeValidPlugin(t, root, "bad")
		loader := newTestLoader().add("a", emptyEntry).add("bad", failing)
		h := NewHost(root, WithStrict(true), WithLoaders(loader), WithStdout(&bytes.Buffer{}))
		require.NoError(t, h.Discover())

		err := h.Initialize(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModuleLoadFailure)
		assert.Contains(t, err.Error(), "syntax error")
		assert.Equal(t, StateDiscovered, h.State())
		assert.Equal(t, []string{"a"}, loader.closed)
	})

	t.Run("no loader for main file", func(t *testing.T) {
		root := t.TempDir()
		writeValidPlugin(t, root, "orphan")
		h := NewHost(root, WithStrict(true), WithStdout(&bytes.Buffer{}))
		require.NoError(t, h.Discover())
		assert.ErrorIs(t, h.Initialize(context.Background()), ErrModuleLoadFailure)
	})
}

func TestBindManagersRequiresRegistry(t *testing.T) {
	root := t.TempDir()
	writeValidPlugin(t, root, "a")
	loader := newTestLoader().add("a", func(*Context) (*Registry, error) { return nil, nil })
	h := NewHost(root, WithLoaders(loader), WithStdout(&bytes.Buffer{}))
	require.NoError(t, h.Discover())
	require.NoError(t, h.Initialize(context.Background()))

	err := h.BindManagers(context.Background())
	assert.ErrorIs(t, err, ErrManagerNotFound)
	assert.Equal(t, StateInitialized, h.State())
}

func TestRegistriesFrozenAfterBind(t *testing.T) {
	h, _ := newBoundHost(t, []string{"a"}, map[string]EntryPoint{"a": emptyEntry})
	reg := h.Plugins()[0].Registry
	assert.ErrorIs(t, reg.Route("/late", okRoute("x")), ErrRegistryFrozen)
}

func TestPluginCallsBackDuringDispatch(t *testing.T) {
	h, _ := newBoundHost(t, []string{"a", "b"}, map[string]EntryPoint{
		"a": func(pc *Context) (*Registry, error) {
			m := pc.Manager()
			_ = m.Expose("double", func(_ context.Context, args ...any) (any, error) {
				return args[0].(int) * 2, nil
			}, false)
			return m, nil
		},
		"b": func(pc *Context) (*Registry, error) {
			m := pc.Manager()
			_ = m.On("compute", func(ctx context.Context, _ ...any) (any, error) {
				return pc.Host.RunExposed(ctx, "double", 21)
			})
			return m, nil
		},
	})

	v, err := h.DispatchEvent(context.Background(), "compute")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBuiltinEntryPoint(t *testing.T) {
	if !slices.Contains(EntryPoints(), "test-builtin") {
		RegisterEntryPoint("test-builtin", func(pc *Context) (*Registry, error) {
			m := pc.Manager()
			_ = m.On("ping", func(context.Context, ...any) (any, error) { return "pong", nil })
			return m, nil
		})
	}
	assert.Contains(t, EntryPoints(), "test-builtin")
	assert.Panics(t, func() { RegisterEntryPoint("test-builtin", emptyEntry) })

	root := t.TempDir()
	writePlugin(t, root, "b", replaceMain(validDescriptorFor("b"), "builtin:test-builtin"))
	writePlugin(t, root, "c", replaceMain(validDescriptorFor("c"), "builtin:not-registered"))
	h := NewHost(root, WithStdout(&bytes.Buffer{}))
	require.NoError(t, h.Discover())
	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, h.BindManagers(context.Background()))
	require.Len(t, h.Plugins(), 1)

	v, err := h.DispatchEvent(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
}

func TestCloseReleasesModulesInReverseOrder(t *testing.T) {
	root := t.TempDir()
	writeValidPlugin(t, root, "a")
	writeValidPlugin(t, root, "b")
	loader := newTestLoader().add("a", emptyEntry).add("b", emptyEntry)
	h := NewHost(root, WithLoaders(loader), WithStdout(&bytes.Buffer{}))
	require.NoError(t, h.Discover())
	require.NoError(t, h.Initialize(context.Background()))

	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, []string{"b", "a"}, loader.closed)
}

func replaceMain(body, main string) string {
	return replaceOnce(body, "main.test", main)
}

func replaceOnce(s, old, repl string) string {
	return string(bytes.Replace([]byte(s), []byte(old), []byte(repl), 1))
}
