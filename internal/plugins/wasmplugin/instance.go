package wasmplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/andrei-cloud/go_webhost/pkg/webplugin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ErrReentrant is returned when a plugin's guest code calls back into itself.
var ErrReentrant = errors.New("plugin re-entered while running")

type activeKey struct {
	inst *instance
}

// instance is one instantiated guest module.
type instance struct {
	pc       *plugins.Context
	compiled wazero.CompiledModule
	mod      api.Module
	alloc    api.Function
	free     api.Function
	handle   api.Function

	gate    *plugins.Gate
	pending []byte
	reg     *plugins.Registry
}

// enter locks the instance for a guest call and returns the context the
// guest runs with and the function releasing the lock.
func (i *instance) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(activeKey{i}) != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrReentrant, i.pc.ID())
	}
	ctx, release, err := i.gate.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s: %w", i.pc.ID(), err)
	}

	return withCaller(context.WithValue(ctx, activeKey{i}, true), i), release, nil
}

// init calls the guest Init export and returns the manifest, or nil when the
// guest provides no manager.
func (i *instance) init(ctx context.Context) (*webplugin.Manifest, error) {
	fn := i.mod.ExportedFunction(webplugin.ExportInit)
	if fn == nil {
		return nil, fmt.Errorf("module does not export %s", webplugin.ExportInit)
	}

	ctx, release, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	results, err := fn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("init failed: %w", err)
	}
	if len(results) == 0 || results[0] == 0 {
		return nil, nil
	}

	data, err := readPacked(ctx, i.mod, i.free, results[0])
	if err != nil {
		return nil, err
	}

	var m webplugin.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return &m, nil
}

// invoke runs one handler in the guest.
func (i *instance) invoke(ctx context.Context, inv webplugin.Invocation) ([]any, error) {
	in, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	ctx, release, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ptr, err := allocBuffer(ctx, i.mod, i.alloc, in)
	if err != nil {
		return nil, err
	}

	results, err := i.handle.Call(ctx, uint64(ptr), uint64(len(in)))
	if err != nil {
		return nil, fmt.Errorf("plugin execution error: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("invalid execution result")
	}

	out, err := readPacked(ctx, i.mod, i.free, results[0])
	if err != nil {
		return nil, err
	}

	var res webplugin.Result
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}

	return res.Values, nil
}

// hostCall serves a guest's call_host.
func (i *instance) hostCall(ctx context.Context, call webplugin.HostCall) webplugin.HostReply {
	var (
		v   any
		err error
	)
	switch call.Op {
	case webplugin.OpDispatch:
		v, err = i.pc.Host.DispatchEvent(ctx, call.Name, call.Args...)
	case webplugin.OpRunExposed:
		v, err = i.pc.Host.RunExposed(ctx, call.Name, call.Args...)
	default:
		err = fmt.Errorf("unknown host call %q", call.Op)
	}
	if err != nil {
		return webplugin.HostReply{Error: err.Error()}
	}

	return webplugin.HostReply{Value: wireValue(v)}
}

// registry builds the plugin's registry from its manifest.
func (i *instance) registry(m *webplugin.Manifest) (*plugins.Registry, error) {
	reg := i.pc.Manager()

	if len(m.Sockets) > 0 {
		return nil, fmt.Errorf("%w: %s", plugins.ErrSocketNotSuspendable, m.Sockets[0])
	}

	for _, r := range m.Routes {
		var opts []plugins.RouteOption
		if r.Cache {
			opts = append(opts, plugins.WithCache())
		}
		if len(r.Methods) > 0 {
			opts = append(opts, plugins.WithMethods(r.Methods...))
		}
		if err := reg.Route(r.Path, i.routeHandler(r.Path), opts...); err != nil {
			return nil, err
		}
	}

	for _, ev := range m.Events {
		if err := reg.On(ev, i.valueHandler(webplugin.KindEvent, ev)); err != nil {
			return nil, err
		}
	}

	for _, e := range m.Exposed {
		fn := plugins.ExposedFunc(i.valueHandler(webplugin.KindExposed, e.Name))
		if err := reg.Expose(e.Name, fn, e.Overridable); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func (i *instance) routeHandler(path string) plugins.RouteHandler {
	return func(ctx context.Context, req plugins.Request, params ...string) (plugins.Reply, error) {
		info, err := requestInfo(req)
		if err != nil {
			return nil, err
		}

		vals, err := i.invoke(ctx, webplugin.Invocation{
			Kind:    webplugin.KindRoute,
			Name:    path,
			Request: info,
			Params:  params,
		})
		if err != nil {
			return nil, err
		}

		return plugins.Reply(vals), nil
	}
}

func (i *instance) valueHandler(kind, name string) plugins.EventHandler {
	return func(ctx context.Context, args ...any) (any, error) {
		wire, err := wireArgs(args)
		if err != nil {
			return nil, err
		}

		vals, err := i.invoke(ctx, webplugin.Invocation{Kind: kind, Name: name, Args: wire})
		if err != nil {
			return nil, err
		}

		switch len(vals) {
		case 0:
			return nil, nil
		case 1:
			return vals[0], nil
		default:
			return plugins.Reply(vals), nil
		}
	}
}

func (i *instance) close(ctx context.Context) error {
	err := i.mod.Close(ctx)
	if cerr := i.compiled.Close(ctx); err == nil {
		err = cerr
	}

	return err
}
