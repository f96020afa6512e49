package wasmplugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/andrei-cloud/go_webhost/pkg/webplugin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

type callerKey struct{}

// withCaller records the instance whose guest code is running, so host
// functions can attribute their work.
func withCaller(ctx context.Context, inst *instance) context.Context {
	return context.WithValue(ctx, callerKey{}, inst)
}

func caller(ctx context.Context) *instance {
	inst, _ := ctx.Value(callerKey{}).(*instance)
	return inst
}

// registerHostFunctions instantiates the env module every guest imports.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder(webplugin.HostModule)

	builder.NewFunctionBuilder().
		WithFunc(logAt(zerolog.DebugLevel)).
		Export("log_debug")

	builder.NewFunctionBuilder().
		WithFunc(logAt(zerolog.InfoLevel)).
		Export("log_info")

	builder.NewFunctionBuilder().
		WithFunc(logAt(zerolog.ErrorLevel)).
		Export("log_error")

	builder.NewFunctionBuilder().
		WithFunc(callHost).
		Export("call_host")

	builder.NewFunctionBuilder().
		WithFunc(hostResult).
		Export("host_result")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host functions module: %w", err)
	}

	return nil
}

func loggerFor(ctx context.Context, mod api.Module) zerolog.Logger {
	if inst := caller(ctx); inst != nil {
		return inst.pc.Logger
	}

	return log.With().Str("plugin", mod.Name()).Logger()
}

func logAt(level zerolog.Level) func(context.Context, api.Module, uint32, uint32) {
	return func(ctx context.Context, mod api.Module, ptr, size uint32) {
		logger := loggerFor(ctx, mod)
		data, err := readMemory(mod, ptr, size)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read plugin log message")
			return
		}

		logger.WithLevel(level).
			Str("event", "plugin_log").
			Str("source", "wasm").
			Msg(string(data))
	}
}

// callHost runs a JSON HostCall against the host handle and stages the JSON
// reply for host_result. It returns the reply length, 0 on failure.
func callHost(ctx context.Context, mod api.Module, ptr, size uint32) uint32 {
	logger := loggerFor(ctx, mod)
	inst := caller(ctx)
	if inst == nil {
		logger.Error().Msg("call_host outside a plugin invocation")
		return 0
	}

	raw, err := readMemory(mod, ptr, size)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read host call")
		return 0
	}

	var call webplugin.HostCall
	var reply webplugin.HostReply
	if err := json.Unmarshal(raw, &call); err != nil {
		reply.Error = "decode host call: " + err.Error()
	} else {
		reply = inst.hostCall(ctx, call)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		data, _ = json.Marshal(webplugin.HostReply{Error: "encode host reply: " + err.Error()})
	}
	inst.pending = data

	return uint32(len(data))
}

// hostResult copies the staged reply into guest memory at ptr.
func hostResult(ctx context.Context, mod api.Module, ptr uint32) {
	inst := caller(ctx)
	if inst == nil {
		return
	}
	data := inst.pending
	inst.pending = nil

	if err := writeMemory(mod, ptr, data); err != nil {
		logger := loggerFor(ctx, mod)
		logger.Error().Err(err).Msg("failed to write host reply")
	}
}
