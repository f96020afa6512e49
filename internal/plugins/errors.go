// Package plugins implements the plugin runtime: discovery, loading, capability
// registries and the dispatch surface the web host binds its transport to.
package plugins

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds reported by the plugin runtime. Match them with errors.Is.
var (
	ErrDescriptorInvalid      = errors.New("descriptor invalid")
	ErrIncompatibleLoader     = errors.New("incompatible loader version")
	ErrPluginDisabled         = errors.New("plugin disabled")
	ErrModuleLoadFailure      = errors.New("module load failure")
	ErrManagerNotFound        = errors.New("manager not found")
	ErrDuplicateRouteBinding  = errors.New("duplicate route binding")
	ErrDuplicateSocketBinding = errors.New("duplicate socket binding")
	ErrDuplicateEventBinding  = errors.New("duplicate event binding")
	ErrDuplicateExposedSymbol = errors.New("duplicate exposed symbol")
	ErrFunctionNotFound       = errors.New("function not found")
	ErrHandlerArity           = errors.New("handler arity error")
	ErrSocketNotSuspendable   = errors.New("socket handler cannot suspend")
	ErrRegistryFrozen         = errors.New("registry frozen")
	ErrInvalidState           = errors.New("invalid loader state")
	ErrCallCycle              = errors.New("cross-plugin call cycle")
)

// PluginError attributes an error kind to a plugin and, optionally, to the
// symbol (path, event id or exposed name) that caused it.
type PluginError struct {
	Kind   error
	Plugin string
	Symbol string
	Err    error
}

// Error implements the error interface.
func (e *PluginError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Plugin != "" {
		fmt.Fprintf(&b, ": plugin %q", e.Plugin)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, " symbol %q", e.Symbol)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *PluginError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

func newError(kind error, plugin, symbol string, cause error) *PluginError {
	return &PluginError{Kind: kind, Plugin: plugin, Symbol: symbol, Err: cause}
}
