package plugins

import (
	"context"
	"io"

	"github.com/andrei-cloud/go_webhost/internal/errorcodes"
	"github.com/rs/zerolog"
)

// HostHandle is the part of the host a plugin may call back into.
type HostHandle interface {
	DispatchEvent(ctx context.Context, event string, args ...any) (any, error)
	RunExposed(ctx context.Context, name string, args ...any) (any, error)
}

// ServerInfo is read-only information about the server hosting the plugins.
type ServerInfo struct {
	Name          string
	Address       string
	HTMLDirectory string
	SSL           bool
}

// Context is handed to every plugin entry point.
type Context struct {
	Descriptor Descriptor
	Host       HostHandle
	ErrorCodes *errorcodes.Set
	Info       ServerInfo
	Logger     zerolog.Logger
	Stdout     io.Writer

	registry *Registry
}

// ID returns the plugin id.
func (c *Context) ID() string {
	return c.Descriptor.ID
}

// Manager returns the plugin's registry, creating it on first use. Entry
// points return it to publish their capabilities.
func (c *Context) Manager() *Registry {
	if c.registry == nil {
		c.registry = NewRegistry(c.Descriptor.ID)
	}

	return c.registry
}
