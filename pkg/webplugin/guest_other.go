//go:build !wasip1

package webplugin

import (
	"errors"
	"fmt"
	"os"
)

// ErrNoHost is returned by host calls made outside a WebAssembly host.
var ErrNoHost = errors.New("not running inside a plugin host")

func callHost(HostCall) (any, error) {
	return nil, ErrNoHost
}

// LogDebug writes to stderr outside a host.
func LogDebug(msg string) { fmt.Fprintln(os.Stderr, "debug:", msg) }

// LogInfo writes to stderr outside a host.
func LogInfo(msg string) { fmt.Fprintln(os.Stderr, "info:", msg) }

// LogError writes to stderr outside a host.
func LogError(msg string) { fmt.Fprintln(os.Stderr, "error:", msg) }
