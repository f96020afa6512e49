// Package builtin holds plugin entry points compiled into the host binary.
// Descriptors select them with main-file "builtin:<name>".
package builtin

import (
	"context"
	"net/http"
	"net/url"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
)

// HTTPSRedirect is the entry point name of the insecure request redirector.
const HTTPSRedirect = "https-redirect"

func init() {
	plugins.RegisterEntryPoint(HTTPSRedirect, httpsRedirect)
}

// httpsRedirect answers insecure requests with a permanent redirect to the
// https form of the same URL while the server has SSL enabled.
func httpsRedirect(pc *plugins.Context) (*plugins.Registry, error) {
	reg := pc.Manager()
	if !pc.Info.SSL {
		pc.Logger.Debug().
			Str("event", "redirect_disabled").
			Msg("ssl disabled, not redirecting")
		return reg, nil
	}

	err := reg.On(plugins.EventServerRequest, func(_ context.Context, args ...any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		req, ok := args[0].(plugins.Request)
		if !ok || req.Secure() {
			return nil, nil
		}

		target := secureURL(req)
		pc.Logger.Debug().
			Str("event", "https_redirect").
			Str("path", req.Path()).
			Str("location", target).
			Msg("redirecting insecure request")

		return plugins.Redirect(target, http.StatusMovedPermanently), nil
	})
	if err != nil {
		return nil, err
	}

	return reg, nil
}

func secureURL(req plugins.Request) string {
	u := url.URL{Scheme: "https", Host: req.Host(), Path: "/"}
	if src := req.URL(); src != nil {
		u.Path = src.Path
		u.RawPath = src.RawPath
		u.RawQuery = src.RawQuery
	}

	return u.String()
}
