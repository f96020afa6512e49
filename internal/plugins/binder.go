package plugins

import (
	"context"
	"fmt"

	"github.com/andrei-cloud/go_webhost/internal/errorcodes"
	"github.com/andrei-cloud/go_webhost/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RouteRegistrar is the transport primitive receiving route adapters.
type RouteRegistrar func(path string, methods []string, fn RouteFunc) error

// SocketRegistrar is the transport primitive receiving socket adapters.
type SocketRegistrar func(path string, fn SocketFunc) error

// BindRoutes hands one adapter per registered route of every plugin to
// register. Each plugin's set is wrapped in its pre- and post-endpoints events.
func (h *Host) BindRoutes(ctx context.Context, register RouteRegistrar) error {
	instances, err := h.bound("bind_routes")
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if err := h.fireLocal(ctx, inst, EventPreEndpoints); err != nil {
			return fmt.Errorf("%s %s: %w", inst.ID(), EventPreEndpoints, err)
		}

		for _, b := range inst.Registry.Routes() {
			if err := register(b.Path, b.Methods, h.routeAdapter(inst, b)); err != nil {
				return fmt.Errorf("register route %s for %s: %w", b.Path, inst.ID(), err)
			}
			inst.logger.Info().
				Str("event", "route_bound").
				Str("adapter", uuid.NewString()).
				Str("path", b.Path).
				Strs("methods", b.Methods).
				Bool("cache", b.Cache).
				Msg("adding endpoint")
		}

		if err := h.fireLocal(ctx, inst, EventPostEndpoints); err != nil {
			return fmt.Errorf("%s %s: %w", inst.ID(), EventPostEndpoints, err)
		}
	}

	return nil
}

// BindSockets hands one adapter per registered socket of every plugin to
// register. Each plugin's set is wrapped in its pre- and post-sockets events.
func (h *Host) BindSockets(ctx context.Context, register SocketRegistrar) error {
	instances, err := h.bound("bind_sockets")
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if err := h.fireLocal(ctx, inst, EventPreSockets); err != nil {
			return fmt.Errorf("%s %s: %w", inst.ID(), EventPreSockets, err)
		}

		for _, b := range inst.Registry.Sockets() {
			if err := register(b.Path, h.socketAdapter(inst, b)); err != nil {
				return fmt.Errorf("register socket %s for %s: %w", b.Path, inst.ID(), err)
			}
			inst.logger.Info().
				Str("event", "socket_bound").
				Str("adapter", uuid.NewString()).
				Str("path", b.Path).
				Msg("adding socket")
		}

		if err := h.fireLocal(ctx, inst, EventPostSockets); err != nil {
			return fmt.Errorf("%s %s: %w", inst.ID(), EventPostSockets, err)
		}
	}

	return nil
}

// routeAdapter runs the server.request interceptors, then the plugin handler.
// A recognized error status aborts into the error chain instead of returning
// the payload.
func (h *Host) routeAdapter(inst *Instance, b RouteBinding) RouteFunc {
	call := func(ctx context.Context, req Request, params ...string) (Response, error) {
		var reply Reply
		err := inst.scope(func() error {
			var err error
			reply, err = b.Handler(ctx, req, params...)
			return err
		})
		if err != nil {
			return Response{}, err
		}

		resp, ok := reply.Response()
		if !ok {
			cause := fmt.Errorf("returned %d values, want payload and integer status", len(reply))
			return Response{}, newError(ErrHandlerArity, inst.ID(), b.Path, cause)
		}
		if h.codes.Contains(resp.Status) {
			return Response{}, errorcodes.Abort(resp.Status)
		}

		return resp, nil
	}
	if b.Cache {
		call = h.memoize(inst.ID(), b.Path, call)
	}

	return func(ctx context.Context, req Request, params ...string) (Response, error) {
		resp, ok, err := h.Intercept(ctx, req)
		if err != nil || ok {
			return resp, err
		}

		return call(ctx, req, params...)
	}
}

// Intercept dispatches server.request for req. It reports true with the
// response to send when a plugin answered the request itself.
func (h *Host) Intercept(ctx context.Context, req Request) (Response, bool, error) {
	intercepted, err := h.DispatchEvent(ctx, EventServerRequest, req)
	if err != nil {
		return Response{}, false, err
	}
	if intercepted == nil {
		return Response{}, false, nil
	}

	return asResponse(intercepted), true, nil
}

// socketAdapter logs the connection and hands it to the plugin handler.
func (h *Host) socketAdapter(inst *Instance, b SocketBinding) SocketFunc {
	return func(ctx context.Context, conn Conn) error {
		logging.LogSocket(inst.ID(), b.Path, conn.RemoteAddr())

		return inst.scope(func() error {
			return b.Handler(ctx, conn)
		})
	}
}

// memoize caches successful responses. Concurrent misses on one key share a
// single handler call.
func (h *Host) memoize(pluginID, path string, next RouteFunc) RouteFunc {
	return func(ctx context.Context, req Request, params ...string) (Response, error) {
		key := CacheKey(pluginID, path, params, req)

		resp, ok, err := h.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("event", "cache_get_failed").Str("path", path).Msg("route cache read failed")
		} else if ok {
			return resp, nil
		}

		v, err, _ := h.flight.Do(key, func() (any, error) {
			resp, err := next(ctx, req, params...)
			if err != nil {
				return nil, err
			}
			if err := h.cache.Set(ctx, key, resp); err != nil {
				log.Warn().Err(err).Str("event", "cache_set_failed").Str("path", path).Msg("route cache write failed")
			}
			return resp, nil
		})
		if err != nil {
			return Response{}, err
		}

		return v.(Response), nil
	}
}
