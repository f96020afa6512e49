package plugins

import (
	"context"
	"math"
	"net/http"
	"net/url"
)

// Request is the transport's request handle, passed through to plugin handlers.
type Request interface {
	Method() string
	Path() string
	URL() *url.URL
	Host() string
	Header() http.Header
	Query() url.Values
	Body() ([]byte, error)
	RemoteAddr() string
	Secure() bool
}

// Conn is a duplex connection handle owned by the transport. Receive returns
// io.EOF once the peer has closed the connection.
type Conn interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Path() string
	RemoteAddr() string
}

// EventHandler handles a lifecycle or custom event. A nil result means the
// handler did not respond and dispatch continues with the next plugin.
type EventHandler func(ctx context.Context, args ...any) (any, error)

// RouteHandler serves a route. It must return exactly a payload and a status.
type RouteHandler func(ctx context.Context, req Request, params ...string) (Reply, error)

// SocketHandler owns a duplex connection until it returns.
type SocketHandler func(ctx context.Context, conn Conn) error

// ExposedFunc is a function published for other plugins and the host.
type ExposedFunc func(ctx context.Context, args ...any) (any, error)

// RouteFunc is the adapter handed to the transport for a route.
type RouteFunc func(ctx context.Context, req Request, params ...string) (Response, error)

// SocketFunc is the adapter handed to the transport for a socket.
type SocketFunc func(ctx context.Context, conn Conn) error

// Reply is the raw value list a route handler returns.
type Reply []any

// Respond builds the payload and status pair expected from route handlers.
func Respond(payload any, status int) Reply {
	return Reply{payload, status}
}

// Response is what an adapter hands back to the transport.
type Response struct {
	Payload any
	Status  int
	Header  http.Header
}

// Redirect builds a response that sends the client to location.
func Redirect(location string, status int) Response {
	return Response{Status: status, Header: http.Header{"Location": []string{location}}}
}

// Response converts the reply, reporting false unless it holds exactly a
// payload and an integral status.
func (r Reply) Response() (Response, bool) {
	if len(r) != 2 {
		return Response{}, false
	}
	status, ok := statusCode(r[1])
	if !ok {
		return Response{}, false
	}

	return Response{Payload: r[0], Status: status}, true
}

func statusCode(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}

	return 0, false
}

// asResponse normalizes an interceptor result into a response.
func asResponse(v any) Response {
	switch r := v.(type) {
	case Response:
		return r
	case *Response:
		if r == nil {
			return Response{Status: http.StatusOK}
		}
		return *r
	case Reply:
		if resp, ok := r.Response(); ok {
			return resp
		}
		return Response{Payload: []any(r), Status: http.StatusOK}
	default:
		return Response{Payload: v, Status: http.StatusOK}
	}
}
