package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RegisterSocket binds fn to path as a WebSocket endpoint. Sockets and GET
// routes share one namespace; the first registration of a path wins.
func (s *Server) RegisterSocket(pattern string, fn plugins.SocketFunc) error {
	if fn == nil {
		return errors.New("nil socket function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := http.MethodGet + " " + pattern
	if _, taken := s.bound[key]; taken {
		log.Warn().
			Str("event", "route_shadowed").
			Str("method", http.MethodGet).
			Str("path", pattern).
			Msg("path already bound, keeping the first registration")
		return nil
	}
	s.bound[key] = pattern
	s.router.Get(pattern, s.socketHandler(fn))

	return nil
}

func (s *Server) socketHandler(fn plugins.SocketFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("event", "upgrade_failed").Str("path", r.URL.Path).Msg("websocket upgrade failed")
			return
		}

		s.wg.Add(1)
		defer s.wg.Done()

		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()

		conn := newConn(ws, r.URL.Path, r.RemoteAddr)
		go func() {
			<-ctx.Done()
			conn.close()
		}()

		if err := fn(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().
				Err(err).
				Str("event", "socket_failed").
				Str("path", r.URL.Path).
				Str("request_id", RequestIDFrom(r.Context())).
				Msg("socket handler failed")
			conn.closeWith(websocket.CloseInternalServerErr, "handler failed")
			return
		}
		conn.closeWith(websocket.CloseNormalClosure, "")
	}
}

// conn adapts a WebSocket to plugins.Conn.
type conn struct {
	ws     *websocket.Conn
	path   string
	remote string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, path, remote string) *conn {
	return &conn{ws: ws, path: path, remote: remote}
}

// Receive returns the next text or binary message, or io.EOF once the peer
// has closed the connection.
func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send writes data as a text message.
func (c *conn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Path() string {
	return c.path
}

func (c *conn) RemoteAddr() string {
	return c.remote
}

func (c *conn) closeWith(code int, text string) {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	c.writeMu.Unlock()
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}
