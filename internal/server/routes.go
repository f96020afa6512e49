package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andrei-cloud/go_webhost/internal/errorcodes"
	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies handed to plugins.
const maxBodyBytes = 10 << 20

// RegisterRoute binds fn to path for methods. The first registration of a
// path and method pair wins; later ones are logged and skipped.
func (s *Server) RegisterRoute(pattern string, methods []string, fn plugins.RouteFunc) error {
	if fn == nil {
		return errors.New("nil route function")
	}

	handler := s.routeHandler(fn)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range methods {
		m = strings.ToUpper(m)
		key := m + " " + pattern
		if _, taken := s.bound[key]; taken {
			log.Warn().
				Str("event", "route_shadowed").
				Str("method", m).
				Str("path", pattern).
				Msg("route already bound, keeping the first registration")
			continue
		}
		s.bound[key] = pattern
		s.router.Method(m, pattern, handler)
	}

	return nil
}

func (s *Server) routeHandler(fn plugins.RouteFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := newRequest(r)

		resp, err := fn(r.Context(), req, params(r)...)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		writeResponse(w, resp)
	}
}

// fail renders a recognized status abort through its error handler and
// anything else as a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if se, ok := errorcodes.AsStatus(err); ok {
		s.renderError(w, r, se.Code)
		return
	}
	log.Error().
		Err(err).
		Str("event", "route_failed").
		Str("path", r.URL.Path).
		Str("request_id", RequestIDFrom(r.Context())).
		Msg("route handler failed")
	s.renderError(w, r, http.StatusInternalServerError)
}

// params returns the matched URL parameters in pattern order.
func params(r *http.Request) []string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}

	out := make([]string, 0, len(rctx.URLParams.Values))
	for _, v := range rctx.URLParams.Values {
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
		out = append(out, v)
	}

	return out
}

// writeResponse encodes the payload by type: strings as HTML, bytes as an
// octet stream, anything else as JSON.
func writeResponse(w http.ResponseWriter, resp plugins.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	var body []byte
	contentType := ""
	switch p := resp.Payload.(type) {
	case nil:
	case string:
		body = []byte(p)
		contentType = "text/html; charset=utf-8"
	case []byte:
		body = p
		contentType = "application/octet-stream"
	default:
		b, err := json.Marshal(p)
		if err != nil {
			log.Error().Err(err).Str("event", "encode_failed").Msg("failed to encode response payload")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		body = b
		contentType = "application/json"
	}

	if contentType != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// renderError answers with the configured handler for code, or the plain
// status text when code has none.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, code int) {
	h, ok := s.cfg.ErrorCodes.Handler(code)
	if !ok {
		http.Error(w, http.StatusText(code), code)
		return
	}

	switch {
	case h.Return != nil:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(h.ReturnCode)
		_, _ = io.WriteString(w, *h.Return)
	case h.RedirectTo != "":
		data, ctype, err := s.readHTML(h.RedirectTo)
		if err != nil {
			log.Warn().
				Err(err).
				Str("event", "error_page_missing").
				Int("code", code).
				Str("file", h.RedirectTo).
				Msg("error handler page unavailable")
			http.Error(w, http.StatusText(h.ReturnCode), h.ReturnCode)
			return
		}
		w.Header().Set("Content-Type", ctype)
		w.WriteHeader(h.ReturnCode)
		_, _ = w.Write(data)
	default:
		http.Error(w, http.StatusText(h.ReturnCode), h.ReturnCode)
	}

	log.Debug().
		Str("event", "error_handled").
		Int("code", code).
		Int("status", h.ReturnCode).
		Str("path", r.URL.Path).
		Msg("rendered error handler")
}

// serveStatic serves files below the HTML directory for paths no plugin
// claimed, falling back to the 404 handler. The request interceptor runs
// first and may answer instead.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Intercept != nil {
		resp, ok, err := s.cfg.Intercept(r.Context(), newRequest(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if ok {
			writeResponse(w, resp)
			return
		}
	}

	if s.cfg.HTMLDirectory == "" || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		s.renderError(w, r, http.StatusNotFound)
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") || name == "/" {
		name = path.Join(name, s.cfg.IndexFile)
	}

	data, ctype, err := s.readHTML(name)
	if err != nil {
		s.renderError(w, r, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

// readHTML reads a regular file below the HTML directory.
func (s *Server) readHTML(name string) ([]byte, string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(path.Clean("/"+name), "/"))
	full := filepath.Join(s.cfg.HTMLDirectory, rel)

	info, err := os.Stat(full)
	if err != nil {
		return nil, "", err
	}
	if info.IsDir() {
		return nil, "", errors.New("is a directory")
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, "", err
	}

	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}

	return data, ctype, nil
}

// request adapts *http.Request to plugins.Request. The body is read once.
type request struct {
	r *http.Request

	once sync.Once
	body []byte
	err  error
}

func newRequest(r *http.Request) *request {
	return &request{r: r}
}

func (q *request) Method() string { return q.r.Method }
func (q *request) Path() string { return q.r.URL.Path }
func (q *request) URL() *url.URL { return q.r.URL }
func (q *request) Host() string { return q.r.Host }
func (q *request) Header() http.Header { return q.r.Header }
func (q *request) Query() url.Values { return q.r.URL.Query() }
func (q *request) RemoteAddr() string { return q.r.RemoteAddr }

// Secure reports TLS on the connection or an https forwarding proxy.
func (q *request) Secure() bool {
	return q.r.TLS != nil || strings.EqualFold(q.r.Header.Get("X-Forwarded-Proto"), "https")
}

func (q *request) Body() ([]byte, error) {
	q.once.Do(func() {
		if q.r.Body == nil {
			return
		}
		q.body, q.err = io.ReadAll(io.LimitReader(q.r.Body, maxBodyBytes))
	})

	return q.body, q.err
}
