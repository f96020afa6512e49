package builtin

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	u      *url.URL
	secure bool
}

func (r request) Method() string { return http.MethodGet }
func (r request) Path() string { return r.u.Path }
func (r request) URL() *url.URL { return r.u }
func (r request) Host() string { return r.u.Host }
func (r request) Header() http.Header { return http.Header{} }
func (r request) Query() url.Values { return r.u.Query() }
func (r request) Body() ([]byte, error) { return nil, nil }
func (r request) RemoteAddr() string { return "127.0.0.1:1" }
func (r request) Secure() bool { return r.secure }

func load(t *testing.T, ssl bool) *plugins.Registry {
	t.Helper()
	pc := &plugins.Context{
		Descriptor: plugins.Descriptor{ID: "https-redirect"},
		Info:       plugins.ServerInfo{SSL: ssl},
		Logger:     zerolog.Nop(),
	}

	reg, err := httpsRedirect(pc)
	require.NoError(t, err)
	require.NotNil(t, reg)

	return reg
}

func TestHTTPSRedirect(t *testing.T) {
	reg := load(t, true)
	u, _ := url.Parse("http://example.test:8080/a/b?x=1")

	v, err := reg.CallID(context.Background(), plugins.EventServerRequest, request{u: u})
	require.NoError(t, err)

	resp, ok := v.(plugins.Response)
	require.True(t, ok)
	assert.Equal(t, http.StatusMovedPermanently, resp.Status)
	assert.Equal(t, "https://example.test:8080/a/b?x=1", resp.Header.Get("Location"))
}

func TestHTTPSRedirectIgnoresSecureRequests(t *testing.T) {
	reg := load(t, true)
	u, _ := url.Parse("https://example.test/")

	v, err := reg.CallID(context.Background(), plugins.EventServerRequest, request{u: u, secure: true})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestHTTPSRedirectInactiveWithoutSSL(t *testing.T) {
	reg := load(t, false)
	assert.Empty(t, reg.Events())
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, plugins.EntryPoints(), HTTPSRedirect)
}
