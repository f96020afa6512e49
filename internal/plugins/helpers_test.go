package plugins

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const validDescriptor = `plugin:
  name: %[1]s plugin
  version: 1.0
  id: %[1]s
  main-file: main.test
loader:
  required-version: 2.0
  preferred-version: 2.0
`

// writePlugin creates root/dir/plugin.yml with body.
func writePlugin(t *testing.T, root, dir, body string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, DescriptorFile), []byte(body), 0o644))

	return path
}

func writeValidPlugin(t *testing.T, root, id string) string {
	t.Helper()
	return writePlugin(t, root, id, fmt.Sprintf(validDescriptor, id))
}

// testLoader serves entry points keyed by plugin id.
type testLoader struct {
	entries map[string]EntryPoint
	closed  []string
	mu      sync.Mutex
}

func newTestLoader() *testLoader {
	return &testLoader{entries: make(map[string]EntryPoint)}
}

func (l *testLoader) add(id string, ep EntryPoint) *testLoader {
	l.entries[id] = ep
	return l
}

func (l *testLoader) Supports(desc Descriptor) bool {
	_, ok := l.entries[desc.ID]
	return ok
}

func (l *testLoader) Load(_ context.Context, pc *Context) (Module, error) {
	reg, err := l.entries[pc.ID()](pc)
	if err != nil {
		return nil, err
	}

	return &testModule{reg: reg, loader: l, id: pc.ID()}, nil
}

type testModule struct {
	reg    *Registry
	loader *testLoader
	id     string
}

func (m *testModule) Manager() *Registry { return m.reg }

func (m *testModule) Close(context.Context) error {
	m.loader.mu.Lock()
	m.loader.closed = append(m.loader.closed, m.id)
	m.loader.mu.Unlock()

	return nil
}

// newBoundHost builds a host over one plugin per entry, in the given id order,
// and drives it to ManagersBound.
func newBoundHost(t *testing.T, ids []string, eps map[string]EntryPoint, opts ...Option) (*Host, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	loader := newTestLoader()
	for _, id := range ids {
		writeValidPlugin(t, root, id)
		loader.add(id, eps[id])
	}

	var out bytes.Buffer
	opts = append([]Option{WithLoaders(loader), WithStdout(&out)}, opts...)
	h := NewHost(root, opts...)
	require.NoError(t, h.Discover())
	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, h.BindManagers(context.Background()))

	return h, &out
}

// fakeRequest is a minimal Request.
type fakeRequest struct {
	method string
	u      *url.URL
	header http.Header
	body   []byte
	secure bool
}

func newFakeRequest(method, target string) *fakeRequest {
	u, err := url.Parse(target)
	if err != nil {
		panic(err)
	}

	return &fakeRequest{method: method, u: u, header: http.Header{}}
}

func (r *fakeRequest) Method() string        { return r.method }
func (r *fakeRequest) Path() string          { return r.u.Path }
func (r *fakeRequest) URL() *url.URL         { return r.u }
func (r *fakeRequest) Host() string          { return "example.test" }
func (r *fakeRequest) Header() http.Header   { return r.header }
func (r *fakeRequest) Query() url.Values     { return r.u.Query() }
func (r *fakeRequest) Body() ([]byte, error) { return r.body, nil }
func (r *fakeRequest) RemoteAddr() string    { return "192.0.2.1:4000" }
func (r *fakeRequest) Secure() bool          { return r.secure }

// fakeConn replays inbound messages and records outbound ones.
type fakeConn struct {
	in   [][]byte
	out  [][]byte
	path string
}

func (c *fakeConn) Receive(context.Context) ([]byte, error) {
	if len(c.in) == 0 {
		return nil, io.EOF
	}
	msg := c.in[0]
	c.in = c.in[1:]

	return msg, nil
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.out = append(c.out, data)
	return nil
}

func (c *fakeConn) Path() string       { return c.path }
func (c *fakeConn) RemoteAddr() string { return "192.0.2.1:4001" }
