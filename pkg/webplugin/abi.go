// Package webplugin is the guest side of the WebAssembly plugin ABI and the
// wire types shared with the host.
//
// A guest registers its capabilities from init functions and is built with
// GOOS=wasip1 GOARCH=wasm -buildmode=c-shared. The host instantiates it, calls
// Init for the manifest and Handle for every invocation. Every value crossing
// the boundary is JSON.
package webplugin

// Exported guest functions the host looks up.
const (
	ExportAlloc  = "Alloc"
	ExportFree   = "Free"
	ExportInit   = "Init"
	ExportHandle = "Handle"
)

// HostModule is the import module providing host functions.
const HostModule = "env"

// Invocation kinds.
const (
	KindRoute   = "route"
	KindEvent   = "event"
	KindExposed = "exposed"
)

// Host call operations.
const (
	OpDispatch   = "dispatch"
	OpRunExposed = "run_exposed"
)

// Manifest lists what a guest registered. It is the guest's manager.
type Manifest struct {
	Routes  []RouteDecl   `json:"routes,omitempty"`
	Sockets []string      `json:"sockets,omitempty"`
	Events  []string      `json:"events,omitempty"`
	Exposed []ExposedDecl `json:"exposed,omitempty"`
}

// RouteDecl declares a route.
type RouteDecl struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods,omitempty"`
	Cache   bool     `json:"cache,omitempty"`
}

// ExposedDecl declares an exposed function.
type ExposedDecl struct {
	Name        string `json:"name"`
	Overridable bool   `json:"overridable,omitempty"`
}

// RequestInfo is a request snapshot handed to guest route handlers.
type RequestInfo struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	URL        string              `json:"url"`
	Host       string              `json:"host"`
	Header     map[string][]string `json:"header,omitempty"`
	Query      map[string][]string `json:"query,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	RemoteAddr string              `json:"remote_addr"`
	Secure     bool                `json:"secure"`
}

// Invocation asks the guest to run one of its handlers.
type Invocation struct {
	Kind    string       `json:"kind"`
	Name    string       `json:"name"`
	Request *RequestInfo `json:"request,omitempty"`
	Params  []string     `json:"params,omitempty"`
	Args    []any        `json:"args,omitempty"`
}

// Result carries a handler's return values or its failure.
type Result struct {
	Values []any  `json:"values,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HostCall asks the host to dispatch an event or run an exposed function.
type HostCall struct {
	Op   string `json:"op"`
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// HostReply answers a HostCall.
type HostReply struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// PackResult combines a pointer and a length into a single uint64 result.
func PackResult(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackResult splits a packed result into pointer and length.
func UnpackResult(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
