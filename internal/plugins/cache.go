package plugins

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// cacheNamespace seeds the name-based UUIDs used as route cache keys.
var cacheNamespace = uuid.MustParse("5b0e7c4e-8f1d-4f39-9b7a-3c2f6f0b8d21")

// CacheStore holds memoized route responses. Entries never expire.
type CacheStore interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Set(ctx context.Context, key string, resp Response) error
}

// CacheKey derives the memoization key of a cached route call from the plugin
// id, route path, positional parameters, request method, URL path and the
// sorted query string. Headers and body are not part of the key.
func CacheKey(pluginID, path string, params []string, req Request) string {
	var b strings.Builder
	b.WriteString(pluginID)
	b.WriteByte(0)
	b.WriteString(path)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(len(params)))
	for _, p := range params {
		b.WriteByte(0)
		b.WriteString(p)
	}
	if req != nil {
		b.WriteByte(0)
		b.WriteString(req.Method())
		b.WriteByte(0)
		b.WriteString(req.Path())
		b.WriteByte(0)
		b.WriteString(req.Query().Encode())
	}

	return uuid.NewSHA1(cacheNamespace, []byte(b.String())).String()
}

// MemoryCache is an in-process CacheStore.
type MemoryCache struct {
	entries sync.Map
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Get implements CacheStore.
func (c *MemoryCache) Get(_ context.Context, key string) (Response, bool, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		return Response{}, false, nil
	}

	return v.(Response), true, nil
}

// Set implements CacheStore.
func (c *MemoryCache) Set(_ context.Context, key string, resp Response) error {
	c.entries.Store(key, resp)
	return nil
}
