// Package routecache stores memoized route responses in Redis so every host
// process behind a balancer shares them.
package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "webhost:route:"

// Payload kinds recorded next to the encoded body.
const (
	kindNil    = "nil"
	kindString = "string"
	kindBytes  = "bytes"
	kindJSON   = "json"
)

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// client is the subset of the go-redis API the store uses.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore implements plugins.CacheStore. Entries never expire.
type RedisStore struct {
	client client
	prefix string
}

var _ plugins.CacheStore = (*RedisStore)(nil)

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, opts Options) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newStore(rdb, opts.Prefix), nil
}

func newStore(c client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &RedisStore{client: c, prefix: prefix}
}

type entry struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  int             `json:"status"`
	Header  http.Header     `json:"header,omitempty"`
}

// Get implements plugins.CacheStore.
func (s *RedisStore) Get(ctx context.Context, key string) (plugins.Response, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return plugins.Response{}, false, nil
	}
	if err != nil {
		return plugins.Response{}, false, fmt.Errorf("redis get: %w", err)
	}

	resp, err := decode(raw)
	if err != nil {
		return plugins.Response{}, false, err
	}

	return resp, true, nil
}

// Set implements plugins.CacheStore.
func (s *RedisStore) Set(ctx context.Context, key string, resp plugins.Response) error {
	raw, err := encode(resp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Close releases the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encode(resp plugins.Response) ([]byte, error) {
	e := entry{Status: resp.Status, Header: resp.Header}

	var (
		payload []byte
		err     error
	)
	switch p := resp.Payload.(type) {
	case nil:
		e.Kind = kindNil
	case string:
		e.Kind = kindString
		payload, err = json.Marshal(p)
	case []byte:
		e.Kind = kindBytes
		payload, err = json.Marshal(p)
	default:
		e.Kind = kindJSON
		payload, err = json.Marshal(p)
	}
	if err != nil {
		return nil, fmt.Errorf("encode cached payload: %w", err)
	}
	e.Payload = payload

	return json.Marshal(e)
}

func decode(raw []byte) (plugins.Response, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return plugins.Response{}, fmt.Errorf("decode cache entry: %w", err)
	}

	resp := plugins.Response{Status: e.Status, Header: e.Header}

	var err error
	switch e.Kind {
	case kindNil:
	case kindString:
		var s string
		err = json.Unmarshal(e.Payload, &s)
		resp.Payload = s
	case kindBytes:
		var b []byte
		err = json.Unmarshal(e.Payload, &b)
		resp.Payload = b
	case kindJSON:
		var v any
		err = json.Unmarshal(e.Payload, &v)
		resp.Payload = v
	default:
		err = fmt.Errorf("unknown payload kind %q", e.Kind)
	}
	if err != nil {
		return plugins.Response{}, fmt.Errorf("decode cached payload: %w", err)
	}

	return resp, nil
}
