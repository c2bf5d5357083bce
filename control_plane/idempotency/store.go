package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a recorded response is replayed.
const DefaultTTL = time.Hour

// Response is a recorded HTTP response replayed for a repeated key.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store records responses by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Set(ctx context.Context, key string, resp Response) error
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// MemoryStore keeps responses in process.
type MemoryStore struct {
	cache sync.Map
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Response, bool, error) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false, nil
	}
	e := val.(entry)
	if s.now().Sub(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false, nil
	}
	return e.resp, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, resp Response) error {
	s.cache.Store(key, entry{resp: resp, timestamp: s.now()})
	return nil
}

// RedisStore shares recorded responses between control plane replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "agentforge"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":idempotency:" + k }

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), raw, s.ttl).Err()
}
