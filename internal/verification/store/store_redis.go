package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 500

// RedisStore persists records as plain Redis strings under a namespace.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisOption configures a RedisStore instance.
type RedisOption func(*RedisStore)

// WithNamespace prefixes every key, letting several registrars share a database.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		s.namespace = ns
	}
}

// NewRedisStore constructs a Redis-backed store. The client lifecycle is
// managed by the caller.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, namespace: "registrar:"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespace+key, value, 0).Err(); err != nil {
		return unavailable("redis put", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get", key, err)
	}
	return v, nil
}

// ListPrefix walks the keyspace with SCAN and fetches values with one MGET per
// batch. Keys deleted between the scan and the fetch are skipped.
func (s *RedisStore) ListPrefix(ctx context.Context, prefix string) ([]KV, error) {
	pattern := escapeGlob(s.namespace+prefix) + "*"

	var out []KV
	iter := s.client.Scan(ctx, 0, pattern, redisScanCount).Iterator()
	batch := make([]string, 0, redisScanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		values, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			out = append(out, KV{Key: strings.TrimPrefix(batch[i], s.namespace), Value: []byte(str)})
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanCount {
			if err := flush(); err != nil {
				return nil, unavailable("redis list", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("redis scan", prefix, err)
	}
	if err := flush(); err != nil {
		return nil, unavailable("redis list", prefix, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
