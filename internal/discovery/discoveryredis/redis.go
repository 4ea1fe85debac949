// Package discoveryredis implements discovery.Store against a real Redis
// server, using github.com/redis/go-redis/v9 (grounded on the redis client
// wiring in Generativebots-ocx-backend-go-svc). Each logical table becomes a
// key prefix; hash tables use Redis hashes directly so HINCRBY and friends
// map onto native Redis commands instead of being emulated.
package discoveryredis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/redis/go-redis/v9"
)

// Store adapts a *redis.Client to discovery.Store.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New wraps rdb. keyPrefix namespaces all keys (e.g. "atlasnet:"), letting
// multiple clusters share one Redis instance.
func New(rdb *redis.Client, keyPrefix string) *Store {
	return &Store{rdb: rdb, prefix: keyPrefix}
}

func (s *Store) key(table, key string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, table, key)
}

func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &discovery.Error{Kind: discovery.Unavailable, Op: op, Err: err}
}

func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.key(table, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, discovery.ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, table, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.key(table, key), value, 0).Err(); err != nil {
		return wrapUnavailable("set", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, table, key string) error {
	if err := s.rdb.Del(ctx, s.key(table, key)).Err(); err != nil {
		return wrapUnavailable("del", err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, table, key string, ttl time.Duration) error {
	ok, err := s.rdb.Expire(ctx, s.key(table, key), ttl).Result()
	if err != nil {
		return wrapUnavailable("expire", err)
	}
	if !ok {
		return discovery.ErrNotFound
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, table, key string) (time.Duration, error) {
	exists, err := s.rdb.Exists(ctx, s.key(table, key)).Result()
	if err != nil {
		return 0, wrapUnavailable("ttl", err)
	}
	if exists == 0 {
		return 0, discovery.ErrNotFound
	}
	d, err := s.rdb.TTL(ctx, s.key(table, key)).Result()
	if err != nil {
		return 0, wrapUnavailable("ttl", err)
	}
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

func (s *Store) Exists(ctx context.Context, table, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(table, key)).Result()
	if err != nil {
		return false, wrapUnavailable("exists", err)
	}
	return n > 0, nil
}

func (s *Store) HSet(ctx context.Context, table, key, field string, value []byte) error {
	if err := s.rdb.HSet(ctx, s.key(table, key), field, value).Err(); err != nil {
		return wrapUnavailable("hset", err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, table, key, field string) ([]byte, error) {
	v, err := s.rdb.HGet(ctx, s.key(table, key), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, discovery.ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("hget", err)
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, table, key string) (map[string][]byte, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(table, key)).Result()
	if err != nil {
		return nil, wrapUnavailable("hgetall", err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, table, key, field string) error {
	if err := s.rdb.HDel(ctx, s.key(table, key), field).Err(); err != nil {
		return wrapUnavailable("hdel", err)
	}
	return nil
}

func (s *Store) HExists(ctx context.Context, table, key, field string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.key(table, key), field).Result()
	if err != nil {
		return false, wrapUnavailable("hexists", err)
	}
	return ok, nil
}

func (s *Store) HIncrBy(ctx context.Context, table, key, field string, delta int64) (int64, error) {
	v, err := s.rdb.HIncrBy(ctx, s.key(table, key), field, delta).Result()
	if err != nil {
		return 0, wrapUnavailable("hincrby", err)
	}
	return v, nil
}

func (s *Store) ServerTimeNow(ctx context.Context) (time.Time, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, wrapUnavailable("time", err)
	}
	return t, nil
}

// PopOne atomically removes and returns one arbitrary (key, value) pair from
// table via a Lua script (SRANDMEMBER-then-DEL would race between two
// clients; a server-side script keeps the pop atomic across callers, which
// is what spec.md §4.7's "atomic pop" claim requires).
var popOneScript = redis.NewScript(`
local keys = redis.call('KEYS', KEYS[1] .. '*')
if #keys == 0 then
	return false
end
local k = keys[(ARGV[1] % #keys) + 1]
local v = redis.call('GET', k)
redis.call('DEL', k)
return {k, v}
`)

func (s *Store) PopOne(ctx context.Context, table string) (string, []byte, error) {
	prefix := s.key(table, "")
	res, err := popOneScript.Run(ctx, s.rdb, []string{prefix}, rand.Int63()).Result()
	if err != nil {
		return "", nil, wrapUnavailable("pop_one", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return "", nil, discovery.ErrNotFound
	}
	fullKey, _ := pair[0].(string)
	val, _ := pair[1].(string)
	return fullKey[len(prefix):], []byte(val), nil
}
