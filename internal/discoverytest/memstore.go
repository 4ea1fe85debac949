// Package discoverytest provides an in-memory discovery.Store for tests,
// grounded on github.com/r2northstar/atlas's pkg/memstore: one map of rows
// per logical namespace, all guarded by a single sync.Mutex, with typed
// accessors instead of exposing the maps directly.
package discoverytest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/atlasnet/atlasnet/internal/discovery"
)

type row struct {
	value   []byte
	fields  map[string][]byte
	expires time.Time // zero means no TTL
}

// Store is an in-memory implementation of discovery.Store. Create one with
// New; the zero value has no tables or clock and is not usable. Safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	tables  map[string]map[string]*row
	clock   func() time.Time
	rngSeed int64
}

// New creates an empty in-memory discovery store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string]*row),
		clock:  time.Now,
	}
}

// WithClock overrides the store's notion of "now", for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) table(name string) map[string]*row {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]*row)
		s.tables[name] = t
	}
	return t
}

func (s *Store) expired(r *row) bool {
	return !r.expires.IsZero() && !r.expires.After(s.clock())
}

func (s *Store) Get(_ context.Context, table, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		return nil, discovery.ErrNotFound
	}
	out := make([]byte, len(r.value))
	copy(out, r.value)
	return out, nil
}

func (s *Store) Set(_ context.Context, table, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.table(table)[key] = &row{value: v}
	return nil
}

func (s *Store) Del(_ context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table(table), key)
	return nil
}

func (s *Store) Expire(_ context.Context, table, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		return discovery.ErrNotFound
	}
	r.expires = s.clock().Add(ttl)
	return nil
}

func (s *Store) TTL(_ context.Context, table, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		return 0, discovery.ErrNotFound
	}
	if r.expires.IsZero() {
		return -1, nil
	}
	return r.expires.Sub(s.clock()), nil
}

func (s *Store) Exists(_ context.Context, table, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	return ok && !s.expired(r), nil
}

func (s *Store) HSet(_ context.Context, table, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		r = &row{fields: make(map[string][]byte)}
		s.table(table)[key] = r
	}
	if r.fields == nil {
		r.fields = make(map[string][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	r.fields[field] = v
	return nil
}

func (s *Store) HGet(_ context.Context, table, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		return nil, discovery.ErrNotFound
	}
	v, ok := r.fields[field]
	if !ok {
		return nil, discovery.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) HGetAll(_ context.Context, table, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		return out, nil
	}
	for k, v := range r.fields {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (s *Store) HDel(_ context.Context, table, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.table(table)[key]; ok {
		delete(r.fields, field)
	}
	return nil
}

func (s *Store) HExists(_ context.Context, table, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		return false, nil
	}
	_, ok = r.fields[field]
	return ok, nil
}

func (s *Store) HIncrBy(_ context.Context, table, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[key]
	if !ok || s.expired(r) {
		r = &row{fields: make(map[string][]byte)}
		s.table(table)[key] = r
	}
	if r.fields == nil {
		r.fields = make(map[string][]byte)
	}
	var cur int64
	if v, ok := r.fields[field]; ok {
		fmt.Sscanf(string(v), "%d", &cur)
	}
	cur += delta
	r.fields[field] = []byte(fmt.Sprintf("%d", cur))
	return cur, nil
}

func (s *Store) ServerTimeNow(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock(), nil
}

// PopOne atomically removes and returns one arbitrary row from table. Go map
// iteration order is randomized per-process already; an explicit rand pick
// additionally randomizes which live entry is chosen across repeated calls
// within one iteration pass, matching the "atomic pop" contract used to
// arbitrate concurrent bound claims (spec.md §4.7, §8 S5).
func (s *Store) PopOne(_ context.Context, table string) (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	var keys []string
	for k, r := range t {
		if !s.expired(r) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", nil, discovery.ErrNotFound
	}
	k := keys[rand.Intn(len(keys))]
	r := t[k]
	delete(t, k)
	return k, r.value, nil
}
