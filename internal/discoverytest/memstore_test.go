package discoverytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlasnet/atlasnet/internal/discovery"
)

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Set(ctx, "t", "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "t", "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: %v %v", got, err)
	}
	if err := s.Del(ctx, "t", "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := s.Get(ctx, "t", "k"); !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("expected ErrNotFound after Del, got %v", err)
	}
}

func TestExpireAndTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := New().WithClock(func() time.Time { return clock })

	s.Set(ctx, "t", "k", []byte("v"))
	if err := s.Expire(ctx, "t", "k", 10*time.Second); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	ttl, err := s.TTL(ctx, "t", "k")
	if err != nil || ttl != 10*time.Second {
		t.Fatalf("TTL: %v %v", ttl, err)
	}

	clock = now.Add(20 * time.Second)
	if _, err := s.Get(ctx, "t", "k"); !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("expected expired key to report ErrNotFound, got %v", err)
	}
	if ok, _ := s.Exists(ctx, "t", "k"); ok {
		t.Error("expected Exists to report false for an expired key")
	}
}

func TestTTLNoExpiryReturnsNegativeOne(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "t", "k", []byte("v"))
	ttl, err := s.TTL(ctx, "t", "k")
	if err != nil || ttl != -1 {
		t.Fatalf("expected TTL -1 for a key with no expiry, got %v %v", ttl, err)
	}
}

func TestHashFields(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.HSet(ctx, "t", "k", "f1", []byte("a")); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	s.HSet(ctx, "t", "k", "f2", []byte("b"))

	v, err := s.HGet(ctx, "t", "k", "f1")
	if err != nil || string(v) != "a" {
		t.Fatalf("HGet: %v %v", v, err)
	}
	all, err := s.HGetAll(ctx, "t", "k")
	if err != nil || len(all) != 2 {
		t.Fatalf("HGetAll: %v %v", all, err)
	}
	if ok, _ := s.HExists(ctx, "t", "k", "f1"); !ok {
		t.Error("expected HExists true for f1")
	}
	s.HDel(ctx, "t", "k", "f1")
	if ok, _ := s.HExists(ctx, "t", "k", "f1"); ok {
		t.Error("expected HExists false for f1 after HDel")
	}
}

func TestHIncrBy(t *testing.T) {
	ctx := context.Background()
	s := New()
	v, err := s.HIncrBy(ctx, "t", "k", "counter", 5)
	if err != nil || v != 5 {
		t.Fatalf("HIncrBy: %v %v", v, err)
	}
	v, err = s.HIncrBy(ctx, "t", "k", "counter", -2)
	if err != nil || v != 3 {
		t.Fatalf("HIncrBy: %v %v", v, err)
	}
}

func TestPopOneDrainsTable(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "pending", "k1", []byte("a"))
	s.Set(ctx, "pending", "k2", []byte("b"))

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		key, _, err := s.PopOne(ctx, "pending")
		if err != nil {
			t.Fatalf("PopOne: %v", err)
		}
		seen[key] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected both keys popped exactly once, got %v", seen)
	}
	if _, _, err := s.PopOne(ctx, "pending"); !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("expected ErrNotFound once the table is drained, got %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Get(ctx, "t", "missing"); !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}
}
