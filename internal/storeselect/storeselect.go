// Package storeselect picks the discovery.Store backing a binary: a real
// Redis deployment when ATLASNET_REDIS_ADDR is set, an in-memory store
// otherwise. Shared by every cmd/* binary's startup path rather than
// duplicated per binary.
//
// Grounded on Generativebots-ocx-backend-go-svc's internal/infra adapter
// (ping-on-connect, fall back to in-memory on absence) combined with
// github.com/r2northstar/atlas's cmd/atlas/main.go env-driven bootstrap.
package storeselect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/discovery/discoveryredis"
	"github.com/atlasnet/atlasnet/internal/discoverytest"
	"github.com/redis/go-redis/v9"
)

// Open builds a discovery.Store from the environment pairs in e. If
// ATLASNET_REDIS_ADDR is set, it connects to Redis (verified with a Ping)
// and namespaces keys under ATLASNET_REDIS_PREFIX (default "atlasnet:");
// otherwise it returns a fresh in-memory store. The returned close func
// must be called on shutdown.
func Open(e []string) (discovery.Store, func(), error) {
	em := make(map[string]string, len(e))
	for _, kv := range e {
		if k, v, ok := strings.Cut(kv, "="); ok {
			em[k] = v
		}
	}

	addr := em["ATLASNET_REDIS_ADDR"]
	if addr == "" {
		return discoverytest.New(), func() {}, nil
	}

	db, _ := strconv.Atoi(em["ATLASNET_REDIS_DB"])
	prefix := em["ATLASNET_REDIS_PREFIX"]
	if prefix == "" {
		prefix = "atlasnet:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     em["ATLASNET_REDIS_PASSWORD"],
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("storeselect: redis ping %s: %w", addr, err)
	}

	return discoveryredis.New(rdb, prefix), func() { rdb.Close() }, nil
}
