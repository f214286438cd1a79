package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations between daemon replicas that share a Redis entry
// store. With ttl > 0 every bump refreshes the key's expiry, so generations
// of keys that stop being invalidated disappear on their own.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ GenStore = (*Redis)(nil)

// NewRedis creates a Redis-backed generation store. ttl <= 0 disables expiry;
// otherwise it should exceed the cache TTL.
func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (s *Redis) key(k string) string { return "gen:" + s.ns + ":" + k }

func (s *Redis) Snapshot(ctx context.Context, storageKey string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(storageKey)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(storageKey, res)
}

func (s *Redis) SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(storageKeys))
	if len(storageKeys) == 0 {
		return out, nil
	}
	keys := make([]string, len(storageKeys))
	for i, k := range storageKeys {
		keys[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			out[storageKeys[i]] = 0
			continue
		}
		g, err := parseGen(storageKeys[i], fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		out[storageKeys[i]] = g
	}
	return out, nil
}

// Bump pipelines INCR and EXPIRE when a ttl is configured.
func (s *Redis) Bump(ctx context.Context, storageKey string) (uint64, error) {
	k := s.key(storageKey)
	if s.ttl <= 0 {
		return s.rdb.Incr(ctx, k).Uint64()
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis expires generation keys itself.
func (s *Redis) Cleanup(time.Duration) int { return 0 }

// Close leaves the client open; it is usually shared with the entry store.
func (s *Redis) Close(context.Context) error { return nil }

func parseGen(storageKey, raw string) (uint64, error) {
	g, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse gen of %s: %w", storageKey, err)
	}
	return g, nil
}
