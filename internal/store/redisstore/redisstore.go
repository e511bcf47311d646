// Package redisstore keeps state that every server instance must see:
// the credentials upstream has recently rejected.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const unhealthyPrefix = "keypool:unhealthy:"

type Store struct {
	rdb redis.UniversalClient
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewWithClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func unhealthyKey(id uint64) string {
	return unhealthyPrefix + strconv.FormatUint(id, 10)
}

func parseUnhealthyKey(key string) (uint64, bool) {
	rest, ok := strings.CutPrefix(key, unhealthyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// MarkUnhealthy flags a credential for ttl. A later mark replaces the
// reason and restarts the ttl.
func (s *Store) MarkUnhealthy(ctx context.Context, id uint64, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("redisstore: ttl must be positive")
	}
	return s.rdb.Set(ctx, unhealthyKey(id), reason, ttl).Err()
}

func (s *Store) ClearUnhealthy(ctx context.Context, id uint64) error {
	return s.rdb.Del(ctx, unhealthyKey(id)).Err()
}

// UnhealthyIDs returns every flagged credential id with its reason.
func (s *Store) UnhealthyIDs(ctx context.Context) (map[uint64]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, unhealthyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scan: %w", err)
	}

	out := make(map[uint64]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: mget: %w", err)
	}
	for i, key := range keys {
		id, ok := parseUnhealthyKey(key)
		if !ok {
			continue
		}
		// expired between SCAN and MGET
		if vals[i] == nil {
			continue
		}
		reason, _ := vals[i].(string)
		out[id] = reason
	}
	return out, nil
}
