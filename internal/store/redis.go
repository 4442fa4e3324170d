package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout for the redis-backed stores. Identities live in one hash keyed
// by IP literal; history is a list newest-first, trimmed to the bound.
const (
	redisIdentitiesKey = "ironchat:identities"
	redisHistoryKey    = "ironchat:history"
)

// NewRedisClient parses a redis URL ("redis://host:port/db") and returns a
// connected client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisIdentityStore keeps identity records in a redis hash. Nick dedup
// across IPs is a property of the file backend's rewrite step; the redis
// backend relies on the hub's live uniqueness check, matching the remote
// contract.
type RedisIdentityStore struct {
	rdb    *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisIdentityStore returns an identity store backed by rdb.
func NewRedisIdentityStore(rdb *redis.Client, logger zerolog.Logger) *RedisIdentityStore {
	return &RedisIdentityStore{
		rdb:    rdb,
		key:    redisIdentitiesKey,
		logger: logger.With().Str("component", "redis_identities").Logger(),
	}
}

func (s *RedisIdentityStore) Get(ctx context.Context, ip netip.Addr) (*IdentityRecord, error) {
	raw, err := s.rdb.HGet(ctx, s.key, ip.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var rec IdentityRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode identity record: %w", err)
	}
	return &rec, nil
}

func (s *RedisIdentityStore) Set(ctx context.Context, ip netip.Addr, nick string) error {
	rec := IdentityRecord{Nick: nick, Updated: nowUnix()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode identity record: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key, ip.String(), raw).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (s *RedisIdentityStore) Remove(ctx context.Context, ip netip.Addr) error {
	if err := s.rdb.HDel(ctx, s.key, ip.String()).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (s *RedisIdentityStore) List(ctx context.Context) (map[netip.Addr]IdentityRecord, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[netip.Addr]IdentityRecord, len(raw))
	for ipStr, val := range raw {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			s.logger.Warn().Str("ip", ipStr).Msg("invalid ip in redis identities")
			continue
		}
		var rec IdentityRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			s.logger.Warn().Str("ip", ipStr).Msg("invalid identity record in redis")
			continue
		}
		out[ip] = rec
	}
	return out, nil
}

// RedisHistory keeps recent chat lines in a redis list.
type RedisHistory struct {
	rdb *redis.Client
	key string
	max int64
}

// NewRedisHistory returns a history store backed by rdb, trimmed to max
// items.
func NewRedisHistory(rdb *redis.Client, max int) *RedisHistory {
	return &RedisHistory{rdb: rdb, key: redisHistoryKey, max: int64(max)}
}

func (h *RedisHistory) Push(ctx context.Context, nick, text string) error {
	item := HistoryItem{Nick: nick, Text: text, TS: nowUnix()}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode history item: %w", err)
	}
	pipe := h.rdb.Pipeline()
	pipe.LPush(ctx, h.key, raw)
	pipe.LTrim(ctx, h.key, 0, h.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis history push: %w", err)
	}
	return nil
}

func (h *RedisHistory) List(ctx context.Context) ([]HistoryItem, error) {
	raws, err := h.rdb.LRange(ctx, h.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history range: %w", err)
	}
	// Stored newest-first; replay wants oldest-first.
	out := make([]HistoryItem, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var item HistoryItem
		if err := json.Unmarshal([]byte(raws[i]), &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
