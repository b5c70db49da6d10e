package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const DefaultRedisPrefix = "spreadwatch"

// RedisStore keeps one sorted set per kind and symbol, scored by the record
// timestamp in milliseconds, plus a set of known symbols per kind.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects and verifies the server answers PING.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) seriesKey(kind Kind, symbol models.InstrumentKey) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, symbol)
}

func (s *RedisStore) symbolsKey(kind Kind) string {
	return fmt.Sprintf("%s:%s:symbols", s.prefix, kind)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func encodeRecord(rec Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(b), nil
}

func decodeRecords(members []string) ([]Record, error) {
	out := make([]Record, 0, len(members))
	for _, m := range members {
		var rec Record
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Append(ctx context.Context, kind Kind, rec Record) error {
	if err := validate(kind, rec); err != nil {
		return err
	}
	member, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := s.seriesKey(kind, rec.Symbol)
	if err := s.client.ZAdd(ctx, key, &redis.Z{Score: score(rec.Timestamp), Member: member}).Err(); err != nil {
		return fmt.Errorf("ZADD %s: %w", key, err)
	}
	if err := s.client.SAdd(ctx, s.symbolsKey(kind), string(rec.Symbol)).Err(); err != nil {
		return fmt.Errorf("SADD %s: %w", s.symbolsKey(kind), err)
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, kind Kind, symbol models.InstrumentKey, start, end time.Time) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	key := s.seriesKey(kind, symbol)
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: scoreBound(start, "-inf"),
		Max: scoreBound(end, "+inf"),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ZRANGEBYSCORE %s: %w", key, err)
	}
	return decodeRecords(members)
}

func (s *RedisStore) symbols(ctx context.Context, kind Kind) ([]string, error) {
	symbols, err := s.client.SMembers(ctx, s.symbolsKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("SMEMBERS %s: %w", s.symbolsKey(kind), err)
	}
	return symbols, nil
}

func (s *RedisStore) Scan(ctx context.Context, kind Kind, start, end time.Time) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	symbols, err := s.symbols(ctx, kind)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, symbol := range symbols {
		recs, err := s.Query(ctx, kind, models.InstrumentKey(symbol), start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var removed int64
	for _, kind := range Kinds {
		symbols, err := s.symbols(ctx, kind)
		if err != nil {
			return removed, err
		}
		for _, symbol := range symbols {
			key := s.seriesKey(kind, models.InstrumentKey(symbol))
			n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Result()
			if err != nil {
				return removed, fmt.Errorf("ZREMRANGEBYSCORE %s: %w", key, err)
			}
			removed += n
		}
	}
	return removed, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	symbols, err := s.symbols(ctx, KindPriceUpdate)
	if err != nil {
		return st, err
	}
	for _, symbol := range symbols {
		key := s.seriesKey(KindPriceUpdate, models.InstrumentKey(symbol))
		n, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return st, fmt.Errorf("ZCARD %s: %w", key, err)
		}
		if n == 0 {
			continue
		}
		st.TotalUpdates += n

		first, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return st, fmt.Errorf("ZRANGE %s: %w", key, err)
		}
		last, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return st, fmt.Errorf("ZREVRANGE %s: %w", key, err)
		}
		if len(first) > 0 {
			if ts := time.UnixMilli(int64(first[0].Score)); st.FirstTimestamp.IsZero() || ts.Before(st.FirstTimestamp) {
				st.FirstTimestamp = ts
			}
		}
		if len(last) > 0 {
			if ts := time.UnixMilli(int64(last[0].Score)); ts.After(st.LastTimestamp) {
				st.LastTimestamp = ts
			}
		}
	}

	symbols, err = s.symbols(ctx, KindBucket)
	if err != nil {
		return st, err
	}
	for _, symbol := range symbols {
		key := s.seriesKey(KindBucket, models.InstrumentKey(symbol))
		n, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return st, fmt.Errorf("ZCARD %s: %w", key, err)
		}
		st.TotalAggregated += n
	}
	return st, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
