package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps local ledgers in a hash keyed by conversation and the
// global ledger in a plain string key, both as JSON.
type RedisStore struct {
	rdb       *redis.Client
	localKey  string
	globalKey string
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "heartflow"
	}
	return &RedisStore{
		rdb:       rdb,
		localKey:  prefix + ":affinity:local",
		globalKey: prefix + ":affinity:global",
	}, nil
}

func (s *RedisStore) Load(ctx context.Context) (heartflow.Snapshot, error) {
	snap := emptySnapshot()

	fields, err := s.rdb.HGetAll(ctx, s.localKey).Result()
	if err != nil {
		return snap, fmt.Errorf("hgetall: %w", err)
	}
	// one bad ledger does not hide the others
	var errs []error
	for conv, raw := range fields {
		var r heartflow.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			errs = append(errs, fmt.Errorf("decode ledger %s: %w", conv, err))
			continue
		}
		snap.Local[conv] = normalize(r)
	}

	raw, err := s.rdb.Get(ctx, s.globalKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		errs = append(errs, fmt.Errorf("get global: %w", err))
	default:
		var global heartflow.Record
		if err := json.Unmarshal([]byte(raw), &global); err != nil {
			errs = append(errs, fmt.Errorf("decode global ledger: %w", err))
		} else {
			snap.Global = global
		}
	}
	snap.Global = normalize(snap.Global)
	return snap, errors.Join(errs...)
}

// Save replaces both keys atomically in a MULTI/EXEC block.
func (s *RedisStore) Save(ctx context.Context, snap heartflow.Snapshot) error {
	values := make(map[string]any, len(snap.Local))
	for conv, r := range snap.Local {
		data, err := json.Marshal(normalize(r))
		if err != nil {
			return fmt.Errorf("encode ledger %s: %w", conv, err)
		}
		values[conv] = string(data)
	}
	global, err := json.Marshal(normalize(snap.Global))
	if err != nil {
		return fmt.Errorf("encode global ledger: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.localKey)
		if len(values) > 0 {
			pipe.HSet(ctx, s.localKey, values)
		}
		pipe.Set(ctx, s.globalKey, string(global), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
