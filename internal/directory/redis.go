package directory

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	keyConn    = "gamerelay:conn:" // record JSON, keyed by connection ID
	keyAll     = "gamerelay:conns" // set of all connection IDs
	keyUser    = "gamerelay:user:" // set of connection IDs per user
	keyChannel = "gamerelay:chan:" // set of connection IDs per channel
)

// RedisStore is the shared directory for multi-instance deployments.
// Each record lives in a single JSON value, so read-after-write on one
// connection's record holds; user and channel sets are maintained as
// secondary indexes alongside it.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if rec.ConnectionID == "" {
		return ErrMissingConnID
	}
	if rec.UserID == "" {
		return ErrMissingUserID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// A replaced record may carry different indexes; drop the old ones
	// in the same pipeline.
	old, err := s.Get(ctx, rec.ConnectionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	pipe := s.rdb.TxPipeline()
	if old != nil {
		pipe.SRem(ctx, keyUser+old.UserID, old.ConnectionID)
		for _, c := range old.Channels {
			pipe.SRem(ctx, keyChannel+c, old.ConnectionID)
		}
	}
	pipe.Set(ctx, keyConn+rec.ConnectionID, data, 0)
	pipe.SAdd(ctx, keyAll, rec.ConnectionID)
	pipe.SAdd(ctx, keyUser+rec.UserID, rec.ConnectionID)
	for _, c := range rec.Channels {
		pipe.SAdd(ctx, keyChannel+c, rec.ConnectionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, connectionID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, keyConn+connectionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	rec, err := s.Get(ctx, connectionID)
	if errors.Is(err, ErrNotFound) {
		return nil // idempotent
	}
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyConn+connectionID)
	pipe.SRem(ctx, keyAll, connectionID)
	pipe.SRem(ctx, keyUser+rec.UserID, connectionID)
	for _, c := range rec.Channels {
		pipe.SRem(ctx, keyChannel+c, connectionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Touch(ctx context.Context, connectionID string, at time.Time) error {
	rec, err := s.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	rec.LastPing = at
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyConn+connectionID, data, 0).Err()
}

func (s *RedisStore) SetChannels(ctx context.Context, connectionID string, channels []string) error {
	rec, err := s.Get(ctx, connectionID)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, c := range rec.Channels {
		pipe.SRem(ctx, keyChannel+c, connectionID)
	}
	rec.Channels = append([]string(nil), channels...)
	for _, c := range rec.Channels {
		pipe.SAdd(ctx, keyChannel+c, connectionID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe.Set(ctx, keyConn+connectionID, data, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ByUser(ctx context.Context, userID string) ([]*Record, error) {
	return s.resolveSet(ctx, keyUser+userID)
}

func (s *RedisStore) ByChannel(ctx context.Context, channel string) ([]*Record, error) {
	return s.resolveSet(ctx, keyChannel+channel)
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, keyAll).Result()
	return int(n), err
}

// resolveSet loads every record referenced by an index set. Dangling
// index members (record deleted, set entry left behind by a crash) are
// pruned as they are found rather than surfaced to the caller.
func (s *RedisStore) resolveSet(ctx context.Context, key string) ([]*Record, error) {
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	recs := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
