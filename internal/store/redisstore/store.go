package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps partial AI responses so an in-flight answer survives inspection
// from other processes while it is being generated.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// AppendPartial appends chunk to key and refreshes its TTL.
func (s *Store) AppendPartial(ctx context.Context, key, chunk string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Append(ctx, key, chunk)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetPartial returns the accumulated text, or "" when the key is gone.
func (s *Store) GetPartial(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *Store) DeletePartial(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
