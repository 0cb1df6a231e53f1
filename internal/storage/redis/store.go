// Package redis provides the Redis-backed module-state store. State documents
// are stored as JSON strings under one key per (account, namespace) slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/store"
)

// Config describes the Redis connection.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store persists module state in Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "accountguard"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(account string, ns store.Namespace) string {
	return fmt.Sprintf("%s:state:%s:%s", s.prefix, account, ns)
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context, account string, ns store.Namespace, v any) error {
	raw, err := s.client.Get(ctx, s.key(account, ns)).Bytes()
	if err == redis.Nil {
		return store.ErrStateNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load module state")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode module state")
	}
	return nil
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, account string, ns store.Namespace, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode module state")
	}
	if err := s.client.Set(ctx, s.key(account, ns), raw, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save module state")
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, account string, ns store.Namespace) error {
	if err := s.client.Del(ctx, s.key(account, ns)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete module state")
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
