// Package cache keeps immutable commit details in Redis so repeated feed
// passes skip the per-commit detail calls to the remote.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"commitnews/api/internal/feed"
	"commitnews/api/internal/sha"
)

const defaultTTL = 7 * 24 * time.Hour

// commitRecord is the stored form of a commit
type commitRecord struct {
	ID           string     `json:"id"`
	Message      string     `json:"message"`
	Link         string     `json:"link"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// RedisStore caches commit details in Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "commit:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// GetCommit reports false when key is not cached.
func (s *RedisStore) GetCommit(ctx context.Context, key string) (feed.RemoteCommit, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return feed.RemoteCommit{}, false, nil
	}
	if err != nil {
		return feed.RemoteCommit{}, false, fmt.Errorf("get commit %s: %w", key, err)
	}

	var record commitRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return feed.RemoteCommit{}, false, fmt.Errorf("unmarshal commit %s: %w", key, err)
	}
	id, err := sha.Parse(record.ID)
	if err != nil {
		return feed.RemoteCommit{}, false, fmt.Errorf("cached commit %s: %w", key, err)
	}
	return feed.RemoteCommit{
		ID:           id,
		Message:      record.Message,
		Link:         record.Link,
		Additions:    record.Additions,
		Deletions:    record.Deletions,
		LastModified: record.LastModified,
	}, true, nil
}

func (s *RedisStore) PutCommit(ctx context.Context, key string, commit feed.RemoteCommit) error {
	data, err := json.Marshal(commitRecord{
		ID:           commit.ID.String(),
		Message:      commit.Message,
		Link:         commit.Link,
		Additions:    commit.Additions,
		Deletions:    commit.Deletions,
		LastModified: commit.LastModified,
	})
	if err != nil {
		return fmt.Errorf("marshal commit %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put commit %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
