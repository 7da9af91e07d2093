package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "evolvecast:archive:"

// RedisBlob stores objects as Redis strings without expiration. It lets
// several forecaster instances share one archive.
type RedisBlob struct {
	client *redis.Client
	prefix string
	mu     sync.Mutex
}

// NewRedisBlob connects to the server named by a redis:// URL. An empty
// prefix uses "evolvecast:archive:".
func NewRedisBlob(ctx context.Context, rawURL, prefix string) (*RedisBlob, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBlob{client: client, prefix: prefix}, nil
}

func (b *RedisBlob) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.prefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archive from redis: %w", err)
	}
	return data, nil
}

func (b *RedisBlob) Put(ctx context.Context, name string, data []byte) error {
	if err := b.client.Set(ctx, b.prefix+name, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store archive in redis: %w", err)
	}
	return nil
}

// Close is idempotent.
func (b *RedisBlob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
