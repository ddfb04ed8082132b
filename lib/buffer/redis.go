package buffer

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the external-KV implementation of Buffer. Chunk keys carry the
// TTL, so eviction is the server's job; MaxChunks bounds how far back a
// reader may reach. One session has one writer, so the head index is a
// local atomic rather than a round-trip.
type Redis struct {
	client    *redis.Client
	prefix    string
	head      atomic.Int64
	maxChunks int
	ttl       time.Duration
}

// NewRedis connects the buffer for one session to a Redis server.
// sessionKey namespaces the chunk keys, typically the content key.
func NewRedis(ctx context.Context, addr, sessionKey string, maxChunks int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis buffer: %w", err)
	}
	return &Redis{
		client:    client,
		prefix:    "acebuf:" + sessionKey + ":",
		maxChunks: maxChunks,
		ttl:       ttl,
	}, nil
}

func (r *Redis) key(index int64) string {
	return r.prefix + strconv.FormatInt(index, 10)
}

func (r *Redis) Append(data []byte) int64 {
	index := r.head.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.key(index), data, r.ttl).Err(); err == nil {
		// Drop the slot that just fell out of the window so the server
		// does not hold MaxChunks plus the whole TTL backlog.
		if old := index - int64(r.maxChunks); old >= 0 {
			r.client.Del(ctx, r.key(old))
		}
	}
	r.head.Add(1)
	return index
}

func (r *Redis) Get(index int64) ([]byte, bool) {
	if index < 0 || index >= r.head.Load() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := r.client.Get(ctx, r.key(index)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (r *Redis) Head() int64 { return r.head.Load() }

func (r *Redis) Close() error { return r.client.Close() }
