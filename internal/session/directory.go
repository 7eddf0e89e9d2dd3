package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotRegistered = errors.New("session not registered")

// Entry records which engine instance holds a document session.
type Entry struct {
	SessionID   string    `json:"session_id"`
	InstanceID  string    `json:"instance_id"`
	DocumentURL string    `json:"document_url"`
	CollabURL   string    `json:"collab_url"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory publishes the sessions held by this instance.
type Directory interface {
	Register(ctx context.Context, id Identity, e Entry) error
	Refresh(ctx context.Context, id Identity) error
	Unregister(ctx context.Context, id Identity, sessionID string) error
}

const defaultDirectoryTTL = 10 * time.Minute

// RedisDirectory implements Directory using Redis keys with a TTL, so entries
// of a crashed instance disappear on their own.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDirectory connects to redisURL.
func NewRedisDirectory(redisURL string, ttl time.Duration) (*RedisDirectory, error) {
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
	return NewRedisDirectoryWithClient(client, ttl), nil
}

// NewRedisDirectoryWithClient creates a directory from an existing client.
func NewRedisDirectoryWithClient(client *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = defaultDirectoryTTL
	}
	return &RedisDirectory{client: client, prefix: "docagent:session:", ttl: ttl}
}

// key hashes the identity; document URLs can be long and contain anything.
func (d *RedisDirectory) key(id Identity) string {
	sum := sha256.Sum256([]byte(id.Key()))
	return d.prefix + hex.EncodeToString(sum[:16])
}

func (d *RedisDirectory) Register(ctx context.Context, id Identity, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}
	if err := d.client.Set(ctx, d.key(id), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// Refresh extends the entry's TTL.
func (d *RedisDirectory) Refresh(ctx context.Context, id Identity) error {
	ok, err := d.client.Expire(ctx, d.key(id), d.ttl).Result()
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, id Identity) (Entry, error) {
	raw, err := d.client.Get(ctx, d.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotRegistered
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup session: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal session entry: %w", err)
	}
	return e, nil
}

// Unregister deletes the entry only if it still belongs to this instance's
// session; a newer registration by another instance is left alone.
func (d *RedisDirectory) Unregister(ctx context.Context, id Identity, sessionID string) error {
	key := d.key(id)
	err := d.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err == nil && e.SessionID != sessionID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("unregister session: %w", err)
	}
	return nil
}

// List returns every registered session across instances.
func (d *RedisDirectory) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	iter := d.client.Scan(ctx, 0, d.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := d.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read session entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return entries, nil
}

func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
