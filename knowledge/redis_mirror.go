package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMirrorKey     = "knowledge:snapshot"
	defaultMirrorTTL     = 24 * time.Hour
	mirrorCommandTimeout = 500 * time.Millisecond
)

// RedisMirror stores the active entries as one JSON value in Redis.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror returns nil when client is nil so callers can pass the
// result straight to WithMirror.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisMirror{client: client, key: defaultMirrorKey, ttl: ttl}
}

func (m *RedisMirror) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), mirrorCommandTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= mirrorCommandTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, mirrorCommandTimeout)
}

func (m *RedisMirror) Save(ctx context.Context, entries []Entry) error {
	if m == nil || m.client == nil {
		return nil
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	ctx, cancel := m.commandContext(ctx)
	defer cancel()
	return m.client.Set(ctx, m.key, payload, m.ttl).Err()
}

func (m *RedisMirror) Load(ctx context.Context) ([]Entry, error) {
	if m == nil || m.client == nil {
		return nil, redis.Nil
	}

	ctx, cancel := m.commandContext(ctx)
	defer cancel()

	data, err := m.client.Get(ctx, m.key).Bytes()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, errors.New("knowledge: mirrored snapshot is empty")
	}
	return entries, nil
}
