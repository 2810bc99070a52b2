package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore implements Store on a shared Redis instance. Documents live as
// JSON strings under "<prefix>:<collection>:<id>"; every mutation also
// publishes the change on "<prefix>:ch:<collection>" so other clients'
// subscriptions see it as a feed entry.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

type redisEvent struct {
	Type ChangeType      `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewRedisStore(ctx context.Context, addr, password, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "huddle"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, collection, id)
}

func (s *RedisStore) channel(collection string) string {
	return fmt.Sprintf("%s:ch:%s", s.prefix, collection)
}

func (s *RedisStore) Create(ctx context.Context, collection, id string, doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal doc: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.rdb.Set(ctx, s.key(collection, id), data, 0).Err(); err != nil {
		return "", fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	s.publish(ctx, collection, redisEvent{Type: Added, ID: id, Data: data})
	return id, nil
}

func (s *RedisStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	key := s.key(collection, id)
	prev, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	var m map[string]any
	if err := json.Unmarshal(prev, &m); err != nil {
		return fmt.Errorf("decode doc %s/%s: %w", collection, id, err)
	}
	for k, v := range fields {
		m[k] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("merge doc %s/%s: %w", collection, id, err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	s.publish(ctx, collection, redisEvent{Type: Modified, ID: id, Data: data})
	return nil
}

func (s *RedisStore) Get(ctx context.Context, collection, id string, out any) error {
	data, err := s.rdb.Get(ctx, s.key(collection, id)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal(data, out)
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	n, err := s.rdb.Del(ctx, s.key(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n > 0 {
		s.publish(ctx, collection, redisEvent{Type: Removed, ID: id})
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, collection string, filter *Filter, fn Handler) (CancelFunc, error) {
	sub := s.rdb.Subscribe(ctx, s.channel(collection))
	// Wait for the subscription to be active before replaying the snapshot,
	// otherwise changes between replay and activation would be lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	if err := s.replay(ctx, collection, filter, fn); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			var ev redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Error().Err(err).Str("module", "store.redis").Str("collection", collection).Msg("bad change event")
				continue
			}
			if ev.Type != Removed && !filter.matches(ev.Data) {
				continue
			}
			fn(Change{Type: ev.Type, ID: ev.ID, Data: ev.Data})
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = sub.Close() })
	}
	return cancel, nil
}

func (s *RedisStore) replay(ctx context.Context, collection string, filter *Filter, fn Handler) error {
	pattern := s.key(collection, "*")
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	prefixLen := len(s.key(collection, ""))
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			// Deleted between scan and read; the feed will report it.
			continue
		}
		if !filter.matches(data) {
			continue
		}
		fn(Change{Type: Added, ID: key[prefixLen:], Data: data})
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", collection, err)
	}
	return nil
}

func (s *RedisStore) publish(ctx context.Context, collection string, ev redisEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "store.redis").Msg("marshal change event")
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(collection), payload).Err(); err != nil {
		log.Error().Err(err).Str("module", "store.redis").Str("collection", collection).Msg("publish change event")
	}
}

// ServerTimestamp uses local time; clients only compare timestamps they wrote
// themselves, so clock skew between participants is tolerable here.
func (s *RedisStore) ServerTimestamp() time.Time { return time.Now() }
