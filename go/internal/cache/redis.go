package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const mirrorQueueSize = 256

// mirrorRecord is the persisted shape of an entry
type mirrorRecord struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type mirrorWrite struct {
	key   Key
	entry Entry
}

// RedisMirror keeps a warm copy of committed entries in Redis. Writes are
// queued by the store observer and flushed by Run, so cache mutation never
// waits on the network.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	queue  chan mirrorWrite
}

func NewRedisMirror(rdb *redis.Client, userID string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		rdb:    rdb,
		prefix: fmt.Sprintf("couplet:cache:%s:", userID),
		ttl:    ttl,
		queue:  make(chan mirrorWrite, mirrorQueueSize),
	}
}

// Observe is a Store observer. Stale entries are not mirrored.
func (m *RedisMirror) Observe(key Key, entry Entry) {
	if entry.Stale {
		return
	}
	select {
	case m.queue <- mirrorWrite{key: key, entry: entry}:
	default:
		log.Warn().Str("key", string(key)).Msg("redis mirror queue full, dropping write")
	}
}

// Run flushes queued writes until ctx is done
func (m *RedisMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-m.queue:
			if err := m.save(ctx, w.key, w.entry); err != nil {
				log.Warn().Err(err).Str("key", string(w.key)).Msg("failed to mirror cache entry")
			}
		}
	}
}

func (m *RedisMirror) save(ctx context.Context, key Key, entry Entry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data, err := json.Marshal(mirrorRecord{Value: value, UpdatedAt: entry.UpdatedAt})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return m.rdb.Set(ctx, m.prefix+string(key), data, m.ttl).Err()
}

// Load reads a mirrored entry. The returned entry is always stale.
func (m *RedisMirror) Load(ctx context.Context, key Key) (Entry, bool, error) {
	data, err := m.rdb.Get(ctx, m.prefix+string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load %s: %w", key, err)
	}

	var rec mirrorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}

	var value interface{} = rec.Value
	var list []json.RawMessage
	if err := json.Unmarshal(rec.Value, &list); err == nil {
		value = list
	}
	return Entry{Value: value, Stale: true, UpdatedAt: rec.UpdatedAt}, true, nil
}

// Loader is the read side of a mirror
type Loader interface {
	Load(ctx context.Context, key Key) (Entry, bool, error)
}

// Warm seeds absent keys from a mirror. Seeded entries are stale so the first
// Read still goes to the source of truth.
func (s *Store) Warm(ctx context.Context, loader Loader, keys ...Key) error {
	var errs []error
	for _, key := range keys {
		entry, ok, err := loader.Load(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		entry.Stale = true
		s.seed(key, entry)
	}
	if len(errs) > 0 {
		log.Warn().Int("failed", len(errs)).Msg("cache warm incomplete")
	}
	return errors.Join(errs...)
}
