package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/argus-systems/argus/internal/models"
)

const keyPrefix = "argus"

// envelope is the wire form of a record inside a Redis hash field.
type envelope struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// RedisStore implements Store on a Redis hash per (partition, kind). The
// hash key carries the partition TTL, so all records of one alert expire
// atomically without a cleanup job.
type RedisStore struct {
	client   *redis.Client
	notifier Notifier
	now      func() time.Time
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// SetNotifier installs the change-notification hook. Must be called before
// the store receives writes.
func (s *RedisStore) SetNotifier(fn Notifier) { s.notifier = fn }

// SetClock overrides the expiry clock for tests.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

func (s *RedisStore) expired(rec *Record) bool {
	return !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt)
}

func hashKey(partition string, kind models.RecordKind) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, partition, kind)
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	env := envelope{
		ID:        rec.ID,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal record %s/%s/%s: %w", rec.Partition, rec.Kind, rec.ID, err)
	}

	key := hashKey(rec.Partition, rec.Kind)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, rec.ID, raw)
	if !rec.ExpiresAt.IsZero() {
		// The hash TTL is storage reclamation only. On partitions shared
		// by several alerts the last writer's deadline wins, so reads
		// filter on the per-record ExpiresAt instead.
		pipe.ExpireAt(ctx, key, rec.ExpiresAt.UTC())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}

	if s.notifier != nil {
		s.notifier(ctx, rec)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	raw, err := s.client.HGet(ctx, hashKey(key.Partition, key.Kind), key.ID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s/%s: %v", ErrUnavailable, key.Partition, key.Kind, key.ID, err)
	}

	rec, err := decodeEnvelope(key.Partition, key.Kind, []byte(raw))
	if err != nil {
		return nil, err
	}
	if s.expired(rec) {
		return nil, nil
	}
	return rec, nil
}

func (s *RedisStore) Query(ctx context.Context, partition string, kind models.RecordKind) ([]Record, error) {
	fields, err := s.client.HGetAll(ctx, hashKey(partition, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: query %s/%s: %v", ErrUnavailable, partition, kind, err)
	}

	records := make([]Record, 0, len(fields))
	for _, raw := range fields {
		rec, err := decodeEnvelope(partition, kind, []byte(raw))
		if err != nil {
			return nil, err
		}
		if s.expired(rec) {
			continue
		}
		records = append(records, *rec)
	}
	sortRecords(records)
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.HDel(ctx, hashKey(key.Partition, key.Kind), key.ID).Err(); err != nil {
		return fmt.Errorf("%w: delete %s/%s/%s: %v", ErrUnavailable, key.Partition, key.Kind, key.ID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeEnvelope(partition string, kind models.RecordKind, raw []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", partition, kind, err)
	}
	return &Record{
		Key:       Key{Partition: partition, Kind: kind, ID: env.ID},
		Payload:   env.Payload,
		CreatedAt: env.CreatedAt,
		ExpiresAt: env.ExpiresAt,
	}, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
