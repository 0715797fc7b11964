// Package pipeline implements the orchestration stages: alert reception,
// inspection dispatch, contribution collection, attribute feedback, report
// compilation and publication. All durable state lives in the aggregation
// store; every stage is stateless across invocations.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

func alertRecordKey(alertID string) store.Key {
	return store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      models.KindAlert,
		ID:        models.SingletonID,
	}
}

func reportRecordKey(alertID string) store.Key {
	return store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      models.KindReport,
		ID:        models.SingletonID,
	}
}

// putJSON upserts v under key with the given timestamps.
func putJSON(ctx context.Context, st store.Store, key store.Key, v any, createdAt, expiresAt time.Time) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s/%s: %w", key.Partition, key.Kind, key.ID, err)
	}
	return st.Put(ctx, store.Record{
		Key:       key,
		Payload:   raw,
		CreatedAt: createdAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	})
}

// getJSON reads key and decodes into T. Returns (nil, nil) when absent.
func getJSON[T any](ctx context.Context, st store.Store, key store.Key) (*T, error) {
	rec, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s/%s: %w", key.Partition, key.Kind, key.ID, err)
	}
	return &v, nil
}

// getAlertRecord loads the alert record that owns a partition. Every child
// write inherits its ExpiresAt.
func getAlertRecord(ctx context.Context, st store.Store, alertID string) (*models.AlertRecord, error) {
	return getJSON[models.AlertRecord](ctx, st, alertRecordKey(alertID))
}
