// Package store provides the aggregation store: a durable key-value table
// keyed by (partition, kind, record ID) with per-partition expiry and a
// change-notification hook. It is the only mutable shared state in the
// pipeline; every component reads and writes through this contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/argus-systems/argus/internal/models"
)

// ErrUnavailable marks a transient store failure. Consumers retry these with
// backoff; anything else is a logic fault and is not retried.
var ErrUnavailable = errors.New("store unavailable")

// Key identifies a single record.
type Key struct {
	Partition string
	Kind      models.RecordKind
	ID        string
}

// Record is a stored entry. Payload is the JSON-encoded model. ExpiresAt is
// inherited from the owning alert so the whole footprint expires together.
type Record struct {
	Key
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Notifier is invoked after every successful write with the stored record.
// Implementations must not block; publishing to a bus is fine, waiting on
// the caller is not.
type Notifier func(ctx context.Context, rec Record)

// Store is the read/write contract shared by all pipeline components.
// Writes are unconditional upserts; deduplication comes from deterministic
// record IDs, not from conditional writes.
type Store interface {
	// Put upserts a record. Last writer wins per key.
	Put(ctx context.Context, rec Record) error

	// Get returns the record or (nil, nil) when absent or expired.
	Get(ctx context.Context, key Key) (*Record, error)

	// Query returns every live record under (partition, kind), ordered by
	// creation time then record ID so compilation is deterministic.
	Query(ctx context.Context, partition string, kind models.RecordKind) ([]Record, error)

	// Delete removes a record. Missing keys are not an error.
	Delete(ctx context.Context, key Key) error

	Close() error
}

// Retry runs fn up to attempts times, backing off between tries, as long as
// the failure is transient (ErrUnavailable). Other errors return at once.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}
