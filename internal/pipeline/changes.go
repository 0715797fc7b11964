package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/store"
)

// StoreChange is the change-notification event emitted for every successful
// store write. A store.change.report event is the alternative signal to the
// workflow's own report.published notification; the written record, not the
// trigger source, is the source of truth.
type StoreChange struct {
	Partition string          `json:"partition"`
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChangeNotifier builds the store notifier that publishes change events on
// store.change.<kind>. Publish failures are logged and dropped: the change
// stream is advisory, the write itself already succeeded.
func ChangeNotifier(pub messaging.Publisher, log *logging.Logger) store.Notifier {
	return func(ctx context.Context, rec store.Record) {
		event := StoreChange{
			Partition: rec.Partition,
			Kind:      string(rec.Kind),
			ID:        rec.ID,
			Payload:   rec.Payload,
			CreatedAt: rec.CreatedAt,
		}
		subject := messaging.StoreChangeSubject(string(rec.Kind))
		if err := messaging.PublishJSON(ctx, pub, subject, event); err != nil {
			log.Warn("failed to publish store change", "subject", subject, "error", err)
		}
	}
}
