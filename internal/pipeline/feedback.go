package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/metrics"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// FeedbackInspector is the provenance name on attributes the feedback loop
// re-injects.
const FeedbackInspector = "feedback"

// Feedback consumes attribute events, resolves them against prior alerts
// through the sighting index, and re-injects inferred attributes into the
// regular collection path. Derived attributes are terminal: they never
// trigger another feedback cycle, which bounds transitive enrichment.
type Feedback struct {
	store store.Store
	pub   messaging.Publisher
	retry RetryPolicy
	log   *logging.Logger

	now func() time.Time
}

// NewFeedback creates the feedback-loop consumer.
func NewFeedback(st store.Store, pub messaging.Publisher, retry RetryPolicy, log *logging.Logger) *Feedback {
	return &Feedback{store: st, pub: pub, retry: retry, log: log, now: time.Now}
}

// HandleAttribute resolves one attribute event. Malformed events are
// dropped silently here; the collector consuming the same subject owns
// their dead-lettering.
func (f *Feedback) HandleAttribute(ctx context.Context, msg *messaging.Message) error {
	var contrib models.AttributeContribution
	if err := json.Unmarshal(msg.Data, &contrib); err != nil {
		return nil
	}
	if err := contrib.Validate(); err != nil {
		return nil
	}

	// Cycle break: attributes the loop itself produced are not re-subject
	// to feedback.
	if contrib.Derived || contrib.Type == models.AttrRelatedAlert {
		return nil
	}

	related, err := f.relatedAlerts(ctx, &contrib)
	if err != nil {
		if f.retry.exhausted(msg.Deliveries) {
			f.log.Error("feedback lookup failed, giving up",
				"alert_id", contrib.AlertID, "error", err)
			return nil
		}
		return err
	}

	for _, alertID := range related {
		derived := models.AttributeContribution{
			AlertID:    contrib.AlertID,
			Type:       models.AttrRelatedAlert,
			Value:      alertID,
			Inspector:  FeedbackInspector,
			Confidence: contrib.Confidence,
			Derived:    true,
			ObservedAt: f.now().UTC(),
		}
		if err := messaging.PublishJSON(ctx, f.pub, messaging.SubjectContribAttribute, derived); err != nil {
			return err
		}
		metrics.FeedbackDerived.Inc()
	}

	if len(related) > 0 {
		f.log.WithAlert(contrib.AlertID).Info("feedback derived related alerts",
			"type", contrib.Type, "count", len(related))
	}
	return nil
}

// relatedAlerts returns other alerts on which this (type, value) pair has
// been sighted.
func (f *Feedback) relatedAlerts(ctx context.Context, contrib *models.AttributeContribution) ([]string, error) {
	var sightings []store.Record
	err := store.Retry(ctx, f.retry.StoreAttempts, f.retry.StoreBackoff, func() error {
		var err error
		sightings, err = f.store.Query(ctx, models.SightingPartition(contrib.Type, contrib.Value), models.KindSighting)
		return err
	})
	if err != nil {
		return nil, err
	}

	var related []string
	for _, rec := range sightings {
		var sighting models.Sighting
		if err := json.Unmarshal(rec.Payload, &sighting); err != nil {
			continue
		}
		if sighting.AlertID != contrib.AlertID {
			related = append(related, sighting.AlertID)
		}
	}
	return related, nil
}
