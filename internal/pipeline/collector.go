package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/metrics"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// Collector consumes asynchronous inspector contributions and merges them
// into the aggregation store. Deduplication comes from content-derived
// record keys; processing is safe under duplicate and concurrent delivery.
type Collector struct {
	store store.Store
	dlq   *DeadLetter
	retry RetryPolicy
	log   *logging.Logger

	now func() time.Time
}

// NewCollector creates a collector.
func NewCollector(st store.Store, dlq *DeadLetter, retry RetryPolicy, log *logging.Logger) *Collector {
	return &Collector{store: st, dlq: dlq, retry: retry, log: log, now: time.Now}
}

// HandleFinding consumes one finding contribution.
func (c *Collector) HandleFinding(ctx context.Context, msg *messaging.Message) error {
	var finding models.Finding
	if err := json.Unmarshal(msg.Data, &finding); err != nil {
		return c.reject(ctx, msg, fmt.Errorf("%w: %v", models.ErrInvalidContribution, err))
	}
	if err := finding.Validate(); err != nil {
		return c.reject(ctx, msg, err)
	}

	if err := c.upsertFinding(ctx, &finding); err != nil {
		return c.reject(ctx, msg, err)
	}

	metrics.ContributionsTotal.WithLabelValues(string(models.KindFinding)).Inc()
	c.log.WithAlert(finding.AlertID).Debug("finding merged",
		"inspector", finding.Inspector, "severity", finding.Severity)
	return nil
}

// HandleAttribute consumes one attribute contribution, merging provenance
// with any existing record for the same (type, value) pair.
func (c *Collector) HandleAttribute(ctx context.Context, msg *messaging.Message) error {
	var contrib models.AttributeContribution
	if err := json.Unmarshal(msg.Data, &contrib); err != nil {
		return c.reject(ctx, msg, fmt.Errorf("%w: %v", models.ErrInvalidContribution, err))
	}
	if err := contrib.Validate(); err != nil {
		return c.reject(ctx, msg, err)
	}

	if err := c.upsertAttribute(ctx, contrib.Attribute()); err != nil {
		return c.reject(ctx, msg, err)
	}

	metrics.ContributionsTotal.WithLabelValues(string(models.KindAttribute)).Inc()
	c.log.WithAlert(contrib.AlertID).Debug("attribute merged",
		"type", contrib.Type, "inspector", contrib.Inspector)
	return nil
}

// reject applies the bounded-retry policy: redeliver until the budget is
// spent, then dead-letter and acknowledge so a poison message cannot block
// the queue.
func (c *Collector) reject(ctx context.Context, msg *messaging.Message, err error) error {
	if !c.retry.exhausted(msg.Deliveries) {
		return err
	}
	c.dlq.Write(ctx, DeadLetterEntry{
		Reason:   ReasonInvalidContribution,
		Subject:  msg.Subject,
		Payload:  msg.Data,
		Error:    err.Error(),
		Attempts: msg.Deliveries,
	})
	return nil
}

func (c *Collector) upsertFinding(ctx context.Context, finding *models.Finding) error {
	alertRec, err := getAlertRecord(ctx, c.store, finding.AlertID)
	if err != nil {
		return err
	}
	if alertRec == nil {
		// The alert may still be in flight; redelivery gives the
		// receptor time to catch up.
		return fmt.Errorf("%w: unknown alert %s", models.ErrInvalidContribution, finding.AlertID)
	}

	if finding.ObservedAt.IsZero() {
		finding.ObservedAt = c.now().UTC()
	}

	key := store.Key{
		Partition: models.AlertPartition(finding.AlertID),
		Kind:      models.KindFinding,
		ID:        finding.RecordID(),
	}
	// CreatedAt tracks the observation time so duplicate deliveries
	// overwrite with identical ordering metadata.
	return store.Retry(ctx, c.retry.StoreAttempts, c.retry.StoreBackoff, func() error {
		return putJSON(ctx, c.store, key, finding, finding.ObservedAt, alertRec.ExpiresAt)
	})
}

func (c *Collector) upsertAttribute(ctx context.Context, attr *models.Attribute) error {
	alertRec, err := getAlertRecord(ctx, c.store, attr.AlertID)
	if err != nil {
		return err
	}
	if alertRec == nil {
		return fmt.Errorf("%w: unknown alert %s", models.ErrInvalidContribution, attr.AlertID)
	}

	if attr.ObservedAt.IsZero() {
		attr.ObservedAt = c.now().UTC()
	}

	key := store.Key{
		Partition: models.AlertPartition(attr.AlertID),
		Kind:      models.KindAttribute,
		ID:        attr.RecordID(),
	}

	return store.Retry(ctx, c.retry.StoreAttempts, c.retry.StoreBackoff, func() error {
		existing, err := getJSON[models.Attribute](ctx, c.store, key)
		if err != nil {
			return err
		}
		merged := attr
		if existing != nil {
			// Merge provenance rather than duplicating the pair.
			existing.Merge(attr)
			merged = existing
		}
		if err := putJSON(ctx, c.store, key, merged, merged.ObservedAt, alertRec.ExpiresAt); err != nil {
			return err
		}
		return c.recordSighting(ctx, merged, alertRec.ExpiresAt)
	})
}

// recordSighting maintains the cross-alert index the feedback loop queries.
func (c *Collector) recordSighting(ctx context.Context, attr *models.Attribute, expiresAt time.Time) error {
	sighting := models.Sighting{AlertID: attr.AlertID, ObservedAt: attr.ObservedAt}
	key := store.Key{
		Partition: models.SightingPartition(attr.Type, attr.Value),
		Kind:      models.KindSighting,
		ID:        attr.AlertID,
	}
	return putJSON(ctx, c.store, key, sighting, attr.ObservedAt, expiresAt)
}
