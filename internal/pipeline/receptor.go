package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/metrics"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// Workflow names started per ingested alert.
const (
	WorkflowInspection = "inspection"
	WorkflowReview     = "review"
)

// WorkflowStarter launches a named workflow instance for an alert. The
// runner must treat a second Start for the same (workflow, alert) pair as a
// no-op.
type WorkflowStarter interface {
	Start(ctx context.Context, workflow, alertID string, expiresAt time.Time) error
}

// RetryPolicy bounds retries across the consuming stages.
type RetryPolicy struct {
	// MaxDeliver mirrors the consumer's delivery budget. On the final
	// delivery a still-failing message is dead-lettered instead of naked.
	MaxDeliver int

	// StoreAttempts and StoreBackoff govern local retry of transient
	// store failures within one delivery.
	StoreAttempts int
	StoreBackoff  time.Duration
}

// DefaultRetryPolicy matches the consumer defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxDeliver: 5, StoreAttempts: 3, StoreBackoff: 200 * time.Millisecond}
}

// exhausted reports whether this delivery is the message's last chance.
func (p RetryPolicy) exhausted(deliveries int) bool {
	return deliveries >= p.MaxDeliver
}

// Receptor validates and normalizes inbound alerts, creates the aggregation
// record and starts the inspection and review workflows. Ingestion is
// idempotent: re-delivery of the same alert identity changes nothing.
type Receptor struct {
	store     store.Store
	workflows WorkflowStarter
	dlq       *DeadLetter
	ttl       time.Duration
	retry     RetryPolicy
	log       *logging.Logger

	now func() time.Time
}

// NewReceptor creates a receptor. ttl is the retention window inherited by
// every record the alert produces.
func NewReceptor(st store.Store, workflows WorkflowStarter, dlq *DeadLetter, ttl time.Duration, retry RetryPolicy, log *logging.Logger) *Receptor {
	return &Receptor{
		store:     st,
		workflows: workflows,
		dlq:       dlq,
		ttl:       ttl,
		retry:     retry,
		log:       log,
		now:       time.Now,
	}
}

// HandleMessage consumes one inbound alert message. Malformed alerts go
// straight to the dead-letter path without retry; transient failures are
// retried up to the delivery budget.
func (r *Receptor) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	var alert models.Alert
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		r.dlq.Write(ctx, DeadLetterEntry{
			Reason:   ReasonMalformedAlert,
			Subject:  msg.Subject,
			Payload:  msg.Data,
			Error:    err.Error(),
			Attempts: msg.Deliveries,
		})
		return nil
	}

	err := r.Ingest(ctx, &alert)
	if err == nil {
		return nil
	}

	if errors.Is(err, models.ErrMalformedAlert) {
		r.dlq.Write(ctx, DeadLetterEntry{
			Reason:   ReasonMalformedAlert,
			Subject:  msg.Subject,
			Payload:  msg.Data,
			Error:    err.Error(),
			Attempts: msg.Deliveries,
		})
		return nil
	}

	if r.retry.exhausted(msg.Deliveries) {
		r.dlq.Write(ctx, DeadLetterEntry{
			Reason:   ReasonRetryExhausted,
			Subject:  msg.Subject,
			Payload:  msg.Data,
			Error:    err.Error(),
			Attempts: msg.Deliveries,
		})
		return nil
	}
	return err
}

// Ingest validates the alert, persists its record and starts both
// workflows. An existing record for the same alert identity is a duplicate
// delivery: the record is left untouched and the workflow starts are
// re-asserted, which no-ops when both already run.
func (r *Receptor) Ingest(ctx context.Context, alert *models.Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}

	alertID := alert.AlertID()
	log := r.log.WithAlert(alertID)

	existing, err := getAlertRecord(ctx, r.store, alertID)
	if err != nil {
		return err
	}
	if existing != nil {
		metrics.AlertsDuplicate.Inc()
		// Re-assert both workflows before acking: an earlier delivery
		// may have failed between the record write and the second
		// Start. Start is a no-op for instances that already exist.
		if err := r.workflows.Start(ctx, WorkflowInspection, alertID, existing.ExpiresAt); err != nil {
			return err
		}
		if err := r.workflows.Start(ctx, WorkflowReview, alertID, existing.ExpiresAt); err != nil {
			return err
		}
		log.Info("duplicate alert delivery, skipping")
		return nil
	}

	now := r.now().UTC()
	rec := models.AlertRecord{
		AlertID: alertID,
		// Derived from the alert identity so concurrent duplicate
		// deliveries write byte-identical records.
		ReportID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(alertID)).String(),
		Alert:      *alert,
		ReceivedAt: now,
		ExpiresAt:  now.Add(r.ttl),
	}

	err = store.Retry(ctx, r.retry.StoreAttempts, r.retry.StoreBackoff, func() error {
		return putJSON(ctx, r.store, alertRecordKey(alertID), rec, now, rec.ExpiresAt)
	})
	if err != nil {
		return err
	}

	if err := r.workflows.Start(ctx, WorkflowInspection, alertID, rec.ExpiresAt); err != nil {
		return err
	}
	if err := r.workflows.Start(ctx, WorkflowReview, alertID, rec.ExpiresAt); err != nil {
		return err
	}

	metrics.AlertsReceived.Inc()
	log.Info("alert ingested", "source", alert.Source, "report_id", rec.ReportID)
	return nil
}
