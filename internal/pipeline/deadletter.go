package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/metrics"
)

// Dead-letter reasons. Each maps to its own subject so operators can
// subscribe selectively.
const (
	ReasonMalformedAlert      = "malformed_alert"
	ReasonInvalidContribution = "invalid_contribution"
	ReasonRetryExhausted      = "retry_exhausted"
	ReasonWorkflowFailed      = "workflow_failed"
)

// DeadLetterEntry carries full failure context to the error-handling
// collaborator. A failed message never silently disappears: it lands here,
// in a published report, or in a workflow Failed record.
type DeadLetterEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
	Subject   string          `json:"subject,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts,omitempty"`

	// Workflow context, set for workflow_failed entries.
	AlertID  string `json:"alert_id,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Step     string `json:"step,omitempty"`
}

// DeadLetter writes failed messages to the dead-letter stream.
type DeadLetter struct {
	pub messaging.Publisher
	log *logging.Logger
}

// NewDeadLetter creates a dead-letter writer on the given publisher.
func NewDeadLetter(pub messaging.Publisher, log *logging.Logger) *DeadLetter {
	return &DeadLetter{pub: pub, log: log}
}

// Write publishes the entry to deadletter.<reason>. Failures to write are
// logged and swallowed: the dead-letter path must never wedge a consumer.
func (d *DeadLetter) Write(ctx context.Context, entry DeadLetterEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	metrics.DeadLettersTotal.WithLabelValues(entry.Reason).Inc()

	subject := messaging.DeadLetterSubject(entry.Reason)
	if err := messaging.PublishJSON(ctx, d.pub, subject, entry); err != nil {
		d.log.Error("failed to publish dead-letter entry",
			"reason", entry.Reason, "error", err)
		return
	}
	d.log.Warn("message dead-lettered",
		"reason", entry.Reason, "subject", entry.Subject, "error", entry.Error)
}
