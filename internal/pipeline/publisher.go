package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/metrics"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// ReportArchiver persists published reports beyond the store's retention
// window. Optional; the store record remains the source of truth.
type ReportArchiver interface {
	SaveReport(ctx context.Context, report *models.Report) error
}

// Publisher persists the final report record and emits the report-published
// notification. Publishing is idempotent: the report lives under a fixed
// per-alert key, so a re-run overwrites the same logical report.
type Publisher struct {
	store   store.Store
	bus     messaging.Publisher
	archive ReportArchiver
	retry   RetryPolicy
	log     *logging.Logger

	now func() time.Time
}

// NewPublisher creates a publisher. archive may be nil.
func NewPublisher(st store.Store, bus messaging.Publisher, archive ReportArchiver, retry RetryPolicy, log *logging.Logger) *Publisher {
	return &Publisher{store: st, bus: bus, archive: archive, retry: retry, log: log, now: time.Now}
}

// Publish marks the report published, upserts its record and emits the
// notification event.
func (p *Publisher) Publish(ctx context.Context, report *models.Report) error {
	alertRec, err := getAlertRecord(ctx, p.store, report.AlertID)
	if err != nil {
		return err
	}
	if alertRec == nil {
		return fmt.Errorf("publish: alert record %s not found", report.AlertID)
	}

	report.Status = models.StatusPublished
	report.PublishedAt = p.now().UTC()
	if report.Result == nil {
		report.Result = &models.ReviewResult{Severity: models.SeverityUnclassified}
	}

	err = store.Retry(ctx, p.retry.StoreAttempts, p.retry.StoreBackoff, func() error {
		return putJSON(ctx, p.store, reportRecordKey(report.AlertID), report, report.CreatedAt, alertRec.ExpiresAt)
	})
	if err != nil {
		return err
	}

	if p.archive != nil {
		if err := p.archive.SaveReport(ctx, report); err != nil {
			return fmt.Errorf("archive report %s: %w", report.ReportID, err)
		}
	}

	event := models.ReportPublished{
		AlertID:     report.AlertID,
		ReportID:    report.ReportID,
		PublishedAt: report.PublishedAt,
	}
	if err := messaging.PublishJSON(ctx, p.bus, messaging.SubjectReportPublished, event); err != nil {
		return err
	}

	metrics.ReportsPublished.Inc()
	p.log.WithAlert(report.AlertID).Info("report published",
		"report_id", report.ReportID, "findings", len(report.Findings), "attributes", len(report.Attributes))
	return nil
}
