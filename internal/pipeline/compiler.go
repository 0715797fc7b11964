package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// Compiler assembles a draft report from the aggregated record set of one
// alert. Compilation has no side effects beyond the read, and the store's
// query ordering makes it deterministic: compiling the same record set
// twice yields identical content.
type Compiler struct {
	store store.Store
	log   *logging.Logger
}

// NewCompiler creates a compiler.
func NewCompiler(st store.Store, log *logging.Logger) *Compiler {
	return &Compiler{store: st, log: log}
}

// Compile reads every finding and attribute for the alert and builds the
// draft report.
func (c *Compiler) Compile(ctx context.Context, alertID string) (*models.Report, error) {
	alertRec, err := getAlertRecord(ctx, c.store, alertID)
	if err != nil {
		return nil, err
	}
	if alertRec == nil {
		return nil, fmt.Errorf("compile: alert record %s not found", alertID)
	}

	partition := models.AlertPartition(alertID)

	findingRecs, err := c.store.Query(ctx, partition, models.KindFinding)
	if err != nil {
		return nil, err
	}
	findings := make([]models.Finding, 0, len(findingRecs))
	for _, rec := range findingRecs {
		var f models.Finding
		if err := json.Unmarshal(rec.Payload, &f); err != nil {
			return nil, fmt.Errorf("compile: decode finding %s: %w", rec.ID, err)
		}
		findings = append(findings, f)
	}

	attrRecs, err := c.store.Query(ctx, partition, models.KindAttribute)
	if err != nil {
		return nil, err
	}
	attrs := make([]models.Attribute, 0, len(attrRecs))
	for _, rec := range attrRecs {
		var a models.Attribute
		if err := json.Unmarshal(rec.Payload, &a); err != nil {
			return nil, fmt.Errorf("compile: decode attribute %s: %w", rec.ID, err)
		}
		attrs = append(attrs, a)
	}

	report := &models.Report{
		ReportID:   alertRec.ReportID,
		AlertID:    alertID,
		Alert:      alertRec.Alert,
		Findings:   findings,
		Attributes: attrs,
		Status:     models.StatusDraft,
		// Anchored to ingestion time, not compile time, so recompiling
		// an unchanged record set yields byte-identical output.
		CreatedAt: alertRec.ReceivedAt,
	}

	c.log.WithAlert(alertID).Info("report compiled",
		"findings", len(findings), "attributes", len(attrs))
	return report, nil
}
