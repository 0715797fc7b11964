package pipeline

import (
	"context"

	"github.com/argus-systems/argus/internal/models"
)

// Reviewer evaluates a compiled draft and returns a verdict to append to
// the report before publication. Implementations are pluggable; the
// pipeline ships with a pass-through default.
type Reviewer interface {
	Review(ctx context.Context, report *models.Report) (*models.ReviewResult, error)
}

// NoopReviewer is the default reviewer: it approves every report without
// scoring it, carrying the highest finding severity as its own.
type NoopReviewer struct{}

func (NoopReviewer) Review(_ context.Context, report *models.Report) (*models.ReviewResult, error) {
	return &models.ReviewResult{
		Severity: highestSeverity(report.Findings),
		Verdict:  "reviewed",
	}, nil
}

var severityRank = map[models.Severity]int{
	models.SeverityCritical: 5,
	models.SeverityHigh:     4,
	models.SeverityMedium:   3,
	models.SeverityLow:      2,
	models.SeverityInfo:     1,
}

func highestSeverity(findings []models.Finding) models.Severity {
	top := models.SeverityUnclassified
	best := 0
	for _, f := range findings {
		if rank := severityRank[f.Severity]; rank > best {
			best = rank
			top = f.Severity
		}
	}
	return top
}
