package models

import "time"

// ReportStatus tracks a report's lifecycle.
type ReportStatus string

const (
	StatusDraft     ReportStatus = "draft"
	StatusPublished ReportStatus = "published"
)

// ReviewResult is the verdict a reviewer appends to a compiled report.
type ReviewResult struct {
	Severity Severity `json:"severity"`
	Verdict  string   `json:"verdict"`
	Reason   string   `json:"reason,omitempty"`
}

// Report is the compiled inspection outcome for one alert. The draft is
// assembled by the compiler, optionally amended by a reviewer, and persisted
// exactly once per alert by the publisher (same-key overwrite on re-run).
type Report struct {
	ReportID string `json:"report_id"`
	AlertID  string `json:"alert_id"`

	Alert Alert `json:"alert"`

	// Findings and Attributes are snapshots ordered by creation time for
	// deterministic compilation.
	Findings   []Finding   `json:"findings,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`

	Result *ReviewResult `json:"result,omitempty"`

	Status      ReportStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt time.Time    `json:"published_at,omitempty"`
}

// IsPublished reports whether the report reached its terminal state.
func (r *Report) IsPublished() bool { return r.Status == StatusPublished }

// ReportPublished is the outbound notification emitted after a successful
// publish.
type ReportPublished struct {
	AlertID     string    `json:"alert_id"`
	ReportID    string    `json:"report_id"`
	PublishedAt time.Time `json:"published_at"`
}
