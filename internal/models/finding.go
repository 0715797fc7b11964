package models

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Severity classifies a finding's verdict.
type Severity string

const (
	SeverityCritical     Severity = "critical"
	SeverityHigh         Severity = "high"
	SeverityMedium       Severity = "medium"
	SeverityLow          Severity = "low"
	SeverityInfo         Severity = "info"
	SeverityUnclassified Severity = "unclassified"
)

// Finding is a structured observation produced by one inspector about one
// alert. Identical content re-reported by the same inspector collapses onto
// one record via RecordID.
type Finding struct {
	AlertID   string `json:"alert_id"`
	Inspector string `json:"inspector"`

	Severity Severity `json:"severity"`

	// Evidence is arbitrary structured data supporting the verdict.
	Evidence map[string]any `json:"evidence,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the fields the collector requires.
func (f *Finding) Validate() error {
	if f.AlertID == "" {
		return fmt.Errorf("%w: finding missing alert_id", ErrInvalidContribution)
	}
	if f.Inspector == "" {
		return fmt.Errorf("%w: finding missing inspector", ErrInvalidContribution)
	}
	if f.Severity == "" {
		return fmt.Errorf("%w: finding missing severity", ErrInvalidContribution)
	}
	return nil
}

// RecordID is the content-derived store key: hash of inspector, severity and
// canonicalized evidence. Colliding contributions are by construction the
// same semantic content, so last-write-wins is safe.
func (f *Finding) RecordID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", f.Inspector, f.Severity)
	writeCanonical(h, f.Evidence)
	return fmt.Sprintf("%x", h.Sum(nil))
}
