// Package models defines the entities flowing through the pipeline: alerts,
// findings, attributes and reports, plus the deterministic record keys that
// make aggregation idempotent.
package models

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedAlert indicates an inbound alert failed validation.
	// Receptors must not retry it; it goes straight to the dead-letter path.
	ErrMalformedAlert = errors.New("malformed alert")

	// ErrInvalidContribution indicates a finding or attribute message that
	// cannot be processed. Subject to bounded retry before dead-lettering.
	ErrInvalidContribution = errors.New("invalid contribution")
)

// Alert is an inbound event describing a suspected security incident.
// Identity is (Source, Key): re-submission of the same pair is a duplicate
// delivery, not a new alert.
type Alert struct {
	// Source names the detector or system that raised the alert.
	Source string `json:"source"`

	// Key distinguishes alerts within a source (rule ID, event ID, ...).
	Key string `json:"key"`

	Description string `json:"description,omitempty"`

	DetectedAt time.Time `json:"detected_at"`

	// Payload is the raw detector output, carried opaquely to inspectors.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the fields required for ingestion.
func (a *Alert) Validate() error {
	if a.Source == "" {
		return fmt.Errorf("%w: missing source", ErrMalformedAlert)
	}
	if a.Key == "" {
		return fmt.Errorf("%w: missing key", ErrMalformedAlert)
	}
	if a.DetectedAt.IsZero() {
		return fmt.Errorf("%w: missing detected_at", ErrMalformedAlert)
	}
	return nil
}

// AlertID derives the stable alert identity hash from Source and Key.
// Base64 framing keeps "a"+"bc" and "ab"+"c" from colliding.
func (a *Alert) AlertID() string {
	id := strings.Join([]string{
		base64.StdEncoding.EncodeToString([]byte(a.Source)),
		base64.StdEncoding.EncodeToString([]byte(a.Key)),
	}, ":")

	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", sum)
}

// AlertRecord is the stored form of an ingested alert. Created once by the
// receptor and never mutated; all child records inherit ExpiresAt.
type AlertRecord struct {
	AlertID    string    `json:"alert_id"`
	ReportID   string    `json:"report_id"`
	Alert      Alert     `json:"alert"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
