package models

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"
)

// AttrType categorizes an attribute value.
type AttrType string

const (
	AttrHost         AttrType = "host"
	AttrIPAddr       AttrType = "ipaddr"
	AttrDomain       AttrType = "domain"
	AttrAccount      AttrType = "account"
	AttrFileHash     AttrType = "filehash"
	AttrURL          AttrType = "url"
	AttrRelatedAlert AttrType = "related_alert"
)

// Attribute is a typed, valued fact associated with an alert. The same
// (type, value) pair reported by multiple inspectors is one logical
// attribute; provenance accumulates in Inspectors.
type Attribute struct {
	AlertID string   `json:"alert_id"`
	Type    AttrType `json:"type"`
	Value   string   `json:"value"`

	// Inspectors is the provenance set, sorted and deduplicated.
	Inspectors []string `json:"inspectors,omitempty"`

	// Confidence is the highest confidence any contributor reported.
	Confidence float64 `json:"confidence,omitempty"`

	// Derived marks attributes produced by the feedback loop. Derived
	// attributes are terminal: they are never fed back again.
	Derived bool `json:"derived,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the fields the collector requires.
func (a *Attribute) Validate() error {
	if a.AlertID == "" {
		return fmt.Errorf("%w: attribute missing alert_id", ErrInvalidContribution)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: attribute missing type", ErrInvalidContribution)
	}
	if a.Value == "" {
		return fmt.Errorf("%w: attribute missing value", ErrInvalidContribution)
	}
	return nil
}

// RecordID is the (type, value) hash. All contributors of the same pair
// collide onto one store key.
func (a *Attribute) RecordID() string {
	sum := sha256.Sum256([]byte(string(a.Type) + "\x00" + a.Value))
	return fmt.Sprintf("%x", sum)
}

// Merge folds another contribution of the same (type, value) pair into a,
// keeping the provenance union, the highest confidence and the Derived flag
// if either side carries it.
func (a *Attribute) Merge(other *Attribute) {
	set := make(map[string]struct{}, len(a.Inspectors)+len(other.Inspectors))
	for _, name := range a.Inspectors {
		set[name] = struct{}{}
	}
	for _, name := range other.Inspectors {
		set[name] = struct{}{}
	}

	merged := make([]string, 0, len(set))
	for name := range set {
		merged = append(merged, name)
	}
	sort.Strings(merged)
	a.Inspectors = merged

	if other.Confidence > a.Confidence {
		a.Confidence = other.Confidence
	}
	if other.Derived {
		a.Derived = true
	}
	if a.ObservedAt.IsZero() || (!other.ObservedAt.IsZero() && other.ObservedAt.Before(a.ObservedAt)) {
		a.ObservedAt = other.ObservedAt
	}
}
