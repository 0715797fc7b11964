package models

import (
	"fmt"
	"time"
)

// AttributeContribution is the inbound wire form of one inspector's
// attribute report. Multiple contributions of the same (type, value) pair
// merge onto a single AttributeRecord.
type AttributeContribution struct {
	AlertID    string    `json:"alert_id"`
	Type       AttrType  `json:"type"`
	Value      string    `json:"value"`
	Inspector  string    `json:"inspector"`
	Confidence float64   `json:"confidence,omitempty"`
	Derived    bool      `json:"derived,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Validate checks the fields the collector requires.
func (c *AttributeContribution) Validate() error {
	if c.AlertID == "" {
		return fmt.Errorf("%w: attribute missing alert_id", ErrInvalidContribution)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: attribute missing type", ErrInvalidContribution)
	}
	if c.Value == "" {
		return fmt.Errorf("%w: attribute missing value", ErrInvalidContribution)
	}
	if c.Inspector == "" {
		return fmt.Errorf("%w: attribute missing inspector", ErrInvalidContribution)
	}
	return nil
}

// Attribute converts the contribution into its stored form.
func (c *AttributeContribution) Attribute() *Attribute {
	return &Attribute{
		AlertID:    c.AlertID,
		Type:       c.Type,
		Value:      c.Value,
		Inspectors: []string{c.Inspector},
		Confidence: c.Confidence,
		Derived:    c.Derived,
		ObservedAt: c.ObservedAt,
	}
}

// Sighting records that an attribute value was observed on an alert, in the
// cross-alert index the feedback loop queries.
type Sighting struct {
	AlertID    string    `json:"alert_id"`
	ObservedAt time.Time `json:"observed_at"`
}
