package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlert_Validate(t *testing.T) {
	detected := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name    string
		alert   Alert
		wantErr bool
	}{
		{
			name:  "valid",
			alert: Alert{Source: "guardduty", Key: "finding-123", DetectedAt: detected},
		},
		{
			name:    "missing source",
			alert:   Alert{Key: "finding-123", DetectedAt: detected},
			wantErr: true,
		},
		{
			name:    "missing key",
			alert:   Alert{Source: "guardduty", DetectedAt: detected},
			wantErr: true,
		},
		{
			name:    "missing detected_at",
			alert:   Alert{Source: "guardduty", Key: "finding-123"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.alert.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedAlert)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAlert_AlertID(t *testing.T) {
	detected := time.Now().UTC()

	a := Alert{Source: "guardduty", Key: "finding-123", DetectedAt: detected}
	b := Alert{Source: "guardduty", Key: "finding-123", DetectedAt: detected.Add(time.Hour),
		Description: "different metadata"}

	// Identity is (source, key) only.
	assert.Equal(t, a.AlertID(), b.AlertID())

	c := Alert{Source: "guardduty", Key: "finding-456", DetectedAt: detected}
	assert.NotEqual(t, a.AlertID(), c.AlertID())

	// Field framing: the boundary between source and key matters.
	d := Alert{Source: "guard", Key: "dutyfinding-123", DetectedAt: detected}
	assert.NotEqual(t, a.AlertID(), d.AlertID())
}
