package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

func newTestCollector(st store.Store, dlqPub *fakePublisher) *Collector {
	log := testLogger()
	retry := DefaultRetryPolicy()
	retry.StoreBackoff = time.Millisecond
	return NewCollector(st, NewDeadLetter(dlqPub, log), retry, log)
}

func findingMsg(t *testing.T, f models.Finding) *messaging.Message {
	return &messaging.Message{
		Subject:    messaging.SubjectContribFinding,
		Data:       mustJSON(t, f),
		Deliveries: 1,
	}
}

func attrMsg(t *testing.T, c models.AttributeContribution) *messaging.Message {
	return &messaging.Message{
		Subject:    messaging.SubjectContribAttribute,
		Data:       mustJSON(t, c),
		Deliveries: 1,
	}
}

func TestCollector_HandleFinding(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCollector(st, &fakePublisher{})
	ctx := context.Background()

	alertID := seedAlert(t, st, testAlert())
	finding := models.Finding{
		AlertID:    alertID,
		Inspector:  "threatintel",
		Severity:   models.SeverityHigh,
		Evidence:   map[string]any{"feed": "abuse.ch", "matches": float64(3)},
		ObservedAt: time.Date(2026, 5, 2, 10, 1, 0, 0, time.UTC),
	}

	require.NoError(t, c.HandleFinding(ctx, findingMsg(t, finding)))

	// Duplicate delivery of identical content collapses onto one record.
	require.NoError(t, c.HandleFinding(ctx, findingMsg(t, finding)))

	records, err := st.Query(ctx, models.AlertPartition(alertID), models.KindFinding)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var stored models.Finding
	require.NoError(t, json.Unmarshal(records[0].Payload, &stored))
	assert.Equal(t, finding.Inspector, stored.Inspector)
	assert.Equal(t, finding.Severity, stored.Severity)

	// Different content from the same inspector is a second finding.
	other := finding
	other.Evidence = map[string]any{"feed": "abuse.ch", "matches": float64(4)}
	require.NoError(t, c.HandleFinding(ctx, findingMsg(t, other)))

	records, err = st.Query(ctx, models.AlertPartition(alertID), models.KindFinding)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCollector_HandleAttribute(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCollector(st, &fakePublisher{})
	ctx := context.Background()

	alertID := seedAlert(t, st, testAlert())
	observed := time.Date(2026, 5, 2, 10, 1, 0, 0, time.UTC)

	first := models.AttributeContribution{
		AlertID: alertID, Type: models.AttrIPAddr, Value: "198.51.100.7",
		Inspector: "dns", Confidence: 0.4, ObservedAt: observed,
	}
	second := models.AttributeContribution{
		AlertID: alertID, Type: models.AttrIPAddr, Value: "198.51.100.7",
		Inspector: "threatintel", Confidence: 0.9, ObservedAt: observed.Add(time.Second),
	}

	require.NoError(t, c.HandleAttribute(ctx, attrMsg(t, first)))
	require.NoError(t, c.HandleAttribute(ctx, attrMsg(t, second)))

	records, err := st.Query(ctx, models.AlertPartition(alertID), models.KindAttribute)
	require.NoError(t, err)
	require.Len(t, records, 1, "same (type, value) pair is one logical attribute")

	var attr models.Attribute
	require.NoError(t, json.Unmarshal(records[0].Payload, &attr))
	assert.Equal(t, []string{"dns", "threatintel"}, attr.Inspectors)
	assert.Equal(t, 0.9, attr.Confidence)

	// Sighting index entry for the feedback loop.
	sightings, err := st.Query(ctx, models.SightingPartition(models.AttrIPAddr, "198.51.100.7"), models.KindSighting)
	require.NoError(t, err)
	require.Len(t, sightings, 1)
	assert.Equal(t, alertID, sightings[0].ID)
}

func TestCollector_UnknownAlert(t *testing.T) {
	dlqPub := &fakePublisher{}
	c := newTestCollector(store.NewMemoryStore(), dlqPub)
	ctx := context.Background()

	finding := models.Finding{
		AlertID: "no-such-alert", Inspector: "dns", Severity: models.SeverityLow,
	}

	msg := findingMsg(t, finding)
	err := c.HandleFinding(ctx, msg)
	require.Error(t, err, "alert may still be in flight; redeliver")
	assert.Empty(t, dlqPub.messages)

	msg.Deliveries = c.retry.MaxDeliver
	require.NoError(t, c.HandleFinding(ctx, msg))

	entries := dlqPub.bySubject(messaging.DeadLetterSubject(ReasonInvalidContribution))
	require.Len(t, entries, 1)

	var entry DeadLetterEntry
	require.NoError(t, json.Unmarshal(entries[0].Data, &entry))
	assert.Equal(t, c.retry.MaxDeliver, entry.Attempts)
}

func TestCollector_MalformedContribution(t *testing.T) {
	dlqPub := &fakePublisher{}
	c := newTestCollector(store.NewMemoryStore(), dlqPub)

	msg := &messaging.Message{
		Subject:    messaging.SubjectContribAttribute,
		Data:       []byte(`{"alert_id":`),
		Deliveries: DefaultRetryPolicy().MaxDeliver,
	}
	require.NoError(t, c.HandleAttribute(context.Background(), msg))
	assert.Len(t, dlqPub.bySubject(messaging.DeadLetterSubject(ReasonInvalidContribution)), 1)
}
