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

func newTestReceptor(st store.Store, starter *fakeStarter, dlqPub *fakePublisher) *Receptor {
	log := testLogger()
	dlq := NewDeadLetter(dlqPub, log)
	return NewReceptor(st, starter, dlq, 3*time.Hour, DefaultRetryPolicy(), log)
}

func TestReceptor_Ingest(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	r := newTestReceptor(st, starter, &fakePublisher{})
	ctx := context.Background()

	alert := testAlert()
	require.NoError(t, r.Ingest(ctx, &alert))

	alertID := alert.AlertID()
	rec, err := getAlertRecord(ctx, st, alertID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, alertID, rec.AlertID)
	assert.NotEmpty(t, rec.ReportID)
	assert.True(t, rec.ExpiresAt.After(rec.ReceivedAt))

	assert.Equal(t, []string{
		WorkflowInspection + ":" + alertID,
		WorkflowReview + ":" + alertID,
	}, starter.starts)
}

func TestReceptor_IngestDuplicate(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	r := newTestReceptor(st, starter, &fakePublisher{})
	ctx := context.Background()

	alert := testAlert()
	require.NoError(t, r.Ingest(ctx, &alert))

	first, err := getAlertRecord(ctx, st, alert.AlertID())
	require.NoError(t, err)

	// Same identity, different metadata: duplicate delivery.
	dup := testAlert()
	dup.Description = "redelivered with different text"
	require.NoError(t, r.Ingest(ctx, &dup))

	second, err := getAlertRecord(ctx, st, alert.AlertID())
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate ingestion must not change the record")
	assert.Len(t, starter.starts, 4, "duplicate delivery re-asserts both workflows")
}

func TestReceptor_IngestRecoversPartialStart(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &fakeStarter{failWorkflow: WorkflowReview, failRemaining: 1}
	r := newTestReceptor(st, starter, &fakePublisher{})
	ctx := context.Background()

	alert := testAlert()
	alertID := alert.AlertID()

	// First delivery persists the record and starts inspection, but the
	// review start fails transiently, so the message is redelivered.
	require.Error(t, r.Ingest(ctx, &alert))
	rec, err := getAlertRecord(ctx, st, alertID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{WorkflowInspection + ":" + alertID}, starter.starts)

	// The redelivery hits the duplicate path and must still start the
	// review workflow rather than acking a half-started alert.
	require.NoError(t, r.Ingest(ctx, &alert))
	assert.Contains(t, starter.starts, WorkflowReview+":"+alertID)
}

func TestReceptor_DeterministicReportID(t *testing.T) {
	ctx := context.Background()
	alert := testAlert()

	ids := make(map[string]struct{})
	for i := 0; i < 2; i++ {
		st := store.NewMemoryStore()
		r := newTestReceptor(st, &fakeStarter{}, &fakePublisher{})
		a := alert
		require.NoError(t, r.Ingest(ctx, &a))

		rec, err := getAlertRecord(ctx, st, alert.AlertID())
		require.NoError(t, err)
		ids[rec.ReportID] = struct{}{}
	}
	assert.Len(t, ids, 1, "report ID derives from the alert identity")
}

func TestReceptor_HandleMessage(t *testing.T) {
	t.Run("malformed json dead-letters without retry", func(t *testing.T) {
		dlqPub := &fakePublisher{}
		r := newTestReceptor(store.NewMemoryStore(), &fakeStarter{}, dlqPub)

		err := r.HandleMessage(context.Background(), &messaging.Message{
			Subject:    messaging.SubjectAlertIngest,
			Data:       []byte(`{not json`),
			Deliveries: 1,
		})
		require.NoError(t, err, "malformed input is acknowledged, not redelivered")

		entries := dlqPub.bySubject(messaging.DeadLetterSubject(ReasonMalformedAlert))
		require.Len(t, entries, 1)

		var entry DeadLetterEntry
		require.NoError(t, json.Unmarshal(entries[0].Data, &entry))
		assert.Equal(t, ReasonMalformedAlert, entry.Reason)
		assert.Equal(t, []byte(`{not json`), []byte(entry.Payload))
	})

	t.Run("invalid alert dead-letters without retry", func(t *testing.T) {
		dlqPub := &fakePublisher{}
		r := newTestReceptor(store.NewMemoryStore(), &fakeStarter{}, dlqPub)

		err := r.HandleMessage(context.Background(), &messaging.Message{
			Subject:    messaging.SubjectAlertIngest,
			Data:       []byte(`{"source":"guardduty"}`),
			Deliveries: 1,
		})
		require.NoError(t, err)
		assert.Len(t, dlqPub.bySubject(messaging.DeadLetterSubject(ReasonMalformedAlert)), 1)
	})

	t.Run("transient failure is redelivered then dead-lettered", func(t *testing.T) {
		dlqPub := &fakePublisher{}
		st := &failingStore{Store: store.NewMemoryStore(), putErr: store.ErrUnavailable}
		r := newTestReceptor(st, &fakeStarter{}, dlqPub)
		r.retry.StoreBackoff = time.Millisecond

		msg := &messaging.Message{
			Subject:    messaging.SubjectAlertIngest,
			Data:       mustJSON(t, testAlert()),
			Deliveries: 1,
		}
		err := r.HandleMessage(context.Background(), msg)
		require.Error(t, err, "non-final delivery returns the error for redelivery")
		assert.Empty(t, dlqPub.messages)

		msg.Deliveries = r.retry.MaxDeliver
		err = r.HandleMessage(context.Background(), msg)
		require.NoError(t, err, "final delivery acknowledges after dead-lettering")
		assert.Len(t, dlqPub.bySubject(messaging.DeadLetterSubject(ReasonRetryExhausted)), 1)
	})
}

func TestReceptor_IngestValidates(t *testing.T) {
	r := newTestReceptor(store.NewMemoryStore(), &fakeStarter{}, &fakePublisher{})

	alert := models.Alert{Source: "guardduty"}
	err := r.Ingest(context.Background(), &alert)
	assert.ErrorIs(t, err, models.ErrMalformedAlert)
}
