package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/pipeline"
	"github.com/argus-systems/argus/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

// capturePublisher implements messaging.Publisher for assertions.
type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type failingReviewer struct{ err error }

func (r failingReviewer) Review(context.Context, *models.Report) (*models.ReviewResult, error) {
	return nil, r.err
}

// newTestRunner builds a runner with instant waits.
func newTestRunner(st store.Store, onFailure FailureHandler) *Runner {
	r := NewRunner(st, onFailure, testLogger())
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func seedAlert(t *testing.T, st store.Store) (string, time.Time) {
	t.Helper()
	alert := models.Alert{
		Source:     "guardduty",
		Key:        "finding-123",
		DetectedAt: time.Now().UTC(),
	}
	alertID := alert.AlertID()
	now := time.Now().UTC()
	expires := now.Add(3 * time.Hour)
	rec := models.AlertRecord{
		AlertID: alertID, ReportID: "report-1", Alert: alert,
		ReceivedAt: now, ExpiresAt: expires,
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), store.Record{
		Key: store.Key{
			Partition: models.AlertPartition(alertID),
			Kind:      models.KindAlert,
			ID:        models.SingletonID,
		},
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: expires,
	}))
	return alertID, expires
}

func waitTerminal(t *testing.T, r *Runner, alertID, workflow string) *Status {
	t.Helper()
	var status *Status
	require.Eventually(t, func() bool {
		s, err := r.getStatus(context.Background(), alertID, workflow)
		if err != nil || s == nil {
			return false
		}
		status = s
		return s.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return status
}

func TestRunner_ReviewWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	bus := &capturePublisher{}
	log := testLogger()

	compiler := pipeline.NewCompiler(st, log)
	publisher := pipeline.NewPublisher(st, bus, nil, pipeline.DefaultRetryPolicy(), log)

	r := newTestRunner(st, nil)
	r.Register(ReviewDefinition(compiler, pipeline.NoopReviewer{}, publisher, 10*time.Minute))
	defer r.Close()

	alertID, expires := seedAlert(t, st)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, pipeline.WorkflowReview, alertID, expires))

	status := waitTerminal(t, r, alertID, pipeline.WorkflowReview)
	assert.Equal(t, StateDone, status.State)

	// Published report exists with the reviewer's verdict.
	rec, err := st.Get(ctx, store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      models.KindReport,
		ID:        models.SingletonID,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	var report models.Report
	require.NoError(t, json.Unmarshal(rec.Payload, &report))
	assert.Equal(t, models.StatusPublished, report.Status)
	require.NotNil(t, report.Result)
	assert.Equal(t, "reviewed", report.Result.Verdict)

	// Pending marker cleared on completion.
	pending, err := st.Query(ctx, models.PendingWorkflowPartition, models.KindWorkflow)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunner_ReviewWorkflowEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	bus := &capturePublisher{}
	log := testLogger()

	collector := pipeline.NewCollector(st, pipeline.NewDeadLetter(bus, log), pipeline.DefaultRetryPolicy(), log)
	compiler := pipeline.NewCompiler(st, log)
	publisher := pipeline.NewPublisher(st, bus, nil, pipeline.DefaultRetryPolicy(), log)

	r := newTestRunner(st, nil)
	r.Register(ReviewDefinition(compiler, pipeline.NoopReviewer{}, publisher, 10*time.Minute))
	defer r.Close()

	alertID, expires := seedAlert(t, st)
	ctx := context.Background()

	finding := models.Finding{
		AlertID:    alertID,
		Inspector:  "x",
		Severity:   models.SeverityHigh,
		Evidence:   map[string]any{"note": "e1"},
		ObservedAt: time.Now().UTC(),
	}
	attr := models.AttributeContribution{
		AlertID: alertID, Type: models.AttrHost, Value: "h1", Inspector: "y",
	}

	handle := func(subject string, v any) {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		msg := &messaging.Message{Subject: subject, Data: raw, Deliveries: 1}
		if subject == messaging.SubjectContribFinding {
			require.NoError(t, collector.HandleFinding(ctx, msg))
		} else {
			require.NoError(t, collector.HandleAttribute(ctx, msg))
		}
	}
	handle(messaging.SubjectContribFinding, finding)
	handle(messaging.SubjectContribAttribute, attr)
	// Redelivered duplicate of the finding.
	handle(messaging.SubjectContribFinding, finding)

	require.NoError(t, r.Start(ctx, pipeline.WorkflowReview, alertID, expires))
	status := waitTerminal(t, r, alertID, pipeline.WorkflowReview)
	require.Equal(t, StateDone, status.State)

	rec, err := st.Get(ctx, store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      models.KindReport,
		ID:        models.SingletonID,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	var report models.Report
	require.NoError(t, json.Unmarshal(rec.Payload, &report))
	assert.Len(t, report.Findings, 1, "redelivered finding must not duplicate")
	assert.Len(t, report.Attributes, 1)
	require.NotNil(t, report.Result)
	assert.Equal(t, "reviewed", report.Result.Verdict)
	assert.Equal(t, models.SeverityHigh, report.Result.Severity)
}

func TestRunner_FailureContainment(t *testing.T) {
	st := store.NewMemoryStore()
	bus := &capturePublisher{}
	log := testLogger()

	compiler := pipeline.NewCompiler(st, log)
	publisher := pipeline.NewPublisher(st, bus, nil, pipeline.DefaultRetryPolicy(), log)

	var failed atomic.Int32
	r := newTestRunner(st, func(_ context.Context, status *Status, stepErr error) {
		failed.Add(1)
	})
	reviewErr := errors.New("reviewer crashed")
	r.Register(ReviewDefinition(compiler, failingReviewer{err: reviewErr}, publisher, time.Minute))
	defer r.Close()

	alertID, expires := seedAlert(t, st)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, pipeline.WorkflowReview, alertID, expires))

	status := waitTerminal(t, r, alertID, pipeline.WorkflowReview)
	assert.Equal(t, StateFailed, status.State)
	require.NotNil(t, status.Failure)
	assert.Equal(t, StateReview, status.Failure.Step)
	assert.Contains(t, status.Failure.Error, "reviewer crashed")
	assert.Equal(t, int32(1), failed.Load())

	// The failure never reached the publish step.
	rec, err := st.Get(ctx, store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      models.KindReport,
		ID:        models.SingletonID,
	})
	require.NoError(t, err)
	assert.Nil(t, rec, "no report is published for a failed review")
	assert.Empty(t, bus.subjects)
}

func TestRunner_StartIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()

	var invoked atomic.Int32
	def := Definition{
		Name: "count",
		Steps: []Step{{
			State:      State("tick"),
			Checkpoint: true,
			Invoke: func(context.Context, *Run) error {
				invoked.Add(1)
				return nil
			},
		}},
	}

	r := newTestRunner(st, nil)
	r.Register(def)
	defer r.Close()

	alertID, expires := seedAlert(t, st)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "count", alertID, expires))
	waitTerminal(t, r, alertID, "count")

	// A duplicate delivery starts the same workflow again: no-op.
	require.NoError(t, r.Start(ctx, "count", alertID, expires))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), invoked.Load())
}

// markerFailStore fails the next n pending-marker writes and passes
// everything else through.
type markerFailStore struct {
	store.Store
	remaining atomic.Int32
}

func (s *markerFailStore) Put(ctx context.Context, rec store.Record) error {
	if rec.Partition == models.PendingWorkflowPartition && s.remaining.Add(-1) >= 0 {
		return store.ErrUnavailable
	}
	return s.Store.Put(ctx, rec)
}

func TestRunner_StartRetriesAfterMarkerFailure(t *testing.T) {
	inner := store.NewMemoryStore()
	st := &markerFailStore{Store: inner}
	st.remaining.Store(1)

	var invoked atomic.Int32
	def := Definition{
		Name: "count",
		Steps: []Step{{
			State:      State("tick"),
			Checkpoint: true,
			Invoke: func(context.Context, *Run) error {
				invoked.Add(1)
				return nil
			},
		}},
	}

	r := newTestRunner(st, nil)
	r.Register(def)
	defer r.Close()

	alertID, expires := seedAlert(t, inner)
	ctx := context.Background()

	// First Start fails before any record is written, so the caller's
	// redelivery can run the workflow from scratch.
	require.Error(t, r.Start(ctx, "count", alertID, expires))
	status, err := r.getStatus(ctx, alertID, "count")
	require.NoError(t, err)
	assert.Nil(t, status, "a failed Start must not leave a status behind")

	require.NoError(t, r.Start(ctx, "count", alertID, expires))
	final := waitTerminal(t, r, alertID, "count")
	assert.Equal(t, StateDone, final.State)
	assert.Equal(t, int32(1), invoked.Load())
}

func TestRunner_StartUnknownWorkflow(t *testing.T) {
	r := newTestRunner(store.NewMemoryStore(), nil)
	defer r.Close()

	err := r.Start(context.Background(), "nope", "alert-1", time.Now().Add(time.Hour))
	require.Error(t, err)
}

func TestRunner_Resume(t *testing.T) {
	st := store.NewMemoryStore()

	var order []State
	var mu sync.Mutex
	record := func(s State) func(context.Context, *Run) error {
		return func(context.Context, *Run) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, s)
			return nil
		}
	}
	def := Definition{
		Name: "staged",
		Steps: []Step{
			{State: State("prepare"), Checkpoint: true, Invoke: record("prepare")},
			{State: State("apply"), Invoke: record("apply")},
			{State: State("finish"), Invoke: record("finish")},
		},
	}

	alertID, expires := seedAlert(t, st)
	ctx := context.Background()

	// Simulate a crash mid-workflow: status parked at a non-checkpoint
	// step with its pending marker still present.
	interrupted := &Status{
		Workflow:  "staged",
		AlertID:   alertID,
		State:     State("apply"),
		UpdatedAt: time.Now().UTC(),
		ExpiresAt: expires,
	}
	seedStatus(t, st, interrupted)

	r := newTestRunner(st, nil)
	r.Register(def)
	defer r.Close()

	require.NoError(t, r.Resume(ctx))

	status := waitTerminal(t, r, alertID, "staged")
	assert.Equal(t, StateDone, status.State)

	// Rewound to the checkpoint, then ran the full tail.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{"prepare", "apply", "finish"}, order)
}

func TestRunner_ResumeSkipsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	alertID, expires := seedAlert(t, st)
	done := &Status{
		Workflow:  "staged",
		AlertID:   alertID,
		State:     StateDone,
		UpdatedAt: time.Now().UTC(),
		ExpiresAt: expires,
	}
	seedStatus(t, st, done)

	r := newTestRunner(st, nil)
	r.Register(Definition{Name: "staged", Steps: []Step{{State: State("prepare"), Checkpoint: true}}})
	defer r.Close()

	require.NoError(t, r.Resume(ctx))

	// Stale marker for the finished instance is cleaned up.
	pending, err := st.Query(ctx, models.PendingWorkflowPartition, models.KindWorkflow)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// seedStatus persists a status record plus its pending marker, as Start
// would have before the simulated crash.
func seedStatus(t *testing.T, st store.Store, status *Status) {
	t.Helper()
	ctx := context.Background()

	raw, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, store.Record{
		Key:       statusKey(status.AlertID, status.Workflow),
		Payload:   raw,
		CreatedAt: status.UpdatedAt,
		ExpiresAt: status.ExpiresAt,
	}))

	marker, err := json.Marshal(Status{
		Workflow: status.Workflow, AlertID: status.AlertID, ExpiresAt: status.ExpiresAt,
	})
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, store.Record{
		Key:       pendingKey(status),
		Payload:   marker,
		CreatedAt: status.UpdatedAt,
		ExpiresAt: status.ExpiresAt,
	}))
}
