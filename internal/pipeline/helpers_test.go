package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

// fakePublisher captures published messages for assertions.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) bySubject(subject string) []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMsg
	for _, m := range p.messages {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// failingStore wraps a Store to inject transient write failures.
type failingStore struct {
	store.Store
	putErr error
}

func (s *failingStore) Put(ctx context.Context, rec store.Record) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, rec)
}

// fakeStarter records workflow starts. failWorkflow/failRemaining inject
// transient Start failures for a single workflow.
type fakeStarter struct {
	mu            sync.Mutex
	starts        []string // "workflow:alertID"
	err           error
	failWorkflow  string
	failRemaining int
}

func (s *fakeStarter) Start(_ context.Context, workflow, alertID string, _ time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if workflow == s.failWorkflow && s.failRemaining > 0 {
		s.failRemaining--
		return store.ErrUnavailable
	}
	s.starts = append(s.starts, workflow+":"+alertID)
	return nil
}

// seedAlert writes an alert record the way the receptor would and returns
// its ID.
func seedAlert(t *testing.T, st store.Store, alert models.Alert) string {
	t.Helper()
	alertID := alert.AlertID()
	now := time.Now().UTC()
	rec := models.AlertRecord{
		AlertID:    alertID,
		ReportID:   "report-" + alertID[:8],
		Alert:      alert,
		ReceivedAt: now,
		ExpiresAt:  now.Add(3 * time.Hour),
	}
	require.NoError(t, putJSON(context.Background(), st, alertRecordKey(alertID), rec, now, rec.ExpiresAt))
	return alertID
}

func testAlert() models.Alert {
	return models.Alert{
		Source:      "guardduty",
		Key:         "finding-123",
		Description: "suspicious outbound traffic",
		DetectedAt:  time.Date(2026, 5, 2, 9, 58, 0, 0, time.UTC),
		Payload:     json.RawMessage(`{"severity":8}`),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
