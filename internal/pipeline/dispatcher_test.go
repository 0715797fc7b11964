package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/store"
)

func TestDispatcher_Dispatch(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	d := NewDispatcher(st, pub, []string{"dns", "geoip", "threatintel"}, testLogger())
	ctx := context.Background()

	alert := testAlert()
	alertID := seedAlert(t, st, alert)

	require.NoError(t, d.Dispatch(ctx, alertID))
	require.Len(t, pub.messages, 3)

	subjects := make([]string, 0, 3)
	for _, msg := range pub.messages {
		subjects = append(subjects, msg.Subject)

		var task Task
		require.NoError(t, json.Unmarshal(msg.Data, &task))
		assert.Equal(t, alertID, task.AlertID)
		assert.Equal(t, alert.Source, task.Alert.Source)
	}
	assert.Equal(t, []string{
		messaging.InspectTaskSubject("dns"),
		messaging.InspectTaskSubject("geoip"),
		messaging.InspectTaskSubject("threatintel"),
	}, subjects)
}

func TestDispatcher_NoInspectors(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &fakePublisher{}
	d := NewDispatcher(st, pub, nil, testLogger())

	alertID := seedAlert(t, st, testAlert())
	require.NoError(t, d.Dispatch(context.Background(), alertID))
	assert.Empty(t, pub.messages, "empty registry fans out to nobody")
}

func TestDispatcher_UnknownAlert(t *testing.T) {
	d := NewDispatcher(store.NewMemoryStore(), &fakePublisher{}, []string{"dns"}, testLogger())

	err := d.Dispatch(context.Background(), "no-such-alert")
	require.Error(t, err)
}
