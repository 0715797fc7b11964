package pipeline

import (
	"context"
	"fmt"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/messaging"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// Task is the fan-out message delivered to each registered inspector.
type Task struct {
	AlertID string       `json:"alert_id"`
	Alert   models.Alert `json:"alert"`
}

// Dispatcher publishes one inspection task per registered inspector.
// Dispatch is fire-and-forget: results arrive later through the collector
// path, so the fan-out never blocks the workflow on inspector latency.
type Dispatcher struct {
	store      store.Store
	pub        messaging.Publisher
	inspectors []string
	log        *logging.Logger
}

// NewDispatcher creates a dispatcher for the named inspectors. The registry
// is static configuration; inspectors themselves are external collaborators.
func NewDispatcher(st store.Store, pub messaging.Publisher, inspectors []string, log *logging.Logger) *Dispatcher {
	return &Dispatcher{store: st, pub: pub, inspectors: inspectors, log: log}
}

// Dispatch publishes the alert to every registered inspector.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string) error {
	rec, err := getAlertRecord(ctx, d.store, alertID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("dispatch: alert record %s not found", alertID)
	}

	task := Task{AlertID: alertID, Alert: rec.Alert}
	for _, name := range d.inspectors {
		subject := messaging.InspectTaskSubject(name)
		if err := messaging.PublishJSON(ctx, d.pub, subject, task); err != nil {
			return fmt.Errorf("dispatch to %s: %w", name, err)
		}
	}

	d.log.WithAlert(alertID).Info("inspection dispatched", "inspectors", len(d.inspectors))
	return nil
}
