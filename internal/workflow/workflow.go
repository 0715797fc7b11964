// Package workflow implements the durable state machines that sequence the
// pipeline: an explicit state record per (alert, workflow) persisted in the
// aggregation store, advanced by discrete step invocations, with timed
// waits and crash recovery by rescanning pending instances at startup.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/metrics"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// State names a position in a workflow's state machine.
type State string

// Terminal states shared by all workflows.
const (
	StateDone   State = "done"
	StateFailed State = "failed"
)

// Failure records why a workflow reached the Failed state.
type Failure struct {
	Step  State     `json:"step"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Status is the persisted "current state + context" record of one workflow
// instance. All other workflow context is recomputed on resume; steps that
// cannot recompute their inputs rewind to the nearest checkpoint.
type Status struct {
	Workflow  string    `json:"workflow"`
	AlertID   string    `json:"alert_id"`
	State     State     `json:"state"`
	ResumeAt  time.Time `json:"resume_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Failure   *Failure  `json:"failure,omitempty"`
}

// Terminal reports whether the instance has finished, successfully or not.
func (s *Status) Terminal() bool {
	return s.State == StateDone || s.State == StateFailed
}

// Run carries per-instance context between successive step invocations.
// It is not persisted; resumption rewinds to a checkpoint that rebuilds it.
type Run struct {
	AlertID string
	Report  *models.Report
}

// Step is one state of a workflow definition. A non-zero Wait parks the
// instance before Invoke runs. Checkpoint marks a step whose inputs are
// recomputable from the store alone; resumption rewinds to the nearest one.
type Step struct {
	State      State
	Wait       time.Duration
	Invoke     func(ctx context.Context, run *Run) error
	Checkpoint bool
}

// Definition is an ordered sequence of steps. A step failure routes the
// instance to Failed; there is no automatic retry of a failed step.
type Definition struct {
	Name  string
	Steps []Step
}

func (d *Definition) index(state State) int {
	for i, step := range d.Steps {
		if step.State == state {
			return i
		}
	}
	return -1
}

// FailureHandler receives the full failure context when an instance
// transitions to Failed.
type FailureHandler func(ctx context.Context, status *Status, stepErr error)

// Runner executes workflow instances. Steps run one at a time per instance;
// instances for different alerts run fully in parallel.
type Runner struct {
	store     store.Store
	onFailure FailureHandler
	log       *logging.Logger

	mu   sync.Mutex
	defs map[string]Definition

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner. Register definitions before starting or
// resuming instances.
func NewRunner(st store.Store, onFailure FailureHandler, log *logging.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:     st,
		onFailure: onFailure,
		log:       log,
		defs:      make(map[string]Definition),
		rootCtx:   ctx,
		cancel:    cancel,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Register adds a workflow definition.
func (r *Runner) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Start launches a workflow instance for an alert. A second Start for the
// same (workflow, alert) pair is a no-op, which keeps ingestion idempotent
// under at-least-once delivery.
func (r *Runner) Start(ctx context.Context, workflow, alertID string, expiresAt time.Time) error {
	r.mu.Lock()
	def, ok := r.defs[workflow]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown workflow %q", workflow)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", workflow)
	}

	existing, err := r.getStatus(ctx, alertID, workflow)
	if err != nil {
		return err
	}
	if existing != nil {
		r.log.WithAlert(alertID).Debug("workflow already started", "workflow", workflow)
		return nil
	}

	now := r.now().UTC()
	first := def.Steps[0]
	status := &Status{
		Workflow:  workflow,
		AlertID:   alertID,
		State:     first.State,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	if first.Wait > 0 {
		status.ResumeAt = now.Add(first.Wait)
	}

	// Marker before status: a crash between the two writes leaves an
	// orphan marker that Resume cleans up. The reverse order can leave a
	// status with no marker, an instance nothing would ever resume.
	if err := r.putPending(ctx, status); err != nil {
		return err
	}
	if err := r.persist(ctx, status); err != nil {
		return err
	}

	r.spawn(def, status, 0)
	return nil
}

// Resume rescans pending instances after a restart and continues each from
// its nearest checkpoint.
func (r *Runner) Resume(ctx context.Context) error {
	markers, err := r.store.Query(ctx, models.PendingWorkflowPartition, models.KindWorkflow)
	if err != nil {
		return err
	}

	for _, marker := range markers {
		var ref Status
		if err := json.Unmarshal(marker.Payload, &ref); err != nil {
			continue
		}

		status, err := r.getStatus(ctx, ref.AlertID, ref.Workflow)
		if err != nil {
			return err
		}
		if status == nil || status.Terminal() {
			_ = r.store.Delete(ctx, marker.Key)
			continue
		}

		r.mu.Lock()
		def, ok := r.defs[status.Workflow]
		r.mu.Unlock()
		if !ok {
			continue
		}

		idx := def.index(status.State)
		if idx < 0 {
			continue
		}
		for idx > 0 && !def.Steps[idx].Checkpoint {
			idx--
		}
		if def.Steps[idx].State != status.State {
			// Rewound: re-enter the checkpoint step with a fresh wait.
			status.State = def.Steps[idx].State
			status.ResumeAt = time.Time{}
			if def.Steps[idx].Wait > 0 {
				status.ResumeAt = r.now().UTC().Add(def.Steps[idx].Wait)
			}
			if err := r.persist(ctx, status); err != nil {
				return err
			}
		}

		r.log.WithAlert(status.AlertID).Info("resuming workflow",
			"workflow", status.Workflow, "state", status.State)
		r.spawn(def, status, idx)
	}
	return nil
}

// Close stops all running instances and waits for them to park. Their
// persisted state remains pending; a later Resume continues them.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) spawn(def Definition, status *Status, idx int) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(r.rootCtx, def, status, idx)
	}()
}

func (r *Runner) run(ctx context.Context, def Definition, status *Status, idx int) {
	run := &Run{AlertID: status.AlertID}

	for i := idx; i < len(def.Steps); i++ {
		step := def.Steps[i]

		// The entry persist for the first step happened in Start/Resume;
		// re-persisting here would reset a partially-elapsed wait.
		if i != idx {
			status.State = step.State
			status.ResumeAt = time.Time{}
			if step.Wait > 0 {
				status.ResumeAt = r.now().UTC().Add(step.Wait)
			}
			if err := r.persist(ctx, status); err != nil {
				r.fail(ctx, status, step, err)
				return
			}
		}

		if !status.ResumeAt.IsZero() {
			if err := r.sleep(ctx, status.ResumeAt.Sub(r.now())); err != nil {
				// Shutdown mid-wait: state stays pending for Resume.
				return
			}
		}

		if step.Invoke != nil {
			if err := step.Invoke(ctx, run); err != nil {
				r.fail(ctx, status, step, err)
				return
			}
		}
	}

	status.State = StateDone
	status.ResumeAt = time.Time{}
	if err := r.persist(ctx, status); err != nil {
		r.log.WithAlert(status.AlertID).Error("failed to persist terminal state",
			"workflow", status.Workflow, "error", err)
		return
	}
	_ = r.deletePending(ctx, status)
}

// fail routes the instance to the Failed terminal state and hands the
// failure context to the error handler. The workflow itself never retries a
// failed step; recovery is a manual resubmission of the originating alert.
func (r *Runner) fail(ctx context.Context, status *Status, step Step, stepErr error) {
	now := r.now().UTC()
	status.State = StateFailed
	status.ResumeAt = time.Time{}
	status.Failure = &Failure{Step: step.State, Error: stepErr.Error(), At: now}

	if err := r.persist(ctx, status); err != nil {
		r.log.WithAlert(status.AlertID).Error("failed to persist failure state",
			"workflow", status.Workflow, "error", err)
	}
	_ = r.deletePending(ctx, status)

	metrics.WorkflowFailures.WithLabelValues(status.Workflow, string(step.State)).Inc()
	r.log.WithAlert(status.AlertID).Error("workflow failed",
		"workflow", status.Workflow, "step", step.State, "error", stepErr)

	if r.onFailure != nil {
		r.onFailure(ctx, status, stepErr)
	}
}

func statusKey(alertID, workflow string) store.Key {
	return store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      models.KindWorkflow,
		ID:        workflow,
	}
}

func pendingKey(status *Status) store.Key {
	return store.Key{
		Partition: models.PendingWorkflowPartition,
		Kind:      models.KindWorkflow,
		ID:        status.AlertID + "/" + status.Workflow,
	}
}

func (r *Runner) getStatus(ctx context.Context, alertID, workflow string) (*Status, error) {
	rec, err := r.store.Get(ctx, statusKey(alertID, workflow))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var status Status
	if err := json.Unmarshal(rec.Payload, &status); err != nil {
		return nil, fmt.Errorf("decode workflow status %s/%s: %w", alertID, workflow, err)
	}
	return &status, nil
}

func (r *Runner) persist(ctx context.Context, status *Status) error {
	status.UpdatedAt = r.now().UTC()
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal workflow status: %w", err)
	}
	return r.store.Put(ctx, store.Record{
		Key:       statusKey(status.AlertID, status.Workflow),
		Payload:   raw,
		CreatedAt: status.UpdatedAt,
		ExpiresAt: status.ExpiresAt,
	})
}

func (r *Runner) putPending(ctx context.Context, status *Status) error {
	raw, err := json.Marshal(Status{
		Workflow:  status.Workflow,
		AlertID:   status.AlertID,
		ExpiresAt: status.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal pending marker: %w", err)
	}
	return r.store.Put(ctx, store.Record{
		Key:       pendingKey(status),
		Payload:   raw,
		CreatedAt: r.now().UTC(),
		ExpiresAt: status.ExpiresAt,
	})
}

func (r *Runner) deletePending(ctx context.Context, status *Status) error {
	return r.store.Delete(ctx, pendingKey(status))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
