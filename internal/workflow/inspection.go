package workflow

import (
	"context"
	"time"

	"github.com/argus-systems/argus/internal/pipeline"
)

// Inspection workflow states.
const (
	StateWaitDispatch State = "wait_dispatch"
	StateDispatch     State = "dispatch"
)

// InspectionDefinition builds the inspection workflow:
// WaitDispatch -> Dispatch -> Done. The settle delay batches near-
// simultaneous duplicate deliveries before the fan-out. Dispatch is a
// checkpoint: re-dispatching after a crash is safe because contributions
// deduplicate on content-derived keys.
func InspectionDefinition(dispatcher *pipeline.Dispatcher, wait time.Duration) Definition {
	return Definition{
		Name: pipeline.WorkflowInspection,
		Steps: []Step{
			{
				State:      StateWaitDispatch,
				Wait:       wait,
				Checkpoint: true,
			},
			{
				State:      StateDispatch,
				Checkpoint: true,
				Invoke: func(ctx context.Context, run *Run) error {
					return dispatcher.Dispatch(ctx, run.AlertID)
				},
			},
		},
	}
}
