package workflow

import (
	"context"
	"time"

	"github.com/argus-systems/argus/internal/pipeline"
)

// Review workflow states.
const (
	StateWaitCompile   State = "wait_compile"
	StateCompileReport State = "compile_report"
	StateReview        State = "review"
	StatePublish       State = "publish"
)

// ReviewDefinition builds the review workflow:
// WaitCompile -> CompileReport -> Review -> Publish -> Done, with Failed
// reachable from any invoke step. The wait is a fixed settle delay, not an
// inspector-completion signal: inspectors are not assumed to report
// liveness. CompileReport is the resume checkpoint; the draft it produces
// is deterministic, so rewinding re-creates the in-flight context and the
// idempotent publish makes a repeated tail harmless.
func ReviewDefinition(compiler *pipeline.Compiler, reviewer pipeline.Reviewer, publisher *pipeline.Publisher, wait time.Duration) Definition {
	return Definition{
		Name: pipeline.WorkflowReview,
		Steps: []Step{
			{
				State:      StateWaitCompile,
				Wait:       wait,
				Checkpoint: true,
			},
			{
				State:      StateCompileReport,
				Checkpoint: true,
				Invoke: func(ctx context.Context, run *Run) error {
					report, err := compiler.Compile(ctx, run.AlertID)
					if err != nil {
						return err
					}
					run.Report = report
					return nil
				},
			},
			{
				State: StateReview,
				Invoke: func(ctx context.Context, run *Run) error {
					result, err := reviewer.Review(ctx, run.Report)
					if err != nil {
						return err
					}
					run.Report.Result = result
					return nil
				},
			},
			{
				State: StatePublish,
				Invoke: func(ctx context.Context, run *Run) error {
					return publisher.Publish(ctx, run.Report)
				},
			},
		},
	}
}
