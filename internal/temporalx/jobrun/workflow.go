package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/shapesinc/orchestration-core/internal/domain"
)

// Workflow is the Temporal-backed alternate execution path for a single
// job: one workflow execution per job_id, looping ActivityTick until the
// job reaches a terminal status. It dispatches through the exact same
// jobs/runtime.Registry/Handler set the SQL-polling worker uses — see
// Activities.Tick — so Temporal and the poll-based worker are two callers
// of one handler set, never two implementations of job logic.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("jobrun: missing job_id")
	}

	const (
		dependencyPollInterval = 5 * time.Second
		retryBackoff           = 30 * time.Second
		continueTickLimit      = 2000
		continueHistoryLimit   = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // attempts are tracked on the job row, not by Temporal
	})

	tickCount := 0
	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}

		switch out.Status {
		case domain.StatusCompleted:
			return nil
		case domain.StatusFailed:
			if !out.Retryable {
				return fmt.Errorf("job failed (attempts=%d/%d): %s", out.Attempts, out.MaxAttempts, out.Error)
			}
			if err := workflow.Sleep(ctx, retryBackoff); err != nil {
				return err
			}
		default:
			// StatusQueued: blocked on a preprocessing dependency.
			// StatusActive: a concurrent tick is still in flight.
			// Either way, back off and try again.
			if err := workflow.Sleep(ctx, dependencyPollInterval); err != nil {
				return err
			}
		}

		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
