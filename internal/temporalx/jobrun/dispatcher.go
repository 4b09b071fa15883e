package jobrun

import (
	"context"

	"github.com/google/uuid"

	temporalsdkclient "go.temporal.io/sdk/client"
)

// Dispatcher starts one Temporal workflow execution per job_id. It
// implements orchestrator.FlowDispatcher: when wired into the
// ChainOrchestrator, every job CreateFlow persists also gets pushed onto
// the Temporal execution path; the job row also stays claimable by the SQL
// worker's ClaimNextRunnable.
type Dispatcher struct {
	Client    temporalsdkclient.Client
	TaskQueue string
}

func (d *Dispatcher) StartJob(ctx context.Context, jobID uuid.UUID) error {
	if d == nil || d.Client == nil {
		return nil
	}
	_, err := d.Client.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:        jobID.String(),
		TaskQueue: d.TaskQueue,
	}, WorkflowName)
	return err
}
