package jobrun

import "github.com/shapesinc/orchestration-core/internal/domain"

const (
	WorkflowName = "orchestration_job_run"
	ActivityTick = "orchestration_job_tick"
)

// TickResult is what Activities.Tick reports back to Workflow after one
// attempt at dispatching a job: a snapshot of the row's status after the
// tick, plus whether a Failed status is still retry-eligible.
type TickResult struct {
	JobID       string           `json:"job_id"`
	Status      domain.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	Retryable   bool             `json:"retryable"`
	Error       string           `json:"error,omitempty"`
}
