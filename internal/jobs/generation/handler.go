package generation

import (
	"github.com/shapesinc/orchestration-core/internal/clients/gcp"
	"github.com/shapesinc/orchestration-core/internal/clients/generator"
	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/duplicate"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
	"github.com/shapesinc/orchestration-core/internal/resultstore"
)

// Handler implements runtime.Handler for domain.JobLLMGeneration: it runs
// the full six-stage GenerationPipeline against a claimed job, as a fixed
// six-step sequence rather than a dynamic DAG.
type Handler struct {
	log           *logger.Logger
	repo          queue.Repo
	store         resultstore.Store
	personalities repos.PersonalityRepo
	credentials   repos.CredentialRepo
	vision        gcp.Vision
	generator     generator.ResponseGenerator
	vecStore      vectormem.Store
	detector      *duplicate.Detector
	diagLog       repos.DiagnosticLogRepo
	pendingMem    repos.PendingMemoryRepo
	maxAttempts   int
}

func New(
	log *logger.Logger,
	repo queue.Repo,
	store resultstore.Store,
	personalities repos.PersonalityRepo,
	credentials repos.CredentialRepo,
	vision gcp.Vision,
	gen generator.ResponseGenerator,
	vecStore vectormem.Store,
	detector *duplicate.Detector,
	diagLog repos.DiagnosticLogRepo,
	pendingMem repos.PendingMemoryRepo,
	maxAttempts int,
) *Handler {
	return &Handler{
		log:           log.With("handler", "GenerationPipeline"),
		repo:          repo,
		store:         store,
		personalities: personalities,
		credentials:   credentials,
		vision:        vision,
		generator:     gen,
		vecStore:      vecStore,
		detector:      detector,
		diagLog:       diagLog,
		pendingMem:    pendingMem,
		maxAttempts:   maxAttempts,
	}
}

func (h *Handler) Type() domain.JobType { return domain.JobLLMGeneration }

// Run executes the pipeline. Stage 1 failures re-throw to the queue via
// jc.Fail; stages 2-6 run under a single recover so any panic or
// unexpected error becomes a soft-failure JobResult instead of a failed
// queue attempt.
func (h *Handler) Run(jc *runtime.Context) error {
	genCtx, err := stageValidation(jc.Job)
	if err != nil {
		return err
	}

	result := h.runStagesTwoThroughSix(jc, genCtx)

	destinationType := ""
	if genCtx.Request != nil {
		destinationType = genCtx.Request.ResponseDestination.Type
	}
	return jc.Succeed(result, destinationType)
}

// runStagesTwoThroughSix is the single try/catch boundary for stages 2
// through 6: a recover here converts any panic from deep inside a stage
// into the same classified soft-failure shape a normal error produces.
func (h *Handler) runStagesTwoThroughSix(jc *runtime.Context, in *domain.GenerationContext) (result *domain.GenerationResult) {
	lastSuccessfulStep := StepValidation
	failedStep := StepDependencyResolution
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("generation pipeline panic", "request_id", in.Job.RequestID, "panic", r, "last_successful_step", lastSuccessfulStep)
			result = &domain.GenerationResult{
				RequestID: in.Job.RequestID,
				Success:   false,
				Error:     "internal error during generation",
				ErrorInfo: &domain.ClassifiedErr{
					Type:        "InternalError",
					Category:    domain.CategoryProgrammer,
					UserMessage: "Something went wrong generating a response. Support has been notified.",
					ReferenceID: newReferenceID(),
					ShouldRetry: false,
				},
				Metadata: domain.GenerationMetadata{FailedStep: failedStep, LastSuccessfulStep: lastSuccessfulStep},
			}
		}
	}()

	dbc := dbctx.Context{Ctx: jc.Ctx}

	withDeps := h.stageDependencyResolution(jc.Ctx, dbc, in)
	lastSuccessfulStep = StepDependencyResolution
	failedStep = StepConfigResolution

	withConfig := h.stageConfigResolution(dbc, withDeps)
	lastSuccessfulStep = StepConfigResolution
	failedStep = StepAuthResolution

	withAuth := h.stageAuthResolution(dbc, withConfig)
	lastSuccessfulStep = StepAuthResolution
	failedStep = StepContextPreparation

	withPrepared := h.stageContextPreparation(withAuth)
	lastSuccessfulStep = StepContextPreparation
	failedStep = StepGeneration

	withGeneration := h.stageGeneration(jc.Ctx, withPrepared)
	lastSuccessfulStep = StepGeneration

	return withGeneration.Result
}
