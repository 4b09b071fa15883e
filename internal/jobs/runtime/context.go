// Package runtime is the execution contract between the worker and every
// handler: runtime.Context is a capability-scoped handle for a single claimed
// job, wrapping the db transaction boundary, the mutable job row, and the
// notification side effects. Handlers make job-lifecycle transitions through
// it rather than through queue.Repo; the generation handler still reads its
// JobDependency rows from queue.Repo directly.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/notifier"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/ctxutil"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
	"github.com/shapesinc/orchestration-core/internal/resultstore"
)

type Context struct {
	Ctx     context.Context
	Job     *domain.Job
	Repo    queue.Repo
	Results repos.JobResultRepo
	Notify  notifier.DeliveryNotifier
	// Store is the intermediate result cache. Preprocessing
	// children write their output here; the parent's DependencyResolution
	// stage reads it back. Nil-safe: only child handlers use it.
	Store   resultstore.Store
	payload map[string]any
}

// NewContext constructs a runtime.Context for a claimed job. It eagerly
// decodes the job payload so handlers can use Payload()/PayloadUUID(); a
// decode failure is not fatal here, it surfaces as an empty payload and
// handlers validate required fields themselves.
func NewContext(ctx context.Context, job *domain.Job, repo queue.Repo, results repos.JobResultRepo, notify notifier.DeliveryNotifier, store resultstore.Store) *Context {
	c := &Context{Ctx: ctx, Job: job, Repo: repo, Results: results, Notify: notify, Store: store}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	payload := c.Payload()
	traceID := strings.TrimSpace(fmt.Sprint(payload["trace_id"]))
	reqID := strings.TrimSpace(fmt.Sprint(payload["request_id"]))
	if reqID == "" && c.Job != nil {
		reqID = c.Job.RequestID
	}
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{TraceID: traceID, RequestID: reqID})
}

func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *Context) PayloadString(key string) (string, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

// Update applies arbitrary field updates to the underlying job row. Rare
// custom transitions only; prefer Heartbeat/Fail/Succeed for lifecycle.
func (c *Context) Update(updates map[string]interface{}) error {
	if c.Job == nil || c.Job.ID == uuid.Nil || c.Repo == nil {
		return nil
	}
	return c.Repo.UpdateFields(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, updates)
}

// Heartbeat refreshes heartbeat_at so the claim query's stale-running
// detection doesn't reclaim a job that is still actively running.
func (c *Context) Heartbeat() {
	if c == nil || c.Job == nil || c.Repo == nil || c.Job.ID == uuid.Nil {
		return
	}
	_ = c.Repo.Heartbeat(dbctx.Context{Ctx: c.Ctx}, c.Job.ID)
}

// Fail marks the job Failed without persisting a JobResult row. The claim
// query picks a Failed row up again once RetryDelay has passed while
// attempts < MaxAttempts, so a re-thrown ProgrammerError goes through the
// queue's normal attempts/backoff machinery.
func (c *Context) Fail(err error) {
	if c == nil || c.Job == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	now := time.Now().UTC()
	if c.Repo != nil && c.Job.ID != uuid.Nil {
		_ = c.Repo.UpdateFields(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, map[string]interface{}{
			"status":        domain.StatusFailed,
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
		})
	}
}

// Succeed persists a JobResult row (success or soft-failure outcome — both
// use this path), marks the job Completed, and publishes a delivery
// notification so a subscriber can fetch the result by jobID.
func (c *Context) Succeed(result any, destinationType string) error {
	if c == nil || c.Job == nil {
		return nil
	}
	now := time.Now().UTC()
	var payload datatypes.JSON
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		payload = datatypes.JSON(b)
	}

	if c.Results != nil {
		if err := c.Results.Upsert(dbctx.Context{Ctx: c.Ctx}, &domain.JobResult{
			JobID:       c.Job.ID,
			RequestID:   c.Job.RequestID,
			Payload:     payload,
			Status:      domain.ResultPendingDelivery,
			CompletedAt: now,
		}); err != nil {
			return err
		}
	}

	if c.Repo != nil && c.Job.ID != uuid.Nil {
		if err := c.Repo.UpdateFields(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, map[string]interface{}{
			"status":    domain.StatusCompleted,
			"locked_at": nil,
			"error":     "",
		}); err != nil {
			return err
		}
	}

	if destinationType != "" && c.Notify != nil {
		if err := c.Notify.Publish(c.Ctx, destinationType, notifier.DeliveryMessage{
			JobID:     c.Job.ID,
			RequestID: c.Job.RequestID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CompleteChild finishes a preprocessing child job (AudioTranscription,
// ImageDescription): it writes payload to the intermediate result store
// under the job's ResultKey with a TTL of REDIS_RESULT_TTL_SECONDS (default
// one hour), marks the owning
// JobDependency row Completed so the parent's admission check can proceed,
// and marks the job itself Completed. Children never publish a delivery
// notification or a JobResult row — only the flow's parent does that.
func (c *Context) CompleteChild(payload any) error {
	if c == nil || c.Job == nil {
		return nil
	}
	if c.Store != nil {
		ttl := time.Duration(config.GetEnvInt(config.EnvRedisResultTTLSeconds, 3600)) * time.Second
		if err := c.Store.Put(c.Ctx, domain.ResultKey(c.Job.ID), payload, ttl); err != nil {
			return fmt.Errorf("complete child: store result: %w", err)
		}
	}
	if c.Repo != nil {
		if err := c.Repo.MarkDependencyStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, domain.StatusCompleted); err != nil {
			return fmt.Errorf("complete child: mark dependency: %w", err)
		}
	}
	return c.Update(map[string]interface{}{
		"status":    domain.StatusCompleted,
		"locked_at": nil,
		"error":     "",
	})
}
