package importexport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

// ExportHandler implements runtime.Handler for domain.JobShapesExport.
type ExportHandler struct {
	base
}

func NewExportHandler(
	baseLog *logger.Logger,
	ieRepo repos.ImportExportRepo,
	sessions repos.ShapesSessionRepo,
	externalBaseURL string,
) *ExportHandler {
	return &ExportHandler{base{
		log:             baseLog.With("handler", "ShapesExport"),
		ieRepo:          ieRepo,
		sessions:        sessions,
		externalBaseURL: externalBaseURL,
	}}
}

func (h *ExportHandler) Type() domain.JobType { return domain.JobShapesExport }

func (h *ExportHandler) Run(jc *runtime.Context) error {
	var payload ExportJobPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		jc.Fail(fmt.Errorf("decode export job payload: %w", err))
		return nil
	}
	dbc := dbctx.Context{Ctx: jc.Ctx}

	if err := h.ieRepo.MarkInProgress(dbc, payload.JobRowID); err != nil {
		h.log.Warn("export: mark in_progress failed", "job_row_id", payload.JobRowID, "error", err)
	}

	cookie, err := h.loadCookie(dbc, payload.UserID)
	if err != nil {
		return h.handleError(jc, dbc, payload.JobRowID, &domain.ImportExportError{Kind: domain.ErrAuth, Err: err})
	}

	fetcher := h.fetcher(cookie)
	data, rotated, fetchErr := fetcher.FetchPersonality(jc.Ctx, payload.Slug)
	h.persistRotatedCookie(dbc, payload.UserID, rotated)
	if fetchErr != nil {
		return h.handleError(jc, dbc, payload.JobRowID, fetchErr)
	}

	file, err := formatExport(data, payload.Format)
	if err != nil {
		return h.handleError(jc, dbc, payload.JobRowID, &domain.ImportExportError{Kind: domain.ErrMapping, Err: err})
	}

	metaBytes, _ := json.Marshal(map[string]any{
		"filename":   file.Filename,
		"size_bytes": file.Size,
		"format":     file.Format,
	})
	if err := h.ieRepo.MarkCompleted(dbc, payload.JobRowID, metaBytes); err != nil {
		h.log.Warn("export: mark completed failed", "job_row_id", payload.JobRowID, "error", err)
	}
	h.log.Info("export completed", "job_row_id", payload.JobRowID, "slug", payload.Slug, "format", file.Format, "size_bytes", file.Size)
	return jc.Succeed(map[string]any{"success": true, "filename": file.Filename, "size_bytes": file.Size, "format": file.Format}, "")
}

func (h *ExportHandler) handleError(jc *runtime.Context, dbc dbctx.Context, rowID uuid.UUID, cause error) error {
	kind, retryable := classify(cause)
	if retryable && jc.Job.Attempts < jc.Job.MaxAttempts {
		h.log.Warn("export: retryable error, will retry", "job_row_id", rowID, "kind", kind, "attempts", jc.Job.Attempts, "error", cause)
		return cause
	}
	if markErr := h.ieRepo.MarkFailed(dbc, rowID, cause.Error()); markErr != nil {
		h.log.Error("export: mark failed error", "job_row_id", rowID, "error", markErr)
	}
	h.log.Error("export: terminal error", "job_row_id", rowID, "kind", kind, "error", cause)
	return jc.Succeed(map[string]any{"success": false, "error": cause.Error(), "error_kind": kind}, "")
}

// formatExport renders the fetched personality data as JSON or Markdown.
func formatExport(data domain.ExternalPersonalityData, format string) (domain.ExportedFile, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		content := renderMarkdown(data)
		return domain.ExportedFile{
			Filename: data.Slug + ".md",
			Content:  []byte(content),
			Size:     int64(len(content)),
			Format:   "markdown",
		}, nil
	default:
		raw, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return domain.ExportedFile{}, fmt.Errorf("marshal export json: %w", err)
		}
		return domain.ExportedFile{
			Filename: data.Slug + ".json",
			Content:  raw,
			Size:     int64(len(raw)),
			Format:   "json",
		}, nil
	}
}

func renderMarkdown(data domain.ExternalPersonalityData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", data.Config.Name)
	fmt.Fprintf(&b, "- Model: %s\n", data.Config.Model)
	if data.Config.VisionModel != "" {
		fmt.Fprintf(&b, "- Vision model: %s\n", data.Config.VisionModel)
	}
	fmt.Fprintf(&b, "- Temperature: %.2f\n", data.Config.Temperature)
	fmt.Fprintf(&b, "- Frequency penalty: %.2f\n\n", data.Config.FrequencyPenalty)

	if data.Config.SystemPrompt != "" {
		fmt.Fprintf(&b, "## System Prompt\n\n%s\n\n", data.Config.SystemPrompt)
	}

	if len(data.Stories) > 0 {
		b.WriteString("## Stories\n\n")
		for _, s := range data.Stories {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", s.Title, s.Content)
		}
	}

	if len(data.Memories) > 0 {
		b.WriteString("## Memories\n\n")
		for _, m := range data.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Text)
		}
	}

	return b.String()
}
