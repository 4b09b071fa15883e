package generation

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gorm.io/datatypes"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
)

// diagnosticCollector accumulates timing, prompt, and error detail across
// every retry attempt of a single Generation stage invocation. It is write-only: nothing downstream reads
// it back, it exists purely to give support staff a requestId-keyed trail.
type diagnosticCollector struct {
	requestID     string
	personalityID string
	userID        string
	channelID     string
	guildID       string
	startedAt     time.Time
	attempts      []attemptRecord
}

type attemptRecord struct {
	Attempt             int     `json:"attempt"`
	Temperature         float64 `json:"temperature"`
	FrequencyPenalty    float64 `json:"frequency_penalty"`
	HistoryDropFraction float64 `json:"history_drop_fraction"`
	DurationMs          int64   `json:"duration_ms"`
	Error               string  `json:"error,omitempty"`
}

func newDiagnosticCollector(requestID, personalityID, userID, channelID, guildID string) *diagnosticCollector {
	return &diagnosticCollector{
		requestID:     requestID,
		personalityID: personalityID,
		userID:        userID,
		channelID:     channelID,
		guildID:       guildID,
		startedAt:     time.Now().UTC(),
	}
}

func (d *diagnosticCollector) recordAttempt(attempt int, params attemptParams, dur time.Duration, err error) {
	rec := attemptRecord{
		Attempt:             attempt,
		Temperature:         params.temperature,
		FrequencyPenalty:    params.frequencyPenalty,
		HistoryDropFraction: params.historyDropFrac,
		DurationMs:          dur.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.attempts = append(d.attempts, rec)
}

// sanitizeForJSONB strips lone surrogates and null bytes, which Postgres's
// jsonb column rejects outright.
func sanitizeForJSONB(s string) string {
	if !strings.ContainsRune(s, 0) && utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0 || r == utf8.RuneError || (r >= 0xD800 && r <= 0xDFFF) {
			continue
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// writeDiagnostic is fire-and-forget: it runs on its own background context
// (never the job's, which may already be torn down by the time this
// goroutine gets scheduled) with its own bounded timeout. Failure to write
// must not affect the result already returned to the caller.
func (h *Handler) writeDiagnostic(diag *diagnosticCollector, result *domain.GenerationResult) {
	if h.diagLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := map[string]any{
		"attempts": diag.attempts,
		"success":  result.Success,
	}
	if result.ErrorInfo != nil {
		payload["error_type"] = result.ErrorInfo.Type
		payload["error_category"] = result.ErrorInfo.Category
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("diagnostic write: marshal failed", "request_id", diag.requestID, "error", err)
		return
	}

	entry := &domain.DiagnosticLogEntry{
		RequestID:     diag.requestID,
		PersonalityID: diag.personalityID,
		UserID:        diag.userID,
		GuildID:       diag.guildID,
		ChannelID:     diag.channelID,
		Model:         result.Metadata.ModelUsed,
		Provider:      result.Metadata.ProviderUsed,
		DurationMs:    time.Since(diag.startedAt).Milliseconds(),
		Data:          datatypes.JSON(sanitizeForJSONB(string(raw))),
	}

	if err := h.diagLog.Create(dbctx.Context{Ctx: ctx}, entry); err != nil {
		h.log.Warn("diagnostic write failed", "request_id", diag.requestID, "error", err)
	}
}
