// Package importexport implements ExternalImport/Export: pull or push a
// user's personality data against the cookie-session external service. Both
// handlers share the same bounded avatar-download idiom and the
// session-rotation/error-classification contract in
// internal/clients/external.Fetcher.
package importexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shapesinc/orchestration-core/internal/clients/external"
	"github.com/shapesinc/orchestration-core/internal/clients/gcs"
	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/platform/secretenc"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

// ImportJobPayload is the ShapesImport job's queue payload.
type ImportJobPayload struct {
	JobRowID   uuid.UUID         `json:"jobRowId"`
	UserID     string            `json:"userId"`
	Slug       string            `json:"slug"`
	ImportType domain.ImportType `json:"importType"`
	IsBotAdmin bool              `json:"isBotAdmin"`
}

// ExportJobPayload is the ShapesExport job's queue payload.
type ExportJobPayload struct {
	JobRowID uuid.UUID `json:"jobRowId"`
	UserID   string    `json:"userId"`
	Slug     string    `json:"slug"`
	Format   string    `json:"format"` // "json" | "markdown"
}

// base holds the dependencies and helper behavior shared by ImportHandler
// and ExportHandler: loading/rotating the session cookie, instantiating the
// fetcher, and classifying the shared retry taxonomy.
type base struct {
	log             *logger.Logger
	ieRepo          repos.ImportExportRepo
	sessions        repos.ShapesSessionRepo
	personalities   repos.PersonalityRepo
	vecStore        vectormem.Store
	bucket          gcs.BucketService
	externalBaseURL string
	externalTimeout time.Duration
}

func (b *base) loadCookie(dbc dbctx.Context, userID string) (string, error) {
	cred, err := b.sessions.Get(dbc, userID)
	if err != nil {
		return "", fmt.Errorf("load session credential: %w", err)
	}
	if cred == nil {
		return "", nil
	}
	plain, err := secretenc.Decrypt(cred.CookieEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt session credential: %w", err)
	}
	return plain, nil
}

// persistRotatedCookie must run before returning or before error
// propagation: rotation is never lost even if the
// fetch that produced it ultimately fails.
func (b *base) persistRotatedCookie(dbc dbctx.Context, userID, cookie string) {
	if cookie == "" {
		return
	}
	enc, err := secretenc.Encrypt(cookie)
	if err != nil {
		b.log.Warn("importexport: rotated cookie encrypt failed", "user_id", userID, "error", err)
		return
	}
	if err := b.sessions.Put(dbc, userID, enc); err != nil {
		b.log.Warn("importexport: rotated cookie persist failed", "user_id", userID, "error", err)
	}
}

func (b *base) fetcher(cookie string) external.Fetcher {
	return external.New(b.log, external.Config{BaseURL: b.externalBaseURL, Timeout: b.externalTimeout}, cookie)
}

// classify maps a fetcher error to the shared retry taxonomy. An error that
// isn't a *domain.ImportExportError (a decode/encrypt/db failure local to
// this handler, not the external service) is treated as non-retryable
// mapping-type failure rather than silently retried forever.
func classify(err error) (domain.ImportExportErrorKind, bool) {
	var ie *domain.ImportExportError
	if errors.As(err, &ie) {
		return ie.Kind, ie.Kind.Retryable()
	}
	return domain.ErrMapping, false
}

const avatarUserAgent = "orchestration-core/1.0 (avatar fetch)"

// downloadAvatar fetches an avatar with a bounded timeout and max size,
// bounded size and timeout; failures are non-fatal, so callers log and
// continue rather than failing the import.
func downloadAvatar(ctx context.Context, url string) ([]byte, error) {
	timeout := config.GetEnvDuration(config.EnvAvatarDownloadTimeout, 10*time.Second)
	maxBytes := int64(config.GetEnvInt(config.EnvAvatarMaxBytes, 5*1024*1024))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build avatar request: %w", err)
	}
	req.Header.Set("User-Agent", avatarUserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download avatar: http %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read avatar body: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("avatar too large (%d > %d bytes)", len(b), maxBytes)
	}
	return b, nil
}
