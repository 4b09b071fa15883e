// Package preprocess implements the two child-job handlers the
// JobChainOrchestrator fans out before a generation: AudioTranscription and
// ImageDescription. Attachment downloads share one bounded-download idiom
// (timeout, redirect cap, max-bytes limit reader).
package preprocess

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shapesinc/orchestration-core/internal/platform/config"
)

func downloadClient() *http.Client {
	timeout := config.GetEnvDuration(config.EnvAttachmentDownloadTimeout, 20*time.Second)
	c := &http.Client{Timeout: timeout}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	}
	return c
}

// DownloadAttachment is the exported form of downloadAttachment, reused by
// DependencyResolution's inline extendedContextAttachments processing so
// the bounded-download idiom isn't duplicated across packages.
func DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	return downloadAttachment(ctx, url)
}

// downloadAttachment fetches the attachment bytes with a hard timeout and a
// bounded max size; any non-2xx or oversized response is a handler-level
// error, not a panic.
func downloadAttachment(ctx context.Context, url string) ([]byte, error) {
	maxBytes := int64(config.GetEnvInt(config.EnvAttachmentMaxBytes, 25*1024*1024))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", "orchestration-core/1.0 (attachment preprocessor)")

	resp, err := downloadClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download attachment: http %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("attachment too large (%d > %d bytes)", len(b), maxBytes)
	}
	return b, nil
}
