// Package external is the cookie-session HTTP client for the external
// personality service that ExternalImport/Export pulls from and pushes to:
// plain net/http, bounded timeout, JSON in/out, no framework, plus
// gobreaker around the outbound calls so a string of ServerErrors trips a
// breaker instead of burning the queue's whole retry budget hammering a
// down service.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// Fetcher is the contract ImportHandler/ExportHandler call through. Every
// method returns the (possibly rotated) session cookie alongside its
// result so the caller can persist rotation immediately.
type Fetcher interface {
	FetchPersonality(ctx context.Context, slug string) (domain.ExternalPersonalityData, string, error)
	PushPersonality(ctx context.Context, data domain.ExternalPersonalityData) (string, error)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type client struct {
	log     *logger.Logger
	cfg     Config
	http    *http.Client
	cookie  string
	breaker *gobreaker.CircuitBreaker
}

// New builds a Fetcher bound to one user's session cookie. A fresh client is
// constructed per job, so the breaker's state does not leak between unrelated
// users' jobs.
func New(log *logger.Logger, cfg Config, sessionCookie string) Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &client{
		log:    log.With("client", "ExternalFetcher"),
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cookie: sessionCookie,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "external-fetcher",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *client) FetchPersonality(ctx context.Context, slug string) (domain.ExternalPersonalityData, string, error) {
	raw, err := c.doBreaker(ctx, http.MethodGet, "/api/personalities/"+slug+"/export", nil)
	if err != nil {
		return domain.ExternalPersonalityData{}, c.cookie, err
	}
	var out domain.ExternalPersonalityData
	if jsonErr := json.Unmarshal(raw, &out); jsonErr != nil {
		return domain.ExternalPersonalityData{}, c.cookie, &domain.ImportExportError{Kind: domain.ErrMapping, Err: fmt.Errorf("decode personality export: %w", jsonErr)}
	}
	return out, c.cookie, nil
}

func (c *client) PushPersonality(ctx context.Context, data domain.ExternalPersonalityData) (string, error) {
	_, err := c.doBreaker(ctx, http.MethodPost, "/api/personalities/"+data.Slug+"/import", data)
	return c.cookie, err
}

// doBreaker issues the HTTP call through the circuit breaker and classifies
// the result into the import/export retry taxonomy. The rotated Set-Cookie value
// (if any) replaces c.cookie so subsequent calls on this client, and the
// value the caller persists afterward, see the latest session.
func (c *client) doBreaker(ctx context.Context, method, path string, body any) ([]byte, error) {
	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		var classified *domain.ImportExportError
		if errors.As(err, &classified) {
			return nil, err
		}
		// Breaker-open (or any other unclassified transport error) is
		// treated as retryable: it is exactly the flapping-service case
		// gobreaker exists to protect against.
		return nil, &domain.ImportExportError{Kind: domain.ErrServerError, Err: err}
	}
	return raw.([]byte), nil
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sc := resp.Header.Get("Set-Cookie"); sc != "" {
		c.cookie = sc
	}

	raw, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domain.ImportExportError{Kind: domain.ErrAuth, Err: fmt.Errorf("external fetcher http %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &domain.ImportExportError{Kind: domain.ErrNotFound, Err: fmt.Errorf("external fetcher http %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.ImportExportError{Kind: domain.ErrRateLimit, Err: fmt.Errorf("external fetcher http %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &domain.ImportExportError{Kind: domain.ErrServerError, Err: fmt.Errorf("external fetcher http %d: %s", resp.StatusCode, string(raw))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &domain.ImportExportError{Kind: domain.ErrMapping, Err: fmt.Errorf("external fetcher http %d: %s", resp.StatusCode, string(raw))}
	}
	return raw, nil
}

// Cookie returns the current (possibly rotated) session cookie.
func (c *client) Cookie() string { return c.cookie }
