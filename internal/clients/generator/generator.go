// Package generator is the external ResponseGenerator client: an
// OpenAI-shaped REST API for chat completion plus embeddings, plain
// net/http with bounded timeouts; every call is a blocking request, with no
// streaming. A
// gobreaker.CircuitBreaker wraps Generate so a flapping provider trips after
// a run of failures instead of burning the whole in-pipeline retry budget
// on every attempt.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// Message is the wire form of one conversation turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries exactly the fields the Generation stage resolves
// across pipeline stages 3-5.
type GenerateRequest struct {
	Model            string
	SystemPrompt     string
	Messages         []Message
	Temperature      float64
	FrequencyPenalty float64
	APIKey           string
	SuppressMemory   bool
	Incognito        bool
}

type GenerateResponse struct {
	Content         string
	TokensIn        int
	TokensOut       int
	Provider        string
	ThinkingContent string
	DeferredMemory  *DeferredMemory
}

type DeferredMemory struct {
	Text     string
	Metadata map[string]any
}

// ResponseGenerator is the contract the Generation stage calls through.
type ResponseGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	// StoreDeferredMemory persists the memory the last Generate call
	// produced. Called once after the retry loop converges.
	StoreDeferredMemory(ctx context.Context, mem DeferredMemory) error
	Ready() bool
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type client struct {
	log     *logger.Logger
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	memSink func(ctx context.Context, mem DeferredMemory) error
}

// New builds a ResponseGenerator. memSink is the actual long-term-memory
// write path (vectormem.Store.Store), injected so this package has no
// compile-time dependency on the vector store.
func New(log *logger.Logger, cfg Config, memSink func(ctx context.Context, mem DeferredMemory) error) ResponseGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "response-generator",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &client{
		log:     log.With("client", "ResponseGenerator"),
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		memSink: memSink,
	}
}

func (c *client) Ready() bool {
	return strings.TrimSpace(c.cfg.BaseURL) != ""
}

type generateWireRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	SuppressMemory   bool      `json:"suppress_memory"`
	Incognito        bool      `json:"incognito"`
}

type generateWireResponse struct {
	Content         string          `json:"content"`
	ThinkingContent string          `json:"thinking_content,omitempty"`
	TokensIn        int             `json:"tokens_in"`
	TokensOut       int             `json:"tokens_out"`
	Provider        string          `json:"provider"`
	DeferredMemory  *DeferredMemory `json:"deferred_memory,omitempty"`
}

func (c *client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	messages := req.Messages
	if req.SystemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}
	wire := generateWireRequest{
		Model:            req.Model,
		Messages:         messages,
		Temperature:      req.Temperature,
		FrequencyPenalty: req.FrequencyPenalty,
		SuppressMemory:   req.SuppressMemory,
		Incognito:        req.Incognito,
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, "/v1/chat/completions", apiKey, wire)
	})
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("generate: %w", err)
	}

	var out generateWireResponse
	if err := json.Unmarshal(raw.([]byte), &out); err != nil {
		return GenerateResponse{}, fmt.Errorf("generate decode: %w", err)
	}
	return GenerateResponse{
		Content:         out.Content,
		TokensIn:        out.TokensIn,
		TokensOut:       out.TokensOut,
		Provider:        out.Provider,
		ThinkingContent: out.ThinkingContent,
		DeferredMemory:  out.DeferredMemory,
	}, nil
}

type embedWireRequest struct {
	Input string `json:"input"`
}

type embedWireResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := c.post(ctx, "/v1/embeddings", c.cfg.APIKey, embedWireRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	var out embedWireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("embed decode: %w", err)
	}
	return out.Embedding, nil
}

func (c *client) StoreDeferredMemory(ctx context.Context, mem DeferredMemory) error {
	if c.memSink == nil {
		return nil
	}
	return c.memSink(ctx, mem)
}

func (c *client) post(ctx context.Context, path, apiKey string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("generator http %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
