// Package vectormem is the long-term-memory store: deferred memory records
// scoped per persona, held in a Pinecone index through the official
// go-pinecone SDK. It exposes only the three operations the generation
// pipeline, PendingMemoryRetrier, and ExternalImport actually need
// (Store/QuerySimilar/Exists) rather than a generic vector-database surface
// callers would have to re-derive domain semantics from.
package vectormem

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// Embedder produces a vector embedding for a text chunk. Satisfied by the
// generator client's embedding endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the vector-memory contract: store an LTM chunk, find similar
// previously-stored chunks (memory retrieval and L4 duplicate comparison),
// and check whether a text is already stored (import memory-diff dedup).
type Store interface {
	Store(ctx context.Context, scope domain.LTMShareScope, rec domain.DeferredMemoryRecord) error
	QuerySimilar(ctx context.Context, scope domain.LTMShareScope, embedding []float32, topK int) ([]Match, error)
	Exists(ctx context.Context, scope domain.LTMShareScope, text string) (bool, error)
}

// Match is one retrieved memory: the stored text plus the scoping metadata
// (channelId, personaId, ...) the record was written with, so callers can
// apply channel-budget allocation without a second lookup.
type Match struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]any
}

type Config struct {
	APIKey          string
	IndexName       string
	NamespacePrefix string
}

type store struct {
	log   *logger.Logger
	pc    *pinecone.Client
	cfg   Config
	embed Embedder

	mu   sync.Mutex
	host string
}

func New(log *logger.Logger, cfg Config, embed Embedder) (Store, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing pinecone API key")
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("missing pinecone index name")
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = "ltm"
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone client: %w", err)
	}
	return &store{
		log:   log.With("component", "VectorMemoryStore"),
		pc:    pc,
		cfg:   cfg,
		embed: embed,
	}, nil
}

// namespace isolates each persona's memories. A persona that shares LTM
// across its personalities reads and writes one pooled namespace; one that
// doesn't gets an isolated namespace, so a memory written under personality
// P can never surface for personality Q.
func (s *store) namespace(scope domain.LTMShareScope) string {
	if scope.ShareAcrossPersonalities {
		return fmt.Sprintf("%s:persona:%s", s.cfg.NamespacePrefix, scope.PersonaID)
	}
	return fmt.Sprintf("%s:persona:%s:isolated", s.cfg.NamespacePrefix, scope.PersonaID)
}

// indexHost resolves the index's data-plane host once and caches it. A
// failed describe is not cached, so a transient control-plane blip at
// startup heals on the next call.
func (s *store) indexHost(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != "" {
		return s.host, nil
	}
	idx, err := s.pc.DescribeIndex(ctx, s.cfg.IndexName)
	if err != nil {
		return "", fmt.Errorf("describe index %s: %w", s.cfg.IndexName, err)
	}
	if idx.Host == "" {
		return "", fmt.Errorf("describe index %s: empty host", s.cfg.IndexName)
	}
	s.host = idx.Host
	return s.host, nil
}

// connect opens an index connection pinned to the scope's namespace.
// Callers own Close.
func (s *store) connect(ctx context.Context, scope domain.LTMShareScope) (*pinecone.IndexConnection, error) {
	host, err := s.indexHost(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := s.pc.Index(pinecone.NewIndexConnParams{Host: host, Namespace: s.namespace(scope)})
	if err != nil {
		return nil, fmt.Errorf("index connection: %w", err)
	}
	return conn, nil
}

func (s *store) Store(ctx context.Context, scope domain.LTMShareScope, rec domain.DeferredMemoryRecord) error {
	embedding := rec.Embedding
	if len(embedding) == 0 {
		var err error
		embedding, err = s.embed.Embed(ctx, rec.Text)
		if err != nil {
			return fmt.Errorf("embed memory text: %w", err)
		}
	}
	meta := map[string]any{"text": rec.Text}
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	pbMeta, err := structpb.NewStruct(meta)
	if err != nil {
		return fmt.Errorf("encode memory metadata: %w", err)
	}
	vec := &pinecone.Vector{
		Id:       uuid.New().String(),
		Values:   embedding,
		Metadata: pbMeta,
	}

	// A handful of fast retries absorbs a transient upsert blip in-process,
	// so a single flaky call doesn't immediately spill into PendingMemory
	// for the deferred-memory caller, or into a failed/skipped count for
	// the import caller.
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		conn, err := s.connect(ctx, scope)
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{vec})
		return err
	}, backoff.WithContext(bo, ctx))
}

func (s *store) QuerySimilar(ctx context.Context, scope domain.LTMShareScope, embedding []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	conn, err := s.connect(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          embedding,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	out := make([]Match, 0, len(resp.Matches))
	for _, sv := range resp.Matches {
		if sv == nil || sv.Vector == nil {
			continue
		}
		meta := map[string]any{}
		if sv.Vector.Metadata != nil {
			meta = sv.Vector.Metadata.AsMap()
		}
		text, _ := meta["text"].(string)
		out = append(out, Match{
			ID:       sv.Vector.Id,
			Score:    float64(sv.Score),
			Text:     text,
			Metadata: meta,
		})
	}
	return out, nil
}

// Exists checks the memory-diff dedup requirement for ExternalImport: an
// exact-text match means this memory is already stored.
func (s *store) Exists(ctx context.Context, scope domain.LTMShareScope, text string) (bool, error) {
	embedding, err := s.embed.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embed for dedup check: %w", err)
	}
	matches, err := s.QuerySimilar(ctx, scope, embedding, 1)
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		if m.Text == text {
			return true, nil
		}
	}
	return false, nil
}

// CosineSimilarity is exposed for the L4 duplicate-detector layer, which
// compares an in-process embedding against recent in-memory response
// embeddings rather than round-tripping through the vector index.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
