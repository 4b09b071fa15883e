// Package duplicate implements the Swiss-cheese cross-turn duplicate
// detector: four layers, evaluated left-to-right, short-circuit
// on first hit. L1–L3 are plain string/set comparisons — stdlib strings and
// sort do this job as well as any third-party text-similarity library would,
// see DESIGN.md for the standard-library justification. L4 delegates to an
// embedding source and vectormem.CosineSimilarity.
package duplicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

type Result struct {
	IsDuplicate bool
	MatchIndex  int // 0-based offset into the compared list, or -1 for L4/no-match
	Layer       string
}

type Thresholds struct {
	MinLength        int
	JaccardThreshold float64
	BigramThreshold  float64
	NearMissBigram   float64
	SemanticThresh   float64
}

// Embedder produces an embedding for the L4 layer. It is allowed to be nil
// (or Ready() false) — the detector then simply skips L4.
type Embedder interface {
	Ready() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Detector struct {
	log        *logger.Logger
	thresholds Thresholds
	embedder   Embedder
}

func New(log *logger.Logger, thresholds Thresholds, embedder Embedder) *Detector {
	return &Detector{log: log.With("component", "DuplicateDetector"), thresholds: thresholds, embedder: embedder}
}

var footerPattern = regexp.MustCompile(`(?s)\n-{2,}\n.*$`)

func stripFooter(s string) string {
	return strings.TrimSpace(footerPattern.ReplaceAllString(s, ""))
}

// Check compares response against candidates (recentAssistantMessages, most
// recent first). A response shorter than MinLength after footer-stripping
// skips all layers and is treated as unique.
func (d *Detector) Check(ctx context.Context, response string, candidates []string) Result {
	stripped := stripFooter(response)
	if len(stripped) < d.thresholds.MinLength {
		return Result{IsDuplicate: false, MatchIndex: -1}
	}

	if idx, ok := d.checkExactHash(stripped, candidates); ok {
		return Result{IsDuplicate: true, MatchIndex: idx, Layer: "L1_exact_hash"}
	}
	if idx, ok := d.checkJaccard(stripped, candidates); ok {
		return Result{IsDuplicate: true, MatchIndex: idx, Layer: "L2_word_jaccard"}
	}
	if idx, ok := d.checkBigram(stripped, candidates); ok {
		return Result{IsDuplicate: true, MatchIndex: idx, Layer: "L3_bigram_dice"}
	}
	if d.embedder != nil && d.embedder.Ready() {
		if idx, ok := d.checkSemantic(ctx, stripped, candidates); ok {
			return Result{IsDuplicate: true, MatchIndex: idx, Layer: "L4_semantic"}
		}
	}
	return Result{IsDuplicate: false, MatchIndex: -1}
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (d *Detector) checkExactHash(response string, candidates []string) (int, bool) {
	target := hashOf(response)
	for i, c := range candidates {
		if hashOf(stripFooter(c)) == target {
			return i, true
		}
	}
	return -1, false
}

var wordPattern = regexp.MustCompile(`[a-z0-9']+`)

func wordSet(s string) map[string]struct{} {
	words := wordPattern.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func (d *Detector) checkJaccard(response string, candidates []string) (int, bool) {
	target := wordSet(response)
	for i, c := range candidates {
		score := jaccard(target, wordSet(stripFooter(c)))
		if score >= d.thresholds.JaccardThreshold {
			return i, true
		}
	}
	return -1, false
}

func bigrams(s string) map[string]int {
	s = strings.ToLower(s)
	out := make(map[string]int)
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// diceCoefficient is the bigram overlap measure: 2*|intersection| / (|A|+|B|).
func diceCoefficient(a, b map[string]int) float64 {
	totalA, totalB := 0, 0
	for _, n := range a {
		totalA += n
	}
	for _, n := range b {
		totalB += n
	}
	if totalA+totalB == 0 {
		return 1
	}
	shared := 0
	for bg, na := range a {
		if nb, ok := b[bg]; ok {
			shared += min(na, nb)
		}
	}
	return float64(2*shared) / float64(totalA+totalB)
}

func (d *Detector) checkBigram(response string, candidates []string) (int, bool) {
	target := bigrams(response)
	bestNearMiss := 0.0
	for i, c := range candidates {
		score := diceCoefficient(target, bigrams(stripFooter(c)))
		if score >= d.thresholds.BigramThreshold {
			return i, true
		}
		if score >= d.thresholds.NearMissBigram && score > bestNearMiss {
			bestNearMiss = score
		}
	}
	if bestNearMiss > 0 {
		d.log.Info("duplicate detector near-miss", "layer", "L3_bigram_dice", "score", bestNearMiss)
	}
	return -1, false
}

func (d *Detector) checkSemantic(ctx context.Context, response string, candidates []string) (int, bool) {
	respEmb, err := d.embedder.Embed(ctx, response)
	if err != nil {
		d.log.Warn("semantic duplicate check embed failed", "error", err)
		return -1, false
	}
	for _, c := range candidates {
		candEmb, err := d.embedder.Embed(ctx, stripFooter(c))
		if err != nil {
			continue
		}
		if vectormem.CosineSimilarity(respEmb, candEmb) >= d.thresholds.SemanticThresh {
			return -1, true
		}
	}
	return -1, false
}
