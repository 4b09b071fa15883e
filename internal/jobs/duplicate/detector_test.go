package duplicate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

func newTestDetector(embedder Embedder) *Detector {
	return New(logger.Noop(), Thresholds{
		MinLength:        30,
		JaccardThreshold: 0.95,
		BigramThreshold:  0.85,
		NearMissBigram:   0.75,
		SemanticThresh:   0.92,
	}, embedder)
}

func TestDetector_Check_ShortResponseSkipsAllLayers(t *testing.T) {
	d := newTestDetector(nil)
	// Shorter than MinLength (30) even if identical to a candidate: short
	// responses are never flagged as duplicates.
	res := d.Check(context.Background(), "hi there", []string{"hi there"})
	require.False(t, res.IsDuplicate)
	require.Equal(t, -1, res.MatchIndex)
}

func TestDetector_Check_L1ExactHashMatch(t *testing.T) {
	d := newTestDetector(nil)
	msg := strings.Repeat("this is a long enough response ", 2)
	res := d.Check(context.Background(), msg, []string{"something else entirely and unrelated", msg})
	require.True(t, res.IsDuplicate)
	require.Equal(t, "L1_exact_hash", res.Layer)
	require.Equal(t, 1, res.MatchIndex)
}

func TestDetector_Check_L1IgnoresFooter(t *testing.T) {
	d := newTestDetector(nil)
	base := strings.Repeat("this is a long enough response ", 2)
	withFooter := base + "\n--\nsent from my phone"
	res := d.Check(context.Background(), base, []string{withFooter})
	require.True(t, res.IsDuplicate)
	require.Equal(t, "L1_exact_hash", res.Layer)
}

func TestDetector_Check_L2JaccardNearDuplicateWording(t *testing.T) {
	d := newTestDetector(nil)
	a := "the quick brown fox jumps over the lazy dog again and again today"
	// Same word set, different word order -> same Jaccard score,
	// but a different exact hash so L1 doesn't catch it.
	b := "again and again today the lazy dog jumps over the quick brown fox"
	res := d.Check(context.Background(), a, []string{b})
	require.True(t, res.IsDuplicate)
	require.Equal(t, "L2_word_jaccard", res.Layer)
}

func TestDetector_Check_UniqueResponseNoMatch(t *testing.T) {
	d := newTestDetector(nil)
	a := "completely unrelated content about gardening and soil composition today"
	b := "a totally different topic concerning deep space telescopes and orbital mechanics"
	res := d.Check(context.Background(), a, []string{b})
	require.False(t, res.IsDuplicate)
}

type fakeEmbedder struct {
	ready  bool
	vector map[string][]float32
	err    error
}

func (f *fakeEmbedder) Ready() bool { return f.ready }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vector[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestDetector_Check_L4SemanticSkippedWhenEmbedderNotReady(t *testing.T) {
	embedder := &fakeEmbedder{ready: false}
	d := newTestDetector(embedder)
	a := strings.Repeat("unique wording that shares nothing lexical ", 2)
	b := strings.Repeat("entirely separate phrasing about other matters ", 2)
	res := d.Check(context.Background(), a, []string{b})
	require.False(t, res.IsDuplicate)
}

func TestDetector_Check_L4SemanticMatch(t *testing.T) {
	a := strings.Repeat("lexically distinct phrasing about weather patterns today ", 2)
	b := strings.Repeat("totally different words describing atmospheric conditions now ", 2)
	embedder := &fakeEmbedder{
		ready: true,
		vector: map[string][]float32{
			a: {1, 0, 0},
			b: {1, 0, 0},
		},
	}
	d := newTestDetector(embedder)
	res := d.Check(context.Background(), a, []string{b})
	require.True(t, res.IsDuplicate)
	require.Equal(t, "L4_semantic", res.Layer)
}

func TestDetector_Check_L4EmbedErrorDegradesToUnique(t *testing.T) {
	embedder := &fakeEmbedder{ready: true, err: errors.New("embedding backend down")}
	d := newTestDetector(embedder)
	a := strings.Repeat("lexically distinct phrasing about weather patterns today ", 2)
	b := strings.Repeat("totally different words describing atmospheric conditions now ", 2)
	res := d.Check(context.Background(), a, []string{b})
	require.False(t, res.IsDuplicate)
}
