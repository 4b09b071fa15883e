package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeepCloneHistory_IndependentSlices(t *testing.T) {
	ts := time.Now()
	original := []RawHistoryEntry{
		{
			Role:      "user",
			Content:   "hello",
			Timestamp: &ts,
			Metadata: HistoryEntryMetadata{
				ReferencedMessages: []ProcessedAttachment{{Description: "ref-1"}},
				ImageDescriptions:  []ProcessedAttachment{{Description: "img-1"}},
			},
		},
	}

	cloned := DeepCloneHistory(original)
	require.Len(t, cloned, 1)
	require.Equal(t, original[0].Content, cloned[0].Content)

	// Mutating the clone's nested slices must not be visible on the
	// original — this is the whole point of per-attempt history isolation.
	cloned[0].Metadata.ReferencedMessages[0].Description = "mutated"
	cloned[0].Metadata.ImageDescriptions = append(cloned[0].Metadata.ImageDescriptions, ProcessedAttachment{Description: "new"})

	require.Equal(t, "ref-1", original[0].Metadata.ReferencedMessages[0].Description)
	require.Len(t, original[0].Metadata.ImageDescriptions, 1)
}

func TestDeepCloneHistory_EmptyInput(t *testing.T) {
	out := DeepCloneHistory(nil)
	require.NotNil(t, out)
	require.Len(t, out, 0)
}

func TestGenerationContext_Clone_IsShallowAndIndependentStruct(t *testing.T) {
	ctx := &GenerationContext{Job: &Job{RequestID: "req-1"}}
	clone := ctx.Clone()

	require.NotSame(t, ctx, clone)
	require.Same(t, ctx.Job, clone.Job)

	clone.Config = &ResolvedConfig{ConfigSource: ConfigSourceUserDefault}
	require.Nil(t, ctx.Config, "setting a field on the clone must not affect the original context")
}
