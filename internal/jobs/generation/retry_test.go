package generation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
)

func TestEscalate_FirstAttemptUsesBaseValuesUnchanged(t *testing.T) {
	base := domain.EffectivePersonality{Temperature: 0.7, FrequencyPenalty: 0.1}
	p := escalate(1, base)
	require.Equal(t, 0.7, p.temperature)
	require.Equal(t, 0.1, p.frequencyPenalty)
	require.Equal(t, 0.0, p.historyDropFrac)
}

func TestEscalate_IsMonotoneAcrossAttempts(t *testing.T) {
	base := domain.EffectivePersonality{Temperature: 0.5, FrequencyPenalty: 0.0}
	prev := escalate(1, base)
	for attempt := 2; attempt <= 5; attempt++ {
		cur := escalate(attempt, base)
		require.GreaterOrEqual(t, cur.temperature, prev.temperature, "attempt %d", attempt)
		require.GreaterOrEqual(t, cur.frequencyPenalty, prev.frequencyPenalty, "attempt %d", attempt)
		require.GreaterOrEqual(t, cur.historyDropFrac, prev.historyDropFrac, "attempt %d", attempt)
		prev = cur
	}
}

func TestEscalate_ClampsTemperatureAndFrequencyPenalty(t *testing.T) {
	base := domain.EffectivePersonality{Temperature: 1.9, FrequencyPenalty: 1.9}
	p := escalate(20, base)
	require.LessOrEqual(t, p.temperature, 2.0)
	require.LessOrEqual(t, p.frequencyPenalty, 2.0)
}

func TestEscalate_HistoryDropFracCapsAtHalf(t *testing.T) {
	base := domain.EffectivePersonality{}
	p := escalate(50, base)
	require.Equal(t, 0.5, p.historyDropFrac)
}

func TestDropOldest_NeverDropsEverything(t *testing.T) {
	history := make([]domain.RawHistoryEntry, 10)
	for i := range history {
		history[i] = domain.RawHistoryEntry{Content: string(rune('a' + i))}
	}

	out := dropOldest(history, 1.0)
	require.NotEmpty(t, out)
	require.Equal(t, history[len(history)-1].Content, out[len(out)-1].Content)
}

func TestDropOldest_ZeroFracIsNoop(t *testing.T) {
	history := []domain.RawHistoryEntry{{Content: "a"}, {Content: "b"}}
	out := dropOldest(history, 0)
	require.Equal(t, history, out)
}

func TestDropOldest_SingleEntryNeverDropped(t *testing.T) {
	history := []domain.RawHistoryEntry{{Content: "only"}}
	out := dropOldest(history, 0.9)
	require.Equal(t, history, out)
}

func TestRecentAssistantMessages_MostRecentFirstCappedAtFive(t *testing.T) {
	var history []domain.RawHistoryEntry
	for i := 0; i < 8; i++ {
		history = append(history, domain.RawHistoryEntry{Role: "assistant", Content: string(rune('a' + i))})
	}
	history = append(history, domain.RawHistoryEntry{Role: "user", Content: "ignored"})

	got := recentAssistantMessages(history)
	require.Len(t, got, 5)
	require.Equal(t, "h", got[0])
	require.Equal(t, "d", got[4])
}

func TestRecentAssistantMessages_RoleMatchIsCaseInsensitive(t *testing.T) {
	history := []domain.RawHistoryEntry{{Role: "Assistant", Content: "hi"}}
	got := recentAssistantMessages(history)
	require.Equal(t, []string{"hi"}, got)
}

func TestAllocateByChannel_ReservesAtLeastOneSlotAtLimitOne(t *testing.T) {
	matches := []vectormem.Match{
		{Text: "persona-wide memory"},
		{Text: "channel memory", Metadata: map[string]any{"channelId": "c1"}},
	}

	// ratio 0.5 with limit 1 floors to zero slots; the allocation must
	// still reserve one for the channel match even though it ranks below
	// the persona-wide one.
	got := allocateByChannel(matches, "c1", 1, 0.5)
	require.Equal(t, []string{"channel memory"}, got)
}

func TestAllocateByChannel_ZeroRatioTakesTopRanked(t *testing.T) {
	matches := []vectormem.Match{
		{Text: "persona-wide memory"},
		{Text: "channel memory", Metadata: map[string]any{"channelId": "c1"}},
	}

	got := allocateByChannel(matches, "c1", 1, 0)
	require.Equal(t, []string{"persona-wide memory"}, got)
}

func TestAllocateByChannel_BackfillNeverRepeatsAChannelMatch(t *testing.T) {
	matches := []vectormem.Match{
		{Text: "channel memory", Metadata: map[string]any{"channelId": "c1"}},
		{Text: "persona-wide memory"},
	}

	got := allocateByChannel(matches, "c1", 2, 0.5)
	require.Equal(t, []string{"channel memory", "persona-wide memory"}, got)
}

func TestAllocateByChannel_NoChannelMatchesBackfillsFromRankedList(t *testing.T) {
	matches := []vectormem.Match{
		{Text: "first"},
		{Text: "second"},
		{Text: "third"},
	}

	got := allocateByChannel(matches, "c1", 2, 0.5)
	require.Equal(t, []string{"first", "second"}, got)
}

func TestBuildMessages_AppendsUserMessageLast(t *testing.T) {
	history := []domain.RawHistoryEntry{{Role: "user", Content: "earlier"}}
	out := buildMessages(history, "latest")
	require.Len(t, out, 2)
	require.Equal(t, "latest", out[1].Content)
	require.Equal(t, "user", out[1].Role)
}
