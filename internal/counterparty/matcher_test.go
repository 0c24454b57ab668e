package counterparty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotFixture() *Snapshot {
	counterparties := []Counterparty{
		{ID: 1, Name: "ABC Trading", Kind: KindSeller, Active: true},
		{ID: 2, Name: "Hanil Metals", Kind: KindBuyer, Active: true},
		{ID: 3, Name: "Dormant Supplies", Kind: KindSeller, Active: false},
	}
	aliases := []Alias{
		{ID: 10, Text: "ABC", CounterpartyID: 1, LastUsedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 11, Text: "Hanil", CounterpartyID: 2, LastUsedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	return NewSnapshot(counterparties, aliases)
}

func TestNormalizeStripsCorporateNoise(t *testing.T) {
	assert.Equal(t, "abc trading", Normalize("  ABC Trading Co., Ltd. "))
	assert.Equal(t, "hanil metals", Normalize("HANIL METALS"))
	assert.Equal(t, "삼진", Normalize("주식회사 삼진"))
	assert.Equal(t, "", Normalize("   "))
}

func TestMatchExactName(t *testing.T) {
	m := NewMatcher(0)
	result := m.Match("abc trading co., ltd.", "", snapshotFixture())
	require.NotNil(t, result.CounterpartyID)
	assert.EqualValues(t, 1, *result.CounterpartyID)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, MethodExact, result.Method)
}

func TestMatchAlias(t *testing.T) {
	m := NewMatcher(0)
	result := m.Match("ABC", "", snapshotFixture())
	require.NotNil(t, result.CounterpartyID)
	assert.EqualValues(t, 1, *result.CounterpartyID)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, MethodAlias, result.Method)
}

func TestMatchFuzzyAboveThreshold(t *testing.T) {
	m := NewMatcher(0.6)
	result := m.Match("ABC Tradng", "", snapshotFixture())
	require.NotNil(t, result.CounterpartyID)
	assert.EqualValues(t, 1, *result.CounterpartyID)
	assert.Equal(t, MethodFuzzy, result.Method)
	assert.GreaterOrEqual(t, result.Confidence, 0.6)
	assert.Less(t, result.Confidence, 1.0)
}

func TestMatchBelowThresholdReturnsBestScore(t *testing.T) {
	m := NewMatcher(0.6)
	result := m.Match("Unknown Vendor X", "", snapshotFixture())
	assert.Nil(t, result.CounterpartyID)
	assert.Equal(t, MethodNone, result.Method)
	assert.Less(t, result.Confidence, 0.6)
}

func TestMatchRespectsScope(t *testing.T) {
	m := NewMatcher(0.6)
	// Hanil Metals is a buyer; a seller-scoped lookup must not resolve it.
	result := m.Match("Hanil Metals", KindSeller, snapshotFixture())
	assert.Nil(t, result.CounterpartyID)

	result = m.Match("Hanil Metals", KindBuyer, snapshotFixture())
	require.NotNil(t, result.CounterpartyID)
	assert.EqualValues(t, 2, *result.CounterpartyID)
}

func TestMatchIgnoresInactive(t *testing.T) {
	m := NewMatcher(0.6)
	result := m.Match("Dormant Supplies", "", snapshotFixture())
	assert.Nil(t, result.CounterpartyID)
}

func TestMatchDeterministic(t *testing.T) {
	m := NewMatcher(0.6)
	snap := snapshotFixture()
	first := m.Match("ABC Tradng Co", "", snap)
	for i := 0; i < 50; i++ {
		again := m.Match("ABC Tradng Co", "", snap)
		require.Equal(t, first, again)
	}
}

func TestMatchTieBreakPrefersRecentAlias(t *testing.T) {
	counterparties := []Counterparty{
		{ID: 5, Name: "Alpha One", Kind: KindBoth, Active: true},
		{ID: 6, Name: "Alpha Two", Kind: KindBoth, Active: true},
	}
	aliases := []Alias{
		{ID: 20, Text: "Alpha Base", CounterpartyID: 5, LastUsedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 21, Text: "Alpha Base", CounterpartyID: 6, LastUsedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	snap := NewSnapshot(counterparties, aliases)
	m := NewMatcher(0.6)

	// Exact alias lookups dedupe on first-seen, so force the fuzzy path.
	result := m.Match("Alpha Bse", "", snap)
	require.NotNil(t, result.CounterpartyID)
	assert.EqualValues(t, 6, *result.CounterpartyID, "more recently used alias wins the tie")
}

func TestSimilarityBounds(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abc trading", "abc trading"))
	assert.Equal(t, 0.0, Similarity("", "abc"))
	score := Similarity("abc trading", "abd trading")
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 1.0)
}
