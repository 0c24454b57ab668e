package counterparty

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
)

// DefaultMatchThreshold is the minimum fuzzy similarity accepted as a match.
const DefaultMatchThreshold = 0.6

// MatchMethod records which matcher stage produced a result.
type MatchMethod string

const (
	MethodExact MatchMethod = "EXACT"
	MethodAlias MatchMethod = "ALIAS"
	MethodFuzzy MatchMethod = "FUZZY"
	MethodNone  MatchMethod = "NONE"
)

// MatchResult resolves a raw name to a counterparty with a confidence score.
// CounterpartyID is nil when the text stayed unmatched; Confidence then holds
// the best score found, possibly zero.
type MatchResult struct {
	CounterpartyID *int64      `json:"counterparty_id"`
	Confidence     float64     `json:"confidence"`
	Method         MatchMethod `json:"method"`
}

// candidate is one fuzzy comparison target: a canonical name or an alias.
type candidate struct {
	counterpartyID int64
	normalized     string
	isAlias        bool
	lastUsedAt     time.Time
}

// Snapshot is an immutable view of counterparties and aliases. The matcher
// only reads from it, so matching the same text against the same snapshot is
// deterministic.
type Snapshot struct {
	byName     map[string][]Counterparty
	byAlias    map[string]aliasTarget
	candidates []candidate
	kinds      map[int64]Kind
}

type aliasTarget struct {
	counterpartyID int64
	kind           Kind
}

// NewSnapshot indexes counterparties and aliases for matching.
func NewSnapshot(counterparties []Counterparty, aliases []Alias) *Snapshot {
	snap := &Snapshot{
		byName:  make(map[string][]Counterparty, len(counterparties)),
		byAlias: make(map[string]aliasTarget, len(aliases)),
	}
	kinds := make(map[int64]Kind, len(counterparties))
	for _, cp := range counterparties {
		if !cp.Active {
			continue
		}
		kinds[cp.ID] = cp.Kind
		key := Normalize(cp.Name)
		if key == "" {
			continue
		}
		snap.byName[key] = append(snap.byName[key], cp)
		snap.candidates = append(snap.candidates, candidate{
			counterpartyID: cp.ID,
			normalized:     key,
		})
	}
	for _, alias := range aliases {
		kind, ok := kinds[alias.CounterpartyID]
		if !ok {
			continue
		}
		key := Normalize(alias.Text)
		if key == "" {
			continue
		}
		if _, exists := snap.byAlias[key]; !exists {
			snap.byAlias[key] = aliasTarget{counterpartyID: alias.CounterpartyID, kind: kind}
		}
		snap.candidates = append(snap.candidates, candidate{
			counterpartyID: alias.CounterpartyID,
			normalized:     key,
			isAlias:        true,
			lastUsedAt:     alias.LastUsedAt,
		})
	}
	snap.kinds = kinds
	return snap
}

// Matcher resolves raw counterparty text. It is read-only: promoting an
// unmatched name into an alias is a separate audited service operation.
type Matcher struct {
	threshold float64
}

// NewMatcher builds a Matcher; a non-positive threshold falls back to the
// default.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMatchThreshold
	}
	return &Matcher{threshold: threshold}
}

// Match runs the staged resolution: exact canonical name, exact alias, fuzzy
// similarity above threshold, otherwise unmatched. First stage to hit wins.
func (m *Matcher) Match(raw string, scope Kind, snap *Snapshot) MatchResult {
	text := Normalize(raw)
	if text == "" || snap == nil {
		return MatchResult{Method: MethodNone}
	}

	for _, cp := range snap.byName[text] {
		if cp.Kind.Includes(scope) {
			id := cp.ID
			return MatchResult{CounterpartyID: &id, Confidence: 1.0, Method: MethodExact}
		}
	}

	if target, ok := snap.byAlias[text]; ok && target.kind.Includes(scope) {
		id := target.counterpartyID
		return MatchResult{CounterpartyID: &id, Confidence: 1.0, Method: MethodAlias}
	}

	best := candidate{}
	bestScore := 0.0
	found := false
	for _, cand := range snap.candidates {
		kind, ok := snap.kinds[cand.counterpartyID]
		if !ok || !kind.Includes(scope) {
			continue
		}
		score := Similarity(text, cand.normalized)
		if score < bestScore {
			continue
		}
		if score > bestScore || !found {
			best, bestScore, found = cand, score, true
			continue
		}
		// Tie: most-recently-used alias wins, then lexical order of id.
		if cand.lastUsedAt.After(best.lastUsedAt) {
			best = cand
			continue
		}
		if cand.lastUsedAt.Equal(best.lastUsedAt) && lessLexicalID(cand.counterpartyID, best.counterpartyID) {
			best = cand
		}
	}
	if found && bestScore >= m.threshold {
		id := best.counterpartyID
		return MatchResult{CounterpartyID: &id, Confidence: bestScore, Method: MethodFuzzy}
	}
	return MatchResult{Confidence: bestScore, Method: MethodNone}
}

// corporate suffix noise stripped during normalization.
var noiseTokens = map[string]struct{}{
	"co": {}, "ltd": {}, "inc": {}, "corp": {}, "corporation": {},
	"company": {}, "llc": {}, "plc": {},
	"주식회사": {}, "주": {}, "유한회사": {},
}

var foldCaser = cases.Fold()

// Normalize trims, case-folds and strips corporate-suffix noise so the same
// trading partner spelled differently still keys identically.
func Normalize(raw string) string {
	folded := foldCaser.String(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	kept := fields[:0]
	for _, field := range fields {
		if _, noisy := noiseTokens[field]; noisy {
			continue
		}
		kept = append(kept, field)
	}
	if len(kept) == 0 {
		// All tokens were noise; fall back to the folded original so "Co Ltd"
		// style names still normalize to something comparable.
		return strings.Join(fields, " ")
	}
	return strings.Join(kept, " ")
}

// Similarity computes the Sørensen–Dice coefficient over character bigrams,
// yielding a deterministic score in [0,1].
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	overlap := 0
	for gram, count := range ba {
		if other, ok := bb[gram]; ok {
			if other < count {
				overlap += other
			} else {
				overlap += count
			}
		}
	}
	totalA := 0
	for _, count := range ba {
		totalA += count
	}
	totalB := 0
	for _, count := range bb {
		totalB += count
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	if len(runes) < 2 {
		if len(runes) == 1 {
			return map[string]int{string(runes): 1}
		}
		return nil
	}
	grams := make(map[string]int, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}

func lessLexicalID(a, b int64) bool {
	return strconv.FormatInt(a, 10) < strconv.FormatInt(b, 10)
}
