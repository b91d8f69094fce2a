package analysis

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const contextRadius = 120

var (
	positiveTerms = []string{
		"best", "great", "excellent", "outstanding", "reliable", "popular", "trusted", "leading",
		"favorite", "favourite", "love", "quality", "innovative", "affordable", "impressive",
		"top-rated", "well-known", "recommended",
	}
	negativeTerms = []string{
		"worst", "bad", "poor", "avoid", "overpriced", "unreliable", "complaint", "complaints",
		"disappointing", "problem", "problems", "issue", "issues", "lawsuit", "recall", "scam",
		"expensive", "outdated", "weak",
	}
	sarcasmMarkers = []string{
		"yeah right", "oh great", "oh sure", "as if", "sure, because", "totally not",
		"what could possibly go wrong", "/s",
	}
	scareQuoted = regexp.MustCompile(`(?i)["“'](best|great|excellent|reliable|innovative|quality)["”']`)

	recommendationTiers = []struct {
		strength float64
		phrases  []string
	}{
		{1.0, []string{"highly recommend", "strongly recommend", "best choice", "top pick", "best option", "go-to", "number one", "#1"}},
		{0.6, []string{"recommend", "good option", "good choice", "solid choice", "great option", "worth considering", "popular choice"}},
		{0.3, []string{"consider", "alternative", "also available", "another option", "option"}},
	}
)

// HeuristicExtractor finds brand mentions with lexical rules. It needs no network and never fails.
type HeuristicExtractor struct {
	wordRe *regexp.Regexp
}

// NewHeuristicExtractor creates the extractor
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{wordRe: regexp.MustCompile(`[\p{L}\p{N}'-]+|/s`)}
}

// Extract returns one mention per distinct brand, target first. Rank is the order of first
// appearance among the brands that appear.
func (h *HeuristicExtractor) Extract(response, brand string, competitors []string) []Mention {
	brands := distinctBrands(brand, competitors)
	mentions := make([]Mention, len(brands))
	type hit struct {
		idx int
		pos int
	}
	var hits []hit

	for i, b := range brands {
		m := Mention{Brand: b, IsTarget: i == 0 && strings.TrimSpace(brand) != "", Degraded: true}
		if start, end, ok := findBrand(response, b); ok {
			ctxText := excerpt(response, start, end, contextRadius)
			m.Mentioned = true
			m.Context = ctxText
			m.Sentiment = h.sentiment(ctxText)
			m.IsSarcastic = isSarcastic(ctxText)
			m.RecommendationStrength = recommendationStrength(ctxText)
			if m.IsSarcastic && m.Sentiment > 0 {
				m.Sentiment = -m.Sentiment
			}
			hits = append(hits, hit{idx: i, pos: start})
		}
		mentions[i] = m
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].pos < hits[b].pos })
	for rank, ht := range hits {
		r := rank + 1
		mentions[ht.idx].RankPosition = &r
	}
	return mentions
}

func distinctBrands(brand string, competitors []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range append([]string{brand}, competitors...) {
		b = strings.TrimSpace(b)
		key := strings.ToLower(b)
		if b == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}

// findBrand locates the first whole-word, case-insensitive occurrence of brand
func findBrand(text, brand string) (int, int, bool) {
	re, err := regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}])(` + regexp.QuoteMeta(brand) + `)(?:$|[^\p{L}\p{N}])`)
	if err != nil {
		return 0, 0, false
	}
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return 0, 0, false
	}
	return loc[2], loc[3], true
}

// excerpt returns text within radius bytes of [start,end), widened to rune boundaries
func excerpt(text string, start, end, radius int) string {
	from := start - radius
	if from < 0 {
		from = 0
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	to := end + radius
	if to > len(text) {
		to = len(text)
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	out := strings.TrimSpace(text[from:to])
	if from > 0 {
		out = "..." + out
	}
	if to < len(text) {
		out += "..."
	}
	return out
}

// sentiment is (pos-neg)/(pos+neg) over lexicon hits, 0 when none
func (h *HeuristicExtractor) sentiment(text string) float64 {
	var pos, neg int
	for _, w := range h.wordRe.FindAllString(strings.ToLower(text), -1) {
		for _, t := range positiveTerms {
			if w == t {
				pos++
			}
		}
		for _, t := range negativeTerms {
			if w == t {
				neg++
			}
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func isSarcastic(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range sarcasmMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return scareQuoted.MatchString(text)
}

func recommendationStrength(text string) float64 {
	lower := strings.ToLower(text)
	for _, tier := range recommendationTiers {
		for _, p := range tier.phrases {
			if strings.Contains(lower, p) {
				return tier.strength
			}
		}
	}
	return 0
}
