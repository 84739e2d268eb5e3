package anchoring

import (
	"math"
	"strings"
	"unicode/utf8"

	"chronicle/annotator/internal/dom"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// contextLength is the number of characters of prefix and suffix recorded
// around a quote.
const contextLength = 32

// QuoteMatcher finds a quote in a text. Offsets are characters. hint is the
// expected start offset, or -1 when unknown.
type QuoteMatcher interface {
	Match(text string, quote TextQuoteSelector, hint int) (start, end int, ok bool)
}

// QuoteFor builds the quote selector for characters [start, end) of text.
func QuoteFor(text string, start, end int) TextQuoteSelector {
	total := dom.RuneLen(text)
	return TextQuoteSelector{
		Exact:  dom.SliceRunes(text, start, end),
		Prefix: dom.SliceRunes(text, max(0, start-contextLength), start),
		Suffix: dom.SliceRunes(text, end, min(total, end+contextLength)),
	}
}

// DiffMatcher matches quotes exactly where possible, choosing among
// repeated occurrences by their surrounding context and distance from the
// hint, and otherwise falls back to approximate matching with
// diff-match-patch.
type DiffMatcher struct {
	// MaxErrorRatio bounds the edit distance of an approximate match as a
	// fraction of the quote length.
	MaxErrorRatio float64
}

func NewDiffMatcher() *DiffMatcher {
	return &DiffMatcher{MaxErrorRatio: 0.25}
}

func (m *DiffMatcher) Match(text string, quote TextQuoteSelector, hint int) (int, int, bool) {
	if quote.Exact == "" {
		return 0, 0, false
	}
	if start, ok := m.exact(text, quote, hint); ok {
		return start, start + dom.RuneLen(quote.Exact), true
	}
	return m.approximate(text, quote, hint)
}

func (m *DiffMatcher) exact(text string, quote TextQuoteSelector, hint int) (int, bool) {
	best, bestScore := -1, math.MinInt
	for from := 0; ; {
		i := strings.Index(text[from:], quote.Exact)
		if i < 0 {
			break
		}
		at := from + i
		start := utf8.RuneCountInString(text[:at])
		score := contextScore(text[:at], text[at+len(quote.Exact):], quote)
		if hint >= 0 {
			// Prefer the nearest occurrence among equally good contexts.
			score = score*1_000_000 - min(abs(start-hint), 999_999)
		}
		if score > bestScore {
			best, bestScore = start, score
		}
		_, size := utf8.DecodeRuneInString(text[at:])
		from = at + size
	}
	return best, best >= 0
}

// contextScore counts characters of prefix and suffix that agree with the
// text around a candidate.
func contextScore(before, after string, quote TextQuoteSelector) int {
	score := 0
	p, b := []rune(quote.Prefix), []rune(before)
	for i := 1; i <= len(p) && i <= len(b) && p[len(p)-i] == b[len(b)-i]; i++ {
		score++
	}
	s, a := []rune(quote.Suffix), []rune(after)
	for i := 0; i < len(s) && i < len(a) && s[i] == a[i]; i++ {
		score++
	}
	return score
}

func (m *DiffMatcher) approximate(text string, quote TextQuoteSelector, hint int) (int, int, bool) {
	dmp := diffmatchpatch.New()
	dmp.MatchDistance = max(1000, len(text))

	loc := 0
	if hint >= 0 {
		loc = dom.ByteOffset(text, hint)
	}
	head := clip(quote.Exact, dmp.MatchMaxBits, false)
	tail := clip(quote.Exact, dmp.MatchMaxBits, true)

	startByte := dmp.MatchMain(text, head, loc)
	if startByte < 0 {
		return 0, 0, false
	}
	endByte := startByte + len(head)
	if len(quote.Exact) > len(head) {
		expect := startByte + len(quote.Exact) - len(tail)
		tailByte := dmp.MatchMain(text, tail, min(expect, len(text)))
		if tailByte < startByte {
			return 0, 0, false
		}
		endByte = tailByte + len(tail)
	}
	startByte = runeStart(text, startByte)
	endByte = min(runeStart(text, endByte), len(text))

	candidate := text[startByte:endByte]
	distance := dmp.DiffLevenshtein(dmp.DiffMain(candidate, quote.Exact, false))
	if float64(distance) > m.MaxErrorRatio*float64(dom.RuneLen(quote.Exact)) {
		return 0, 0, false
	}
	start := utf8.RuneCountInString(text[:startByte])
	return start, start + utf8.RuneCountInString(candidate), true
}

// clip returns at most n bytes from the start (or end) of s, cut on a
// character boundary.
func clip(s string, n int, fromEnd bool) string {
	if len(s) <= n {
		return s
	}
	if fromEnd {
		i := len(s) - n
		for i < len(s) && !utf8.RuneStart(s[i]) {
			i++
		}
		return s[i:]
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

func runeStart(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
