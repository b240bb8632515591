// Package tokenizer implements the text-to-token pipeline and relevance
// scorer the full-text search components run against (spec §4.2, C2). It
// has no third-party dependency: spec §1 places stemming/metaphone/
// fuzzy-match primitive libraries out of scope ("consumed via interfaces"),
// and no such library appears anywhere in the retrieved example pack — see
// DESIGN.md for the negative grep result. Stemmer/Metaphoner/FuzzyMatcher
// are interfaces precisely so a caller can plug one in without qcore
// depending on it.
package tokenizer

import (
	"strings"
	"unicode"
)

// Token is one normalized word and its position in the source text.
type Token struct {
	Original   string
	Normalized string
	Position   int
}

// Mode selects which normalization stage(s) run after the base pipeline
// (spec §4.2).
type Mode string

const (
	Raw         Mode = "raw"
	English     Mode = "english"
	EnglishStem Mode = "english-stem"
	EnglishMeta Mode = "english-meta"
)

// Stemmer reduces a word to its stem (e.g. Porter stemming).
type Stemmer interface {
	Stem(word string) string
}

// Metaphoner computes a phonetic key for a word.
type Metaphoner interface {
	Metaphone(word string) string
}

// FuzzyMatcher decides whether two normalized words are "close enough", and
// reports the edit distance used for scoring (spec §4.2's
// "10/(5·levenshtein(term, matched))" term).
type FuzzyMatcher interface {
	Match(a, b string) (ok bool, distance int)
}

// Preempt is the "a user-provided tokenizer may preempt the pipeline"
// escape hatch (spec §4.2): if it returns ok=false, the default pipeline
// below runs instead.
type Preempt func(column, text string) (tokens []Token, ok bool)

// Pipeline bundles the pluggable pieces behind the normalization pipeline.
// A zero-value Pipeline works: every field defaults to the naive
// implementation below.
type Pipeline struct {
	Stemmer    Stemmer
	Metaphoner Metaphoner
	Fuzzy      FuzzyMatcher
	Preempt    Preempt
}

func (p *Pipeline) stemmer() Stemmer {
	if p.Stemmer != nil {
		return p.Stemmer
	}
	return naiveStemmer{}
}

func (p *Pipeline) metaphoner() Metaphoner {
	if p.Metaphoner != nil {
		return p.Metaphoner
	}
	return naiveMetaphoner{}
}

func (p *Pipeline) fuzzy() FuzzyMatcher {
	if p.Fuzzy != nil {
		return p.Fuzzy
	}
	return levenshteinMatcher{maxDistance: 2}
}

// FuzzyMatch exposes the pipeline's configured (or default) FuzzyMatcher.
func (p *Pipeline) FuzzyMatch(a, b string) (bool, int) {
	return p.fuzzy().Match(a, b)
}

// Tokenize runs the base pipeline (lowercase, strip punctuation/tabs/
// newlines, collapse whitespace, split on space) then applies mode-specific
// normalization (spec §4.2).
func (p *Pipeline) Tokenize(column, text string, mode Mode) []Token {
	if p.Preempt != nil {
		if tokens, ok := p.Preempt(column, text); ok {
			return tokens
		}
	}

	words := split(strip(strings.ToLower(text)))
	tokens := make([]Token, 0, len(words))
	for i, w := range words {
		if w == "" {
			continue
		}
		tokens = append(tokens, Token{
			Original:   w,
			Normalized: p.normalize(w, mode),
			Position:   i,
		})
	}
	return tokens
}

func (p *Pipeline) normalize(word string, mode Mode) string {
	switch mode {
	case Raw, "":
		return word
	case EnglishStem:
		return p.stemmer().Stem(word)
	case EnglishMeta:
		return p.metaphoner().Metaphone(word)
	case English:
		return p.metaphoner().Metaphone(p.stemmer().Stem(word))
	default:
		return word
	}
}

// strip removes punctuation, tabs and newlines, collapsing the result's
// whitespace runs to single spaces.
func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		case unicode.IsPunct(r):
			// drop entirely, do not introduce a space
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

// naiveStemmer strips a small set of common English suffixes. It is not a
// Porter stemmer; it exists only so English mode does something sensible
// with no external dependency.
type naiveStemmer struct{}

func (naiveStemmer) Stem(word string) string {
	suffixes := []string{"ing", "edly", "ed", "ly", "es", "s"}
	for _, suf := range suffixes {
		if len(word) > len(suf)+2 && strings.HasSuffix(word, suf) {
			return word[:len(word)-len(suf)]
		}
	}
	return word
}

// naiveMetaphoner collapses vowels and common doubled consonants; a stand-in
// phonetic key, not a real Metaphone implementation.
type naiveMetaphoner struct{}

func (naiveMetaphoner) Metaphone(word string) string {
	var b strings.Builder
	var prev rune
	for _, r := range word {
		if isVowel(r) {
			continue
		}
		if r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	if b.Len() == 0 {
		return word
	}
	return b.String()
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	default:
		return false
	}
}

// levenshteinMatcher implements FuzzyMatcher with the classic DP edit
// distance, matching when the distance is within maxDistance.
type levenshteinMatcher struct {
	maxDistance int
}

func (m levenshteinMatcher) Match(a, b string) (bool, int) {
	d := Levenshtein(a, b)
	return d <= m.maxDistance, d
}

// Levenshtein computes the edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = minInt(del, minInt(ins, sub))
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
