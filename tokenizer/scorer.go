package tokenizer

import "sort"

// ColumnHit is one matched word within one column of one candidate row,
// carrying everything the scorer in spec §4.2 needs.
type ColumnHit struct {
	Word      string
	Positions []int
	DocLen    int
	Boost     float64
	Fuzzy     bool
	Distance  int // levenshtein(term, matched), only meaningful when Fuzzy
}

// RowMatch is every search hit across every searched column for one
// candidate row's pk.
type RowMatch struct {
	PK      interface{}
	Columns map[string][]ColumnHit // column -> hits
}

// Locations is the SELECT result adornment named in spec §6:
// "_locations: {col: [{word, loc:[int]}]}".
type Locations map[string][]WordLocation

type WordLocation struct {
	Word string
	Loc  []int
}

// Score implements spec §4.2's relevance formula:
//
//	sum over matched columns of (hit_positions / docLen) + column_boost
//	+ 1 per distinct matched token
//	fuzzy mode additionally adds 10/(distance·10) per co-locating pair of
//	  hits and 10/(5·levenshtein(term, matched))
//
// The co-locating pair bonus is computed over the sorted positions of every
// hit in the row, so it applies only when the row has more than one matched
// position.
func Score(match RowMatch, fuzzy bool) float64 {
	var score float64
	distinct := map[string]bool{}

	var allPositions []int
	for _, hits := range match.Columns {
		for _, h := range hits {
			if h.DocLen > 0 {
				score += float64(len(h.Positions)) / float64(h.DocLen)
			}
			score += h.Boost
			distinct[h.Word] = true
			allPositions = append(allPositions, h.Positions...)

			if fuzzy && h.Fuzzy && h.Distance > 0 {
				score += 10.0 / (5.0 * float64(h.Distance))
			}
		}
	}
	score += float64(len(distinct))

	if fuzzy && len(allPositions) > 1 {
		sort.Ints(allPositions)
		for i := 1; i < len(allPositions); i++ {
			d := allPositions[i] - allPositions[i-1]
			if d == 0 {
				continue
			}
			score += 10.0 / (float64(d) * 10.0)
		}
	}

	return score
}

// Contiguous checks the exact multi-term mode requirement (spec §4.2):
// the query's token sequence positions must appear contiguously among the
// matched positions of the column, in order.
func Contiguous(termCount int, positions []int) bool {
	if termCount <= 1 {
		return len(positions) > 0
	}
	sorted := append([]int(nil), positions...)
	sort.Ints(sorted)
	for i := 0; i+termCount <= len(sorted); i++ {
		ok := true
		for j := 1; j < termCount; j++ {
			if sorted[i+j] != sorted[i]+j {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Normalize scales every match's score to the set's maximum, per spec
// §4.2's "After scoring, normalize weights to the maximum."
func Normalize(scores map[interface{}]float64) map[interface{}]float64 {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	out := make(map[interface{}]float64, len(scores))
	if max == 0 {
		for pk := range scores {
			out[pk] = 0
		}
		return out
	}
	for pk, s := range scores {
		out[pk] = s / max
	}
	return out
}

// ThresholdOp is the comparator form of a search(...) leaf's operator
// (spec §4.2's "Threshold semantics").
type ThresholdOp string

const (
	ThresholdExact  ThresholdOp = "="
	ThresholdAbove  ThresholdOp = ">"
	ThresholdBelow  ThresholdOp = "<"
)

// Keep applies the threshold semantics of spec §4.2: "=" means exact mode
// (no fuzzy, caller should not have scored fuzzily); ">X" keeps score > X;
// "<X" keeps score < |X|.
func Keep(op ThresholdOp, x, score float64) bool {
	switch op {
	case ThresholdExact:
		return true
	case ThresholdAbove:
		return score > x
	case ThresholdBelow:
		if x < 0 {
			x = -x
		}
		return score < x
	default:
		return true
	}
}
