package tokenizer

import "testing"

func TestScoreSumsBoostAndDistinctTerms(t *testing.T) {
	match := RowMatch{
		PK: 1,
		Columns: map[string][]ColumnHit{
			"title": {{Word: "go", Positions: []int{0}, DocLen: 4, Boost: 2}},
			"body":  {{Word: "query", Positions: []int{1, 3}, DocLen: 10, Boost: 1}},
		},
	}
	got := Score(match, false)
	// title: 1/4 + 2 = 2.25; body: 2/10 + 1 = 1.2; + 2 distinct words = 2
	want := 0.25 + 2 + 0.2 + 1 + 2
	if got != want {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreFuzzyAddsDistanceBonus(t *testing.T) {
	match := RowMatch{
		PK: 1,
		Columns: map[string][]ColumnHit{
			"title": {{Word: "golang", Positions: []int{0}, DocLen: 1, Fuzzy: true, Distance: 2}},
		},
	}
	fuzzyScore := Score(match, true)
	exactScore := Score(match, false)
	if fuzzyScore <= exactScore {
		t.Fatalf("expected fuzzy scoring to add a distance bonus: fuzzy=%v exact=%v", fuzzyScore, exactScore)
	}
}

func TestContiguousSingleTerm(t *testing.T) {
	if !Contiguous(1, []int{5}) {
		t.Fatalf("expected a single term with any hit to be contiguous")
	}
	if Contiguous(1, nil) {
		t.Fatalf("expected no hits to not be contiguous")
	}
}

func TestContiguousMultiTerm(t *testing.T) {
	if !Contiguous(2, []int{3, 4}) {
		t.Fatalf("expected adjacent positions to be contiguous for a 2-term query")
	}
	if Contiguous(2, []int{3, 5}) {
		t.Fatalf("expected a gap to not be contiguous")
	}
	if !Contiguous(3, []int{7, 1, 2, 0}) {
		t.Fatalf("expected unsorted positions containing a run of 3 to be detected as contiguous")
	}
}

func TestNormalizeScalesToMax(t *testing.T) {
	scores := map[interface{}]float64{1: 4, 2: 2, 3: 8}
	got := Normalize(scores)
	if got[3] != 1 {
		t.Errorf("expected the max score to normalize to 1, got %v", got[3])
	}
	if got[1] != 0.5 {
		t.Errorf("expected 4/8 to normalize to 0.5, got %v", got[1])
	}
	if got[2] != 0.25 {
		t.Errorf("expected 2/8 to normalize to 0.25, got %v", got[2])
	}
}

func TestNormalizeAllZero(t *testing.T) {
	scores := map[interface{}]float64{1: 0, 2: 0}
	got := Normalize(scores)
	for pk, v := range got {
		if v != 0 {
			t.Errorf("expected zero score for pk %v to stay zero, got %v", pk, v)
		}
	}
}

func TestKeepThresholdSemantics(t *testing.T) {
	if !Keep(ThresholdExact, 0, 0.1) {
		t.Errorf("expected exact mode to always keep")
	}
	if !Keep(ThresholdAbove, 0.5, 0.9) {
		t.Errorf("expected 0.9 > 0.5 to be kept")
	}
	if Keep(ThresholdAbove, 0.5, 0.3) {
		t.Errorf("expected 0.3 > 0.5 to be dropped")
	}
	if !Keep(ThresholdBelow, -0.5, 0.3) {
		t.Errorf("expected 0.3 < |−0.5| to be kept")
	}
	if Keep(ThresholdBelow, -0.2, 0.3) {
		t.Errorf("expected 0.3 < |−0.2| to be dropped")
	}
}
