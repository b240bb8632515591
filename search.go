package qcore

import (
	"context"

	"github.com/rowforge/qcore/internal/predicate"
	"github.com/rowforge/qcore/storage"
	"github.com/rowforge/qcore/tokenizer"
)

// searchIndexEntry mirrors spec §3's search index record row shape stored
// under a word key in _<T>_search_<col> / _<T>_search_fuzzy_<col>.
type searchIndexEntry struct {
	Word string
	Rows []searchIndexRowRef
}

type searchIndexRowRef struct {
	PK        interface{}
	DocLen    int
	Positions []int
}

func decodeSearchEntry(row storage.Row) searchIndexEntry {
	entry := searchIndexEntry{}
	if w, ok := row["word"].(string); ok {
		entry.Word = w
	}
	rawRows, _ := row["rows"].([]interface{})
	for _, r := range rawRows {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		ref := searchIndexRowRef{PK: m["pk"]}
		if dl, ok := m["docLen"].(float64); ok {
			ref.DocLen = int(dl)
		}
		if positions, ok := m["positions"].([]interface{}); ok {
			for _, p := range positions {
				if pf, ok := p.(float64); ok {
					ref.Positions = append(ref.Positions, int(pf))
				}
			}
		}
		entry.Rows = append(entry.Rows, ref)
	}
	return entry
}

func encodeSearchEntry(entry searchIndexEntry) storage.Row {
	rows := make([]interface{}, 0, len(entry.Rows))
	for _, r := range entry.Rows {
		positions := make([]interface{}, len(r.Positions))
		for i, p := range r.Positions {
			positions[i] = float64(p)
		}
		rows = append(rows, map[string]interface{}{
			"pk":        r.PK,
			"docLen":    float64(r.DocLen),
			"positions": positions,
		})
	}
	return storage.Row{"word": entry.Word, "rows": rows}
}

// searchLookup implements spec §4.4.1's search(cols) op value fast-leaf
// execution: for each column, tokenize the query; for each normalized
// term, read the exact-index record; in fuzzy mode also enumerate the
// column's word index and pick fuzzy matches; accumulate per-pk hits;
// score (tokenizer.Score); filter by threshold; return matched pks plus
// diagnostic weight/location info for the SELECT adornments (spec §6).
func (db *Database) searchLookup(ctx context.Context, desc *TableDescriptor, cols []string, op string, value interface{}) (map[interface{}]bool, map[interface{}]float64, map[interface{}]tokenizer.Locations, error) {
	term, _ := value.(string)
	fuzzyMode := op != predicate.OpEq

	matches := map[interface{}]*tokenizer.RowMatch{}

	for _, col := range cols {
		cfg, ok := desc.Search[col]
		if !ok {
			continue
		}
		queryTokens := db.tokenizer.Tokenize(col, term, tokenizer.Mode(cfg.Mode))

		hitsByPK := map[interface{}][]tokenizer.ColumnHit{}

		for _, tok := range queryTokens {
			if err := db.accumulateExact(ctx, desc.Name, col, cfg, tok.Normalized, hitsByPK); err != nil {
				return nil, nil, nil, err
			}
			if fuzzyMode {
				// The fuzzy index is keyed by original spelling
				// (indexwriter.go's updateSearchIndex), so the Levenshtein
				// comparison must run against tok.Original, not the
				// mode-normalized (stemmed/metaphone) form.
				if err := db.accumulateFuzzy(ctx, desc.Name, col, cfg, tok.Original, hitsByPK); err != nil {
					return nil, nil, nil, err
				}
			}
		}

		for pk, hits := range hitsByPK {
			m, ok := matches[pk]
			if !ok {
				m = &tokenizer.RowMatch{PK: pk, Columns: map[string][]tokenizer.ColumnHit{}}
				matches[pk] = m
			}
			m.Columns[col] = hits

			if !fuzzyMode {
				var positions []int
				for _, h := range hits {
					positions = append(positions, h.Positions...)
				}
				if !tokenizer.Contiguous(len(queryTokens), positions) {
					delete(matches, pk)
				}
			}
		}
	}

	scores := map[interface{}]float64{}
	for pk, m := range matches {
		scores[pk] = tokenizer.Score(*m, fuzzyMode)
	}
	normalized := tokenizer.Normalize(scores)

	threshold := thresholdOp(op)
	x, _ := toFloatValue(value)
	if !fuzzyMode {
		x = 0
	}

	keep := map[interface{}]bool{}
	weights := map[interface{}]float64{}
	locations := map[interface{}]tokenizer.Locations{}
	for pk, score := range normalized {
		if !tokenizer.Keep(threshold, x, score) {
			continue
		}
		keep[pk] = true
		weights[pk] = score
		loc := tokenizer.Locations{}
		for col, hits := range matches[pk].Columns {
			for _, h := range hits {
				loc[col] = append(loc[col], tokenizer.WordLocation{Word: h.Word, Loc: h.Positions})
			}
		}
		locations[pk] = loc
	}

	return keep, weights, locations, nil
}

func thresholdOp(op string) tokenizer.ThresholdOp {
	switch op {
	case predicate.OpEq:
		return tokenizer.ThresholdExact
	case predicate.OpGt:
		return tokenizer.ThresholdAbove
	case predicate.OpLt:
		return tokenizer.ThresholdBelow
	default:
		return tokenizer.ThresholdExact
	}
}

func toFloatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (db *Database) accumulateExact(ctx context.Context, table, col string, cfg SearchFieldConfig, normalized string, out map[interface{}][]tokenizer.ColumnHit) error {
	row, found, err := db.adapter.Read(ctx, searchTable(table, col), normalized)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	entry := decodeSearchEntry(row)
	for _, ref := range entry.Rows {
		out[ref.PK] = append(out[ref.PK], tokenizer.ColumnHit{
			Word:      entry.Word,
			Positions: ref.Positions,
			DocLen:    ref.DocLen,
			Boost:     cfg.Boost,
		})
	}
	return nil
}

func (db *Database) accumulateFuzzy(ctx context.Context, table, col string, cfg SearchFieldConfig, normalized string, out map[interface{}][]tokenizer.ColumnHit) error {
	words, _, err := db.adapter.GetIndex(ctx, searchFuzzyTable(table, col), false)
	if err != nil {
		return err
	}
	for _, w := range words {
		word, ok := w.(string)
		if !ok {
			continue
		}
		matcher := db.tokenizer
		ok2, dist := matcher.FuzzyMatch(normalized, word)
		if !ok2 {
			continue
		}
		row, found, err := db.adapter.Read(ctx, searchFuzzyTable(table, col), word)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		entry := decodeSearchEntry(row)
		for _, ref := range entry.Rows {
			out[ref.PK] = append(out[ref.PK], tokenizer.ColumnHit{
				Word:      entry.Word,
				Positions: ref.Positions,
				DocLen:    ref.DocLen,
				Boost:     cfg.Boost,
				Fuzzy:     true,
				Distance:  dist,
			})
		}
	}
	return nil
}

