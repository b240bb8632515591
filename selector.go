package qcore

import (
	"context"
	"fmt"

	"github.com/rowforge/qcore/internal/predicate"
	"github.com/rowforge/qcore/storage"
	"github.com/rowforge/qcore/tokenizer"
)

// selectSeed implements the Row Selector (C4, spec §4.4): choose and
// execute the cheapest row-fetch strategy for q against desc. Branch 1
// (join present) is handled by the caller (mutator's join stage) — this
// function is only reached with q.Join == nil.
func (db *Database) selectSeed(ctx context.Context, desc *TableDescriptor, q *Query) ([]Row, error) {
	switch {
	case q.Trie != nil:
		return db.triePrefixLookup(ctx, desc, q.Trie)

	case q.Range != nil:
		return db.rangeSelect(ctx, desc, q.Range)

	case q.Where == nil || q.WhereFunc != nil:
		rows, err := db.fullTableScan(ctx, desc.Name)
		if err != nil {
			return nil, err
		}
		if q.WhereFunc != nil {
			rows = filterByFunc(rows, q.WhereFunc)
		}
		return rows, nil

	default:
		return db.whereSelect(ctx, desc, q.Where)
	}
}

func filterByFunc(rows []Row, fn WhereFunc) []Row {
	out := rows[:0:0]
	for i, r := range rows {
		if fn(r, i) {
			out = append(out, r)
		}
	}
	return out
}

// whereSelect implements branches 5-8 of spec §4.4's precedence table.
func (db *Database) whereSelect(ctx context.Context, desc *TableDescriptor, tree predicate.Tree) ([]Row, error) {
	if len(tree) == 1 {
		leaf, ok := tree[0].(*predicate.Leaf)
		if ok && db.fastLeafEligible(desc, leaf) {
			return db.execFastLeaf(ctx, desc, leaf)
		}
		return db.slowScan(ctx, desc, tree)
	}

	allFast, prefixLen := db.fastPrefix(desc, tree)
	if allFast {
		return db.combineFastLeaves(ctx, desc, tree)
	}
	if prefixLen > 0 {
		return db.fastPrefixThenSlow(ctx, desc, tree, prefixLen)
	}
	return db.slowScan(ctx, desc, tree)
}

// fastPrefix reports whether every leaf in tree is fast-path-eligible
// (allFast) and, if not, how many leading leaf/connective elements form an
// eligible "fast leaves AND fast leaves AND ..." prefix (spec §4.4 items
// 6-7). prefixLen is a count of elements in tree, always ending just before
// an "AND" connective. A tree containing any OR connective reports
// (false, 0), since OR forces the slow evaluator across the whole tree per
// predicate.Eval's Open Question 2 resolution.
func (db *Database) fastPrefix(desc *TableDescriptor, tree predicate.Tree) (allFast bool, prefixLen int) {
	for i := 1; i < len(tree); i += 2 {
		if conn, ok := tree[i].(predicate.Connective); !ok || conn == predicate.Or {
			// OR breaks the fast-prefix optimization entirely.
			return false, 0
		}
	}
	fastCount := 0
	for i := 0; i < len(tree); i += 2 {
		leaf, ok := tree[i].(*predicate.Leaf)
		if !ok || !db.fastLeafEligible(desc, leaf) {
			break
		}
		fastCount++
	}
	total := (len(tree) + 1) / 2
	if fastCount == total {
		return true, len(tree)
	}
	if fastCount == 0 {
		return false, 0
	}
	return false, fastCount*2 - 1
}

func (db *Database) fastLeafEligible(desc *TableDescriptor, leaf *predicate.Leaf) bool {
	if leaf.Path == desc.PKColumn {
		return true
	}
	if desc.SecondaryIndexed[leaf.Path] {
		return true
	}
	if _, ok := predicate.IsSearchPath(leaf.Path); ok {
		switch leaf.Op {
		case predicate.OpEq, predicate.OpGt, predicate.OpLt, predicate.OpBetween:
			return true
		}
	}
	return false
}

// execFastLeaf implements spec §4.4.1's fast leaf execution table.
func (db *Database) execFastLeaf(ctx context.Context, desc *TableDescriptor, leaf *predicate.Leaf) ([]Row, error) {
	if cols, ok := predicate.IsSearchPath(leaf.Path); ok {
		pkSet, weights, locations, err := db.searchLookup(ctx, desc, cols, leaf.Op, leaf.Value)
		if err != nil {
			return nil, err
		}
		return db.readSearchRows(ctx, desc, pkSet, weights, locations)
	}

	if leaf.Path == desc.PKColumn {
		return db.execPKLeaf(ctx, desc, leaf)
	}
	return db.execSecondaryLeaf(ctx, desc, leaf)
}

func (db *Database) execPKLeaf(ctx context.Context, desc *TableDescriptor, leaf *predicate.Leaf) ([]Row, error) {
	switch leaf.Op {
	case predicate.OpEq:
		row, found, err := db.adapter.Read(ctx, desc.Name, leaf.Value)
		if err != nil || !found {
			return nil, err
		}
		return []Row{row}, nil
	case predicate.OpIn:
		items, _ := leaf.Value.([]interface{})
		rows, err := db.adapter.BatchRead(ctx, desc.Name, items)
		return rows, err
	case predicate.OpBetween:
		pair, ok := leaf.Value.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("qcore: BETWEEN requires a 2-element value")
		}
		entries, err := db.adapter.RangeRead(ctx, desc.Name, pair[0], pair[1], true)
		if err != nil {
			return nil, err
		}
		return entriesToRows(entries), nil
	default:
		return db.slowScan(ctx, desc, predicate.Tree{leaf})
	}
}

func (db *Database) execSecondaryLeaf(ctx context.Context, desc *TableDescriptor, leaf *predicate.Leaf) ([]Row, error) {
	table := idxTable(desc.Name, leaf.Path)
	switch leaf.Op {
	case predicate.OpEq:
		return db.secondaryIndexRead(ctx, desc, table, leaf.Value)
	case predicate.OpIn:
		items, _ := leaf.Value.([]interface{})
		seen := map[interface{}]bool{}
		var out []Row
		for _, v := range items {
			rows, err := db.secondaryIndexRead(ctx, desc, table, v)
			if err != nil {
				return nil, err
			}
			for _, r := range rows {
				pk := r[desc.PKColumn]
				if !seen[pk] {
					seen[pk] = true
					out = append(out, r)
				}
			}
		}
		return out, nil
	case predicate.OpBetween:
		pair, ok := leaf.Value.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("qcore: BETWEEN requires a 2-element value")
		}
		entries, err := db.adapter.RangeRead(ctx, table, pair[0], pair[1], false)
		if err != nil {
			return nil, err
		}
		var pks []interface{}
		for _, e := range entries {
			pks = append(pks, indexRowPKs(e.Row)...)
		}
		return db.dedupeBatchRead(ctx, desc.Name, pks)
	default:
		return db.slowScan(ctx, desc, predicate.Tree{leaf})
	}
}

func (db *Database) secondaryIndexRead(ctx context.Context, desc *TableDescriptor, table string, key interface{}) ([]Row, error) {
	row, found, err := db.adapter.Read(ctx, table, fmt.Sprintf("%v", key))
	if err != nil || !found {
		return nil, err
	}
	pks := indexRowPKs(row)
	return db.dedupeBatchRead(ctx, desc.Name, pks)
}

func indexRowPKs(row storage.Row) []interface{} {
	items, _ := row["rows"].([]interface{})
	return items
}

func (db *Database) dedupeBatchRead(ctx context.Context, table string, pks []interface{}) ([]Row, error) {
	seen := map[interface{}]bool{}
	unique := make([]interface{}, 0, len(pks))
	for _, pk := range pks {
		if !seen[pk] {
			seen[pk] = true
			unique = append(unique, pk)
		}
	}
	return db.adapter.BatchRead(ctx, table, unique)
}

// combineFastLeaves implements spec §4.4 item 6: run every leaf, combine
// pk-sets per connective (AND = intersect, OR = union), de-duplicated by
// pk preserving first-seen order.
func (db *Database) combineFastLeaves(ctx context.Context, desc *TableDescriptor, tree predicate.Tree) ([]Row, error) {
	var order []interface{}
	sets := map[int]map[interface{}]Row{}

	for i := 0; i < len(tree); i += 2 {
		leaf := tree[i].(*predicate.Leaf)
		rows, err := db.execFastLeaf(ctx, desc, leaf)
		if err != nil {
			return nil, err
		}
		set := map[interface{}]Row{}
		for _, r := range rows {
			pk := r[desc.PKColumn]
			set[pk] = r
			order = append(order, pk)
		}
		sets[i] = set
	}

	acc := sets[0]
	for i := 1; i < len(tree); i += 2 {
		conn := tree[i].(predicate.Connective)
		next := sets[i+1]
		if conn == predicate.And {
			merged := map[interface{}]Row{}
			for pk, row := range acc {
				if _, ok := next[pk]; ok {
					merged[pk] = row
				}
			}
			acc = merged
		} else {
			merged := map[interface{}]Row{}
			for pk, row := range acc {
				merged[pk] = row
			}
			for pk, row := range next {
				merged[pk] = row
			}
			acc = merged
		}
	}

	return dedupeOrdered(order, acc), nil
}

func dedupeOrdered(order []interface{}, set map[interface{}]Row) []Row {
	seen := map[interface{}]bool{}
	out := make([]Row, 0, len(set))
	for _, pk := range order {
		if seen[pk] {
			continue
		}
		seen[pk] = true
		if row, ok := set[pk]; ok {
			out = append(out, row)
		}
	}
	return out
}

// fastPrefixThenSlow implements spec §4.4 item 7: fast-path on the leading
// eligible-leaf-AND-chain, then evaluate the remainder with the evaluator.
func (db *Database) fastPrefixThenSlow(ctx context.Context, desc *TableDescriptor, tree predicate.Tree, prefixLen int) ([]Row, error) {
	prefix := tree[:prefixLen]
	rest := tree[prefixLen:]
	// rest begins with the connective that followed the fast prefix; if it
	// is "AND", the remainder is evaluated against the fast prefix's
	// result subset. An "OR" cannot appear here because fastPrefix never
	// returns a positive prefixLen for a tree containing an OR (it degrades
	// to allFast=false, prefixLen=0 in that case).
	rows, err := db.combineFastLeaves(ctx, desc, prefix)
	if err != nil {
		return nil, err
	}
	if len(rest) <= 1 {
		return rows, nil
	}
	remainder := rest[1:]

	out := rows[:0:0]
	for _, r := range rows {
		ok, err := predicate.Eval(remainder, r, &predicate.Context{PK: r[desc.PKColumn]})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// slowScan implements spec §4.4 item 8: full table scan, with any
// search(...) leaves pre-executed and merged by pk into a side cache that
// the evaluator consults via predicate.Context.Search.
func (db *Database) slowScan(ctx context.Context, desc *TableDescriptor, tree predicate.Tree) ([]Row, error) {
	rows, err := db.fullTableScan(ctx, desc.Name)
	if err != nil {
		return nil, err
	}

	searchSets, err := db.precomputeSearchSets(ctx, desc, tree)
	if err != nil {
		return nil, err
	}

	out := rows[:0:0]
	for _, r := range rows {
		evalCtx := &predicate.Context{PK: r[desc.PKColumn], Search: searchSets}
		ok, err := predicate.Eval(tree, r, evalCtx)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (db *Database) precomputeSearchSets(ctx context.Context, desc *TableDescriptor, tree predicate.Tree) (predicate.SearchSets, error) {
	sets := predicate.SearchSets{}
	for i := 0; i < len(tree); i += 2 {
		leaf, ok := tree[i].(*predicate.Leaf)
		if !ok {
			continue
		}
		cols, ok := predicate.IsSearchPath(leaf.Path)
		if !ok {
			continue
		}
		pkSet, _, _, err := db.searchLookup(ctx, desc, cols, leaf.Op, leaf.Value)
		if err != nil {
			return nil, err
		}
		sets[predicate.SearchKey(cols, leaf.Op, leaf.Value)] = pkSet
	}
	return sets, nil
}

// readSearchRows fetches the full rows for a search fast-leaf's matched
// pks and attaches the "_weight"/"_locations" SELECT adornments spec §6
// names for search results.
func (db *Database) readSearchRows(ctx context.Context, desc *TableDescriptor, pkSet map[interface{}]bool, weights map[interface{}]float64, locations map[interface{}]tokenizer.Locations) ([]Row, error) {
	pks := make([]interface{}, 0, len(pkSet))
	for pk := range pkSet {
		pks = append(pks, pk)
	}
	rows, err := db.adapter.BatchRead(ctx, desc.Name, pks)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		pk := r[desc.PKColumn]
		clone := r.Clone()
		clone["_weight"] = weights[pk]
		clone["_locations"] = locationsToRow(locations[pk])
		out = append(out, clone)
	}
	return out, nil
}

func locationsToRow(loc tokenizer.Locations) map[string]interface{} {
	out := make(map[string]interface{}, len(loc))
	for col, entries := range loc {
		list := make([]interface{}, 0, len(entries))
		for _, e := range entries {
			positions := make([]interface{}, len(e.Loc))
			for i, p := range e.Loc {
				positions[i] = float64(p)
			}
			list = append(list, map[string]interface{}{"word": e.Word, "loc": positions})
		}
		out[col] = list
	}
	return out
}

func (db *Database) fullTableScan(ctx context.Context, table string) ([]Row, error) {
	entries, err := db.adapter.RangeRead(ctx, table, nil, nil, true)
	if err != nil {
		return nil, err
	}
	return entriesToRows(entries), nil
}

func entriesToRows(entries []storage.ScanEntry) []Row {
	out := make([]Row, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Row)
	}
	return out
}

// triePrefixLookup implements spec §4.4 item 2: prefix lookup via the
// composite-key range-scan technique (value+"\x00"+pk) instead of an
// actual trie data structure, reusing the secondary-index table's ordering.
func (db *Database) triePrefixLookup(ctx context.Context, desc *TableDescriptor, trie *Trie) ([]Row, error) {
	table := idxTable(desc.Name, trie.Column)
	from := trie.Search
	to := trie.Search + "\xff"
	entries, err := db.adapter.RangeRead(ctx, table, from, to, false)
	if err != nil {
		return nil, err
	}
	var pks []interface{}
	for _, e := range entries {
		pks = append(pks, indexRowPKs(e.Row)...)
	}
	return db.dedupeBatchRead(ctx, desc.Name, pks)
}

// rangeSelect implements spec §4.4 item 3.
func (db *Database) rangeSelect(ctx context.Context, desc *TableDescriptor, r *Range) ([]Row, error) {
	if r.Limit > 0 {
		entries, err := db.adapter.RangeRead(ctx, desc.Name, r.Offset, r.Offset+r.Limit, true)
		if err != nil {
			return nil, err
		}
		return entriesToRows(entries), nil
	}

	_, count, err := db.adapter.GetIndex(ctx, desc.Name, true)
	if err != nil {
		return nil, err
	}
	want := -r.Limit
	end := count - r.Offset
	start := end - want
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil, nil
	}
	all, err := db.fullTableScan(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	return all[start:end], nil
}
