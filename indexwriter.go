package qcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rowforge/qcore/storage"
	"github.com/rowforge/qcore/tokenizer"
)

// writeIndexes implements the Index Writer (C6, spec §4.6) for one row
// write: secondary indexes, full-text search indexes, and the trie index
// (which reuses the secondary-index table's composite-key ordering, so
// step 3 of spec §4.6 falls out of step 1 for any column that is both
// secondary-indexed and trie-configured — qcore's descriptor only needs
// SecondaryIndexed for this, no separate trie flag).
func (db *Database) writeIndexes(ctx context.Context, desc *TableDescriptor, old, updated Row, pk interface{}) error {
	var fns []func() error
	for col := range desc.SecondaryIndexed {
		col := col
		fns = append(fns, func() error {
			return db.updateSecondaryIndex(ctx, desc, col, old, updated, pk)
		})
	}
	for col, cfg := range desc.Search {
		col, cfg := col, cfg
		fns = append(fns, func() error {
			return db.updateSearchIndex(ctx, desc, col, cfg, updated, pk)
		})
	}
	return parallelAll(fns)
}

// removeIndexes implements the delete-side inverse of spec §4.6: "On
// delete, perform the inverse using the stored token record (authoritative
// for what must be retracted), then delete the token record."
func (db *Database) removeIndexes(ctx context.Context, desc *TableDescriptor, old Row, pk interface{}) error {
	var fns []func() error
	for col := range desc.SecondaryIndexed {
		col := col
		fns = append(fns, func() error {
			return db.removeFromSecondaryIndex(ctx, desc, col, old, pk)
		})
	}
	for col := range desc.Search {
		col := col
		fns = append(fns, func() error {
			return db.removeFromSearchIndex(ctx, desc, col, pk)
		})
	}
	return parallelAll(fns)
}

// updateSecondaryIndex implements spec §4.6 step 1: compare old[c] vs
// r[c]; if changed, remove p from the old key's row list and add to the
// new key's; delete the key record if its row list becomes empty. It also
// maintains the composite trie key ("value\x00pk") in the same table so
// triePrefixLookup's range scan works without a separate data structure.
func (db *Database) updateSecondaryIndex(ctx context.Context, desc *TableDescriptor, col string, old, updated Row, pk interface{}) error {
	table := idxTable(desc.Name, col)
	oldVal, oldHas := valueOf(old, col)
	newVal, newHas := valueOf(updated, col)

	if oldHas && (!newHas || !equalScalar(oldVal, newVal)) {
		if err := db.removeFromIndexKey(ctx, table, oldVal, pk); err != nil {
			return err
		}
		if err := db.removeTrieKey(ctx, table, oldVal, pk); err != nil {
			return err
		}
	}
	if newHas && (!oldHas || !equalScalar(oldVal, newVal)) {
		if err := db.addToIndexKey(ctx, table, newVal, pk); err != nil {
			return err
		}
		if err := db.writeTrieKey(ctx, table, newVal, pk); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) removeFromSecondaryIndex(ctx context.Context, desc *TableDescriptor, col string, old Row, pk interface{}) error {
	table := idxTable(desc.Name, col)
	oldVal, ok := valueOf(old, col)
	if !ok {
		return nil
	}
	if err := db.removeFromIndexKey(ctx, table, oldVal, pk); err != nil {
		return err
	}
	return db.removeTrieKey(ctx, table, oldVal, pk)
}

func valueOf(row Row, col string) (interface{}, bool) {
	if row == nil {
		return nil, false
	}
	v, ok := row[col]
	return v, ok
}

func equalScalar(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func indexKey(v interface{}) string { return fmt.Sprintf("%v", v) }

func (db *Database) addToIndexKey(ctx context.Context, table string, value interface{}, pk interface{}) error {
	key := indexKey(value)
	row, found, err := db.adapter.Read(ctx, table, key)
	if err != nil {
		return err
	}
	var pks []interface{}
	if found {
		pks = indexRowPKs(row)
	}
	for _, existing := range pks {
		if existing == pk {
			return nil
		}
	}
	pks = append(pks, pk)
	_, err = db.adapter.Write(ctx, table, key, storage.Row{"key": value, "rows": pks})
	return err
}

func (db *Database) removeFromIndexKey(ctx context.Context, table string, value interface{}, pk interface{}) error {
	key := indexKey(value)
	row, found, err := db.adapter.Read(ctx, table, key)
	if err != nil || !found {
		return err
	}
	pks := indexRowPKs(row)
	remaining := pks[:0:0]
	for _, existing := range pks {
		if existing != pk {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == 0 {
		return db.adapter.Delete(ctx, table, key)
	}
	_, err = db.adapter.Write(ctx, table, key, storage.Row{"key": value, "rows": remaining})
	return err
}

// writeTrieKey/removeTrieKey maintain the composite "value\x00pk" key that
// triePrefixLookup range-scans over, in the same reserved index table.
func (db *Database) writeTrieKey(ctx context.Context, table string, value interface{}, pk interface{}) error {
	compositeKey := indexKey(value) + "\x00" + indexKey(pk)
	_, err := db.adapter.Write(ctx, table, compositeKey, storage.Row{"key": value, "rows": []interface{}{pk}})
	return err
}

func (db *Database) removeTrieKey(ctx context.Context, table string, value interface{}, pk interface{}) error {
	compositeKey := indexKey(value) + "\x00" + indexKey(pk)
	return db.adapter.Delete(ctx, table, compositeKey)
}

// updateSearchIndex implements spec §4.6 step 2.
func (db *Database) updateSearchIndex(ctx context.Context, desc *TableDescriptor, col string, cfg SearchFieldConfig, updated Row, pk interface{}) error {
	text, ok := valueOf(updated, col)
	if !ok || text == nil {
		return nil
	}
	textStr, ok := text.(string)
	if !ok {
		return nil
	}

	newHash := contentHash(textStr)
	tokensTable := searchTokensTable(desc.Name, col)

	oldRecord, found, err := db.adapter.Read(ctx, tokensTable, indexKey(pk))
	if err != nil {
		return err
	}
	if found {
		if h, _ := oldRecord["contentHash"].(string); h == newHash {
			return nil
		}
	}

	newTokens := db.tokenizer.Tokenize(col, textStr, tokenizer.Mode(cfg.Mode))
	docLen := len(newTokens)

	oldTokens := decodeTokenRecord(oldRecord)

	removed, added := diffTokens(oldTokens, newTokens)

	for _, t := range removed {
		if err := db.removeSearchHit(ctx, searchTable(desc.Name, col), t.Normalized, pk); err != nil {
			return err
		}
		if err := db.removeSearchHit(ctx, searchFuzzyTable(desc.Name, col), t.Original, pk); err != nil {
			return err
		}
	}
	for _, t := range added {
		if err := db.addSearchHit(ctx, searchTable(desc.Name, col), t, docLen, pk); err != nil {
			return err
		}
		fuzzyTok := t
		fuzzyTok.Normalized = t.Original
		if err := db.addSearchHit(ctx, searchFuzzyTable(desc.Name, col), fuzzyTok, docLen, pk); err != nil {
			return err
		}
	}

	encoded := encodeTokenRecord(pk, newHash, newTokens)
	_, err = db.adapter.Write(ctx, tokensTable, indexKey(pk), encoded)
	return err
}

func (db *Database) removeFromSearchIndex(ctx context.Context, desc *TableDescriptor, col string, pk interface{}) error {
	tokensTable := searchTokensTable(desc.Name, col)
	record, found, err := db.adapter.Read(ctx, tokensTable, indexKey(pk))
	if err != nil || !found {
		return err
	}
	tokens := decodeTokenRecord(record)
	for _, t := range tokens {
		if err := db.removeSearchHit(ctx, searchTable(desc.Name, col), t.Normalized, pk); err != nil {
			return err
		}
		if err := db.removeSearchHit(ctx, searchFuzzyTable(desc.Name, col), t.Original, pk); err != nil {
			return err
		}
	}
	return db.adapter.Delete(ctx, tokensTable, indexKey(pk))
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func decodeTokenRecord(row storage.Row) []tokenizer.Token {
	if row == nil {
		return nil
	}
	raw, _ := row["tokens"].([]interface{})
	tokens := make([]tokenizer.Token, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		tok := tokenizer.Token{}
		if s, ok := m["normalized"].(string); ok {
			tok.Normalized = s
		}
		if s, ok := m["original"].(string); ok {
			tok.Original = s
		}
		if p, ok := m["position"].(float64); ok {
			tok.Position = int(p)
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func encodeTokenRecord(pk interface{}, hash string, tokens []tokenizer.Token) storage.Row {
	list := make([]interface{}, len(tokens))
	for i, t := range tokens {
		list[i] = map[string]interface{}{
			"original":   t.Original,
			"normalized": t.Normalized,
			"position":   float64(t.Position),
		}
	}
	return storage.Row{"pk": pk, "contentHash": hash, "tokens": list}
}

// diffTokens compares old vs new token sets by (position, normalized)
// identity, per spec §4.6 step 2.
func diffTokens(old, new []tokenizer.Token) (removed, added []tokenizer.Token) {
	oldKeys := map[string]tokenizer.Token{}
	for _, t := range old {
		oldKeys[tokenKey(t)] = t
	}
	newKeys := map[string]bool{}
	for _, t := range new {
		key := tokenKey(t)
		newKeys[key] = true
		if _, existed := oldKeys[key]; !existed {
			added = append(added, t)
		}
	}
	for key, t := range oldKeys {
		if !newKeys[key] {
			removed = append(removed, t)
		}
	}
	return removed, added
}

func tokenKey(t tokenizer.Token) string {
	return fmt.Sprintf("%d|%s", t.Position, t.Normalized)
}

func (db *Database) addSearchHit(ctx context.Context, table string, t tokenizer.Token, docLen int, pk interface{}) error {
	row, _, err := db.adapter.Read(ctx, table, t.Normalized)
	if err != nil {
		return err
	}
	entry := decodeSearchEntry(row)
	entry.Word = t.Normalized
	replaced := false
	for i, ref := range entry.Rows {
		if ref.PK == pk {
			entry.Rows[i].Positions = append(entry.Rows[i].Positions, t.Position)
			entry.Rows[i].DocLen = docLen
			replaced = true
			break
		}
	}
	if !replaced {
		entry.Rows = append(entry.Rows, searchIndexRowRef{PK: pk, DocLen: docLen, Positions: []int{t.Position}})
	}
	_, err = db.adapter.Write(ctx, table, t.Normalized, encodeSearchEntry(entry))
	return err
}

func (db *Database) removeSearchHit(ctx context.Context, table string, word string, pk interface{}) error {
	row, found, err := db.adapter.Read(ctx, table, word)
	if err != nil || !found {
		return err
	}
	entry := decodeSearchEntry(row)
	remaining := entry.Rows[:0:0]
	for _, ref := range entry.Rows {
		if ref.PK != pk {
			remaining = append(remaining, ref)
		}
	}
	if len(remaining) == 0 {
		return db.adapter.Delete(ctx, table, word)
	}
	entry.Rows = remaining
	_, err = db.adapter.Write(ctx, table, word, encodeSearchEntry(entry))
	return err
}

// RebuildSearchIndex replays the Index Writer's forward path over every row
// of a table's column, discarding whatever derived state existed before
// (SPEC_FULL.md §4 item 4, the recovery mechanism spec §7 promises via the
// "_rebuild_search_index" comment).
func (db *Database) RebuildSearchIndex(ctx context.Context, table, column string) error {
	desc, ok := db.table(table)
	if !ok {
		return ErrUnknownTable
	}
	cfg, ok := desc.Search[column]
	if !ok {
		return fmt.Errorf("%w: %s.%s is not search-indexed", ErrUnknownColumn, table, column)
	}

	if err := db.adapter.Drop(ctx, searchTable(table, column)); err != nil {
		return err
	}
	if err := db.adapter.Drop(ctx, searchFuzzyTable(table, column)); err != nil {
		return err
	}
	if err := db.adapter.Drop(ctx, searchTokensTable(table, column)); err != nil {
		return err
	}
	if err := db.adapter.MakeTable(ctx, searchTable(table, column), "word", false); err != nil {
		return err
	}
	if err := db.adapter.MakeTable(ctx, searchFuzzyTable(table, column), "word", false); err != nil {
		return err
	}
	if err := db.adapter.MakeTable(ctx, searchTokensTable(table, column), "pk", false); err != nil {
		return err
	}

	rows, err := db.fullTableScan(ctx, table)
	if err != nil {
		return err
	}
	for _, r := range rows {
		pk := r[desc.PKColumn]
		if err := db.updateSearchIndex(ctx, desc, column, cfg, r, pk); err != nil {
			return err
		}
	}
	logf("INFO", "rebuilt search index %s.%s", table, column)
	return nil
}
