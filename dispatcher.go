package qcore

import (
	"context"
	"fmt"

	"github.com/rowforge/qcore/internal/predicate"
)

// Execute is the entry point (C9, spec §4.9): routes by action, manages
// the per-table result cache, and routes instance-table queries to the
// in-memory path (spec GLOSSARY "Instance table").
//
// Returns []Row for select/show-tables, *tableSnapshot for describe,
// *WriteResult for upsert/delete/drop.
func (db *Database) Execute(ctx context.Context, q *Query) (interface{}, error) {
	if err := validateSchemaShape(q); err != nil {
		return nil, err
	}

	if rows, isInstance := q.instanceTable(); isInstance {
		return db.executeInstanceTable(q, rows)
	}

	switch q.Action {
	case ActionSelect:
		return db.executeSelect(ctx, q)
	case ActionUpsert:
		return db.executeUpsert(ctx, q)
	case ActionDelete:
		return db.executeDelete(ctx, q)
	case ActionDrop:
		return db.executeDrop(ctx, q)
	case ActionShowTables:
		return db.showTables(), nil
	case ActionDescribe:
		return db.describe(q)
	default:
		return nil, fmt.Errorf("qcore: unknown action %q", q.Action)
	}
}

// validateSchemaShape implements spec §7's "Schema misuse" fatal checks:
// unknown function is caught downstream (function registry lookup);
// join+orm in the same query, more than one of {where, range, trie}, and
// join+orm+trie on an instance table are caught here, up front, so no
// partial effects are ever committed.
func validateSchemaShape(q *Query) error {
	if q.Join != nil && len(q.ORM) > 0 {
		return ErrJoinWithORM
	}
	set := 0
	if q.Where != nil || q.WhereFunc != nil {
		set++
	}
	if q.Range != nil {
		set++
	}
	if q.Trie != nil {
		set++
	}
	if set > 1 {
		return ErrAmbiguousSelection
	}
	if _, isInstance := q.Table.([]Row); isInstance {
		if q.Join != nil || len(q.ORM) > 0 || q.Trie != nil {
			return ErrInstanceTableUnsupported
		}
	}
	return nil
}

func (db *Database) executeSelect(ctx context.Context, q *Query) ([]Row, error) {
	tableName, ok := q.tableName()
	if !ok {
		return nil, fmt.Errorf("qcore: select requires a table name")
	}
	desc, ok := db.table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}

	cacheable := q.cacheable(db.opts.CacheEnabled)
	var fp string
	if cacheable {
		fp = q.fingerprint()
		if cached, hit := db.cacheGet(tableName, fp); hit {
			return cached, nil
		}
	}

	var seed []Row
	var err error
	if q.Join != nil {
		seed = nil
	} else {
		seed, err = db.selectSeed(ctx, desc, q)
		if err != nil {
			return nil, err
		}
	}

	result, err := db.mutate(ctx, desc, q, seed)
	if err != nil {
		return nil, err
	}

	if cacheable {
		db.cacheSet(tableName, fp, result)
	}
	return result, nil
}

// executeUpsert implements the write-path control flow of spec §2:
// "dispatcher → row selector (if WHERE present) → per-row {index writer
// inverse, view projector (local), storage write/delete, index writer
// forward} → ORM synchronizer → view projector (remote) → return."
func (db *Database) executeUpsert(ctx context.Context, q *Query) (*WriteResult, error) {
	tableName, ok := q.tableName()
	if !ok {
		return nil, fmt.Errorf("qcore: upsert requires a table name")
	}
	desc, ok := db.table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}
	validator := db.validator(tableName)

	patch, ok := q.ActionArgs.(Row)
	if !ok {
		return nil, fmt.Errorf("qcore: upsert requires a row actionArgs")
	}

	var targets []Row
	if q.Where != nil {
		seed, err := db.selectSeed(ctx, desc, q)
		if err != nil {
			return nil, err
		}
		targets = seed
	} else {
		targets = []Row{patch}
	}
	if len(targets) == 0 {
		targets = []Row{patch}
	}

	var affectedPKs []interface{}
	var affectedRows []Row

	for _, target := range targets {
		merged := target.Clone()
		merged.ApplyPatch(patch)

		if err := validator.Validate(merged); err != nil {
			return nil, err
		}

		pk, _ := merged[desc.PKColumn]

		// Open Question 4 resolution: the existing-row lookup runs only when
		// the merged row already carries a pk; when pk is nil the adapter
		// assigns one on write and old stays nil. A miss is simply "no
		// previous row" (nil), never an error (see DESIGN.md open question 4).
		var old Row
		if pk != nil {
			old, _, _ = db.adapter.Read(ctx, tableName, pk)
		}

		if err := db.projectLocal(ctx, desc, old, merged); err != nil {
			return nil, err
		}

		stored, err := db.adapter.Write(ctx, tableName, pk, merged)
		if err != nil {
			return nil, err
		}
		storedPK := stored[desc.PKColumn]

		// The remaining write-path stages must observe each other's effects
		// in order (index writer before ORM sync before remote projection,
		// spec §5's "sequential-chain" pattern), unlike the independent
		// per-column fan-out inside writeIndexes/syncORM/projectRemote
		// themselves.
		err = sequentialChain([]func() error{
			func() error { return db.writeIndexes(ctx, desc, old, stored, storedPK) },
			func() error { return db.syncORM(ctx, desc, old, stored, storedPK, q.Comments) },
			func() error { return db.projectRemote(ctx, desc, storedPK, stored) },
		})
		if err != nil {
			return nil, err
		}

		affectedPKs = append(affectedPKs, storedPK)
		affectedRows = append(affectedRows, stored)
	}

	db.cacheClear(tableName)

	return &WriteResult{
		Msg:            fmt.Sprintf("upserted %d row(s) into %s", len(affectedRows), tableName),
		AffectedRowPKs: affectedPKs,
		AffectedRows:   affectedRows,
	}, nil
}

func (db *Database) executeDelete(ctx context.Context, q *Query) (*WriteResult, error) {
	tableName, ok := q.tableName()
	if !ok {
		return nil, fmt.Errorf("qcore: delete requires a table name")
	}
	desc, ok := db.table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}

	targets, err := db.selectSeed(ctx, desc, q)
	if err != nil {
		return nil, err
	}

	var affectedPKs []interface{}
	var affectedRows []Row

	for _, row := range targets {
		pk := row[desc.PKColumn]

		if err := db.checkOnDeleteRestrict(row, desc); err != nil {
			return nil, err
		}

		if err := db.removeIndexes(ctx, desc, row, pk); err != nil {
			return nil, err
		}
		if err := db.removeORM(ctx, desc, row, pk); err != nil {
			return nil, err
		}
		if err := db.cascadeDeletes(ctx, desc, row); err != nil {
			return nil, err
		}
		if err := db.adapter.Delete(ctx, tableName, pk); err != nil {
			return nil, err
		}
		if err := db.projectRemoteOnDelete(ctx, desc, pk); err != nil {
			return nil, err
		}

		affectedPKs = append(affectedPKs, pk)
		affectedRows = append(affectedRows, row)
	}

	db.cacheClear(tableName)

	return &WriteResult{
		Msg:            fmt.Sprintf("deleted %d row(s) from %s", len(affectedRows), tableName),
		AffectedRowPKs: affectedPKs,
		AffectedRows:   affectedRows,
	}, nil
}

func (db *Database) executeDrop(ctx context.Context, q *Query) (*WriteResult, error) {
	tableName, ok := q.tableName()
	if !ok {
		return nil, fmt.Errorf("qcore: drop requires a table name")
	}
	if err := db.adapter.Drop(ctx, tableName); err != nil {
		return nil, err
	}

	db.mu.Lock()
	desc := db.tables[tableName]
	delete(db.tables, tableName)
	delete(db.validators, tableName)
	delete(db.cache, tableName)
	db.mu.Unlock()

	if desc != nil {
		for col := range desc.SecondaryIndexed {
			_ = db.adapter.Drop(ctx, idxTable(tableName, col))
		}
		for col := range desc.Search {
			_ = db.adapter.Drop(ctx, searchTable(tableName, col))
			_ = db.adapter.Drop(ctx, searchFuzzyTable(tableName, col))
			_ = db.adapter.Drop(ctx, searchTokensTable(tableName, col))
		}
	}

	return &WriteResult{Msg: fmt.Sprintf("dropped %s", tableName)}, nil
}

func (db *Database) showTables() []Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows := make([]Row, 0, len(db.tables))
	for name := range db.tables {
		rows = append(rows, Row{"table": name})
	}
	return rows
}

// executeInstanceTable implements spec §4.9's "Instance tables" path: an
// in-memory row list is used in place of a table name.
func (db *Database) executeInstanceTable(q *Query, rows []Row) (interface{}, error) {
	switch q.Action {
	case ActionSelect:
		out := rows
		if q.Where != nil {
			filtered := out[:0:0]
			for i, r := range out {
				ok, err := predicate.Eval(q.Where, r, &predicate.Context{PK: i})
				if err != nil {
					return nil, err
				}
				if ok {
					filtered = append(filtered, r)
				}
			}
			out = filtered
		} else if q.WhereFunc != nil {
			out = filterByFunc(out, q.WhereFunc)
		}
		if q.Range != nil {
			out = instanceRange(out, q.Range)
		}
		return out, nil

	case ActionUpsert:
		patch, ok := q.ActionArgs.(Row)
		if !ok {
			return nil, fmt.Errorf("qcore: upsert requires a row actionArgs")
		}
		matched := 0
		for i, r := range rows {
			ok, err := matchesWhere(r, i, q)
			if err != nil {
				return nil, err
			}
			if ok {
				rows[i].ApplyPatch(patch)
				matched++
			}
		}
		return &WriteResult{Msg: fmt.Sprintf("upserted %d row(s) in instance table", matched)}, nil

	case ActionDelete:
		var kept []Row
		removed := 0
		for i, r := range rows {
			ok, err := matchesWhere(r, i, q)
			if err != nil {
				return nil, err
			}
			if ok {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		return &WriteResult{Msg: fmt.Sprintf("deleted %d row(s) from instance table", removed), AffectedRows: kept}, nil

	case ActionDrop:
		return &WriteResult{Msg: "dropped instance table"}, nil

	default:
		return nil, fmt.Errorf("qcore: unsupported instance-table action %q", q.Action)
	}
}

func matchesWhere(r Row, idx int, q *Query) (bool, error) {
	if q.Where != nil {
		return predicate.Eval(q.Where, r, &predicate.Context{PK: idx})
	}
	if q.WhereFunc != nil {
		return q.WhereFunc(r, idx), nil
	}
	return true, nil
}

func instanceRange(rows []Row, r *Range) []Row {
	if r.Limit > 0 {
		start := r.Offset
		if start > len(rows) {
			start = len(rows)
		}
		end := start + r.Limit
		if end > len(rows) {
			end = len(rows)
		}
		return rows[start:end]
	}
	want := -r.Limit
	end := len(rows) - r.Offset
	start := end - want
	if start < 0 {
		start = 0
	}
	if end > len(rows) {
		end = len(rows)
	}
	if end <= start {
		return nil
	}
	return rows[start:end]
}
