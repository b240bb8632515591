package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	sortedmap "github.com/tobshub/go-sortedmap"
)

// MemAdapter is the reference in-memory Storage Adapter used to exercise the
// query execution core end-to-end. It is not a production backend — spec §1
// names concrete backends (LevelDB, IndexedDB, SQLite, ...) as external
// collaborators out of scope — it exists purely so the core is testable.
//
// Each table is backed by a github.com/tobshub/go-sortedmap.SortedMap keyed
// by the stringified primary key and ordered by comparing the row's actual
// pk value (numeric-aware when the table is numeric-keyed), grounded on the
// ordering technique tobsdb's internal/builder/rows.go uses for its own
// row store.
type MemAdapter struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	name      string
	pkColumn  string
	pkNumeric bool
	monotone  int64
	rows      *sortedmap.SortedMap[string, Row]
}

// NewMemAdapter constructs an empty in-memory adapter.
func NewMemAdapter() *MemAdapter {
	return &MemAdapter{tables: make(map[string]*memTable)}
}

func (a *MemAdapter) Connect(ctx context.Context) error    { return nil }
func (a *MemAdapter) Disconnect(ctx context.Context) error { return nil }
func (a *MemAdapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables = make(map[string]*memTable)
	return nil
}

func pkLess(pkColumn string, pkNumeric bool) func(a, b Row) bool {
	return func(x, y Row) bool {
		if pkNumeric {
			return toFloat(x[pkColumn]) < toFloat(y[pkColumn])
		}
		return fmt.Sprintf("%v", x[pkColumn]) < fmt.Sprintf("%v", y[pkColumn])
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func (a *MemAdapter) MakeTable(ctx context.Context, table, pkColumn string, pkNumeric bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tables[table]; exists {
		return nil
	}
	a.tables[table] = &memTable{
		name:      table,
		pkColumn:  pkColumn,
		pkNumeric: pkNumeric,
		rows:      sortedmap.New[string, Row](0, pkLess(pkColumn, pkNumeric)),
	}
	return nil
}

func (a *MemAdapter) table(name string) (*memTable, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tables[name]
	return t, ok
}

func pkToString(pk interface{}) string {
	return fmt.Sprintf("%v", pk)
}

func (a *MemAdapter) Write(ctx context.Context, table string, pk interface{}, row Row) (Row, error) {
	t, ok := a.table(table)
	if !ok {
		return nil, fmt.Errorf("storage: unknown table %q", table)
	}

	stored := row.Clone()
	if pk == nil {
		if t.pkNumeric {
			pk = float64(atomic.AddInt64(&t.monotone, 1))
		} else {
			pk = uuid.NewString()
		}
	}
	stored[t.pkColumn] = pk

	key := pkToString(pk)
	if t.rows.Has(key) {
		t.rows.Replace(key, stored)
	} else {
		t.rows.Insert(key, stored)
	}
	return stored.Clone(), nil
}

func (a *MemAdapter) Read(ctx context.Context, table string, pk interface{}) (Row, bool, error) {
	t, ok := a.table(table)
	if !ok {
		return nil, false, fmt.Errorf("storage: unknown table %q", table)
	}
	row, found := t.rows.Get(pkToString(pk))
	if !found {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (a *MemAdapter) BatchRead(ctx context.Context, table string, pks []interface{}) ([]Row, error) {
	out := make([]Row, 0, len(pks))
	for _, pk := range pks {
		row, found, err := a.Read(ctx, table, pk)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, row)
		}
	}
	return out, nil
}

// RangeRead scans the table in ascending pk-value order, filtering to
// [from, to). Either bound may be nil to mean "unbounded".
func (a *MemAdapter) RangeRead(ctx context.Context, table string, from, to interface{}, usePK bool) ([]ScanEntry, error) {
	t, ok := a.table(table)
	if !ok {
		return nil, fmt.Errorf("storage: unknown table %q", table)
	}

	all := a.snapshot(t)

	less := pkLess(t.pkColumn, t.pkNumeric)
	inRange := func(row Row) bool {
		if from != nil {
			bound := Row{t.pkColumn: from}
			if less(row, bound) {
				return false
			}
		}
		if to != nil {
			bound := Row{t.pkColumn: to}
			if !less(row, bound) {
				return false
			}
		}
		return true
	}

	out := make([]ScanEntry, 0, len(all))
	for _, row := range all {
		if inRange(row) {
			out = append(out, ScanEntry{PK: row[t.pkColumn], Row: row.Clone()})
		}
	}
	return out, nil
}

// snapshot drains the table's SortedMap iterator into a slice already in
// ascending pk order (go-sortedmap iterates its records in LessFunc order).
func (a *MemAdapter) snapshot(t *memTable) []Row {
	it, err := t.rows.IterCh()
	if err != nil {
		return make([]Row, 0)
	}
	defer it.Close()

	rows := make([]Row, 0, t.rows.Len())
	for rec := range it.Records() {
		rows = append(rows, rec.Val)
	}
	// IterCh's ordering guarantee is best-effort across concurrent
	// mutation; re-sort defensively so callers always see pk order.
	sort.SliceStable(rows, func(i, j int) bool {
		return pkLess(t.pkColumn, t.pkNumeric)(rows[i], rows[j])
	})
	return rows
}

func (a *MemAdapter) Delete(ctx context.Context, table string, pk interface{}) error {
	t, ok := a.table(table)
	if !ok {
		return fmt.Errorf("storage: unknown table %q", table)
	}
	t.rows.Delete(pkToString(pk))
	return nil
}

func (a *MemAdapter) Drop(ctx context.Context, table string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tables, table)
	return nil
}

func (a *MemAdapter) GetIndex(ctx context.Context, table string, lengthOnly bool) ([]interface{}, int, error) {
	t, ok := a.table(table)
	if !ok {
		return nil, 0, fmt.Errorf("storage: unknown table %q", table)
	}
	rows := a.snapshot(t)
	if lengthOnly {
		return nil, len(rows), nil
	}
	keys := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row[t.pkColumn])
	}
	return keys, len(keys), nil
}
