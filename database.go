package qcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rowforge/qcore/functions"
	"github.com/rowforge/qcore/storage"
	"github.com/rowforge/qcore/tokenizer"
)

// Options configures a Database (mirrors the teacher's Options/
// DefaultOptions pattern — SPEC_FULL.md §2: "The core takes an Options
// struct passed to Open/Connect").
type Options struct {
	Adapter storage.Adapter

	// CacheEnabled toggles the per-table result cache (spec §4.9).
	CacheEnabled bool

	// DefaultFuzzyThreshold is stored with the options only; search(...)
	// leaves take their threshold from the leaf's own value, and nothing in
	// the query path reads this field.
	DefaultFuzzyThreshold float64

	// Tokenizer, when nil, defaults to a zero-value tokenizer.Pipeline
	// (naive stemmer/metaphoner/fuzzy matcher, spec §4.2).
	Tokenizer *tokenizer.Pipeline

	// Quiet suppresses logf output.
	Quiet bool
}

// DefaultOptions returns sane defaults for embedding qcore against the
// bundled in-memory reference adapter.
func DefaultOptions(adapter storage.Adapter) Options {
	return Options{
		Adapter:               adapter,
		CacheEnabled:          true,
		DefaultFuzzyThreshold: 0,
		Tokenizer:             &tokenizer.Pipeline{},
	}
}

// Database is the single process-wide context object spec §9 calls for:
// "The cache, table descriptors, and adapter registry are process-wide
// state ... Encapsulate in a single context object passed to every
// component; avoid hidden singletons."
type Database struct {
	mu sync.RWMutex

	adapter    storage.Adapter
	tables     map[string]*TableDescriptor
	validators map[string]*tableValidator

	cache map[string]map[string][]Row // table -> fingerprint -> rows

	functions *functions.Registry
	tokenizer *tokenizer.Pipeline

	opts Options
}

// Open constructs a Database bound to opts.Adapter and connects it.
func Open(ctx context.Context, opts Options) (*Database, error) {
	if opts.Adapter == nil {
		return nil, ErrNoAdapter
	}
	if err := opts.Adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("qcore: connecting adapter: %w", err)
	}

	registry, err := functions.NewRegistry()
	if err != nil {
		return nil, err
	}

	tok := opts.Tokenizer
	if tok == nil {
		tok = &tokenizer.Pipeline{}
	}

	loggingEnabled = !opts.Quiet

	return &Database{
		adapter:    opts.Adapter,
		tables:     make(map[string]*TableDescriptor),
		validators: make(map[string]*tableValidator),
		cache:      make(map[string]map[string][]Row),
		functions:  registry,
		tokenizer:  tok,
		opts:       opts,
	}, nil
}

// Destroy tears down the bound adapter (spec §9's "teardown-on-destroy").
func (db *Database) Destroy(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = make(map[string]*TableDescriptor)
	db.cache = make(map[string]map[string][]Row)
	return db.adapter.Destroy(ctx)
}

// CreateTable registers desc, creating its backing table in the adapter and
// wiring remote-view bookkeeping on the tables it references. Idempotent:
// calling it again with an equal descriptor is a no-op (schema.go's
// schemaEqual, following schema_equal.go's technique).
func (db *Database) CreateTable(ctx context.Context, desc TableDescriptor) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, rel := range desc.ORM {
		if rel.OnDelete == "" {
			desc.ORM[i].OnDelete = OnDeleteSetNull
			continue
		}
		if !validOnDelete(rel.OnDelete) {
			return fmt.Errorf("%w: %s.%s=%q", ErrInvalidOnDelete, desc.Name, rel.Name, rel.OnDelete)
		}
	}

	if existing, ok := db.tables[desc.Name]; ok {
		equal, err := descriptorsEqual(existing, &desc)
		if err != nil {
			return err
		}
		if equal {
			return nil
		}
		return fmt.Errorf("qcore: table %s already exists with a different schema", desc.Name)
	}

	if err := detectViewCycle(db.tables, &desc); err != nil {
		return err
	}

	if err := db.adapter.MakeTable(ctx, desc.Name, desc.PKColumn, desc.PKNumeric); err != nil {
		return fmt.Errorf("qcore: creating table %s: %w", desc.Name, err)
	}

	for col := range desc.SecondaryIndexed {
		if err := db.adapter.MakeTable(ctx, idxTable(desc.Name, col), "key", false); err != nil {
			return err
		}
	}
	for col := range desc.Search {
		if err := db.adapter.MakeTable(ctx, searchTable(desc.Name, col), "word", false); err != nil {
			return err
		}
		if err := db.adapter.MakeTable(ctx, searchFuzzyTable(desc.Name, col), "word", false); err != nil {
			return err
		}
		if err := db.adapter.MakeTable(ctx, searchTokensTable(desc.Name, col), "pk", false); err != nil {
			return err
		}
	}

	validator, err := newTableValidator(&desc)
	if err != nil {
		return err
	}

	td := desc
	td.SecondaryIndexed = cloneBoolSet(desc.SecondaryIndexed)
	td.Search = cloneSearchMap(desc.Search)
	db.tables[desc.Name] = &td
	db.validators[desc.Name] = validator
	db.cache[desc.Name] = make(map[string][]Row)

	for _, view := range desc.Views {
		if src, ok := db.tables[view.SourceTable]; ok {
			src.remoteViews = append(src.remoteViews, remoteView{table: desc.Name, view: view})
		}
	}

	logf("INFO", "created table %s (pk=%s numeric=%v)", desc.Name, desc.PKColumn, desc.PKNumeric)
	return nil
}

func cloneBoolSet(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSearchMap(m map[string]SearchFieldConfig) map[string]SearchFieldConfig {
	if m == nil {
		return nil
	}
	out := make(map[string]SearchFieldConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func descriptorsEqual(a, b *TableDescriptor) (bool, error) {
	aj, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return schemaEqual(aj, bj)
}

// detectViewCycle rejects a view graph with a cycle at registration time
// (spec §9: "Implementations should detect cycles at schema registration
// time and reject them, or cap hop depth" — qcore takes the reject option).
func detectViewCycle(existing map[string]*TableDescriptor, incoming *TableDescriptor) error {
	graph := map[string][]string{}
	for name, t := range existing {
		for _, v := range t.Views {
			graph[name] = append(graph[name], v.SourceTable)
		}
	}
	for _, v := range incoming.Views {
		graph[incoming.Name] = append(graph[incoming.Name], v.SourceTable)
	}

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(node string) error
	dfs = func(node string) error {
		if visited[node] {
			return nil
		}
		if visiting[node] {
			return ErrCyclicViewProjection
		}
		visiting[node] = true
		for _, next := range graph[node] {
			if err := dfs(next); err != nil {
				return err
			}
		}
		visiting[node] = false
		visited[node] = true
		return nil
	}
	return dfs(incoming.Name)
}

func (db *Database) table(name string) (*TableDescriptor, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[name]
	return t, ok
}

func (db *Database) validator(name string) *tableValidator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.validators[name]
}

// cacheGet/cacheSet/cacheClear implement spec §4.9's per-table result cache.

func (db *Database) cacheGet(table, fingerprint string) ([]Row, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, ok := db.cache[table][fingerprint]
	return rows, ok
}

func (db *Database) cacheSet(table, fingerprint string, rows []Row) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.cache[table] == nil {
		db.cache[table] = make(map[string][]Row)
	}
	db.cache[table][fingerprint] = rows
}

// cacheClear wipes cache[T] wholesale on any write (spec §4.9, invariant 5).
func (db *Database) cacheClear(table string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cache[table] = make(map[string][]Row)
}
