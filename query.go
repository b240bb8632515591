package qcore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/rowforge/qcore/internal/predicate"
	"github.com/rowforge/qcore/storage"
)

// Action enumerates the query descriptor's "action" field (spec §6).
type Action string

const (
	ActionSelect     Action = "select"
	ActionUpsert     Action = "upsert"
	ActionDelete     Action = "delete"
	ActionDrop       Action = "drop"
	ActionShowTables Action = "show tables"
	ActionDescribe   Action = "describe"
)

// LeafOrList is a WHERE/HAVING tree, spec §4.3: either a single leaf
// [path, op, value] or a flat list alternating leaves and "AND"/"OR"
// connectives. Type-aliased to internal/predicate's Tree so query
// descriptors and the evaluator share one representation.
type LeafOrList = predicate.Tree

// Leaf is one predicate test: [path, op, value].
type Leaf = predicate.Leaf

// WhereFunc is the "fn(row,idx)->bool" escape hatch named in spec §6.
type WhereFunc func(row storage.Row, idx int) bool

// Range is the [limit, offset] pair from spec §6's "range" field.
type Range struct {
	Limit  int
	Offset int
}

// Trie is the {column, search} pair from spec §6's "trie" field.
type Trie struct {
	Column string
	Search string
}

// JoinSpec describes a join clause (spec §4.5).
type JoinSpec struct {
	Type      string // left, inner, right, outer, cross
	Table     string
	LeftPath  string
	Op        string
	RightPath string
}

// ORMArgs is one element of the query's "orm" list (spec §4.5).
type ORMArgs struct {
	Key     string
	Select  []string
	Where   LeafOrList
	Limit   int // default 5
	Offset  int
	OrderBy map[string]string
	GroupBy map[string]string
}

// SortSpec is an ordered column→direction list (groupBy/orderBy, spec §6).
// Represented as an ordered slice so "stable by spec order" (§4.5) is
// literal: map iteration order is not relied upon anywhere.
type SortSpec []SortField

type SortField struct {
	Column string
	Desc   bool
}

// Query is the external query descriptor (spec §6).
type Query struct {
	Action Action

	// Table is either a table name (string) or an instance table: a
	// literal slice of rows (spec GLOSSARY "Instance table").
	Table interface{}

	ActionArgs interface{} // row for upsert; []string or selection-expr list for select

	Where     LeafOrList
	WhereFunc WhereFunc

	Range *Range
	Trie  *Trie
	Join  *JoinSpec

	GroupBy SortSpec
	OrderBy SortSpec

	Having     LeafOrList
	HavingFunc WhereFunc

	Offset int
	Limit  int

	ORM []ORMArgs

	Comments []string

	QueryID string // zeroed for fingerprint

	Result []Row `json:"-"`
}

// Row is the shape of a result row: a storage.Row, re-exported at package
// level so callers of qcore don't need to import storage directly for the
// common case.
type Row = storage.Row

// WriteResult is the write-path result envelope (spec §6).
type WriteResult struct {
	Msg            string
	AffectedRowPKs []interface{}
	AffectedRows   []Row
}

func (q *Query) hasComment(c string) bool {
	for _, existing := range q.Comments {
		if existing == c {
			return true
		}
	}
	return false
}

// instanceTable reports whether q.Table is a literal row slice rather than
// a table name (spec GLOSSARY "Instance table").
func (q *Query) instanceTable() ([]Row, bool) {
	rows, ok := q.Table.([]Row)
	return rows, ok
}

func (q *Query) tableName() (string, bool) {
	name, ok := q.Table.(string)
	return name, ok
}

// fingerprintShape is the JSON-marshalable projection of a query used for
// cache-key hashing: every transient field is zeroed (spec §4.9,
// "Fingerprint = stable hash of the normalized query descriptor with
// transient fields cleared").
type fingerprintShape struct {
	Action     Action      `json:"action"`
	Table      interface{} `json:"table,omitempty"`
	ActionArgs interface{} `json:"actionArgs,omitempty"`
	Where      interface{} `json:"where,omitempty"`
	Range      *Range      `json:"range,omitempty"`
	Trie       *Trie       `json:"trie,omitempty"`
	Join       *JoinSpec   `json:"join,omitempty"`
	GroupBy    SortSpec    `json:"groupBy,omitempty"`
	OrderBy    SortSpec    `json:"orderBy,omitempty"`
	Having     interface{} `json:"having,omitempty"`
	Offset     int         `json:"offset,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	ORM        []ORMArgs   `json:"orm,omitempty"`
}

// fingerprint computes the stable cache key for q (spec §4.9). WhereFunc/
// HavingFunc queries are never cacheable (see cacheable()) so they never
// reach here; queryID and result are excluded by construction.
func (q *Query) fingerprint() string {
	shape := fingerprintShape{
		Action:     q.Action,
		Table:      q.Table,
		ActionArgs: q.ActionArgs,
		Where:      q.Where,
		Range:      q.Range,
		Trie:       q.Trie,
		Join:       q.Join,
		GroupBy:    q.GroupBy,
		OrderBy:    q.OrderBy,
		Having:     q.Having,
		Offset:     q.Offset,
		Limit:      q.Limit,
		ORM:        q.ORM,
	}
	raw, _ := json.Marshal(shape)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(s SortSpec) SortSpec {
	if s == nil {
		return nil
	}
	out := make(SortSpec, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

// cacheable reports whether q is eligible for the per-table result cache
// (spec §4.9: "no join, no orm, no instance-table input, caching enabled").
func (q *Query) cacheable(cachingEnabled bool) bool {
	if !cachingEnabled {
		return false
	}
	if q.Action != ActionSelect {
		return false
	}
	if q.Join != nil || len(q.ORM) > 0 {
		return false
	}
	if q.WhereFunc != nil || q.HavingFunc != nil {
		return false
	}
	if _, isInstance := q.instanceTable(); isInstance {
		return false
	}
	return true
}
