package qcore

// ColumnDescriptor describes one column of a table (spec §3).
type ColumnDescriptor struct {
	Name     string
	Type     string // "string" | "number" | "bool" | "array" | "object" | "any"
	Default  interface{}
	Required bool
}

// TokenizerMode selects how a search-indexed column's text is normalized
// (spec §4.2).
type TokenizerMode string

const (
	TokenizerRaw         TokenizerMode = "raw"
	TokenizerEnglish     TokenizerMode = "english"
	TokenizerEnglishStem TokenizerMode = "english-stem"
	TokenizerEnglishMeta TokenizerMode = "english-meta"
)

// SearchFieldConfig is the per-column search-index configuration named in
// spec §3 ("map of search-indexed columns → (boost-weight, tokenizer-mode)").
type SearchFieldConfig struct {
	Boost   float64
	Mode    TokenizerMode
}

// ViewMode controls what happens to a projected column when its reference
// row goes missing (spec GLOSSARY: "LIVE / GHOST view modes").
type ViewMode string

const (
	ViewLive  ViewMode = "LIVE"
	ViewGhost ViewMode = "GHOST"
)

// ColumnMapping copies SourceColumn from the referenced row into
// TargetColumn on the local/remote row (spec §4.7).
type ColumnMapping struct {
	SourceColumn string
	TargetColumn string
}

// ViewDefinition is a local table's declaration that one of its columns
// denormalizes data from another table, keyed by a local pk-reference
// column (spec §3, §4.7).
type ViewDefinition struct {
	SourceTable string
	PKColumn    string // local column holding the referenced row's pk
	Columns     []ColumnMapping
	Mode        ViewMode
}

// remoteView is the inverse-edge bookkeeping a table descriptor keeps so the
// View Projector's "remote" direction (spec §4.7) doesn't have to scan every
// table descriptor in the registry on every write.
type remoteView struct {
	table string // table V that projects from this one
	view  ViewDefinition
}

// OnDelete policies for an ORM relationship (spec §4.8 default behavior,
// extended per SPEC_FULL.md §4 item 1, grounded on references.go).
type OnDelete string

const (
	OnDeleteSetNull  OnDelete = "set_null"
	OnDeleteRestrict OnDelete = "restrict"
	OnDeleteCascade  OnDelete = "cascade"
)

func validOnDelete(v OnDelete) bool {
	switch v {
	case OnDeleteSetNull, OnDeleteRestrict, OnDeleteCascade:
		return true
	default:
		return false
	}
}

// Arity describes whether a relationship column holds a single scalar pk or
// an array of pks (spec §3, "array|single").
type Arity string

const (
	ArityArray  Arity = "array"
	ArityScalar Arity = "single"
)

// ORMRelationship is a directed edge (thisTable.thisColumn) ↔
// (fromTable.fromColumn), spec §3's "ORM relationship".
type ORMRelationship struct {
	Name        string
	ThisColumn  string
	ThisArity   Arity
	FromTable   string
	FromColumn  string
	FromArity   Arity
	OnDelete    OnDelete // default OnDeleteSetNull, spec §4.8
}

// TableDescriptor is the one-per-table schema record spec §3 names.
type TableDescriptor struct {
	Name      string
	PKColumn  string
	PKNumeric bool

	Columns []ColumnDescriptor

	SecondaryIndexed map[string]bool
	Search           map[string]SearchFieldConfig
	Views            []ViewDefinition
	remoteViews      []remoteView
	ORM              []ORMRelationship
}

func newTableDescriptor(name, pkColumn string, pkNumeric bool) *TableDescriptor {
	return &TableDescriptor{
		Name:             name,
		PKColumn:         pkColumn,
		PKNumeric:        pkNumeric,
		SecondaryIndexed: make(map[string]bool),
		Search:           make(map[string]SearchFieldConfig),
	}
}

func (t *TableDescriptor) column(name string) (ColumnDescriptor, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDescriptor{}, false
}

func (t *TableDescriptor) relationship(name string) (ORMRelationship, bool) {
	for _, r := range t.ORM {
		if r.Name == name || r.ThisColumn == name {
			return r, true
		}
	}
	return ORMRelationship{}, false
}

// reserved table names for derived index storage (spec §6).
func idxTable(table, col string) string           { return "_" + table + "_idx_" + col }
func searchTable(table, col string) string        { return "_" + table + "_search_" + col }
func searchFuzzyTable(table, col string) string   { return "_" + table + "_search_fuzzy_" + col }
func searchTokensTable(table, col string) string  { return "_" + table + "_search_tokens_" + col }
