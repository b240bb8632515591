// Package predicate evaluates the WHERE/HAVING trees described in spec
// §4.3 (C3). It has no third-party dependency: it is pure data-shape logic
// over storage.Row, grounded on the teacher's internal/query package
// (ast.go's Node/Matcher split) but rewritten around spec.md's leaf-array
// grammar instead of the teacher's `$op` map grammar, which does not match
// this spec's wire format at all.
package predicate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rowforge/qcore/storage"
)

// Leaf is a single predicate test: [path, op, value] (spec §4.3).
type Leaf struct {
	Path  string
	Op    string
	Value interface{}
}

// Connective is "AND" or "OR" joining two adjacent leaves in a flat list.
type Connective string

const (
	And Connective = "AND"
	Or  Connective = "OR"
)

// Tree is a flat list alternating *Leaf and Connective elements: spec
// §4.3's "leaf `[path, op, value]` or a flat list alternating leaves and
// logical connectives". A single-element Tree containing just one *Leaf is
// the degenerate "single leaf" case.
type Tree []interface{}

// Operators supported on a leaf (spec §4.3).
const (
	OpEq        = "="
	OpNeq       = "!="
	OpLt        = "<"
	OpLte       = "<="
	OpGt        = ">"
	OpGte       = ">="
	OpIn        = "IN"
	OpNotIn     = "NOT IN"
	OpRegex     = "REGEX"
	OpLike      = "LIKE"
	OpNotLike   = "NOT LIKE"
	OpBetween   = "BETWEEN"
	OpHave      = "HAVE"
	OpNotHave   = "NOT HAVE"
	OpIntersect = "INTERSECT"
	OpNotIntersect = "NOT INTERSECT"
)

// SearchColumnsPrefix marks a leaf path as a search(...) expression, spec
// §4.3: "`search(col1,col2,…)` as a path is handled by injecting
// pre-computed pk-sets from a search lookup performed once per such leaf."
const SearchColumnsPrefix = "search("

// IsSearchPath reports whether a leaf path is a search(...) expression and
// returns the column list.
func IsSearchPath(path string) (cols []string, ok bool) {
	if !strings.HasPrefix(path, SearchColumnsPrefix) || !strings.HasSuffix(path, ")") {
		return nil, false
	}
	inner := path[len(SearchColumnsPrefix) : len(path)-1]
	if inner == "" {
		return nil, false
	}
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, true
}

// SearchSets maps a search(...) leaf's canonical signature to the set of
// pks that leaf matched, pre-computed once by the row selector before
// evaluation begins (spec §4.3, §4.4.1).
type SearchSets map[string]map[interface{}]bool

// SearchKey builds the canonical signature SearchSets is keyed by.
func SearchKey(cols []string, op string, value interface{}) string {
	return strings.Join(cols, ",") + "|" + op + "|" + fmt.Sprintf("%v", value)
}

// Context carries everything an Eval call needs besides the row itself.
type Context struct {
	// PK is the row's own primary key, needed to consult SearchSets.
	PK interface{}
	// Search holds pre-computed search(...) leaf results.
	Search SearchSets
	// IgnoreFirstPath resolves paths with storage.PathIgnoringFirst (spec
	// §4.5 "ignoreFirstPath"): joined rows are keyed "table.column", so a
	// WHERE path's first two segments are looked up as that literal key,
	// falling back to skipping the table-name segment.
	IgnoreFirstPath bool
}

func (c *Context) resolve(row storage.Row, path string) (interface{}, bool) {
	if c != nil && c.IgnoreFirstPath {
		return storage.PathIgnoringFirst(row, path)
	}
	return storage.Path(row, path)
}

// Eval evaluates tree against row (spec §4.3).
//
// Resolves Open Question 2: a connective list evaluates left-to-right with
// AND-short-circuit UNLESS it contains an OR anywhere, in which case every
// leaf is evaluated and the results are combined position by position,
// left-to-right, with no operator precedence (a AND b OR c AND d is
// ((a AND b) OR c) AND d), rather than short-circuiting on the first false,
// which is what the flagged source behavior got wrong (see DESIGN.md open
// question 2).
func Eval(tree Tree, row storage.Row, ctx *Context) (bool, error) {
	if len(tree) == 0 {
		return true, nil
	}
	if len(tree) == 1 {
		leaf, ok := tree[0].(*Leaf)
		if !ok {
			return false, fmt.Errorf("predicate: single-element tree must be a leaf")
		}
		return evalLeaf(leaf, row, ctx)
	}

	if hasOr(tree) {
		return evalWithOr(tree, row, ctx)
	}
	return evalAndShortCircuit(tree, row, ctx)
}

func hasOr(tree Tree) bool {
	for _, el := range tree {
		if c, ok := el.(Connective); ok && c == Or {
			return true
		}
	}
	return false
}

func evalAndShortCircuit(tree Tree, row storage.Row, ctx *Context) (bool, error) {
	for i := 0; i < len(tree); i += 2 {
		leaf, ok := tree[i].(*Leaf)
		if !ok {
			return false, fmt.Errorf("predicate: expected leaf at position %d", i)
		}
		result, err := evalLeaf(leaf, row, ctx)
		if err != nil {
			return false, err
		}
		if !result {
			return false, nil
		}
	}
	return true, nil
}

// evalWithOr evaluates every leaf, then folds left-to-right: each connective
// combines the running result with the next leaf's result, AND and OR
// alike, with no precedence between them. This is the two-pass form spec.md flags as needing scrutiny
// (Open Question 2) — see DESIGN.md for why this fold order is correct and
// the naive single-pass short-circuit is not.
func evalWithOr(tree Tree, row storage.Row, ctx *Context) (bool, error) {
	leafResults := make([]bool, 0, (len(tree)+1)/2)
	connectives := make([]Connective, 0, len(tree)/2)

	for i, el := range tree {
		if i%2 == 0 {
			leaf, ok := el.(*Leaf)
			if !ok {
				return false, fmt.Errorf("predicate: expected leaf at position %d", i)
			}
			result, err := evalLeaf(leaf, row, ctx)
			if err != nil {
				return false, err
			}
			leafResults = append(leafResults, result)
		} else {
			conn, ok := el.(Connective)
			if !ok {
				return false, fmt.Errorf("predicate: expected connective at position %d", i)
			}
			connectives = append(connectives, conn)
		}
	}

	// Fold left to right, one connective at a time.
	acc := leafResults[0]
	for i, conn := range connectives {
		next := leafResults[i+1]
		if conn == And {
			acc = acc && next
		} else {
			// OR combines the running result with the next leaf.
			acc = acc || next
		}
	}
	return acc, nil
}

func evalLeaf(leaf *Leaf, row storage.Row, ctx *Context) (bool, error) {
	if cols, ok := IsSearchPath(leaf.Path); ok {
		return evalSearchLeaf(cols, leaf.Op, leaf.Value, ctx)
	}

	actual, present := ctx.resolve(row, leaf.Path)

	if leaf.Value == "NULL" && (leaf.Op == OpEq || leaf.Op == OpLike) {
		return !present || actual == nil, nil
	}
	if leaf.Value == "NOT NULL" && (leaf.Op == OpEq || leaf.Op == OpLike) {
		return present && actual != nil, nil
	}

	switch leaf.Op {
	case OpEq:
		return present && equalValues(actual, leaf.Value), nil
	case OpNeq:
		return !present || !equalValues(actual, leaf.Value), nil
	case OpLt, OpLte, OpGt, OpGte:
		if !present {
			return false, nil
		}
		return compareOp(leaf.Op, actual, leaf.Value)
	case OpIn:
		return present && inList(actual, leaf.Value), nil
	case OpNotIn:
		return !present || !inList(actual, leaf.Value), nil
	case OpRegex:
		return present && matchesRegex(actual, leaf.Value), nil
	case OpLike:
		return present && matchesLike(actual, leaf.Value), nil
	case OpNotLike:
		return !present || !matchesLike(actual, leaf.Value), nil
	case OpBetween:
		if !present {
			return false, nil
		}
		return between(actual, leaf.Value)
	case OpHave:
		return present && arrayHas(actual, leaf.Value), nil
	case OpNotHave:
		return !present || !arrayHas(actual, leaf.Value), nil
	case OpIntersect:
		return present && arrayIntersects(actual, leaf.Value), nil
	case OpNotIntersect:
		return !present || !arrayIntersects(actual, leaf.Value), nil
	default:
		return false, fmt.Errorf("predicate: unknown operator %q", leaf.Op)
	}
}

func evalSearchLeaf(cols []string, op string, value interface{}, ctx *Context) (bool, error) {
	if ctx == nil || ctx.Search == nil {
		return false, fmt.Errorf("predicate: search(%s) leaf without a precomputed result set", strings.Join(cols, ","))
	}
	key := SearchKey(cols, op, value)
	set, ok := ctx.Search[key]
	if !ok {
		return false, nil
	}
	return set[ctx.PK], nil
}

func equalValues(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareOp(op string, a, b interface{}) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpLt:
			return af < bf, nil
		case OpLte:
			return af <= bf, nil
		case OpGt:
			return af > bf, nil
		case OpGte:
			return af >= bf, nil
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch op {
		case OpLt:
			return as < bs, nil
		case OpLte:
			return as <= bs, nil
		case OpGt:
			return as > bs, nil
		case OpGte:
			return as >= bs, nil
		}
	}
	return false, fmt.Errorf("predicate: cannot compare %v %s %v", a, op, b)
}

func inList(v interface{}, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func matchesRegex(v interface{}, pattern interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// matchesLike is a case-insensitive substring test (spec §4.3: "LIKE is
// case-insensitive substring").
func matchesLike(v interface{}, needle interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	n, ok := needle.(string)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(n))
}

func between(v interface{}, bounds interface{}) (bool, error) {
	pair, ok := bounds.([]interface{})
	if !ok || len(pair) != 2 {
		return false, fmt.Errorf("predicate: BETWEEN value must be a 2-element list")
	}
	lo, hi := pair[0], pair[1]
	geLo, err := compareOp(OpGte, v, lo)
	if err != nil {
		return false, err
	}
	leHi, err := compareOp(OpLte, v, hi)
	if err != nil {
		return false, err
	}
	return geLo && leHi, nil
}

// arrayHas implements HAVE: column is an array, spec value is a scalar
// membership test.
func arrayHas(col interface{}, want interface{}) bool {
	items, ok := col.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(item, want) {
			return true
		}
	}
	return false
}

// arrayIntersects implements INTERSECT: column is an array, spec value is
// an array; true if they share any element.
func arrayIntersects(col interface{}, want interface{}) bool {
	items, ok := col.([]interface{})
	if !ok {
		return false
	}
	others, ok := want.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		for _, other := range others {
			if equalValues(item, other) {
				return true
			}
		}
	}
	return false
}
