package qcore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rowforge/qcore/functions"
	"github.com/rowforge/qcore/internal/predicate"
	"github.com/rowforge/qcore/storage"
)

// mutate implements the Mutator (C5, spec §4.5): applies join, groupBy,
// orm, actionArgs (projection+functions), having, orderBy, offset, limit
// to seed, in that fixed order.
func (db *Database) mutate(ctx context.Context, desc *TableDescriptor, q *Query, seed []Row) ([]Row, error) {
	rows := seed
	ignoreFirstPath := false

	if q.Join != nil {
		joined, err := db.applyJoin(ctx, desc, q.Join)
		if err != nil {
			return nil, err
		}
		rows = joined
		ignoreFirstPath = true

		if q.Where != nil {
			filtered := rows[:0:0]
			for _, r := range rows {
				ok, err := predicate.Eval(q.Where, r, &predicate.Context{IgnoreFirstPath: true})
				if err != nil {
					return nil, err
				}
				if ok {
					filtered = append(filtered, r)
				}
			}
			rows = filtered
		}
	}

	var buckets []bucket
	if len(q.GroupBy) > 0 {
		buckets = groupRows(rows, q.GroupBy)
	}

	if len(q.ORM) > 0 {
		expanded, err := db.expandORM(ctx, desc, rows, q.ORM)
		if err != nil {
			return nil, err
		}
		rows = expanded
	}

	projected, err := db.project(rows, buckets, q.ActionArgs, ignoreFirstPath)
	if err != nil {
		return nil, err
	}
	rows = projected

	if q.Having != nil {
		filtered := rows[:0:0]
		for _, r := range rows {
			ok, err := predicate.Eval(q.Having, r, &predicate.Context{})
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	} else if q.HavingFunc != nil {
		rows = filterByFunc(rows, q.HavingFunc)
	}

	if len(q.OrderBy) > 0 {
		rows = orderRows(rows, q.OrderBy)
	}

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}

	return rows, nil
}

// applyJoin implements spec §4.5's Join stage: nested loop over the two
// tables, emitting a joined row keyed "table.column" when the predicate
// holds.
func (db *Database) applyJoin(ctx context.Context, desc *TableDescriptor, join *JoinSpec) ([]Row, error) {
	leftRows, err := db.fullTableScan(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	rightRows, err := db.fullTableScan(ctx, join.Table)
	if err != nil {
		return nil, err
	}

	if join.Type == "cross" {
		var out []Row
		for _, l := range leftRows {
			for _, r := range rightRows {
				out = append(out, mergeJoined(desc.Name, l, join.Table, r))
			}
		}
		return out, nil
	}

	primary, secondary, primaryName, secondaryName := leftRows, rightRows, desc.Name, join.Table
	if join.Type == "right" {
		primary, secondary, primaryName, secondaryName = rightRows, leftRows, join.Table, desc.Name
	}

	matchedSecondary := make(map[int]bool)
	var out []Row
	for _, p := range primary {
		matchedAny := false
		for si, s := range secondary {
			var l, r Row
			var lName, rName string
			if join.Type == "right" {
				l, r, lName, rName = s, p, desc.Name, join.Table
			} else {
				l, r, lName, rName = p, s, desc.Name, join.Table
			}
			ok, err := joinPredicateHolds(join, l, r)
			if err != nil {
				return nil, err
			}
			if ok {
				matchedAny = true
				matchedSecondary[si] = true
				out = append(out, mergeJoined(lName, l, rName, r))
			}
		}
		if !matchedAny && join.Type != "inner" {
			var joined Row
			if join.Type == "right" {
				joined = mergeJoined(desc.Name, nil, join.Table, p)
			} else {
				joined = mergeJoined(desc.Name, p, join.Table, nil)
			}
			out = append(out, joined)
		}
	}

	if join.Type == "outer" {
		for si, s := range secondary {
			if !matchedSecondary[si] {
				out = append(out, mergeJoined(primaryName, nil, secondaryName, s))
			}
		}
	}

	return out, nil
}

func joinPredicateHolds(join *JoinSpec, left, right Row) (bool, error) {
	leftVal, _ := storagePath(left, join.LeftPath)
	rightVal, _ := storagePath(right, join.RightPath)
	leaf := &predicate.Leaf{Path: "_v", Op: join.Op, Value: rightVal}
	return predicate.Eval(predicate.Tree{leaf}, Row{"_v": leftVal}, &predicate.Context{})
}

func storagePath(row Row, path string) (interface{}, bool) {
	if row == nil {
		return nil, false
	}
	return row.Get(path)
}

func mergeJoined(leftName string, left Row, rightName string, right Row) Row {
	out := Row{}
	for k, v := range prefixRow(leftName, left) {
		out[k] = v
	}
	for k, v := range prefixRow(rightName, right) {
		out[k] = v
	}
	return out
}

func prefixRow(table string, row Row) Row {
	out := Row{}
	if row == nil {
		return out
	}
	for k, v := range row {
		out[table+"."+k] = v
	}
	return out
}

// bucket is one group-by bucket, spec §4.5: "A bucket index is retained
// for aggregate evaluation."
type bucket struct {
	key  string
	rows []Row
}

// groupRows implements spec §4.5's GroupBy stage: sort ascending by the
// groupBy column list, then bucket by concatenated stringified keys.
//
// Resolves Open Question 3: key parts are escaped before concatenation
// (backslash-escaping literal dots within a value) so keys containing "."
// cannot collide, instead of reproducing the flagged unescaped
// concatenation ambiguity.
func groupRows(rows []Row, groupBy SortSpec) []bucket {
	sorted := append([]Row(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		for _, f := range groupBy {
			vi, _ := sorted[i].Get(f.Column)
			vj, _ := sorted[j].Get(f.Column)
			if cmp := compareAny(vi, vj); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})

	order := []string{}
	byKey := map[string][]Row{}
	for _, r := range sorted {
		key := groupKey(r, groupBy)
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], r)
	}

	out := make([]bucket, 0, len(order))
	for _, k := range order {
		out = append(out, bucket{key: k, rows: byKey[k]})
	}
	return out
}

func groupKey(row Row, groupBy SortSpec) string {
	parts := make([]string, len(groupBy))
	for i, f := range groupBy {
		v, _ := row.Get(f.Column)
		parts[i] = escapeDots(fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, ".")
}

func escapeDots(s string) string {
	return strings.ReplaceAll(s, ".", `\.`)
}

func compareAny(a, b interface{}) int {
	af, aok := toComparableFloat(a)
	bf, bok := toComparableFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toComparableFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// expandORM implements spec §4.5's ORM expansion stage (C5's use of ORM
// relationships already synchronized by C8): for each spec and row,
// resolve row[key] via the recorded relationship, run a sub-select, and
// assign back array or single per relationship arity.
func (db *Database) expandORM(ctx context.Context, desc *TableDescriptor, rows []Row, specs []ORMArgs) ([]Row, error) {
	out := make([]Row, len(rows))
	copy(out, rows)

	for _, spec := range specs {
		rel, ok := desc.relationship(spec.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, desc.Name, spec.Key)
		}
		limit := spec.Limit
		if limit == 0 {
			limit = 5
		}

		for i, row := range out {
			val, present := row[spec.Key]
			if !present || val == nil {
				if rel.ThisArity == ArityArray {
					row[spec.Key] = []interface{}{}
				}
				continue
			}

			var idFilter LeafOrList
			if rel.ThisArity == ArityArray {
				ids := toInterfaceSlice(val)
				if len(ids) == 0 {
					row[spec.Key] = []interface{}{}
					continue
				}
				idFilter = LeafOrList{&Leaf{Path: db.pkColumnOf(rel.FromTable), Op: predicate.OpIn, Value: ids}}
			} else {
				idFilter = LeafOrList{&Leaf{Path: db.pkColumnOf(rel.FromTable), Op: predicate.OpEq, Value: val}}
			}

			where := idFilter
			if spec.Where != nil {
				where = append(append(LeafOrList{}, idFilter...), append([]interface{}{predicate.And}, spec.Where...)...)
			}

			sub := &Query{
				Action:     ActionSelect,
				Table:      rel.FromTable,
				ActionArgs: spec.Select,
				Where:      where,
				Limit:      limit,
				Offset:     spec.Offset,
				OrderBy:    mapToSortSpec(spec.OrderBy),
				GroupBy:    mapToSortSpec(spec.GroupBy),
			}
			result, err := db.executeSelect(ctx, sub)
			if err != nil {
				return nil, err
			}

			if rel.ThisArity == ArityArray {
				items := make([]interface{}, len(result))
				for j, r := range result {
					items[j] = r
				}
				row[spec.Key] = items
			} else {
				if len(result) == 0 {
					row[spec.Key] = nil
				} else {
					row[spec.Key] = result[0]
				}
			}
			out[i] = row
		}
	}
	return out, nil
}

func mapToSortSpec(m map[string]string) SortSpec {
	if len(m) == 0 {
		return nil
	}
	spec := make(SortSpec, 0, len(m))
	for col, dir := range m {
		spec = append(spec, SortField{Column: col, Desc: strings.EqualFold(dir, "desc")})
	}
	sort.Slice(spec, func(i, j int) bool { return spec[i].Column < spec[j].Column })
	return spec
}

// project implements spec §4.5's "Projection & functions" stage.
// actionArgs may be nil (return rows unchanged), a []string of plain
// column names/paths, or a []string mix including "FN(args) AS alias"
// expressions evaluated through db.functions.
func (db *Database) project(rows []Row, buckets []bucket, actionArgs interface{}, ignoreFirstPath bool) ([]Row, error) {
	exprs, ok := actionArgs.([]string)
	if !ok || len(exprs) == 0 {
		return rows, nil
	}

	hasAggregate := false
	parsed := make([]projectionExpr, len(exprs))
	for i, e := range exprs {
		pe, err := parseProjectionExpr(e)
		if err != nil {
			return nil, err
		}
		parsed[i] = pe
		if pe.isFunc {
			fn, ok := db.functions.Lookup(pe.fnName)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, pe.fnName)
			}
			if fn.Kind == functions.Aggregate {
				hasAggregate = true
			}
		}
	}

	if hasAggregate {
		return db.projectAggregate(rows, buckets, parsed)
	}
	return db.projectScalar(rows, parsed, ignoreFirstPath)
}

type projectionExpr struct {
	raw    string
	alias  string
	isFunc bool
	fnName string
	args   []string
	path   string
}

func parseProjectionExpr(e string) (projectionExpr, error) {
	pe := projectionExpr{raw: e}
	body := e
	if idx := strings.Index(strings.ToUpper(e), " AS "); idx >= 0 {
		body = strings.TrimSpace(e[:idx])
		pe.alias = strings.TrimSpace(e[idx+4:])
	}

	if open := strings.Index(body, "("); open >= 0 && strings.HasSuffix(body, ")") {
		pe.isFunc = true
		pe.fnName = strings.TrimSpace(body[:open])
		argsStr := body[open+1 : len(body)-1]
		if argsStr != "" {
			for _, a := range strings.Split(argsStr, ",") {
				pe.args = append(pe.args, strings.TrimSpace(a))
			}
		}
		if pe.alias == "" {
			pe.alias = pe.fnName
		}
	} else {
		pe.path = body
		if pe.alias == "" {
			pe.alias = body
		}
	}
	return pe, nil
}

func (db *Database) projectScalar(rows []Row, exprs []projectionExpr, ignoreFirstPath bool) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, r := range rows {
		result := Row{}
		for _, pe := range exprs {
			if pe.isFunc {
				fn, _ := db.functions.Lookup(pe.fnName)
				args := resolveArgs(r, pe.args, ignoreFirstPath)
				val, err := db.functions.EvalScalar(fn, args)
				if err != nil {
					return nil, err
				}
				result[pe.alias] = val
			} else {
				v, _ := resolvePath(r, pe.path, ignoreFirstPath)
				result[pe.alias] = v
			}
		}
		out[i] = result
	}
	return out, nil
}

func (db *Database) projectAggregate(rows []Row, buckets []bucket, exprs []projectionExpr) ([]Row, error) {
	groups := buckets
	if len(groups) == 0 {
		groups = []bucket{{rows: rows}}
	}

	out := make([]Row, 0, len(groups))
	for _, b := range groups {
		result := Row{}
		for _, pe := range exprs {
			if pe.isFunc {
				fn, _ := db.functions.Lookup(pe.fnName)
				argsPerRow := make([][]interface{}, len(b.rows))
				for i, r := range b.rows {
					argsPerRow[i] = resolveArgs(r, pe.args, false)
				}
				val, err := db.functions.EvalAggregate(fn, argsPerRow)
				if err != nil {
					return nil, err
				}
				result[pe.alias] = val
			} else if len(b.rows) > 0 {
				v, _ := resolvePath(b.rows[0], pe.path, false)
				result[pe.alias] = v
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func resolveArgs(row Row, args []string, ignoreFirstPath bool) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i], _ = resolvePath(row, a, ignoreFirstPath)
	}
	return out
}

func resolvePath(row Row, path string, ignoreFirstPath bool) (interface{}, bool) {
	if ignoreFirstPath {
		return storage.PathIgnoringFirst(row, path)
	}
	return row.Get(path)
}

func orderRows(rows []Row, orderBy SortSpec) []Row {
	out := append([]Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, f := range orderBy {
			vi, _ := out[i].Get(f.Column)
			vj, _ := out[j].Get(f.Column)
			cmp := compareAny(vi, vj)
			if cmp == 0 {
				continue
			}
			if f.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out
}
