package qcore

import (
	"context"
	"fmt"
	"sort"
)

// ormSkipComment tags writes that originate from the synchronizer itself
// so they don't recursively re-trigger synchronization (spec §4.8:
// "Writes that originate from the synchronizer itself are tagged
// '_orm_skip' in the query comments to prevent recursion").
const ormSkipComment = "_orm_skip"

// syncORM implements the ORM Synchronizer (C8, spec §4.8) for one row
// write: diff old[thisColumn] vs new[thisColumn] for every relationship on
// desc and update the remote table's back-reference column accordingly.
func (db *Database) syncORM(ctx context.Context, desc *TableDescriptor, old, updated Row, pk interface{}, comments []string) error {
	if hasComment(comments, ormSkipComment) {
		return nil
	}

	var fns []func() error
	for _, rel := range desc.ORM {
		rel := rel
		fns = append(fns, func() error {
			return db.syncRelationship(ctx, rel, old, updated, pk)
		})
	}
	return parallelAll(fns)
}

func hasComment(comments []string, c string) bool {
	for _, existing := range comments {
		if existing == c {
			return true
		}
	}
	return false
}

func (db *Database) syncRelationship(ctx context.Context, rel ORMRelationship, old, updated Row, pk interface{}) error {
	oldVal, _ := valueOf(old, rel.ThisColumn)
	newVal, _ := valueOf(updated, rel.ThisColumn)

	if rel.ThisArity == ArityArray {
		addSet, removeSet := diffArraySets(oldVal, newVal)
		var fns []func() error
		for _, id := range removeSet {
			id := id
			fns = append(fns, func() error {
				return db.detachBackReference(ctx, rel, id, pk)
			})
		}
		for _, id := range addSet {
			id := id
			fns = append(fns, func() error {
				return db.attachBackReference(ctx, rel, id, pk)
			})
		}
		return parallelAll(fns)
	}

	// Scalar arity: old-remove then new-add (spec §4.8: "for singles,
	// compute old-remove and new-add").
	var fns []func() error
	if oldVal != nil && !equalScalar(oldVal, newVal) {
		oldID := oldVal
		fns = append(fns, func() error { return db.detachBackReference(ctx, rel, oldID, pk) })
	}
	if newVal != nil && !equalScalar(oldVal, newVal) {
		newID := newVal
		fns = append(fns, func() error { return db.attachBackReference(ctx, rel, newID, pk) })
	}
	return parallelAll(fns)
}

// removeORM implements spec §4.8's delete-side rule: "for every id in
// old[thisColumn], remove p from its back-reference."
func (db *Database) removeORM(ctx context.Context, desc *TableDescriptor, old Row, pk interface{}) error {
	var fns []func() error
	for _, rel := range desc.ORM {
		rel := rel
		oldVal, ok := valueOf(old, rel.ThisColumn)
		if !ok || oldVal == nil {
			continue
		}
		if rel.ThisArity == ArityArray {
			ids := toInterfaceSlice(oldVal)
			for _, id := range ids {
				id := id
				fns = append(fns, func() error { return db.detachBackReference(ctx, rel, id, pk) })
			}
		} else {
			id := oldVal
			fns = append(fns, func() error { return db.detachBackReference(ctx, rel, id, pk) })
		}
	}
	return parallelAll(fns)
}

// checkOnDeleteRestrict enforces the restrict on_delete policy
// (SPEC_FULL.md §4 item 1) before a delete is allowed to proceed.
func (db *Database) checkOnDeleteRestrict(old Row, desc *TableDescriptor) error {
	for _, rel := range desc.ORM {
		if rel.OnDelete != OnDeleteRestrict {
			continue
		}
		val, ok := valueOf(old, rel.ThisColumn)
		if !ok || val == nil {
			continue
		}
		if rel.ThisArity == ArityArray {
			if len(toInterfaceSlice(val)) > 0 {
				return fmt.Errorf("%w: %s still has members in %s", ErrRestrictViolation, rel.Name, rel.ThisColumn)
			}
		} else {
			return fmt.Errorf("%w: %s still references %s", ErrRestrictViolation, rel.Name, rel.ThisColumn)
		}
	}
	return nil
}

// cascadeDeletes implements the cascade on_delete policy (SPEC_FULL.md §4
// item 1): deleting the row also deletes the related rows named in the
// sync'd column, via a plain Database.Execute delete so the deleted rows
// go through their own full write/delete pipeline (indexes, further ORM
// edges, view projections).
func (db *Database) cascadeDeletes(ctx context.Context, desc *TableDescriptor, old Row) error {
	var fns []func() error
	for _, rel := range desc.ORM {
		if rel.OnDelete != OnDeleteCascade {
			continue
		}
		val, ok := valueOf(old, rel.ThisColumn)
		if !ok || val == nil {
			continue
		}
		var ids []interface{}
		if rel.ThisArity == ArityArray {
			ids = toInterfaceSlice(val)
		} else {
			ids = []interface{}{val}
		}
		for _, id := range ids {
			id := id
			rel := rel
			fns = append(fns, func() error {
				_, err := db.Execute(ctx, &Query{
					Action: ActionDelete,
					Table:  rel.FromTable,
					Where:  LeafOrList{&Leaf{Path: db.pkColumnOf(rel.FromTable), Op: "=", Value: id}},
				})
				return err
			})
		}
	}
	return parallelAll(fns)
}

func (db *Database) pkColumnOf(table string) string {
	if desc, ok := db.table(table); ok {
		return desc.PKColumn
	}
	return "id"
}

func (db *Database) detachBackReference(ctx context.Context, rel ORMRelationship, id interface{}, pk interface{}) error {
	row, found, err := db.adapter.Read(ctx, rel.FromTable, id)
	if err != nil || !found {
		return err
	}
	updated := row.Clone()
	if rel.FromArity == ArityArray {
		items := toInterfaceSlice(updated[rel.FromColumn])
		filtered := items[:0:0]
		for _, item := range items {
			if !equalScalar(item, pk) {
				filtered = append(filtered, item)
			}
		}
		updated[rel.FromColumn] = filtered
	} else {
		updated[rel.FromColumn] = nil
	}
	return db.ormSkipWrite(ctx, rel.FromTable, id, updated)
}

func (db *Database) attachBackReference(ctx context.Context, rel ORMRelationship, id interface{}, pk interface{}) error {
	row, found, err := db.adapter.Read(ctx, rel.FromTable, id)
	if err != nil {
		return err
	}
	var updated Row
	if found {
		updated = row.Clone()
	} else {
		updated = Row{}
	}

	if rel.FromArity == ArityArray {
		items := toInterfaceSlice(updated[rel.FromColumn])
		present := false
		for _, item := range items {
			if equalScalar(item, pk) {
				present = true
				break
			}
		}
		if !present {
			items = append(items, pk)
			sort.Slice(items, func(i, j int) bool {
				return fmt.Sprintf("%v", items[i]) < fmt.Sprintf("%v", items[j])
			})
		}
		updated[rel.FromColumn] = items
	} else {
		updated[rel.FromColumn] = pk
	}

	writePK := id
	if !found {
		updated[db.pkColumnOf(rel.FromTable)] = id
	}
	return db.ormSkipWrite(ctx, rel.FromTable, writePK, updated)
}

// ormSkipWrite performs the raw storage write plus its own index/view
// maintenance, tagged to prevent re-entering syncORM (spec §4.8).
func (db *Database) ormSkipWrite(ctx context.Context, table string, pk interface{}, row Row) error {
	desc, ok := db.table(table)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	old, _, err := db.adapter.Read(ctx, table, pk)
	if err != nil {
		return err
	}
	stored, err := db.adapter.Write(ctx, table, pk, row)
	if err != nil {
		return err
	}
	db.cacheClear(table)
	return db.writeIndexes(ctx, desc, old, stored, pk)
}

func toInterfaceSlice(v interface{}) []interface{} {
	items, _ := v.([]interface{})
	return items
}

// diffArraySets computes the add-set and remove-set between two arrays
// (spec §4.8: "For arrays, compute add-set and remove-set"). This is
// written directly against two slices rather than reusing any "array
// equality" helper, resolving Open Question 1 (see DESIGN.md) by never
// reintroducing the ambiguous polarity in the first place.
func diffArraySets(oldVal, newVal interface{}) (addSet, removeSet []interface{}) {
	oldItems := toInterfaceSlice(oldVal)
	newItems := toInterfaceSlice(newVal)

	oldSet := map[string]interface{}{}
	for _, v := range oldItems {
		oldSet[fmt.Sprintf("%v", v)] = v
	}
	newSet := map[string]interface{}{}
	for _, v := range newItems {
		newSet[fmt.Sprintf("%v", v)] = v
	}

	for k, v := range newSet {
		if _, existed := oldSet[k]; !existed {
			addSet = append(addSet, v)
		}
	}
	for k, v := range oldSet {
		if _, still := newSet[k]; !still {
			removeSet = append(removeSet, v)
		}
	}
	return addSet, removeSet
}
