package qcore

import "context"

// projectLocal implements the View Projector's local direction (C7, spec
// §4.7): "for every view defined on T referencing table U by pkColumn: if
// incoming row does not set pkColumn, skip; if pkColumn unchanged vs
// existing, skip; if new value is null, null out the projected columns;
// otherwise read the referenced row from U and copy each mapped column —
// except in mode LIVE when the reference is missing, in which case null
// them."
func (db *Database) projectLocal(ctx context.Context, desc *TableDescriptor, old, incoming Row) error {
	for _, view := range desc.Views {
		newPK, hasNewPK := incoming[view.PKColumn]
		if !hasNewPK {
			continue
		}
		oldPK, hadOldPK := valueOf(old, view.PKColumn)
		if hadOldPK && equalScalar(oldPK, newPK) {
			continue
		}

		if newPK == nil {
			nullOutColumns(incoming, view.Columns)
			continue
		}

		refRow, found, err := db.adapter.Read(ctx, view.SourceTable, newPK)
		if err != nil {
			return err
		}
		if !found {
			if view.Mode == ViewLive {
				nullOutColumns(incoming, view.Columns)
				logf("WARN", "view %s->%s: reference %v missing, nulled columns", desc.Name, view.SourceTable, newPK)
			}
			continue
		}
		copyColumns(refRow, incoming, view.Columns)
	}
	return nil
}

func nullOutColumns(row Row, cols []ColumnMapping) {
	for _, m := range cols {
		row[m.TargetColumn] = nil
	}
}

func copyColumns(src, dst Row, cols []ColumnMapping) {
	for _, m := range cols {
		dst[m.TargetColumn] = src[m.SourceColumn]
	}
}

// projectRemote implements the View Projector's remote direction (C7, spec
// §4.7): "for every table V that projects from T: secondary-index-read V
// by the view's pk column for p; for each affected row of V, recopy
// changed mapped columns."
func (db *Database) projectRemote(ctx context.Context, desc *TableDescriptor, pk interface{}, current Row) error {
	var fns []func() error
	for _, rv := range desc.remoteViews {
		rv := rv
		fns = append(fns, func() error {
			return db.projectRemoteOne(ctx, desc, rv, pk, current)
		})
	}
	return parallelAll(fns)
}

func (db *Database) projectRemoteOne(ctx context.Context, desc *TableDescriptor, rv remoteView, pk interface{}, current Row) error {
	remoteDesc, ok := db.table(rv.table)
	if !ok {
		return nil
	}

	rows, err := db.rowsReferencing(ctx, remoteDesc, rv.view.PKColumn, pk)
	if err != nil {
		return err
	}

	for _, r := range rows {
		updated := r.Clone()
		copyColumns(current, updated, rv.view.Columns)
		if _, err := db.adapter.Write(ctx, rv.table, updated[remoteDesc.PKColumn], updated); err != nil {
			return err
		}
	}
	return nil
}

// projectRemoteOnDelete nulls (LIVE) or leaves stale (GHOST) remote
// projections when T's row pk is deleted (spec §4.7: "On delete of T, mode
// LIVE nulls remote projections; mode GHOST leaves them").
func (db *Database) projectRemoteOnDelete(ctx context.Context, desc *TableDescriptor, pk interface{}) error {
	var fns []func() error
	for _, rv := range desc.remoteViews {
		rv := rv
		if rv.view.Mode != ViewLive {
			continue
		}
		fns = append(fns, func() error {
			remoteDesc, ok := db.table(rv.table)
			if !ok {
				return nil
			}
			rows, err := db.rowsReferencing(ctx, remoteDesc, rv.view.PKColumn, pk)
			if err != nil {
				return err
			}
			for _, r := range rows {
				updated := r.Clone()
				nullOutColumns(updated, rv.view.Columns)
				if _, err := db.adapter.Write(ctx, rv.table, updated[remoteDesc.PKColumn], updated); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return parallelAll(fns)
}

// rowsReferencing finds every row of desc whose pkRefColumn equals value,
// using the secondary index when available and a full scan otherwise.
func (db *Database) rowsReferencing(ctx context.Context, desc *TableDescriptor, pkRefColumn string, value interface{}) ([]Row, error) {
	if desc.SecondaryIndexed[pkRefColumn] {
		return db.secondaryIndexRead(ctx, desc, idxTable(desc.Name, pkRefColumn), value)
	}
	all, err := db.fullTableScan(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range all {
		if v, ok := r[pkRefColumn]; ok && equalScalar(v, value) {
			out = append(out, r)
		}
	}
	return out, nil
}
