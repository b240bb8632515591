package qcore

import (
	"context"
	"fmt"
)

// tableSnapshot is the JSON-marshalable "describe" shape (SPEC_FULL.md §4
// item 3, grounded on metadata.go's SystemMetadata/CollectionMeta export).
type tableSnapshot struct {
	Name      string                       `json:"name"`
	PKColumn  string                       `json:"pkColumn"`
	PKNumeric bool                         `json:"pkNumeric"`
	Columns   []ColumnDescriptor           `json:"columns"`
	Indexed   []string                     `json:"secondaryIndexed"`
	Search    map[string]SearchFieldConfig `json:"search"`
	Views     []ViewDefinition             `json:"views"`
	ORM       []ORMRelationship            `json:"orm"`
}

// describe implements the "describe" action named in spec §6's action
// enum: returns a snapshot of the table descriptor.
func (db *Database) describe(q *Query) (*tableSnapshot, error) {
	tableName, ok := q.tableName()
	if !ok {
		return nil, fmt.Errorf("qcore: describe requires a table name")
	}
	desc, ok := db.table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}

	indexed := make([]string, 0, len(desc.SecondaryIndexed))
	for col := range desc.SecondaryIndexed {
		indexed = append(indexed, col)
	}

	return &tableSnapshot{
		Name:      desc.Name,
		PKColumn:  desc.PKColumn,
		PKNumeric: desc.PKNumeric,
		Columns:   desc.Columns,
		Indexed:   indexed,
		Search:    desc.Search,
		Views:     desc.Views,
		ORM:       desc.ORM,
	}, nil
}

// RebuildORM implements SPEC_FULL.md §4 item 4's ORM rebuild routine: it
// replays the ORM Synchronizer's forward path over every row of a table
// for the named relationship, treating each row as newly written. It
// attaches the back-references each row's current value names; stale
// back-references left in related rows are not removed.
func (db *Database) RebuildORM(ctx context.Context, table, relationshipName string) error {
	desc, ok := db.table(table)
	if !ok {
		return ErrUnknownTable
	}
	rel, ok := desc.relationship(relationshipName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelationship, relationshipName)
	}

	rows, err := db.fullTableScan(ctx, table)
	if err != nil {
		return err
	}
	for _, r := range rows {
		pk := r[desc.PKColumn]
		if err := db.syncRelationship(ctx, rel, nil, r, pk); err != nil {
			return err
		}
	}
	logf("INFO", "rebuilt orm relationship %s on %s", relationshipName, table)
	return nil
}
