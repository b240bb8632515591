package qcore

import (
	"context"
	"testing"

	"github.com/rowforge/qcore/storage"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	opts := DefaultOptions(storage.NewMemAdapter())
	opts.Quiet = true
	db, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func createUsersTable(t *testing.T, db *Database) {
	t.Helper()
	err := db.CreateTable(context.Background(), TableDescriptor{
		Name:      "users",
		PKColumn:  "id",
		PKNumeric: true,
		Columns: []ColumnDescriptor{
			{Name: "id", Type: "number"},
			{Name: "name", Type: "string", Required: true},
			{Name: "age", Type: "number"},
		},
		SecondaryIndexed: map[string]bool{"age": true},
	})
	if err != nil {
		t.Fatalf("CreateTable users: %v", err)
	}
}

func TestCreateTableIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	createUsersTable(t, db)
	createUsersTable(t, db) // same descriptor again, must not error
}

func TestCreateTableRejectsSchemaChange(t *testing.T) {
	db := newTestDB(t)
	createUsersTable(t, db)

	err := db.CreateTable(context.Background(), TableDescriptor{
		Name:      "users",
		PKColumn:  "id",
		PKNumeric: false, // different schema
	})
	if err == nil {
		t.Fatalf("expected an error re-registering users with a different schema")
	}
}

func TestCreateTableRejectsViewCycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.CreateTable(ctx, TableDescriptor{
		Name: "a", PKColumn: "id", PKNumeric: true,
		Views: []ViewDefinition{{SourceTable: "b", PKColumn: "bId"}},
	})
	if err != nil {
		t.Fatalf("CreateTable a: %v", err)
	}
	err = db.CreateTable(ctx, TableDescriptor{
		Name: "b", PKColumn: "id", PKNumeric: true,
		Views: []ViewDefinition{{SourceTable: "a", PKColumn: "aId"}},
	})
	if err == nil {
		t.Fatalf("expected a cycle error registering b -> a -> b")
	}
}

func TestCreateTableDefaultsOnDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = db.CreateTable(ctx, TableDescriptor{Name: "teams", PKColumn: "id", PKNumeric: true})

	err := db.CreateTable(ctx, TableDescriptor{
		Name: "players", PKColumn: "id", PKNumeric: true,
		ORM: []ORMRelationship{{Name: "team", ThisColumn: "teamId", ThisArity: ArityScalar, FromTable: "teams", FromColumn: "playerIds", FromArity: ArityArray}},
	})
	if err != nil {
		t.Fatalf("CreateTable players: %v", err)
	}
	desc, _ := db.table("players")
	if desc.ORM[0].OnDelete != OnDeleteSetNull {
		t.Fatalf("expected default on_delete to be set_null, got %q", desc.ORM[0].OnDelete)
	}
}

func TestCreateTableRejectsInvalidOnDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = db.CreateTable(ctx, TableDescriptor{Name: "teams", PKColumn: "id", PKNumeric: true})

	err := db.CreateTable(ctx, TableDescriptor{
		Name: "players", PKColumn: "id", PKNumeric: true,
		ORM: []ORMRelationship{{Name: "team", ThisColumn: "teamId", FromTable: "teams", FromColumn: "playerIds", OnDelete: "bogus"}},
	})
	if err == nil {
		t.Fatalf("expected an error for an invalid on_delete policy")
	}
}

func TestUpsertAndSelectByPK(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	res, err := db.Execute(ctx, &Query{
		Action:     ActionUpsert,
		Table:      "users",
		ActionArgs: Row{"name": "Ada", "age": float64(30)},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	wr := res.(*WriteResult)
	if len(wr.AffectedRowPKs) != 1 {
		t.Fatalf("expected 1 affected row, got %d", len(wr.AffectedRowPKs))
	}
	pk := wr.AffectedRowPKs[0]

	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "users",
		Where:  LeafOrList{&Leaf{Path: "id", Op: "=", Value: pk}},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 || rows[0]["name"] != "Ada" {
		t.Fatalf("unexpected select result: %+v", rows)
	}
}

func TestUpsertRejectsSchemaViolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	_, err := db.Execute(ctx, &Query{
		Action:     ActionUpsert,
		Table:      "users",
		ActionArgs: Row{"age": float64(30)}, // missing required "name"
	})
	if err == nil {
		t.Fatalf("expected schema validation to reject a row missing a required column")
	}
}

func TestSecondaryIndexSelect(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Ada", "age": float64(30)}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Grace", "age": float64(40)}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Linus", "age": float64(30)}})

	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "users",
		Where:  LeafOrList{&Leaf{Path: "age", Op: "=", Value: float64(30)}},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows with age=30, got %d: %+v", len(rows), rows)
	}
}

func TestDeleteRemovesRowAndIndexEntry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	res, _ := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Ada", "age": float64(30)}})
	pk := res.(*WriteResult).AffectedRowPKs[0]

	_, err := db.Execute(ctx, &Query{
		Action: ActionDelete,
		Table:  "users",
		Where:  LeafOrList{&Leaf{Path: "id", Op: "=", Value: pk}},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "users",
		Where:  LeafOrList{&Leaf{Path: "age", Op: "=", Value: float64(30)}},
	})
	if err != nil {
		t.Fatalf("select after delete: %v", err)
	}
	if len(out.([]Row)) != 0 {
		t.Fatalf("expected the secondary index entry to be retracted after delete, got %+v", out)
	}
}

func TestSelectResultCacheInvalidatesOnWrite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Ada", "age": float64(30)}})

	q := &Query{Action: ActionSelect, Table: "users"}
	first, err := db.Execute(ctx, q)
	if err != nil {
		t.Fatalf("first select: %v", err)
	}
	if len(first.([]Row)) != 1 {
		t.Fatalf("expected 1 row, got %d", len(first.([]Row)))
	}

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Grace", "age": float64(40)}})

	second, err := db.Execute(ctx, &Query{Action: ActionSelect, Table: "users"})
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if len(second.([]Row)) != 2 {
		t.Fatalf("expected cache to be invalidated by the write, got %d rows", len(second.([]Row)))
	}
}

func TestGroupByAndAggregateProjection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Ada", "age": float64(30)}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Grace", "age": float64(30)}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Linus", "age": float64(40)}})

	out, err := db.Execute(ctx, &Query{
		Action:     ActionSelect,
		Table:      "users",
		GroupBy:    SortSpec{{Column: "age"}},
		ActionArgs: []string{"COUNT() AS n"},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(rows), rows)
	}
	total := 0
	for _, r := range rows {
		total += int(r["n"].(float64))
	}
	if total != 3 {
		t.Fatalf("expected group counts to sum to 3, got %d", total)
	}
}

func TestOrderByAndLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createUsersTable(t, db)

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Ada", "age": float64(30)}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Grace", "age": float64(50)}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "users", ActionArgs: Row{"name": "Linus", "age": float64(40)}})

	out, err := db.Execute(ctx, &Query{
		Action:  ActionSelect,
		Table:   "users",
		OrderBy: SortSpec{{Column: "age", Desc: true}},
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after limit, got %d", len(rows))
	}
	if rows[0]["name"] != "Grace" || rows[1]["name"] != "Linus" {
		t.Fatalf("expected descending-age order [Grace, Linus], got [%v, %v]", rows[0]["name"], rows[1]["name"])
	}
}

func TestInstanceTableSelect(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rows := []Row{{"x": float64(1)}, {"x": float64(2)}, {"x": float64(3)}}
	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  rows,
		Where:  LeafOrList{&Leaf{Path: "x", Op: ">", Value: float64(1)}},
	})
	if err != nil {
		t.Fatalf("instance table select: %v", err)
	}
	got := out.([]Row)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows > 1, got %d", len(got))
	}
}

func TestInstanceTableRejectsJoin(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rows := []Row{{"x": float64(1)}}
	_, err := db.Execute(ctx, &Query{Action: ActionSelect, Table: rows, Join: &JoinSpec{Table: "other"}})
	if err == nil {
		t.Fatalf("expected join against an instance table to be rejected")
	}
}

func TestJoinInnerAndWhere(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = db.CreateTable(ctx, TableDescriptor{Name: "teams", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "name", Type: "string"}}})
	_ = db.CreateTable(ctx, TableDescriptor{Name: "players", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "teamId", Type: "number"}, {Name: "name", Type: "string"}}})

	teamRes, _ := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "teams", ActionArgs: Row{"name": "Red"}})
	teamPK := teamRes.(*WriteResult).AffectedRowPKs[0]
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "players", ActionArgs: Row{"name": "Ada", "teamId": teamPK}})

	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "teams",
		Join:   &JoinSpec{Type: "inner", Table: "players", LeftPath: "id", Op: "=", RightPath: "teamId"},
	})
	if err != nil {
		t.Fatalf("join select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 {
		t.Fatalf("expected 1 joined row, got %d: %+v", len(rows), rows)
	}
	if rows[0]["teams.name"] != "Red" || rows[0]["players.name"] != "Ada" {
		t.Fatalf("unexpected joined row shape: %+v", rows[0])
	}
}

func TestORMArraySyncOnUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = db.CreateTable(ctx, TableDescriptor{Name: "teams", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "playerIds", Type: "array"}}})
	_ = db.CreateTable(ctx, TableDescriptor{Name: "players", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "teamId", Type: "number"}},
		ORM: []ORMRelationship{{
			Name: "team", ThisColumn: "teamId", ThisArity: ArityScalar,
			FromTable: "teams", FromColumn: "playerIds", FromArity: ArityArray,
		}},
	})

	teamRes, _ := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "teams", ActionArgs: Row{}})
	teamPK := teamRes.(*WriteResult).AffectedRowPKs[0]

	playerRes, err := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "players", ActionArgs: Row{"teamId": teamPK}})
	if err != nil {
		t.Fatalf("upsert player: %v", err)
	}
	playerPK := playerRes.(*WriteResult).AffectedRowPKs[0]

	teamRow, found, err := db.adapter.Read(ctx, "teams", teamPK)
	if err != nil || !found {
		t.Fatalf("expected to read back team, found=%v err=%v", found, err)
	}
	ids, _ := teamRow["playerIds"].([]interface{})
	if len(ids) != 1 || ids[0] != playerPK {
		t.Fatalf("expected team.playerIds to contain the new player pk, got %v", ids)
	}
}

func TestRestrictOnDeleteBlocksDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = db.CreateTable(ctx, TableDescriptor{Name: "teams", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "playerIds", Type: "array"}}})
	_ = db.CreateTable(ctx, TableDescriptor{Name: "players", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "teamId", Type: "number"}},
		ORM: []ORMRelationship{{
			Name: "team", ThisColumn: "teamId", ThisArity: ArityScalar,
			FromTable: "teams", FromColumn: "playerIds", FromArity: ArityArray, OnDelete: OnDeleteRestrict,
		}},
	})

	teamRes, _ := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "teams", ActionArgs: Row{}})
	teamPK := teamRes.(*WriteResult).AffectedRowPKs[0]
	playerRes, _ := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "players", ActionArgs: Row{"teamId": teamPK}})
	playerPK := playerRes.(*WriteResult).AffectedRowPKs[0]

	// restrict is enforced on the side the relationship is declared on
	// (players.teamId): deleting a player that still references a team
	// must be blocked.
	_, err := db.Execute(ctx, &Query{
		Action: ActionDelete,
		Table:  "players",
		Where:  LeafOrList{&Leaf{Path: "id", Op: "=", Value: playerPK}},
	})
	if err == nil {
		t.Fatalf("expected restrict on_delete to block deleting a player with a team reference")
	}
}

func TestSearchExactMatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	err := db.CreateTable(ctx, TableDescriptor{
		Name: "articles", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "body", Type: "string"}},
		Search:  map[string]SearchFieldConfig{"body": {Boost: 1, Mode: TokenizerRaw}},
	})
	if err != nil {
		t.Fatalf("CreateTable articles: %v", err)
	}

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "articles", ActionArgs: Row{"body": "the quick brown fox"}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "articles", ActionArgs: Row{"body": "lazy dog sleeps"}})

	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "articles",
		Where:  LeafOrList{&Leaf{Path: "search(body)", Op: "=", Value: "fox"}},
	})
	if err != nil {
		t.Fatalf("search select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 {
		t.Fatalf("expected 1 matching article, got %d: %+v", len(rows), rows)
	}
}

func TestViewProjectionLiveMode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_ = db.CreateTable(ctx, TableDescriptor{Name: "teams", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "name", Type: "string"}}})
	err := db.CreateTable(ctx, TableDescriptor{
		Name: "players", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "teamId", Type: "number"}, {Name: "teamName", Type: "string"}},
		Views: []ViewDefinition{{
			SourceTable: "teams", PKColumn: "teamId",
			Columns: []ColumnMapping{{SourceColumn: "name", TargetColumn: "teamName"}},
			Mode:    ViewLive,
		}},
	})
	if err != nil {
		t.Fatalf("CreateTable players: %v", err)
	}

	teamRes, _ := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "teams", ActionArgs: Row{"name": "Red"}})
	teamPK := teamRes.(*WriteResult).AffectedRowPKs[0]

	playerRes, err := db.Execute(ctx, &Query{Action: ActionUpsert, Table: "players", ActionArgs: Row{"teamId": teamPK}})
	if err != nil {
		t.Fatalf("upsert player: %v", err)
	}
	playerRow := playerRes.(*WriteResult).AffectedRows[0]
	if playerRow["teamName"] != "Red" {
		t.Fatalf("expected projected teamName = Red, got %v", playerRow["teamName"])
	}

	// Update the team name; the remote projection (players.teamName) must
	// be recopied.
	db.Execute(ctx, &Query{
		Action:     ActionUpsert,
		Table:      "teams",
		Where:      LeafOrList{&Leaf{Path: "id", Op: "=", Value: teamPK}},
		ActionArgs: Row{"name": "Blue"},
	})

	out, err := db.Execute(ctx, &Query{Action: ActionSelect, Table: "players"})
	if err != nil {
		t.Fatalf("select players: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 || rows[0]["teamName"] != "Blue" {
		t.Fatalf("expected remote projection to recopy the new team name, got %+v", rows)
	}
}

func TestDescribeReturnsTableSnapshot(t *testing.T) {
	db := newTestDB(t)
	createUsersTable(t, db)

	out, err := db.Execute(context.Background(), &Query{Action: ActionDescribe, Table: "users"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	snap := out.(*tableSnapshot)
	if snap.Name != "users" || snap.PKColumn != "id" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestShowTablesListsRegisteredTables(t *testing.T) {
	db := newTestDB(t)
	createUsersTable(t, db)

	out, err := db.Execute(context.Background(), &Query{Action: ActionShowTables})
	if err != nil {
		t.Fatalf("show tables: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 || rows[0]["table"] != "users" {
		t.Fatalf("unexpected show tables result: %+v", rows)
	}
}

func TestValidateSchemaShapeRejectsJoinWithORM(t *testing.T) {
	q := &Query{Join: &JoinSpec{Table: "x"}, ORM: []ORMArgs{{Key: "y"}}}
	if err := validateSchemaShape(q); err == nil {
		t.Fatalf("expected join+orm to be rejected")
	}
}

func TestValidateSchemaShapeRejectsAmbiguousSelection(t *testing.T) {
	q := &Query{
		Where: LeafOrList{&Leaf{Path: "x", Op: "=", Value: 1}},
		Range: &Range{Limit: 1},
	}
	if err := validateSchemaShape(q); err == nil {
		t.Fatalf("expected where+range to be rejected")
	}
}
