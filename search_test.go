package qcore

import (
	"context"
	"testing"
)

func TestSearchFuzzyMatchAboveThreshold(t *testing.T) {
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
		Where:  LeafOrList{&Leaf{Path: "search(body)", Op: ">", Value: "foxx"}},
	})
	if err != nil {
		t.Fatalf("fuzzy search select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 {
		t.Fatalf("expected the misspelled query to fuzzy-match the fox article, got %d rows: %+v", len(rows), rows)
	}
	if rows[0]["_weight"] == nil {
		t.Fatalf("expected a _weight adornment on a search result row, got %+v", rows[0])
	}
}

func TestSearchFuzzyMatchUsesOriginalSpellingUnderStemMode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	err := db.CreateTable(ctx, TableDescriptor{
		Name: "articles", PKColumn: "id", PKNumeric: true,
		Columns: []ColumnDescriptor{{Name: "id", Type: "number"}, {Name: "body", Type: "string"}},
		Search:  map[string]SearchFieldConfig{"body": {Boost: 1, Mode: TokenizerEnglishStem}},
	})
	if err != nil {
		t.Fatalf("CreateTable articles: %v", err)
	}

	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "articles", ActionArgs: Row{"body": "the fox is running fast"}})
	db.Execute(ctx, &Query{Action: ActionUpsert, Table: "articles", ActionArgs: Row{"body": "lazy dog sleeps"}})

	// "runing" stems to "run", which is levenshtein-far (4) from the
	// indexed word's original spelling "running" stored in the fuzzy
	// index. Fuzzy matching must compare the query's own original
	// spelling ("runing") against that index instead, which is within
	// the default max distance of "running".
	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "articles",
		Where:  LeafOrList{&Leaf{Path: "search(body)", Op: ">", Value: "runing"}},
	})
	if err != nil {
		t.Fatalf("fuzzy search select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 1 {
		t.Fatalf("expected the misspelled query to fuzzy-match the original spelling \"running\" under stem mode, got %d rows: %+v", len(rows), rows)
	}
}

func TestSearchFuzzyRejectsUnrelatedTerm(t *testing.T) {
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

	out, err := db.Execute(ctx, &Query{
		Action: ActionSelect,
		Table:  "articles",
		Where:  LeafOrList{&Leaf{Path: "search(body)", Op: ">", Value: "spreadsheet"}},
	})
	if err != nil {
		t.Fatalf("fuzzy search select: %v", err)
	}
	rows := out.([]Row)
	if len(rows) != 0 {
		t.Fatalf("expected an unrelated query term to match nothing, got %+v", rows)
	}
}
