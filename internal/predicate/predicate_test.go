package predicate

import (
	"testing"

	"github.com/rowforge/qcore/storage"
)

func TestEvalSingleLeaf(t *testing.T) {
	row := storage.Row{"age": float64(30)}
	tree := Tree{&Leaf{Path: "age", Op: OpEq, Value: float64(30)}}
	ok, err := Eval(tree, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected leaf to match")
	}
}

func TestEvalAndShortCircuit(t *testing.T) {
	row := storage.Row{"age": float64(30), "active": true}
	tree := Tree{
		&Leaf{Path: "age", Op: OpGt, Value: float64(100)},
		And,
		&Leaf{Path: "active", Op: OpEq, Value: true},
	}
	ok, err := Eval(tree, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected AND chain to fail on first leaf")
	}
}

func TestEvalWithOrFoldsAndGroupsFirst(t *testing.T) {
	row := storage.Row{"a": float64(1), "b": float64(2), "c": float64(3)}
	// (a=1 AND b=99) OR (c=3) -> false OR true -> true
	tree := Tree{
		&Leaf{Path: "a", Op: OpEq, Value: float64(1)},
		And,
		&Leaf{Path: "b", Op: OpEq, Value: float64(99)},
		Or,
		&Leaf{Path: "c", Op: OpEq, Value: float64(3)},
	}
	ok, err := Eval(tree, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected OR group to rescue the false AND group")
	}
}

func TestEvalWithOrDoesNotShortCircuitFalseLeaf(t *testing.T) {
	row := storage.Row{"a": float64(1), "b": float64(2)}
	// a=1 OR b=999 -> true OR false -> true, but both leaves must be
	// evaluated (no short circuit) per the Open Question 2 resolution.
	tree := Tree{
		&Leaf{Path: "a", Op: OpEq, Value: float64(1)},
		Or,
		&Leaf{Path: "b", Op: OpEq, Value: float64(999)},
	}
	ok, err := Eval(tree, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected true from first operand of OR")
	}
}

func TestEvalEmptyTreeIsVacuouslyTrue(t *testing.T) {
	ok, err := Eval(Tree{}, storage.Row{}, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected empty tree to be vacuously true")
	}
}

func TestEvalBetween(t *testing.T) {
	row := storage.Row{"score": float64(5)}
	tree := Tree{&Leaf{Path: "score", Op: OpBetween, Value: []interface{}{float64(1), float64(10)}}}
	ok, err := Eval(tree, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected score within bounds")
	}
}

func TestEvalInAndNotIn(t *testing.T) {
	row := storage.Row{"status": "active"}
	in := Tree{&Leaf{Path: "status", Op: OpIn, Value: []interface{}{"active", "pending"}}}
	ok, err := Eval(in, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected IN to match, ok=%v err=%v", ok, err)
	}

	notIn := Tree{&Leaf{Path: "status", Op: OpNotIn, Value: []interface{}{"closed"}}}
	ok, err = Eval(notIn, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected NOT IN to match, ok=%v err=%v", ok, err)
	}
}

func TestEvalLikeIsCaseInsensitiveSubstring(t *testing.T) {
	row := storage.Row{"name": "Jonathan Archer"}
	tree := Tree{&Leaf{Path: "name", Op: OpLike, Value: "ARCHER"}}
	ok, err := Eval(tree, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected case-insensitive substring match")
	}
}

func TestEvalNullSentinels(t *testing.T) {
	row := storage.Row{"deletedAt": nil}
	isNull := Tree{&Leaf{Path: "deletedAt", Op: OpEq, Value: "NULL"}}
	ok, err := Eval(isNull, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected NULL sentinel to match nil value, ok=%v err=%v", ok, err)
	}

	missing := Tree{&Leaf{Path: "neverSet", Op: OpEq, Value: "NULL"}}
	ok, err = Eval(missing, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected NULL sentinel to match missing path, ok=%v err=%v", ok, err)
	}

	notNull := Tree{&Leaf{Path: "deletedAt", Op: OpEq, Value: "NOT NULL"}}
	ok, err = Eval(notNull, row, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected NOT NULL to fail against a nil value")
	}
}

func TestEvalHaveAndIntersect(t *testing.T) {
	row := storage.Row{"tags": []interface{}{"go", "db", "query"}}
	have := Tree{&Leaf{Path: "tags", Op: OpHave, Value: "db"}}
	ok, err := Eval(have, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected HAVE to match, ok=%v err=%v", ok, err)
	}

	intersect := Tree{&Leaf{Path: "tags", Op: OpIntersect, Value: []interface{}{"rust", "query"}}}
	ok, err = Eval(intersect, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected INTERSECT to match, ok=%v err=%v", ok, err)
	}

	notIntersect := Tree{&Leaf{Path: "tags", Op: OpNotIntersect, Value: []interface{}{"rust"}}}
	ok, err = Eval(notIntersect, row, &Context{})
	if err != nil || !ok {
		t.Fatalf("expected NOT INTERSECT to match, ok=%v err=%v", ok, err)
	}
}

func TestEvalIgnoreFirstPath(t *testing.T) {
	row := storage.Row{"users.name": "Ada"}
	tree := Tree{&Leaf{Path: "users.name", Op: OpEq, Value: "Ada"}}
	ok, err := Eval(tree, row, &Context{IgnoreFirstPath: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ignoreFirstPath to resolve the literal joined-row key")
	}
}

func TestEvalSearchLeafUsesPrecomputedSet(t *testing.T) {
	cols := []string{"title", "body"}
	key := SearchKey(cols, OpEq, "golang")
	ctx := &Context{
		PK:     1,
		Search: SearchSets{key: {1: true, 2: false}},
	}
	tree := Tree{&Leaf{Path: "search(title,body)", Op: OpEq, Value: "golang"}}

	ok, err := Eval(tree, storage.Row{}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected pk 1 to be present in the precomputed search set")
	}

	ctx.PK = 3
	ok, err = Eval(tree, storage.Row{}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected pk 3 (absent from set) to not match")
	}
}

func TestEvalSearchLeafWithoutPrecomputedSetErrors(t *testing.T) {
	tree := Tree{&Leaf{Path: "search(title)", Op: OpEq, Value: "golang"}}
	_, err := Eval(tree, storage.Row{}, &Context{})
	if err == nil {
		t.Fatalf("expected an error when no precomputed search set is present")
	}
}

func TestIsSearchPath(t *testing.T) {
	cols, ok := IsSearchPath("search(title,body)")
	if !ok {
		t.Fatalf("expected search(...) path to be recognized")
	}
	if len(cols) != 2 || cols[0] != "title" || cols[1] != "body" {
		t.Fatalf("unexpected column split: %v", cols)
	}

	if _, ok := IsSearchPath("title"); ok {
		t.Fatalf("expected a plain path to not be recognized as search(...)")
	}
}

func TestCompareOpNumericAndString(t *testing.T) {
	ok, err := compareOp(OpGt, float64(5), float64(3))
	if err != nil || !ok {
		t.Fatalf("expected numeric comparison to hold, ok=%v err=%v", ok, err)
	}

	ok, err = compareOp(OpLt, "apple", "banana")
	if err != nil || !ok {
		t.Fatalf("expected string comparison to hold, ok=%v err=%v", ok, err)
	}
}
