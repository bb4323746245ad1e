package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	if got := AtoiDefault("", 7); got != 7 {
		t.Fatalf("empty: got %d", got)
	}
	if got := AtoiDefault("abc", 7); got != 7 {
		t.Fatalf("garbage: got %d", got)
	}
	if got := AtoiDefault("42", 7); got != 42 {
		t.Fatalf("number: got %d", got)
	}
}

func TestPaginationParams(t *testing.T) {
	limit, offset := Pagination{}.Params()
	if limit != 10 || offset != 0 {
		t.Fatalf("zero value: got (%d, %d)", limit, offset)
	}

	limit, offset = Pagination{ItemsPerPage: -5, Page: -2}.Params()
	if limit != 10 || offset != 0 {
		t.Fatalf("negative inputs: got (%d, %d)", limit, offset)
	}

	limit, offset = Pagination{ItemsPerPage: 25, Page: 3}.Params()
	if limit != 25 || offset != 50 {
		t.Fatalf("page 3 of 25: got (%d, %d)", limit, offset)
	}
}

func TestPaginationOrderClause(t *testing.T) {
	allowed := []string{"id", "created_at"}

	if got := (Pagination{}).OrderClause(allowed); got != "" {
		t.Fatalf("empty key: got %q", got)
	}
	if got := (Pagination{SortKey: "uuid; DROP TABLE x"}).OrderClause(allowed); got != "" {
		t.Fatalf("unknown key: got %q", got)
	}
	if got := (Pagination{SortKey: "id"}).OrderClause(allowed); got != "id ASC" {
		t.Fatalf("default order: got %q", got)
	}
	if got := (Pagination{SortKey: "created_at", SortOrder: "desc"}).OrderClause(allowed); got != "created_at DESC" {
		t.Fatalf("desc order: got %q", got)
	}
	if got := (Pagination{SortKey: "id", SortOrder: "sideways"}).OrderClause(allowed); got != "id ASC" {
		t.Fatalf("invalid order falls back to ASC: got %q", got)
	}
}

func TestPaginationSearchTerm(t *testing.T) {
	if got := (Pagination{Search: "  hello  "}).SearchTerm(); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := (Pagination{Search: "   "}).SearchTerm(); got != "" {
		t.Fatalf("blank search: got %q", got)
	}
}
