// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Pagination captures a raw list request: page number, page size, an optional
// sort selection and an optional free-text search term. Zero or negative
// values are tolerated and normalized by Params.
type Pagination struct {
	ItemsPerPage int
	Page         int
	SortKey      string
	SortOrder    string // "ASC" or "DESC"; anything else falls back to ASC
	Search       string
}

// defaultItemsPerPage is applied when the requested page size is unusable.
const defaultItemsPerPage = 10

// Params normalizes the pagination request into a (limit, offset) pair:
//   - itemsPerPage <= 0 falls back to 10
//   - page <= 0 yields offset 0
func (p Pagination) Params() (limit, offset int) {
	limit = p.ItemsPerPage
	if limit <= 0 {
		limit = defaultItemsPerPage
	}
	if p.Page > 0 {
		offset = (p.Page - 1) * limit
	}
	return limit, offset
}

// OrderClause builds a SQL ORDER BY expression from the sort selection,
// restricted to the given column allow-list. An empty or unrecognized sort
// key yields "" (no ordering applied, never an error).
func (p Pagination) OrderClause(allowed []string) string {
	key := strings.TrimSpace(p.SortKey)
	if key == "" {
		return ""
	}
	valid := false
	for _, a := range allowed {
		if key == a {
			valid = true
			break
		}
	}
	if !valid {
		return ""
	}
	order := "ASC"
	if strings.EqualFold(p.SortOrder, "DESC") {
		order = "DESC"
	}
	return key + " " + order
}

// SearchTerm returns the trimmed search string, or "" when no usable search
// was requested.
func (p Pagination) SearchTerm() string {
	return strings.TrimSpace(p.Search)
}
