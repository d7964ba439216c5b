package sqltpl

import (
	"math"
	"strings"

	"github.com/zoobzio/dbml"
)

// Fragment is a pre-validated piece of SQL bound like a parameter and
// expanded inline by the renderer. The variants are Pagination, OrderBy and
// SelectList.
type Fragment interface {
	fragment()
	empty() bool
}

// Pagination renders as the dialect's LIMIT/OFFSET syntax. It is never
// empty.
type Pagination struct {
	Limit  int64
	Offset int64
}

// OrderItem is one validated ORDER BY term.
type OrderItem struct {
	Column string
	Desc   bool
}

// OrderBy renders as a comma separated list of quoted columns with their
// direction. Empty when it has no items.
type OrderBy struct {
	Items []OrderItem
}

// SelectList renders as a comma separated list of quoted columns. Empty when
// it has no columns.
type SelectList struct {
	Columns []string
}

func (Pagination) fragment() {}
func (OrderBy) fragment() {}
func (SelectList) fragment() {}

func (Pagination) empty() bool { return false }
func (o OrderBy) empty() bool { return len(o.Items) == 0 }
func (s SelectList) empty() bool { return len(s.Columns) == 0 }

// --------------------------------
// Helpers
// --------------------------------

// Paginator clamps user supplied page numbers and sizes.
type Paginator struct {
	DefaultLimit int64
	MaxLimit     int64
}

// NewPaginator returns a Paginator. A non-positive maxLimit disables the
// upper bound.
func NewPaginator(defaultLimit, maxLimit int64) Paginator {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	if maxLimit > 0 && defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return Paginator{DefaultLimit: defaultLimit, MaxLimit: maxLimit}
}

// Paginate computes the pagination for a 1-based page number. The offset
// saturates at math.MaxInt64 instead of overflowing.
func (p Paginator) Paginate(page, perPage int64) Pagination {
	if perPage <= 0 {
		perPage = p.DefaultLimit
	}
	if p.MaxLimit > 0 && perPage > p.MaxLimit {
		perPage = p.MaxLimit
	}
	if page < 1 {
		page = 1
	}
	offset := int64(0)
	if perPage > 0 {
		if page-1 > math.MaxInt64/perPage {
			offset = math.MaxInt64
		} else {
			offset = (page - 1) * perPage
		}
	}
	return Pagination{Limit: perPage, Offset: offset}
}

// OrderByPolicy validates user supplied sort expressions against an
// allow-list mapping public keys to columns.
type OrderByPolicy struct {
	allowed map[string]string
}

// NewOrderBy returns a policy for the allowed keys. A nil map accepts any
// valid identifier as its own column.
func NewOrderBy(allowed map[string]string) *OrderByPolicy {
	return &OrderByPolicy{allowed: allowed}
}

// Apply parses a sort expression such as "name,-created_at" or
// "name asc, created_at desc".
func (o *OrderByPolicy) Apply(expr string) (OrderBy, error) {
	var out OrderBy
	seen := make(map[string]struct{})
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		desc := false
		switch term[0] {
		case '-':
			desc = true
			term = strings.TrimSpace(term[1:])
		case '+':
			term = strings.TrimSpace(term[1:])
		}
		if f := strings.Fields(term); len(f) == 2 {
			switch strings.ToLower(f[1]) {
			case "asc":
				term = f[0]
			case "desc":
				term, desc = f[0], true
			}
		}
		col, err := resolveColumn(o.allowed, term)
		if err != nil {
			return OrderBy{}, err
		}
		if _, dup := seen[col]; dup {
			continue
		}
		seen[col] = struct{}{}
		out.Items = append(out.Items, OrderItem{Column: col, Desc: desc})
	}
	return out, nil
}

// SelectListPolicy validates requested columns against an allow-list.
type SelectListPolicy struct {
	allowed map[string]string
}

// NewSelectList returns a policy for the allowed keys. A nil map accepts any
// valid identifier.
func NewSelectList(allowed map[string]string) *SelectListPolicy {
	return &SelectListPolicy{allowed: allowed}
}

// Apply validates the requested keys and returns the column list in request
// order, without duplicates.
func (s *SelectListPolicy) Apply(keys ...string) (SelectList, error) {
	var out SelectList
	seen := make(map[string]struct{})
	for _, k := range keys {
		col, err := resolveColumn(s.allowed, strings.TrimSpace(k))
		if err != nil {
			return SelectList{}, err
		}
		if _, dup := seen[col]; dup {
			continue
		}
		seen[col] = struct{}{}
		out.Columns = append(out.Columns, col)
	}
	return out, nil
}

// ColumnsFromTable derives an allow-list from a DBML table definition,
// mapping every column name to itself.
func ColumnsFromTable(t *dbml.Table) map[string]string {
	if t == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(t.Columns))
	for _, col := range t.Columns {
		out[col.Name] = col.Name
	}
	return out
}

func resolveColumn(allowed map[string]string, key string) (string, error) {
	if !ValidIdentifier(key) {
		return "", &Error{Kind: KindInvalidIdentifier, Name: key}
	}
	if allowed == nil {
		return key, nil
	}
	col, ok := allowed[key]
	if !ok {
		return "", &Error{Kind: KindColumnNotFound, Name: key}
	}
	return col, nil
}

// ValidIdentifier reports whether s is a plain or dot-qualified identifier
// made of [A-Za-z_][A-Za-z0-9_]* parts, safe to splice into SQL.
func ValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		if part[0] >= '0' && part[0] <= '9' {
			return false
		}
		for i := 0; i < len(part); i++ {
			if !isAlphaNumUnderscore(part[i]) {
				return false
			}
		}
	}
	return true
}
