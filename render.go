package sqltpl

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Render renders a parsed template against params. It returns the SQL text
// with dialect placeholders and the values in placeholder order.
//
// Every placeholder used at top level must be bound: plain and pagination
// placeholders to a non-empty value, IN / NOT IN placeholders to any value
// (an empty or null list collapses the clause). Conditional blocks render
// only when all their direct placeholders are bound and non-empty.
// Rendering is pure: the same root, params and settings always produce the
// same output.
func Render(root *Root, params Params, s Settings) (string, []any, error) {
	if root == nil {
		return "", nil, invalidParameter("", "nil template")
	}
	if err := precheck(root, params); err != nil {
		return "", nil, err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	r := renderer{s: s, params: params, buf: buf}
	if s.MaxPlaceholders != 0 {
		r.args = make([]any, 0, len(params))
	}
	if err := r.nodes(root.Branches); err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(buf.String()), r.args, nil
}

// precheck verifies top-level placeholders before any text is produced.
func precheck(root *Root, params Params) error {
	for _, n := range root.Branches {
		var name string
		strict := true
		switch n := n.(type) {
		case Placeholder:
			name = n.Name
		case PaginateClause:
			name = n.Placeholder
		case InClause:
			name, strict = n.Placeholder, false
		case NotInClause:
			name, strict = n.Placeholder, false
		default:
			continue
		}
		v, ok := params[name]
		if !ok || (strict && v.IsEmpty()) {
			return missingPlaceholder(name)
		}
	}
	return nil
}

type renderer struct {
	s      Settings
	params Params
	buf    *bytebufferpool.ByteBuffer
	args   []any
	n      int
}

func (r *renderer) nodes(nodes []Node) error {
	for _, n := range nodes {
		if err := r.node(n); err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) node(n Node) error {
	switch n := n.(type) {
	case Raw:
		r.buf.WriteString(n.Text)
	case Placeholder:
		v, ok := r.params[n.Name]
		if !ok {
			return missingPlaceholder(n.Name)
		}
		return r.value(n.Name, v)
	case *ConditionalBlock:
		for _, name := range n.Required {
			if v, ok := r.params[name]; !ok || v.IsEmpty() {
				return nil
			}
		}
		return r.nodes(n.Branches)
	case InClause:
		return r.in(n.Expr, n.Placeholder, false)
	case NotInClause:
		return r.in(n.Expr, n.Placeholder, true)
	case PaginateClause:
		v := r.params[n.Placeholder]
		pg, ok := v.frag.(Pagination)
		if v.kind != KindFragment || !ok {
			return invalidParameter(n.Placeholder, "PAGINATE requires a pagination value, got "+v.kind.String())
		}
		return r.pagination(pg)
	default:
		return fmt.Errorf("%w: unexpected node %T", ErrInvalidParameter, n)
	}
	return nil
}

// value renders a value bound to a plain placeholder.
func (r *renderer) value(name string, v Value) error {
	switch v.kind {
	case KindFragment:
		return r.fragment(name, v.frag)
	case KindArray:
		return r.list(v.items)
	}
	return r.scalar(v)
}

func (r *renderer) in(expr, name string, not bool) error {
	v := r.params[name]
	switch v.kind {
	case KindFragment, KindObject:
		return invalidParameter(name, "IN requires a list, got "+v.kind.String())
	case KindNull:
		r.collapse(expr, name, not)
		return nil
	case KindArray:
		if len(v.items) == 0 {
			r.collapse(expr, name, not)
			return nil
		}
	}
	r.buf.WriteString(expr)
	if not {
		r.buf.WriteString(" NOT IN (")
	} else {
		r.buf.WriteString(" IN (")
	}
	var err error
	if v.kind == KindArray {
		err = r.list(v.items)
	} else {
		err = r.scalar(v)
	}
	if err != nil {
		return err
	}
	r.buf.WriteByte(')')
	return nil
}

// collapse writes the constant predicate for IN / NOT IN over an empty list,
// annotated with the source clause.
func (r *renderer) collapse(expr, name string, not bool) {
	if not {
		r.buf.WriteString(r.s.CollapsedNotIn)
		r.buf.WriteString(" /* ")
		r.buf.WriteString(sanitizeComment(expr))
		r.buf.WriteString(" NOT IN :")
	} else {
		r.buf.WriteString(r.s.CollapsedIn)
		r.buf.WriteString(" /* ")
		r.buf.WriteString(sanitizeComment(expr))
		r.buf.WriteString(" IN :")
	}
	r.buf.WriteString(name)
	r.buf.WriteString(" */")
}

// list writes comma separated placeholders; nested arrays become tuples.
func (r *renderer) list(items []Value) error {
	if err := r.reserve(countLeaves(items)); err != nil {
		return err
	}
	for i, it := range items {
		if i > 0 {
			r.buf.WriteString(", ")
		}
		if it.kind == KindArray {
			r.buf.WriteByte('(')
			if err := r.list(it.items); err != nil {
				return err
			}
			r.buf.WriteByte(')')
			continue
		}
		if it.kind == KindFragment {
			return invalidParameter("", "fragments cannot be list elements")
		}
		if err := r.scalar(it); err != nil {
			return err
		}
	}
	return nil
}

func countLeaves(items []Value) int {
	n := 0
	for _, it := range items {
		if it.kind == KindArray {
			n += countLeaves(it.items)
		} else {
			n++
		}
	}
	return n
}

// reserve fails early when adding n placeholders would exceed the limit.
func (r *renderer) reserve(add int) error {
	if r.s.MaxPlaceholders > 0 && r.n+add > r.s.MaxPlaceholders {
		return &Error{
			Kind: KindTooManyParams,
			Msg:  fmt.Sprintf("requested=%d, limit=%d", r.n+add, r.s.MaxPlaceholders),
		}
	}
	return nil
}

// scalar binds one value, or inlines it as a literal in debug mode.
func (r *renderer) scalar(v Value) error {
	if r.s.MaxPlaceholders == 0 {
		lit, err := literal(v, r.s)
		if err != nil {
			return err
		}
		r.buf.WriteString(lit)
		return nil
	}
	if err := r.reserve(1); err != nil {
		return err
	}
	arg, err := v.arg()
	if err != nil {
		return invalidParameter("", err.Error())
	}
	r.n++
	r.args = append(r.args, arg)
	if v.kind == KindObject {
		before, after, _ := strings.Cut(r.s.JSONPlaceholder, "%s")
		r.buf.WriteString(before)
		r.placeholder()
		r.buf.WriteString(after)
		return nil
	}
	r.placeholder()
	return nil
}

// placeholder emits the token for the current argument index.
func (r *renderer) placeholder() {
	switch r.s.Placeholder {
	case PlaceholderDollar:
		r.buf.WriteByte('$')
		r.buf.B = strconv.AppendInt(r.buf.B, int64(r.n), 10)
	case PlaceholderAtP:
		r.buf.WriteString("@p")
		r.buf.B = strconv.AppendInt(r.buf.B, int64(r.n), 10)
	default:
		r.buf.WriteByte('?')
	}
}

func (r *renderer) fragment(name string, f Fragment) error {
	switch f := f.(type) {
	case Pagination:
		return r.pagination(f)
	case OrderBy:
		for i, it := range f.Items {
			if !ValidIdentifier(it.Column) {
				return &Error{Kind: KindInvalidIdentifier, Name: it.Column}
			}
			if i > 0 {
				r.buf.WriteString(", ")
			}
			r.buf.WriteString(r.s.quoteIdent(it.Column))
			if it.Desc {
				r.buf.WriteString(" DESC")
			} else {
				r.buf.WriteString(" ASC")
			}
		}
	case SelectList:
		for i, col := range f.Columns {
			if !ValidIdentifier(col) {
				return &Error{Kind: KindInvalidIdentifier, Name: col}
			}
			if i > 0 {
				r.buf.WriteString(", ")
			}
			r.buf.WriteString(r.s.quoteIdent(col))
		}
	default:
		return invalidParameter(name, fmt.Sprintf("unsupported fragment %T", f))
	}
	return nil
}

func (r *renderer) pagination(p Pagination) error {
	if p.Limit < 0 || p.Offset < 0 {
		return invalidParameter("", "pagination limit and offset must not be negative")
	}
	limit, offset := Value{kind: KindInt, v: p.Limit}, Value{kind: KindInt, v: p.Offset}
	if r.s.Paginate == PaginateOffsetFetch {
		r.buf.WriteString("OFFSET ")
		if err := r.scalar(offset); err != nil {
			return err
		}
		r.buf.WriteString(" ROWS FETCH NEXT ")
		if err := r.scalar(limit); err != nil {
			return err
		}
		r.buf.WriteString(" ROWS ONLY")
		return nil
	}
	r.buf.WriteString("LIMIT ")
	if err := r.scalar(limit); err != nil {
		return err
	}
	r.buf.WriteString(" OFFSET ")
	return r.scalar(offset)
}

// sanitizeComment keeps s from opening or closing a block comment. Postgres
// nests block comments, so "/*" matters as much as "*/".
func sanitizeComment(s string) string {
	s = strings.ReplaceAll(s, "/*", "/ *")
	return strings.ReplaceAll(s, "*/", "* /")
}

// --------------------------------
// Literals
// --------------------------------

// literal renders v as an SQL literal for the dialect. It is only used when
// placeholders are disabled, to produce copy-pasteable SQL for debugging.
func literal(v Value, s Settings) (string, error) {
	switch v.kind {
	case KindNull:
		return "NULL", nil
	case KindBool:
		if b, _ := v.v.(bool); b || fmt.Sprint(v.v) == "true" {
			return s.TrueLiteral, nil
		}
		return s.FalseLiteral, nil
	case KindInt:
		return fmt.Sprint(v.v), nil
	case KindFloat:
		switch f := v.v.(type) {
		case float64:
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(f), 'g', -1, 32), nil
		}
		return fmt.Sprint(v.v), nil
	case KindString:
		return quoteString(fmt.Sprint(v.v), s), nil
	case KindBytes:
		return quoteBytes(v.v.([]byte), s), nil
	case KindObject:
		b, err := json.Marshal(v.v)
		if err != nil {
			return "", invalidParameter("", err.Error())
		}
		before, after, _ := strings.Cut(s.JSONPlaceholder, "%s")
		return before + quoteString(string(b), s) + after, nil
	case KindOpaque:
		return opaqueLiteral(v.v, s)
	}
	return "", invalidParameter("", "cannot inline "+v.kind.String())
}

func opaqueLiteral(x any, s Settings) (string, error) {
	switch t := x.(type) {
	case time.Time:
		return quoteString(t.Format("2006-01-02 15:04:05.999999999Z07:00"), s), nil
	case driver.Valuer:
		dv, err := t.Value()
		if err != nil {
			return "", invalidParameter("", err.Error())
		}
		if _, again := dv.(driver.Valuer); again {
			return quoteString(fmt.Sprint(dv), s), nil
		}
		return literal(ValueOf(dv), s)
	}
	v := ValueOf(x)
	if v.kind == KindOpaque || v.kind == KindArray || v.kind == KindFragment {
		return quoteString(fmt.Sprint(x), s), nil
	}
	return literal(v, s)
}

func quoteString(str string, s Settings) string {
	var b strings.Builder
	b.Grow(len(str) + 3)
	if s.StringsAsNText {
		b.WriteByte('N')
	}
	b.WriteByte('\'')
	for i := 0; i < len(str); i++ {
		c := str[i]
		switch {
		case c == '\'':
			b.WriteString("''")
		case c == '\\' && s.EscapeBackslash:
			b.WriteString(`\\`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func quoteBytes(bs []byte, s Settings) string {
	h := hex.EncodeToString(bs)
	switch s.Dialect {
	case Postgres:
		return `'\x` + h + `'::bytea`
	case SQLServer:
		return "0x" + h
	default:
		return "X'" + h + "'"
	}
}
