package sqltpl

import (
	"fmt"
	"strconv"
	"strings"
)

// lexer states for safe scanning through strings, comments, identifiers, etc.
const (
	sText = iota
	sSQ   // '...'
	sDQ   // "..."
	sBT   // `...`
	sBR   // [...]
	sLC   // line comment -- or #
	sBC   // block comment /* ... */
	sDQD  // $tag$ ... $tag$ (dollar-quoted)
)

// Parse parses a template into its AST. It recognizes conditional blocks,
// named (:name, $name) and positional (?) placeholders, IN / NOT IN sugar and
// PAGINATE, and leaves everything inside strings, quoted identifiers and
// comments untouched.
func Parse(query string, s Settings) (*Root, error) {
	p := parser{q: query, s: s}
	nodes, required, err := p.parseLevel(-1)
	if err != nil {
		return nil, err
	}
	return &Root{Branches: nodes, Required: required, Positional: p.ordinal}, nil
}

type parser struct {
	q       string
	s       Settings
	i       int
	ordinal int
}

// level accumulates the nodes of one nesting level.
type level struct {
	nodes    []Node
	raw      []byte
	required []string
	seen     map[string]struct{}
}

func (l *level) flush() {
	if len(l.raw) > 0 {
		l.nodes = append(l.nodes, Raw{Text: string(l.raw)})
		l.raw = l.raw[:0]
	}
}

func (l *level) require(name string) {
	if l.seen == nil {
		l.seen = make(map[string]struct{}, 4)
	}
	if _, ok := l.seen[name]; ok {
		return
	}
	l.seen[name] = struct{}{}
	l.required = append(l.required, name)
}

// parseLevel parses until the "}}" closing the block opened at offset open,
// or until end of input when open < 0.
func (p *parser) parseLevel(open int) ([]Node, []string, error) {
	q := p.q
	var lv level
	state := sText
	stateStart := 0
	var dqTag string // active dollar-quoted tag (Postgres-like)

	for p.i < len(q) {
		c := q[p.i]

		switch state {
		case sText:
			if c == '{' && p.at(p.i+1) == '{' {
				lv.flush()
				start := p.i
				p.i += 2
				nodes, req, err := p.parseLevel(start)
				if err != nil {
					return nil, nil, err
				}
				lv.nodes = append(lv.nodes, &ConditionalBlock{Branches: nodes, Required: req})
				continue
			}
			if c == '}' && p.at(p.i+1) == '}' {
				if open < 0 {
					return nil, nil, parseError(q, p.i, `unexpected "}}" without matching "{{"`)
				}
				p.i += 2
				lv.flush()
				return lv.nodes, lv.required, nil
			}

			// Enter/exit helper states while preserving the raw text
			if c == '-' && p.at(p.i+1) == '-' {
				state, stateStart = sLC, p.i
				lv.raw = append(lv.raw, "--"...)
				p.i += 2
				continue
			}
			if c == '#' && p.s.CommentHash {
				state, stateStart = sLC, p.i
				lv.raw = append(lv.raw, c)
				p.i++
				continue
			}
			if c == '/' && p.at(p.i+1) == '*' {
				state, stateStart = sBC, p.i
				lv.raw = append(lv.raw, "/*"...)
				p.i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				lv.raw = append(lv.raw, c)
				p.i++
				continue
			}
			if c == '"' {
				state = sDQ
				lv.raw = append(lv.raw, c)
				p.i++
				continue
			}
			if c == '`' && p.s.BacktickIdentifiers {
				state = sBT
				lv.raw = append(lv.raw, c)
				p.i++
				continue
			}
			if c == '[' && p.s.BracketIdentifiers {
				state = sBR
				lv.raw = append(lv.raw, c)
				p.i++
				continue
			}
			if c == '$' && p.s.DollarQuoting {
				if tag, ok := readDollarTag(q[p.i:]); ok {
					state = sDQD
					dqTag = tag
					lv.raw = append(lv.raw, tag...)
					p.i += len(tag)
					continue
				}
			}

			if c == 'P' || c == 'p' {
				ok, err := p.paginate(&lv)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					continue
				}
			}
			if p.s.CollapsibleIn && (c == 'I' || c == 'i' || c == 'N' || c == 'n') {
				ok, err := p.inClause(&lv)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					continue
				}
			}

			if c == ':' && p.at(p.i+1) == ':' {
				// type cast passthrough
				lv.raw = append(lv.raw, "::"...)
				p.i += 2
				continue
			}
			if c == ':' || c == '$' {
				name, end, err := p.readName(p.i + 1)
				if err != nil {
					return nil, nil, err
				}
				if name != "" {
					lv.flush()
					lv.nodes = append(lv.nodes, Placeholder{Name: name})
					lv.require(name)
					p.i = end
					continue
				}
			}
			if c == '\\' && p.at(p.i+1) == '?' {
				// escaped question mark: kept as its own node so the
				// composer can re-escape it
				lv.flush()
				lv.nodes = append(lv.nodes, Raw{Text: "?"})
				p.i += 2
				continue
			}
			if c == '?' {
				lv.flush()
				name := p.nextOrdinal()
				lv.nodes = append(lv.nodes, Placeholder{Name: name})
				lv.require(name)
				p.i++
				continue
			}

			lv.raw = append(lv.raw, c)
			p.i++

		case sSQ:
			if c == '\\' && p.s.EscapeBackslash {
				lv.raw = append(lv.raw, c)
				p.i++
				if p.i < len(q) {
					lv.raw = append(lv.raw, q[p.i])
					p.i++
				}
				continue
			}
			lv.raw = append(lv.raw, c)
			p.i++
			if c == '\'' {
				if p.s.EscapeDoubleSingleQuotes && p.at(p.i) == '\'' {
					lv.raw = append(lv.raw, '\'')
					p.i++
				} else {
					state = sText
				}
			}

		case sDQ:
			if c == '\\' && p.s.EscapeBackslash {
				lv.raw = append(lv.raw, c)
				p.i++
				if p.i < len(q) {
					lv.raw = append(lv.raw, q[p.i])
					p.i++
				}
				continue
			}
			lv.raw = append(lv.raw, c)
			p.i++
			if c == '"' {
				if p.at(p.i) == '"' {
					lv.raw = append(lv.raw, '"')
					p.i++
				} else {
					state = sText
				}
			}

		case sBT, sBR:
			closer := byte('`')
			if state == sBR {
				closer = ']'
			}
			lv.raw = append(lv.raw, c)
			p.i++
			if c == closer {
				if p.at(p.i) == closer {
					lv.raw = append(lv.raw, closer)
					p.i++
				} else {
					state = sText
				}
			}

		case sLC:
			lv.raw = append(lv.raw, c)
			p.i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			lv.raw = append(lv.raw, c)
			p.i++
			if c == '*' && p.at(p.i) == '/' {
				lv.raw = append(lv.raw, '/')
				p.i++
				state = sText
			}

		case sDQD:
			k := strings.Index(q[p.i:], dqTag)
			if k < 0 {
				lv.raw = append(lv.raw, q[p.i:]...)
				p.i = len(q)
			} else {
				lv.raw = append(lv.raw, q[p.i:p.i+k+len(dqTag)]...)
				p.i += k + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	if state == sBC {
		return nil, nil, parseError(q, stateStart, "unterminated block comment")
	}
	if open >= 0 {
		return nil, nil, parseError(q, open, `unmatched "{{"`)
	}
	lv.flush()
	return lv.nodes, lv.required, nil
}

// at returns the byte at offset i, or 0 past the end of input.
func (p *parser) at(i int) byte {
	if i < 0 || i >= len(p.q) {
		return 0
	}
	return p.q[i]
}

func (p *parser) nextOrdinal() string {
	p.ordinal++
	return strconv.Itoa(p.ordinal)
}

// readName reads a placeholder name [A-Za-z0-9_]+ starting at i.
// It returns "" when no name starts at i.
func (p *parser) readName(i int) (string, int, error) {
	k := i
	for k < len(p.q) && isAlphaNumUnderscore(p.q[k]) {
		k++
	}
	if k == i {
		return "", i, nil
	}
	name := p.q[i:k]
	if p.s.MaxNameLen > 0 && len(name) > p.s.MaxNameLen {
		return "", i, &Error{
			Kind:  KindParse,
			Name:  name,
			Query: p.q,
			Msg:   fmt.Sprintf("%d > %d", len(name), p.s.MaxNameLen),
			Err:   ErrParamNameTooLong,
		}
	}
	return name, k, nil
}

// placeholderAt matches :name, $name or ? at offset i without consuming it.
// positional is true for ?, in which case the ordinal is assigned by the
// caller once the surrounding construct is accepted.
func (p *parser) placeholderAt(i int) (name string, end int, positional bool, err error) {
	switch p.at(i) {
	case '?':
		return "", i + 1, true, nil
	case ':':
		if p.at(i+1) == ':' {
			return "", i, false, nil
		}
	case '$':
		if p.s.DollarQuoting {
			if _, ok := readDollarTag(p.q[i:]); ok {
				return "", i, false, nil
			}
		}
	default:
		return "", i, false, nil
	}
	name, end, err = p.readName(i + 1)
	return name, end, false, err
}

// keywordAt reports whether the keyword kw (upper case) starts at i with
// word boundaries on both sides.
func (p *parser) keywordAt(i int, kw string) bool {
	if i+len(kw) > len(p.q) {
		return false
	}
	if i > 0 && isAlphaNumUnderscore(p.q[i-1]) {
		return false
	}
	for k := 0; k < len(kw); k++ {
		if upper(p.q[i+k]) != kw[k] {
			return false
		}
	}
	return !isAlphaNumUnderscore(p.at(i + len(kw)))
}

func (p *parser) skipSpace(i int) int {
	for i < len(p.q) && isSpace(p.q[i]) {
		i++
	}
	return i
}

// paginate matches `PAGINATE <placeholder>` at the current offset.
func (p *parser) paginate(lv *level) (bool, error) {
	if !p.keywordAt(p.i, "PAGINATE") {
		return false, nil
	}
	j := p.i + len("PAGINATE")
	k := p.skipSpace(j)
	if k == j {
		return false, nil
	}
	name, end, positional, err := p.placeholderAt(k)
	if err != nil {
		return false, err
	}
	if positional {
		name = p.nextOrdinal()
	}
	if name == "" {
		return false, nil
	}
	lv.flush()
	lv.nodes = append(lv.nodes, PaginateClause{Placeholder: name})
	lv.require(name)
	p.i = end
	return true, nil
}

// inClause matches `NOT IN <placeholder>` or `IN <placeholder>`, with or
// without parentheses around the placeholder. The left-hand expression is the
// trailing non-whitespace run of the pending raw text.
func (p *parser) inClause(lv *level) (bool, error) {
	not := false
	j := p.i
	if p.keywordAt(j, "NOT") {
		k := p.skipSpace(j + 3)
		if k == j+3 || !p.keywordAt(k, "IN") {
			return false, nil
		}
		not = true
		j = k
	} else if !p.keywordAt(j, "IN") {
		return false, nil
	}
	j = p.skipSpace(j + 2)
	paren := false
	if p.at(j) == '(' {
		paren = true
		j = p.skipSpace(j + 1)
	}
	name, end, positional, err := p.placeholderAt(j)
	if err != nil {
		return false, err
	}
	if name == "" && !positional {
		return false, nil
	}
	if paren {
		end = p.skipSpace(end)
		if p.at(end) != ')' {
			return false, nil
		}
		end++
	}
	rest, expr := splitExpr(lv.raw)
	if expr == "" {
		return false, nil
	}
	if positional {
		name = p.nextOrdinal()
	}
	lv.raw = rest
	lv.flush()
	if not {
		lv.nodes = append(lv.nodes, NotInClause{Expr: expr, Placeholder: name})
	} else {
		lv.nodes = append(lv.nodes, InClause{Expr: expr, Placeholder: name})
	}
	lv.require(name)
	p.i = end
	return true, nil
}

// splitExpr cuts the trailing non-whitespace run off raw. Unbalanced leading
// open parentheses stay in the raw text: in "WHERE (a IN :x" the expression
// is "a".
func splitExpr(raw []byte) ([]byte, string) {
	end := len(raw)
	for end > 0 && isSpace(raw[end-1]) {
		end--
	}
	start := end
	for start > 0 && !isSpace(raw[start-1]) {
		start--
	}
	depth := 0
	for _, b := range raw[start:end] {
		switch b {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	for depth > 0 && start < end && raw[start] == '(' {
		start++
		depth--
	}
	if start == end {
		return raw, ""
	}
	return raw[:start], string(raw[start:end])
}

// --------------------------------
// Utils
// --------------------------------

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
