package sqltpl

import (
	"errors"
	"strconv"
	"strings"
)

// MergeInto writes the template text of r into dst, renaming placeholders so
// they cannot collide with the caller's namespace.
//
// A placeholder keeps its name when it is neither in claimed nor bound in
// dstParams; otherwise it becomes "{name}_auto_{n}" with the smallest free n
// starting at 0. Every name used is added to claimed. Values bound in
// srcParams are moved to dstParams under the new name. Positional markers are
// re-emitted as named placeholders, IN / NOT IN as `expr IN (:name)` and
// pagination as `PAGINATE :name`; collapsing and list expansion happen when
// the composed template is rendered.
func (r *Root) MergeInto(dst *strings.Builder, claimed map[string]struct{}, dstParams, srcParams Params) error {
	if dst == nil || claimed == nil || dstParams == nil {
		return errors.New("sqltpl: MergeInto requires a destination builder, claimed set and params")
	}
	if err := checkJoins(r.Branches); err != nil {
		return err
	}
	m := merger{
		out:     dst,
		claimed: claimed,
		dst:     dstParams,
		src:     srcParams,
		renames: make(map[string]string, 4),
	}
	m.nodes(r.Branches)
	return nil
}

// checkJoins rejects a placeholder directly followed by name characters,
// as in "?abc": re-emitted as ":1abc" it would read back as another name.
func checkJoins(nodes []Node) error {
	for i, n := range nodes {
		var name string
		switch n := n.(type) {
		case Placeholder:
			name = n.Name
		case PaginateClause:
			name = n.Placeholder
		case *ConditionalBlock:
			if err := checkJoins(n.Branches); err != nil {
				return err
			}
			continue
		default:
			continue
		}
		if i+1 < len(nodes) {
			if raw, ok := nodes[i+1].(Raw); ok && raw.Text != "" && isAlphaNumUnderscore(raw.Text[0]) {
				return invalidParameter(name, "placeholder is directly followed by "+strconv.Quote(raw.Text[:1])+" and cannot be composed")
			}
		}
	}
	return nil
}

type merger struct {
	out     *strings.Builder
	claimed map[string]struct{}
	dst     Params
	src     Params
	renames map[string]string
}

func (m *merger) taken(name string) bool {
	if _, ok := m.claimed[name]; ok {
		return true
	}
	_, ok := m.dst[name]
	return ok
}

// rename returns the destination name of a donor placeholder, claiming it and
// moving its value on first use.
func (m *merger) rename(orig string) string {
	if n, ok := m.renames[orig]; ok {
		return n
	}
	n := orig
	for i := 0; m.taken(n); i++ {
		n = orig + "_auto_" + strconv.Itoa(i)
	}
	m.claimed[n] = struct{}{}
	m.renames[orig] = n
	if v, ok := m.src[orig]; ok {
		m.dst[n] = v
		delete(m.src, orig)
	}
	return n
}

func (m *merger) ref(orig string) {
	name := m.rename(orig)
	if s := m.out.String(); len(s) > 0 && s[len(s)-1] == ':' {
		// ":" + ":name" would read back as a cast
		m.out.WriteByte('$')
	} else {
		m.out.WriteByte(':')
	}
	m.out.WriteString(name)
}

func (m *merger) nodes(nodes []Node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case Raw:
			if n.Text == "?" {
				m.out.WriteString(`\?`)
			} else {
				m.out.WriteString(n.Text)
			}
		case Placeholder:
			m.ref(n.Name)
		case *ConditionalBlock:
			m.out.WriteString("{{")
			m.nodes(n.Branches)
			m.out.WriteString("}}")
		case InClause:
			m.out.WriteString(n.Expr)
			m.out.WriteString(" IN (")
			m.ref(n.Placeholder)
			m.out.WriteByte(')')
		case NotInClause:
			m.out.WriteString(n.Expr)
			m.out.WriteString(" NOT IN (")
			m.ref(n.Placeholder)
			m.out.WriteByte(')')
		case PaginateClause:
			m.out.WriteString("PAGINATE ")
			m.ref(n.Placeholder)
		}
	}
}
