package sqltpl

// Node is an element of a parsed template. The set of implementations is
// closed: Raw, Placeholder, ConditionalBlock, InClause, NotInClause,
// PaginateClause and Root. Nodes are immutable once parsed and shared by
// every render of the same template.
type Node interface {
	node()
}

// Raw is literal SQL text copied to the output unchanged.
type Raw struct {
	Text string
}

// Placeholder is a named (:name, $name) or positional (?) parameter. Positional
// markers carry their 1-based ordinal as name.
type Placeholder struct {
	Name string
}

// ConditionalBlock is a {{ ... }} section. It renders only when every
// placeholder in Required is bound and non-empty. Required holds the
// placeholders referenced directly inside the block, not those of nested
// blocks.
type ConditionalBlock struct {
	Branches []Node
	Required []string
}

// InClause is `Expr IN :name`, collapsed to a constant false predicate when
// the bound list is empty.
type InClause struct {
	Expr        string
	Placeholder string
}

// NotInClause is `Expr NOT IN :name`, collapsed to a constant true predicate
// when the bound list is empty.
type NotInClause struct {
	Expr        string
	Placeholder string
}

// PaginateClause is `PAGINATE :name`, bound to a Pagination fragment.
type PaginateClause struct {
	Placeholder string
}

// Root is a parsed template. Required lists the placeholders referenced at
// top level, outside any conditional block.
type Root struct {
	Branches []Node
	Required []string
	// Positional is the number of ? markers in the template.
	Positional int
}

func (Raw) node() {}
func (Placeholder) node() {}
func (*ConditionalBlock) node() {}
func (InClause) node() {}
func (NotInClause) node() {}
func (PaginateClause) node() {}
func (*Root) node() {}

// Placeholders returns every placeholder name used by the template at any
// depth, deduplicated, in order of first appearance.
func (r *Root) Placeholders() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch n := n.(type) {
			case Placeholder:
				add(n.Name)
			case InClause:
				add(n.Placeholder)
			case NotInClause:
				add(n.Placeholder)
			case PaginateClause:
				add(n.Placeholder)
			case *ConditionalBlock:
				walk(n.Branches)
			}
		}
	}
	walk(r.Branches)
	return out
}
