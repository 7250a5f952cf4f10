// Package sqlast implements a parser, AST and renderer for the small SQL
// subset the mediator needs to rewrite table references in. It
// intentionally does not implement subqueries, joins with explicit ON
// clauses, CTEs, or DML -- the mediator only ever sees read-only SELECTs
// over URL-shaped or ordinary table references; updates against URL
// tables are out of scope. Anything outside the subset fails to parse
// with a wrapped mederr.Parse, which the rewriter propagates to its
// caller unchanged.
package sqlast

// TableRef is one entry in a FROM clause.
type TableRef struct {
	// Tok is the original table-reference token: TokIdent for a plain
	// name, TokQuotedIdent for a double-quoted name (including URLs).
	Tok   Token
	Alias string // "" if none
}

// Name returns the unquoted relation name (the URL, for a URL table ref).
func (t TableRef) Name() string { return t.Tok.Raw }

func (t TableRef) isQuoted() bool { return t.Tok.Kind == TokQuotedIdent }

// ColumnRef is one entry in a SELECT list.
type ColumnRef struct {
	Qualifier *TableRef // non-nil for "qualifier.column" / "qualifier.*"
	Star      bool      // column itself is '*'
	Name      string    // unquoted column name, empty if Star
	Alias     string
}

// SelectStmt is one SELECT ... (FROM ...)? (WHERE ...)? etc core.
type SelectStmt struct {
	Columns []ColumnRef
	From    []TableRef
	// Opaque clauses: kept as token runs so rendering reproduces them
	// faithfully; table/URL substitution still applies to any
	// TokQuotedIdent inside.
	Where   []Token
	GroupBy []Token
	OrderBy []Token
	Limit   []Token
}

// SetOp is the combinator between two SelectStmts ("UNION" or "UNION ALL").
type SetOp string

const (
	OpUnion    SetOp = "UNION"
	OpUnionAll SetOp = "UNION ALL"
)

// Statement is a full parsed mediator statement: one or more SELECTs
// combined by set operators.
type Statement struct {
	Selects []*SelectStmt
	Ops     []SetOp // len(Ops) == len(Selects)-1
}

// URLTableRefs returns every distinct URL-shaped table reference in the
// statement's FROM clauses, in first-seen order.
func (s *Statement) URLTableRefs(isURL func(string) bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, sel := range s.Selects {
		for _, tr := range sel.From {
			if !tr.isQuoted() {
				continue
			}
			name := tr.Name()
			if !isURL(name) || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
