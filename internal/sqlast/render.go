package sqlast

import "strings"

// Render emits canonical SQL text for st. render(parse(s)) must reparse to
// a structurally identical AST for any s in the supported grammar -- it
// does not promise to
// reproduce s byte-for-byte (keyword case and whitespace are canonicalized).
func Render(st *Statement) string {
	var b strings.Builder
	for i, sel := range st.Selects {
		if i > 0 {
			b.WriteByte(' ')
			b.WriteString(string(st.Ops[i-1]))
			b.WriteByte(' ')
		}
		renderSelect(&b, sel)
	}
	return b.String()
}

func renderSelect(b *strings.Builder, sel *SelectStmt) {
	b.WriteString("SELECT ")
	for i, c := range sel.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		renderColumn(b, c)
	}
	if len(sel.From) > 0 {
		b.WriteString(" FROM ")
		for i, tr := range sel.From {
			if i > 0 {
				b.WriteString(", ")
			}
			renderTableRef(b, tr)
		}
	}
	if len(sel.Where) > 0 {
		b.WriteString(" WHERE ")
		renderTokens(b, sel.Where)
	}
	if len(sel.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		renderTokens(b, sel.GroupBy)
	}
	if len(sel.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		renderTokens(b, sel.OrderBy)
	}
	if len(sel.Limit) > 0 {
		b.WriteString(" LIMIT ")
		renderTokens(b, sel.Limit)
	}
}

func renderColumn(b *strings.Builder, c ColumnRef) {
	if c.Qualifier != nil {
		renderIdentToken(b, c.Qualifier.Tok)
		b.WriteByte('.')
	}
	if c.Star {
		b.WriteByte('*')
	} else {
		b.WriteString(c.Name)
	}
	if c.Alias != "" {
		b.WriteString(" AS ")
		b.WriteString(c.Alias)
	}
}

func renderTableRef(b *strings.Builder, tr TableRef) {
	renderIdentToken(b, tr.Tok)
	if tr.Alias != "" {
		b.WriteString(" AS ")
		b.WriteString(tr.Alias)
	}
}

func renderIdentToken(b *strings.Builder, t Token) {
	if t.Kind == TokQuotedIdent {
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(t.Raw, `"`, `""`))
		b.WriteByte('"')
		return
	}
	b.WriteString(t.Text)
}

// renderTokens prints a raw clause token run with spacing that is safe to
// re-lex: a space between any two tokens except immediately before ')',
// ',' or '.', or immediately after '(' or '.'.
func renderTokens(b *strings.Builder, toks []Token) {
	for i, t := range toks {
		if i > 0 && needsSpaceBefore(toks[i-1], t) {
			b.WriteByte(' ')
		}
		renderOneToken(b, t)
	}
}

func needsSpaceBefore(prev, cur Token) bool {
	if prev.Kind == TokPunct && (prev.Text == "(" || prev.Text == ".") {
		return false
	}
	if cur.Kind == TokPunct && (cur.Text == ")" || cur.Text == "," || cur.Text == ".") {
		return false
	}
	return true
}

func renderOneToken(b *strings.Builder, t Token) {
	switch t.Kind {
	case TokQuotedIdent:
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(t.Raw, `"`, `""`))
		b.WriteByte('"')
	case TokString:
		b.WriteByte('\'')
		b.WriteString(strings.ReplaceAll(t.Raw, `'`, `''`))
		b.WriteByte('\'')
	case TokKeyword:
		b.WriteString(strings.ToUpper(t.Text))
	default:
		b.WriteString(t.Text)
	}
}
