package sqlast

// RewriteURLs walks a clone of st, replacing every relation reference
// (and every column qualifier that quotes the same text) whose identifier
// is URL-shaped according to isURL with hash(identifier). It returns the
// rewritten statement and a mapping from original URL to substituted
// table name. st itself is left untouched -- the walk is a
// pure transformer, like a classic AST visitor.
func RewriteURLs(st *Statement, isURL func(string) bool, hash func(string) string) (*Statement, map[string]string) {
	mapping := map[string]string{}
	out := cloneStatement(st)

	resolve := func(t Token) (Token, bool) {
		if t.Kind != TokQuotedIdent || !isURL(t.Raw) {
			return t, false
		}
		name, ok := mapping[t.Raw]
		if !ok {
			name = hash(t.Raw)
			mapping[t.Raw] = name
		}
		return Token{Kind: TokIdent, Text: name}, true
	}

	for _, sel := range out.Selects {
		for i, tr := range sel.From {
			if nt, changed := resolve(tr.Tok); changed {
				sel.From[i].Tok = nt
			}
		}
		for i, col := range sel.Columns {
			if col.Qualifier == nil {
				continue
			}
			if nt, changed := resolve(col.Qualifier.Tok); changed {
				q := *col.Qualifier
				q.Tok = nt
				sel.Columns[i].Qualifier = &q
			}
		}
		sel.Where = rewriteTokens(sel.Where, resolve)
		sel.GroupBy = rewriteTokens(sel.GroupBy, resolve)
		sel.OrderBy = rewriteTokens(sel.OrderBy, resolve)
		sel.Limit = rewriteTokens(sel.Limit, resolve)
	}
	return out, mapping
}

func rewriteTokens(toks []Token, resolve func(Token) (Token, bool)) []Token {
	if len(toks) == 0 {
		return toks
	}
	out := make([]Token, len(toks))
	for i, t := range toks {
		if nt, changed := resolve(t); changed {
			out[i] = nt
		} else {
			out[i] = t
		}
	}
	return out
}

func cloneStatement(st *Statement) *Statement {
	out := &Statement{Ops: append([]SetOp(nil), st.Ops...)}
	for _, sel := range st.Selects {
		out.Selects = append(out.Selects, cloneSelect(sel))
	}
	return out
}

func cloneSelect(sel *SelectStmt) *SelectStmt {
	cols := make([]ColumnRef, len(sel.Columns))
	for i, c := range sel.Columns {
		cols[i] = c
		if c.Qualifier != nil {
			q := *c.Qualifier
			cols[i].Qualifier = &q
		}
	}
	return &SelectStmt{
		Columns: cols,
		From:    append([]TableRef(nil), sel.From...),
		Where:   append([]Token(nil), sel.Where...),
		GroupBy: append([]Token(nil), sel.GroupBy...),
		OrderBy: append([]Token(nil), sel.OrderBy...),
		Limit:   append([]Token(nil), sel.Limit...),
	}
}
