package sqlast

import (
	"fmt"

	"github.com/mohammed-shakir/geosql-mediator/internal/mederr"
)

type parser struct {
	toks []Token
	pos  int
}

// Parse tokenizes and parses sql into a Statement. Errors are always
// mederr.Parse-wrapped so callers can use errors.Is(err, mederr.Parse).
func Parse(sql string) (st *Statement, err error) {
	defer mederr.Wrap(&err, "sqlast.Parse")

	toks, lexErr := Lex(sql)
	if lexErr != nil {
		return nil, fmt.Errorf("%w: %v", mederr.Parse, lexErr)
	}
	p := &parser{toks: toks}
	st, perr := p.parseStatement()
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", mederr.Parse, perr)
	}
	if !p.atKind(TokEOF) {
		return nil, fmt.Errorf("%w: unexpected trailing input at token %q", mederr.Parse, p.cur().Text)
	}
	return st, nil
}

func (p *parser) cur() Token { return p.toks[p.pos] }
func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}
func (p *parser) atKind(k TokenKind) bool { return p.cur().Kind == k }
func (p *parser) atKeyword(kw string) bool {
	return p.cur().Kind == TokKeyword && eqFold(p.cur().Text, kw)
}
func (p *parser) atPunct(s string) bool {
	return p.cur().Kind == TokPunct && p.cur().Text == s
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (p *parser) expectKeyword(kw string) error {
	if !p.atKeyword(kw) {
		return fmt.Errorf("expected %q, found %q", kw, p.cur().Text)
	}
	p.advance()
	return nil
}

func (p *parser) parseStatement() (*Statement, error) {
	st := &Statement{}
	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	st.Selects = append(st.Selects, sel)

	for p.atKeyword("union") {
		p.advance()
		op := OpUnion
		if p.atKeyword("all") {
			p.advance()
			op = OpUnionAll
		}
		next, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		st.Ops = append(st.Ops, op)
		st.Selects = append(st.Selects, next)
	}

	if p.atPunct(";") {
		p.advance()
	}
	return st, nil
}

func (p *parser) parseSelect() (*SelectStmt, error) {
	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}
	sel := &SelectStmt{}

	cols, err := p.parseColumnList()
	if err != nil {
		return nil, err
	}
	sel.Columns = cols

	if p.atKeyword("from") {
		p.advance()
		from, err := p.parseFromList()
		if err != nil {
			return nil, err
		}
		sel.From = from
	}

	if p.atKeyword("where") {
		p.advance()
		sel.Where = p.consumeClauseTokens()
	}
	if p.atKeyword("group") {
		p.advance()
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		sel.GroupBy = p.consumeClauseTokens()
	}
	if p.atKeyword("order") {
		p.advance()
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		sel.OrderBy = p.consumeClauseTokens()
	}
	if p.atKeyword("limit") {
		p.advance()
		sel.Limit = p.consumeClauseTokens()
	}
	return sel, nil
}

// consumeClauseTokens reads raw tokens until the next clause keyword,
// UNION, ';' or EOF -- this repo doesn't need deep expression parsing to
// rewrite URL table references, only to find them (see rewrite.go).
func (p *parser) consumeClauseTokens() []Token {
	var out []Token
	for {
		switch {
		case p.atKind(TokEOF), p.atPunct(";"):
			return out
		case p.atKeyword("where"), p.atKeyword("group"), p.atKeyword("order"),
			p.atKeyword("limit"), p.atKeyword("union"):
			return out
		default:
			out = append(out, p.advance())
		}
	}
}

func (p *parser) parseColumnList() ([]ColumnRef, error) {
	var cols []ColumnRef
	for {
		col, err := p.parseColumnRef()
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return cols, nil
}

func (p *parser) parseColumnRef() (ColumnRef, error) {
	var col ColumnRef

	if p.atPunct("*") {
		p.advance()
		col.Star = true
		return col, nil
	}

	if p.atKind(TokIdent) || p.atKind(TokQuotedIdent) {
		first := p.advance()
		if p.atPunct(".") {
			p.advance()
			qualifier := TableRef{Tok: first}
			if p.atPunct("*") {
				p.advance()
				col.Qualifier = &qualifier
				col.Star = true
				return col, nil
			}
			if !p.atKind(TokIdent) && !p.atKind(TokQuotedIdent) {
				return col, fmt.Errorf("expected column name after %q.", qualifierName(qualifier))
			}
			name := p.advance()
			col.Qualifier = &qualifier
			col.Name = identName(name)
		} else {
			col.Name = identName(first)
		}
	} else {
		return col, fmt.Errorf("expected column reference, found %q", p.cur().Text)
	}

	if p.atKeyword("as") {
		p.advance()
		if !p.atKind(TokIdent) && !p.atKind(TokQuotedIdent) {
			return col, fmt.Errorf("expected alias after AS")
		}
		col.Alias = identName(p.advance())
	}
	return col, nil
}

func identName(t Token) string {
	if t.Kind == TokQuotedIdent {
		return t.Raw
	}
	return t.Text
}

func qualifierName(t TableRef) string { return identName(t.Tok) }

func (p *parser) parseFromList() ([]TableRef, error) {
	var refs []TableRef
	for {
		if !p.atKind(TokIdent) && !p.atKind(TokQuotedIdent) {
			return nil, fmt.Errorf("expected table reference, found %q", p.cur().Text)
		}
		tr := TableRef{Tok: p.advance()}
		if p.atKeyword("as") {
			p.advance()
			if !p.atKind(TokIdent) && !p.atKind(TokQuotedIdent) {
				return nil, fmt.Errorf("expected alias after AS")
			}
			tr.Alias = identName(p.advance())
		} else if p.atKind(TokIdent) {
			// bare alias, e.g. "FROM t1 a"
			tr.Alias = identName(p.advance())
		}
		refs = append(refs, tr)
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return refs, nil
}
