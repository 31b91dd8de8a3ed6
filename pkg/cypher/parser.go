package cypher

import (
	"strconv"
	"strings"
)

// parser is a recursive descent parser over the eagerly scanned token
// stream. It produces an AST; semantic checks (variable scoping, type
// feasibility) happen at compile time.
type parser struct {
	src  string
	toks []token
	pos  int
}

// Parse parses a Cypher statement.
func Parse(src string) (*Statement, error) {
	lx := newLexer(src)
	toks, err := lx.scan()
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) peek() token {
	if p.pos+1 < len(p.toks) {
		return p.toks[p.pos+1]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) at(kind tokenKind) bool { return p.cur().Kind == kind }

func (p *parser) atKeyword(kw string) bool { return p.cur().isKeyword(kw) }

func (p *parser) accept(kind tokenKind) bool {
	if p.at(kind) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.atKeyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) *SyntaxError {
	t := p.cur()
	return syntaxErrorf(t.Offset, t.Line, t.Column, format, args...)
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if !p.at(kind) {
		return token{}, p.errorf("expected %s, found %q", what, p.cur().Text)
	}
	return p.advance(), nil
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, found %q", kw, p.cur().Text)
	}
	return nil
}

func (p *parser) parseStatement() (*Statement, error) {
	stmt := &Statement{}
	if p.acceptKeyword("EXPLAIN") {
		stmt.Explain = true
	}
	sawReturn := false
	for !p.at(tokEOF) {
		if sawReturn {
			return nil, p.errorf("unexpected input after RETURN")
		}
		cl, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		if _, ok := cl.(*ReturnClause); ok {
			sawReturn = true
		}
		stmt.Clauses = append(stmt.Clauses, cl)
	}
	if len(stmt.Clauses) == 0 {
		return nil, p.errorf("empty statement")
	}
	return stmt, nil
}

func (p *parser) parseClause() (Clause, error) {
	switch {
	case p.atKeyword("OPTIONAL"):
		p.advance()
		if err := p.expectKeyword("MATCH"); err != nil {
			return nil, err
		}
		return p.parseMatch(true)
	case p.atKeyword("MATCH"):
		p.advance()
		return p.parseMatch(false)
	case p.atKeyword("CREATE"):
		p.advance()
		return p.parseCreate()
	case p.atKeyword("SET"):
		p.advance()
		return p.parseSet()
	case p.atKeyword("DETACH"):
		p.advance()
		if err := p.expectKeyword("DELETE"); err != nil {
			return nil, err
		}
		return p.parseDelete(true)
	case p.atKeyword("DELETE"):
		p.advance()
		return p.parseDelete(false)
	case p.atKeyword("RETURN"):
		p.advance()
		return p.parseReturn()
	case p.atKeyword("MERGE"):
		return nil, p.errorf("MERGE is not supported")
	case p.atKeyword("WITH"), p.atKeyword("UNWIND"), p.atKeyword("CALL"):
		return nil, p.errorf("%s is not supported", strings.ToUpper(p.cur().Text))
	}
	return nil, p.errorf("expected a clause, found %q", p.cur().Text)
}

func (p *parser) parseMatch(optional bool) (*MatchClause, error) {
	cl := &MatchClause{Optional: optional}
	for {
		part, err := p.parsePatternPart()
		if err != nil {
			return nil, err
		}
		cl.Patterns = append(cl.Patterns, part)
		if !p.accept(tokComma) {
			break
		}
	}
	if p.acceptKeyword("WHERE") {
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cl.Where = where
	}
	return cl, nil
}

func (p *parser) parseCreate() (*CreateClause, error) {
	cl := &CreateClause{}
	for {
		part, err := p.parsePatternPart()
		if err != nil {
			return nil, err
		}
		cl.Patterns = append(cl.Patterns, part)
		if !p.accept(tokComma) {
			break
		}
	}
	return cl, nil
}

func (p *parser) parseSet() (*SetClause, error) {
	cl := &SetClause{}
	for {
		item, err := p.parseSetItem()
		if err != nil {
			return nil, err
		}
		cl.Items = append(cl.Items, item)
		if !p.accept(tokComma) {
			break
		}
	}
	return cl, nil
}

func (p *parser) parseSetItem() (SetItem, error) {
	name, err := p.expect(tokIdent, "a variable")
	if err != nil {
		return SetItem{}, err
	}
	switch {
	case p.accept(tokDot):
		key, err := p.expect(tokIdent, "a property key")
		if err != nil {
			return SetItem{}, err
		}
		if _, err := p.expect(tokEq, "'='"); err != nil {
			return SetItem{}, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return SetItem{}, err
		}
		return SetItem{Variable: name.Text, Key: key.Text, Value: val}, nil
	case p.accept(tokColon):
		label, err := p.expect(tokIdent, "a label")
		if err != nil {
			return SetItem{}, err
		}
		return SetItem{Variable: name.Text, Label: label.Text}, nil
	}
	return SetItem{}, p.errorf("expected '.' or ':' after %q in SET", name.Text)
}

func (p *parser) parseDelete(detach bool) (*DeleteClause, error) {
	cl := &DeleteClause{Detach: detach}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cl.Exprs = append(cl.Exprs, e)
		if !p.accept(tokComma) {
			break
		}
	}
	return cl, nil
}

func (p *parser) parseReturn() (*ReturnClause, error) {
	cl := &ReturnClause{}
	if p.acceptKeyword("DISTINCT") {
		cl.Distinct = true
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		item := ReturnItem{Expr: e, Alias: e.String()}
		if p.acceptKeyword("AS") {
			alias, err := p.expect(tokIdent, "an alias")
			if err != nil {
				return nil, err
			}
			item.Alias = alias.Text
		}
		cl.Items = append(cl.Items, item)
		if !p.accept(tokComma) {
			break
		}
	}
	if p.atKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.acceptKeyword("DESC") || p.acceptKeyword("DESCENDING") {
				item.Desc = true
			} else if p.acceptKeyword("ASC") || p.acceptKeyword("ASCENDING") {
				// ascending is the default
			}
			cl.OrderBy = append(cl.OrderBy, item)
			if !p.accept(tokComma) {
				break
			}
		}
	}
	if p.acceptKeyword("SKIP") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cl.Skip = e
	}
	if p.acceptKeyword("LIMIT") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cl.Limit = e
	}
	return cl, nil
}

// parsePatternPart parses node-(rel-node)* chains.
func (p *parser) parsePatternPart() (*PatternPart, error) {
	part := &PatternPart{}
	node, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	part.Nodes = append(part.Nodes, node)
	for p.at(tokMinus) || p.at(tokArrowLeft) {
		rel, err := p.parseRelPattern()
		if err != nil {
			return nil, err
		}
		next, err := p.parseNodePattern()
		if err != nil {
			return nil, err
		}
		part.Rels = append(part.Rels, rel)
		part.Nodes = append(part.Nodes, next)
	}
	return part, nil
}

func (p *parser) parseNodePattern() (*NodePattern, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	np := &NodePattern{}
	if p.at(tokIdent) {
		np.Variable = p.advance().Text
	}
	for p.accept(tokColon) {
		label, err := p.expect(tokIdent, "a label")
		if err != nil {
			return nil, err
		}
		np.Labels = append(np.Labels, label.Text)
	}
	if p.at(tokLBrace) {
		props, err := p.parsePropMap()
		if err != nil {
			return nil, err
		}
		np.Props = props
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return np, nil
}

// parseRelPattern parses -[v:TYPE {..}]->, <-[..]-, or -[..]-. The
// bracket body is optional: -->, <--, and -- are valid.
func (p *parser) parseRelPattern() (*RelPattern, error) {
	rp := &RelPattern{Direction: DirBoth}
	leftArrow := false
	switch {
	case p.accept(tokArrowLeft):
		leftArrow = true
	case p.accept(tokMinus):
	default:
		return nil, p.errorf("expected a relationship pattern")
	}
	if p.accept(tokLBracket) {
		if p.at(tokIdent) {
			rp.Variable = p.advance().Text
		}
		if p.accept(tokColon) {
			for {
				typ, err := p.expect(tokIdent, "a relationship type")
				if err != nil {
					return nil, err
				}
				rp.Types = append(rp.Types, typ.Text)
				if !p.accept(tokPipe) {
					break
				}
				p.accept(tokColon) // :A|:B and :A|B both accepted
			}
		}
		if p.at(tokLBrace) {
			props, err := p.parsePropMap()
			if err != nil {
				return nil, err
			}
			rp.Props = props
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
	}
	rightArrow := false
	switch {
	case p.accept(tokArrowRight):
		rightArrow = true
	case p.accept(tokMinus):
	default:
		return nil, p.errorf("expected '-' or '->' closing a relationship pattern")
	}
	switch {
	case leftArrow && rightArrow:
		return nil, p.errorf("relationship pattern cannot point both ways")
	case leftArrow:
		rp.Direction = DirLeft
	case rightArrow:
		rp.Direction = DirRight
	}
	return rp, nil
}

func (p *parser) parsePropMap() (map[string]Expr, error) {
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return nil, err
	}
	props := map[string]Expr{}
	if p.accept(tokRBrace) {
		return props, nil
	}
	for {
		key, err := p.expect(tokIdent, "a property key")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon, "':'"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		props[key.Text] = val
		if !p.accept(tokComma) {
			break
		}
	}
	if _, err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return props, nil
}

// Expression precedence, loosest first:
//
//	OR < XOR < AND < NOT < comparison < additive < multiplicative < unary < postfix

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	l, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		r, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "OR", L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseXor() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("XOR") {
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "XOR", L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "AND", L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.acceptKeyword("NOT") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokEq):
			op = "="
		case p.accept(tokNeq):
			op = "<>"
		case p.accept(tokLt):
			op = "<"
		case p.accept(tokLte):
			op = "<="
		case p.accept(tokGt):
			op = ">"
		case p.accept(tokGte):
			op = ">="
		case p.acceptKeyword("IN"):
			op = "IN"
		case p.acceptKeyword("CONTAINS"):
			op = "CONTAINS"
		case p.atKeyword("STARTS"):
			p.advance()
			if err := p.expectKeyword("WITH"); err != nil {
				return nil, err
			}
			op = "STARTS WITH"
		case p.atKeyword("ENDS"):
			p.advance()
			if err := p.expectKeyword("WITH"); err != nil {
				return nil, err
			}
			op = "ENDS WITH"
		case p.atKeyword("IS"):
			p.advance()
			not := p.acceptKeyword("NOT")
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			if not {
				l = &Unary{Op: "IS NOT NULL", Operand: l}
			} else {
				l = &Unary{Op: "IS NULL", Operand: l}
			}
			continue
		default:
			return l, nil
		}
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokPlus):
			op = "+"
		case p.accept(tokMinus):
			op = "-"
		default:
			return l, nil
		}
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokStar):
			op = "*"
		case p.accept(tokSlash):
			op = "/"
		case p.accept(tokPercent):
			op = "%"
		default:
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.accept(tokMinus) {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.accept(tokDot) {
		key, err := p.expect(tokIdent, "a property key")
		if err != nil {
			return nil, err
		}
		e = &PropertyAccess{Subject: e, Key: key.Text}
	}
	return e, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Kind {
	case tokInt:
		p.advance()
		n, err := strconv.ParseInt(t.Text, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid integer literal %q", t.Text)
		}
		return &Literal{Value: n}, nil
	case tokFloat:
		p.advance()
		f, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return nil, p.errorf("invalid float literal %q", t.Text)
		}
		return &Literal{Value: f}, nil
	case tokString:
		p.advance()
		return &Literal{Value: t.Text}, nil
	case tokParam:
		p.advance()
		return &Parameter{Name: t.Text}, nil
	case tokLParen:
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	case tokLBracket:
		p.advance()
		list := &ListExpr{}
		if p.accept(tokRBracket) {
			return list, nil
		}
		for {
			item, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, item)
			if !p.accept(tokComma) {
				break
			}
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		return list, nil
	case tokIdent:
		switch {
		case t.isKeyword("true"):
			p.advance()
			return &Literal{Value: true}, nil
		case t.isKeyword("false"):
			p.advance()
			return &Literal{Value: false}, nil
		case t.isKeyword("null"):
			p.advance()
			return &Literal{Value: nil}, nil
		case t.isKeyword("CASE"):
			p.advance()
			return p.parseCase()
		}
		if p.peek().Kind == tokLParen {
			return p.parseFunctionCall()
		}
		p.advance()
		return &Variable{Name: t.Text}, nil
	}
	return nil, p.errorf("unexpected token %q in expression", t.Text)
}

func (p *parser) parseFunctionCall() (Expr, error) {
	name := p.advance().Text
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	call := &FunctionCall{Name: name}
	if p.accept(tokRParen) {
		return call, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if !p.accept(tokComma) {
			break
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parseCase() (Expr, error) {
	ce := &CaseExpr{}
	if !p.atKeyword("WHEN") {
		subject, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Subject = subject
	}
	for p.acceptKeyword("WHEN") {
		when, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Whens = append(ce.Whens, CaseWhen{When: when, Then: then})
	}
	if len(ce.Whens) == 0 {
		return nil, p.errorf("CASE requires at least one WHEN")
	}
	if p.acceptKeyword("ELSE") {
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Else = els
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return ce, nil
}
