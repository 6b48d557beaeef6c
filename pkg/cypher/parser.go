package cypher

import (
	"math"
	"strconv"
	"strings"

	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// unsupported names the clauses and keywords the language rejects, with
// the message reported for each.
var unsupported = map[string]string{
	"OPTIONAL": "OPTIONAL MATCH is not supported",
	"CREATE":   "CREATE is not supported: queries are read-only",
	"MERGE":    "MERGE is not supported: queries are read-only",
	"DELETE":   "DELETE is not supported: queries are read-only",
	"DETACH":   "DETACH DELETE is not supported: queries are read-only",
	"SET":      "SET is not supported: queries are read-only",
	"REMOVE":   "REMOVE is not supported: queries are read-only",
	"FOREACH":  "FOREACH is not supported: queries are read-only",
	"LOAD":     "LOAD CSV is not supported",
	"WITH":     "WITH is not supported",
	"UNWIND":   "UNWIND is not supported",
	"CALL":     "CALL subqueries and procedures are not supported",
	"UNION":    "UNION is not supported",
	"OR":       "OR is not supported: WHERE accepts conjunctions only",
	"XOR":      "XOR is not supported: WHERE accepts conjunctions only",
	"NOT":      "NOT is not supported: WHERE accepts conjunctions only",
	"EXISTS":   "EXISTS subqueries are not supported",
	"CASE":     "CASE expressions are not supported",
	"IN":       "IN is not supported",
	"IS":       "IS NULL tests are not supported",
	"DISTINCT": "DISTINCT is not supported",
	"NULL":     "null literals are not supported",
}

// Parse parses query text into a Query. Malformed and unsupported input is
// reported as a *SyntaxError.
func Parse(text string) (*Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	return parseTokens(toks)
}

func parseTokens(toks []token) (*Query, error) {
	p := &parser{toks: toks}
	return p.parseQuery()
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) accept(kind tokenKind) bool {
	if p.peek().kind == kind {
		p.i++
		return true
	}
	return false
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peek().keyword(kw) {
		p.i++
		return true
	}
	return false
}

// unexpected builds the error for t, naming unsupported keywords
// specifically.
func (p *parser) unexpected(t token, want string) *SyntaxError {
	if t.kind == tokIdent && !t.quoted {
		if msg, ok := unsupported[strings.ToUpper(t.text)]; ok {
			return syntaxErr(t.pos, "%s", msg)
		}
	}
	switch t.kind {
	case tokDollar:
		return syntaxErr(t.pos, "parameters are not supported")
	case tokEOF:
		return syntaxErr(t.pos, "expected %s, found end of input", want)
	case tokIdent, tokInt, tokFloat:
		return syntaxErr(t.pos, "expected %s, found %q", want, t.text)
	case tokString:
		return syntaxErr(t.pos, "expected %s, found string %q", want, t.text)
	}
	return syntaxErr(t.pos, "expected %s, found %s", want, t.kind)
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return t, p.unexpected(t, kind.String())
	}
	p.i++
	return t, nil
}

func (p *parser) expectKeyword(kw string) error {
	t := p.peek()
	if !t.keyword(kw) {
		return p.unexpected(t, kw)
	}
	p.i++
	return nil
}

// name reads an identifier usable as a variable or alias.
func (p *parser) name(what string) (string, error) {
	t := p.peek()
	if t.kind != tokIdent || t.reserved() {
		return "", p.unexpected(t, what)
	}
	p.i++
	return t.text, nil
}

// symbol reads a label, relationship type or property key. Reserved words
// are allowed here.
func (p *parser) symbol(what string) (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.unexpected(t, what)
	}
	p.i++
	return t.text, nil
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword("MATCH"); err != nil {
		return nil, err
	}
	q := &Query{}
	if err := p.parsePattern(&q.Match); err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokComma {
		return nil, syntaxErr(t.pos, "multiple comma-separated patterns are not supported")
	}
	if t := p.peek(); t.keyword("MATCH") {
		return nil, syntaxErr(t.pos, "multiple MATCH clauses are not supported")
	}

	if p.acceptKeyword("WHERE") {
		for {
			c, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			q.Where = append(q.Where, c)
			if !p.acceptKeyword("AND") {
				break
			}
		}
	}

	if err := p.expectKeyword("RETURN"); err != nil {
		return nil, err
	}
	for {
		it, err := p.parseReturnItem()
		if err != nil {
			return nil, err
		}
		q.Return = append(q.Return, it)
		if !p.accept(tokComma) {
			break
		}
	}

	if t := p.peek(); t.keyword("ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		o, err := p.parseOrderItem()
		if err != nil {
			return nil, err
		}
		q.OrderBy = o
	}
	if p.acceptKeyword("SKIP") {
		n, err := p.count("SKIP")
		if err != nil {
			return nil, err
		}
		q.Skip = &n
	}
	if p.acceptKeyword("LIMIT") {
		n, err := p.count("LIMIT")
		if err != nil {
			return nil, err
		}
		q.Limit = &n
	}

	p.accept(tokSemicolon)
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.unexpected(t, "end of query")
	}
	return q, nil
}

func (p *parser) parsePattern(pat *Pattern) error {
	n, err := p.parseNode()
	if err != nil {
		return err
	}
	pat.Nodes = append(pat.Nodes, n)
	for {
		t := p.peek()
		if t.kind != tokDash && t.kind != tokLt {
			return nil
		}
		r, err := p.parseRel()
		if err != nil {
			return err
		}
		n, err := p.parseNode()
		if err != nil {
			return err
		}
		pat.Rels = append(pat.Rels, r)
		pat.Nodes = append(pat.Nodes, n)
	}
}

func (p *parser) parseNode() (NodePattern, error) {
	open, err := p.expect(tokLParen)
	if err != nil {
		return NodePattern{}, err
	}
	n := NodePattern{Pos: open.pos}
	if p.peek().kind == tokIdent {
		if n.Variable, err = p.name("variable"); err != nil {
			return n, err
		}
	}
	if p.accept(tokColon) {
		if n.Label, err = p.symbol("label"); err != nil {
			return n, err
		}
		if t := p.peek(); t.kind == tokColon {
			return n, syntaxErr(t.pos, "multiple labels on one node are not supported")
		}
	}
	if p.accept(tokLBrace) {
		if n.Properties, err = p.parsePropertyMap(); err != nil {
			return n, err
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return n, err
	}
	return n, nil
}

func (p *parser) parsePropertyMap() ([]PropertyMatch, error) {
	var props []PropertyMatch
	if p.accept(tokRBrace) {
		return props, nil
	}
	for {
		key, err := p.symbol("property key")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		props = append(props, PropertyMatch{Property: key, Value: v})
		if p.accept(tokComma) {
			continue
		}
		if _, err := p.expect(tokRBrace); err != nil {
			return nil, err
		}
		return props, nil
	}
}

// parseRel reads -[...]->, <-[...]-, -[...]- or the bracketless forms
// -->, <-- and --.
func (p *parser) parseRel() (RelPattern, error) {
	start := p.peek()
	r := RelPattern{Pos: start.pos, Direction: storage.Both}
	incoming := p.accept(tokLt)
	if _, err := p.expect(tokDash); err != nil {
		return r, err
	}
	if p.peek().kind == tokLBracket {
		typ, err := p.parseRelDetail()
		if err != nil {
			return r, err
		}
		r.Type = typ
	}
	if _, err := p.expect(tokDash); err != nil {
		return r, err
	}
	outgoing := p.peek().kind == tokGt
	if outgoing {
		p.next()
	}
	switch {
	case incoming && outgoing:
		return r, syntaxErr(start.pos, "bidirectional arrows are not supported")
	case incoming:
		r.Direction = storage.Incoming
	case outgoing:
		r.Direction = storage.Outgoing
	}
	return r, nil
}

func (p *parser) parseRelDetail() (string, error) {
	p.next() // [
	var typ string
	if t := p.peek(); t.kind == tokIdent {
		return "", syntaxErr(t.pos, "relationship variables are not supported")
	}
	if p.accept(tokColon) {
		var err error
		if typ, err = p.symbol("relationship type"); err != nil {
			return "", err
		}
	}
	switch t := p.peek(); t.kind {
	case tokPipe:
		return "", syntaxErr(t.pos, "relationship type alternatives are not supported")
	case tokStar:
		return "", syntaxErr(t.pos, "variable-length relationships are not supported")
	case tokLBrace:
		return "", syntaxErr(t.pos, "relationship property maps are not supported")
	}
	if _, err := p.expect(tokRBracket); err != nil {
		return "", err
	}
	return typ, nil
}

func (p *parser) parseCondition() (Condition, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		return Condition{}, syntaxErr(t.pos, "parenthesized conditions and pattern predicates are not supported")
	case tokLBrace:
		return Condition{}, syntaxErr(t.pos, "subqueries are not supported")
	}
	c := Condition{Pos: t.pos}
	var err error
	if c.Variable, err = p.name("variable"); err != nil {
		return c, err
	}
	if _, err := p.expect(tokDot); err != nil {
		return c, err
	}
	if c.Property, err = p.symbol("property key"); err != nil {
		return c, err
	}
	op := p.next()
	switch op.kind {
	case tokEq:
		c.Op = query.OpEq
	case tokNe:
		c.Op = query.OpNe
	case tokGt:
		c.Op = query.OpGt
	case tokGe:
		c.Op = query.OpGe
	case tokLt:
		c.Op = query.OpLt
	case tokLe:
		c.Op = query.OpLe
	default:
		return c, p.unexpected(op, "comparison operator")
	}
	if c.Value, err = p.parseLiteral(); err != nil {
		return c, err
	}
	if t := p.peek(); t.kind == tokLBrace {
		return c, syntaxErr(t.pos, "subqueries are not supported")
	}
	return c, nil
}

func (p *parser) parseLiteral() (value.Value, error) {
	t := p.next()
	negative := false
	if t.kind == tokDash {
		negative = true
		t = p.next()
		if t.kind != tokInt && t.kind != tokFloat {
			return value.Null(), p.unexpected(t, "number")
		}
	}
	switch t.kind {
	case tokString:
		return value.Text(t.text), nil
	case tokInt:
		text := t.text
		if negative {
			text = "-" + text
		}
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return value.Null(), syntaxErr(t.pos, "integer %s out of range", text)
		}
		return value.Int(i), nil
	case tokFloat:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil || math.IsInf(f, 0) {
			return value.Null(), syntaxErr(t.pos, "float %s out of range", t.text)
		}
		if negative {
			f = -f
		}
		return value.Float(f), nil
	case tokIdent:
		switch {
		case t.keyword("TRUE"):
			return value.Bool(true), nil
		case t.keyword("FALSE"):
			return value.Bool(false), nil
		}
		return value.Null(), p.unexpected(t, "literal")
	case tokLBracket:
		return value.Null(), syntaxErr(t.pos, "list literals are not supported")
	case tokLBrace:
		return value.Null(), syntaxErr(t.pos, "map literals are not supported")
	}
	return value.Null(), p.unexpected(t, "literal")
}

func (p *parser) parseReturnItem() (ReturnItem, error) {
	t := p.peek()
	it := ReturnItem{Pos: t.pos}
	if t.kind == tokStar {
		return it, syntaxErr(t.pos, "RETURN * is not supported")
	}
	if t.kind == tokIdent && !t.quoted && p.peekAt(1).kind == tokLParen {
		fn, ok := query.ParseAggregate(t.text)
		if !ok {
			return it, syntaxErr(t.pos, "unknown function %s", t.text)
		}
		p.i += 2
		it.Kind = ItemAggregate
		it.Func = fn
		if p.acceptKeyword("DISTINCT") {
			return it, syntaxErr(t.pos, "DISTINCT aggregates are not supported")
		}
		if star := p.peek(); star.kind == tokStar {
			if fn != query.AggCount {
				return it, syntaxErr(star.pos, "%s(*) is not supported", fn)
			}
			p.next()
			it.Star = true
		} else {
			var err error
			if it.Variable, err = p.name("variable"); err != nil {
				return it, err
			}
			if p.accept(tokDot) {
				if it.Property, err = p.symbol("property key"); err != nil {
					return it, err
				}
			} else if fn != query.AggCount {
				return it, syntaxErr(t.pos, "%s requires a property argument", fn)
			}
		}
		if _, err := p.expect(tokRParen); err != nil {
			return it, err
		}
	} else {
		var err error
		if it.Variable, err = p.name("return item"); err != nil {
			return it, err
		}
		it.Kind = ItemNode
		if p.accept(tokDot) {
			it.Kind = ItemProperty
			if it.Property, err = p.symbol("property key"); err != nil {
				return it, err
			}
		}
	}
	if p.acceptKeyword("AS") {
		var err error
		if it.Alias, err = p.name("alias"); err != nil {
			return it, err
		}
	}
	return it, nil
}

func (p *parser) parseOrderItem() (*OrderItem, error) {
	t := p.peek()
	o := &OrderItem{Pos: t.pos}
	var err error
	if o.Variable, err = p.name("sort key"); err != nil {
		return nil, err
	}
	if p.accept(tokDot) {
		if o.Property, err = p.symbol("property key"); err != nil {
			return nil, err
		}
	}
	switch {
	case p.acceptKeyword("DESC"), p.acceptKeyword("DESCENDING"):
		o.Descending = true
	case p.acceptKeyword("ASC"), p.acceptKeyword("ASCENDING"):
	}
	if t := p.peek(); t.kind == tokComma {
		return nil, syntaxErr(t.pos, "ORDER BY accepts a single sort key")
	}
	return o, nil
}

func (p *parser) count(clause string) (int, error) {
	t := p.next()
	if t.kind != tokInt {
		return 0, p.unexpected(t, clause+" count")
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, syntaxErr(t.pos, "%s count %s out of range", clause, t.text)
	}
	return n, nil
}
