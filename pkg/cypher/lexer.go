package cypher

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrSyntax matches every *SyntaxError.
var ErrSyntax = errors.New("cypher: syntax error")

// SyntaxError reports malformed or unsupported query text. Pos is the byte
// offset of the offending token.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// Is makes errors.Is(err, ErrSyntax) hold.
func (e *SyntaxError) Is(target error) bool { return target == ErrSyntax }

func syntaxErr(pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokColon
	tokComma
	tokDot
	tokStar
	tokDash
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokPipe
	tokDollar
	tokSemicolon
)

var tokenNames = [...]string{
	tokEOF:       "end of input",
	tokIdent:     "identifier",
	tokInt:       "integer",
	tokFloat:     "float",
	tokString:    "string",
	tokLParen:    "'('",
	tokRParen:    "')'",
	tokLBracket:  "'['",
	tokRBracket:  "']'",
	tokLBrace:    "'{'",
	tokRBrace:    "'}'",
	tokColon:     "':'",
	tokComma:     "','",
	tokDot:       "'.'",
	tokStar:      "'*'",
	tokDash:      "'-'",
	tokEq:        "'='",
	tokNe:        "'<>'",
	tokLt:        "'<'",
	tokLe:        "'<='",
	tokGt:        "'>'",
	tokGe:        "'>='",
	tokPipe:      "'|'",
	tokDollar:    "'$'",
	tokSemicolon: "';'",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind tokenKind
	// text is the literal source for identifiers and numbers and the
	// unescaped contents for strings.
	text   string
	pos    int
	quoted bool // backtick identifier
}

// keyword reports whether t is the unquoted identifier kw, ignoring case.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && !t.quoted && strings.EqualFold(t.text, kw)
}

// reserved words cannot be used as variables, labels after AS, or aliases.
var reserved = map[string]bool{
	"MATCH": true, "OPTIONAL": true, "WHERE": true, "RETURN": true,
	"ORDER": true, "BY": true, "ASC": true, "ASCENDING": true,
	"DESC": true, "DESCENDING": true, "SKIP": true, "LIMIT": true,
	"AND": true, "OR": true, "XOR": true, "NOT": true, "AS": true,
	"TRUE": true, "FALSE": true, "NULL": true, "DISTINCT": true,
	"CREATE": true, "MERGE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "WITH": true, "UNWIND": true,
	"CALL": true, "YIELD": true, "UNION": true, "EXISTS": true,
	"CASE": true, "FOREACH": true, "LOAD": true, "IN": true,
	"IS": true, "EXPLAIN": true, "PROFILE": true,
}

func (t token) reserved() bool {
	return t.kind == tokIdent && !t.quoted && reserved[strings.ToUpper(t.text)]
}

// lex splits text into tokens, ending with tokEOF.
func lex(text string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			continue
		case c == '\'' || c == '"':
			s, n, err := lexString(text, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n
			continue
		case c == '`':
			end := strings.IndexByte(text[i+1:], '`')
			if end < 0 {
				return nil, syntaxErr(i, "unterminated quoted identifier")
			}
			if end == 0 {
				return nil, syntaxErr(i, "empty quoted identifier")
			}
			toks = append(toks, token{kind: tokIdent, text: text[i+1 : i+1+end], pos: i, quoted: true})
			i += end + 2
			continue
		case c >= '0' && c <= '9':
			tok, n, err := lexNumber(text, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += n
			continue
		}

		if r, size := utf8.DecodeRuneInString(text[i:]); r == '_' || unicode.IsLetter(r) {
			start := i
			i += size
			for i < len(text) {
				r, size = utf8.DecodeRuneInString(text[i:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: text[start:i], pos: start})
			continue
		}

		kind, n := lexPunct(text[i:])
		if n == 0 {
			r, _ := utf8.DecodeRuneInString(text[i:])
			return nil, syntaxErr(i, "unexpected character %q", r)
		}
		toks = append(toks, token{kind: kind, text: text[i : i+n], pos: i})
		i += n
	}
	return append(toks, token{kind: tokEOF, pos: len(text)}), nil
}

func lexPunct(s string) (tokenKind, int) {
	if len(s) >= 2 {
		switch s[:2] {
		case "<>", "!=":
			return tokNe, 2
		case "<=":
			return tokLe, 2
		case ">=":
			return tokGe, 2
		}
	}
	switch s[0] {
	case '(':
		return tokLParen, 1
	case ')':
		return tokRParen, 1
	case '[':
		return tokLBracket, 1
	case ']':
		return tokRBracket, 1
	case '{':
		return tokLBrace, 1
	case '}':
		return tokRBrace, 1
	case ':':
		return tokColon, 1
	case ',':
		return tokComma, 1
	case '.':
		return tokDot, 1
	case '*':
		return tokStar, 1
	case '-':
		return tokDash, 1
	case '=':
		return tokEq, 1
	case '<':
		return tokLt, 1
	case '>':
		return tokGt, 1
	case '|':
		return tokPipe, 1
	case '$':
		return tokDollar, 1
	case ';':
		return tokSemicolon, 1
	}
	return tokEOF, 0
}

// lexString reads a quoted string starting at text[start], returning its
// unescaped contents and the number of bytes consumed.
func lexString(text string, start int) (string, int, error) {
	quote := text[start]
	var sb strings.Builder
	i := start + 1
	for i < len(text) {
		c := text[i]
		switch {
		case c == quote:
			return sb.String(), i + 1 - start, nil
		case c == '\\':
			if i+1 >= len(text) {
				return "", 0, syntaxErr(i, "unterminated escape")
			}
			switch e := text[i+1]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(e)
			default:
				return "", 0, syntaxErr(i, "unknown escape \\%c", e)
			}
			i += 2
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, syntaxErr(start, "unterminated string")
}

func lexNumber(text string, start int) (token, int, error) {
	i := start
	for i < len(text) && text[i] >= '0' && text[i] <= '9' {
		i++
	}
	kind := tokInt
	if i+1 < len(text) && text[i] == '.' && text[i+1] >= '0' && text[i+1] <= '9' {
		kind = tokFloat
		i++
		for i < len(text) && text[i] >= '0' && text[i] <= '9' {
			i++
		}
	}
	if i < len(text) && (text[i] == 'e' || text[i] == 'E') {
		j := i + 1
		if j < len(text) && (text[j] == '+' || text[j] == '-') {
			j++
		}
		if j < len(text) && text[j] >= '0' && text[j] <= '9' {
			kind = tokFloat
			i = j
			for i < len(text) && text[i] >= '0' && text[i] <= '9' {
				i++
			}
		}
	}
	if i < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[i:]); r == '_' || unicode.IsLetter(r) {
			return token{}, 0, syntaxErr(start, "malformed number")
		}
	}
	return token{kind: kind, text: text[start:i], pos: start}, i - start, nil
}
