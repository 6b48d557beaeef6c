package cypher

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns the plan-cache key of text: a blake2b digest of the
// query with whitespace and comments collapsed and keywords upper-cased.
// Queries that differ only in layout or keyword case share a fingerprint.
func Fingerprint(text string) (string, error) {
	toks, err := lex(text)
	if err != nil {
		return "", err
	}
	return fingerprint(normalize(toks)), nil
}

func fingerprint(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// normalize renders tokens separated by single spaces. Reserved words are
// upper-cased unless they name a property, label or type.
func normalize(toks []token) string {
	var sb strings.Builder
	for i, t := range toks {
		if t.kind == tokEOF {
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch {
		case t.kind == tokString:
			sb.WriteString(strconv.Quote(t.text))
		case t.kind == tokIdent && t.quoted:
			sb.WriteString("`" + t.text + "`")
		case t.reserved() && !symbolAt(toks, i):
			sb.WriteString(strings.ToUpper(t.text))
		default:
			sb.WriteString(t.text)
		}
	}
	return sb.String()
}

// symbolAt reports whether toks[i] is a property key, label or type: it
// follows '.' or ':', or is a map key followed by ':'.
func symbolAt(toks []token, i int) bool {
	if i > 0 && (toks[i-1].kind == tokDot || toks[i-1].kind == tokColon) {
		return true
	}
	return toks[i+1].kind == tokColon
}
