package cypher

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// tokenKind classifies lexer output.
type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokParam // $name
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokColon
	tokComma
	tokDot
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokArrowRight // ->
	tokArrowLeft  // <-
	tokPipe
)

// token is one lexed unit with its source position.
type token struct {
	Kind   tokenKind
	Text   string // identifier/keyword text, string value, number text
	Offset int
	Line   int
	Column int
}

// isKeyword reports whether the token is an identifier matching the given
// keyword, case-insensitively (Cypher keywords are case-insensitive).
func (t token) isKeyword(kw string) bool {
	return t.Kind == tokIdent && strings.EqualFold(t.Text, kw)
}

// lexer turns Cypher text into tokens. It tracks line/column for error
// positions and skips // line comments and /* block comments */.
type lexer struct {
	src    string
	pos    int
	line   int
	column int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, column: 1}
}

func (lx *lexer) errorf(format string, args ...any) *SyntaxError {
	return &SyntaxError{
		Msg:    fmt.Sprintf(format, args...),
		Offset: lx.pos,
		Line:   lx.line,
		Column: lx.column,
	}
}

func (lx *lexer) peekByte() byte {
	if lx.pos >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos]
}

func (lx *lexer) peekByteAt(off int) byte {
	if lx.pos+off >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos+off]
}

func (lx *lexer) advance(n int) {
	for i := 0; i < n && lx.pos < len(lx.src); i++ {
		if lx.src[lx.pos] == '\n' {
			lx.line++
			lx.column = 1
		} else {
			lx.column++
		}
		lx.pos++
	}
}

func (lx *lexer) skipSpaceAndComments() error {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			lx.advance(1)
		case c == '/' && lx.peekByteAt(1) == '/':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.advance(1)
			}
		case c == '/' && lx.peekByteAt(1) == '*':
			start := *lx
			lx.advance(2)
			closed := false
			for lx.pos < len(lx.src) {
				if lx.src[lx.pos] == '*' && lx.peekByteAt(1) == '/' {
					lx.advance(2)
					closed = true
					break
				}
				lx.advance(1)
			}
			if !closed {
				return start.errorf("unterminated block comment")
			}
		default:
			return nil
		}
	}
	return nil
}

// scan lexes the whole input. Tokenizing eagerly keeps the parser simple
// and makes error positions exact.
func (lx *lexer) scan() ([]token, error) {
	var toks []token
	for {
		if err := lx.skipSpaceAndComments(); err != nil {
			return nil, err
		}
		if lx.pos >= len(lx.src) {
			toks = append(toks, token{Kind: tokEOF, Offset: lx.pos, Line: lx.line, Column: lx.column})
			return toks, nil
		}
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}
}

func (lx *lexer) next() (token, error) {
	start := token{Offset: lx.pos, Line: lx.line, Column: lx.column}
	c := lx.peekByte()

	switch {
	case c == '\'' || c == '"':
		text, err := lx.scanString(c)
		if err != nil {
			return token{}, err
		}
		start.Kind = tokString
		start.Text = text
		return start, nil

	case c == '`':
		lx.advance(1)
		begin := lx.pos
		for lx.pos < len(lx.src) && lx.src[lx.pos] != '`' {
			lx.advance(1)
		}
		if lx.pos >= len(lx.src) {
			return token{}, lx.errorf("unterminated backtick identifier")
		}
		start.Kind = tokIdent
		start.Text = lx.src[begin:lx.pos]
		lx.advance(1)
		return start, nil

	case c >= '0' && c <= '9':
		begin := lx.pos
		kind := tokInt
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.advance(1)
		}
		if lx.peekByte() == '.' && isDigit(lx.peekByteAt(1)) {
			kind = tokFloat
			lx.advance(1)
			for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
				lx.advance(1)
			}
		}
		start.Kind = kind
		start.Text = lx.src[begin:lx.pos]
		return start, nil

	case c == '$':
		lx.advance(1)
		begin := lx.pos
		for lx.pos < len(lx.src) && isIdentByte(lx.src[lx.pos]) {
			lx.advance(1)
		}
		if lx.pos == begin {
			return token{}, lx.errorf("empty parameter name after $")
		}
		start.Kind = tokParam
		start.Text = lx.src[begin:lx.pos]
		return start, nil

	case isIdentStart(rune(c)) || c >= utf8.RuneSelf:
		begin := lx.pos
		for lx.pos < len(lx.src) {
			r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
			if !isIdentRune(r) {
				break
			}
			lx.advance(size)
		}
		start.Kind = tokIdent
		start.Text = lx.src[begin:lx.pos]
		return start, nil
	}

	// Operators and punctuation.
	two := ""
	if lx.pos+1 < len(lx.src) {
		two = lx.src[lx.pos : lx.pos+2]
	}
	switch two {
	case "<>":
		lx.advance(2)
		start.Kind = tokNeq
		return start, nil
	case "<=":
		lx.advance(2)
		start.Kind = tokLte
		return start, nil
	case ">=":
		lx.advance(2)
		start.Kind = tokGte
		return start, nil
	case "->":
		lx.advance(2)
		start.Kind = tokArrowRight
		return start, nil
	case "<-":
		lx.advance(2)
		start.Kind = tokArrowLeft
		return start, nil
	}

	single := map[byte]tokenKind{
		'(': tokLParen, ')': tokRParen,
		'[': tokLBracket, ']': tokRBracket,
		'{': tokLBrace, '}': tokRBrace,
		':': tokColon, ',': tokComma, '.': tokDot,
		'+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash, '%': tokPercent,
		'=': tokEq, '<': tokLt, '>': tokGt, '|': tokPipe,
	}
	if kind, ok := single[c]; ok {
		lx.advance(1)
		start.Kind = kind
		return start, nil
	}

	return token{}, lx.errorf("unexpected character %q", rune(c))
}

func (lx *lexer) scanString(quote byte) (string, error) {
	open := *lx
	lx.advance(1)
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.advance(1)
			return sb.String(), nil
		case c == '\\':
			if lx.pos+1 >= len(lx.src) {
				return "", lx.errorf("dangling escape in string")
			}
			esc := lx.src[lx.pos+1]
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"', '`':
				sb.WriteByte(esc)
			default:
				return "", lx.errorf("unknown escape \\%c", esc)
			}
			lx.advance(2)
		default:
			sb.WriteByte(c)
			lx.advance(1)
		}
	}
	return "", open.errorf("unterminated string literal")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || isDigit(c)
}

// clauseKeywords are the clause openers that mark text as Cypher.
// Detection is keyword-based on purpose: structural heuristics like
// "contains parentheses" misfire on ordinary prose and JSON.
var clauseKeywords = []string{
	"MATCH", "OPTIONAL", "CREATE", "MERGE", "RETURN",
	"DELETE", "DETACH", "SET", "WITH", "UNWIND", "CALL", "EXPLAIN",
}

// IsCypher reports whether text begins with a recognized clause keyword.
func IsCypher(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	end := 0
	for end < len(trimmed) && isIdentByte(trimmed[end]) {
		end++
	}
	if end == 0 {
		return false
	}
	word := trimmed[:end]
	for _, kw := range clauseKeywords {
		if strings.EqualFold(word, kw) {
			return true
		}
	}
	return false
}
