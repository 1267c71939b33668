// Package hogql tokenizes user-written SELECT statements over logical
// tables. It recognises enough structure to find table references, CTE
// names, function calls and placeholders; it is not a full SQL parser.
package hogql

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType classifies a token.
type TokenType int

// Token types.
const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenPunct
	TokenPlaceholder
)

// Token is one lexical unit. Start and End are byte offsets into the input.
type Token struct {
	Type  TokenType
	Text  string
	Start int
	End   int
}

// IsKeyword reports whether t is the unquoted identifier kw (case-insensitive).
func (t Token) IsKeyword(kw string) bool {
	return t.Type == TokenIdent && strings.EqualFold(t.Text, kw)
}

// IsPunct reports whether t is the punctuation p.
func (t Token) IsPunct(p string) bool {
	return t.Type == TokenPunct && t.Text == p
}

// IsName reports whether t can name a table or column.
func (t Token) IsName() bool {
	return t.Type == TokenIdent || t.Type == TokenQuotedIdent
}

type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

// Lex splits input into tokens. Comments and whitespace are dropped.
func Lex(input string) ([]Token, error) {
	l := &lexer{input: input}
	l.readChar()
	var out []Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenEOF {
			return out, nil
		}
		out = append(out, tok)
	}
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) next() (Token, error) {
	if err := l.skipWhitespaceAndComments(); err != nil {
		return Token{}, err
	}
	start := l.pos
	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Start: start, End: start}, nil
	case l.ch == '\'':
		s, err := l.readQuoted('\'')
		if err != nil {
			return Token{}, err
		}
		return Token{Type: TokenString, Text: s, Start: start, End: l.pos}, nil
	case l.ch == '"':
		s, err := l.readQuoted('"')
		if err != nil {
			return Token{}, err
		}
		return Token{Type: TokenQuotedIdent, Text: s, Start: start, End: l.pos}, nil
	case l.ch == '{':
		l.readChar()
		inner := l.pos
		for l.ch != '}' && l.ch != 0 {
			l.readChar()
		}
		if l.ch == 0 {
			return Token{}, fmt.Errorf("unterminated placeholder at offset %d", start)
		}
		text := strings.TrimSpace(l.input[inner:l.pos])
		l.readChar()
		return Token{Type: TokenPlaceholder, Text: text, Start: start, End: l.pos}, nil
	case l.ch == '$' || l.ch == '`':
		return Token{}, fmt.Errorf("unsupported character %q at offset %d", l.ch, start)
	case isLetter(l.ch) || l.ch == '_':
		for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
			l.readChar()
		}
		if l.ch == '\'' || (l.ch == '&' && (l.peekChar() == '\'' || l.peekChar() == '"')) {
			// Prefixed literals (E'', X'', U&'') use other escaping rules.
			return Token{}, fmt.Errorf("prefixed string literals are not supported at offset %d", start)
		}
		return Token{Type: TokenIdent, Text: l.input[start:l.pos], Start: start, End: l.pos}, nil
	case isDigit(l.ch):
		for isDigit(l.ch) || l.ch == '.' || l.ch == 'e' || l.ch == 'E' {
			l.readChar()
		}
		return Token{Type: TokenNumber, Text: l.input[start:l.pos], Start: start, End: l.pos}, nil
	}
	for _, op := range []string{"::", "<=", ">=", "<>", "!=", "==", "||", "->"} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.readChar()
			l.readChar()
			return Token{Type: TokenPunct, Text: op, Start: start, End: l.pos}, nil
		}
	}
	ch := l.ch
	l.readChar()
	return Token{Type: TokenPunct, Text: string(ch), Start: start, End: l.pos}, nil
}

func (l *lexer) skipWhitespaceAndComments() error {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		if l.ch == '/' && l.peekChar() == '*' {
			start := l.pos
			l.readChar()
			l.readChar()
			for {
				if l.ch == 0 {
					return fmt.Errorf("unterminated comment at offset %d", start)
				}
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					break
				}
				l.readChar()
			}
			continue
		}
		return nil
	}
}

// readQuoted reads a quoted run; a doubled quote is an escaped quote.
func (l *lexer) readQuoted(q byte) (string, error) {
	start := l.pos
	l.readChar()
	var b strings.Builder
	for {
		switch {
		case l.ch == 0:
			return "", fmt.Errorf("unterminated quote at offset %d", start)
		case l.ch == q && l.peekChar() == q:
			b.WriteByte(q)
			l.readChar()
			l.readChar()
		case l.ch == q:
			l.readChar()
			return b.String(), nil
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func isLetter(ch byte) bool {
	return ch < 0x80 && unicode.IsLetter(rune(ch)) || ch >= 0x80
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
