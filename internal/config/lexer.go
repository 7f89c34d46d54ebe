package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokOpen
	tokClose
	tokComment
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of file"
	case tokWord:
		return "word"
	case tokString:
		return "string"
	case tokOpen:
		return "'{'"
	case tokClose:
		return "'}'"
	case tokComment:
		return "comment"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  position
}

type position struct {
	line int
	col  int
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.line, p.col)
}

// placeholderPrefixes start a `{...}` run that lexes as part of a word
// instead of opening a block.
var placeholderPrefixes = []string{"{$", "{env.", "{file."}

type lexer struct {
	src string
	off int
	pos position
}

func newLexer(src string) *lexer {
	return &lexer{src: src, pos: position{line: 1, col: 1}}
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpace(); err != nil {
		return token{}, err
	}
	start := l.pos
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	switch c := l.src[l.off]; c {
	case '{':
		if l.atPlaceholder() {
			w, err := l.word()
			return token{kind: tokWord, text: w, pos: start}, err
		}
		l.advance(1)
		return token{kind: tokOpen, text: "{", pos: start}, nil
	case '}':
		l.advance(1)
		return token{kind: tokClose, text: "}", pos: start}, nil
	case '#':
		end := strings.IndexByte(l.src[l.off:], '\n')
		if end < 0 {
			end = len(l.src) - l.off
		}
		text := l.src[l.off : l.off+end]
		l.advance(end)
		return token{kind: tokComment, text: text, pos: start}, nil
	case '"':
		s, err := l.quoted()
		return token{kind: tokString, text: s, pos: start}, err
	default:
		w, err := l.word()
		return token{kind: tokWord, text: w, pos: start}, err
	}
}

func (l *lexer) skipSpace() error {
	for l.off < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.off:])
		if r == utf8.RuneError && size == 1 {
			return fmt.Errorf("invalid utf-8 at %s", l.pos)
		}
		if !isSpace(r) {
			return nil
		}
		l.advance(size)
	}
	return nil
}

// atPlaceholder reports whether a complete placeholder starts at the
// current offset. A placeholder may not span whitespace or nest.
func (l *lexer) atPlaceholder() bool {
	rest := l.src[l.off:]
	matched := false
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(rest, p) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for i := 1; i < len(rest); i++ {
		switch rest[i] {
		case '}':
			return true
		case '{', ' ', '\t', '\n', '\r':
			return false
		}
	}
	return false
}

// word reads a bare word. Placeholders inside it are kept verbatim.
func (l *lexer) word() (string, error) {
	start := l.off
	for l.off < len(l.src) {
		if l.src[l.off] == '{' && l.atPlaceholder() {
			end := strings.IndexByte(l.src[l.off:], '}')
			l.advance(end + 1)
			continue
		}
		r, size := utf8.DecodeRuneInString(l.src[l.off:])
		if r == utf8.RuneError && size == 1 {
			return "", fmt.Errorf("invalid utf-8 at %s", l.pos)
		}
		if isSpace(r) || r == '{' || r == '}' || r == '"' || r == '#' {
			break
		}
		l.advance(size)
	}
	return l.src[start:l.off], nil
}

func (l *lexer) quoted() (string, error) {
	l.advance(1)
	var sb strings.Builder
	for {
		if l.off >= len(l.src) {
			return "", fmt.Errorf("unterminated string at %s", l.pos)
		}
		r, size := utf8.DecodeRuneInString(l.src[l.off:])
		switch {
		case r == utf8.RuneError && size == 1:
			return "", fmt.Errorf("invalid utf-8 at %s", l.pos)
		case r == '\n':
			return "", fmt.Errorf("unterminated string at %s", l.pos)
		case r == '"':
			l.advance(size)
			return sb.String(), nil
		case r == '\\':
			l.advance(size)
			if l.off >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at %s", l.pos)
			}
			er, esize := utf8.DecodeRuneInString(l.src[l.off:])
			if er == utf8.RuneError && esize == 1 {
				return "", fmt.Errorf("invalid utf-8 at %s", l.pos)
			}
			l.advance(esize)
			switch er {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteRune(er)
			}
		default:
			l.advance(size)
			sb.WriteRune(r)
		}
	}
}

// advance moves n bytes forward, keeping line and column in step.
func (l *lexer) advance(n int) {
	for _, r := range l.src[l.off : l.off+n] {
		if r == '\n' {
			l.pos.line++
			l.pos.col = 1
			continue
		}
		l.pos.col++
	}
	l.off += n
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
