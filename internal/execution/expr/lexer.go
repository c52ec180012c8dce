package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNull
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNeq
	tokGt
	tokGte
	tokLt
	tokLte
	tokContains
	tokIsEmpty
	tokIsNotEmpty
	tokLParen
	tokRParen
)

var tokenNames = map[tokenKind]string{
	tokEOF:        "end of expression",
	tokNumber:     "number",
	tokString:     "string",
	tokIdent:      "reference",
	tokTrue:       "true",
	tokFalse:      "false",
	tokNull:       "null",
	tokAnd:        "&&",
	tokOr:         "||",
	tokNot:        "!",
	tokEq:         "==",
	tokNeq:        "!=",
	tokGt:         ">",
	tokGte:        ">=",
	tokLt:         "<",
	tokLte:        "<=",
	tokContains:   "contains",
	tokIsEmpty:    "is_empty",
	tokIsNotEmpty: "is_not_empty",
	tokLParen:     "(",
	tokRParen:     ")",
}

func (k tokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return "unknown"
}

var keywords = map[string]tokenKind{
	"true":         tokTrue,
	"false":        tokFalse,
	"null":         tokNull,
	"contains":     tokContains,
	"is_empty":     tokIsEmpty,
	"is_not_empty": tokIsNotEmpty,
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// MaxExpressionLength bounds the input accepted by the tokenizer.
const MaxExpressionLength = 4096

// SyntaxError reports a tokenizer or parser failure with its byte offset.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression syntax error at %d: %s", e.Pos, e.Msg)
}

func tokenize(src string) ([]token, error) {
	if len(src) > MaxExpressionLength {
		return nil, &SyntaxError{Pos: MaxExpressionLength, Msg: "expression too long"}
	}
	tokens := make([]token, 0, 16)
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, pos: i})
			i++
		case c == '&':
			if !strings.HasPrefix(src[i:], "&&") {
				return nil, &SyntaxError{Pos: i, Msg: "expected &&"}
			}
			tokens = append(tokens, token{kind: tokAnd, pos: i})
			i += 2
		case c == '|':
			if !strings.HasPrefix(src[i:], "||") {
				return nil, &SyntaxError{Pos: i, Msg: "expected ||"}
			}
			tokens = append(tokens, token{kind: tokOr, pos: i})
			i += 2
		case c == '!':
			if strings.HasPrefix(src[i:], "!=") {
				tokens = append(tokens, token{kind: tokNeq, pos: i})
				i += 2
				continue
			}
			tokens = append(tokens, token{kind: tokNot, pos: i})
			i++
		case c == '=':
			if !strings.HasPrefix(src[i:], "==") {
				return nil, &SyntaxError{Pos: i, Msg: "assignment is not permitted; use =="}
			}
			tokens = append(tokens, token{kind: tokEq, pos: i})
			i += 2
		case c == '>':
			if strings.HasPrefix(src[i:], ">=") {
				tokens = append(tokens, token{kind: tokGte, pos: i})
				i += 2
				continue
			}
			tokens = append(tokens, token{kind: tokGt, pos: i})
			i++
		case c == '<':
			if strings.HasPrefix(src[i:], "<=") {
				tokens = append(tokens, token{kind: tokLte, pos: i})
				i += 2
				continue
			}
			tokens = append(tokens, token{kind: tokLt, pos: i})
			i++
		case c == '"' || c == '\'':
			text, next, err := readString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: i})
			i = next
		case c == '{':
			if !strings.HasPrefix(src[i:], "{{") {
				return nil, &SyntaxError{Pos: i, Msg: "unexpected {"}
			}
			end := strings.Index(src[i+2:], "}}")
			if end < 0 {
				return nil, &SyntaxError{Pos: i, Msg: "unterminated {{ reference"}
			}
			path := strings.TrimSpace(src[i+2 : i+2+end])
			if path == "" || !isPath(path) {
				return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("invalid reference %q", path)}
			}
			tokens = append(tokens, token{kind: tokIdent, text: path, pos: i})
			i += end + 4
		case c == '-' || isDigit(c):
			start := i
			if c == '-' {
				i++
				if i >= len(src) || !isDigit(src[i]) {
					return nil, &SyntaxError{Pos: start, Msg: "arithmetic is not permitted"}
				}
			}
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			text := src[start:i]
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("invalid number %q", text)}
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, num: num, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isPathChar(src[i]) {
				i++
			}
			text := src[start:i]
			if kind, ok := keywords[text]; ok {
				tokens = append(tokens, token{kind: kind, text: text, pos: start})
				continue
			}
			tokens = append(tokens, token{kind: tokIdent, text: text, pos: start})
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func readString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			switch next := src[i+1]; next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			i += 2
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isPathChar(c byte) bool {
	return c == '_' || c == '.' || c == '-' || c == '[' || c == ']' || isDigit(c) ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isPath(s string) bool {
	if !isIdentStart(s[0]) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isPathChar(s[i]) {
			return false
		}
	}
	return true
}
