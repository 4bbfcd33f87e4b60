package asm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// A TokenSource produces lines of tokens. Next returns nil at the end of
// input.
type TokenSource interface {
	Next() ([]Token, error)
}

// A Tokenizer splits assembly source text into lines of tokens. Brace
// groups are collapsed into single GRP tokens, comments are dropped and
// a trailing backslash joins the next line onto the current one.
type Tokenizer struct {
	file  string
	lines []string
	row   int // 0-based index of the next physical line
}

// NewTokenizer creates a tokenizer over the source text. The file name
// is used only for diagnostics.
func NewTokenizer(src, file string) *Tokenizer {
	if file == "" {
		file = "input.s"
	}
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")
	return &Tokenizer{file: file, lines: strings.Split(src, "\n")}
}

// Tokenize returns every non-empty line of tokens in the source.
func Tokenize(src, file string) ([][]Token, error) {
	t := NewTokenizer(src, file)
	var lines [][]Token
	for {
		line, err := t.Next()
		if err != nil {
			return nil, err
		}
		if line == nil {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// Next returns the tokens of the next non-empty logical line, or nil at
// the end of the source.
func (t *Tokenizer) Next() ([]Token, error) {
	for t.row < len(t.lines) {
		tokens, err := t.line()
		if err != nil {
			return nil, err
		}
		if len(tokens) > 0 {
			return tokens, nil
		}
	}
	return nil, nil
}

func (t *Tokenizer) nextLine() fstring {
	t.row++
	return newFstring(t.row, t.lines[t.row-1])
}

func (t *Tokenizer) source(l fstring, n int) *Source {
	return &Source{File: t.file, Line: l.row, Column: l.column, Content: l.str[:n]}
}

// Tokenize one logical line, grouping brace-delimited runs.
func (t *Tokenizer) line() ([]Token, error) {
	stack := [][]Token{{}}
	var opens []*Source

	l := t.nextLine()
	for {
		before := l
		l = l.consumeWhitespace()
		spaced := l.column != before.column
		if l.isEmpty() || l.startsWith(comment) {
			break
		}
		if l.isContinuation() && t.row < len(t.lines) {
			l = t.nextLine()
			continue
		}

		switch {
		case l.startsWithChar('{'):
			opens = append(opens, t.source(l, 1))
			stack = append(stack, []Token{})
			l = l.consume(1)

		case l.startsWithChar('}'):
			if len(opens) == 0 {
				return nil, &Error{Msg: "Missing open curly: }", Source: t.source(l, 1), Err: ErrParse}
			}
			inner := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			grp := Token{Kind: GRP, Inner: inner, Source: opens[len(opens)-1]}
			opens = opens[:len(opens)-1]
			stack[len(stack)-1] = append(stack[len(stack)-1], grp)
			l = l.consume(1)

		default:
			// A colon directly after an identifier ends a label.
			cur := stack[len(stack)-1]
			glued := !spaced && len(cur) > 0 && cur[len(cur)-1].Kind == IDENT
			tok, remain, err := t.token(l, glued)
			if err != nil {
				return nil, err
			}
			stack[len(stack)-1] = append(cur, tok)
			l = remain
		}
	}

	if len(opens) > 0 {
		return nil, &Error{Msg: "Missing close curly: {", Source: opens[len(opens)-1], Err: ErrParse}
	}
	return stack[0], nil
}

// Scan a single token from the start of l. If glued, l directly
// follows an identifier.
func (t *Tokenizer) token(l fstring, glued bool) (tok Token, remain fstring, err error) {
	c := l.str[0]
	n := 0
	switch {
	case c == '@':
		n = l.scanWhile(func(c byte) bool { return c == '@' })
		n = l.scanWhileFrom(n, identifierChar)
		tok = Token{Kind: IDENT, Str: l.str[:n]}

	case scanIdentifier(l.str) > 0:
		n = scanIdentifier(l.str)
		tok = Token{Kind: IDENT, Str: l.str[:n]}

	case c == '.' && len(l.str) > 1 && alpha(l.str[1]):
		n = l.scanWhileFrom(1, alpha)
		tok = Token{Kind: CS, Str: strings.ToLower(l.str[:n])}

	case c == ':' && !glued && scanAnonymous(l.str) > 0:
		n = scanAnonymous(l.str)
		tok = Token{Kind: IDENT, Str: l.str[:n]}

	case scanOperator(l.str) > 0:
		n = scanOperator(l.str)
		tok = Token{Kind: OP, Str: l.str[:n]}

	case c == '(':
		n, tok = 1, Token{Kind: LP}
	case c == ')':
		n, tok = 1, Token{Kind: RP}
	case c == '[':
		n, tok = 1, Token{Kind: LB}
	case c == ']':
		n, tok = 1, Token{Kind: RB}

	case stringQuote(c):
		var s string
		s, n, err = scanString(l.str)
		if err != nil {
			return tok, l, &Error{Msg: err.Error(), Source: t.source(l, 1), Err: ErrParse}
		}
		tok = Token{Kind: STR, Str: s}

	case c == '$' || c == '%' || numberChar(c):
		n = l.scanWhileFrom(1, numberChar)
		if n == 1 && !numberChar(c) {
			return tok, l, &Error{Msg: "Syntax error", Source: t.source(l, 1), Err: ErrParse}
		}
		tok, err = parseNumber(l.str[:n])
		if err != nil {
			return tok, l, &Error{Msg: err.Error(), Source: t.source(l, n), Err: ErrParse}
		}

	default:
		_, size := utf8.DecodeRuneInString(l.str)
		return tok, l, &Error{Msg: "Syntax error", Source: t.source(l, size), Err: ErrParse}
	}

	tok.Source = t.source(l, n)
	return tok, l.consume(n), nil
}

// Return the length of the identifier at the start of s. Identifiers
// may be joined by "::" scope separators and may begin with one.
func scanIdentifier(s string) int {
	i := 0
	for {
		j := i
		if strings.HasPrefix(s[j:], "::") {
			j += 2
		}
		if j >= len(s) || !identifierStartChar(s[j]) {
			return i
		}
		for j++; j < len(s) && identifierChar(s[j]); j++ {
		}
		i = j
	}
}

// Return the length of the anonymous or relative label reference at the
// start of s: ":+", ":--", ":+3", ":-2", ":rts", ":>>rts" or ":<rts".
func scanAnonymous(s string) int {
	r := s[1:]
	count := func(fn func(c byte) bool) int {
		i := 0
		for ; i < len(r) && fn(r[i]); i++ {
		}
		return i
	}
	sign := func(c byte) bool { return c == '+' || c == '-' }
	switch {
	case len(r) > 1 && sign(r[0]) && decimal(r[1]):
		r = r[1:]
		return 2 + count(decimal)
	case len(r) > 0 && sign(r[0]):
		return 1 + count(sign)
	case len(r) > 0 && r[0] == '<':
		n := count(func(c byte) bool { return c == '<' })
		if strings.HasPrefix(r[n:], "rts") {
			return 1 + n + 3
		}
	default:
		n := count(func(c byte) bool { return c == '>' })
		if strings.HasPrefix(r[n:], "rts") {
			return 1 + n + 3
		}
	}
	return 0
}

// Return the length of the operator at the start of s.
func scanOperator(s string) int {
	c := s[0]
	next := byte(0)
	if len(s) > 1 {
		next = s[1]
	}
	switch c {
	case ':', '#', '*', '/', ',', '=', '~', '!', '^':
		return 1
	case '+', '-':
		i := 1
		for ; i < len(s) && s[i] == c; i++ {
		}
		return i
	case '&', '|':
		if next == c {
			return 2
		}
		return 1
	case '<':
		if next == '<' || next == '>' || next == '=' {
			return 2
		}
		return 1
	case '>':
		if next == '>' || next == '=' {
			return 2
		}
		return 1
	}
	return 0
}

// Scan a quoted string literal, returning its unescaped contents and the
// number of source bytes it occupied.
func scanString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	i := 1
	for {
		if i >= len(s) {
			return "", 0, fmt.Errorf("EOF while looking for %c", quote)
		}
		c := s[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(s):
			esc := s[i+1]
			switch {
			case esc == 'u' && isHexRun(s[i+2:], 4):
				v, _ := strconv.ParseUint(s[i+2:i+6], 16, 32)
				b.WriteRune(rune(v))
				i += 6
			case esc == 'x' && isHexRun(s[i+2:], 2):
				b.WriteByte(hexToByte(s[i+2 : i+4]))
				i += 4
			case esc == 'n':
				b.WriteByte('\n')
				i += 2
			default:
				b.WriteByte(esc)
				i += 2
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
}

func isHexRun(s string, n int) bool {
	if len(s) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if !hexadecimal(s[i]) {
			return false
		}
	}
	return true
}

// Parse a numeric literal. Hex and binary literals record the number of
// bytes their digits span as a width hint.
func parseNumber(s string) (Token, error) {
	var base, width int
	var valid func(c byte) bool
	var kind, digits string
	switch {
	case s[0] == '$':
		base, valid, kind, digits = 16, hexadecimal, "hex", s[1:]
		width = (len(digits) + 1) / 2
	case s[0] == '%':
		base, valid, kind, digits = 2, binarynum, "binary", s[1:]
		width = (len(digits) + 7) / 8
	case s[0] == '0':
		base, valid, kind, digits = 8, octal, "octal", s
	default:
		base, valid, kind, digits = 10, decimal, "decimal", s
	}

	bad := fmt.Errorf("Bad %s number: %s", kind, s)
	if digits == "" {
		return Token{}, bad
	}
	for i := 0; i < len(digits); i++ {
		if !valid(digits[i]) {
			return Token{}, bad
		}
	}
	v, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return Token{}, bad
	}
	return Token{Kind: NUM, Num: int(v), Width: width}, nil
}
