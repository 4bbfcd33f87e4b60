package asm

import (
	"fmt"
	"strings"
)

// A TokenKind identifies which variant of Token a value holds.
type TokenKind byte

// All token kinds
const (
	IDENT TokenKind = iota // identifier or label reference
	NUM                    // numeric literal
	STR                    // string literal
	CS                     // control sequence (.org, .define, ...)
	OP                     // operator or punctuation
	LP                     // (
	RP                     // )
	LB                     // [
	RB                     // ]
	GRP                    // brace-delimited group
)

// A Source records where a token was read from.
type Source struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Content string `json:"content,omitempty"`
}

func (s *Source) String() string {
	if s.Content != "" {
		return fmt.Sprintf("%s:%d:%d near '%s'", s.File, s.Line, s.Column, s.Content)
	}
	return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
}

// A Token is a single lexical element of assembly source. Which fields
// are meaningful depends on Kind: Str for IDENT, STR, CS and OP; Num and
// Width for NUM; Inner for GRP.
type Token struct {
	Kind   TokenKind
	Str    string
	Num    int
	Width  int
	Inner  []Token
	Source *Source
}

// Commonly compared tokens.
var (
	tokColon     = Token{Kind: OP, Str: ":"}
	tokComma     = Token{Kind: OP, Str: ","}
	tokImmediate = Token{Kind: OP, Str: "#"}
	tokStar      = Token{Kind: OP, Str: "*"}
	tokAssign    = Token{Kind: OP, Str: "="}
	tokLP        = Token{Kind: LP}
	tokRP        = Token{Kind: RP}
	tokLB        = Token{Kind: LB}
	tokRB        = Token{Kind: RB}
	tokEOL       = Token{Kind: CS, Str: ".eol"}
)

// Ident returns an identifier token.
func Ident(s string) Token { return Token{Kind: IDENT, Str: s} }

// Op returns an operator token.
func Op(s string) Token { return Token{Kind: OP, Str: s} }

// Cs returns a control sequence token.
func Cs(s string) Token { return Token{Kind: CS, Str: s} }

// Str returns a string literal token.
func Str(s string) Token { return Token{Kind: STR, Str: s} }

// Num returns a numeric literal token without a width hint.
func Num(n int) Token { return Token{Kind: NUM, Num: n} }

// Grp returns a group token wrapping the given tokens.
func Grp(inner ...Token) Token { return Token{Kind: GRP, Inner: inner} }

// tokenAt returns a pointer to tokens[i], or nil if i is out of range.
func tokenAt(tokens []Token, i int) *Token {
	if i < 0 || i >= len(tokens) {
		return nil
	}
	return &tokens[i]
}

// Eq reports whether two tokens are identical, ignoring source
// information. Groups are never equal, and neither is a nil token.
func Eq(a, b *Token) bool {
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case GRP:
		return false
	case NUM:
		return a.Num == b.Num
	case IDENT, STR, CS, OP:
		return a.Str == b.Str
	case LP, RP, LB, RB:
		return true
	}
	return false
}

// Match reports whether two tokens have the same shape: numbers match
// any number, strings any string and groups any group.
func Match(a, b *Token) bool {
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case NUM, STR, GRP, LP, RP, LB, RB:
		return true
	case IDENT, CS, OP:
		return a.Str == b.Str
	}
	return false
}

// Name returns a short human-readable rendering of the token, used in
// diagnostics and tests.
func (t *Token) Name() string {
	switch t.Kind {
	case NUM:
		return fmt.Sprintf("NUM[$%x]", t.Num)
	case STR:
		return fmt.Sprintf("STR[%s]", t.Str)
	case LP:
		return "("
	case RP:
		return ")"
	case LB:
		return "["
	case RB:
		return "]"
	case GRP:
		return "{" + TokensName(t.Inner) + "}"
	case IDENT, CS, OP:
		return strings.ToUpper(t.Str)
	}
	return "?"
}

// NameAt returns the token's name followed by its source location when
// the location is known.
func (t *Token) NameAt() string {
	if t.Source == nil {
		return t.Name()
	}
	return t.Name() + at(t.Source)
}

// TokensName joins the names of the tokens with spaces.
func TokensName(tokens []Token) string {
	names := make([]string, len(tokens))
	for i := range tokens {
		names[i] = tokens[i].Name()
	}
	return strings.Join(names, " ")
}

// text renders a token back into source form.
func (t *Token) text() string {
	switch t.Kind {
	case NUM:
		return fmt.Sprintf("%d", t.Num)
	case STR:
		return fmt.Sprintf("%q", t.Str)
	case LP:
		return "("
	case RP:
		return ")"
	case LB:
		return "["
	case RB:
		return "]"
	case GRP:
		return "{" + tokensText(t.Inner) + "}"
	default:
		return t.Str
	}
}

func tokensText(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i := range tokens {
		parts[i] = tokens[i].text()
	}
	return strings.Join(parts, " ")
}

// isRegister reports whether the token is the named register, ignoring
// case.
func isRegister(t *Token, reg string) bool {
	return t != nil && t.Kind == IDENT && strings.EqualFold(t.Str, reg)
}

// identsFromCList parses a comma-separated list of identifiers.
func identsFromCList(tokens []Token) ([]string, error) {
	idents := []string{}
	for i := 0; i < len(tokens); i += 2 {
		t := &tokens[i]
		if t.Kind != IDENT {
			return nil, newError(fmt.Sprintf("Expected identifier: %s", t.Name()), t)
		}
		idents = append(idents, t.Str)
		if i+1 < len(tokens) && !Eq(&tokens[i+1], &tokComma) {
			return nil, newError(fmt.Sprintf("Expected comma: %s", tokens[i+1].Name()), &tokens[i+1])
		}
	}
	return idents, nil
}

// findBalanced returns the index of the delimiter closing the paren or
// bracket at tokens[i], or -1 if it is never closed.
func findBalanced(tokens []Token, i int) (int, error) {
	open := tokens[i].Kind
	var closer TokenKind
	switch open {
	case LP:
		closer = RP
	case LB:
		closer = RB
	default:
		return -1, newError("non-grouping token", &tokens[i])
	}
	depth := 0
	for ; i < len(tokens); i++ {
		switch tokens[i].Kind {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return -1, nil
}

// parseArgList splits tokens on commas that are not nested inside
// parentheses. Brackets do not protect commas.
func parseArgList(tokens []Token) ([][]Token, error) {
	args := [][]Token{{}}
	parens := 0
	for i := range tokens {
		t := &tokens[i]
		switch {
		case t.Kind == LP:
			parens++
		case t.Kind == RP:
			parens--
			if parens < 0 {
				return nil, newError("Unbalanced paren", t)
			}
		case parens == 0 && Eq(t, &tokComma):
			args = append(args, []Token{})
			continue
		}
		args[len(args)-1] = append(args[len(args)-1], *t)
	}
	if parens != 0 {
		return nil, newError("Unbalanced paren", tokenAt(tokens, len(tokens)-1))
	}
	return args, nil
}

// count returns the number of tokens, counting the braces and contents
// of every group.
func count(tokens []Token) int {
	n := 0
	for i := range tokens {
		if tokens[i].Kind == GRP {
			n += 2 + count(tokens[i].Inner)
		} else {
			n++
		}
	}
	return n
}

// unwrap returns the inner tokens of a lone group, or the tokens
// themselves otherwise.
func unwrap(tokens []Token) []Token {
	if len(tokens) == 1 && tokens[0].Kind == GRP {
		return tokens[0].Inner
	}
	return tokens
}

// withSource returns a copy of the tokens whose missing source
// information is filled in from src. Groups are copied recursively.
func withSource(tokens []Token, src *Source) []Token {
	out := make([]Token, len(tokens))
	for i, t := range tokens {
		if t.Source == nil {
			t.Source = src
		}
		if t.Kind == GRP {
			t.Inner = withSource(t.Inner, src)
		}
		out[i] = t
	}
	return out
}
