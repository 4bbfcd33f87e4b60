package asm

import (
	"fmt"
	"strings"
)

// A Define is a token-level substitution created by the .define
// directive. A define may have several overloads, which are tried in
// the order they were defined until one of them matches the call site.
type Define struct {
	overloads []defineOverload
}

// A defineOverload attempts to expand a call at tokens[at]. On failure
// it returns a non-empty reason and leaves the tokens untouched.
type defineOverload interface {
	expand(tokens []Token, at int) (out []Token, end int, reason string)
}

// ParseDefine creates a define from a full .define line. The parameter
// list may be C-style, as in ".define foo(a, b) ...", or TeX-style, as
// in ".define foo {a, b} ...". Without a parameter list the define is a
// plain textual substitution.
func ParseDefine(line []Token) (*Define, error) {
	if len(line) == 0 || !Eq(&line[0], &Token{Kind: CS, Str: ".define"}) {
		return nil, newError("Expected .define", tokenAt(line, 0))
	}
	name := tokenAt(line, 1)
	if name == nil || name.Kind != IDENT {
		return nil, newError("Expected identifier after .define", &line[0])
	}

	next := tokenAt(line, 2)
	switch {
	case next != nil && next.Kind == LP:
		end, err := findBalanced(line, 2)
		if err != nil {
			return nil, err
		}
		if end < 0 {
			return nil, newError("Bad .define: missing close paren", next)
		}
		params, err := identsFromCList(line[3:end])
		if err != nil {
			return nil, err
		}
		d := &cStyleDefine{params: params, prod: line[end+1:]}
		return &Define{overloads: []defineOverload{d}}, nil

	case next != nil && next.Kind == GRP:
		d := &texStyleDefine{pattern: next.Inner, prod: line[3:]}
		return &Define{overloads: []defineOverload{d}}, nil

	default:
		d := &texStyleDefine{prod: line[2:]}
		return &Define{overloads: []defineOverload{d}}, nil
	}
}

// Append adds the overloads of other after those already defined.
func (d *Define) Append(other *Define) {
	d.overloads = append(d.overloads, other.overloads...)
}

// Expand expands the define called at tokens[at]. It returns the
// rewritten line, with the tokens before the call preserved and the
// tokens after the matched arguments appended, and any overflow lines
// produced by .eol in the definition.
func (d *Define) Expand(tokens []Token, at int) (line []Token, overflow [][]Token, err error) {
	var reasons []string
	for _, o := range d.overloads {
		out, end, reason := o.expand(tokens, at)
		if reason == "" {
			return splitEOL(tokens, at, out, end)
		}
		reasons = append(reasons, reason)
	}
	msg := fmt.Sprintf("Could not expand %s: %s", tokens[at].Name(), strings.Join(reasons, "; "))
	return nil, nil, newError(msg, &tokens[at])
}

// Assemble the rewritten line from the call site and the produced
// tokens, splitting the production at each .eol.
func splitEOL(tokens []Token, at int, out []Token, end int) ([]Token, [][]Token, error) {
	var lines [][]Token
	cur := []Token{}
	cur = append(cur, tokens[:at]...)
	for _, t := range out {
		if Eq(&t, &tokEOL) {
			lines = append(lines, cur)
			cur = []Token{}
			continue
		}
		cur = append(cur, t)
	}
	if len(lines) > 0 && end < len(tokens) {
		return nil, nil, newError(".eol in define not at end of line", &tokens[end])
	}
	cur = append(cur, tokens[end:]...)
	lines = append(lines, cur)
	return lines[0], lines[1:], nil
}

// Substitute parameters into the production.
func produce(prod []Token, replacements map[string][]Token, src *Source) []Token {
	out := []Token{}
	for _, t := range prod {
		if t.Kind == IDENT {
			if r, ok := replacements[t.Str]; ok {
				out = append(out, r...)
				continue
			}
		}
		if src != nil {
			c := t
			c.Source = src
			if c.Kind == GRP {
				c.Inner = withSource(c.Inner, src)
			}
			t = c
		}
		out = append(out, t)
	}
	return out
}

//
// C-style
//

type cStyleDefine struct {
	params []string
	prod   []Token
}

func (d *cStyleDefine) expand(tokens []Token, at int) ([]Token, int, string) {
	start := at + 1
	args := tokens[start:]
	end := len(tokens)

	if t := tokenAt(tokens, start); t != nil && t.Kind == LP {
		rp, err := findBalanced(tokens, start)
		if err != nil || rp < 0 {
			return nil, 0, "missing close paren for enclosed C-style expansion"
		}
		args = tokens[start+1 : rp]
		end = rp + 1
	} else if len(d.params) == 0 {
		args = nil
		end = start
	}

	// Split on commas that are not nested in parens.
	split := [][]Token{}
	if len(args) > 0 {
		split = append(split, []Token{})
	}
	parens := 0
	for _, t := range args {
		switch {
		case t.Kind == LP:
			parens++
		case t.Kind == RP:
			parens--
			if parens < 0 {
				return nil, 0, "unbalanced right parenthesis"
			}
		case parens == 0 && Eq(&t, &tokComma):
			split = append(split, []Token{})
			continue
		}
		split[len(split)-1] = append(split[len(split)-1], t)
	}
	if len(split) > len(d.params) {
		return nil, 0, "too many parameters"
	}

	replacements := make(map[string][]Token, len(d.params))
	for i, p := range d.params {
		if i < len(split) {
			replacements[p] = unwrap(split[i])
		} else {
			replacements[p] = nil
		}
	}
	return produce(d.prod, replacements, tokens[at].Source), end, ""
}

//
// TeX-style
//

type texStyleDefine struct {
	pattern []Token
	prod    []Token
}

func (d *texStyleDefine) expand(tokens []Token, at int) ([]Token, int, string) {
	pos := at + 1
	replacements := make(map[string][]Token)

	for p := 0; p < len(d.pattern); p++ {
		pat := &d.pattern[p]
		if pat.Kind != IDENT {
			// A literal token that must be matched exactly.
			if !Eq(tokenAt(tokens, pos), pat) {
				return nil, 0, fmt.Sprintf("could not match: %s", pat.Name())
			}
			pos++
			continue
		}

		next := tokenAt(d.pattern, p+1)
		switch {
		case next == nil || next.Kind == IDENT:
			// Undelimited: a single token or group.
			if pos >= len(tokens) {
				return nil, 0, fmt.Sprintf("missing undelimited argument %s", pat.Name())
			}
			replacements[pat.Str] = unwrap(tokens[pos : pos+1])
			pos++

		case Eq(next, &tokEOL):
			// Delimited by the end of the line.
			replacements[pat.Str] = tokens[pos:]
			pos = len(tokens)
			p++

		default:
			// Delimited by the next pattern token. Groups are atomic, so
			// delimiters inside braces are skipped.
			i := pos
			for ; i < len(tokens) && !Eq(&tokens[i], next); i++ {
			}
			if i == len(tokens) {
				return nil, 0, fmt.Sprintf("could not find delimiter %s", next.Name())
			}
			replacements[pat.Str] = tokens[pos:i]
			pos = i + 1
			p++
		}
	}
	return produce(d.prod, replacements, tokens[at].Source), pos, ""
}
