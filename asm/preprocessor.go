package asm

import (
	"fmt"
	"strings"
)

// Expansion limits. Exceeding either one fails with ErrStackOverflow.
const (
	maxMacroDepth       = 100  // nested macro expansions
	maxDefineExpansions = 1000 // define expansions within a single line
)

// A LineKind classifies a fully expanded line.
type LineKind byte

// All line kinds
const (
	LineLabel     LineKind = iota // label definition, e.g. "foo:" or "+"
	LineAssign                    // "name = expr" or "name .set expr"
	LineDirective                 // line starting with a control sequence
	LineMnemonic                  // instruction
)

var lineKinds = []string{"label", "assign", "directive", "mnemonic"}

func (k LineKind) String() string {
	return lineKinds[k]
}

// A Line is a single preprocessed statement.
type Line struct {
	Kind   LineKind
	Tokens []Token
}

func (l *Line) String() string {
	return fmt.Sprintf("%s(%s)", l.Kind, TokensName(l.Tokens))
}

// An Env answers the questions the preprocessor needs the assembler to
// answer for conditional assembly.
type Env interface {
	// Defined reports whether a symbol has been defined.
	Defined(name string) bool

	// Evaluate resolves the symbols of an expression and folds it.
	Evaluate(e *Expr) (*Expr, error)
}

// A Preprocessor expands defines, macros, repetitions and conditionals,
// producing a stream of classified lines for the assembler.
type Preprocessor struct {
	stream   *TokenStream
	env      Env
	ids      IDGen
	defines  map[string]*Define
	macros   map[string]*Macro
	conds    []*cond
	pending  []Token   // already-expanded remainder of a labeled line
	overflow [][]Token // lines produced by .eol during expansion
}

// A conditional assembly block.
type cond struct {
	tok     *Token // directive that opened the block
	parent  bool   // whether the enclosing region is active
	active  bool   // whether the current branch is active
	taken   bool   // whether some branch has already been active
	sawElse bool
}

// NewPreprocessor creates a preprocessor reading lines from src. The
// environment may be nil, in which case no symbols are defined and
// conditional expressions must be constant.
func NewPreprocessor(src TokenSource, env Env) *Preprocessor {
	stream, ok := src.(*TokenStream)
	if !ok {
		stream = NewTokenStream(src)
	}
	return &Preprocessor{
		stream:  stream,
		env:     env,
		defines: make(map[string]*Define),
		macros:  make(map[string]*Macro),
	}
}

// Next returns the next preprocessed line, or nil at the end of input.
func (p *Preprocessor) Next() (*Line, error) {
	for {
		line, expanded, err := p.read()
		if err != nil {
			return nil, err
		}
		if line == nil {
			if len(p.conds) > 0 {
				return nil, newError("Missing .endif", p.conds[len(p.conds)-1].tok)
			}
			return nil, nil
		}
		if len(line) == 0 {
			continue
		}

		handled, err := p.conditional(line)
		if err != nil {
			return nil, err
		}
		if handled || !p.active() {
			continue
		}

		l, err := p.process(line, expanded)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
	}
}

func (p *Preprocessor) read() (line []Token, expanded bool, err error) {
	if p.pending != nil {
		line, p.pending = p.pending, nil
		return line, true, nil
	}
	p.flushOverflow()
	line, err = p.stream.Next()
	return line, false, err
}

// Queue the lines split off by .eol so they are read next.
func (p *Preprocessor) flushOverflow() {
	if len(p.overflow) > 0 {
		p.stream.Unshift(p.overflow...)
		p.overflow = nil
	}
}

func (p *Preprocessor) active() bool {
	return len(p.conds) == 0 || p.conds[len(p.conds)-1].active
}

// Defined reports whether name is a define, a macro or a symbol known
// to the environment.
func (p *Preprocessor) Defined(name string) bool {
	if _, ok := p.defines[name]; ok {
		return true
	}
	if _, ok := p.macros[name]; ok {
		return true
	}
	return p.env != nil && p.env.Defined(name)
}

// Handle a conditional assembly directive. Returns true if the line was
// consumed.
func (p *Preprocessor) conditional(line []Token) (bool, error) {
	t := &line[0]
	if t.Kind != CS {
		return false, nil
	}
	switch t.Str {
	case ".if", ".ifdef", ".ifndef", ".ifblank", ".ifnblank":
		c := &cond{tok: t, parent: p.active()}
		if c.parent {
			ok, err := p.test(t.Str, line)
			if err != nil {
				return true, err
			}
			c.active, c.taken = ok, ok
		}
		p.conds = append(p.conds, c)

	case ".elseif":
		c, err := p.top(t)
		if err != nil {
			return true, err
		}
		if c.sawElse {
			return true, newError(".elseif after .else", t)
		}
		c.active = false
		if c.parent && !c.taken {
			ok, err := p.test(".if", line)
			if err != nil {
				return true, err
			}
			c.active, c.taken = ok, ok
		}

	case ".else":
		c, err := p.top(t)
		if err != nil {
			return true, err
		}
		if c.sawElse {
			return true, newError("Duplicate .else", t)
		}
		c.active = c.parent && !c.taken
		c.taken, c.sawElse = true, true

	case ".endif":
		if _, err := p.top(t); err != nil {
			return true, err
		}
		p.conds = p.conds[:len(p.conds)-1]

	default:
		return false, nil
	}
	return true, nil
}

func (p *Preprocessor) top(t *Token) (*cond, error) {
	if len(p.conds) == 0 {
		return nil, newError(fmt.Sprintf("%s without .if", t.Str), t)
	}
	return p.conds[len(p.conds)-1], nil
}

// Evaluate the condition of a conditional directive.
func (p *Preprocessor) test(directive string, line []Token) (bool, error) {
	args := line[1:]
	switch directive {
	case ".ifblank":
		return len(unwrap(args)) == 0, nil
	case ".ifnblank":
		return len(unwrap(args)) != 0, nil
	case ".ifdef", ".ifndef":
		if len(args) != 1 || args[0].Kind != IDENT {
			return false, newError(fmt.Sprintf("Expected identifier after %s", directive), &line[0])
		}
		return p.Defined(args[0].Str) == (directive == ".ifdef"), nil
	}

	n, err := p.constant(line[0], args)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// Expand and evaluate an expression that must fold to a number.
func (p *Preprocessor) constant(directive Token, tokens []Token) (int, error) {
	tokens, err := p.expand(tokens)
	if err != nil {
		return 0, err
	}
	e, err := ParseOnlyExpr(tokens)
	if err != nil {
		if len(tokens) == 0 {
			return 0, newError(fmt.Sprintf("Expected expression after %s", directive.Name()), &directive)
		}
		return 0, err
	}
	if p.env != nil {
		e, err = p.env.Evaluate(e)
		if err != nil {
			return 0, err
		}
	} else {
		e = Evaluate(e)
	}
	if !e.IsNum() {
		return 0, newError(fmt.Sprintf("Expression is not constant: %s", e), &directive)
	}
	return e.Num, nil
}

// Process an active line: handle preprocessor directives, expand
// defines and classify the result.
func (p *Preprocessor) process(line []Token, expanded bool) (*Line, error) {
	front := &line[0]
	if front.Kind == CS {
		switch front.Str {
		case ".define":
			return nil, p.define(line)
		case ".undefine":
			names, err := identsFromCList(line[1:])
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				delete(p.defines, n)
			}
			return nil, nil
		case ".macro":
			m, err := ParseMacro(line, p.stream)
			if err != nil {
				return nil, err
			}
			p.macros[m.Name] = m
			return nil, nil
		case ".endmacro":
			return nil, newError(".endmacro without .macro", front)
		case ".repeat":
			return nil, p.repeat(line)
		case ".endrep", ".endrepeat":
			return nil, newError(fmt.Sprintf("%s without .repeat", front.Str), front)
		case ".exitmacro":
			conds, ok := p.stream.exitMacro()
			if !ok {
				return nil, newError(".exitmacro outside of macro", front)
			}
			p.conds = p.conds[:min(conds, len(p.conds))]
			return nil, nil
		}
	}

	if !expanded {
		var err error
		if line, err = p.expand(line); err != nil {
			return nil, err
		}
		p.flushOverflow()
		if len(line) == 0 {
			return nil, nil
		}
		front = &line[0]
	}

	next := tokenAt(line, 1)
	switch {
	case front.Kind == IDENT && Eq(next, &tokColon):
		return p.label(line[:2], line[2:]), nil

	case Eq(front, &tokColon):
		return p.label(line[:1], line[1:]), nil

	case front.Kind == OP && isRelativeLabel(front.Str):
		if Eq(next, &tokColon) {
			return p.label(line[:2], line[2:]), nil
		}
		return p.label(line[:1], line[1:]), nil

	case front.Kind == IDENT && (Eq(next, &tokAssign) || Eq(next, &Token{Kind: CS, Str: ".set"})):
		return &Line{Kind: LineAssign, Tokens: line}, nil

	case front.Kind == IDENT:
		if m, ok := p.macros[front.Str]; ok {
			return nil, p.callMacro(m, line)
		}
		return &Line{Kind: LineMnemonic, Tokens: line}, nil

	case front.Kind == CS:
		return &Line{Kind: LineDirective, Tokens: line}, nil
	}
	return nil, newError(fmt.Sprintf("Syntax error: unexpected %s", front.Name()), front)
}

// Emit a label, saving the remainder of the line for the next read.
func (p *Preprocessor) label(label, rest []Token) *Line {
	if len(rest) > 0 {
		p.pending = rest
	}
	return &Line{Kind: LineLabel, Tokens: label}
}

func isRelativeLabel(s string) bool {
	return s != "" && (strings.Trim(s, "+") == "" || strings.Trim(s, "-") == "")
}

func (p *Preprocessor) define(line []Token) error {
	d, err := ParseDefine(line)
	if err != nil {
		return err
	}
	name := line[1].Str
	if prev, ok := p.defines[name]; ok {
		prev.Append(d)
	} else {
		p.defines[name] = d
	}
	return nil
}

func (p *Preprocessor) callMacro(m *Macro, line []Token) error {
	if p.stream.macroDepth() >= maxMacroDepth {
		return &Error{
			Msg:    fmt.Sprintf("stack overflow: macro %s nested too deeply", m.Name),
			Source: line[0].Source,
			Err:    ErrStackOverflow,
		}
	}
	lines, err := m.Expand(line, &p.ids)
	if err != nil {
		return err
	}
	p.stream.pushLines(macroFrame, lines, len(p.conds))
	return nil
}

// Handle ".repeat count[, counter]" by reading the body up to the
// matching .endrep and queuing one copy per iteration.
func (p *Preprocessor) repeat(line []Token) error {
	front := line[0]
	expanded, err := p.expand(line[1:])
	if err != nil {
		return err
	}
	args, err := parseArgList(expanded)
	if err != nil {
		return err
	}
	if len(args) > 2 {
		return newError("Too many arguments to .repeat", &front)
	}
	n, err := p.constant(front, args[0])
	if err != nil {
		return err
	}
	counter := ""
	if len(args) == 2 {
		if len(args[1]) != 1 || args[1][0].Kind != IDENT {
			return newError("Expected identifier for .repeat counter", &front)
		}
		counter = args[1][0].Str
	}

	var body [][]Token
	depth := 0
	for {
		l, err := p.stream.Next()
		if err != nil {
			return err
		}
		if l == nil {
			return newError("EOF looking for .endrep", &front)
		}
		if len(l) > 0 && l[0].Kind == CS {
			switch l[0].Str {
			case ".repeat":
				depth++
			case ".endrep", ".endrepeat":
				depth--
			}
		}
		if depth < 0 {
			break
		}
		body = append(body, l)
	}

	var lines [][]Token
	for i := 0; i < n; i++ {
		for _, l := range body {
			if counter != "" {
				num := Token{Kind: NUM, Num: i, Source: front.Source}
				l = substitute(l, map[string][]Token{counter: {num}})
			}
			lines = append(lines, l)
		}
	}
	if len(lines) > 0 {
		p.stream.pushLines(repeatFrame, lines, len(p.conds))
	}
	return nil
}

// Expand every define in the line, along with the inline primitives
// .tcount, .string, .concat and .ident. Expansion rescans the
// replacement, so defines may expand to other defines.
func (p *Preprocessor) expand(tokens []Token) ([]Token, error) {
	out := make([]Token, len(tokens))
	copy(out, tokens)

	n := 0
	for i := 0; i < len(out); {
		t := &out[i]
		switch {
		case t.Kind == CS && t.Str == ".skip":
			// Drop the .skip and leave the following token unexpanded.
			out = append(out[:i], out[i+1:]...)
			i++
			continue

		case t.Kind == CS && isPrimitive(t.Str):
			r, end, err := p.primitive(out, i)
			if err != nil {
				return nil, err
			}
			out = splice(out, i, end, r)
			i++
			continue

		case t.Kind == IDENT:
			d, ok := p.defines[t.Str]
			if !ok {
				break
			}
			if n++; n > maxDefineExpansions {
				return nil, &Error{
					Msg:    fmt.Sprintf("stack overflow: too many expansions of %s", t.Str),
					Source: t.Source,
					Err:    ErrStackOverflow,
				}
			}
			line, overflow, err := d.Expand(out, i)
			if err != nil {
				return nil, err
			}
			out = line
			p.overflow = append(p.overflow, overflow...)
			continue
		}
		i++
	}
	return out, nil
}

func isPrimitive(s string) bool {
	switch s {
	case ".tcount", ".string", ".concat", ".ident":
		return true
	}
	return false
}

// Replace tokens[i:end] with r.
func splice(tokens []Token, i, end int, r Token) []Token {
	out := make([]Token, 0, len(tokens)-(end-i)+1)
	out = append(out, tokens[:i]...)
	out = append(out, r)
	return append(out, tokens[end:]...)
}

// Evaluate the primitive function at tokens[i]. Returns the resulting
// token and the index just past the call.
func (p *Preprocessor) primitive(tokens []Token, i int) (Token, int, error) {
	fn := &tokens[i]
	lp := tokenAt(tokens, i+1)
	if lp == nil || lp.Kind != LP {
		return Token{}, 0, newError(fmt.Sprintf("Expected ( after %s", fn.Name()), fn)
	}
	rp, err := findBalanced(tokens, i+1)
	if err != nil {
		return Token{}, 0, err
	}
	if rp < 0 {
		return Token{}, 0, newError(fmt.Sprintf("Never closed: %s", fn.Name()), fn)
	}
	args := tokens[i+2 : rp]
	end := rp + 1

	switch fn.Str {
	case ".tcount":
		return Token{Kind: NUM, Num: count(unwrap(args)), Source: fn.Source}, end, nil
	case ".string":
		return Token{Kind: STR, Str: tokensText(unwrap(args)), Source: fn.Source}, end, nil
	}

	expanded, err := p.expand(args)
	if err != nil {
		return Token{}, 0, err
	}
	list, err := parseArgList(expanded)
	if err != nil {
		return Token{}, 0, err
	}
	var b strings.Builder
	for _, arg := range list {
		arg = unwrap(arg)
		if len(arg) != 1 || arg[0].Kind != STR {
			bad := fn
			if len(arg) > 0 {
				bad = &arg[0]
			}
			return Token{}, 0, newError(fmt.Sprintf("Expected string: %s", bad.Name()), bad)
		}
		b.WriteString(arg[0].Str)
	}
	if fn.Str == ".ident" {
		if len(list) != 1 {
			return Token{}, 0, newError("Expected a single string for .ident", fn)
		}
		return Token{Kind: IDENT, Str: b.String(), Source: fn.Source}, end, nil
	}
	return Token{Kind: STR, Str: b.String(), Source: fn.Source}, end, nil
}
