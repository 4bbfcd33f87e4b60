package asm

import (
	"fmt"
	"strings"
)

// Expression node operators that are not arithmetic.
const (
	OpNum    = "num" // literal or resolved address
	OpSym    = "sym" // symbol, by name or by symbol-table index
	OpImport = "im"  // import from another module
)

// Meta holds extra information attached to a num expression.
type Meta struct {
	Rel    bool `json:"rel,omitempty"`    // offset from the start of Chunk
	Chunk  *int `json:"chunk,omitempty"`  // chunk the value is defined in
	Org    *int `json:"org,omitempty"`    // org of the chunk, if known
	Bank   *int `json:"bank,omitempty"`   // bank of the chunk, if known
	Offset *int `json:"offset,omitempty"` // file offset of the chunk, if known
	Size   int  `json:"size,omitempty"`   // size hint in bytes, 0 if unknown
}

func (m *Meta) clone() *Meta {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// An Expr is a node in an expression tree. Op is "num", "sym", "im" or
// an operator name such as "+" or ".max".
//
// A "sym" node names a symbol with Sym, or refers to entry Num of the
// module's symbol table when Sym is empty. An "im" node names an import
// with Sym.
type Expr struct {
	Op     string  `json:"op"`
	Args   []*Expr `json:"args,omitempty"`
	Num    int     `json:"num,omitempty"`
	Sym    string  `json:"sym,omitempty"`
	Meta   *Meta   `json:"meta,omitempty"`
	Source *Source `json:"source,omitempty"`
}

// NumExpr returns a number with a size hint derived from its value.
func NumExpr(n int) *Expr {
	return &Expr{Op: OpNum, Num: n, Meta: &Meta{Size: sizeOf(n)}}
}

// RelExpr returns an offset relative to the start of a chunk.
func RelExpr(n, chunk int) *Expr {
	return &Expr{Op: OpNum, Num: n, Meta: &Meta{Rel: true, Chunk: intp(chunk)}}
}

// SymExpr returns a reference to a named symbol.
func SymExpr(name string) *Expr {
	return &Expr{Op: OpSym, Sym: name}
}

// SymIndexExpr returns a reference to entry i of a symbol table.
func SymIndexExpr(i int) *Expr {
	return &Expr{Op: OpSym, Num: i}
}

// ImportExpr returns a reference to a symbol exported by another module.
func ImportExpr(name string) *Expr {
	return &Expr{Op: OpImport, Sym: name}
}

// OpExpr returns an operator node.
func OpExpr(op string, args ...*Expr) *Expr {
	return &Expr{Op: op, Args: args}
}

// IsNum reports whether the expression is a plain number.
func (e *Expr) IsNum() bool {
	return e.Op == OpNum
}

// IsAbs reports whether the expression is a number that is not relative
// to an unplaced chunk.
func (e *Expr) IsAbs() bool {
	return e.Op == OpNum && (e.Meta == nil || !e.Meta.Rel)
}

// Size returns the size hint of the expression, or 0 if unknown.
func (e *Expr) Size() int {
	if e.Meta == nil {
		return 0
	}
	return e.Meta.Size
}

func (e *Expr) String() string {
	switch e.Op {
	case OpNum:
		if e.Meta != nil && e.Meta.Rel && e.Meta.Chunk != nil {
			return fmt.Sprintf("%d@chunk%d", e.Num, *e.Meta.Chunk)
		}
		return fmt.Sprintf("$%x", e.Num)
	case OpSym:
		if e.Sym == "" {
			return fmt.Sprintf("sym#%d", e.Num)
		}
		return e.Sym
	case OpImport:
		return "import(" + e.Sym + ")"
	}
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	if len(args) == 2 && !strings.HasPrefix(e.Op, ".") {
		return "(" + args[0] + " " + e.Op + " " + args[1] + ")"
	}
	return e.Op + "(" + strings.Join(args, ", ") + ")"
}

//
// operator table
//

type opdata struct {
	precedence int
	group      int // operators of equal precedence mix only within a group
	arity      int
	eval       func(a, b int) int
	size       func(sizes []int) int
}

// Binary operators. Bitwise and arithmetic operators of the same
// precedence are placed in different groups so they cannot be mixed
// without parentheses.
var binops = map[string]opdata{
	"*":    {5, 4, 2, func(a, b int) int { return a * b }, nil},
	"/":    {5, 4, 2, floorDiv, nil},
	".mod": {5, 3, 2, func(a, b int) int { return a % b }, nil},
	"&":    {5, 2, 2, func(a, b int) int { return a & b }, maxSize},
	"^":    {5, 1, 2, func(a, b int) int { return a ^ b }, maxSize},
	"<<":   {5, 0, 2, func(a, b int) int { return int(int32(uint32(a) << uint(b&31))) }, nil},
	">>":   {5, 0, 2, func(a, b int) int { return int(uint32(a) >> uint(b&31)) }, nil},
	"+":    {4, 2, 2, func(a, b int) int { return a + b }, nil},
	"-":    {4, 2, 2, func(a, b int) int { return a - b }, nil},
	"|":    {4, 1, 2, func(a, b int) int { return a | b }, maxSize},
	"<":    {3, 0, 2, func(a, b int) int { return boolInt(a < b) }, byteSize},
	"<=":   {3, 0, 2, func(a, b int) int { return boolInt(a <= b) }, byteSize},
	">":    {3, 0, 2, func(a, b int) int { return boolInt(a > b) }, byteSize},
	">=":   {3, 0, 2, func(a, b int) int { return boolInt(a >= b) }, byteSize},
	"=":    {3, 0, 2, func(a, b int) int { return boolInt(a == b) }, byteSize},
	"<>":   {3, 0, 2, func(a, b int) int { return boolInt(a != b) }, byteSize},
	"&&":   {2, 3, 2, logicalAnd, maxSize},
	".xor": {2, 2, 2, logicalXor, maxSize},
	"||":   {2, 1, 2, logicalOr, maxSize},
}

// Prefix operators.
var prefixops = map[string]opdata{
	"+": {9, -1, 1, func(a, _ int) int { return a }, nil},
	"-": {9, -1, 1, func(a, _ int) int { return -a }, nil},
	"~": {9, -1, 1, func(a, _ int) int { return ^a }, nil},
	"<": {9, -1, 1, func(a, _ int) int { return a & 0xff }, byteSize},
	">": {9, -1, 1, func(a, _ int) int { return (a >> 8) & 0xff }, byteSize},
	"^": {9, -1, 1, nil, byteSize},
	"!": {2, -1, 1, func(a, _ int) int { return boolInt(a == 0) }, byteSize},
}

// Variadic functions, called as .name(arg, ...).
var functions = map[string]func(args []int) int{
	".max": func(args []int) int {
		m := args[0]
		for _, a := range args[1:] {
			m = max(m, a)
		}
		return m
	},
	".min": func(args []int) int {
		m := args[0]
		for _, a := range args[1:] {
			m = min(m, a)
		}
		return m
	},
}

// Word aliases for operators.
var nameMap = map[string]string{
	".bitand":   "&",
	".bitxor":   "^",
	".bitor":    "|",
	".shl":      "<<",
	".shr":      ">>",
	".and":      "&&",
	".or":       "||",
	".bitnot":   "~",
	".lobyte":   "<",
	".hibyte":   ">",
	".bankbyte": "^",
	".not":      "!",
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func logicalAnd(a, b int) int {
	if a == 0 {
		return a
	}
	return b
}

func logicalOr(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func logicalXor(a, b int) int {
	switch {
	case a == 0 && b != 0:
		return b
	case b == 0 && a != 0:
		return a
	default:
		return 0
	}
}

func byteSize([]int) int { return 1 }

// The largest of the sizes, or 0 if any is unknown.
func maxSize(sizes []int) int {
	m := 0
	for _, s := range sizes {
		if s == 0 {
			return 0
		}
		m = max(m, s)
	}
	return m
}

// sizeOf returns the number of bytes needed to hold n.
func sizeOf(n int) int {
	if n >= 0 && n < 0x100 {
		return 1
	}
	return 2
}

func intp(n int) *int {
	return &n
}

// fixSize attaches a size hint to an operator node based on the sizes of
// its arguments.
func fixSize(e *Expr, fn func([]int) int) *Expr {
	if fn == nil {
		return e
	}
	sizes := make([]int, len(e.Args))
	for i, a := range e.Args {
		sizes[i] = a.Size()
	}
	if size := fn(sizes); size != 0 {
		e.Meta = &Meta{Size: size}
	}
	return e
}

func sizeFunc(op string, arity int) func([]int) int {
	if _, ok := functions[op]; ok {
		return maxSize
	}
	if arity == 1 {
		return prefixops[op].size
	}
	return binops[op].size
}

//
// parser
//

type opEntry struct {
	name string
	data opdata
	tok  *Token
}

type opStack struct {
	data []opEntry
}

func (s *opStack) push(op opEntry) {
	s.data = append(s.data, op)
}

func (s *opStack) pop() opEntry {
	op := s.data[len(s.data)-1]
	s.data = s.data[:len(s.data)-1]
	return op
}

func (s *opStack) empty() bool {
	return len(s.data) == 0
}

func (s *opStack) peek() opEntry {
	return s.data[len(s.data)-1]
}

type exprStack struct {
	data []*Expr
}

func (s *exprStack) push(e *Expr) {
	s.data = append(s.data, e)
}

// Collapse the operands of op on the top of the stack into a single
// node, and push the combined node back onto the stack.
func (s *exprStack) collapse(op opEntry) error {
	n := op.data.arity
	if len(s.data) < n {
		return newError(fmt.Sprintf("Missing operand for %s", op.name), op.tok)
	}
	args := make([]*Expr, n)
	copy(args, s.data[len(s.data)-n:])
	s.data = s.data[:len(s.data)-n]
	s.push(fixSize(&Expr{Op: op.name, Args: args}, sizeFunc(op.name, n)))
	return nil
}

// Compare the operator on the top of the stack with the incoming one.
// Returns >0 if top should be collapsed first, <0 if not, and 0 if the
// two may not be mixed.
func compareOp(top, next opdata) int {
	switch {
	case top.precedence > next.precedence:
		return 1
	case top.precedence < next.precedence:
		return -1
	case top.group != next.group:
		return 0
	}
	return top.group
}

func mappedName(t *Token) string {
	if m, ok := nameMap[t.Str]; ok {
		return m
	}
	return t.Str
}

// ParseExpr parses an expression from tokens starting at index start,
// using Dijkstra's shunting-yard algorithm. It returns the expression
// and the index of the first token not consumed. Parsing stops at a
// top-level comma or at any token that cannot continue the expression.
// A nil expression is returned if there are no tokens to parse.
func ParseExpr(tokens []Token, start int) (*Expr, int, error) {
	if start >= len(tokens) {
		return nil, start, nil
	}

	var ops opStack
	var exprs exprStack

	val := true
	i := start
loop:
	for ; i < len(tokens); i++ {
		front := &tokens[i]
		if val {
			// Looking for a value: literal, parens, function or prefix op.
			switch front.Kind {
			case CS, OP:
				name := mappedName(front)
				if prefix, ok := prefixops[name]; ok {
					ops.push(opEntry{name, prefix, front})
					continue
				}
				if front.Kind == CS {
					e, end, err := parseFuncall(tokens, i)
					if err != nil {
						return nil, i, err
					}
					exprs.push(e)
					i = end
				} else if Eq(front, &tokStar) {
					exprs.push(&Expr{Op: OpSym, Sym: "*"})
				} else {
					return nil, i, newError(fmt.Sprintf("Unknown prefix operator: %s", front.Name()), front)
				}

			case LP:
				end, err := findBalanced(tokens, i)
				if err != nil {
					return nil, i, err
				}
				if end < 0 {
					return nil, i, newError("No close paren: (", front)
				}
				e, err := ParseOnlyExpr(tokens[i+1 : end])
				if err != nil {
					return nil, i, err
				}
				exprs.push(e)
				i = end

			case IDENT:
				exprs.push(&Expr{Op: OpSym, Sym: front.Str})

			case NUM:
				size := max(front.Width, sizeOf(front.Num))
				exprs.push(&Expr{Op: OpNum, Num: front.Num, Meta: &Meta{Size: size}})

			default:
				return nil, i, newError(fmt.Sprintf("Bad expression token: %s", front.Name()), front)
			}
			val = false
			continue
		}

		// Looking for an infix operator or the end of the expression.
		if Eq(front, &tokComma) || (front.Kind != CS && front.Kind != OP) {
			break
		}
		name := mappedName(front)
		op, ok := binops[name]
		if !ok {
			break loop
		}
		for !ops.empty() {
			top := ops.peek()
			cmp := compareOp(top.data, op)
			if cmp < 0 {
				break
			}
			if cmp == 0 {
				return nil, i, newError(fmt.Sprintf("Mixing %s and %s needs explicit parens.", top.name, name), front)
			}
			if err := exprs.collapse(ops.pop()); err != nil {
				return nil, i, err
			}
		}
		ops.push(opEntry{name, op, front})
		val = true
	}

	if val {
		last := &tokens[i-1]
		return nil, i, newError(fmt.Sprintf("Incomplete expression: %s", last.Name()), last)
	}
	for !ops.empty() {
		if err := exprs.collapse(ops.pop()); err != nil {
			return nil, i, err
		}
	}
	e := exprs.data[0]
	if tokens[start].Source != nil {
		e.Source = tokens[start].Source
	}
	return e, i, nil
}

// Parse a function call .name(arg, ...) starting at tokens[i]. Returns
// the call node and the index of the closing paren.
func parseFuncall(tokens []Token, i int) (*Expr, int, error) {
	front := &tokens[i]
	if _, ok := functions[front.Str]; !ok {
		return nil, i, newError(fmt.Sprintf("No such function: %s", front.Name()), front)
	}
	next := tokenAt(tokens, i+1)
	if next == nil || next.Kind != LP {
		return nil, i, newError(fmt.Sprintf("Bad funcall: %s", front.Name()), front)
	}
	end, err := findBalanced(tokens, i+1)
	if err != nil {
		return nil, i, err
	}
	if end < 0 {
		return nil, i, newError(fmt.Sprintf("Never closed: %s", front.Name()), next)
	}
	argList, err := parseArgList(tokens[i+2 : end])
	if err != nil {
		return nil, i, err
	}
	args := make([]*Expr, 0, len(argList))
	for _, arg := range argList {
		e, err := ParseOnlyExpr(arg)
		if err != nil {
			return nil, i, err
		}
		args = append(args, e)
	}
	e := &Expr{Op: front.Str, Args: args}
	return fixSize(e, maxSize), end, nil
}

// ParseOnlyExpr parses an expression that must occupy all of tokens.
func ParseOnlyExpr(tokens []Token) (*Expr, error) {
	e, i, err := ParseExpr(tokens, 0)
	if err != nil {
		return nil, err
	}
	if i < len(tokens) {
		return nil, newError(fmt.Sprintf("Garbage after expression: %s", tokens[i].Name()), &tokens[i])
	}
	if e == nil {
		return nil, newError("No expression?", nil)
	}
	return e, nil
}

//
// evaluation
//

// Evaluate folds every constant subtree of the expression and returns
// the result. The input is never modified; subtrees that cannot be
// folded are shared with the result.
func Evaluate(e *Expr) *Expr {
	switch e.Op {
	case OpImport, OpSym:
		return e
	case OpNum:
		if e.Meta != nil && e.Meta.Rel && e.Meta.Org != nil {
			meta := e.Meta.clone()
			meta.Rel = false
			return &Expr{Op: OpNum, Num: e.Num + *meta.Org, Meta: meta, Source: e.Source}
		}
		return e
	}

	// Evaluate the arguments first, copying the node only if one of
	// them changed.
	var args []*Expr
	for i, a := range e.Args {
		ev := Evaluate(a)
		if ev != a && args == nil {
			args = make([]*Expr, len(e.Args))
			copy(args, e.Args)
		}
		if args != nil {
			args[i] = ev
		}
	}
	node := e
	if args != nil {
		c := *e
		c.Args = args
		node = &c
	}

	result := fold(node)
	if result != node && result.Source == nil && e.Source != nil {
		c := *result
		c.Source = e.Source
		result = &c
	}
	return result
}

// Fold a single operator node whose arguments are already evaluated.
func fold(e *Expr) *Expr {
	if fn, ok := functions[e.Op]; ok {
		vals := make([]int, len(e.Args))
		for i, a := range e.Args {
			if !a.IsAbs() {
				return e
			}
			vals[i] = a.Num
		}
		if len(vals) == 0 {
			return e
		}
		return NumExpr(fn(vals))
	}

	if len(e.Args) == 1 {
		a := e.Args[0]
		switch e.Op {
		case "+":
			return a
		case "^":
			if a.Op == OpNum && a.Meta != nil && a.Meta.Bank != nil {
				return NumExpr(*a.Meta.Bank)
			}
			return e
		}
		op, ok := prefixops[e.Op]
		if !ok || !a.IsAbs() {
			return e
		}
		return NumExpr(op.eval(a.Num, 0))
	}

	if len(e.Args) != 2 {
		return e
	}
	switch e.Op {
	case "+":
		return plus(e)
	case "-":
		return minus(e)
	}
	op, ok := binops[e.Op]
	a, b := e.Args[0], e.Args[1]
	if !ok || !a.IsAbs() || !b.IsAbs() {
		return e
	}
	switch e.Op {
	case "/", ".mod":
		if b.Num == 0 {
			return e
		}
	case "<<", ">>":
		if b.Num < 0 {
			return e
		}
	}
	return NumExpr(op.eval(a.Num, b.Num))
}

// Addition allows a relative offset plus an absolute number.
func plus(e *Expr) *Expr {
	a, b := e.Args[0], e.Args[1]
	if a.Op != OpNum || b.Op != OpNum {
		return e
	}
	out := &Expr{Op: OpNum, Num: a.Num + b.Num}
	aRel := a.Meta != nil && a.Meta.Rel
	bRel := b.Meta != nil && b.Meta.Rel
	switch {
	case aRel && bRel:
		return e
	case aRel:
		out.Meta = a.Meta.clone()
	case bRel:
		out.Meta = b.Meta.clone()
	}
	if out.Meta == nil {
		out.Meta = &Meta{Size: sizeOf(out.Num)}
	}
	return out
}

// Subtraction allows a relative offset minus an absolute number, and the
// difference of two offsets into the same chunk.
func minus(e *Expr) *Expr {
	a, b := e.Args[0], e.Args[1]
	if a.Op != OpNum || b.Op != OpNum {
		return e
	}
	out := &Expr{Op: OpNum, Num: a.Num - b.Num}
	aRel := a.Meta != nil && a.Meta.Rel
	bRel := b.Meta != nil && b.Meta.Rel
	if bRel {
		if aRel && sameChunk(a.Meta, b.Meta) {
			return out
		}
		return e
	}
	if aRel {
		out.Meta = a.Meta.clone()
	} else {
		out.Meta = &Meta{Size: sizeOf(out.Num)}
	}
	return out
}

func sameChunk(a, b *Meta) bool {
	if a.Chunk == nil || b.Chunk == nil {
		return a.Chunk == b.Chunk
	}
	return *a.Chunk == *b.Chunk
}

// MapExpr rebuilds the expression bottom-up, replacing each node with
// the result of f. Unchanged subtrees are shared with the input.
func MapExpr(e *Expr, f func(*Expr) (*Expr, error)) (*Expr, error) {
	node := e
	if len(e.Args) > 0 {
		var args []*Expr
		for i, a := range e.Args {
			m, err := MapExpr(a, f)
			if err != nil {
				return nil, err
			}
			if m != a && args == nil {
				args = make([]*Expr, len(e.Args))
				copy(args, e.Args)
			}
			if args != nil {
				args[i] = m
			}
		}
		if args != nil {
			c := *e
			c.Args = args
			node = &c
		}
	}
	return f(node)
}
