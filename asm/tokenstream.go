package asm

// A TokenStream is a stack of token sources. Lines are read from the
// innermost source until it is exhausted, then from the one beneath it.
// Macro and repeat expansions are pushed onto the stack as they occur.
type TokenStream struct {
	frames []*frame
}

type frameKind byte

const (
	sourceFrame frameKind = iota
	macroFrame
	repeatFrame
)

type frame struct {
	kind  frameKind
	src   TokenSource // nil for expansion frames
	lines [][]Token   // queued lines, read before src
	conds int         // conditional depth when the frame was entered
}

// NewTokenStream creates a stream that reads each source in turn.
func NewTokenStream(srcs ...TokenSource) *TokenStream {
	s := &TokenStream{}
	for i := len(srcs) - 1; i >= 0; i-- {
		s.Push(srcs[i])
	}
	return s
}

// Push makes src the innermost source of the stream.
func (s *TokenStream) Push(src TokenSource) {
	s.frames = append(s.frames, &frame{kind: sourceFrame, src: src})
}

// pushLines enters an expansion.
func (s *TokenStream) pushLines(kind frameKind, lines [][]Token, conds int) {
	s.frames = append(s.frames, &frame{kind: kind, lines: lines, conds: conds})
}

// Unshift queues lines to be read before anything else in the stream.
func (s *TokenStream) Unshift(lines ...[]Token) {
	if len(lines) == 0 {
		return
	}
	if len(s.frames) == 0 {
		s.pushLines(repeatFrame, nil, 0)
	}
	f := s.frames[len(s.frames)-1]
	queued := make([][]Token, 0, len(lines)+len(f.lines))
	queued = append(queued, lines...)
	f.lines = append(queued, f.lines...)
}

// Next returns the next line of the innermost non-empty source, or nil
// once every source is exhausted. Exhausted frames are removed only
// when read past, so an expansion whose last line is being processed
// still counts toward the nesting depth.
func (s *TokenStream) Next() ([]Token, error) {
	for len(s.frames) > 0 {
		f := s.frames[len(s.frames)-1]
		if len(f.lines) > 0 {
			line := f.lines[0]
			f.lines = f.lines[1:]
			return line, nil
		}
		if f.src != nil {
			line, err := f.src.Next()
			if err != nil {
				return nil, err
			}
			if line != nil {
				return line, nil
			}
		}
		s.frames = s.frames[:len(s.frames)-1]
	}
	return nil, nil
}

// macroDepth returns the number of macro expansions on the stack.
func (s *TokenStream) macroDepth() int {
	n := 0
	for _, f := range s.frames {
		if f.kind == macroFrame {
			n++
		}
	}
	return n
}

// exitMacro discards the innermost macro expansion along with anything
// pushed above it. It returns the conditional depth recorded when the
// macro was entered, or false if no macro is being expanded.
func (s *TokenStream) exitMacro() (int, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].kind == macroFrame {
			conds := s.frames[i].conds
			s.frames = s.frames[:i]
			return conds, true
		}
	}
	return 0, false
}
