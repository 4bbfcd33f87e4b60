package asm

import "errors"

// Sentinel errors wrapped by *Error values.
var (
	// ErrParse is wrapped by every lexical error.
	ErrParse = errors.New("parse error")

	// ErrStackOverflow is wrapped by errors caused by runaway macro or
	// define expansion.
	ErrStackOverflow = errors.New("stack overflow")
)

// An Error is a failure encountered while assembling or linking, along
// with the location of the source that caused it.
type Error struct {
	Msg    string  // error message
	Source *Source // originating source, if known
	Err    error   // wrapped sentinel, if any
}

func (e *Error) Error() string {
	if e.Source != nil {
		return e.Msg + at(e.Source)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError creates an error located at the token's source. The token
// may be nil.
func newError(msg string, t *Token) *Error {
	e := &Error{Msg: msg}
	if t != nil {
		e.Source = t.Source
	}
	return e
}

// errorAt creates an error located at src, which may be nil.
func errorAt(src *Source, msg string) *Error {
	return &Error{Msg: msg, Source: src}
}

func at(s *Source) string {
	return "\n  at " + s.String()
}
