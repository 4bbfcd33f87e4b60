// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// An fstring is a string that keeps track of its position within the
// file from which it was read.
type fstring struct {
	row    int    // 1-based line number of substring
	column int    // 0-based column of start of substring
	str    string // the remaining text of the line
}

func newFstring(row int, str string) fstring {
	return fstring{row, 0, str}
}

func (l *fstring) String() string {
	return l.str
}

func (l *fstring) advanceColumn(n int) int {
	c := l.column
	for i := 0; i < n; i++ {
		if l.str[i] == '\t' {
			c += 8 - (c % 8)
		} else {
			c++
		}
	}
	return c
}

func (l fstring) consume(n int) fstring {
	col := l.advanceColumn(n)
	return fstring{l.row, col, l.str[n:]}
}

func (l *fstring) isEmpty() bool {
	return len(l.str) == 0
}

func (l *fstring) startsWith(fn func(c byte) bool) bool {
	return len(l.str) > 0 && fn(l.str[0])
}

func (l *fstring) startsWithChar(c byte) bool {
	return len(l.str) > 0 && l.str[0] == c
}

func (l fstring) consumeWhitespace() fstring {
	return l.consume(l.scanWhile(whitespace))
}

func (l *fstring) scanWhile(fn func(c byte) bool) int {
	i := 0
	for ; i < len(l.str) && fn(l.str[i]); i++ {
	}
	return i
}

func (l *fstring) scanWhileFrom(start int, fn func(c byte) bool) int {
	i := start
	for ; i < len(l.str) && fn(l.str[i]); i++ {
	}
	return i
}

// isContinuation reports whether the rest of the line is a lone
// backslash, which joins the next physical line to this one.
func (l *fstring) isContinuation() bool {
	i := l.scanWhile(func(c byte) bool { return c != ' ' && c != '\t' })
	rest := l.consume(i)
	return i == 1 && l.str[0] == '\\' && rest.scanWhile(whitespace) == len(rest.str)
}

//
// character helper functions
//

func whitespace(c byte) bool {
	return c == ' ' || c == '\t'
}

func alpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func decimal(c byte) bool {
	return (c >= '0' && c <= '9')
}

func comment(c byte) bool {
	return c == ';'
}

func hexadecimal(c byte) bool {
	return decimal(c) || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

func binarynum(c byte) bool {
	return c == '0' || c == '1'
}

func octal(c byte) bool {
	return c >= '0' && c <= '7'
}

func identifierStartChar(c byte) bool {
	return alpha(c) || c == '_'
}

func identifierChar(c byte) bool {
	return alpha(c) || decimal(c) || c == '_'
}

func numberChar(c byte) bool {
	return alpha(c) || decimal(c) || c == '_'
}

func stringQuote(c byte) bool {
	return c == '"' || c == '\''
}
