// Copyright 2014 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disasm implements a 6502 instruction set
// disassembler.
package disasm

import (
	"fmt"

	"github.com/crystalis-randomizer/go65/cpu"
)

// Disassembler formatting for addressing modes
var modeFormat = []string{
	cpu.IMM: "#$%s",
	cpu.IMP: "%s",
	cpu.REL: "$%s",
	cpu.ZPG: "$%s",
	cpu.ZPX: "$%s,X",
	cpu.ZPY: "$%s,Y",
	cpu.ABS: "$%s",
	cpu.ABX: "$%s,X",
	cpu.ABY: "$%s,Y",
	cpu.IND: "($%s)",
	cpu.IDX: "($%s,X)",
	cpu.IDY: "($%s),Y",
	cpu.ACC: "%s",
}

// Disassemble the machine code at the start of 'b', which is loaded at
// address 'addr'. Return a 'line' string representing the disassembled
// instruction and the number of bytes it occupies. Bytes that do not
// start a complete instruction are shown as data.
func Disassemble(b []byte, addr int) (line string, n int) {
	name, mode, operand, err := cpu.Decode(b)
	if err != nil {
		if len(b) == 0 {
			return "", 0
		}
		return fmt.Sprintf(".byte $%02X", b[0]), 1
	}
	n = 1 + mode.OperandLength()

	var arg string
	switch mode {
	case cpu.IMP, cpu.ACC:
		return name, n
	case cpu.REL:
		// Convert relative offset to absolute address.
		arg = fmt.Sprintf("%04X", (addr+n+operand)&0xffff)
	default:
		if n == 3 {
			arg = fmt.Sprintf("%04X", operand)
		} else {
			arg = fmt.Sprintf("%02X", operand)
		}
	}
	return name + " " + fmt.Sprintf(modeFormat[mode], arg), n
}
