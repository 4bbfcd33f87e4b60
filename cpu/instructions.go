// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cpu describes the NMOS 6502 instruction set: every official
// opcode plus the stable undocumented ones, indexed by opcode and by
// mnemonic.
package cpu

import (
	"errors"
	"fmt"
	"strings"
)

// An opsym is an internal symbol used to associate an opcode's data
// with its instructions.
type opsym byte

const (
	symADC opsym = iota
	symAND
	symASL
	symBCC
	symBCS
	symBEQ
	symBIT
	symBMI
	symBNE
	symBPL
	symBRK
	symBVC
	symBVS
	symCLC
	symCLD
	symCLI
	symCLV
	symCMP
	symCPX
	symCPY
	symDEC
	symDEX
	symDEY
	symEOR
	symINC
	symINX
	symINY
	symJMP
	symJSR
	symLDA
	symLDX
	symLDY
	symLSR
	symNOP
	symORA
	symPHA
	symPHP
	symPLA
	symPLP
	symROL
	symROR
	symRTI
	symRTS
	symSBC
	symSEC
	symSED
	symSEI
	symSTA
	symSTX
	symSTY
	symTAX
	symTAY
	symTSX
	symTXA
	symTXS
	symTYA

	// undocumented
	symAHX
	symALR
	symANC
	symARR
	symAXS
	symDCP
	symISC
	symLAS
	symLAX
	symRLA
	symRRA
	symSAX
	symSHX
	symSHY
	symSLO
	symSRE
	symTAS
)

var names = [...]string{
	symADC: "ADC", symAND: "AND", symASL: "ASL", symBCC: "BCC",
	symBCS: "BCS", symBEQ: "BEQ", symBIT: "BIT", symBMI: "BMI",
	symBNE: "BNE", symBPL: "BPL", symBRK: "BRK", symBVC: "BVC",
	symBVS: "BVS", symCLC: "CLC", symCLD: "CLD", symCLI: "CLI",
	symCLV: "CLV", symCMP: "CMP", symCPX: "CPX", symCPY: "CPY",
	symDEC: "DEC", symDEX: "DEX", symDEY: "DEY", symEOR: "EOR",
	symINC: "INC", symINX: "INX", symINY: "INY", symJMP: "JMP",
	symJSR: "JSR", symLDA: "LDA", symLDX: "LDX", symLDY: "LDY",
	symLSR: "LSR", symNOP: "NOP", symORA: "ORA", symPHA: "PHA",
	symPHP: "PHP", symPLA: "PLA", symPLP: "PLP", symROL: "ROL",
	symROR: "ROR", symRTI: "RTI", symRTS: "RTS", symSBC: "SBC",
	symSEC: "SEC", symSED: "SED", symSEI: "SEI", symSTA: "STA",
	symSTX: "STX", symSTY: "STY", symTAX: "TAX", symTAY: "TAY",
	symTSX: "TSX", symTXA: "TXA", symTXS: "TXS", symTYA: "TYA",

	symAHX: "AHX", symALR: "ALR", symANC: "ANC", symARR: "ARR",
	symAXS: "AXS", symDCP: "DCP", symISC: "ISC", symLAS: "LAS",
	symLAX: "LAX", symRLA: "RLA", symRRA: "RRA", symSAX: "SAX",
	symSHX: "SHX", symSHY: "SHY", symSLO: "SLO", symSRE: "SRE",
	symTAS: "TAS",
}

// Mode describes a memory addressing mode.
type Mode byte

// All possible memory addressing modes
const (
	IMM Mode = iota // Immediate
	IMP             // Implied (no operand)
	REL             // Relative
	ZPG             // Zero Page
	ZPX             // Zero Page,X
	ZPY             // Zero Page,Y
	ABS             // Absolute
	ABX             // Absolute,X
	ABY             // Absolute,Y
	IND             // (Indirect)
	IDX             // (Indirect,X)
	IDY             // (Indirect),Y
	ACC             // Accumulator (no operand)
)

var modeNames = [...]string{
	IMM: "imm", IMP: "imp", REL: "rel", ZPG: "zpg", ZPX: "zpx", ZPY: "zpy",
	ABS: "abs", ABX: "abx", ABY: "aby", IND: "ind", IDX: "inx", IDY: "iny",
	ACC: "acc",
}

// String returns the short lower-case name of the addressing mode.
func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// OperandLength returns the number of operand bytes that follow the
// opcode byte for the addressing mode.
func (m Mode) OperandLength() int {
	switch m {
	case IMP, ACC:
		return 0
	case ABS, ABX, ABY, IND:
		return 2
	default:
		return 1
	}
}

// Opcode data for an (opcode, mode) pair
type opcodeData struct {
	sym     opsym // internal opcode symbol
	mode    Mode  // addressing mode
	opcode  byte  // opcode hex value
	illegal bool  // whether the opcode is undocumented
}

// All valid (opcode, mode) pairs
var data = []opcodeData{
	{symADC, IMM, 0x69, false},
	{symADC, ZPG, 0x65, false},
	{symADC, ZPX, 0x75, false},
	{symADC, ABS, 0x6d, false},
	{symADC, ABX, 0x7d, false},
	{symADC, ABY, 0x79, false},
	{symADC, IDX, 0x61, false},
	{symADC, IDY, 0x71, false},

	{symAND, IMM, 0x29, false},
	{symAND, ZPG, 0x25, false},
	{symAND, ZPX, 0x35, false},
	{symAND, ABS, 0x2d, false},
	{symAND, ABX, 0x3d, false},
	{symAND, ABY, 0x39, false},
	{symAND, IDX, 0x21, false},
	{symAND, IDY, 0x31, false},

	{symASL, ACC, 0x0a, false},
	{symASL, ZPG, 0x06, false},
	{symASL, ZPX, 0x16, false},
	{symASL, ABS, 0x0e, false},
	{symASL, ABX, 0x1e, false},

	{symBCC, REL, 0x90, false},
	{symBCS, REL, 0xb0, false},
	{symBEQ, REL, 0xf0, false},
	{symBMI, REL, 0x30, false},
	{symBNE, REL, 0xd0, false},
	{symBPL, REL, 0x10, false},
	{symBVC, REL, 0x50, false},
	{symBVS, REL, 0x70, false},

	{symBIT, ZPG, 0x24, false},
	{symBIT, ABS, 0x2c, false},

	{symBRK, IMP, 0x00, false},

	{symCLC, IMP, 0x18, false},
	{symCLD, IMP, 0xd8, false},
	{symCLI, IMP, 0x58, false},
	{symCLV, IMP, 0xb8, false},

	{symCMP, IMM, 0xc9, false},
	{symCMP, ZPG, 0xc5, false},
	{symCMP, ZPX, 0xd5, false},
	{symCMP, ABS, 0xcd, false},
	{symCMP, ABX, 0xdd, false},
	{symCMP, ABY, 0xd9, false},
	{symCMP, IDX, 0xc1, false},
	{symCMP, IDY, 0xd1, false},

	{symCPX, IMM, 0xe0, false},
	{symCPX, ZPG, 0xe4, false},
	{symCPX, ABS, 0xec, false},

	{symCPY, IMM, 0xc0, false},
	{symCPY, ZPG, 0xc4, false},
	{symCPY, ABS, 0xcc, false},

	{symDEC, ZPG, 0xc6, false},
	{symDEC, ZPX, 0xd6, false},
	{symDEC, ABS, 0xce, false},
	{symDEC, ABX, 0xde, false},

	{symDEX, IMP, 0xca, false},
	{symDEY, IMP, 0x88, false},

	{symEOR, IMM, 0x49, false},
	{symEOR, ZPG, 0x45, false},
	{symEOR, ZPX, 0x55, false},
	{symEOR, ABS, 0x4d, false},
	{symEOR, ABX, 0x5d, false},
	{symEOR, ABY, 0x59, false},
	{symEOR, IDX, 0x41, false},
	{symEOR, IDY, 0x51, false},

	{symINC, ZPG, 0xe6, false},
	{symINC, ZPX, 0xf6, false},
	{symINC, ABS, 0xee, false},
	{symINC, ABX, 0xfe, false},

	{symINX, IMP, 0xe8, false},
	{symINY, IMP, 0xc8, false},

	{symJMP, ABS, 0x4c, false},
	{symJMP, IND, 0x6c, false},

	{symJSR, ABS, 0x20, false},

	{symLDA, IMM, 0xa9, false},
	{symLDA, ZPG, 0xa5, false},
	{symLDA, ZPX, 0xb5, false},
	{symLDA, ABS, 0xad, false},
	{symLDA, ABX, 0xbd, false},
	{symLDA, ABY, 0xb9, false},
	{symLDA, IDX, 0xa1, false},
	{symLDA, IDY, 0xb1, false},

	{symLDX, IMM, 0xa2, false},
	{symLDX, ZPG, 0xa6, false},
	{symLDX, ZPY, 0xb6, false},
	{symLDX, ABS, 0xae, false},
	{symLDX, ABY, 0xbe, false},

	{symLDY, IMM, 0xa0, false},
	{symLDY, ZPG, 0xa4, false},
	{symLDY, ZPX, 0xb4, false},
	{symLDY, ABS, 0xac, false},
	{symLDY, ABX, 0xbc, false},

	{symLSR, ACC, 0x4a, false},
	{symLSR, ZPG, 0x46, false},
	{symLSR, ZPX, 0x56, false},
	{symLSR, ABS, 0x4e, false},
	{symLSR, ABX, 0x5e, false},

	{symNOP, IMP, 0xea, false},

	{symORA, IMM, 0x09, false},
	{symORA, ZPG, 0x05, false},
	{symORA, ZPX, 0x15, false},
	{symORA, ABS, 0x0d, false},
	{symORA, ABX, 0x1d, false},
	{symORA, ABY, 0x19, false},
	{symORA, IDX, 0x01, false},
	{symORA, IDY, 0x11, false},

	{symPHA, IMP, 0x48, false},
	{symPHP, IMP, 0x08, false},
	{symPLA, IMP, 0x68, false},
	{symPLP, IMP, 0x28, false},

	{symROL, ACC, 0x2a, false},
	{symROL, ZPG, 0x26, false},
	{symROL, ZPX, 0x36, false},
	{symROL, ABS, 0x2e, false},
	{symROL, ABX, 0x3e, false},

	{symROR, ACC, 0x6a, false},
	{symROR, ZPG, 0x66, false},
	{symROR, ZPX, 0x76, false},
	{symROR, ABS, 0x6e, false},
	{symROR, ABX, 0x7e, false},

	{symRTI, IMP, 0x40, false},
	{symRTS, IMP, 0x60, false},

	{symSBC, IMM, 0xe9, false},
	{symSBC, ZPG, 0xe5, false},
	{symSBC, ZPX, 0xf5, false},
	{symSBC, ABS, 0xed, false},
	{symSBC, ABX, 0xfd, false},
	{symSBC, ABY, 0xf9, false},
	{symSBC, IDX, 0xe1, false},
	{symSBC, IDY, 0xf1, false},

	{symSEC, IMP, 0x38, false},
	{symSED, IMP, 0xf8, false},
	{symSEI, IMP, 0x78, false},

	{symSTA, ZPG, 0x85, false},
	{symSTA, ZPX, 0x95, false},
	{symSTA, ABS, 0x8d, false},
	{symSTA, ABX, 0x9d, false},
	{symSTA, ABY, 0x99, false},
	{symSTA, IDX, 0x81, false},
	{symSTA, IDY, 0x91, false},

	{symSTX, ZPG, 0x86, false},
	{symSTX, ZPY, 0x96, false},
	{symSTX, ABS, 0x8e, false},

	{symSTY, ZPG, 0x84, false},
	{symSTY, ZPX, 0x94, false},
	{symSTY, ABS, 0x8c, false},

	{symTAX, IMP, 0xaa, false},
	{symTAY, IMP, 0xa8, false},
	{symTSX, IMP, 0xba, false},
	{symTXA, IMP, 0x8a, false},
	{symTXS, IMP, 0x9a, false},
	{symTYA, IMP, 0x98, false},

	{symSLO, ZPG, 0x07, true},
	{symSLO, ZPX, 0x17, true},
	{symSLO, ABS, 0x0f, true},
	{symSLO, ABX, 0x1f, true},
	{symSLO, ABY, 0x1b, true},
	{symSLO, IDX, 0x03, true},
	{symSLO, IDY, 0x13, true},

	{symRLA, ZPG, 0x27, true},
	{symRLA, ZPX, 0x37, true},
	{symRLA, ABS, 0x2f, true},
	{symRLA, ABX, 0x3f, true},
	{symRLA, ABY, 0x3b, true},
	{symRLA, IDX, 0x23, true},
	{symRLA, IDY, 0x33, true},

	{symSRE, ZPG, 0x47, true},
	{symSRE, ZPX, 0x57, true},
	{symSRE, ABS, 0x4f, true},
	{symSRE, ABX, 0x5f, true},
	{symSRE, ABY, 0x5b, true},
	{symSRE, IDX, 0x43, true},
	{symSRE, IDY, 0x53, true},

	{symRRA, ZPG, 0x67, true},
	{symRRA, ZPX, 0x77, true},
	{symRRA, ABS, 0x6f, true},
	{symRRA, ABX, 0x7f, true},
	{symRRA, ABY, 0x7b, true},
	{symRRA, IDX, 0x63, true},
	{symRRA, IDY, 0x73, true},

	{symSAX, ZPG, 0x87, true},
	{symSAX, ZPY, 0x97, true},
	{symSAX, ABS, 0x8f, true},
	{symSAX, IDX, 0x83, true},

	{symLAX, ZPG, 0xa7, true},
	{symLAX, ZPY, 0xb7, true},
	{symLAX, ABS, 0xaf, true},
	{symLAX, ABY, 0xbf, true},
	{symLAX, IDX, 0xa3, true},
	{symLAX, IDY, 0xb3, true},

	{symDCP, ZPG, 0xc7, true},
	{symDCP, ZPX, 0xd7, true},
	{symDCP, ABS, 0xcf, true},
	{symDCP, ABX, 0xdf, true},
	{symDCP, ABY, 0xdb, true},
	{symDCP, IDX, 0xc3, true},
	{symDCP, IDY, 0xd3, true},

	{symISC, ZPG, 0xe7, true},
	{symISC, ZPX, 0xf7, true},
	{symISC, ABS, 0xef, true},
	{symISC, ABX, 0xff, true},
	{symISC, ABY, 0xfb, true},
	{symISC, IDX, 0xe3, true},
	{symISC, IDY, 0xf3, true},

	{symALR, IMM, 0x4b, true},
	{symARR, IMM, 0x6b, true},
	{symAXS, IMM, 0xcb, true},
	{symANC, IMM, 0x2b, true},
	{symTAS, ABY, 0x9b, true},
	{symSHY, ABX, 0x9c, true},
	{symSHX, ABY, 0x9e, true},
	{symAHX, ABY, 0x9f, true},
	{symAHX, IDY, 0x93, true},
	{symLAS, ABY, 0xbb, true},
}

// An Instruction describes a 6502 opcode: its mnemonic name, its
// addressing mode and its encoded length.
type Instruction struct {
	Name    string // all-caps name of the instruction
	Mode    Mode   // addressing mode
	Opcode  byte   // hexadecimal opcode value
	Length  byte   // combined size of opcode and operand, in bytes
	Illegal bool   // undocumented opcode
}

// An InstructionSet holds every instruction of the 6502, indexed both by
// opcode and by mnemonic.
type InstructionSet struct {
	instructions [256]Instruction
	variants     map[string][]*Instruction
}

// Lookup retrieves a CPU instruction corresponding to the requested
// opcode. Opcodes absent from the table are reported with the name "???".
func (s *InstructionSet) Lookup(opcode byte) *Instruction {
	return &s.instructions[opcode]
}

// GetInstructions returns all CPU instructions whose name matches the
// provided string. The match is case-insensitive.
func (s *InstructionSet) GetInstructions(name string) []*Instruction {
	return s.variants[strings.ToUpper(name)]
}

// Find returns the instruction with the given name and addressing mode,
// or nil if the mnemonic does not support the mode.
func (s *InstructionSet) Find(name string, mode Mode) *Instruction {
	for _, inst := range s.GetInstructions(name) {
		if inst.Mode == mode {
			return inst
		}
	}
	return nil
}

// Modes returns the addressing modes supported by the mnemonic.
func (s *InstructionSet) Modes(name string) []Mode {
	var modes []Mode
	for _, inst := range s.GetInstructions(name) {
		modes = append(modes, inst.Mode)
	}
	return modes
}

func newInstructionSet() *InstructionSet {
	set := &InstructionSet{variants: make(map[string][]*Instruction)}

	for i := range set.instructions {
		set.instructions[i] = Instruction{
			Name:   "???",
			Mode:   IMP,
			Opcode: byte(i),
			Length: 1,
		}
	}

	for _, d := range data {
		inst := &set.instructions[d.opcode]
		inst.Name = names[d.sym]
		inst.Mode = d.mode
		inst.Length = byte(1 + d.mode.OperandLength())
		inst.Illegal = d.illegal
		set.variants[inst.Name] = append(set.variants[inst.Name], inst)
	}
	return set
}

var instructionSet *InstructionSet

// GetInstructionSet returns the 6502 instruction set.
func GetInstructionSet() *InstructionSet {
	if instructionSet == nil {
		// Lazy-create the instruction set.
		instructionSet = newInstructionSet()
	}
	return instructionSet
}

// Errors returned by Encode and Decode.
var (
	ErrUnknownMnemonic = errors.New("unknown mnemonic")
	ErrBadMode         = errors.New("unsupported addressing mode")
	ErrBadOperand      = errors.New("operand out of range")
	ErrBadOpcode       = errors.New("undefined opcode")
	ErrTruncated       = errors.New("truncated instruction")
)

// Encode returns the machine code for the instruction with the given
// mnemonic, addressing mode and operand value. A REL operand is the
// signed branch displacement.
func Encode(name string, mode Mode, operand int) ([]byte, error) {
	set := GetInstructionSet()
	if len(set.GetInstructions(name)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMnemonic, name)
	}
	inst := set.Find(name, mode)
	if inst == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrBadMode, strings.ToUpper(name), mode)
	}

	b := []byte{inst.Opcode}
	switch mode.OperandLength() {
	case 1:
		if mode == REL {
			if operand < -128 || operand > 127 {
				return nil, fmt.Errorf("%w: %d", ErrBadOperand, operand)
			}
		} else if operand < 0 || operand > 0xff {
			return nil, fmt.Errorf("%w: $%X", ErrBadOperand, operand)
		}
		b = append(b, byte(operand))
	case 2:
		if operand < 0 || operand > 0xffff {
			return nil, fmt.Errorf("%w: $%X", ErrBadOperand, operand)
		}
		b = append(b, byte(operand), byte(operand>>8))
	}
	return b, nil
}

// Decode disassembles the instruction at the start of b, returning its
// mnemonic, addressing mode and operand. A REL operand is returned as a
// signed displacement.
func Decode(b []byte) (name string, mode Mode, operand int, err error) {
	if len(b) == 0 {
		return "", IMP, 0, ErrTruncated
	}
	inst := GetInstructionSet().Lookup(b[0])
	if inst.Name == "???" {
		return "", IMP, 0, fmt.Errorf("%w: $%02X", ErrBadOpcode, b[0])
	}
	if len(b) < int(inst.Length) {
		return "", IMP, 0, fmt.Errorf("%w: %s", ErrTruncated, inst.Name)
	}
	switch inst.Length {
	case 2:
		operand = int(b[1])
		if inst.Mode == REL && operand > 0x7f {
			operand -= 0x100
		}
	case 3:
		operand = int(b[1]) | int(b[2])<<8
	}
	return inst.Name, inst.Mode, operand, nil
}
