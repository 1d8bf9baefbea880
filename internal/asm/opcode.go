package asm

import "fmt"

// OpCode identifies an instruction. Values are stable on disk.
type OpCode uint16

const (
	OpNop OpCode = iota
	OpLdnull
	OpLdcI4_0
	OpLdcI4_1
	OpLdcI4
	OpLdstr
	OpLdarg
	OpLdloc
	OpStloc
	OpLdsfld
	OpStsfld
	OpCall
	OpCallvirt
	OpNewobj
	OpPop
	OpBr
	OpBrtrue
	OpBrfalse
	OpLeave
	OpRet
	OpThrow

	opCount
)

// OperandKind describes which Instruction field carries the operand.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandString
	OperandMethod
	OperandField
	OperandBranch
)

type opInfo struct {
	name    string
	operand OperandKind
	// terminator marks instructions after which control never falls through.
	terminator bool
}

var opTable = [opCount]opInfo{
	OpNop:      {"nop", OperandNone, false},
	OpLdnull:   {"ldnull", OperandNone, false},
	OpLdcI4_0:  {"ldc.i4.0", OperandNone, false},
	OpLdcI4_1:  {"ldc.i4.1", OperandNone, false},
	OpLdcI4:    {"ldc.i4", OperandInt, false},
	OpLdstr:    {"ldstr", OperandString, false},
	OpLdarg:    {"ldarg", OperandInt, false},
	OpLdloc:    {"ldloc", OperandInt, false},
	OpStloc:    {"stloc", OperandInt, false},
	OpLdsfld:   {"ldsfld", OperandField, false},
	OpStsfld:   {"stsfld", OperandField, false},
	OpCall:     {"call", OperandMethod, false},
	OpCallvirt: {"callvirt", OperandMethod, false},
	OpNewobj:   {"newobj", OperandMethod, false},
	OpPop:      {"pop", OperandNone, false},
	OpBr:       {"br", OperandBranch, true},
	OpBrtrue:   {"brtrue", OperandBranch, false},
	OpBrfalse:  {"brfalse", OperandBranch, false},
	OpLeave:    {"leave", OperandBranch, true},
	OpRet:      {"ret", OperandNone, true},
	OpThrow:    {"throw", OperandNone, true},
}

var opByName = func() map[string]OpCode {
	m := make(map[string]OpCode, opCount)
	for i, info := range opTable {
		m[info.name] = OpCode(i)
	}
	return m
}()

// Valid reports whether op is a known opcode.
func (op OpCode) Valid() bool {
	return op < opCount
}

// String returns the mnemonic.
func (op OpCode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(%d)", uint16(op))
	}
	return opTable[op].name
}

// Operand returns the operand kind the opcode expects.
func (op OpCode) Operand() OperandKind {
	if !op.Valid() {
		return OperandNone
	}
	return opTable[op].operand
}

// IsBranch reports whether the opcode carries a branch target.
func (op OpCode) IsBranch() bool {
	return op.Operand() == OperandBranch
}

// IsTerminator reports whether control never falls through op.
func (op OpCode) IsTerminator() bool {
	return op.Valid() && opTable[op].terminator
}

// LookupOpCode returns the opcode for a mnemonic.
func LookupOpCode(name string) (OpCode, bool) {
	op, ok := opByName[name]
	return op, ok
}
