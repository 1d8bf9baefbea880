package asm

import (
	"errors"
	"fmt"
)

// ErrEmptyBody is returned when an edit needs an existing instruction and
// the body has none.
var ErrEmptyBody = errors.New("method body has no instructions")

// ErrForeignInstruction is returned when an anchor instruction does not
// belong to the body being edited.
var ErrForeignInstruction = errors.New("instruction does not belong to this body")

// First returns the first instruction, or nil for an empty body.
func (b *MethodBody) First() *Instruction {
	if len(b.Instructions) == 0 {
		return nil
	}
	return b.Instructions[0]
}

// IndexOf returns the position of ins in the body, or -1.
func (b *MethodBody) IndexOf(ins *Instruction) int {
	for i, cur := range b.Instructions {
		if cur == ins {
			return i
		}
	}
	return -1
}

// Append adds instructions to the end of the body.
func (b *MethodBody) Append(ins ...*Instruction) {
	b.Instructions = append(b.Instructions, ins...)
}

// InsertBefore inserts ins immediately before anchor, preserving their
// order. Branches and handler bounds that pointed at anchor still point at
// anchor, so the inserted run executes once on entry and never on a jump
// back to the old first instruction.
func (b *MethodBody) InsertBefore(anchor *Instruction, ins ...*Instruction) error {
	at := b.IndexOf(anchor)
	if at < 0 {
		return ErrForeignInstruction
	}
	out := make([]*Instruction, 0, len(b.Instructions)+len(ins))
	out = append(out, b.Instructions[:at]...)
	out = append(out, ins...)
	out = append(out, b.Instructions[at:]...)
	b.Instructions = out
	return nil
}

// Prepend inserts ins before the first instruction of the body.
func (b *MethodBody) Prepend(ins ...*Instruction) error {
	first := b.First()
	if first == nil {
		return ErrEmptyBody
	}
	return b.InsertBefore(first, ins...)
}

// Create builds an instruction with no operand.
func Create(op OpCode) *Instruction {
	return &Instruction{Op: op}
}

// CreateCall builds a call to ref.
func CreateCall(ref *MethodRef) *Instruction {
	return &Instruction{Op: OpCall, Method: ref}
}

// CreateInt builds an instruction with an integer operand.
func CreateInt(op OpCode, v int64) *Instruction {
	return &Instruction{Op: op, Int: v}
}

// CreateString builds an ldstr.
func CreateString(s string) *Instruction {
	return &Instruction{Op: OpLdstr, Str: s}
}

// CreateBranch builds a branch to target.
func CreateBranch(op OpCode, target *Instruction) *Instruction {
	return &Instruction{Op: op, Target: target}
}

// Equal reports whether two instructions have the same opcode and operand.
// Branch targets compare by identity.
func (ins *Instruction) Equal(other *Instruction) bool {
	if ins == nil || other == nil {
		return ins == other
	}
	if ins.Op != other.Op {
		return false
	}
	switch ins.Op.Operand() {
	case OperandInt:
		return ins.Int == other.Int
	case OperandString:
		return ins.Str == other.Str
	case OperandMethod:
		return ins.Method.Equal(other.Method)
	case OperandField:
		return ins.Field.Equal(other.Field)
	case OperandBranch:
		return ins.Target == other.Target
	}
	return true
}

// String renders the instruction without branch resolution.
func (ins *Instruction) String() string {
	switch ins.Op.Operand() {
	case OperandInt:
		return fmt.Sprintf("%s %d", ins.Op, ins.Int)
	case OperandString:
		return fmt.Sprintf("%s %q", ins.Op, ins.Str)
	case OperandMethod:
		return fmt.Sprintf("%s %s", ins.Op, ins.Method)
	case OperandField:
		return fmt.Sprintf("%s %s", ins.Op, ins.Field)
	}
	return ins.Op.String()
}
