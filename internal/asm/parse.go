package asm

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed instruction in textual form.
type ParseError struct {
	Line    int
	Text    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Message, e.Text)
}

// ParseBody parses one instruction per line into a method body. Branch
// operands are instruction labels: "IL_0003" (hex) or a plain decimal index.
func ParseBody(lines []string) (*MethodBody, error) {
	body := &MethodBody{Instructions: make([]*Instruction, 0, len(lines))}
	targets := make(map[int]int)

	for i, line := range lines {
		ins, target, err := parseInstruction(line)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Text: line, Message: err.Error()}
		}
		if ins.Op.IsBranch() {
			targets[i] = target
		}
		body.Instructions = append(body.Instructions, ins)
	}
	for i, target := range targets {
		if target < 0 || target >= len(body.Instructions) {
			return nil, &ParseError{Line: i + 1, Text: lines[i], Message: "branch target out of range"}
		}
		body.Instructions[i].Target = body.Instructions[target]
	}
	return body, nil
}

// ParseInstruction parses a single non-branch instruction.
func ParseInstruction(text string) (*Instruction, error) {
	ins, _, err := parseInstruction(text)
	if err != nil {
		return nil, &ParseError{Line: 1, Text: text, Message: err.Error()}
	}
	if ins.Op.IsBranch() {
		return nil, &ParseError{Line: 1, Text: text, Message: "branch needs a body; use ParseBody"}
	}
	return ins, nil
}

func parseInstruction(text string) (*Instruction, int, error) {
	text = strings.TrimSpace(text)
	mnemonic, operand, _ := strings.Cut(text, " ")
	operand = strings.TrimSpace(operand)

	op, ok := LookupOpCode(mnemonic)
	if !ok {
		return nil, 0, fmt.Errorf("unknown opcode %q", mnemonic)
	}
	ins := &Instruction{Op: op}

	if op.Operand() == OperandNone {
		if operand != "" {
			return nil, 0, fmt.Errorf("%s takes no operand", op)
		}
		return ins, 0, nil
	}
	if operand == "" {
		return nil, 0, fmt.Errorf("%s requires an operand", op)
	}

	switch op.Operand() {
	case OperandInt:
		v, err := strconv.ParseInt(operand, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad integer operand: %w", err)
		}
		ins.Int = v
	case OperandString:
		s, err := strconv.Unquote(operand)
		if err != nil {
			return nil, 0, fmt.Errorf("bad string operand: %w", err)
		}
		ins.Str = s
	case OperandMethod:
		ref, err := ParseMethodRef(operand)
		if err != nil {
			return nil, 0, err
		}
		ins.Method = ref
	case OperandField:
		ref, err := ParseFieldRef(operand)
		if err != nil {
			return nil, 0, err
		}
		ins.Field = ref
	case OperandBranch:
		target, err := parseLabel(operand)
		if err != nil {
			return nil, 0, err
		}
		return ins, target, nil
	}
	return ins, 0, nil
}

func parseLabel(s string) (int, error) {
	if hex, ok := strings.CutPrefix(s, "IL_"); ok {
		v, err := strconv.ParseInt(hex, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("bad label %q", s)
		}
		return int(v), nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad branch target %q", s)
	}
	return v, nil
}

// ParseMethodRef parses "[instance ][[Scope]]Type::Name(p1,p2) ret", the
// format MethodRef.String produces.
func ParseMethodRef(s string) (*MethodRef, error) {
	ref := &MethodRef{}
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "instance "); ok {
		ref.HasThis = true
		s = strings.TrimSpace(rest)
	}
	scope, s, err := cutScope(s)
	if err != nil {
		return nil, err
	}
	ref.Scope = scope

	typ, rest, ok := strings.Cut(s, "::")
	if !ok || typ == "" {
		return nil, fmt.Errorf("method reference %q has no Type::Name", s)
	}
	ref.Type = typ

	open := strings.IndexByte(rest, '(')
	closing := strings.LastIndexByte(rest, ')')
	if open <= 0 || closing < open {
		return nil, fmt.Errorf("method reference %q has no parameter list", s)
	}
	ref.Name = rest[:open]
	if params := strings.TrimSpace(rest[open+1 : closing]); params != "" {
		for _, p := range strings.Split(params, ",") {
			ref.Params = append(ref.Params, strings.TrimSpace(p))
		}
	}
	ref.Return = strings.TrimSpace(rest[closing+1:])
	if ref.Return == "" {
		ref.Return = VoidType
	}
	return ref, nil
}

// ParseFieldRef parses "[[Scope]]Type::Name".
func ParseFieldRef(s string) (*FieldRef, error) {
	scope, s, err := cutScope(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	typ, name, ok := strings.Cut(s, "::")
	if !ok || typ == "" || name == "" {
		return nil, fmt.Errorf("field reference %q has no Type::Name", s)
	}
	return &FieldRef{Scope: scope, Type: typ, Name: name}, nil
}

func cutScope(s string) (scope, rest string, err error) {
	if !strings.HasPrefix(s, "[") {
		return "", s, nil
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", "", fmt.Errorf("unterminated scope in %q", s)
	}
	return s[1:end], s[end+1:], nil
}
