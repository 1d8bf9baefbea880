package asm

import (
	"errors"
	"fmt"
)

// VerifyError describes one structural defect found by Verify.
type VerifyError struct {
	Type    string
	Method  string
	Index   int // instruction index, -1 when not applicable
	Message string
}

func (e *VerifyError) Error() string {
	switch {
	case e.Method != "" && e.Index >= 0:
		return fmt.Sprintf("%s::%s IL_%04x: %s", e.Type, e.Method, e.Index, e.Message)
	case e.Method != "":
		return fmt.Sprintf("%s::%s: %s", e.Type, e.Method, e.Message)
	case e.Type != "":
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// Verify checks the structural invariants a loader relies on. It returns
// nil or a join of *VerifyError values, one per defect.
func Verify(a *Assembly) error {
	var errs []error
	if a.Name == "" {
		errs = append(errs, &VerifyError{Index: -1, Message: "assembly has no name"})
	}
	seen := make(map[string]bool, len(a.Types))
	for _, t := range a.Types {
		name := t.FullName()
		if seen[name] {
			errs = append(errs, &VerifyError{Type: name, Index: -1, Message: "duplicate type definition"})
		}
		seen[name] = true

		cctors := 0
		for _, m := range t.Methods {
			if m.IsStaticInitializer() {
				cctors++
			}
			errs = append(errs, verifyMethod(a, name, m)...)
		}
		if cctors > 1 {
			errs = append(errs, &VerifyError{Type: name, Index: -1,
				Message: fmt.Sprintf("%d static initializers, expected at most one", cctors)})
		}
	}
	return errors.Join(errs...)
}

func verifyMethod(a *Assembly, typeName string, m *MethodDef) []error {
	fail := func(idx int, format string, args ...any) error {
		return &VerifyError{Type: typeName, Method: m.Name, Index: idx, Message: fmt.Sprintf(format, args...)}
	}

	if m.Body == nil {
		if m.Attributes&(MethodAbstract|MethodExtern) == 0 {
			return []error{fail(-1, "concrete method has no body")}
		}
		return nil
	}
	body := m.Body
	if len(body.Instructions) == 0 {
		return []error{fail(-1, "empty body")}
	}

	var errs []error
	members := make(map[*Instruction]bool, len(body.Instructions))
	for _, ins := range body.Instructions {
		if ins == nil {
			errs = append(errs, fail(-1, "nil instruction"))
			continue
		}
		if members[ins] {
			errs = append(errs, fail(-1, "instruction appears twice"))
		}
		members[ins] = true
	}
	if len(errs) > 0 {
		return errs
	}

	for i, ins := range body.Instructions {
		if !ins.Op.Valid() {
			errs = append(errs, fail(i, "unknown opcode %d", uint16(ins.Op)))
			continue
		}
		switch ins.Op.Operand() {
		case OperandMethod:
			if ins.Method == nil {
				errs = append(errs, fail(i, "%s without method operand", ins.Op))
			} else if !scopeVisible(a, ins.Method.Scope) {
				errs = append(errs, fail(i, "%s into unreferenced assembly %q", ins.Op, ins.Method.Scope))
			}
		case OperandField:
			if ins.Field == nil {
				errs = append(errs, fail(i, "%s without field operand", ins.Op))
			} else if !scopeVisible(a, ins.Field.Scope) {
				errs = append(errs, fail(i, "%s into unreferenced assembly %q", ins.Op, ins.Field.Scope))
			}
		case OperandBranch:
			if ins.Target == nil || !members[ins.Target] {
				errs = append(errs, fail(i, "%s target outside method body", ins.Op))
			}
		}
	}

	last := body.Instructions[len(body.Instructions)-1]
	if !last.Op.IsTerminator() {
		errs = append(errs, fail(len(body.Instructions)-1, "control falls off the end of the body"))
	}

	for _, h := range body.Handlers {
		bounds := []*Instruction{h.TryStart, h.HandlerStart}
		for _, b := range bounds {
			if b == nil || !members[b] {
				errs = append(errs, fail(-1, "exception handler starts outside method body"))
			}
		}
		for _, b := range []*Instruction{h.TryEnd, h.HandlerEnd} {
			if b != nil && !members[b] {
				errs = append(errs, fail(-1, "exception handler ends outside method body"))
			}
		}
	}
	return errs
}

func scopeVisible(a *Assembly, scope string) bool {
	return scope == "" || scope == a.Name || a.HasReference(scope)
}
