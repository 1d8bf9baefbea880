package asm

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

var methodAttrNames = []struct {
	flag MethodAttributes
	name string
}{
	{MethodPublic, "public"},
	{MethodPrivate, "private"},
	{MethodStatic, "static"},
	{MethodVirtual, "virtual"},
	{MethodAbstract, "abstract"},
	{MethodHideBySig, "hidebysig"},
	{MethodSpecialName, "specialname"},
	{MethodRTSpecialName, "rtspecialname"},
	{MethodExtern, "extern"},
}

var fieldAttrNames = []struct {
	flag FieldAttributes
	name string
}{
	{FieldPublic, "public"},
	{FieldPrivate, "private"},
	{FieldStatic, "static"},
	{FieldInitOnly, "initonly"},
}

var handlerKindNames = map[HandlerKind]string{
	HandlerCatch:   "catch",
	HandlerFinally: "finally",
	HandlerFault:   "fault",
}

// Dump writes a deterministic structural listing of a. The listing is a
// diagnostic aid for tooling and golden tests, not a reassemblable format.
func Dump(w io.Writer, a *Assembly) error {
	var sb strings.Builder
	sb.WriteString(".assembly " + a.Name)
	if a.Version != "" {
		sb.WriteString(" " + a.Version)
	}
	sb.WriteByte('\n')
	for _, ref := range a.References {
		sb.WriteString(".ref " + ref.Name)
		if ref.Version != "" {
			sb.WriteString(" " + ref.Version)
		}
		sb.WriteByte('\n')
	}
	for _, t := range a.Types {
		sb.WriteString(".type " + t.FullName() + "\n")
		for _, f := range t.Fields {
			sb.WriteString("  .field ")
			for _, an := range fieldAttrNames {
				if f.Attributes&an.flag != 0 {
					sb.WriteString(an.name + " ")
				}
			}
			sb.WriteString(f.Type + " " + f.Name + "\n")
		}
		for _, m := range t.Methods {
			sb.WriteString("  " + MethodSignature(m) + "\n")
			if m.Body != nil {
				dumpBody(&sb, m.Body)
			}
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// DumpString returns the Dump listing as a string.
func DumpString(a *Assembly) string {
	var sb strings.Builder
	_ = Dump(&sb, a)
	return sb.String()
}

// MethodSignature renders ".method <attrs> <ret> <name>(<params>)".
func MethodSignature(m *MethodDef) string {
	var sb strings.Builder
	sb.WriteString(".method ")
	for _, an := range methodAttrNames {
		if m.Attributes&an.flag != 0 {
			sb.WriteString(an.name + " ")
		}
	}
	ret := m.ReturnType
	if ret == "" {
		ret = VoidType
	}
	sb.WriteString(ret + " " + m.Name + "(")
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Type)
		if p.Name != "" {
			sb.WriteString(" " + p.Name)
		}
	}
	sb.WriteString(")")
	return sb.String()
}

func dumpBody(sb *strings.Builder, b *MethodBody) {
	label := func(ins *Instruction) string {
		if ins == nil {
			return "end"
		}
		idx := b.IndexOf(ins)
		if idx < 0 {
			return "IL_????"
		}
		return fmt.Sprintf("IL_%04x", idx)
	}
	for i, ins := range b.Instructions {
		fmt.Fprintf(sb, "    IL_%04x: %s\n", i, formatInstruction(ins, label))
	}
	for _, h := range b.Handlers {
		fmt.Fprintf(sb, "    .try %s to %s %s", label(h.TryStart), label(h.TryEnd), handlerKindNames[h.Kind])
		if h.CatchType != "" {
			sb.WriteString(" " + h.CatchType)
		}
		fmt.Fprintf(sb, " handler %s to %s\n", label(h.HandlerStart), label(h.HandlerEnd))
	}
}

// FormatInstruction renders one instruction using body to label branch
// targets.
func FormatInstruction(b *MethodBody, ins *Instruction) string {
	return formatInstruction(ins, func(t *Instruction) string {
		return fmt.Sprintf("IL_%04x", b.IndexOf(t))
	})
}

func formatInstruction(ins *Instruction, label func(*Instruction) string) string {
	switch ins.Op.Operand() {
	case OperandInt:
		return fmt.Sprintf("%s %d", ins.Op, ins.Int)
	case OperandString:
		return ins.Op.String() + " " + strconv.Quote(ins.Str)
	case OperandMethod:
		return ins.Op.String() + " " + ins.Method.String()
	case OperandField:
		return ins.Op.String() + " " + ins.Field.String()
	case OperandBranch:
		return ins.Op.String() + " " + label(ins.Target)
	}
	return ins.Op.String()
}
