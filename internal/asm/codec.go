package asm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// Magic identifies a chainboot assembly container.
var Magic = [4]byte{'C', 'B', 'A', 'S'}

// FormatVersion is the container version written by Save.
const FormatVersion uint32 = 1

// HeaderSize is magic(4) + version(4).
const HeaderSize = 8

// ErrNotAssembly is returned when a file does not carry the container magic.
var ErrNotAssembly = errors.New("not an assembly container")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("asm: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type wireAssembly struct {
	Name       string        `cbor:"name"`
	Version    string        `cbor:"version,omitempty"`
	References []AssemblyRef `cbor:"refs,omitempty"`
	Types      []wireType    `cbor:"types,omitempty"`
}

type wireType struct {
	Namespace  string         `cbor:"ns,omitempty"`
	Name       string         `cbor:"name"`
	Attributes TypeAttributes `cbor:"attrs,omitempty"`
	Fields     []*FieldDef    `cbor:"fields,omitempty"`
	Methods    []wireMethod   `cbor:"methods,omitempty"`
}

type wireMethod struct {
	Name       string           `cbor:"name"`
	Attributes MethodAttributes `cbor:"attrs,omitempty"`
	ReturnType string           `cbor:"ret,omitempty"`
	Params     []Param          `cbor:"params,omitempty"`
	Body       *wireBody        `cbor:"body,omitempty"`
}

type wireBody struct {
	MaxStack     int               `cbor:"max_stack,omitempty"`
	Locals       []string          `cbor:"locals,omitempty"`
	Instructions []wireInstruction `cbor:"code"`
	Handlers     []wireHandler     `cbor:"handlers,omitempty"`
}

// Instruction and handler pointers are stored as index+1; 0 means none.
type wireInstruction struct {
	Op     OpCode     `cbor:"op"`
	Int    int64      `cbor:"i,omitempty"`
	String string     `cbor:"s,omitempty"`
	Method *MethodRef `cbor:"m,omitempty"`
	Field  *FieldRef  `cbor:"f,omitempty"`
	Target int        `cbor:"t,omitempty"`
}

type wireHandler struct {
	Kind         HandlerKind `cbor:"kind"`
	CatchType    string      `cbor:"catch,omitempty"`
	TryStart     int         `cbor:"try_start"`
	TryEnd       int         `cbor:"try_end,omitempty"`
	HandlerStart int         `cbor:"handler_start"`
	HandlerEnd   int         `cbor:"handler_end,omitempty"`
}

// Marshal encodes a into container bytes.
func Marshal(a *Assembly) ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, fmt.Errorf("asm: encode %s: %w", a.Name, err)
	}
	payload, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("asm: encode %s: %w", a.Name, err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(payload)))
	buf.Write(Magic[:])
	_ = binary.Write(buf, binary.LittleEndian, FormatVersion)
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes container bytes.
func Unmarshal(data []byte) (*Assembly, error) {
	if len(data) < HeaderSize || !bytes.Equal(data[:4], Magic[:]) {
		return nil, ErrNotAssembly
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != FormatVersion {
		return nil, fmt.Errorf("asm: unsupported container version %d", version)
	}
	var w wireAssembly
	if err := cbor.Unmarshal(data[HeaderSize:], &w); err != nil {
		return nil, fmt.Errorf("asm: decode: %w", err)
	}
	return fromWire(&w)
}

// Load reads an assembly from r.
func Load(r io.Reader) (*Assembly, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("asm: read: %w", err)
	}
	return Unmarshal(data)
}

// LoadFile reads an assembly from disk.
func LoadFile(path string) (*Assembly, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Save writes a to w.
func Save(w io.Writer, a *Assembly) error {
	data, err := Marshal(a)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// SaveFile writes a to path by writing a sibling temp file and renaming it
// over the target, so readers never observe a partial binary.
func SaveFile(path string, a *Assembly) error {
	data, err := Marshal(a)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("asm: save %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("asm: save %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("asm: save %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("asm: save %s: %w", path, err)
	}
	return nil
}

func toWire(a *Assembly) (*wireAssembly, error) {
	w := &wireAssembly{
		Name:       a.Name,
		Version:    a.Version,
		References: a.References,
		Types:      make([]wireType, 0, len(a.Types)),
	}
	for _, t := range a.Types {
		wt := wireType{
			Namespace:  t.Namespace,
			Name:       t.Name,
			Attributes: t.Attributes,
			Fields:     t.Fields,
			Methods:    make([]wireMethod, 0, len(t.Methods)),
		}
		for _, m := range t.Methods {
			wm := wireMethod{
				Name:       m.Name,
				Attributes: m.Attributes,
				ReturnType: m.ReturnType,
				Params:     m.Params,
			}
			if m.Body != nil {
				body, err := bodyToWire(m.Body)
				if err != nil {
					return nil, fmt.Errorf("%s::%s: %w", t.FullName(), m.Name, err)
				}
				wm.Body = body
			}
			wt.Methods = append(wt.Methods, wm)
		}
		w.Types = append(w.Types, wt)
	}
	return w, nil
}

func bodyToWire(b *MethodBody) (*wireBody, error) {
	index := make(map[*Instruction]int, len(b.Instructions))
	for i, ins := range b.Instructions {
		index[ins] = i + 1
	}
	ref := func(ins *Instruction, required bool) (int, error) {
		if ins == nil {
			if required {
				return 0, errors.New("missing instruction reference")
			}
			return 0, nil
		}
		idx, ok := index[ins]
		if !ok {
			return 0, ErrForeignInstruction
		}
		return idx, nil
	}

	wb := &wireBody{
		MaxStack:     b.MaxStack,
		Locals:       b.Locals,
		Instructions: make([]wireInstruction, len(b.Instructions)),
	}
	for i, ins := range b.Instructions {
		wi := wireInstruction{Op: ins.Op}
		switch ins.Op.Operand() {
		case OperandInt:
			wi.Int = ins.Int
		case OperandString:
			wi.String = ins.Str
		case OperandMethod:
			wi.Method = ins.Method
		case OperandField:
			wi.Field = ins.Field
		case OperandBranch:
			t, err := ref(ins.Target, true)
			if err != nil {
				return nil, fmt.Errorf("IL_%04x: %w", i, err)
			}
			wi.Target = t
		}
		wb.Instructions[i] = wi
	}
	for _, h := range b.Handlers {
		var wh wireHandler
		var err error
		wh.Kind = h.Kind
		wh.CatchType = h.CatchType
		if wh.TryStart, err = ref(h.TryStart, true); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		if wh.TryEnd, err = ref(h.TryEnd, false); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		if wh.HandlerStart, err = ref(h.HandlerStart, true); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		if wh.HandlerEnd, err = ref(h.HandlerEnd, false); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		wb.Handlers = append(wb.Handlers, wh)
	}
	return wb, nil
}

func fromWire(w *wireAssembly) (*Assembly, error) {
	a := &Assembly{
		Name:       w.Name,
		Version:    w.Version,
		References: w.References,
		Types:      make([]*TypeDef, 0, len(w.Types)),
	}
	for _, wt := range w.Types {
		t := &TypeDef{
			Namespace:  wt.Namespace,
			Name:       wt.Name,
			Attributes: wt.Attributes,
			Fields:     wt.Fields,
			Methods:    make([]*MethodDef, 0, len(wt.Methods)),
		}
		for _, wm := range wt.Methods {
			m := &MethodDef{
				Name:       wm.Name,
				Attributes: wm.Attributes,
				ReturnType: wm.ReturnType,
				Params:     wm.Params,
			}
			if wm.Body != nil {
				body, err := bodyFromWire(wm.Body)
				if err != nil {
					return nil, fmt.Errorf("asm: decode %s::%s: %w", t.FullName(), m.Name, err)
				}
				m.Body = body
			}
			t.Methods = append(t.Methods, m)
		}
		a.Types = append(a.Types, t)
	}
	return a, nil
}

func bodyFromWire(wb *wireBody) (*MethodBody, error) {
	b := &MethodBody{
		MaxStack:     wb.MaxStack,
		Locals:       wb.Locals,
		Instructions: make([]*Instruction, len(wb.Instructions)),
	}
	for i, wi := range wb.Instructions {
		b.Instructions[i] = &Instruction{
			Op:     wi.Op,
			Int:    wi.Int,
			Str:    wi.String,
			Method: wi.Method,
			Field:  wi.Field,
		}
	}
	at := func(idx int) (*Instruction, error) {
		if idx == 0 {
			return nil, nil
		}
		if idx < 0 || idx > len(b.Instructions) {
			return nil, fmt.Errorf("instruction index %d out of range", idx-1)
		}
		return b.Instructions[idx-1], nil
	}
	for i, wi := range wb.Instructions {
		if !wi.Op.IsBranch() {
			continue
		}
		target, err := at(wi.Target)
		if err != nil {
			return nil, fmt.Errorf("IL_%04x: %w", i, err)
		}
		b.Instructions[i].Target = target
	}
	for _, wh := range wb.Handlers {
		h := &ExceptionHandler{Kind: wh.Kind, CatchType: wh.CatchType}
		var err error
		if h.TryStart, err = at(wh.TryStart); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		if h.TryEnd, err = at(wh.TryEnd); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		if h.HandlerStart, err = at(wh.HandlerStart); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		if h.HandlerEnd, err = at(wh.HandlerEnd); err != nil {
			return nil, fmt.Errorf("handler: %w", err)
		}
		b.Handlers = append(b.Handlers, h)
	}
	return b, nil
}

// Clone returns a deep copy of a by round-tripping it through the container
// encoding. Branch targets and handler bounds point into the copy.
func Clone(a *Assembly) (*Assembly, error) {
	data, err := Marshal(a)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
