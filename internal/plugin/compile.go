package plugin

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/chainboot/internal/asm"
)

// ActionKind names a declarative edit.
type ActionKind string

const (
	ActionAddReference ActionKind = "add_reference"
	ActionPrependCall  ActionKind = "prepend_call"
	ActionRenameMethod ActionKind = "rename_method"
)

// Decl is a compiled patcher declaration.
type Decl struct {
	Name    string
	Targets []string
	Order   int64
	Actions []Action

	// Source is the file the declaration came from.
	Source string
}

// Action is one edit. Which fields are set depends on Kind.
type Action struct {
	Kind ActionKind

	// add_reference
	Assembly string
	Version  string

	// prepend_call and rename_method
	Type string

	// prepend_call; empty or ".cctor" selects the static initializer.
	Method string
	Call   *asm.MethodRef

	// rename_method
	From string
	To   string

	Pos token.Pos
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileDecl parses one patcher struct. The declaration's name is the last
// path selector, e.g. "skip-intro" for patcher."skip-intro".
func CompileDecl(v cue.Value) (*Decl, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	d := &Decl{}
	sels := v.Path().Selectors()
	if len(sels) > 0 {
		d.Name = label(sels[len(sels)-1])
	}
	if d.Name == "" {
		return nil, &CompileError{Field: "name", Message: "patcher has no name", Pos: v.Pos()}
	}

	targetsVal := v.LookupPath(cue.ParsePath("targets"))
	if !targetsVal.Exists() {
		return nil, &CompileError{Field: "targets", Message: "targets are required", Pos: v.Pos()}
	}
	targets, err := stringList(targetsVal)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, &CompileError{Field: "targets", Message: "at least one target is required", Pos: targetsVal.Pos()}
	}
	d.Targets = targets

	if orderVal := v.LookupPath(cue.ParsePath("order")); orderVal.Exists() {
		order, err := orderVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		d.Order = order
	}

	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return nil, &CompileError{Field: "actions", Message: "actions are required", Pos: v.Pos()}
	}
	iter, err := actionsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		action, err := compileAction(iter.Value())
		if err != nil {
			return nil, err
		}
		d.Actions = append(d.Actions, *action)
	}
	if len(d.Actions) == 0 {
		return nil, &CompileError{Field: "actions", Message: "at least one action is required", Pos: actionsVal.Pos()}
	}
	return d, nil
}

// compileAction expects a struct with exactly one field naming the kind.
func compileAction(v cue.Value) (*Action, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var kind string
	var body cue.Value
	n := 0
	for iter.Next() {
		kind, body = label(iter.Selector()), iter.Value()
		n++
	}
	if n != 1 {
		return nil, &CompileError{
			Field:   "actions",
			Message: fmt.Sprintf("an action declares exactly one kind, found %d", n),
			Pos:     v.Pos(),
		}
	}

	a := &Action{Kind: ActionKind(kind), Pos: body.Pos()}
	field := "actions." + kind
	switch a.Kind {
	case ActionAddReference:
		if a.Assembly, err = requiredString(body, "assembly", field); err != nil {
			return nil, err
		}
		if a.Version, err = optionalString(body, "version"); err != nil {
			return nil, err
		}

	case ActionPrependCall:
		if a.Type, err = requiredString(body, "type", field); err != nil {
			return nil, err
		}
		if a.Method, err = optionalString(body, "method"); err != nil {
			return nil, err
		}
		if a.Version, err = optionalString(body, "version"); err != nil {
			return nil, err
		}
		callVal := body.LookupPath(cue.ParsePath("call"))
		if !callVal.Exists() {
			return nil, &CompileError{Field: field + ".call", Message: "call is required", Pos: body.Pos()}
		}
		if a.Call, err = compileCall(callVal, field+".call"); err != nil {
			return nil, err
		}

	case ActionRenameMethod:
		if a.Type, err = requiredString(body, "type", field); err != nil {
			return nil, err
		}
		if a.From, err = requiredString(body, "from", field); err != nil {
			return nil, err
		}
		if a.To, err = requiredString(body, "to", field); err != nil {
			return nil, err
		}

	default:
		return nil, &CompileError{
			Field:   "actions",
			Message: fmt.Sprintf("unknown action %q (valid: add_reference, prepend_call, rename_method)", kind),
			Pos:     v.Pos(),
		}
	}
	return a, nil
}

func compileCall(v cue.Value, field string) (*asm.MethodRef, error) {
	ref := &asm.MethodRef{}
	var err error
	if ref.Scope, err = optionalString(v, "scope"); err != nil {
		return nil, err
	}
	if ref.Type, err = requiredString(v, "type", field); err != nil {
		return nil, err
	}
	if ref.Name, err = requiredString(v, "name", field); err != nil {
		return nil, err
	}
	if ref.Return, err = optionalString(v, "return"); err != nil {
		return nil, err
	}
	if ref.Return == "" {
		ref.Return = asm.VoidType
	}
	if paramsVal := v.LookupPath(cue.ParsePath("params")); paramsVal.Exists() {
		if ref.Params, err = stringList(paramsVal); err != nil {
			return nil, err
		}
	}
	if len(ref.Params) > 0 {
		return nil, &CompileError{
			Field:   field + ".params",
			Message: "only parameterless routines can be prepended",
			Pos:     v.Pos(),
		}
	}
	return ref, nil
}

func label(sel cue.Selector) string {
	if sel.IsString() && !sel.IsConstraint() {
		return sel.Unquoted()
	}
	return sel.String()
}

func requiredString(v cue.Value, name, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", &CompileError{Field: field + "." + name, Message: name + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", &CompileError{Field: field + "." + name, Message: name + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
