// Package instrument rewrites method bodies through lir: entry and exit
// hooks, invoke detours and the composite patterns built from them.
package instrument

import (
	"github.com/pkg/errors"

	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

// Transformation rewrites one method body. Apply returns false when the
// transformation cannot be applied; changes made before that point stay
// in the CodeIr.
type Transformation interface {
	Apply(c *lir.CodeIr) bool
}

// errReporter is implemented by transformations that explain a false
// Apply result.
type errReporter interface {
	Err() error
}

// failure records the reason a transformation gave up.
type failure struct {
	err error
}

func (f *failure) Err() error {
	return f.err
}

func (f *failure) fail(format string, args ...any) bool {
	f.err = errors.Errorf(format, args...)
	return false
}

func (f *failure) wrap(err error, format string, args ...any) bool {
	f.err = errors.Wrapf(err, format, args...)
	return false
}

// hookDecl returns the declaration of a static hook method. Hook ids
// name the class and method only; the prototype always follows from
// the instrumented method.
func hookDecl(b *ir.Builder, id ir.MethodId, proto *ir.Proto) *ir.MethodDecl {
	dex.Check(id.Signature == "", "hook %s must not specify a signature", id)
	return b.GetMethodDecl(b.GetAsciiString(id.MethodName), proto, b.GetType(id.ClassDescriptor))
}

// paramTypes returns the declared parameter types of m, receiver
// excluded.
func paramTypes(m *ir.EncodedMethod) []*ir.Type {
	if params := m.Decl.Prototype.ParamTypes; params != nil {
		return params.Types
	}
	return nil
}

// argTypes returns the types of the incoming argument registers of m
// in register order, receiver first.
func argTypes(m *ir.EncodedMethod) []*ir.Type {
	var types []*ir.Type
	if !m.IsStatic() {
		types = append(types, m.Decl.Parent)
	}
	return append(types, paramTypes(m)...)
}

// entryPoint returns the instruction to insert method entry code
// before: the first bytecode, or the labels and annotations leading to
// it, so that a branch back to the first instruction skips the
// inserted code.
func entryPoint(c *lir.CodeIr) lir.Instruction {
	var at lir.Instruction = c.FirstBytecode()
	if at == nil {
		return nil
	}
	for p := lir.Prev(at); p != nil; p = lir.Prev(p) {
		switch p.(type) {
		case *lir.Label, *lir.TryBlockBegin, *lir.DbgInfoAnnotation:
			at = p
			continue
		}
		break
	}
	return at
}

func invokeStaticRange(method *lir.Method, base uint32, count int) *lir.Bytecode {
	return &lir.Bytecode{
		Opcode:   dex.OpInvokeStaticRange,
		Operands: []lir.Operand{&lir.VRegRange{BaseReg: base, Count: count}, method},
	}
}

// regOperand returns a register operand for a value of type t.
func regOperand(reg uint32, t *ir.Type) lir.Operand {
	if t.IsWide() {
		return &lir.VRegPair{BaseReg: reg}
	}
	return &lir.VReg{Reg: reg}
}

// isReturn reports whether b is one of the return instructions.
func isReturn(b *lir.Bytecode) bool {
	switch b.Opcode {
	case dex.OpReturnVoid, dex.OpReturn, dex.OpReturnWide, dex.OpReturnObject:
		return true
	}
	return false
}

func moveResultFor(t *ir.Type) dex.Opcode {
	switch {
	case t.IsWide():
		return dex.OpMoveResultWide
	case t.IsReference():
		return dex.OpMoveResultObject
	}
	return dex.OpMoveResult
}

func returnFor(t *ir.Type) dex.Opcode {
	switch {
	case t.String() == "V":
		return dex.OpReturnVoid
	case t.IsWide():
		return dex.OpReturnWide
	case t.IsReference():
		return dex.OpReturnObject
	}
	return dex.OpReturn
}

// move16For returns the move/16 variant for a value of type t.
func move16For(t *ir.Type) dex.Opcode {
	switch {
	case t.IsWide():
		return dex.OpMoveWide16
	case t.IsReference():
		return dex.OpMoveObject16
	}
	return dex.OpMove16
}
