// Package lir is a mutable, list based view of one method body. A
// CodeIr is built by disassembling ir.Code, edited by instrumentation
// passes and encoded back with Assemble.
package lir

import (
	"github.com/pkg/errors"

	"slicer/dex"
	"slicer/ir"
)

// CodeIr is a disassembled method body. Nodes and operands belong to
// the CodeIr; pool operands point into DexFile. Not safe for
// concurrent use.
type CodeIr struct {
	Method       *ir.EncodedMethod
	DexFile      *ir.DexFile
	Instructions InstructionList

	nextLabelId int
	nextTryId   int

	strings map[*ir.String]*String
	types   map[*ir.Type]*Type
	fields  map[*ir.FieldDecl]*Field
	methods map[*ir.MethodDecl]*Method
}

// New disassembles the code of method. The DexFile must be the IR the
// method belongs to, since pool references are resolved through its
// orig-index maps.
func New(method *ir.EncodedMethod, dexFile *ir.DexFile) (c *CodeIr, err error) {
	if method.Code == nil {
		return nil, errors.Errorf("%s has no code", method.Decl)
	}
	defer dex.Recover(&err, "failed to disassemble "+method.Decl.String())

	c = &CodeIr{
		Method:  method,
		DexFile: dexFile,
		strings: make(map[*ir.String]*String),
		types:   make(map[*ir.Type]*Type),
		fields:  make(map[*ir.FieldDecl]*Field),
		methods: make(map[*ir.MethodDecl]*Method),
	}
	c.disassemble()
	return c, nil
}

// Code returns the method body the CodeIr edits.
func (c *CodeIr) Code() *ir.Code {
	return c.Method.Code
}

// Registers is the current size of the register file.
func (c *CodeIr) Registers() int {
	return int(c.Method.Code.Registers)
}

func (c *CodeIr) SetRegisters(n int) {
	dex.Check(n >= int(c.Method.Code.InsCount) && n <= 0xffff, "invalid register count %d", n)
	c.Method.Code.Registers = uint16(n)
}

// Ins is the number of registers holding incoming arguments; they are
// the last Ins registers of the frame.
func (c *CodeIr) Ins() int {
	return int(c.Method.Code.InsCount)
}

func (c *CodeIr) NewLabel() *Label {
	l := &Label{Id: c.nextLabelId}
	c.nextLabelId++
	return l
}

func (c *CodeIr) NewTryBlockBegin() *TryBlockBegin {
	t := &TryBlockBegin{Id: c.nextTryId}
	c.nextTryId++
	return t
}

// StringOperand returns the shared operand for s.
func (c *CodeIr) StringOperand(s *ir.String) *String {
	if op, ok := c.strings[s]; ok {
		return op
	}
	op := &String{Ir: s, Index: s.OrigIndex}
	c.strings[s] = op
	return op
}

func (c *CodeIr) TypeOperand(t *ir.Type) *Type {
	if op, ok := c.types[t]; ok {
		return op
	}
	op := &Type{Ir: t, Index: t.OrigIndex}
	c.types[t] = op
	return op
}

func (c *CodeIr) FieldOperand(f *ir.FieldDecl) *Field {
	if op, ok := c.fields[f]; ok {
		return op
	}
	op := &Field{Ir: f, Index: f.OrigIndex}
	c.fields[f] = op
	return op
}

func (c *CodeIr) MethodOperand(m *ir.MethodDecl) *Method {
	if op, ok := c.methods[m]; ok {
		return op
	}
	op := &Method{Ir: m, Index: m.OrigIndex}
	c.methods[m] = op
	return op
}

// Target returns a code location for l and counts the reference.
func Target(l *Label) *CodeLocation {
	l.RefCount++
	return &CodeLocation{Label: l}
}

// FirstBytecode returns the first Bytecode of the body, or nil.
func (c *CodeIr) FirstBytecode() *Bytecode {
	for i := range c.Instructions.All() {
		if b, ok := i.(*Bytecode); ok {
			return b
		}
	}
	return nil
}

// Bytecodes returns a snapshot of the Bytecode nodes in list order.
func (c *CodeIr) Bytecodes() []*Bytecode {
	var out []*Bytecode
	for i := range c.Instructions.All() {
		if b, ok := i.(*Bytecode); ok {
			out = append(out, b)
		}
	}
	return out
}
