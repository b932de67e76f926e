package lir

import (
	"fmt"
	"math"
	"strings"

	"slicer/dex"
	"slicer/ir"
)

// Operand is an instruction or debug annotation argument. Operand
// values may be shared between instructions.
type Operand interface {
	fmt.Stringer
	operand()
}

type VReg struct {
	Reg uint32
}

// VRegPair names the register pair starting at BaseReg.
type VRegPair struct {
	BaseReg uint32
}

// VRegList is the explicit argument list of invoke and filled-new-array.
type VRegList struct {
	Registers []uint32
}

// VRegRange is the argument range of the /range instruction forms.
type VRegRange struct {
	BaseReg uint32
	Count   int
}

type Const32 struct {
	Value uint32
}

func (c *Const32) S32() int32 { return int32(c.Value) }

func (c *Const32) Float() float32 { return math.Float32frombits(c.Value) }

type Const64 struct {
	Value uint64
}

func (c *Const64) S64() int64 { return int64(c.Value) }

func (c *Const64) Double() float64 { return math.Float64frombits(c.Value) }

type CodeLocation struct {
	Label *Label
}

// String, Type, Field and Method reference pool entries. Ir is nil for
// an absent debug info reference; Index is the index the operand was
// created with.
type String struct {
	Ir    *ir.String
	Index uint32
}

type Type struct {
	Ir    *ir.Type
	Index uint32
}

type Field struct {
	Ir    *ir.FieldDecl
	Index uint32
}

type Method struct {
	Ir    *ir.MethodDecl
	Index uint32
}

// LineNumber is the absolute source line of a position entry.
type LineNumber struct {
	Line int
}

func (*VReg) operand()         {}
func (*VRegPair) operand()     {}
func (*VRegList) operand()     {}
func (*VRegRange) operand()    {}
func (*Const32) operand()      {}
func (*Const64) operand()      {}
func (*CodeLocation) operand() {}
func (*String) operand()       {}
func (*Type) operand()         {}
func (*Field) operand()        {}
func (*Method) operand()       {}
func (*LineNumber) operand()   {}

func (v *VReg) String() string { return fmt.Sprintf("v%d", v.Reg) }

func (v *VRegPair) String() string { return fmt.Sprintf("v%d:v%d", v.BaseReg, v.BaseReg+1) }

func (v *VRegList) String() string {
	regs := make([]string, len(v.Registers))
	for i, r := range v.Registers {
		regs[i] = fmt.Sprintf("v%d", r)
	}
	return "{" + strings.Join(regs, ",") + "}"
}

func (v *VRegRange) String() string {
	switch v.Count {
	case 0:
		return "{}"
	case 1:
		return fmt.Sprintf("{v%d}", v.BaseReg)
	}
	return fmt.Sprintf("{v%d..v%d}", v.BaseReg, v.BaseReg+uint32(v.Count)-1)
}

func (c *Const32) String() string { return fmt.Sprintf("#%+d", c.S32()) }

func (c *Const64) String() string { return fmt.Sprintf("#%+d", c.S64()) }

func (c *CodeLocation) String() string {
	if c.Label == nil {
		return "<no label>"
	}
	return fmt.Sprintf("L%d", c.Label.Id)
}

func (s *String) String() string {
	if s.Ir == nil {
		return "<no string>"
	}
	return fmt.Sprintf("%q", s.Ir.String())
}

func (t *Type) String() string {
	if t.Ir == nil {
		return "<no type>"
	}
	return t.Ir.Decl()
}

func (f *Field) String() string { return f.Ir.PrettyName() }

func (m *Method) String() string { return m.Ir.PrettyName() }

func (l *LineNumber) String() string { return fmt.Sprintf("%d", l.Line) }

// poolIndex returns the original index of a pool operand, the index
// space raw Code data uses.
func poolIndex(op Operand) uint32 {
	switch op := op.(type) {
	case *String:
		if op.Ir == nil {
			return dex.NoIndex
		}
		return op.Ir.OrigIndex
	case *Type:
		if op.Ir == nil {
			return dex.NoIndex
		}
		return op.Ir.OrigIndex
	case *Field:
		return op.Ir.OrigIndex
	case *Method:
		return op.Ir.OrigIndex
	}
	dex.Check(false, "operand %T is not a pool reference", op)
	return dex.NoIndex
}
