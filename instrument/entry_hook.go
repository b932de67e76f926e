package instrument

import (
	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

type EntryTweak int

const (
	EntryDefault EntryTweak = iota
	// EntryThisAsObject declares the receiver parameter as
	// java.lang.Object instead of the method's class.
	EntryThisAsObject
	// EntryArrayParams packs every argument, receiver included, into an
	// Object[] and passes that array as the only hook argument.
	// Primitive arguments are boxed.
	EntryArrayParams
)

const objectArray = "[Ljava/lang/Object;"

var boxTypes = map[byte]string{
	'Z': "Ljava/lang/Boolean;",
	'B': "Ljava/lang/Byte;",
	'S': "Ljava/lang/Short;",
	'C': "Ljava/lang/Character;",
	'I': "Ljava/lang/Integer;",
	'J': "Ljava/lang/Long;",
	'F': "Ljava/lang/Float;",
	'D': "Ljava/lang/Double;",
}

// EntryHook inserts a call to the static void method Hook before the
// first instruction of the body. By default the hook is declared as
// (receiver, params...)V over the instrumented method's own types and
// receives the incoming argument registers unchanged.
//
// Hooks inserted later run before hooks inserted earlier. A branch back
// to the first instruction does not run the hook again.
type EntryHook struct {
	failure
	Hook  ir.MethodId
	Tweak EntryTweak
}

func (e *EntryHook) Apply(c *lir.CodeIr) bool {
	if c.FirstBytecode() == nil {
		return e.fail("%s has no bytecode", c.Method.Decl)
	}
	if e.Tweak == EntryArrayParams {
		return e.applyArrayParams(c)
	}

	b := ir.NewBuilder(c.DexFile)
	m := c.Method
	var params []*ir.Type
	if !m.IsStatic() {
		this := m.Decl.Parent
		if e.Tweak == EntryThisAsObject {
			this = b.GetType("Ljava/lang/Object;")
		}
		params = append(params, this)
	}
	params = append(params, paramTypes(m)...)

	proto := b.GetProto(b.GetType("V"), b.GetTypeList(params))
	hook := c.MethodOperand(hookDecl(b, e.Hook, proto))
	invoke := invokeStaticRange(hook, uint32(c.Registers()-c.Ins()), c.Ins())
	c.Instructions.InsertBefore(entryPoint(c), invoke)
	return true
}

// applyArrayParams builds the argument array in the first three
// registers; nothing below the arguments is live at method entry.
//
//	v0 array, v1 size then index, v2 current element
func (e *EntryHook) applyArrayParams(c *lir.CodeIr) bool {
	if err := ensureLocals(c, 3); err != nil {
		return e.wrap(err, "entry hook %s", e.Hook)
	}

	b := ir.NewBuilder(c.DexFile)
	args := argTypes(c.Method)
	arrayType := b.GetType(objectArray)

	var code []*lir.Bytecode
	emit := func(op dex.Opcode, operands ...lir.Operand) {
		code = append(code, &lir.Bytecode{Opcode: op, Operands: operands})
	}
	array, index, elem := &lir.VReg{Reg: 0}, &lir.VReg{Reg: 1}, &lir.VReg{Reg: 2}

	emit(dex.OpConst16, index, &lir.Const32{Value: uint32(len(args))})
	emit(dex.OpNewArray, array, index, c.TypeOperand(arrayType))

	reg := uint32(c.Registers() - c.Ins())
	for i, t := range args {
		if t.IsReference() {
			emit(dex.OpMoveObject16, elem, &lir.VReg{Reg: reg})
		} else {
			box := b.GetType(boxTypes[t.Shorty()])
			valueOf := b.GetMethodDecl(b.GetAsciiString("valueOf"),
				b.GetProto(box, b.GetTypeList([]*ir.Type{t})), box)
			code = append(code, invokeStaticRange(c.MethodOperand(valueOf), reg, t.Width()))
			emit(dex.OpMoveResultObject, elem)
		}
		emit(dex.OpConst16, index, &lir.Const32{Value: uint32(i)})
		emit(dex.OpAputObject, elem, array, index)
		reg += uint32(t.Width())
	}

	proto := b.GetProto(b.GetType("V"), b.GetTypeList([]*ir.Type{arrayType}))
	hook := c.MethodOperand(hookDecl(b, e.Hook, proto))
	code = append(code, invokeStaticRange(hook, 0, 1))

	at := entryPoint(c)
	for _, bc := range code {
		c.Instructions.InsertBefore(at, bc)
	}
	return true
}
