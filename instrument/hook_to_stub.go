package instrument

import (
	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

const (
	stringType     = "Ljava/lang/String;"
	fakeHookMethod = "$entryArgs"
)

// HookToStub lets a runtime decide, per call, whether a method runs its
// own body or is handed to an interpreter stub:
//
//	if ShouldInterpret(class, name, descriptor) {
//	    return (R) Stub<shorty>(class, name, descriptor, args)
//	}
//	...original body...
//
// ShouldInterpret is a static (String, String, String)Z method. The
// stub method name is Stub's name followed by the shorty character of
// the return type; it takes (String, String, String, Object[]) and
// returns Object for reference types and the primitive type otherwise.
// args holds every argument, receiver included, primitives boxed.
// Constructors are refused.
type HookToStub struct {
	failure
	ShouldInterpret ir.MethodId
	Stub            ir.MethodId
}

func (h *HookToStub) Apply(c *lir.CodeIr) bool {
	dex.Check(h.ShouldInterpret.Signature == "", "%s must not specify a signature", h.ShouldInterpret)
	dex.Check(h.Stub.Signature == "", "%s must not specify a signature", h.Stub)
	// the receiver of a constructor is not initialized yet and cannot
	// escape into the stub arguments
	if c.Method.AccessFlags&dex.AccConstructor != 0 {
		return h.fail("%s: constructors cannot be handed to a stub", c.Method.Decl)
	}

	// v0 array, v1..v3 the method strings; the array is moved to v3
	// once they are needed
	if err := ensureLocals(c, 4); err != nil {
		return h.wrap(err, "stub %s", h.Stub)
	}

	fake := ir.MethodId{ClassDescriptor: h.Stub.ClassDescriptor, MethodName: fakeHookMethod}
	entry := &EntryHook{Hook: fake, Tweak: EntryArrayParams}
	if !entry.Apply(c) {
		return h.wrap(entry.Err(), "stub %s", h.Stub)
	}

	call := findInvoke(c, fake)
	dex.Check(call != nil, "entry call to %s not found", fake)
	h.replace(c, call)
	return true
}

func findInvoke(c *lir.CodeIr, id ir.MethodId) *lir.Bytecode {
	for _, bc := range c.Bytecodes() {
		if !bc.Opcode.Is(dex.Invoke) {
			continue
		}
		if m, ok := bc.Operands[1].(*lir.Method); ok && id.Match(m.Ir) {
			return bc
		}
	}
	return nil
}

func (h *HookToStub) replace(c *lir.CodeIr, call *lir.Bytecode) {
	b := ir.NewBuilder(c.DexFile)
	decl := c.Method.Decl
	declared := decl.Prototype.ReturnType
	str := b.GetType(stringType)

	shouldInterpret := b.GetMethodDecl(b.GetAsciiString(h.ShouldInterpret.MethodName),
		b.GetProto(b.GetType("Z"), b.GetTypeList([]*ir.Type{str, str, str})),
		b.GetType(h.ShouldInterpret.ClassDescriptor))

	stubRet := declared
	if declared.IsReference() {
		stubRet = b.GetType("Ljava/lang/Object;")
	}
	stub := b.GetMethodDecl(b.GetAsciiString(h.Stub.MethodName+string(declared.Shorty())),
		b.GetProto(stubRet, b.GetTypeList([]*ir.Type{str, str, str, b.GetType(objectArray)})),
		b.GetType(h.Stub.ClassDescriptor))

	original := c.NewLabel()
	v := func(r uint32) *lir.VReg { return &lir.VReg{Reg: r} }
	constString := func(r uint32, s string) *lir.Bytecode {
		return &lir.Bytecode{
			Opcode:   dex.OpConstString,
			Operands: []lir.Operand{v(r), c.StringOperand(b.GetAsciiString(s))},
		}
	}

	code := []*lir.Bytecode{
		{Opcode: dex.OpMoveObject, Operands: []lir.Operand{v(3), v(0)}},
		constString(0, decl.Parent.String()),
		constString(1, decl.Name.String()),
		constString(2, decl.Prototype.Signature()),
		invokeStaticRange(c.MethodOperand(shouldInterpret), 0, 3),
		{Opcode: dex.OpMoveResult, Operands: []lir.Operand{v(1)}},
		{Opcode: dex.OpIfEqz, Operands: []lir.Operand{v(1), lir.Target(original)}},
		constString(1, decl.Name.String()),
		invokeStaticRange(c.MethodOperand(stub), 0, 4),
	}
	switch {
	case declared.String() == "V":
		code = append(code, &lir.Bytecode{Opcode: dex.OpReturnVoid})
	case declared.IsReference():
		code = append(code,
			&lir.Bytecode{Opcode: dex.OpMoveResultObject, Operands: []lir.Operand{v(0)}},
			&lir.Bytecode{Opcode: dex.OpCheckCast, Operands: []lir.Operand{v(0), c.TypeOperand(declared)}},
			&lir.Bytecode{Opcode: dex.OpReturnObject, Operands: []lir.Operand{v(0)}})
	default:
		code = append(code,
			&lir.Bytecode{Opcode: moveResultFor(declared), Operands: []lir.Operand{regOperand(0, declared)}},
			&lir.Bytecode{Opcode: returnFor(declared), Operands: []lir.Operand{regOperand(0, declared)}})
	}

	for _, bc := range code {
		c.Instructions.InsertBefore(call, bc)
	}
	c.Instructions.InsertBefore(call, original)
	c.Instructions.Remove(call)
}
