package instrument

import (
	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

type ExitTweak int

const ExitDefault ExitTweak = 0

const (
	// ExitReturnAsObject declares the hook as (Object)Object; the result
	// is cast back to the declared return type. Reference returns only.
	ExitReturnAsObject ExitTweak = 1 << iota
	// ExitCatchExceptions also calls the hook when an exception leaves
	// the method. The hook then receives a zero placeholder and its
	// result is discarded before the exception is rethrown.
	ExitCatchExceptions
)

// ExitHook calls the static method Hook before every return. The hook
// is declared as (T)T for a method returning T and as ()V for a void
// method; its result replaces the returned value.
type ExitHook struct {
	failure
	Hook  ir.MethodId
	Tweak ExitTweak
}

func (e *ExitHook) Apply(c *lir.CodeIr) bool {
	b := ir.NewBuilder(c.DexFile)
	declared := c.Method.Decl.Prototype.ReturnType
	isVoid := declared.String() == "V"
	asObject := e.Tweak&ExitReturnAsObject != 0
	if asObject && !declared.IsReference() {
		return e.fail("%s: return-as-object needs a reference return type, not %s",
			c.Method.Decl, declared)
	}

	ret := declared
	if asObject {
		ret = b.GetType("Ljava/lang/Object;")
	}
	var params []*ir.Type
	if !isVoid {
		params = append(params, ret)
	}
	proto := b.GetProto(ret, b.GetTypeList(params))
	hook := c.MethodOperand(hookDecl(b, e.Hook, proto))

	var handler *lir.Label
	var scratch []uint32
	if e.Tweak&ExitCatchExceptions != 0 {
		// move-exception and throw take 8 bit registers
		if c.Registers()+3 > 0x100 {
			return e.fail("%s: no 8 bit scratch registers left for the exception path", c.Method.Decl)
		}
		alloc := &AllocateScratchRegs{Count: 3}
		if !alloc.Apply(c) {
			return e.wrap(alloc.Err(), "exit hook %s", e.Hook)
		}
		scratch = alloc.ScratchRegs()
		handler = c.NewLabel()
		RedirectAllExceptions(c, handler)
	}

	for _, bc := range c.Bytecodes() {
		if !isReturn(bc) {
			continue
		}
		var invoke *lir.Bytecode
		if isVoid {
			dex.Check(bc.Opcode == dex.OpReturnVoid, "%s in void method %s", bc.Opcode, c.Method.Decl)
			invoke = invokeStaticRange(hook, 0, 0)
			c.Instructions.InsertBefore(bc, invoke)
		} else {
			dex.Check(bc.Opcode != dex.OpReturnVoid, "return-void in %s", c.Method.Decl)
			reg := returnReg(bc)
			invoke = invokeStaticRange(hook, reg, declared.Width())
			c.Instructions.InsertBefore(bc, invoke)
			c.Instructions.InsertBefore(bc, &lir.Bytecode{
				Opcode:   moveResultFor(declared),
				Operands: []lir.Operand{regOperand(reg, declared)},
			})
			if asObject {
				c.Instructions.InsertBefore(bc, &lir.Bytecode{
					Opcode:   dex.OpCheckCast,
					Operands: []lir.Operand{&lir.VReg{Reg: reg}, c.TypeOperand(declared)},
				})
			}
		}
		if handler != nil {
			// the hook runs once per invocation even if it throws
			excludeFromTry(c, invoke, bc)
		}
	}

	if handler != nil {
		e.appendExceptionExit(c, handler, hook, declared, scratch)
	}
	return true
}

func returnReg(bc *lir.Bytecode) uint32 {
	switch op := bc.Operands[0].(type) {
	case *lir.VReg:
		return op.Reg
	case *lir.VRegPair:
		return op.BaseReg
	}
	dex.Check(false, "unexpected %s operand %T", bc.Opcode, bc.Operands[0])
	return 0
}

// appendExceptionExit adds the catch-all handler at the end of the
// body:
//
//	move-exception vE
//	const vP, #0
//	invoke-static/range {vP} hook
//	throw vE
func (e *ExitHook) appendExceptionExit(c *lir.CodeIr, handler *lir.Label, hook *lir.Method, declared *ir.Type, scratch []uint32) {
	exc, placeholder := &lir.VReg{Reg: scratch[0]}, scratch[1]
	c.Instructions.PushBack(handler)
	c.Instructions.PushBack(&lir.Bytecode{Opcode: dex.OpMoveException, Operands: []lir.Operand{exc}})
	switch {
	case declared.String() == "V":
		c.Instructions.PushBack(invokeStaticRange(hook, 0, 0))
	case declared.IsWide():
		c.Instructions.PushBack(&lir.Bytecode{
			Opcode:   dex.OpConstWide16,
			Operands: []lir.Operand{&lir.VRegPair{BaseReg: placeholder}, &lir.Const64{}},
		})
		c.Instructions.PushBack(invokeStaticRange(hook, placeholder, 2))
	default:
		c.Instructions.PushBack(&lir.Bytecode{
			Opcode:   dex.OpConst16,
			Operands: []lir.Operand{&lir.VReg{Reg: placeholder}, &lir.Const32{}},
		})
		c.Instructions.PushBack(invokeStaticRange(hook, placeholder, 1))
	}
	c.Instructions.PushBack(&lir.Bytecode{Opcode: dex.OpThrow, Operands: []lir.Operand{exc}})
}
