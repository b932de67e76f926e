package instrument

import (
	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

// DetourVirtualInvoke rewrites every invoke-virtual of Original into an
// invoke-static of Detour. Detour is declared as (receiver, params...)R
// with the receiver typed as Original's class, so the argument
// registers are reused unchanged.
type DetourVirtualInvoke struct {
	Original ir.MethodId
	Detour   ir.MethodId
}

func (d *DetourVirtualInvoke) Apply(c *lir.CodeIr) bool {
	detourInvokes(c, d.Original, d.Detour, map[dex.Opcode]dex.Opcode{
		dex.OpInvokeVirtual:      dex.OpInvokeStatic,
		dex.OpInvokeVirtualRange: dex.OpInvokeStaticRange,
	})
	return true
}

// DetourInterfaceInvoke is DetourVirtualInvoke for invoke-interface.
type DetourInterfaceInvoke struct {
	Original ir.MethodId
	Detour   ir.MethodId
}

func (d *DetourInterfaceInvoke) Apply(c *lir.CodeIr) bool {
	detourInvokes(c, d.Original, d.Detour, map[dex.Opcode]dex.Opcode{
		dex.OpInvokeInterface:      dex.OpInvokeStatic,
		dex.OpInvokeInterfaceRange: dex.OpInvokeStaticRange,
	})
	return true
}

func detourInvokes(c *lir.CodeIr, original, detour ir.MethodId, opcodes map[dex.Opcode]dex.Opcode) {
	dex.Check(detour.Signature == "", "detour %s must not specify a signature", detour)
	b := ir.NewBuilder(c.DexFile)
	for _, bc := range c.Bytecodes() {
		op, ok := opcodes[bc.Opcode]
		if !ok {
			continue
		}
		callee := bc.Operands[1].(*lir.Method).Ir
		if !original.Match(callee) {
			continue
		}

		params := []*ir.Type{callee.Parent}
		if callee.Prototype.ParamTypes != nil {
			params = append(params, callee.Prototype.ParamTypes.Types...)
		}
		proto := b.GetProto(callee.Prototype.ReturnType, b.GetTypeList(params))
		decl := hookDecl(b, detour, proto)

		// instructions are never shared, so the invoke is edited in place
		bc.Opcode = op
		bc.Operands[1] = c.MethodOperand(decl)
	}
}
