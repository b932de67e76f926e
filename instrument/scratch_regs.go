package instrument

import (
	"slicer/dex"
	"slicer/lir"
)

// AllocateScratchRegs grows the register file by Count registers that
// the original body never touches.
//
// Incoming arguments always occupy the last registers of a frame, so
// growing the file moves them up. When the method has arguments, a
// prologue copies them back to the registers the body expects, which
// leaves [old size, old size+Count) free for the rest of the method.
type AllocateScratchRegs struct {
	failure
	Count int

	regs []uint32
}

func (a *AllocateScratchRegs) Apply(c *lir.CodeIr) bool {
	dex.Check(a.Count > 0, "scratch register count must be positive")
	old := c.Registers()
	if old+a.Count > 0xffff {
		return a.fail("%s: %d registers plus %d scratch exceed the register file",
			c.Method.Decl, old, a.Count)
	}
	c.SetRegisters(old + a.Count)
	if c.Ins() > 0 {
		shiftParams(c, old, a.Count)
	}

	a.regs = a.regs[:0]
	for i := 0; i < a.Count; i++ {
		a.regs = append(a.regs, uint32(old+i))
	}
	return true
}

// ScratchRegs returns the registers allocated by the last Apply.
func (a *AllocateScratchRegs) ScratchRegs() []uint32 {
	return a.regs
}

// shiftParams inserts the argument copies at method entry.
// Destinations are below their sources, so copying in ascending order
// never overwrites an argument that is still to be moved.
func shiftParams(c *lir.CodeIr, oldRegs, shift int) {
	at := entryPoint(c)
	dex.Check(at != nil, "%s has no bytecode", c.Method.Decl)

	dst := uint32(oldRegs - c.Ins())
	for _, t := range argTypes(c.Method) {
		src := dst + uint32(shift)
		c.Instructions.InsertBefore(at, &lir.Bytecode{
			Opcode:   move16For(t),
			Operands: []lir.Operand{regOperand(dst, t), regOperand(src, t)},
		})
		dst += uint32(t.Width())
	}
	dex.Check(dst == uint32(oldRegs), "%s: argument width does not match ins count", c.Method.Decl)
}

// ensureLocals grows the frame until at least n registers below the
// arguments are free at method entry.
func ensureLocals(c *lir.CodeIr, n int) error {
	locals := c.Registers() - c.Ins()
	if locals >= n {
		return nil
	}
	alloc := &AllocateScratchRegs{Count: n - locals}
	if !alloc.Apply(c) {
		return alloc.Err()
	}
	return nil
}
