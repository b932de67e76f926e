package lir

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"slicer/dex"
	"slicer/ir"
)

// Assemble encodes the listing back into the method's Code: bytecode,
// try table, catch handlers, debug info and outs count.
func (c *CodeIr) Assemble() (err error) {
	defer dex.Recover(&err, "failed to assemble "+c.Method.Decl.String())

	a := &assembler{c: c, owners: make(map[Instruction]*Bytecode)}
	a.prepare()
	a.layout()
	a.encodeInstructions()
	tries, handlers := a.encodeTryBlocks()
	debugInfo := a.encodeDebugInfo()

	code := c.Method.Code
	code.Instructions = a.out
	code.TryBlocks = tries
	code.CatchHandlers = handlers
	code.DebugInfo = debugInfo
	code.OutsCount = uint16(a.outs)

	log.Debugf("assembled %s: %d code units, %d tries", c.Method.Decl, len(a.out), len(tries))
	return nil
}

type assembler struct {
	c *CodeIr
	// payload -> the switch or fill-array-data instruction using it
	owners map[Instruction]*Bytecode
	out    []uint16
	outs   int
}

func isPayload(i Instruction) bool {
	switch i.(type) {
	case *PackedSwitchPayload, *SparseSwitchPayload, *ArrayData:
		return true
	}
	return false
}

// prepare settles opcode choices independent of layout and resolves
// payload owners.
func (a *assembler) prepare() {
	var pending []*Label
	labelPayload := make(map[*Label]Instruction)

	for i := range a.c.Instructions.All() {
		switch i := i.(type) {
		case *Label:
			pending = append(pending, i)
			continue
		case *Bytecode:
			if i.Opcode == dex.OpConstString && poolIndex(i.Operands[1]) > 0xffff {
				i.Opcode = dex.OpConstStringJumbo
			}
		case *PackedSwitchPayload, *SparseSwitchPayload, *ArrayData:
			for _, l := range pending {
				// payloads start on an even offset; so does any label naming them
				l.Aligned = true
				labelPayload[l] = i
			}
		}
		if _, ok := i.(*Bytecode); ok || isPayload(i) {
			pending = pending[:0]
		}
	}

	for _, b := range a.c.Bytecodes() {
		var want func(Instruction) bool
		switch b.Opcode {
		case dex.OpPackedSwitch:
			want = func(i Instruction) bool { _, ok := i.(*PackedSwitchPayload); return ok }
		case dex.OpSparseSwitch:
			want = func(i Instruction) bool { _, ok := i.(*SparseSwitchPayload); return ok }
		case dex.OpFillArrayData:
			want = func(i Instruction) bool { _, ok := i.(*ArrayData); return ok }
		default:
			continue
		}
		loc, ok := b.Operands[1].(*CodeLocation)
		dex.Check(ok, "%s without payload location", b.Opcode)
		payload := labelPayload[loc.Label]
		dex.Check(payload != nil && want(payload), "%s payload mismatch", b.Opcode)
		a.owners[payload] = b
	}
}

func isGoto(op dex.Opcode) bool {
	return op == dex.OpGoto || op == dex.OpGoto16 || op == dex.OpGoto32
}

func gotoFor(rel int64) dex.Opcode {
	switch {
	case rel == 0:
		// a zero offset needs goto/32
		return dex.OpGoto32
	case rel >= math.MinInt8 && rel <= math.MaxInt8:
		return dex.OpGoto
	case rel >= math.MinInt16 && rel <= math.MaxInt16:
		return dex.OpGoto16
	}
	return dex.OpGoto32
}

// layout assigns offsets left to right, widening gotos until every
// branch fits. Widths only grow, so the loop terminates.
func (a *assembler) layout() {
	for {
		off := uint32(0)
		for i := range a.c.Instructions.All() {
			n := i.link()
			switch i := i.(type) {
			case *Bytecode:
				n.Offset = off
				off += uint32(i.Opcode.Width())
			case *Label:
				if i.Aligned && off%2 != 0 {
					off++
				}
				n.Offset = off
			case *PackedSwitchPayload:
				off += off % 2
				n.Offset = off
				off += uint32(4 + 2*len(i.Targets))
			case *SparseSwitchPayload:
				off += off % 2
				n.Offset = off
				off += uint32(2 + 4*len(i.Switch))
			case *ArrayData:
				off += off % 2
				n.Offset = off
				off += uint32(len(i.Data))
			default:
				n.Offset = off
			}
		}

		changed := false
		for _, b := range a.c.Bytecodes() {
			if !isGoto(b.Opcode) {
				continue
			}
			loc := b.Operands[0].(*CodeLocation)
			want := gotoFor(int64(loc.Label.Offset) - int64(b.Offset))
			if want.Width() > b.Opcode.Width() {
				b.Opcode = want
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (a *assembler) encodeInstructions() {
	for i := range a.c.Instructions.All() {
		off := i.link().Offset
		if _, ok := i.(*Bytecode); ok || isPayload(i) {
			for uint32(len(a.out)) < off {
				a.out = append(a.out, uint16(dex.OpNop))
			}
			dex.Check(uint32(len(a.out)) == off, "layout mismatch at %d", off)
		}

		switch i := i.(type) {
		case *Bytecode:
			a.encodeBytecode(i)
		case *PackedSwitchPayload:
			base := a.payloadBase(i)
			a.out = append(a.out, dex.PackedSwitchSignature, uint16(len(i.Targets)))
			a.out = appendU32(a.out, uint32(i.FirstKey))
			for _, t := range i.Targets {
				a.out = appendU32(a.out, uint32(int32(t.Offset)-int32(base)))
			}
		case *SparseSwitchPayload:
			base := a.payloadBase(i)
			a.out = append(a.out, dex.SparseSwitchSignature, uint16(len(i.Switch)))
			for k := 1; k < len(i.Switch); k++ {
				dex.Check(i.Switch[k-1].Key < i.Switch[k].Key, "sparse-switch keys not sorted")
			}
			for _, sc := range i.Switch {
				a.out = appendU32(a.out, uint32(sc.Key))
			}
			for _, sc := range i.Switch {
				a.out = appendU32(a.out, uint32(int32(sc.Target.Offset)-int32(base)))
			}
		case *ArrayData:
			a.out = append(a.out, i.Data...)
		}
	}
}

func (a *assembler) payloadBase(payload Instruction) uint32 {
	owner := a.owners[payload]
	dex.Check(owner != nil, "payload without switch instruction")
	return owner.Offset
}

func appendU32(out []uint16, v uint32) []uint16 {
	return append(out, uint16(v), uint16(v>>16))
}

func reg(op Operand) uint32 {
	switch op := op.(type) {
	case *VReg:
		return op.Reg
	case *VRegPair:
		return op.BaseReg
	}
	dex.Check(false, "expected register operand, got %T", op)
	return 0
}

func reg4(op Operand) uint16 {
	r := reg(op)
	dex.Check(r <= 0xf, "register v%d does not fit 4 bits", r)
	return uint16(r)
}

func reg8(op Operand) uint16 {
	r := reg(op)
	dex.Check(r <= 0xff, "register v%d does not fit 8 bits", r)
	return uint16(r)
}

func reg16(op Operand) uint16 {
	r := reg(op)
	dex.Check(r <= 0xffff, "register v%d does not fit 16 bits", r)
	return uint16(r)
}

// literal returns a constant operand sign extended to 64 bits.
func literal(op Operand) int64 {
	switch op := op.(type) {
	case *Const32:
		return int64(op.S32())
	case *Const64:
		return op.S64()
	}
	dex.Check(false, "expected constant operand, got %T", op)
	return 0
}

func checkRange(v, lo, hi int64, what string) {
	dex.Check(v >= lo && v <= hi, "%s %d out of range", what, v)
}

func index16(op Operand) uint16 {
	index := poolIndex(op)
	dex.Check(index <= 0xffff, "pool index %d does not fit 16 bits", index)
	return uint16(index)
}

func (a *assembler) branch(b *Bytecode, op Operand) int64 {
	loc, ok := op.(*CodeLocation)
	dex.Check(ok && loc.Label != nil, "%s without branch target", b.Opcode)
	return int64(loc.Label.Offset) - int64(b.Offset)
}

func (a *assembler) encodeBytecode(b *Bytecode) {
	op := uint16(b.Opcode)
	ops := b.Operands
	operands := func(n int) {
		dex.Check(len(ops) == n, "%s expects %d operands, has %d", b.Opcode, n, len(ops))
	}

	if b.Opcode.Is(dex.Invoke) {
		switch args := ops[0].(type) {
		case *VRegList:
			a.outs = max(a.outs, len(args.Registers))
		case *VRegRange:
			a.outs = max(a.outs, args.Count)
		}
	}

	switch b.Opcode.Format() {
	case dex.Fmt10x:
		operands(0)
		a.out = append(a.out, op)
	case dex.Fmt12x:
		operands(2)
		a.out = append(a.out, op|reg4(ops[0])<<8|reg4(ops[1])<<12)
	case dex.Fmt11n:
		operands(2)
		lit := literal(ops[1])
		checkRange(lit, -8, 7, "literal")
		a.out = append(a.out, op|reg4(ops[0])<<8|uint16(lit&0xf)<<12)
	case dex.Fmt11x:
		operands(1)
		a.out = append(a.out, op|reg8(ops[0])<<8)
	case dex.Fmt10t:
		operands(1)
		rel := a.branch(b, ops[0])
		dex.Check(rel != 0, "goto with zero offset")
		checkRange(rel, math.MinInt8, math.MaxInt8, "branch offset")
		a.out = append(a.out, op|uint16(uint8(int8(rel)))<<8)
	case dex.Fmt20t:
		operands(1)
		rel := a.branch(b, ops[0])
		dex.Check(rel != 0, "goto/16 with zero offset")
		checkRange(rel, math.MinInt16, math.MaxInt16, "branch offset")
		a.out = append(a.out, op, uint16(int16(rel)))
	case dex.Fmt30t:
		operands(1)
		a.out = appendU32(append(a.out, op), uint32(int32(a.branch(b, ops[0]))))
	case dex.Fmt22x:
		operands(2)
		a.out = append(a.out, op|reg8(ops[0])<<8, reg16(ops[1]))
	case dex.Fmt21t:
		operands(2)
		rel := a.branch(b, ops[1])
		checkRange(rel, math.MinInt16, math.MaxInt16, "branch offset")
		a.out = append(a.out, op|reg8(ops[0])<<8, uint16(int16(rel)))
	case dex.Fmt21s:
		operands(2)
		lit := literal(ops[1])
		checkRange(lit, math.MinInt16, math.MaxInt16, "literal")
		a.out = append(a.out, op|reg8(ops[0])<<8, uint16(int16(lit)))
	case dex.Fmt21h:
		operands(2)
		var high uint16
		switch v := ops[1].(type) {
		case *Const32:
			dex.Check(v.Value&0xffff == 0, "const/high16 literal has low bits set")
			high = uint16(v.Value >> 16)
		case *Const64:
			dex.Check(v.Value&(1<<48-1) == 0, "const-wide/high16 literal has low bits set")
			high = uint16(v.Value >> 48)
		default:
			dex.Check(false, "expected constant operand, got %T", v)
		}
		a.out = append(a.out, op|reg8(ops[0])<<8, high)
	case dex.Fmt21c:
		operands(2)
		a.out = append(a.out, op|reg8(ops[0])<<8, index16(ops[1]))
	case dex.Fmt23x:
		operands(3)
		a.out = append(a.out, op|reg8(ops[0])<<8, reg8(ops[1])|reg8(ops[2])<<8)
	case dex.Fmt22b:
		operands(3)
		lit := literal(ops[2])
		checkRange(lit, math.MinInt8, math.MaxInt8, "literal")
		a.out = append(a.out, op|reg8(ops[0])<<8, reg8(ops[1])|uint16(uint8(int8(lit)))<<8)
	case dex.Fmt22t:
		operands(3)
		rel := a.branch(b, ops[2])
		checkRange(rel, math.MinInt16, math.MaxInt16, "branch offset")
		a.out = append(a.out, op|reg4(ops[0])<<8|reg4(ops[1])<<12, uint16(int16(rel)))
	case dex.Fmt22s:
		operands(3)
		lit := literal(ops[2])
		checkRange(lit, math.MinInt16, math.MaxInt16, "literal")
		a.out = append(a.out, op|reg4(ops[0])<<8|reg4(ops[1])<<12, uint16(int16(lit)))
	case dex.Fmt22c:
		operands(3)
		a.out = append(a.out, op|reg4(ops[0])<<8|reg4(ops[1])<<12, index16(ops[2]))
	case dex.Fmt32x:
		operands(2)
		a.out = append(a.out, op, reg16(ops[0]), reg16(ops[1]))
	case dex.Fmt31i:
		operands(2)
		lit := literal(ops[1])
		checkRange(lit, math.MinInt32, math.MaxInt32, "literal")
		a.out = appendU32(append(a.out, op|reg8(ops[0])<<8), uint32(int32(lit)))
	case dex.Fmt31t:
		operands(2)
		a.out = appendU32(append(a.out, op|reg8(ops[0])<<8), uint32(int32(a.branch(b, ops[1]))))
	case dex.Fmt31c:
		operands(2)
		a.out = appendU32(append(a.out, op|reg8(ops[0])<<8), poolIndex(ops[1]))
	case dex.Fmt35c:
		operands(2)
		list, ok := ops[0].(*VRegList)
		dex.Check(ok, "%s expects a register list", b.Opcode)
		count := len(list.Registers)
		dex.Check(count <= 5, "too many arguments (%d) for %s", count, b.Opcode)
		var regs [5]uint16
		for k, r := range list.Registers {
			dex.Check(r <= 0xf, "register v%d does not fit 4 bits", r)
			regs[k] = uint16(r)
		}
		a.out = append(a.out,
			op|uint16(count)<<12|regs[4]<<8,
			index16(ops[1]),
			regs[0]|regs[1]<<4|regs[2]<<8|regs[3]<<12)
	case dex.Fmt3rc:
		operands(2)
		r, ok := ops[0].(*VRegRange)
		dex.Check(ok, "%s expects a register range", b.Opcode)
		dex.Check(r.Count <= 0xff, "too many arguments (%d) for %s", r.Count, b.Opcode)
		dex.Check(r.BaseReg <= 0xffff, "register v%d does not fit 16 bits", r.BaseReg)
		a.out = append(a.out, op|uint16(r.Count)<<8, index16(ops[1]), uint16(r.BaseReg))
	case dex.Fmt51l:
		operands(2)
		v := uint64(literal(ops[1]))
		a.out = append(a.out, op|reg8(ops[0])<<8, uint16(v), uint16(v>>16), uint16(v>>32), uint16(v>>48))
	default:
		dex.Check(false, "cannot encode %s", b.Opcode)
	}
}

type tryEntry struct {
	start, end uint32
	handler    string
}

func (a *assembler) encodeHandler(end *TryBlockEnd) []byte {
	dex.Check(len(end.Handlers) > 0 || end.CatchAll != nil, "try block without handlers")
	size := int32(len(end.Handlers))
	if end.CatchAll != nil {
		size = -size
	}
	buf := dex.AppendSLEB128(nil, size)
	for _, h := range end.Handlers {
		buf = dex.AppendULEB128(buf, h.IrType.OrigIndex)
		buf = dex.AppendULEB128(buf, h.Label.Offset)
	}
	if end.CatchAll != nil {
		buf = dex.AppendULEB128(buf, end.CatchAll.Offset)
	}
	return buf
}

// encodeTryBlocks drops empty ranges and shares identical handlers.
func (a *assembler) encodeTryBlocks() ([]dex.TryBlock, []byte) {
	var entries []tryEntry
	for i := range a.c.Instructions.All() {
		end, ok := i.(*TryBlockEnd)
		if !ok {
			continue
		}
		dex.Check(end.TryBegin != nil && end.TryBegin.list == &a.c.Instructions, "try block end without begin")
		start := end.TryBegin.Offset
		if end.Offset <= start {
			continue
		}
		entries = append(entries, tryEntry{start: start, end: end.Offset, handler: string(a.encodeHandler(end))})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	var unique []string
	offsets := make(map[string]int)
	for _, e := range entries {
		if _, ok := offsets[e.handler]; !ok {
			offsets[e.handler] = -1
			unique = append(unique, e.handler)
		}
	}
	list := dex.AppendULEB128(nil, uint32(len(unique)))
	for _, h := range unique {
		offsets[h] = len(list)
		list = append(list, h...)
	}

	tries := make([]dex.TryBlock, 0, len(entries))
	for k, e := range entries {
		if k > 0 {
			dex.Check(e.start >= entries[k-1].end, "overlapping try blocks at %d", e.start)
		}
		count := e.end - e.start
		dex.Check(count <= 0xffff, "try block too long (%d code units)", count)
		off := offsets[e.handler]
		dex.Check(off <= 0xffff, "catch handler offset %d too large", off)
		tries = append(tries, dex.TryBlock{StartAddr: e.start, InsnCount: uint16(count), HandlerOff: uint16(off)})
	}
	return tries, list
}

func appendIndexP1(buf []byte, op Operand) []byte {
	return dex.AppendULEB128p1(buf, poolIndex(op))
}

// encodeDebugInfo regenerates the line program from the annotations.
func (a *assembler) encodeDebugInfo() *ir.DebugInfo {
	var header *DbgInfoHeader
	for i := range a.c.Instructions.All() {
		if h, ok := i.(*DbgInfoHeader); ok {
			header = h
			break
		}
	}
	if header == nil {
		return nil
	}

	var data []byte
	address := uint32(0)
	line := int(header.LineStart)

	for i := range a.c.Instructions.All() {
		ann, ok := i.(*DbgInfoAnnotation)
		if !ok {
			continue
		}
		off := ann.Offset

		if ann.DbgOpcode == dex.DbgAdvanceLine {
			target := ann.Operands[0].(*LineNumber).Line
			addrDiff := int(off - address)
			lineDiff := target - line
			if lineDiff < dex.DbgLineBase || lineDiff >= dex.DbgLineBase+dex.DbgLineRange {
				data = append(data, dex.DbgAdvanceLine)
				data = dex.AppendSLEB128(data, int32(lineDiff))
				lineDiff = 0
			}
			special := (lineDiff - dex.DbgLineBase) + addrDiff*dex.DbgLineRange + int(dex.DbgFirstSpecial)
			if special > 0xff {
				data = append(data, dex.DbgAdvancePc)
				data = dex.AppendULEB128(data, uint32(addrDiff))
				special = (lineDiff - dex.DbgLineBase) + int(dex.DbgFirstSpecial)
			}
			data = append(data, uint8(special))
			line = target
			address = off
			continue
		}

		if off > address {
			data = append(data, dex.DbgAdvancePc)
			data = dex.AppendULEB128(data, off-address)
			address = off
		}
		data = append(data, ann.DbgOpcode)
		switch ann.DbgOpcode {
		case dex.DbgStartLocal:
			data = dex.AppendULEB128(data, reg(ann.Operands[0]))
			data = appendIndexP1(data, ann.Operands[1])
			data = appendIndexP1(data, ann.Operands[2])
		case dex.DbgStartLocalExtended:
			data = dex.AppendULEB128(data, reg(ann.Operands[0]))
			data = appendIndexP1(data, ann.Operands[1])
			data = appendIndexP1(data, ann.Operands[2])
			data = appendIndexP1(data, ann.Operands[3])
		case dex.DbgEndLocal, dex.DbgRestartLocal:
			data = dex.AppendULEB128(data, reg(ann.Operands[0]))
		case dex.DbgSetFile:
			data = appendIndexP1(data, ann.Operands[0])
		case dex.DbgSetPrologueEnd, dex.DbgSetEpilogueBegin:
		default:
			dex.Check(false, "unexpected debug opcode 0x%02x", ann.DbgOpcode)
		}
	}
	data = append(data, dex.DbgEndSequence)

	info := a.c.DexFile.AllocDebugInfo()
	info.LineStart = header.LineStart
	info.ParamNames = header.ParamNames
	info.Data = data
	return info
}
