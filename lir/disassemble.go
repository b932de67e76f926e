package lir

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"slicer/dex"
	"slicer/ir"
)

// disassembly state, dropped once the list is built
type disassembler struct {
	c     *CodeIr
	code  *ir.Code
	insns []uint16

	boundaries map[uint32]bool
	labels     map[uint32]*Label
	// payload offset -> offset of the switch or fill-array-data using it
	payloadOwner map[uint32]uint32

	nodes     []Instruction
	tryBegins map[uint32][]*TryBlockBegin
	tryEnds   map[uint32][]*TryBlockEnd
	dbg       map[uint32][]*DbgInfoAnnotation
	dbgHeader *DbgInfoHeader
}

func (c *CodeIr) disassemble() {
	d := &disassembler{
		c:            c,
		code:         c.Method.Code,
		insns:        c.Method.Code.Instructions,
		boundaries:   make(map[uint32]bool),
		labels:       make(map[uint32]*Label),
		payloadOwner: make(map[uint32]uint32),
		tryBegins:    make(map[uint32][]*TryBlockBegin),
		tryEnds:      make(map[uint32][]*TryBlockEnd),
		dbg:          make(map[uint32][]*DbgInfoAnnotation),
	}

	d.findPayloads()
	d.decodeInstructions()
	d.decodeTryBlocks()
	d.decodeDebugInfo()
	d.buildList()

	log.Debugf("disassembled %s: %d code units, %d nodes",
		c.Method.Decl, len(d.insns), c.Instructions.Len())
}

func (d *disassembler) findPayloads() {
	for off := 0; off < len(d.insns); {
		width := dex.GetWidthFromBytecode(d.insns[off:])
		dex.Check(off+width <= len(d.insns), "truncated instruction at %d", off)
		d.boundaries[uint32(off)] = true

		if !isPayloadIdent(d.insns[off]) {
			switch op := dex.Opcode(d.insns[off] & 0xff); op {
			case dex.OpPackedSwitch, dex.OpSparseSwitch, dex.OpFillArrayData:
				dec := dex.DecodeInstruction(d.insns[off:])
				target := uint32(int64(off) + int64(int32(dec.VB)))
				dex.Check(target < uint32(len(d.insns)), "%s payload out of range", op)
				d.payloadOwner[target] = uint32(off)
			}
		}
		off += width
	}
	d.boundaries[uint32(len(d.insns))] = true
}

func isPayloadIdent(unit uint16) bool {
	return unit == dex.PackedSwitchSignature || unit == dex.SparseSwitchSignature || unit == dex.ArrayDataSignature
}

func (d *disassembler) label(offset uint32) *Label {
	dex.Check(d.boundaries[offset], "branch target %d is not an instruction boundary", offset)
	l, ok := d.labels[offset]
	if !ok {
		l = &Label{}
		l.Offset = offset
		d.labels[offset] = l
	}
	return l
}

func (d *disassembler) target(offset uint32) *CodeLocation {
	return Target(d.label(offset))
}

func (d *disassembler) decodeInstructions() {
	for off := 0; off < len(d.insns); {
		width := dex.GetWidthFromBytecode(d.insns[off:])
		var instr Instruction
		switch d.insns[off] {
		case dex.PackedSwitchSignature:
			instr = d.decodePackedSwitch(uint32(off))
		case dex.SparseSwitchSignature:
			instr = d.decodeSparseSwitch(uint32(off))
		case dex.ArrayDataSignature:
			data := &ArrayData{Data: append([]uint16(nil), d.insns[off:off+width]...)}
			instr = data
		default:
			instr = d.decodeBytecode(uint32(off))
		}
		instr.link().Offset = uint32(off)
		d.nodes = append(d.nodes, instr)
		off += width
	}
}

func (d *disassembler) switchBase(payload uint32) uint32 {
	owner, ok := d.payloadOwner[payload]
	dex.Check(ok, "switch payload at %d has no switch instruction", payload)
	return owner
}

func (d *disassembler) decodePackedSwitch(off uint32) *PackedSwitchPayload {
	base := d.switchBase(off)
	p := d.insns[off:]
	size := int(p[1])
	s := &PackedSwitchPayload{FirstKey: int32(uint32(p[2]) | uint32(p[3])<<16)}
	for i := 0; i < size; i++ {
		rel := int32(uint32(p[4+2*i]) | uint32(p[5+2*i])<<16)
		s.Targets = append(s.Targets, Target(d.label(uint32(int64(base)+int64(rel)))).Label)
	}
	return s
}

func (d *disassembler) decodeSparseSwitch(off uint32) *SparseSwitchPayload {
	base := d.switchBase(off)
	p := d.insns[off:]
	size := int(p[1])
	s := &SparseSwitchPayload{}
	for i := 0; i < size; i++ {
		key := int32(uint32(p[2+2*i]) | uint32(p[3+2*i])<<16)
		k := 2 + 2*size + 2*i
		rel := int32(uint32(p[k]) | uint32(p[k+1])<<16)
		target := Target(d.label(uint32(int64(base) + int64(rel))))
		s.Switch = append(s.Switch, SwitchCase{Key: key, Target: target.Label})
	}
	return s
}

func (d *disassembler) regOperand(reg uint32, wide bool) Operand {
	if wide {
		return &VRegPair{BaseReg: reg}
	}
	return &VReg{Reg: reg}
}

func (d *disassembler) poolOperand(op dex.Opcode, index uint32) Operand {
	dexFile := d.c.DexFile
	switch op.IndexType() {
	case dex.IndexString:
		s := dexFile.StringsMap[index]
		dex.Check(s != nil, "unknown string index %d", index)
		return d.c.StringOperand(s)
	case dex.IndexType:
		t := dexFile.TypesMap[index]
		dex.Check(t != nil, "unknown type index %d", index)
		return d.c.TypeOperand(t)
	case dex.IndexField:
		f := dexFile.FieldsMap[index]
		dex.Check(f != nil, "unknown field index %d", index)
		return d.c.FieldOperand(f)
	case dex.IndexMethod:
		m := dexFile.MethodsMap[index]
		dex.Check(m != nil, "unknown method index %d", index)
		return d.c.MethodOperand(m)
	}
	dex.Check(false, "unsupported index type for %s", op)
	return nil
}

func (d *disassembler) decodeBytecode(off uint32) *Bytecode {
	dec := dex.DecodeInstruction(d.insns[off:])
	op := dec.Opcode
	dex.Check(op.IsValid(), "invalid opcode 0x%02x at %d", uint8(op), off)

	b := &Bytecode{Opcode: op}
	wa, wb, wc := dex.WideRegs(op)
	branch := func(rel uint32) Operand {
		return d.target(uint32(int64(off) + int64(int32(rel))))
	}

	switch op.Format() {
	case dex.Fmt10x:
	case dex.Fmt12x, dex.Fmt22x, dex.Fmt32x:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), d.regOperand(dec.VB, wb)}
	case dex.Fmt11n:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), &Const32{Value: dec.VB}}
	case dex.Fmt11x:
		b.Operands = []Operand{d.regOperand(dec.VA, wa)}
	case dex.Fmt10t, dex.Fmt20t, dex.Fmt30t:
		b.Operands = []Operand{branch(dec.VA)}
	case dex.Fmt21t:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), branch(dec.VB)}
	case dex.Fmt22t:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), d.regOperand(dec.VB, wb), branch(dec.VC)}
	case dex.Fmt21s:
		if wa {
			b.Operands = []Operand{d.regOperand(dec.VA, true), &Const64{Value: uint64(int64(int32(dec.VB)))}}
		} else {
			b.Operands = []Operand{d.regOperand(dec.VA, false), &Const32{Value: dec.VB}}
		}
	case dex.Fmt21h:
		if wa {
			b.Operands = []Operand{d.regOperand(dec.VA, true), &Const64{Value: uint64(dec.VB) << 48}}
		} else {
			b.Operands = []Operand{d.regOperand(dec.VA, false), &Const32{Value: dec.VB << 16}}
		}
	case dex.Fmt31i:
		if wa {
			b.Operands = []Operand{d.regOperand(dec.VA, true), &Const64{Value: uint64(int64(int32(dec.VB)))}}
		} else {
			b.Operands = []Operand{d.regOperand(dec.VA, false), &Const32{Value: dec.VB}}
		}
	case dex.Fmt51l:
		b.Operands = []Operand{d.regOperand(dec.VA, true), &Const64{Value: dec.VBWide}}
	case dex.Fmt21c, dex.Fmt31c:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), d.poolOperand(op, dec.VB)}
	case dex.Fmt23x:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), d.regOperand(dec.VB, wb), d.regOperand(dec.VC, wc)}
	case dex.Fmt22b, dex.Fmt22s:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), d.regOperand(dec.VB, wb), &Const32{Value: dec.VC}}
	case dex.Fmt22c:
		b.Operands = []Operand{d.regOperand(dec.VA, wa), d.regOperand(dec.VB, wb), d.poolOperand(op, dec.VC)}
	case dex.Fmt31t:
		loc := branch(dec.VB).(*CodeLocation)
		loc.Label.Aligned = true
		b.Operands = []Operand{d.regOperand(dec.VA, wa), loc}
	case dex.Fmt35c:
		regs := append([]uint32(nil), dec.Arg[:dec.VA]...)
		b.Operands = []Operand{&VRegList{Registers: regs}, d.poolOperand(op, dec.VB)}
	case dex.Fmt3rc:
		b.Operands = []Operand{&VRegRange{BaseReg: dec.VC, Count: int(dec.VA)}, d.poolOperand(op, dec.VB)}
	default:
		dex.Check(false, "unsupported instruction %s at %d", op, off)
	}
	return b
}

func (d *disassembler) decodeTryBlocks() {
	for _, tb := range d.code.TryBlocks {
		begin := d.c.NewTryBlockBegin()
		end := &TryBlockEnd{TryBegin: begin}

		start := tb.StartAddr
		stop := tb.StartAddr + uint32(tb.InsnCount)
		dex.Check(d.boundaries[start] && d.boundaries[stop], "try block [%d, %d) not on instruction boundaries", start, stop)

		c := dex.NewCursor(d.code.CatchHandlers, uint32(tb.HandlerOff))
		size := c.SLEB128()
		n := size
		if n < 0 {
			n = -n
		}
		for i := int32(0); i < n; i++ {
			typeIndex := c.ULEB128()
			t := d.c.DexFile.TypesMap[typeIndex]
			dex.Check(t != nil, "unknown catch type index %d", typeIndex)
			end.Handlers = append(end.Handlers, CatchHandler{IrType: t, Label: d.target(c.ULEB128()).Label})
		}
		if size <= 0 {
			end.CatchAll = d.target(c.ULEB128()).Label
		}

		begin.Offset = start
		end.Offset = stop
		d.tryBegins[start] = append(d.tryBegins[start], begin)
		d.tryEnds[stop] = append(d.tryEnds[stop], end)
	}
}

func (d *disassembler) stringOperand(index uint32) *String {
	if index == dex.NoIndex {
		return &String{Index: dex.NoIndex}
	}
	s := d.c.DexFile.StringsMap[index]
	dex.Check(s != nil, "unknown string index %d in debug info", index)
	return d.c.StringOperand(s)
}

func (d *disassembler) typeOperand(index uint32) *Type {
	if index == dex.NoIndex {
		return &Type{Index: dex.NoIndex}
	}
	t := d.c.DexFile.TypesMap[index]
	dex.Check(t != nil, "unknown type index %d in debug info", index)
	return d.c.TypeOperand(t)
}

func (d *disassembler) decodeDebugInfo() {
	info := d.code.DebugInfo
	if info == nil {
		return
	}
	d.dbgHeader = &DbgInfoHeader{LineStart: info.LineStart, ParamNames: append([]*ir.String(nil), info.ParamNames...)}

	address := uint32(0)
	line := int(info.LineStart)
	add := func(opcode uint8, operands ...Operand) {
		a := &DbgInfoAnnotation{DbgOpcode: opcode, Operands: operands}
		a.Offset = address
		d.dbg[address] = append(d.dbg[address], a)
	}

	c := dex.NewCursor(info.Data, 0)
	for {
		opcode := c.U1()
		switch opcode {
		case dex.DbgEndSequence:
			return
		case dex.DbgAdvancePc:
			address += c.ULEB128()
		case dex.DbgAdvanceLine:
			line += int(c.SLEB128())
		case dex.DbgStartLocal:
			reg := c.ULEB128()
			name := d.stringOperand(c.ULEB128p1())
			typ := d.typeOperand(c.ULEB128p1())
			add(opcode, &VReg{Reg: reg}, name, typ)
		case dex.DbgStartLocalExtended:
			reg := c.ULEB128()
			name := d.stringOperand(c.ULEB128p1())
			typ := d.typeOperand(c.ULEB128p1())
			sig := d.stringOperand(c.ULEB128p1())
			add(opcode, &VReg{Reg: reg}, name, typ, sig)
		case dex.DbgEndLocal, dex.DbgRestartLocal:
			add(opcode, &VReg{Reg: c.ULEB128()})
		case dex.DbgSetPrologueEnd, dex.DbgSetEpilogueBegin:
			add(opcode)
		case dex.DbgSetFile:
			add(opcode, d.stringOperand(c.ULEB128p1()))
		default:
			adjusted := int(opcode - dex.DbgFirstSpecial)
			line += dex.DbgLineBase + adjusted%dex.DbgLineRange
			address += uint32(adjusted / dex.DbgLineRange)
			add(dex.DbgAdvanceLine, &LineNumber{Line: line})
		}
	}
}

// buildList lays the decoded nodes out in offset order. At one offset
// the order is: try ends, label, try begins, debug annotations, then
// the instruction itself.
func (d *disassembler) buildList() {
	list := &d.c.Instructions
	if d.dbgHeader != nil {
		list.PushBack(d.dbgHeader)
	}

	// debug entries past the end or off boundaries are attached to the
	// next boundary
	var dbgOffsets []uint32
	for off := range d.dbg {
		dbgOffsets = append(dbgOffsets, off)
	}
	sort.Slice(dbgOffsets, func(i, j int) bool { return dbgOffsets[i] < dbgOffsets[j] })
	nextDbg := 0

	emit := func(off uint32) {
		for _, end := range d.tryEnds[off] {
			list.PushBack(end)
		}
		if l := d.labels[off]; l != nil {
			l.Id = d.c.nextLabelId
			d.c.nextLabelId++
			list.PushBack(l)
		}
		for _, begin := range d.tryBegins[off] {
			list.PushBack(begin)
		}
		for ; nextDbg < len(dbgOffsets) && dbgOffsets[nextDbg] <= off; nextDbg++ {
			for _, a := range d.dbg[dbgOffsets[nextDbg]] {
				a.Offset = off
				list.PushBack(a)
			}
		}
	}

	for _, n := range d.nodes {
		off := n.link().Offset
		emit(off)
		list.PushBack(n)
	}
	emit(uint32(len(d.insns)))
	for ; nextDbg < len(dbgOffsets); nextDbg++ {
		for _, a := range d.dbg[dbgOffsets[nextDbg]] {
			list.PushBack(a)
		}
	}
}
