package reader

import (
	"encoding/binary"

	"slicer/dex"
	"slicer/ir"
)

func (r *Reader) extractCode(offset uint32) *ir.Code {
	if offset == 0 {
		return nil
	}
	dex.Check(offset%4 == 0, "unaligned code_item at 0x%x", offset)

	c := dex.NewCursor(r.image, offset)
	header := dex.CodeHeader{
		RegistersSize: c.U2(),
		InsSize:       c.U2(),
		OutsSize:      c.U2(),
		TriesSize:     c.U2(),
		DebugInfoOff:  c.U4(),
		InsnsSize:     c.U4(),
	}

	code := r.dexIr.AllocCode()
	code.Registers = header.RegistersSize
	code.InsCount = header.InsSize
	code.OutsCount = header.OutsSize

	raw := c.Bytes(int(header.InsnsSize) * 2)
	code.Instructions = make([]uint16, header.InsnsSize)
	for i := range code.Instructions {
		code.Instructions[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}

	// pull in everything the instructions refer to
	r.parseInstructions(code.Instructions)

	if header.TriesSize != 0 {
		if header.InsnsSize%2 != 0 {
			c.U2() // padding
		}
		code.TryBlocks = make([]dex.TryBlock, header.TriesSize)
		for i := range code.TryBlocks {
			code.TryBlocks[i] = dex.TryBlock{StartAddr: c.U4(), InsnCount: c.U2(), HandlerOff: c.U2()}
		}

		start := c.Pos
		handlersCount := c.ULEB128()
		dex.Check(handlersCount <= uint32(header.TriesSize), "too many catch handlers")
		for i := uint32(0); i < handlersCount; i++ {
			catchCount := c.SLEB128()
			n := catchCount
			if n < 0 {
				n = -n
			}
			for j := int32(0); j < n; j++ {
				r.getType(c.ULEB128())
				c.ULEB128() // address
			}
			if catchCount < 1 {
				c.ULEB128() // catch_all_addr
			}
		}
		code.CatchHandlers = r.image[start:c.Pos]
	}

	code.DebugInfo = r.extractDebugInfo(header.DebugInfoOff)
	return code
}

func (r *Reader) parseInstructions(insns []uint16) {
	pos := 0
	for pos < len(insns) {
		width := dex.GetWidthFromBytecode(insns[pos:])
		dex.Check(width > 0 && pos+width <= len(insns), "truncated instruction at %d", pos)

		if !isPayload(insns[pos]) {
			dec := dex.DecodeInstruction(insns[pos:])
			index := dec.PoolIndex()
			switch dec.Opcode.IndexType() {
			case dex.IndexString:
				r.getString(index)
			case dex.IndexType:
				r.getType(index)
			case dex.IndexField:
				r.getFieldDecl(index)
			case dex.IndexMethod:
				r.getMethodDecl(index)
			case dex.IndexMethodAndProto, dex.IndexCallSite, dex.IndexMethodHandle, dex.IndexProto:
				dex.Check(false, "unsupported instruction %s at %d", dec.Opcode, pos)
			}
		}
		pos += width
	}
	dex.Check(pos == len(insns), "instruction stream overrun")
}

func isPayload(unit uint16) bool {
	switch unit {
	case dex.PackedSwitchSignature, dex.SparseSwitchSignature, dex.ArrayDataSignature:
		return true
	}
	return false
}

func (r *Reader) extractDebugInfo(offset uint32) *ir.DebugInfo {
	if offset == 0 {
		return nil
	}
	if p := r.debugInfos[offset]; p != nil {
		return p
	}

	c := dex.NewCursor(r.image, offset)
	info := r.dexIr.AllocDebugInfo()
	info.LineStart = c.ULEB128()

	paramCount := c.ULEB128()
	for i := uint32(0); i < paramCount; i++ {
		var name *ir.String
		if index := c.ULEB128p1(); index != dex.NoIndex {
			name = r.getString(index)
		}
		info.ParamNames = append(info.ParamNames, name)
	}

	// strings and types named by the line program belong to the closure too
	optString := func() {
		if index := c.ULEB128p1(); index != dex.NoIndex {
			r.getString(index)
		}
	}
	start := c.Pos
	for {
		opcode := c.U1()
		if opcode == dex.DbgEndSequence {
			break
		}
		switch opcode {
		case dex.DbgAdvancePc:
			c.ULEB128()
		case dex.DbgAdvanceLine:
			c.SLEB128()
		case dex.DbgStartLocal, dex.DbgStartLocalExtended:
			c.ULEB128()
			optString()
			if index := c.ULEB128p1(); index != dex.NoIndex {
				r.getType(index)
			}
			if opcode == dex.DbgStartLocalExtended {
				optString()
			}
		case dex.DbgEndLocal, dex.DbgRestartLocal:
			c.ULEB128()
		case dex.DbgSetFile:
			optString()
		}
	}
	info.Data = r.image[start:c.Pos]

	r.debugInfos[offset] = info
	return info
}
