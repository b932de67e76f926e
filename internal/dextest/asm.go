package dextest

import "slicer/dex"

// Helpers encoding single instructions by format. Registers and
// literals are not range checked beyond what the casts keep.

func Op10x(op dex.Opcode) []uint16 {
	return []uint16{uint16(op)}
}

func Op11x(op dex.Opcode, a uint8) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8}
}

func Op11n(op dex.Opcode, a uint8, lit int8) []uint16 {
	return []uint16{uint16(op) | uint16(a&0xf)<<8 | uint16(uint8(lit)&0xf)<<12}
}

func Op12x(op dex.Opcode, a, b uint8) []uint16 {
	return []uint16{uint16(op) | uint16(a&0xf)<<8 | uint16(b&0xf)<<12}
}

func Op10t(op dex.Opcode, rel int8) []uint16 {
	return []uint16{uint16(op) | uint16(uint8(rel))<<8}
}

func Op21c(op dex.Opcode, a uint8, index uint16) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8, index}
}

func Op21s(op dex.Opcode, a uint8, lit int16) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8, uint16(lit)}
}

func Op21t(op dex.Opcode, a uint8, rel int16) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8, uint16(rel)}
}

func Op22b(op dex.Opcode, a, b uint8, lit int8) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8, uint16(b) | uint16(uint8(lit))<<8}
}

func Op22c(op dex.Opcode, a, b uint8, index uint16) []uint16 {
	return []uint16{uint16(op) | uint16(a&0xf)<<8 | uint16(b&0xf)<<12, index}
}

func Op23x(op dex.Opcode, a, b, c uint8) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8, uint16(b) | uint16(c)<<8}
}

func Op31t(op dex.Opcode, a uint8, rel int32) []uint16 {
	return []uint16{uint16(op) | uint16(a)<<8, uint16(uint32(rel)), uint16(uint32(rel) >> 16)}
}

// Op35c encodes an invoke or filled-new-array with up to five
// argument registers.
func Op35c(op dex.Opcode, index uint16, regs ...uint8) []uint16 {
	var r [5]uint16
	for i, reg := range regs {
		r[i] = uint16(reg & 0xf)
	}
	return []uint16{
		uint16(op) | uint16(len(regs))<<12 | r[4]<<8,
		index,
		r[0] | r[1]<<4 | r[2]<<8 | r[3]<<12,
	}
}

func Op3rc(op dex.Opcode, index uint16, first uint16, count uint8) []uint16 {
	return []uint16{uint16(op) | uint16(count)<<8, index, first}
}

// PackedSwitch encodes a packed-switch payload with targets relative
// to the switch instruction.
func PackedSwitch(firstKey int32, targets ...int32) []uint16 {
	out := []uint16{dex.PackedSwitchSignature, uint16(len(targets)), uint16(uint32(firstKey)), uint16(uint32(firstKey) >> 16)}
	for _, t := range targets {
		out = append(out, uint16(uint32(t)), uint16(uint32(t)>>16))
	}
	return out
}

// SparseSwitch encodes a sparse-switch payload; keys must be sorted.
func SparseSwitch(keys []int32, targets []int32) []uint16 {
	out := []uint16{dex.SparseSwitchSignature, uint16(len(keys))}
	for _, k := range keys {
		out = append(out, uint16(uint32(k)), uint16(uint32(k)>>16))
	}
	for _, t := range targets {
		out = append(out, uint16(uint32(t)), uint16(uint32(t)>>16))
	}
	return out
}

// ArrayData encodes a fill-array-data payload of count elements of
// width bytes each.
func ArrayData(width uint16, count uint32, data []byte) []uint16 {
	out := []uint16{dex.ArrayDataSignature, width, uint16(count), uint16(count >> 16)}
	for i := 0; i < len(data); i += 2 {
		unit := uint16(data[i])
		if i+1 < len(data) {
			unit |= uint16(data[i+1]) << 8
		}
		out = append(out, unit)
	}
	return out
}

// Insns concatenates encoded instructions.
func Insns(parts ...[]uint16) []uint16 {
	var out []uint16
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
