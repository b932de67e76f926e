package dex

import "encoding/binary"

// ReadULEB128 reads an unsigned LEB128 value from data at pos and
// returns the value and the position after it, or -1 as the position
// if the encoding is truncated or longer than five bytes.
func ReadULEB128(data []byte, pos int) (uint32, int) {
	var result uint32
	var shift uint
	for {
		if pos < 0 || pos >= len(data) {
			return 0, -1
		}
		b := data[pos]
		pos++
		result |= uint32(b&0x7f) << shift
		if (b & 0x80) == 0 {
			break
		}
		shift += 7
		if shift > 28 {
			return 0, -1
		}
	}
	return result, pos
}

// ReadSLEB128 is the signed counterpart of ReadULEB128.
func ReadSLEB128(data []byte, pos int) (int32, int) {
	var result int32
	var shift uint
	var b byte
	for {
		if pos < 0 || pos >= len(data) {
			return 0, -1
		}
		b = data[pos]
		pos++
		result |= int32(b&0x7f) << shift
		shift += 7
		if (b & 0x80) == 0 {
			break
		}
		if shift > 28 {
			return 0, -1
		}
	}
	if shift < 32 && (b&0x40) != 0 {
		result |= -1 << shift
	}
	return result, pos
}

func AppendULEB128(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func AppendSLEB128(b []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// AppendULEB128p1 encodes v+1, so NoIndex becomes 0.
func AppendULEB128p1(b []byte, v uint32) []byte {
	return AppendULEB128(b, v+1)
}

// Cursor walks a byte image. Reads past the end or malformed LEB128
// values fail a Check.
type Cursor struct {
	Data []byte
	Pos  int
}

func NewCursor(data []byte, pos uint32) *Cursor {
	Check(int(pos) <= len(data), "offset 0x%x out of bounds (size 0x%x)", pos, len(data))
	return &Cursor{Data: data, Pos: int(pos)}
}

func (c *Cursor) ULEB128() uint32 {
	v, pos := ReadULEB128(c.Data, c.Pos)
	Check(pos >= 0, "bad uleb128 at 0x%x", c.Pos)
	c.Pos = pos
	return v
}

// ULEB128p1 returns NoIndex for an encoded 0.
func (c *Cursor) ULEB128p1() uint32 {
	return c.ULEB128() - 1
}

func (c *Cursor) SLEB128() int32 {
	v, pos := ReadSLEB128(c.Data, c.Pos)
	Check(pos >= 0, "bad sleb128 at 0x%x", c.Pos)
	c.Pos = pos
	return v
}

func (c *Cursor) U1() uint8 {
	Check(c.Pos < len(c.Data), "read past end at 0x%x", c.Pos)
	v := c.Data[c.Pos]
	c.Pos++
	return v
}

func (c *Cursor) U2() uint16 {
	Check(c.Pos+2 <= len(c.Data), "read past end at 0x%x", c.Pos)
	v := binary.LittleEndian.Uint16(c.Data[c.Pos:])
	c.Pos += 2
	return v
}

func (c *Cursor) U4() uint32 {
	Check(c.Pos+4 <= len(c.Data), "read past end at 0x%x", c.Pos)
	v := binary.LittleEndian.Uint32(c.Data[c.Pos:])
	c.Pos += 4
	return v
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) []byte {
	Check(n >= 0 && c.Pos+n <= len(c.Data), "read past end at 0x%x", c.Pos)
	v := c.Data[c.Pos : c.Pos+n]
	c.Pos += n
	return v
}
