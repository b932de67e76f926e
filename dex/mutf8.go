package dex

import "unicode/utf16"

// DecodeMUTF8 converts modified UTF-8 bytes to UTF-16 code units.
// Malformed sequences decode byte by byte.
func DecodeMUTF8(data []byte) []uint16 {
	units := make([]uint16, 0, len(data))
	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b < 0x80:
			units = append(units, uint16(b))
			i++
		case b&0xe0 == 0xc0 && i+1 < len(data):
			units = append(units, uint16(b&0x1f)<<6|uint16(data[i+1]&0x3f))
			i += 2
		case b&0xf0 == 0xe0 && i+2 < len(data):
			units = append(units, uint16(b&0x0f)<<12|uint16(data[i+1]&0x3f)<<6|uint16(data[i+2]&0x3f))
			i += 3
		default:
			units = append(units, uint16(b))
			i++
		}
	}
	return units
}

// UTF16Length is the value stored in the string_data_item size prefix.
func UTF16Length(data []byte) uint32 {
	return uint32(len(DecodeMUTF8(data)))
}

// MUTF8ToString converts modified UTF-8 to a Go string.
func MUTF8ToString(data []byte) string {
	for _, b := range data {
		if b >= 0x80 {
			return string(utf16.Decode(DecodeMUTF8(data)))
		}
	}
	return string(data)
}

// StringToMUTF8 encodes s as modified UTF-8: NUL becomes 0xc0 0x80 and
// supplementary characters are written as surrogate pairs.
func StringToMUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		var units []uint16
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			units = []uint16{uint16(hi), uint16(lo)}
		} else {
			units = []uint16{uint16(r)}
		}
		for _, u := range units {
			switch {
			case u != 0 && u < 0x80:
				out = append(out, byte(u))
			case u < 0x800:
				out = append(out, byte(0xc0|u>>6), byte(0x80|u&0x3f))
			default:
				out = append(out, byte(0xe0|u>>12), byte(0x80|(u>>6)&0x3f), byte(0x80|u&0x3f))
			}
		}
	}
	return out
}

// CompareMUTF8 orders strings by UTF-16 code unit values, the order
// required for the string_ids table.
func CompareMUTF8(a, b []byte) int {
	ua, ub := DecodeMUTF8(a), DecodeMUTF8(b)
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			if ua[i] < ub[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ua) < len(ub):
		return -1
	case len(ua) > len(ub):
		return 1
	}
	return 0
}
