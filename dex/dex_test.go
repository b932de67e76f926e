package dex

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLEB128(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 0xffffffff} {
		b := AppendULEB128(nil, v)
		got, pos := ReadULEB128(b, 0)
		require.Equal(t, v, got)
		require.Equal(t, len(b), pos)
	}
	for _, v := range []int32{0, 1, -1, 63, 64, -64, -65, 0x7fffffff, -0x80000000} {
		b := AppendSLEB128(nil, v)
		got, pos := ReadSLEB128(b, 0)
		require.Equal(t, v, got, "value %d", v)
		require.Equal(t, len(b), pos)
	}

	require.Equal(t, []byte{0x00}, AppendULEB128p1(nil, NoIndex))

	_, pos := ReadULEB128([]byte{0x80, 0x80}, 0)
	require.Equal(t, -1, pos)
	_, pos = ReadULEB128([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}, 0)
	require.Equal(t, -1, pos)
}

func TestCursorChecks(t *testing.T) {
	var err error
	func() {
		defer Recover(&err, "cursor")
		c := NewCursor([]byte{1, 2, 3}, 0)
		require.Equal(t, uint16(0x0201), c.U2())
		c.U4()
	}()
	require.Error(t, err)
	require.Contains(t, err.Error(), "read past end")
}

func TestMUTF8(t *testing.T) {
	require.Equal(t, []byte{0xc0, 0x80}, StringToMUTF8("\x00"))
	require.Equal(t, []byte("hello"), StringToMUTF8("hello"))
	require.Equal(t, "hé\U0001F600", MUTF8ToString(StringToMUTF8("hé\U0001F600")))
	// surrogate pair: two 3-byte sequences
	require.Len(t, StringToMUTF8("\U0001F600"), 6)
	require.Equal(t, uint32(2), UTF16Length(StringToMUTF8("\U0001F600")))

	require.Equal(t, -1, CompareMUTF8([]byte("a"), []byte("b")))
	require.Equal(t, -1, CompareMUTF8([]byte("a"), []byte("ab")))
	require.Equal(t, 0, CompareMUTF8([]byte("ab"), []byte("ab")))
	// U+FFFF sorts after a supplementary character's high surrogate
	require.Equal(t, 1, CompareMUTF8(StringToMUTF8("\uffff"), StringToMUTF8("\U0001F600")))
}

func TestDescriptors(t *testing.T) {
	tests := []struct {
		desc   string
		decl   string
		shorty byte
	}{
		{"I", "int", 'I'},
		{"V", "void", 'V'},
		{"Ljava/lang/String;", "java.lang.String", 'L'},
		{"[[J", "long[][]", 'L'},
		{"[Lfoo/Bar;", "foo.Bar[]", 'L'},
	}
	for _, tt := range tests {
		require.Equal(t, tt.decl, DescriptorToDecl(tt.desc))
		require.Equal(t, tt.shorty, DescriptorToShorty(tt.desc))
	}

	params, ret, ok := ParseSignature("(I[JLjava/lang/String;)V")
	require.True(t, ok)
	require.Equal(t, []string{"I", "[J", "Ljava/lang/String;"}, params)
	require.Equal(t, "V", ret)
	require.Equal(t, "(I[JLjava/lang/String;)V", FormatSignature(params, ret))

	for _, bad := range []string{"", "I", "(V)V", "(Lfoo)V", "(I)", "(I)[V"} {
		_, _, ok := ParseSignature(bad)
		require.False(t, ok, bad)
	}
}

func TestDecodeInstruction(t *testing.T) {
	// invoke-static {v1, v2, v3}, meth@0x0102
	insns := []uint16{0x3071, 0x0102, 0x0321}
	dec := DecodeInstruction(insns)
	require.Equal(t, OpInvokeStatic, dec.Opcode)
	require.Equal(t, uint32(3), dec.VA)
	require.Equal(t, uint32(0x0102), dec.PoolIndex())
	require.Equal(t, [5]uint32{1, 2, 3, 0, 0}, dec.Arg)

	// const/4 v0, #-1
	dec = DecodeInstruction([]uint16{0xf012})
	require.Equal(t, uint32(0), dec.VA)
	require.Equal(t, int32(-1), int32(dec.VB))

	// if-eqz v5, -2
	dec = DecodeInstruction([]uint16{0x0538, 0xfffe})
	require.Equal(t, uint32(5), dec.VA)
	require.Equal(t, int32(-2), int32(dec.VB))

	// iget v1, v2, field@7
	dec = DecodeInstruction([]uint16{0x2152, 0x0007})
	require.Equal(t, uint32(1), dec.VA)
	require.Equal(t, uint32(2), dec.VB)
	require.Equal(t, uint32(7), dec.PoolIndex())

	require.Equal(t, 3, GetWidthFromBytecode(insns))
	require.Equal(t, 8, GetWidthFromBytecode([]uint16{PackedSwitchSignature, 2, 0, 0}))
	require.Equal(t, 10, GetWidthFromBytecode([]uint16{SparseSwitchSignature, 2}))
	// 3 elements of 4 bytes: header plus 6 data units
	require.Equal(t, 4+6, GetWidthFromBytecode([]uint16{ArrayDataSignature, 4, 3, 0}))
	require.Equal(t, 4+2, GetWidthFromBytecode([]uint16{ArrayDataSignature, 1, 3, 0}))
}

func TestOpcodeTable(t *testing.T) {
	require.Equal(t, "invoke-virtual/range", OpInvokeVirtualRange.String())
	require.Equal(t, Fmt3rc, OpInvokeStaticRange.Format())
	require.True(t, OpReturnObject.Is(CanReturn))
	require.True(t, OpIfEqz.Is(CanBranch))
	require.False(t, Opcode(0x3e).IsValid())
	require.Equal(t, IndexMethod, OpInvokeInterface.IndexType())
	require.Equal(t, "const-method-type", OpConstMethodType.String())
	require.Equal(t, IndexProto, OpConstMethodType.IndexType())

	a, b, c := WideRegs(OpAddLong)
	require.True(t, a && b && c)
	a, b, c = WideRegs(OpShlLong)
	require.True(t, a && b)
	require.False(t, c)
	a, b, _ = WideRegs(OpLongToInt)
	require.False(t, a)
	require.True(t, b)
}

func TestChecksums(t *testing.T) {
	image := make([]byte, HeaderSize+16)
	copy(image, DefaultMagic[:])
	for i := HeaderSize; i < len(image); i++ {
		image[i] = byte(i)
	}
	require.False(t, VerifyChecksums(image))
	UpdateHeaderChecksums(image)
	require.True(t, VerifyChecksums(image))
	require.Equal(t, ComputeChecksum(image), binary.LittleEndian.Uint32(image[ChecksumOffset:]))

	image[len(image)-1] ^= 0xff
	require.False(t, VerifyChecksums(image))
}

func TestParseHeader(t *testing.T) {
	h := Header{Magic: DefaultMagic, HeaderSize: HeaderSize, EndianTag: EndianConstant}
	enc := h.Encode()
	require.Len(t, enc, HeaderSize)

	got, err := ParseHeader(enc)
	require.NoError(t, err)
	require.Equal(t, h, *got)

	enc[0] = 'x'
	_, err = ParseHeader(enc)
	require.Error(t, err)

	_, err = ParseHeader(enc[:10])
	require.Error(t, err)
}
