package reader_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"slicer/dex"
	"slicer/internal/dextest"
	"slicer/ir"
	"slicer/reader"
	"slicer/writer"
)

func TestReadFoo(t *testing.T) {
	r, err := reader.New(dextest.FooImage(t))
	require.NoError(t, err)
	require.Equal(t, uint32(2), r.ClassCount())
	require.NoError(t, r.CreateFullIr())
	d := r.GetIr()

	foo := d.FindClass(dextest.FooClass)
	base := d.FindClass(dextest.BaseClass)
	require.NotNil(t, foo)
	require.NotNil(t, base)
	require.Same(t, base.Type, foo.SuperClass)
	require.Same(t, foo, foo.Type.ClassDef)
	require.Equal(t, "Foo.java", foo.SourceFile.String())
	require.Len(t, foo.Interfaces.Types, 1)
	require.Equal(t, "Ljava/lang/Runnable;", foo.Interfaces.Types[0].String())

	var names []string
	for _, m := range foo.Methods() {
		names = append(names, m.Decl.Name.String())
		require.Same(t, foo, m.Parent)
	}
	// direct methods sorted by method index, then virtual ones
	want := []string{"<init>", "greet", "sum", "bar", "classify", "run", "safeDiv"}
	require.Empty(t, cmp.Diff(want, names))

	require.Len(t, foo.StaticFields, 1)
	require.Equal(t, "COUNT", foo.StaticFields[0].Decl.Name.String())
	require.Len(t, foo.StaticInit.Values, 1)
	require.Equal(t, int64(42), foo.StaticInit.Values[0].Int)

	dir := foo.Annotations
	require.NotNil(t, dir)
	require.Len(t, dir.FieldAnnotations, 1)
	require.Same(t, dir.ClassAnnotation, dir.FieldAnnotations[0].Annotations)
	marker := dir.ClassAnnotation.Annotations[0]
	require.Equal(t, "Lcom/example/Marker;", marker.Type.String())
	require.Equal(t, dex.VisibilityRuntime, marker.Visibility)
	require.Len(t, marker.Elements, 2)
	require.Equal(t, "count", marker.Elements[0].Name.String())
	require.Equal(t, "value", marker.Elements[1].Name.String())
	require.Equal(t, "x", marker.Elements[1].Value.String.String())

	bar := ir.NewBuilder(d).FindMethod(ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "bar", Signature: "(I)I"})
	require.NotNil(t, bar)
	info := bar.Code.DebugInfo
	require.NotNil(t, info)
	require.Equal(t, uint32(10), info.LineStart)
	require.Len(t, info.ParamNames, 1)
	require.Equal(t, "x", info.ParamNames[0].String())
	require.Equal(t, []byte{0x0e, 0x2d, dex.DbgEndSequence}, info.Data)

	safeDiv := ir.NewBuilder(d).FindMethod(ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "safeDiv"})
	require.NotNil(t, safeDiv)
	require.Equal(t, []dex.TryBlock{{StartAddr: 0, InsnCount: 2, HandlerOff: 1}}, safeDiv.Code.TryBlocks)
}

func TestCreateClassIr(t *testing.T) {
	image := dextest.FooImage(t)
	r, err := reader.New(image)
	require.NoError(t, err)

	index := r.FindClassIndex(dextest.FooClass)
	require.NotEqual(t, dex.NoIndex, index)
	require.Equal(t, dex.NoIndex, r.FindClassIndex("Lcom/example/Missing;"))

	require.NoError(t, r.CreateClassIr(index))
	d := r.GetIr()
	require.Len(t, d.Classes, 1)
	// the superclass is referenced but not defined by the partial IR
	require.Nil(t, d.Classes[0].SuperClass.ClassDef)

	// a second request for the same class reuses the parsed node
	require.NoError(t, r.CreateClassIr(index))
	require.Len(t, d.Classes, 1)

	require.Error(t, r.CreateClassIr(r.ClassCount()))

	out, err := writer.New(d).CreateImage(writer.HeapAllocator{})
	require.NoError(t, err)
	r2, err := reader.New(out)
	require.NoError(t, err)
	require.Equal(t, uint32(1), r2.ClassCount())
	require.NoError(t, r2.CreateFullIr())
	require.NotNil(t, r2.GetIr().FindClass(dextest.FooClass))
	require.Nil(t, r2.GetIr().FindClass(dextest.BaseClass))
}

func TestBuilderIndicesAfterPartialRead(t *testing.T) {
	r, err := reader.New(dextest.FooImage(t))
	require.NoError(t, err)
	require.NoError(t, r.CreateClassIr(r.FindClassIndex(dextest.BaseClass)))
	require.Less(t, len(r.GetIr().Strings), int(r.Header().StringIdsSize))

	// unmaterialized strings keep their indices reserved
	s := ir.NewBuilder(r.GetIr()).GetAsciiString("brand new")
	require.GreaterOrEqual(t, s.OrigIndex, r.Header().StringIdsSize)
}

func TestHeaderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		err    string
	}{
		{"magic", func(b []byte) []byte { b[0] = 'x'; return b }, "invalid dex magic"},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, "file_size"},
		{"too small", func(b []byte) []byte { return b[:0x40] }, "too small"},
		{"endian", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[40:], dex.ReverseEndianConstant); return b }, "endian"},
		{"header size", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[36:], 0x78); return b }, "header_size"},
		{"link", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[44:], 1); return b }, "link section"},
		{"map off", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[52:], 2); return b }, "map_off"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := tt.mutate(dextest.FooImage(t))
			_, err := reader.New(image)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	image := dextest.FooImage(t)
	r, err := reader.New(image)
	require.NoError(t, err)
	require.True(t, r.VerifyChecksum())

	image[len(image)-1] ^= 0xff
	require.False(t, r.VerifyChecksum())
	// parsing does not depend on the checksum
	require.NoError(t, r.CreateFullIr())
}

func TestMapList(t *testing.T) {
	r, err := reader.New(dextest.FooImage(t))
	require.NoError(t, err)
	items, err := r.MapList()
	require.NoError(t, err)
	require.Equal(t, dex.MapHeaderItem, items[0].Type)
	require.Equal(t, dex.MapMapList, items[len(items)-1].Type)
	for i := 1; i < len(items); i++ {
		require.Greater(t, items[i].Offset, items[i-1].Offset)
	}
}
