package writer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"slicer/dex"
	"slicer/internal/dextest"
	"slicer/ir"
	"slicer/reader"
	"slicer/writer"
)

func readFull(t *testing.T, image []byte) *reader.Reader {
	t.Helper()
	r, err := reader.New(image)
	require.NoError(t, err)
	require.NoError(t, r.CreateFullIr())
	return r
}

func mapSizes(t *testing.T, r *reader.Reader) map[uint16]uint32 {
	t.Helper()
	items, err := r.MapList()
	require.NoError(t, err)
	sizes := make(map[uint16]uint32)
	for _, item := range items {
		sizes[item.Type] = item.Size
	}
	return sizes
}

func TestRoundTrip(t *testing.T) {
	a := dextest.FooImage(t)
	require.True(t, dex.VerifyChecksums(a))

	r := readFull(t, a)
	require.True(t, r.VerifyChecksum())
	b, err := writer.New(r.GetIr()).CreateImage(writer.HeapAllocator{})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestClassOrder(t *testing.T) {
	r := readFull(t, dextest.FooImage(t))
	// the superclass is written first even though Foo was created first
	require.Equal(t, uint32(0), r.FindClassIndex(dextest.BaseClass))
	require.Equal(t, uint32(1), r.FindClassIndex(dextest.FooClass))
}

func TestSharedItemsWrittenOnce(t *testing.T) {
	r := readFull(t, dextest.FooImage(t))
	sizes := mapSizes(t, r)

	require.Equal(t, uint32(1), sizes[dex.MapHeaderItem])
	require.Equal(t, uint32(1), sizes[dex.MapAnnotationItem])
	require.Equal(t, uint32(1), sizes[dex.MapAnnotationSetItem])
	require.Equal(t, uint32(1), sizes[dex.MapAnnotationsDirectoryItem])
	require.Equal(t, uint32(1), sizes[dex.MapEncodedArrayItem])
	require.Equal(t, uint32(1), sizes[dex.MapDebugInfoItem])
	// (I) (II) (JI) (Ljava/lang/Object;) and the interface list
	require.Equal(t, uint32(5), sizes[dex.MapTypeList])
	require.Equal(t, uint32(5), sizes[dex.MapProtoIdItem])
	require.Equal(t, uint32(8), sizes[dex.MapCodeItem])
	require.Equal(t, uint32(2), sizes[dex.MapClassDefItem])
	require.Equal(t, uint32(2), sizes[dex.MapClassDataItem])
	require.Equal(t, uint32(1), sizes[dex.MapMapList])
}

func TestSortedTables(t *testing.T) {
	r := readFull(t, dextest.FooImage(t))
	d := r.GetIr()

	h := r.Header()
	for i := uint32(1); i < h.StringIdsSize; i++ {
		require.Negative(t, dex.CompareMUTF8(d.StringsMap[i-1].Data, d.StringsMap[i].Data), "string %d", i)
	}
	for i := uint32(1); i < h.TypeIdsSize; i++ {
		require.Less(t, d.TypesMap[i-1].Descriptor.OrigIndex, d.TypesMap[i].Descriptor.OrigIndex, "type %d", i)
	}
	for i := uint32(1); i < h.MethodIdsSize; i++ {
		prev, cur := d.MethodsMap[i-1], d.MethodsMap[i]
		require.LessOrEqual(t, prev.Parent.OrigIndex, cur.Parent.OrigIndex, "method %d", i)
	}
}

func TestRewriteAfterEdit(t *testing.T) {
	r := readFull(t, dextest.FooImage(t))
	d := r.GetIr()
	b := ir.NewBuilder(d)

	// a new string sorting before every existing one forces all
	// string references in code to be renumbered
	b.GetAsciiString("!")
	image, err := writer.New(d).CreateImage(writer.HeapAllocator{})
	require.NoError(t, err)
	require.True(t, dex.VerifyChecksums(image))

	r2 := readFull(t, image)
	greet := ir.NewBuilder(r2.GetIr()).FindMethod(ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "greet"})
	require.NotNil(t, greet)
	index := uint32(greet.Code.Instructions[1])
	require.Equal(t, "hi", r2.GetIr().StringsMap[index].String())
	s, err := r2.GetStringMUTF8(0)
	require.NoError(t, err)
	require.Equal(t, "!", s)
}

type shortAllocator struct {
	freed bool
}

func (a *shortAllocator) Allocate(size int) []byte {
	return make([]byte, size/2)
}

func (a *shortAllocator) Free([]byte) {
	a.freed = true
}

func TestAllocator(t *testing.T) {
	d := dextest.Foo().Dex

	_, err := writer.New(d).CreateImage(nil)
	require.Error(t, err)

	alloc := &shortAllocator{}
	_, err = writer.New(d).CreateImage(alloc)
	require.Error(t, err)
	require.True(t, alloc.freed)
}

func TestWriteErrors(t *testing.T) {
	f := dextest.New()
	foo := f.Builder.CreateClass(dextest.FooClass)
	// const-string referring to a string the IR does not have
	f.Builder.AddMethod(foo, "broken", "()V", dex.AccPublic|dex.AccStatic,
		f.Builder.NewCode(1, 0, dextest.Insns(
			dextest.Op21c(dex.OpConstString, 0, 0x7777),
			dextest.Op10x(dex.OpReturnVoid),
		)))
	_, err := writer.New(f.Dex).CreateImage(writer.HeapAllocator{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown string index")
}
