// Package dextest builds dex fixtures in memory for tests: IR through
// ir.Builder, method bodies from hand encoded instructions, images
// through the writer.
package dextest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"slicer/dex"
	"slicer/ir"
	"slicer/writer"
)

const (
	FooClass  = "Lcom/example/Foo;"
	BaseClass = "Lcom/example/Base;"
)

type Fixture struct {
	Dex     *ir.DexFile
	Builder *ir.Builder
}

func New() *Fixture {
	d := ir.NewDexFile()
	return &Fixture{Dex: d, Builder: ir.NewBuilder(d)}
}

// Image writes the fixture with the heap allocator.
func (f *Fixture) Image(t testing.TB) []byte {
	t.Helper()
	image, err := writer.New(f.Dex).CreateImage(writer.HeapAllocator{})
	require.NoError(t, err)
	return image
}

func index16(index uint32) uint16 {
	dex.Check(index <= 0xffff, "fixture index %d too large", index)
	return uint16(index)
}

// The index helpers create the referenced node if needed and return
// its original index, the numbering raw code uses.

func (f *Fixture) StringIndex(s string) uint16 {
	return index16(f.Builder.GetAsciiString(s).OrigIndex)
}

func (f *Fixture) TypeIndex(descriptor string) uint16 {
	return index16(f.Builder.GetType(descriptor).OrigIndex)
}

func (f *Fixture) FieldIndex(class, name, descriptor string) uint16 {
	b := f.Builder
	return index16(b.GetFieldDecl(b.GetAsciiString(name), b.GetType(descriptor), b.GetType(class)).OrigIndex)
}

func (f *Fixture) MethodIndex(class, name, signature string) uint16 {
	b := f.Builder
	proto := b.GetProtoFromSignature(signature)
	dex.Check(proto != nil, "bad signature %q", signature)
	return index16(b.GetMethodDecl(b.GetAsciiString(name), proto, b.GetType(class)).OrigIndex)
}

func withOuts(outs uint16, code *ir.Code) *ir.Code {
	code.OutsCount = outs
	return code
}

// DebugInfo builds line info for code: lines[i] is the source line at
// code offset addrs[i], using special opcodes only.
func (f *Fixture) DebugInfo(lineStart uint32, params []string, addrs []uint32, lines []int) *ir.DebugInfo {
	info := f.Dex.AllocDebugInfo()
	info.LineStart = lineStart
	for _, p := range params {
		info.ParamNames = append(info.ParamNames, f.Builder.GetAsciiString(p))
	}
	addr, line := uint32(0), int(lineStart)
	for i := range addrs {
		special := (lines[i] - line - dex.DbgLineBase) + int(addrs[i]-addr)*dex.DbgLineRange + int(dex.DbgFirstSpecial)
		dex.Check(special >= int(dex.DbgFirstSpecial) && special <= 0xff, "fixture line entry %d not encodable", i)
		info.Data = append(info.Data, uint8(special))
		addr, line = addrs[i], lines[i]
	}
	info.Data = append(info.Data, dex.DbgEndSequence)
	return info
}

// Foo builds the standard fixture:
//
//	class Base { Base() }
//	class Foo extends Base implements Runnable {
//	    static final int COUNT = 42;
//	    String name;
//	    Foo()
//	    int bar(int x)          { return x + 1; }
//	    int classify(int x)     { switch (x) { case 0: return 1; case 1: return 2; } return -1; }
//	    int safeDiv(int a, int b) { try { return a / b; } catch (ArithmeticException e) { return 0; } }
//	    void run()              { bar(1); }
//	    static long sum(long a, int b) { return a + b; }
//	    static String greet(Object o) { return "hi"; }
//	}
//
// Foo is created before Base, so writing it exercises class ordering.
func Foo() *Fixture {
	f := New()
	b := f.Builder

	foo := b.CreateClass(FooClass)
	base := b.CreateClass(BaseClass)
	foo.SuperClass = base.Type
	foo.Interfaces = b.GetTypeList([]*ir.Type{b.GetType("Ljava/lang/Runnable;")})
	foo.SourceFile = b.GetAsciiString("Foo.java")

	objectInit := f.MethodIndex("Ljava/lang/Object;", "<init>", "()V")
	b.AddMethod(base, "<init>", "()V", dex.AccPublic|dex.AccConstructor,
		withOuts(1, b.NewCode(1, 1, Insns(
			Op35c(dex.OpInvokeDirect, objectInit, 0),
			Op10x(dex.OpReturnVoid),
		))))

	count := b.AddField(foo, "COUNT", "I", dex.AccPublic|dex.AccStatic|dex.AccFinal)
	b.AddField(foo, "name", "Ljava/lang/String;", dex.AccPublic)
	staticInit := f.Dex.AllocEncodedArray()
	v := f.Dex.AllocEncodedValue()
	v.Type = dex.EncodedInt
	v.Int = 42
	staticInit.Values = append(staticInit.Values, v)
	foo.StaticInit = staticInit

	baseInit := f.MethodIndex(BaseClass, "<init>", "()V")
	b.AddMethod(foo, "<init>", "()V", dex.AccPublic|dex.AccConstructor,
		withOuts(1, b.NewCode(1, 1, Insns(
			Op35c(dex.OpInvokeDirect, baseInit, 0),
			Op10x(dex.OpReturnVoid),
		))))

	// v0 local, v1 this, v2 x
	barCode := b.NewCode(3, 2, Insns(
		Op22b(dex.OpAddIntLit8, 0, 2, 1),
		Op11x(dex.OpReturn, 0),
	))
	barCode.DebugInfo = f.DebugInfo(10, []string{"x"}, []uint32{0, 2}, []int{10, 11})
	b.AddMethod(foo, "bar", "(I)I", dex.AccPublic, barCode)

	b.AddMethod(foo, "classify", "(I)I", dex.AccPublic,
		b.NewCode(3, 2, Insns(
			Op31t(dex.OpPackedSwitch, 2, 10), // 0
			Op11n(dex.OpConst4, 0, -1),       // 3
			Op11x(dex.OpReturn, 0),           // 4
			Op11n(dex.OpConst4, 0, 1),        // 5
			Op11x(dex.OpReturn, 0),           // 6
			Op11n(dex.OpConst4, 0, 2),        // 7
			Op11x(dex.OpReturn, 0),           // 8
			Op10x(dex.OpNop),                 // 9
			PackedSwitch(0, 5, 7),            // 10
		)))

	// v0 local, v1 this, v2 a, v3 b
	safeDiv := b.NewCode(4, 3, Insns(
		Op23x(dex.OpDivInt, 0, 2, 3),  // 0
		Op11x(dex.OpReturn, 0),        // 2
		Op11x(dex.OpMoveException, 0), // 3
		Op11n(dex.OpConst4, 0, 0),     // 4
		Op11x(dex.OpReturn, 0),        // 5
	))
	safeDiv.TryBlocks = []dex.TryBlock{{StartAddr: 0, InsnCount: 2, HandlerOff: 1}}
	handlers := dex.AppendULEB128(nil, 1)
	handlers = dex.AppendSLEB128(handlers, 1)
	handlers = dex.AppendULEB128(handlers, uint32(f.TypeIndex("Ljava/lang/ArithmeticException;")))
	handlers = dex.AppendULEB128(handlers, 3)
	safeDiv.CatchHandlers = handlers
	b.AddMethod(foo, "safeDiv", "(II)I", dex.AccPublic, safeDiv)

	bar := f.MethodIndex(FooClass, "bar", "(I)I")
	b.AddMethod(foo, "run", "()V", dex.AccPublic,
		withOuts(2, b.NewCode(2, 1, Insns(
			Op11n(dex.OpConst4, 0, 1),
			Op35c(dex.OpInvokeVirtual, bar, 1, 0),
			Op10x(dex.OpReturnVoid),
		))))

	// v0:v1 local, v2:v3 a, v4 b
	b.AddMethod(foo, "sum", "(JI)J", dex.AccPublic|dex.AccStatic,
		b.NewCode(5, 3, Insns(
			Op12x(dex.OpIntToLong, 0, 4),
			Op12x(dex.OpAddLong2addr, 0, 2),
			Op11x(dex.OpReturnWide, 0),
		)))

	b.AddMethod(foo, "greet", "(Ljava/lang/Object;)Ljava/lang/String;", dex.AccPublic|dex.AccStatic,
		b.NewCode(2, 1, Insns(
			Op21c(dex.OpConstString, 0, f.StringIndex("hi")),
			Op11x(dex.OpReturnObject, 0),
		)))

	// @Marker(value = "x", count = 42) on the class and on COUNT
	marker := f.Dex.AllocAnnotation()
	marker.Type = b.GetType("Lcom/example/Marker;")
	marker.Visibility = dex.VisibilityRuntime
	for _, e := range []struct {
		name  string
		value *ir.EncodedValue
	}{
		{"value", &ir.EncodedValue{Type: dex.EncodedString, String: b.GetAsciiString("x")}},
		{"count", &ir.EncodedValue{Type: dex.EncodedInt, Int: 42}},
	} {
		el := f.Dex.AllocAnnotationElement()
		el.Name = b.GetAsciiString(e.name)
		el.Value = e.value
		marker.Elements = append(marker.Elements, el)
	}
	set := f.Dex.AllocAnnotationSet()
	set.Annotations = []*ir.Annotation{marker}
	dir := f.Dex.AllocAnnotationsDirectory()
	dir.ClassAnnotation = set
	fa := f.Dex.AllocFieldAnnotation()
	fa.Field = count.Decl
	fa.Annotations = set
	dir.FieldAnnotations = []*ir.FieldAnnotation{fa}
	foo.Annotations = dir

	return f
}

// FooImage writes the standard fixture.
func FooImage(t testing.TB) []byte {
	t.Helper()
	return Foo().Image(t)
}
