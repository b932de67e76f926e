package ir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"slicer/dex"
)

func TestBuilderDedup(t *testing.T) {
	d := NewDexFile()
	b := NewBuilder(d)

	s1 := b.GetAsciiString("hello")
	s2 := b.GetAsciiString("hello")
	require.Same(t, s1, s2)
	require.NotSame(t, s1, b.GetAsciiString("world"))

	intType := b.GetType("I")
	require.Same(t, intType, b.GetType("I"))
	require.Same(t, b.GetAsciiString("I"), intType.Descriptor)

	objType := b.GetType("Ljava/lang/Object;")
	l1 := b.GetTypeList([]*Type{intType, objType})
	require.Same(t, l1, b.GetTypeList([]*Type{intType, objType}))
	require.NotSame(t, l1, b.GetTypeList([]*Type{objType, intType}))
	require.Nil(t, b.GetTypeList(nil))

	p1 := b.GetProto(b.GetType("V"), l1)
	require.Same(t, p1, b.GetProto(b.GetType("V"), l1))
	require.Equal(t, "VIL", p1.Shorty.String())
	require.Equal(t, "(ILjava/lang/Object;)V", p1.Signature())
	require.Same(t, p1, b.GetProtoFromSignature("(ILjava/lang/Object;)V"))
	require.Nil(t, b.GetProtoFromSignature("(I"))
	// a missing return type creates no nodes
	types := len(d.Types)
	require.Nil(t, b.GetProtoFromSignature("(I)"))
	require.Len(t, d.Types, types)
	require.Panics(t, func() { b.AddMethod(b.CreateClass("LBad;"), "m", "(I)", 0, nil) })

	foo := b.GetType("LFoo;")
	m1 := b.GetMethodDecl(b.GetAsciiString("bar"), p1, foo)
	require.Same(t, m1, b.GetMethodDecl(b.GetAsciiString("bar"), p1, foo))
	f1 := b.GetFieldDecl(b.GetAsciiString("x"), intType, foo)
	require.Same(t, f1, b.GetFieldDecl(b.GetAsciiString("x"), intType, foo))

	// no duplicate table entries
	seen := map[string]bool{}
	for _, s := range d.Strings {
		require.False(t, seen[s.String()], "duplicate %q", s.String())
		seen[s.String()] = true
	}
	require.Len(t, d.Methods, 1)
	require.Len(t, d.Fields, 1)

	// fresh indices are unique and registered
	for _, s := range d.Strings {
		require.Same(t, s, d.StringsMap[s.OrigIndex])
	}
}

func TestBuilderSeesNodesAddedByHand(t *testing.T) {
	d := NewDexFile()
	s := d.AllocString()
	s.Data = []byte("existing")
	s.OrigIndex = 0
	d.StringsMap[0] = s
	d.StringsIndexes.Reset(1)

	b := NewBuilder(d)
	require.Same(t, s, b.GetAsciiString("existing"))
	fresh := b.GetAsciiString("fresh")
	require.Equal(t, uint32(1), fresh.OrigIndex)
}

func TestIndexMap(t *testing.T) {
	var m IndexMap
	m.Reset(3)
	require.True(t, m.IsUsed(2))
	require.Equal(t, uint32(3), m.AllocateIndex())
	require.Equal(t, uint32(4), m.AllocateIndex())
	require.Panics(t, func() { m.MarkUsedIndex(1) })
	m.MarkUsedIndex(10)
	require.True(t, m.IsUsed(10))
	require.False(t, m.IsUsed(7))
}

func TestNormalize(t *testing.T) {
	d := NewDexFile()
	b := NewBuilder(d)

	child := b.CreateClass("LChild;")
	base := b.CreateClass("LBase;")
	child.SuperClass = base.Type
	b.AddMethod(child, "zeta", "()V", dex.AccPublic, nil)
	b.AddMethod(child, "alpha", "(I)V", dex.AccPublic, nil)

	d.Normalize()

	for i := 1; i < len(d.Strings); i++ {
		require.Negative(t, dex.CompareMUTF8(d.Strings[i-1].Data, d.Strings[i].Data))
	}
	for i, typ := range d.Types {
		require.Equal(t, uint32(i), typ.Index)
		if i > 0 {
			require.Less(t, d.Types[i-1].Descriptor.Index, typ.Descriptor.Index)
		}
	}
	require.Equal(t, []*Class{base, child}, d.Classes)
	require.Equal(t, "alpha", child.VirtualMethods[0].Decl.Name.String())
	require.Less(t, child.VirtualMethods[0].Decl.Index, child.VirtualMethods[1].Decl.Index)
}

func TestMethodId(t *testing.T) {
	d := NewDexFile()
	b := NewBuilder(d)
	foo := b.CreateClass("Lcom/example/Foo;")
	m := b.AddMethod(foo, "bar", "(ILjava/lang/String;)I", dex.AccPublic, nil)

	require.True(t, MethodId{"Lcom/example/Foo;", "bar", ""}.Match(m.Decl))
	require.True(t, MethodId{"Lcom/example/Foo;", "bar", "(ILjava/lang/String;)I"}.Match(m.Decl))
	require.False(t, MethodId{"Lcom/example/Foo;", "bar", "()I"}.Match(m.Decl))
	require.False(t, MethodId{"LFoo;", "bar", ""}.Match(m.Decl))

	require.Same(t, m, b.FindMethod(MethodId{"Lcom/example/Foo;", "bar", ""}))
	require.Nil(t, b.FindMethod(MethodId{"Lcom/example/Foo;", "baz", ""}))
	require.Nil(t, b.FindMethod(MethodId{"LMissing;", "bar", ""}))

	require.Equal(t, "int com.example.Foo.bar(int, java.lang.String)", m.Decl.PrettyName())
	require.Equal(t, "Lcom/example/Foo;->bar(ILjava/lang/String;)I", m.Decl.String())
}
