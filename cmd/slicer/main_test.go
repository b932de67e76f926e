package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"slicer/dex"
	"slicer/internal/dextest"
	"slicer/ir"
	"slicer/lir"
	"slicer/reader"
)

func writeFoo(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, dextest.FooImage(t), 0644))
	return path
}

func readMethod(t *testing.T, image []byte, id ir.MethodId) (*ir.DexFile, *ir.EncodedMethod) {
	t.Helper()
	require.True(t, dex.VerifyChecksums(image))
	r, err := reader.New(image)
	require.NoError(t, err)
	require.NoError(t, r.CreateFullIr())
	m := ir.NewBuilder(r.GetIr()).FindMethod(id)
	require.NotNil(t, m, id.String())
	return r.GetIr(), m
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	return newApp().Run(append([]string{"slicer"}, args...))
}

var barId = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "bar", Signature: "(I)I"}

func TestParseMethodRef(t *testing.T) {
	id, err := parseMethodRef("Lcom/example/Foo;->bar(I)I")
	require.NoError(t, err)
	require.Equal(t, barId, id)

	id, err = parseMethodRef("Lcom/example/Tracer;->onEntry")
	require.NoError(t, err)
	require.Equal(t, ir.MethodId{ClassDescriptor: "Lcom/example/Tracer;", MethodName: "onEntry"}, id)

	for _, bad := range []string{"", "bar", "Lcom/Foo;->", "com/Foo->bar", "Lcom/Foo;->(I)V"} {
		_, err := parseMethodRef(bad)
		require.Error(t, err, bad)
	}

	_, err = parseHooks([]string{"Lcom/example/Tracer;->onEntry(I)V"})
	require.Error(t, err)

	detours, err := parseDetours([]string{"Ljava/lang/Runnable;->run()V=Lcom/example/D;->run"})
	require.NoError(t, err)
	require.Len(t, detours, 1)
	require.Equal(t, "run", detours[0][1].MethodName)
	_, err = parseDetours([]string{"Ljava/lang/Runnable;->run()V"})
	require.Error(t, err)
}

func TestCodeHex(t *testing.T) {
	insns := []uint16{0x0112, 0x000f, 0xabcd}
	require.Equal(t, "12010f00cdab", codeHex(insns))

	back, err := parseCodeHex(codeHex(insns))
	require.NoError(t, err)
	require.Equal(t, insns, back)

	_, err = parseCodeHex("120")
	require.Error(t, err)
	_, err = parseCodeHex("zz")
	require.Error(t, err)
}

func TestPatchDex(t *testing.T) {
	image := dextest.FooImage(t)
	d, bar := readMethod(t, image, barId)
	classify := ir.NewBuilder(d).FindMethod(ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "classify"})
	require.NotNil(t, classify)

	patched := dextest.Insns(
		dextest.Op22b(dex.OpAddIntLit8, 0, 2, 7),
		dextest.Op11x(dex.OpReturn, 0),
	)
	records := []MethodCodeRecord{
		{Name: bar.Decl.PrettyName(), MethodIdx: bar.Decl.OrigIndex, CodeHex: codeHex(patched)},
		{Name: "short", MethodIdx: classify.Decl.OrigIndex, CodeHex: codeHex(classify.Code.Instructions[:1])},
		{Name: "missing", MethodIdx: 9999, CodeHex: "0e00"},
		{Name: "garbage", MethodIdx: bar.Decl.OrigIndex, CodeHex: "zz"},
	}

	out, st, err := patchDex(image, records)
	require.NoError(t, err)
	require.Equal(t, patchStats{applied: 2, skipped: 2, mismatched: 1}, st)

	_, bar = readMethod(t, out, barId)
	if diff := cmp.Diff(patched, bar.Code.Instructions); diff != "" {
		t.Errorf("patched bar (-want +got):\n%s", diff)
	}
	// the line table survives
	require.NotNil(t, bar.Code.DebugInfo)
}

func TestInstrumentCommand(t *testing.T) {
	dir := t.TempDir()
	input := writeFoo(t, dir, "foo.dex")
	output := filepath.Join(dir, "out.dex")

	require.NoError(t, run(t, "instrument",
		"--input", input,
		"--class", dextest.FooClass,
		"--method", "bar",
		"--signature", "(I)I",
		"--entry", "Lcom/example/Tracer;->onEntry",
		"--exit", "Lcom/example/Tracer;->onExit",
		"--output", output,
	))

	image, err := os.ReadFile(output)
	require.NoError(t, err)
	d, bar := readMethod(t, image, barId)
	c, err := lir.New(bar, d)
	require.NoError(t, err)
	require.Equal(t, dex.OpInvokeStaticRange, c.FirstBytecode().Opcode)

	var hooks []string
	for _, m := range d.Methods {
		if m.Parent.String() == "Lcom/example/Tracer;" {
			hooks = append(hooks, m.String())
		}
	}
	require.ElementsMatch(t, []string{
		"Lcom/example/Tracer;->onEntry(Lcom/example/Foo;I)V",
		"Lcom/example/Tracer;->onExit(I)I",
	}, hooks)

	err = run(t, "instrument", "--input", input, "--class", "Lcom/example/Missing;",
		"--method", "bar", "--entry", "Lcom/example/Tracer;->onEntry", "--output", output)
	require.ErrorContains(t, err, "not found")

	err = run(t, "instrument", "--input", input, "--class", dextest.FooClass,
		"--method", "bar", "--output", output)
	require.ErrorContains(t, err, "nothing to apply")

	err = run(t, "instrument", "--input", input, "--class", dextest.FooClass,
		"--method", "bar", "--exit", "Lcom/example/Tracer;->onExit", "--return-as-object", "--output", output)
	require.ErrorContains(t, err, "reference return type")
}

func TestDumpCommand(t *testing.T) {
	dir := t.TempDir()
	input := writeFoo(t, dir, "foo.dex")

	records := filepath.Join(dir, "code.json")
	require.NoError(t, run(t, "dump", "--input", input, "--class", dextest.FooClass, "--json", "--output", records))
	recs, err := readRecords(records)
	require.NoError(t, err)

	_, bar := readMethod(t, dextest.FooImage(t), barId)
	var found bool
	for _, rec := range recs {
		require.NotEmpty(t, rec.CodeHex, rec.Name)
		if strings.Contains(rec.Name, ".bar(") {
			found = true
			require.Equal(t, codeHex(bar.Code.Instructions), rec.CodeHex)
		}
	}
	require.True(t, found)

	listing := filepath.Join(dir, "listing.txt")
	require.NoError(t, run(t, "dump", "--input", input, "--method", "bar", "--output", listing))
	text, err := os.ReadFile(listing)
	require.NoError(t, err)
	require.Contains(t, string(text), "add-int/lit8")
	require.NotContains(t, string(text), "\x1b[")
}

func TestRewriteCommand(t *testing.T) {
	dir := t.TempDir()
	writeFoo(t, dir, "a.dex")
	b := writeFoo(t, dir, "b.dex")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.dex"), []byte("not a dex"), 0644))

	// b gets a patched bar
	_, bar := readMethod(t, dextest.FooImage(t), barId)
	patched := dextest.Insns(dextest.Op22b(dex.OpAddIntLit8, 0, 2, 3), dextest.Op11x(dex.OpReturn, 0))
	js, err := json.Marshal([]MethodCodeRecord{{Name: "bar", MethodIdx: bar.Decl.OrigIndex, CodeHex: codeHex(patched)}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(strings.TrimSuffix(b, ".dex")+"_code.json", js, 0644))

	err = run(t, "rewrite", "--dir", dir, "--jobs", "2")
	require.ErrorContains(t, err, "1 rewrites failed")

	a, err := os.ReadFile(filepath.Join(dir, fixDirName, "a_fix.dex"))
	require.NoError(t, err)
	_, got := readMethod(t, a, barId)
	require.Equal(t, bar.Code.Instructions, got.Code.Instructions)

	bImage, err := os.ReadFile(filepath.Join(dir, fixDirName, "b_fix.dex"))
	require.NoError(t, err)
	_, got = readMethod(t, bImage, barId)
	require.Equal(t, patched, got.Code.Instructions)

	// output of an earlier run is not picked up again
	paths, err := scanDexFiles(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
}
