package instrument_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"slicer/dex"
	"slicer/instrument"
	"slicer/internal/dextest"
	"slicer/ir"
	"slicer/lir"
	"slicer/reader"
	"slicer/writer"
)

const (
	tracerClass = "Lcom/example/Tracer;"
	calcClass   = "Lcom/example/Calc;"
)

var (
	barId     = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "bar", Signature: "(I)I"}
	classify  = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "classify"}
	safeDivId = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "safeDiv"}
	runId     = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "run"}
	sumId     = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "sum"}
	greetId   = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "greet"}
	divideId  = ir.MethodId{ClassDescriptor: calcClass, MethodName: "divide"}
	answerId  = ir.MethodId{ClassDescriptor: calcClass, MethodName: "answer"}
	runItId   = ir.MethodId{ClassDescriptor: calcClass, MethodName: "runIt"}

	onEntry = ir.MethodId{ClassDescriptor: tracerClass, MethodName: "onEntry"}
	onExit  = ir.MethodId{ClassDescriptor: tracerClass, MethodName: "onExit"}
)

func readIr(t *testing.T, image []byte) *ir.DexFile {
	t.Helper()
	r, err := reader.New(image)
	require.NoError(t, err)
	require.NoError(t, r.CreateFullIr())
	return r.GetIr()
}

// rewrite writes d and reads the result back.
func rewrite(t *testing.T, d *ir.DexFile) *ir.DexFile {
	t.Helper()
	image, err := writer.New(d).CreateImage(writer.HeapAllocator{})
	require.NoError(t, err)
	require.True(t, dex.VerifyChecksums(image))
	return readIr(t, image)
}

func fooIr(t *testing.T) *ir.DexFile {
	return readIr(t, dextest.FooImage(t))
}

// calcIr builds a class with static helpers:
//
//	static int divide(int a, int b) { return a / b; }
//	static int answer()             { return 42; }
//	static void runIt(Runnable r)   { r.run(); }
//	abstract void abs();
func calcIr(t *testing.T) *ir.DexFile {
	f := dextest.New()
	b := f.Builder
	calc := b.CreateClass(calcClass)
	calc.AccessFlags |= dex.AccAbstract

	b.AddMethod(calc, "divide", "(II)I", dex.AccPublic|dex.AccStatic,
		b.NewCode(3, 2, dextest.Insns(
			dextest.Op23x(dex.OpDivInt, 0, 1, 2),
			dextest.Op11x(dex.OpReturn, 0),
		)))
	b.AddMethod(calc, "answer", "()I", dex.AccPublic|dex.AccStatic,
		b.NewCode(1, 0, dextest.Insns(
			dextest.Op21s(dex.OpConst16, 0, 42),
			dextest.Op11x(dex.OpReturn, 0),
		)))
	run := f.MethodIndex("Ljava/lang/Runnable;", "run", "()V")
	runIt := b.NewCode(1, 1, dextest.Insns(
		dextest.Op35c(dex.OpInvokeInterface, run, 0),
		dextest.Op10x(dex.OpReturnVoid),
	))
	runIt.OutsCount = 1
	b.AddMethod(calc, "runIt", "(Ljava/lang/Runnable;)V", dex.AccPublic|dex.AccStatic, runIt)
	b.AddMethod(calc, "abs", "()V", dex.AccPublic|dex.AccAbstract, nil)
	return readIr(t, f.Image(t))
}

func instrumentMethod(t *testing.T, d *ir.DexFile, id ir.MethodId, ts ...instrument.Transformation) {
	t.Helper()
	mi := instrument.New(d)
	for _, tr := range ts {
		mi.AddTransformation(tr)
	}
	require.True(t, mi.InstrumentMethod(id), "%v", mi.Err())
	require.NoError(t, mi.Err())
}

func opcodes(t *testing.T, d *ir.DexFile, id ir.MethodId) []string {
	t.Helper()
	c, err := lir.New(ir.NewBuilder(d).FindMethod(id), d)
	require.NoError(t, err)
	var ops []string
	for _, bc := range c.Bytecodes() {
		ops = append(ops, bc.Opcode.String())
	}
	return ops
}

func TestEntryAndExitHooks(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, barId,
		&instrument.EntryHook{Hook: onEntry},
		&instrument.ExitHook{Hook: onExit})
	out := rewrite(t, d)

	want := []string{"invoke-static/range", "add-int/lit8", "invoke-static/range", "move-result", "return"}
	require.Empty(t, cmp.Diff(want, opcodes(t, out, barId)))
	bar := ir.NewBuilder(out).FindMethod(barId)
	require.Equal(t, uint16(3), bar.Code.Registers)
	require.Equal(t, uint16(2), bar.Code.OutsCount)

	m := newVM(t, out)
	var entryArgs, exitArgs []any
	m.natives["Lcom/example/Tracer;->onEntry(Lcom/example/Foo;I)V"] = func(args []any) (any, *throwable) {
		m.trace = append(m.trace, "onEntry")
		entryArgs = args
		return nil, nil
	}
	m.natives["Lcom/example/Tracer;->onExit(I)I"] = func(args []any) (any, *throwable) {
		m.trace = append(m.trace, "onExit")
		exitArgs = args
		return args[0], nil
	}

	this := &object{class: dextest.FooClass}
	ret, thrown := m.invoke(barId, this, int32(5))
	require.Nil(t, thrown)
	require.Equal(t, int32(6), ret)
	require.Equal(t, []string{"onEntry", "onExit"}, m.trace)
	require.Equal(t, []any{this, int32(5)}, entryArgs)
	require.Equal(t, []any{int32(6)}, exitArgs)
}

func TestExitHookReplacesResult(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, barId, &instrument.ExitHook{Hook: onExit})
	m := newVM(t, rewrite(t, d))
	m.on("Lcom/example/Tracer;->onExit(I)I", int32(100))

	ret, thrown := m.invoke(barId, &object{class: dextest.FooClass}, int32(5))
	require.Nil(t, thrown)
	require.Equal(t, int32(100), ret)
}

func TestExitHookEveryReturn(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, classify, &instrument.ExitHook{Hook: onExit})
	out := rewrite(t, d)

	for x, want := range map[int32]int32{0: 1, 1: 2, 7: -1} {
		m := newVM(t, out)
		m.on("Lcom/example/Tracer;->onExit(I)I", nil)
		ret, thrown := m.invoke(classify, &object{class: dextest.FooClass}, x)
		require.Nil(t, thrown)
		require.Equal(t, want, ret, "classify(%d)", x)
		require.Len(t, m.trace, 1, "classify(%d)", x)
	}
}

func TestExitHookVoid(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, runId, &instrument.ExitHook{Hook: onExit})
	m := newVM(t, rewrite(t, d))
	m.on("Lcom/example/Tracer;->onExit()V", nil)

	_, thrown := m.invoke(runId, &object{class: dextest.FooClass})
	require.Nil(t, thrown)
	require.Equal(t, []string{"Lcom/example/Tracer;->onExit()V"}, m.trace)
}

func TestExitReturnAsObject(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, greetId, &instrument.ExitHook{Hook: onExit, Tweak: instrument.ExitReturnAsObject})
	out := rewrite(t, d)
	require.Equal(t, []string{"const-string", "invoke-static/range", "move-result-object", "check-cast", "return-object"},
		opcodes(t, out, greetId))

	m := newVM(t, out)
	m.on("Lcom/example/Tracer;->onExit(Ljava/lang/Object;)Ljava/lang/Object;", "bye")
	ret, thrown := m.invoke(greetId, nil)
	require.Nil(t, thrown)
	require.Equal(t, "bye", ret)

	// primitive returns cannot be passed as Object
	mi := instrument.New(fooIr(t))
	mi.AddTransformation(&instrument.ExitHook{Hook: onExit, Tweak: instrument.ExitReturnAsObject})
	require.False(t, mi.InstrumentMethod(barId))
	require.ErrorContains(t, mi.Err(), "reference return type")
}

func TestExitCatchExceptions(t *testing.T) {
	t.Run("caught inside", func(t *testing.T) {
		d := fooIr(t)
		instrumentMethod(t, d, safeDivId, &instrument.ExitHook{Hook: onExit, Tweak: instrument.ExitCatchExceptions})
		out := rewrite(t, d)

		for _, tt := range []struct{ a, b, want int32 }{{6, 3, 2}, {6, 0, 0}} {
			m := newVM(t, out)
			m.on("Lcom/example/Tracer;->onExit(I)I", nil)
			ret, thrown := m.invoke(safeDivId, &object{class: dextest.FooClass}, tt.a, tt.b)
			require.Nil(t, thrown)
			require.Equal(t, tt.want, ret)
			require.Len(t, m.trace, 1)
		}
	})

	t.Run("escaping", func(t *testing.T) {
		d := calcIr(t)
		instrumentMethod(t, d, divideId, &instrument.ExitHook{Hook: onExit, Tweak: instrument.ExitCatchExceptions})
		out := rewrite(t, d)
		require.Equal(t, uint16(6), ir.NewBuilder(out).FindMethod(divideId).Code.Registers)

		m := newVM(t, out)
		var exitArgs []any
		m.natives["Lcom/example/Tracer;->onExit(I)I"] = func(args []any) (any, *throwable) {
			exitArgs = append(exitArgs, args[0])
			return args[0], nil
		}
		ret, thrown := m.invoke(divideId, int32(6), int32(3))
		require.Nil(t, thrown)
		require.Equal(t, int32(2), ret)

		_, thrown = m.invoke(divideId, int32(1), int32(0))
		require.NotNil(t, thrown)
		require.Equal(t, "Ljava/lang/ArithmeticException;", thrown.class)
		// normal exit with 2, then the placeholder on the exceptional one
		require.Equal(t, []any{int32(2), int32(0)}, exitArgs)
	})
}

func TestRedirectAllExceptions(t *testing.T) {
	d := fooIr(t)
	method := ir.NewBuilder(d).FindMethod(safeDivId)
	c, err := lir.New(method, d)
	require.NoError(t, err)

	handler := c.NewLabel()
	instrument.RedirectAllExceptions(c, handler)
	c.Instructions.PushBack(handler)
	c.Instructions.PushBack(&lir.Bytecode{Opcode: dex.OpMoveException, Operands: []lir.Operand{&lir.VReg{Reg: 0}}})
	c.Instructions.PushBack(&lir.Bytecode{Opcode: dex.OpThrow, Operands: []lir.Operand{&lir.VReg{Reg: 0}}})
	require.NoError(t, c.Assemble())

	// the original code is [0, 6), the handler follows
	code := method.Code
	require.Len(t, code.Instructions, 8)
	covered := make([]int, len(code.Instructions))
	for _, tb := range code.TryBlocks {
		for a := tb.StartAddr; a < tb.StartAddr+uint32(tb.InsnCount); a++ {
			covered[a]++
		}
	}
	require.Equal(t, []int{1, 1, 1, 1, 1, 1, 0, 0}, covered)

	c, err = lir.New(method, d)
	require.NoError(t, err)
	var ends []*lir.TryBlockEnd
	for i := range c.Instructions.All() {
		if end, ok := i.(*lir.TryBlockEnd); ok {
			ends = append(ends, end)
		}
	}
	require.Len(t, ends, 2)
	// the typed handler survives in front of the catch-all
	require.Len(t, ends[0].Handlers, 1)
	require.Equal(t, "Ljava/lang/ArithmeticException;", ends[0].Handlers[0].IrType.String())
	for _, end := range ends {
		require.NotNil(t, end.CatchAll)
		require.Equal(t, uint32(6), lir.OffsetOf(end.CatchAll))
	}
}

func TestEntryHookOrder(t *testing.T) {
	d := fooIr(t)
	first := ir.MethodId{ClassDescriptor: tracerClass, MethodName: "first"}
	second := ir.MethodId{ClassDescriptor: tracerClass, MethodName: "second"}
	instrumentMethod(t, d, barId, &instrument.EntryHook{Hook: first}, &instrument.EntryHook{Hook: second})

	m := newVM(t, rewrite(t, d))
	m.on("Lcom/example/Tracer;->first(Lcom/example/Foo;I)V", nil)
	m.on("Lcom/example/Tracer;->second(Lcom/example/Foo;I)V", nil)
	ret, thrown := m.invoke(barId, &object{class: dextest.FooClass}, int32(1))
	require.Nil(t, thrown)
	require.Equal(t, int32(2), ret)
	require.Equal(t, []string{
		"Lcom/example/Tracer;->second(Lcom/example/Foo;I)V",
		"Lcom/example/Tracer;->first(Lcom/example/Foo;I)V",
	}, m.trace)
}

func TestEntryThisAsObject(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, barId, &instrument.EntryHook{Hook: onEntry, Tweak: instrument.EntryThisAsObject})
	m := newVM(t, rewrite(t, d))
	m.on("Lcom/example/Tracer;->onEntry(Ljava/lang/Object;I)V", nil)

	_, thrown := m.invoke(barId, &object{class: dextest.FooClass}, int32(1))
	require.Nil(t, thrown)
	require.Len(t, m.trace, 1)
}

func TestEntryArrayParams(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, sumId, &instrument.EntryHook{Hook: onEntry, Tweak: instrument.EntryArrayParams})
	out := rewrite(t, d)
	// two locals were not enough for the array code
	require.Equal(t, uint16(6), ir.NewBuilder(out).FindMethod(sumId).Code.Registers)

	m := newVM(t, out)
	var packed []any
	m.natives["Lcom/example/Tracer;->onEntry([Ljava/lang/Object;)V"] = func(args []any) (any, *throwable) {
		packed = args[0].([]any)
		return nil, nil
	}
	ret, thrown := m.invoke(sumId, int64(10), int32(5))
	require.Nil(t, thrown)
	require.Equal(t, int64(15), ret)
	require.Equal(t, []any{
		&boxed{class: "Ljava/lang/Long;", value: int64(10)},
		&boxed{class: "Ljava/lang/Integer;", value: int32(5)},
	}, packed)
}

func TestAllocateScratchRegs(t *testing.T) {
	d := fooIr(t)
	method := ir.NewBuilder(d).FindMethod(barId)
	c, err := lir.New(method, d)
	require.NoError(t, err)

	alloc := &instrument.AllocateScratchRegs{Count: 2}
	require.True(t, alloc.Apply(c))
	require.Equal(t, []uint32{3, 4}, alloc.ScratchRegs())
	require.Equal(t, 5, c.Registers())

	bcs := c.Bytecodes()
	require.Equal(t, "move-object/16 v1, v3", bcs[0].Opcode.String()+" "+bcs[0].Operands[0].String()+", "+bcs[0].Operands[1].String())
	require.Equal(t, "move/16 v2, v4", bcs[1].Opcode.String()+" "+bcs[1].Operands[0].String()+", "+bcs[1].Operands[1].String())
	require.NoError(t, c.Assemble())

	m := newVM(t, rewrite(t, d))
	ret, thrown := m.invoke(barId, &object{class: dextest.FooClass}, int32(5))
	require.Nil(t, thrown)
	require.Equal(t, int32(6), ret)

	// without arguments nothing needs to move
	d = calcIr(t)
	method = ir.NewBuilder(d).FindMethod(answerId)
	c, err = lir.New(method, d)
	require.NoError(t, err)
	alloc = &instrument.AllocateScratchRegs{Count: 2}
	require.True(t, alloc.Apply(c))
	require.Equal(t, []uint32{1, 2}, alloc.ScratchRegs())
	require.Len(t, c.Bytecodes(), 2)
}

func TestDetourVirtualInvoke(t *testing.T) {
	d := fooIr(t)
	instrumentMethod(t, d, runId, &instrument.DetourVirtualInvoke{
		Original: barId,
		Detour:   ir.MethodId{ClassDescriptor: tracerClass, MethodName: "bar"},
	})
	out := rewrite(t, d)
	require.Equal(t, []string{"const/4", "invoke-static", "return-void"}, opcodes(t, out, runId))

	m := newVM(t, out)
	this := &object{class: dextest.FooClass}
	var detourArgs []any
	m.natives["Lcom/example/Tracer;->bar(Lcom/example/Foo;I)I"] = func(args []any) (any, *throwable) {
		detourArgs = args
		return int32(0), nil
	}
	_, thrown := m.invoke(runId, this)
	require.Nil(t, thrown)
	require.Equal(t, []any{this, int32(1)}, detourArgs)
}

func TestDetourInterfaceInvoke(t *testing.T) {
	d := calcIr(t)
	instrumentMethod(t, d, runItId, &instrument.DetourInterfaceInvoke{
		Original: ir.MethodId{ClassDescriptor: "Ljava/lang/Runnable;", MethodName: "run"},
		Detour:   ir.MethodId{ClassDescriptor: tracerClass, MethodName: "run"},
	})
	m := newVM(t, rewrite(t, d))
	m.on("Lcom/example/Tracer;->run(Ljava/lang/Runnable;)V", nil)

	_, thrown := m.invoke(runItId, &object{class: "Ljava/lang/Thread;"})
	require.Nil(t, thrown)
	require.Len(t, m.trace, 1)
}

func TestHookToStub(t *testing.T) {
	const (
		shouldInterpret = "Lcom/example/Runtime;->shouldInterpret(Ljava/lang/String;Ljava/lang/String;Ljava/lang/String;)Z"
		stubI           = "Lcom/example/Runtime;->invokeI(Ljava/lang/String;Ljava/lang/String;Ljava/lang/String;[Ljava/lang/Object;)I"
		stubL           = "Lcom/example/Runtime;->invokeL(Ljava/lang/String;Ljava/lang/String;Ljava/lang/String;[Ljava/lang/Object;)Ljava/lang/Object;"
	)
	hook := func() *instrument.HookToStub {
		return &instrument.HookToStub{
			ShouldInterpret: ir.MethodId{ClassDescriptor: "Lcom/example/Runtime;", MethodName: "shouldInterpret"},
			Stub:            ir.MethodId{ClassDescriptor: "Lcom/example/Runtime;", MethodName: "invoke"},
		}
	}

	d := fooIr(t)
	instrumentMethod(t, d, barId, hook())
	instrumentMethod(t, d, greetId, hook())
	out := rewrite(t, d)

	for _, interpret := range []bool{false, true} {
		m := newVM(t, out)
		var stubArgs []any
		m.natives[shouldInterpret] = func(args []any) (any, *throwable) {
			return interpret, nil
		}
		m.natives[stubI] = func(args []any) (any, *throwable) {
			stubArgs = args
			return int32(42), nil
		}
		m.natives[stubL] = func(args []any) (any, *throwable) {
			stubArgs = args
			return "stubbed", nil
		}

		this := &object{class: dextest.FooClass}
		ret, thrown := m.invoke(barId, this, int32(5))
		require.Nil(t, thrown)
		if !interpret {
			require.Equal(t, int32(6), ret)
			require.Nil(t, stubArgs)
			continue
		}
		require.Equal(t, int32(42), ret)
		require.Equal(t, []any{
			dextest.FooClass, "bar", "(I)I",
			[]any{this, &boxed{class: "Ljava/lang/Integer;", value: int32(5)}},
		}, stubArgs)

		ret, thrown = m.invoke(greetId, "arg")
		require.Nil(t, thrown)
		require.Equal(t, "stubbed", ret)
		require.Equal(t, []any{dextest.FooClass, "greet", "(Ljava/lang/Object;)Ljava/lang/String;", []any{"arg"}}, stubArgs)
	}
}

func TestHookToStubConstructor(t *testing.T) {
	d := fooIr(t)
	initId := ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "<init>"}
	ctor := ir.NewBuilder(d).FindMethod(initId)
	require.NotNil(t, ctor)
	insns := append([]uint16(nil), ctor.Code.Instructions...)

	mi := instrument.New(d)
	mi.AddTransformation(&instrument.HookToStub{
		ShouldInterpret: ir.MethodId{ClassDescriptor: "Lcom/example/Runtime;", MethodName: "shouldInterpret"},
		Stub:            ir.MethodId{ClassDescriptor: "Lcom/example/Runtime;", MethodName: "invoke"},
	})
	require.False(t, mi.InstrumentMethod(initId))
	require.ErrorContains(t, mi.Err(), "constructors")
	require.Equal(t, insns, ctor.Code.Instructions)
}

func TestInstrumentFailures(t *testing.T) {
	d := fooIr(t)
	methods := len(d.Methods)

	mi := instrument.New(d)
	mi.AddTransformation(&instrument.EntryHook{Hook: onEntry})
	require.False(t, mi.InstrumentMethod(ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "missing"}))
	require.ErrorContains(t, mi.Err(), "not found")
	require.Len(t, d.Methods, methods)

	require.True(t, mi.InstrumentMethod(barId))
	require.NoError(t, mi.Err())

	// hooks derive their signature from the instrumented method
	mi = instrument.New(d)
	mi.AddTransformation(&instrument.EntryHook{Hook: ir.MethodId{ClassDescriptor: tracerClass, MethodName: "onEntry", Signature: "(I)V"}})
	require.False(t, mi.InstrumentMethod(barId))
	require.ErrorContains(t, mi.Err(), "must not specify a signature")

	c := calcIr(t)
	mi = instrument.New(c)
	mi.AddTransformation(&instrument.EntryHook{Hook: onEntry})
	require.False(t, mi.InstrumentMethod(ir.MethodId{ClassDescriptor: calcClass, MethodName: "abs"}))
	require.ErrorContains(t, mi.Err(), "no code")
}

func TestPartialFailureKeepsDeclarations(t *testing.T) {
	d := fooIr(t)
	bar := ir.NewBuilder(d).FindMethod(barId)
	before := append([]uint16(nil), bar.Code.Instructions...)
	methods := len(d.Methods)

	mi := instrument.New(d)
	mi.AddTransformation(&instrument.EntryHook{Hook: onEntry})
	mi.AddTransformation(&instrument.ExitHook{Hook: onExit, Tweak: instrument.ExitReturnAsObject})
	require.False(t, mi.InstrumentMethod(barId))
	require.ErrorContains(t, mi.Err(), "reference return type")

	require.Equal(t, before, bar.Code.Instructions)
	require.Len(t, d.Methods, methods+1)
	require.Equal(t, "Lcom/example/Tracer;->onEntry(Lcom/example/Foo;I)V", d.Methods[methods].String())
}
