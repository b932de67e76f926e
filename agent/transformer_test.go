package agent_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"slicer/agent"
	"slicer/dex"
	"slicer/instrument"
	"slicer/internal/dextest"
	"slicer/ir"
	"slicer/lir"
	"slicer/reader"
	"slicer/writer"
)

var (
	barId   = ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "bar", Signature: "(I)I"}
	onEntry = ir.MethodId{ClassDescriptor: "Lcom/example/Tracer;", MethodName: "onEntry"}
)

func entryHook(calls *atomic.Int32) agent.MethodTransform {
	return agent.MethodTransform{
		Method: barId,
		Make: func() []instrument.Transformation {
			calls.Add(1)
			return []instrument.Transformation{&instrument.EntryHook{Hook: onEntry}}
		},
	}
}

func firstOpcode(t *testing.T, image []byte, id ir.MethodId) dex.Opcode {
	t.Helper()
	r, err := reader.New(image)
	require.NoError(t, err)
	require.NoError(t, r.CreateFullIr())
	m := ir.NewBuilder(r.GetIr()).FindMethod(id)
	require.NotNil(t, m)
	c, err := lir.New(m, r.GetIr())
	require.NoError(t, err)
	return c.FirstBytecode().Opcode
}

func TestTransform(t *testing.T) {
	var calls atomic.Int32
	tr, err := agent.New(agent.Config{
		Transforms: map[string][]agent.MethodTransform{dextest.FooClass: {entryHook(&calls)}},
	})
	require.NoError(t, err)

	image := dextest.FooImage(t)
	out, ok := tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)
	require.True(t, dex.VerifyChecksums(out))
	require.Equal(t, dex.OpInvokeStaticRange, firstOpcode(t, out, barId))

	r, err := reader.New(out)
	require.NoError(t, err)
	// only the requested class is carried over
	require.Equal(t, uint32(1), r.ClassCount())

	// served from the cache the second time
	again, ok := tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)
	require.Equal(t, out, again)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, []string{dextest.FooClass}, tr.Transformed())

	_, ok = tr.Transform(dextest.BaseClass, image, writer.HeapAllocator{})
	require.False(t, ok)
}

func TestTransformFailures(t *testing.T) {
	tr, err := agent.New(agent.Config{CacheSize: 4})
	require.NoError(t, err)
	image := dextest.FooImage(t)

	tr.Register(dextest.FooClass, agent.MethodTransform{
		Method: ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "missing"},
		Make:   func() []instrument.Transformation { return nil },
	})
	out, ok := tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.False(t, ok)
	require.Nil(t, out)

	// malformed class data
	tr.Unregister(dextest.FooClass)
	var calls atomic.Int32
	tr.Register(dextest.FooClass, entryHook(&calls))
	_, ok = tr.Transform(dextest.FooClass, image[:0x40], writer.HeapAllocator{})
	require.False(t, ok)

	// the runtime could not provide the buffer
	_, ok = tr.Transform(dextest.FooClass, image, shortAllocator{})
	require.False(t, ok)
	require.Empty(t, tr.Transformed())

	// a class registered under another descriptor is not in the image
	tr.Register("Lcom/example/Other;", agent.MethodTransform{Method: barId, Make: func() []instrument.Transformation { return nil }})
	_, ok = tr.Transform("Lcom/example/Other;", image, writer.HeapAllocator{})
	require.False(t, ok)
}

func TestRegisterInvalidatesCache(t *testing.T) {
	var calls atomic.Int32
	tr, err := agent.New(agent.Config{})
	require.NoError(t, err)
	image := dextest.FooImage(t)

	tr.Register(dextest.FooClass, entryHook(&calls))
	_, ok := tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)

	tr.Register(dextest.FooClass, agent.MethodTransform{
		Method: ir.MethodId{ClassDescriptor: dextest.FooClass, MethodName: "run"},
		Make: func() []instrument.Transformation {
			return []instrument.Transformation{&instrument.ExitHook{Hook: ir.MethodId{ClassDescriptor: "Lcom/example/Tracer;", MethodName: "onExit"}}}
		},
	})
	_, ok = tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)
	require.Equal(t, int32(2), calls.Load())
}

// A Register landing while a result is built must not leave that
// result in the cache.
func TestRegisterDuringTransform(t *testing.T) {
	var calls atomic.Int32
	tr, err := agent.New(agent.Config{})
	require.NoError(t, err)
	image := dextest.FooImage(t)

	var once sync.Once
	tr.Register(dextest.FooClass, agent.MethodTransform{
		Method: barId,
		Make: func() []instrument.Transformation {
			calls.Add(1)
			once.Do(func() { tr.Register("Lcom/example/Other;", entryHook(&atomic.Int32{})) })
			return []instrument.Transformation{&instrument.EntryHook{Hook: onEntry}}
		},
	})

	first, ok := tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)
	again, ok := tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)
	require.Equal(t, first, again)
	require.Equal(t, int32(2), calls.Load())

	// nothing changed since, so the second result is cached
	_, ok = tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
	require.True(t, ok)
	require.Equal(t, int32(2), calls.Load())
}

func TestConcurrentTransform(t *testing.T) {
	var calls atomic.Int32
	tr, err := agent.New(agent.Config{
		Transforms: map[string][]agent.MethodTransform{dextest.FooClass: {entryHook(&calls)}},
	})
	require.NoError(t, err)
	image := dextest.FooImage(t)

	const workers = 8
	results := make([][]byte, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = tr.Transform(dextest.FooClass, image, writer.HeapAllocator{})
		}()
	}
	wg.Wait()
	for _, out := range results {
		require.Equal(t, results[0], out)
	}
	require.NotEmpty(t, results[0])
}

type shortAllocator struct{}

func (shortAllocator) Allocate(size int) []byte { return make([]byte, size-1) }

func (shortAllocator) Free([]byte) {}
