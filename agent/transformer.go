// Package agent holds the class transform registry of an in-process
// instrumentation agent: which methods of which classes get which
// transformations, applied when the runtime hands over a class image.
package agent

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/emirpasic/gods/sets/linkedhashset"
	lru "github.com/elastic/go-freelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"slicer/dex"
	"slicer/instrument"
	"slicer/ir"
	"slicer/reader"
	"slicer/writer"
)

const DefaultCacheSize = 256

// MethodTransform names a method and the transformations to apply to
// it. Make is called once per instrumentation run, since
// transformations carry state.
type MethodTransform struct {
	Method ir.MethodId
	Make   func() []instrument.Transformation
}

// Config is the initial registry, keyed by class descriptor.
type Config struct {
	Transforms map[string][]MethodTransform
	// CacheSize bounds the number of cached results; 0 means
	// DefaultCacheSize.
	CacheSize uint32
}

// cacheKey carries the registry generation the result was built
// against, so a result finished after a Register or Unregister is
// never served.
type cacheKey struct {
	descriptor string
	checksum   uint32
	generation uint64
}

func (k cacheKey) hash32() uint32 {
	h := fnv.New32a()
	h.Write([]byte(k.descriptor))
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], k.checksum)
	binary.LittleEndian.PutUint64(buf[4:], k.generation)
	h.Write(buf[:])
	return h.Sum32()
}

// Transformer rewrites class images on load. It is safe for concurrent
// use; every call works on its own IR.
type Transformer struct {
	mu          sync.RWMutex
	transforms  map[string][]MethodTransform
	transformed *linkedhashset.Set
	generation  uint64

	cache *lru.SyncedLRU[cacheKey, []byte]
}

func New(cfg Config) (*Transformer, error) {
	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.NewSynced[cacheKey, []byte](size, cacheKey.hash32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transform cache")
	}

	t := &Transformer{
		transforms:  make(map[string][]MethodTransform),
		transformed: linkedhashset.New(),
		cache:       cache,
	}
	for descriptor, mts := range cfg.Transforms {
		t.transforms[descriptor] = append([]MethodTransform(nil), mts...)
	}
	return t, nil
}

// Register adds method transforms for a class. Cached results are
// dropped since they no longer match the registry.
func (t *Transformer) Register(descriptor string, mts ...MethodTransform) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transforms[descriptor] = append(t.transforms[descriptor], mts...)
	t.generation++
	t.cache.Purge()
}

// Unregister removes every transform of a class.
func (t *Transformer) Unregister(descriptor string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.transforms, descriptor)
	t.generation++
	t.cache.Purge()
}

// Transformed returns the classes transformed so far, in the order
// they were first transformed.
func (t *Transformer) Transformed() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, v := range t.transformed.Values() {
		out = append(out, v.(string))
	}
	return out
}

// Transform follows the ClassFileLoadHook contract: it returns the
// rewritten image allocated from alloc and true, or nil and false when
// the class is not registered or anything fails, in which case the
// runtime keeps the original bytes.
func (t *Transformer) Transform(descriptor string, classData []byte, alloc writer.Allocator) ([]byte, bool) {
	t.mu.RLock()
	mts := t.transforms[descriptor]
	generation := t.generation
	t.mu.RUnlock()
	if len(mts) == 0 {
		return nil, false
	}

	r, err := reader.New(classData)
	if err != nil {
		log.Warnf("transform %s: %v", descriptor, err)
		return nil, false
	}
	key := cacheKey{descriptor: descriptor, checksum: r.Header().Checksum, generation: generation}
	image, ok := t.cache.Get(key)
	if !ok {
		image, err = instrumentClass(r, descriptor, mts)
		if err != nil {
			log.Warnf("transform %s: %v", descriptor, err)
			return nil, false
		}
		t.cache.Add(key, image)
	}

	out := alloc.Allocate(len(image))
	if len(out) < len(image) {
		alloc.Free(out)
		log.Warnf("transform %s: allocator returned %d bytes, need %d", descriptor, len(out), len(image))
		return nil, false
	}
	out = out[:copy(out, image)]

	t.mu.Lock()
	t.transformed.Add(descriptor)
	t.mu.Unlock()
	log.Debugf("transformed %s: %d -> %d bytes", descriptor, len(classData), len(out))
	return out, true
}

func instrumentClass(r *reader.Reader, descriptor string, mts []MethodTransform) ([]byte, error) {
	index := r.FindClassIndex(descriptor)
	if index == dex.NoIndex {
		return nil, errors.Errorf("class %s not in image", descriptor)
	}
	if err := r.CreateClassIr(index); err != nil {
		return nil, err
	}
	d := r.GetIr()
	for _, mt := range mts {
		mi := instrument.New(d)
		for _, tr := range mt.Make() {
			mi.AddTransformation(tr)
		}
		if !mi.InstrumentMethod(mt.Method) {
			return nil, errors.Wrapf(mi.Err(), "failed to instrument %s", mt.Method)
		}
	}
	return writer.New(d).CreateImage(writer.HeapAllocator{})
}
