package writer

// Allocator provides the memory for a generated image. Hosts that must
// hand the image to a runtime allocate it there (JVMTI Allocate, a
// mapped file) and release it with Free when the image is no longer
// needed.
type Allocator interface {
	Allocate(size int) []byte
	Free(buf []byte)
}

// HeapAllocator allocates images on the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(size int) []byte {
	return make([]byte, size)
}

// Free is a no-op; the garbage collector reclaims heap images.
func (HeapAllocator) Free([]byte) {}
