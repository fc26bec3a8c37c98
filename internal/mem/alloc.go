// Package mem provides memory allocation utilities.
package mem

import (
	"unsafe"
)

// DefaultAlignment is the default byte alignment for host-side column
// buffers. DMA engines typically require at least 32-byte alignment;
// 64 also satisfies AVX-512 loads used by host-side post-processing.
const DefaultAlignment = 64

// AllocAligned allocates a byte slice of the given size whose first byte
// starts at a memory address divisible by align. align must be a power of
// two; if align <= 0, DefaultAlignment is used.
//
// Note: This function allocates slightly more memory than requested to
// ensure alignment. The underlying array is kept alive by the returned
// slice.
func AllocAligned(size, align int) []byte {
	if size == 0 {
		return nil
	}
	if align <= 0 {
		align = DefaultAlignment
	}

	// Allocate size + align so an aligned offset always exists within
	// the buffer.
	buf := make([]byte, size+align)

	ptr := unsafe.Pointer(&buf[0]) //nolint:gosec // unsafe is required for memory alignment
	addr := uintptr(ptr)
	a := uintptr(align)
	offset := (a - (addr & (a - 1))) & (a - 1)

	return buf[offset : offset+uintptr(size)]
}

// IsAligned reports whether the first byte of b sits on an align-byte
// boundary. Empty slices are considered aligned.
func IsAligned(b []byte, align int) bool {
	if len(b) == 0 {
		return true
	}
	if align <= 0 {
		align = DefaultAlignment
	}
	addr := uintptr(unsafe.Pointer(&b[0])) //nolint:gosec // pointer inspection only
	return addr&uintptr(align-1) == 0
}
