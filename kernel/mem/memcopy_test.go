package mem

import (
	"testing"
	"unsafe"
)

func TestMemcopy(t *testing.T) {
	// memcopy with a 0 size should be a no-op
	Memcopy(uintptr(0), uintptr(0), 0)

	src := make([]byte, PageSize)
	dst := make([]byte, PageSize)
	for i := 0; i < len(src); i++ {
		src[i] = byte(i % 256)
		dst[i] = 0xFE
	}

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), Size(len(src)))

	for i := 0; i < len(src); i++ {
		if dst[i] != src[i] {
			t.Errorf("expected byte %d to be 0x%x; got 0x%x", i, src[i], dst[i])
		}
	}
}
