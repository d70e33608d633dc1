package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/last-genius/gokernel/kernel/mem"
	"github.com/last-genius/gokernel/kernel/mem/pmm"
)

// TestTranslateAmd64 exercises the same property spec.md's S6 scenario
// names: once a virtual page is mapped to a physical frame, Translate must
// resolve both the page's base address and an address near the top of the
// page to the matching physical address, offset preserved.
func TestTranslateAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
	}(ptePtrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	frame := pmm.Frame(0xB8000 >> mem.PageShift)

	// Emulate virtAddr 0 mapped all the way down to frame, the same fixture
	// TestUnmapAmd64 uses.
	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	got, err := Translate(0)
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address(); got != exp {
		t.Errorf("expected translate(0) == %#x; got %#x", exp, got)
	}

	pteCallCount = 0
	got, err = Translate(uintptr(mem.PageSize - 1))
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address() + uintptr(mem.PageSize) - 1; got != exp {
		t.Errorf("expected translate(pageSize-1) == %#x; got %#x", exp, got)
	}
}

func TestTranslateUnmappedAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
	}(ptePtrFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	if _, err := Translate(0); err == nil {
		t.Fatal("expected an error translating an unmapped address")
	}
}
