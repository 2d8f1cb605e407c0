package kheap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"memkern/kernel/hal"
	"memkern/kernel/mm"
	"memkern/kernel/mm/aslr"
	"memkern/kernel/mm/pmm"
	"memkern/kernel/mm/vmm"
)

func newTestHeap(t *testing.T, initialSize, maxSize uintptr) (*Heap, *vmm.Manager, *pmm.Allocator) {
	t.Helper()

	memoryMap := []hal.MemoryMapEntry{
		{PhysAddress: 0, Length: 4096 * uint64(mm.PageSize), Type: hal.MemAvailable},
	}
	phys := hal.NewPhysicalMemory(memoryMap)
	alloc, err := pmm.NewAllocator(phys, memoryMap)
	require.Nil(t, err)

	cpu := hal.NewSimCPU(hal.CPUFeatures{HasNX: true, HasGlobalPages: true})
	aslrCfg := aslr.NewConfig(false, 8, aslr.MaskAll, hal.EntropySources{CycleCounter: 1}, nil)

	mgr, err := vmm.NewManager(phys, alloc, cpu, aslrCfg, memoryMap)
	require.Nil(t, err)

	heap, err := New(mgr, alloc, initialSize, maxSize)
	require.Nil(t, err)
	return heap, mgr, alloc
}

func (h *Heap) readPayload(t *testing.T, ptr, size uintptr) []byte {
	t.Helper()

	buf := make([]byte, size)
	require.Nil(t, h.mgr.ReadAt(h.space, buf, ptr))
	return buf
}

func (h *Heap) writePayload(t *testing.T, ptr uintptr, data []byte) {
	t.Helper()
	require.Nil(t, h.mgr.WriteAt(h.space, data, ptr))
}

func TestAllocFreeRoundTripRestoresFreeBytes(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	before := h.Stats()

	ptrs := make([]uintptr, 0, 100)
	for i := 0; i < 100; i++ {
		ptr, err := h.Alloc(64)
		require.Nil(t, err)
		ptrs = append(ptrs, ptr)
	}

	mid := h.Stats()
	require.Equal(t, before.FreeBytes-uint64(100*(64+overhead)), mid.FreeBytes,
		"each allocation must bill its payload plus the split overhead")
	require.Equal(t, uint64(100*64), mid.UsedBytes)

	for _, ptr := range ptrs {
		require.Nil(t, h.Free(ptr))
	}

	after := h.Stats()
	require.Equal(t, before.FreeBytes, after.FreeBytes,
		"freeing everything must restore the free byte count exactly")
	require.Equal(t, before.Blocks, after.Blocks,
		"merging must collapse the heap back to a single block")
	require.Equal(t, before.FreeBlocks, after.FreeBlocks)
	require.Zero(t, after.UsedBytes)
}

func TestAllocZeroesRecycledBlocks(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(128)
	require.Nil(t, err)

	junk := bytes.Repeat([]byte{0xaa}, 128)
	h.writePayload(t, ptr, junk)
	require.Nil(t, h.Free(ptr))

	ptr2, err := h.Alloc(128)
	require.Nil(t, err)
	require.Equal(t, make([]byte, 128), h.readPayload(t, ptr2, 128),
		"recycled blocks must be handed out zeroed")
}

func TestAllocAlignment(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	for _, size := range []uintptr{1, 7, 16, 33, 100, 2048} {
		ptr, err := h.Alloc(size)
		require.Nil(t, err)
		require.Zero(t, ptr&(minGranularity-1), "allocation of %d bytes not aligned", size)
	}
}

func TestFreePoisonsPayload(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(64)
	require.Nil(t, err)
	h.writePayload(t, ptr, bytes.Repeat([]byte{0x11}, 64))
	require.Nil(t, h.Free(ptr))

	require.Equal(t, bytes.Repeat([]byte{poisonByte}, 64), h.readPayload(t, ptr, 64),
		"freed payloads must be poisoned")
}

func TestDoubleFreeRefused(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(64)
	require.Nil(t, err)
	require.Nil(t, h.Free(ptr))

	require.Equal(t, ErrDoubleFree, h.Free(ptr))
	require.EqualValues(t, 1, h.Stats().DoubleFrees)
}

func TestCorruptedCanaryRefused(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(64)
	require.Nil(t, err)

	// Clobber the header canary the way a heap underflow would.
	h.writePayload(t, ptr-4, []byte{0, 0, 0, 0})

	require.Equal(t, ErrHeapCorruption, h.Free(ptr))
	require.NotZero(t, h.Stats().Corruptions)

	bad, cerr := h.CheckIntegrity()
	require.Nil(t, cerr)
	require.NotZero(t, bad)
}

func TestOverflowCaughtByFooter(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(64)
	require.Nil(t, err)

	// Overrun the payload into the footer.
	h.writePayload(t, ptr, bytes.Repeat([]byte{0xcc}, 64+8))

	require.Equal(t, ErrHeapCorruption, h.Free(ptr))
	require.NotZero(t, h.Stats().Corruptions)
}

func TestHeapGrowsOnDemand(t *testing.T) {
	h, _, _ := newTestHeap(t, mm.PageSize, 64*mm.PageSize)

	for i := 0; i < 3; i++ {
		_, err := h.Alloc(2000)
		require.Nil(t, err)
	}

	stats := h.Stats()
	require.NotZero(t, stats.Grows, "the third allocation must not fit the initial page")
	require.Greater(t, stats.HeapBytes, uint64(mm.PageSize))
}

func TestHeapGrowthBounded(t *testing.T) {
	h, _, _ := newTestHeap(t, mm.PageSize, 2*mm.PageSize)

	var lastErr error
	for i := 0; i < 8; i++ {
		if _, err := h.Alloc(2000); err != nil {
			lastErr = err
			break
		}
	}
	require.Equal(t, vmm.ErrOutOfVirtualSpace, lastErr,
		"the heap must refuse to grow past its reserved window")
}

func TestLargeAllocation(t *testing.T) {
	h, _, alloc := newTestHeap(t, 64*1024, 1024*1024)

	// Warm up so the page tables for the large allocation window exist
	// before the frame accounting below.
	warm, err := h.Alloc(2 * mm.PageSize)
	require.Nil(t, err)
	require.Nil(t, h.Free(warm))

	freeBefore := alloc.FreeFrames()

	// The prefix makes the payload span exactly two pages.
	size := 2*mm.PageSize - largePrefixSize
	ptr, err := h.Alloc(size)
	require.Nil(t, err)
	require.Zero(t, (ptr-largePrefixSize)&(mm.PageSize-1),
		"large payloads start right after their prefix on a fresh page")
	require.Equal(t, freeBefore-2, alloc.FreeFrames(),
		"a two-page payload must consume exactly two frames")

	pattern := bytes.Repeat([]byte{0x5a}, int(size))
	h.writePayload(t, ptr, pattern)
	require.Equal(t, pattern, h.readPayload(t, ptr, size))

	require.EqualValues(t, 2, h.Stats().LargeAllocs)

	require.Nil(t, h.Free(ptr))
	require.Equal(t, freeBefore, alloc.FreeFrames(),
		"freeing a large allocation must return its payload frames")
}

func TestLargeGuardPagesTrapOverruns(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	size := 2*mm.PageSize - largePrefixSize
	ptr, err := h.Alloc(size)
	require.Nil(t, err)

	payloadEnd := ptr - largePrefixSize + 2*mm.PageSize

	require.Panics(t, func() {
		_ = h.mgr.WriteAt(h.space, []byte{1}, payloadEnd)
	}, "running off the end of a large allocation must hit the guard page")

	require.Panics(t, func() {
		_ = h.mgr.WriteAt(h.space, []byte{1}, ptr-largePrefixSize-1)
	}, "underflowing a large allocation must hit the guard page")
}

func TestLargePrefixCorruptionRefused(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(mm.PageSize)
	require.Nil(t, err)

	h.writePayload(t, ptr-largePrefixSize, []byte{0xde, 0xad, 0xbe, 0xef})
	require.Equal(t, ErrHeapCorruption, h.Free(ptr))
	require.NotZero(t, h.Stats().Corruptions)
}

func TestReallocGrowPreservesData(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(64)
	require.Nil(t, err)

	pattern := bytes.Repeat([]byte{0x77}, 64)
	h.writePayload(t, ptr, pattern)

	grown, err := h.Realloc(ptr, 256)
	require.Nil(t, err)
	require.Equal(t, pattern, h.readPayload(t, grown, 64))
	require.Equal(t, make([]byte, 192), h.readPayload(t, grown+64, 192),
		"the grown tail must be zeroed")
}

func TestReallocShrinkInPlace(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(512)
	require.Nil(t, err)

	pattern := bytes.Repeat([]byte{0x33}, 512)
	h.writePayload(t, ptr, pattern)

	shrunk, err := h.Realloc(ptr, 64)
	require.Nil(t, err)
	require.Equal(t, ptr, shrunk, "shrinking must not move the payload")
	require.Equal(t, pattern[:64], h.readPayload(t, shrunk, 64))
}

func TestReallocToLargeMoves(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	ptr, err := h.Alloc(128)
	require.Nil(t, err)
	pattern := bytes.Repeat([]byte{0x42}, 128)
	h.writePayload(t, ptr, pattern)

	moved, err := h.Realloc(ptr, 2*mm.PageSize)
	require.Nil(t, err)
	require.NotEqual(t, ptr, moved)
	require.Equal(t, pattern, h.readPayload(t, moved, 128))

	// The original block went back to the free pool.
	require.Equal(t, ErrDoubleFree, h.Free(ptr))
}

func TestReallocEdgeCases(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	// Realloc of a nil pointer behaves like Alloc.
	ptr, err := h.Realloc(0, 64)
	require.Nil(t, err)
	require.NotZero(t, ptr)

	// Realloc to size zero behaves like Free.
	freed, err := h.Realloc(ptr, 0)
	require.Nil(t, err)
	require.Zero(t, freed)
	require.Equal(t, ErrDoubleFree, h.Free(ptr))
}

func TestCheckIntegrityCleanHeap(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 1024*1024)

	for i := 0; i < 32; i++ {
		_, err := h.Alloc(uintptr(16 + i*8))
		require.Nil(t, err)
	}

	bad, err := h.CheckIntegrity()
	require.Nil(t, err)
	require.Zero(t, bad)
}

func TestMixedWorkload(t *testing.T) {
	h, _, _ := newTestHeap(t, 64*1024, 4*1024*1024)

	type allocation struct {
		ptr  uintptr
		data []byte
	}

	var live []allocation
	sizes := []uintptr{16, 48, 64, 130, 600, 2048, 3000}
	for round := 0; round < 6; round++ {
		for i, size := range sizes {
			ptr, err := h.Alloc(size)
			require.Nil(t, err)

			data := bytes.Repeat([]byte{byte(round*len(sizes) + i + 1)}, int(size))
			h.writePayload(t, ptr, data)
			live = append(live, allocation{ptr: ptr, data: data})
		}

		// Free every other allocation to fragment the arena.
		kept := live[:0]
		for i, a := range live {
			if i%2 == 0 {
				require.Nil(t, h.Free(a.ptr))
				continue
			}
			kept = append(kept, a)
		}
		live = kept
	}

	for _, a := range live {
		require.Equal(t, a.data, h.readPayload(t, a.ptr, uintptr(len(a.data))),
			"surviving allocations must keep their contents intact")
	}

	bad, err := h.CheckIntegrity()
	require.Nil(t, err)
	require.Zero(t, bad)

	for _, a := range live {
		require.Nil(t, h.Free(a.ptr))
	}
	require.Zero(t, h.Stats().UsedBytes)
}

func TestFragmentedHeapReusesMergedHole(t *testing.T) {
	h, _, _ := newTestHeap(t, 16*mm.PageSize, 16*mm.PageSize)

	ptrs := make([]uintptr, 100)
	for i := range ptrs {
		ptr, err := h.Alloc(64)
		require.Nil(t, err)
		ptrs[i] = ptr
	}

	// Free every other allocation to fragment the arena, then one more so
	// three neighboring blocks coalesce into a single hole.
	for i := 1; i < len(ptrs); i += 2 {
		require.Nil(t, h.Free(ptrs[i]))
	}
	require.Nil(t, h.Free(ptrs[2]))

	bad, err := h.CheckIntegrity()
	require.Nil(t, err)
	require.Zero(t, bad)

	// 200 bytes only fits the merged hole; the bin search must hand it
	// out instead of growing the heap.
	growsBefore := h.Stats().Grows
	ptr, aerr := h.Alloc(200)
	require.Nil(t, aerr)
	require.Equal(t, ptrs[1], ptr, "the merged hole must be reused")
	require.Equal(t, growsBefore, h.Stats().Grows)

	require.Nil(t, h.Free(ptr))
}
