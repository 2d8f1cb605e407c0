package kheap

import (
	"encoding/binary"

	"memkern/kernel"
	"memkern/kernel/mm"
	"memkern/kernel/mm/vmm"
)

// largePrefixSize is the bookkeeping prefix placed just before the user
// pointer of a guard-page allocation: the large magic, the page count and
// padding up to the alignment unit.
const largePrefixSize = uintptr(16)

// allocLarge serves requests of a page or more. The payload pages sit inside
// a dedicated kernel region whose first and last pages stay unmapped; any
// access that runs off either end of the allocation hits a guard page and is
// treated as a fatal kernel fault.
func (h *Heap) allocLarge(size uintptr) (uintptr, *kernel.Error) {
	pages := (size + largePrefixSize + mm.PageSize - 1) >> mm.PageShift
	total := (pages + 2) << mm.PageShift

	base, err := h.mgr.ReserveKernelRange(total, vmm.PermRead|vmm.PermWrite, vmm.RegionFlagGuardPage, "kheap/large")
	if err != nil {
		return 0, err
	}

	payloadBase := base + mm.PageSize
	if err = h.mapPages(payloadBase, pages<<mm.PageShift); err != nil {
		return 0, err
	}
	if err = h.memset(payloadBase, pages<<mm.PageShift, 0); err != nil {
		return 0, err
	}

	var prefix [largePrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[0:], largeMagic)
	binary.LittleEndian.PutUint32(prefix[4:], uint32(pages))
	if err = h.mgr.WriteAt(h.space, prefix[:], payloadBase); err != nil {
		return 0, err
	}

	ptr := payloadBase + largePrefixSize

	h.mu.Lock()
	h.large[ptr] = largeAlloc{regionBase: base, pages: pages}
	h.usedBytes += pages<<mm.PageShift - largePrefixSize
	h.mu.Unlock()
	h.largeCount.Inc()

	h.logger.Debug("large allocation", "ptr", uint64(ptr), "pages", uint64(pages))
	return ptr, nil
}

// freeLarge releases a guard-page allocation: the payload frames go back to
// the frame allocator and the region is removed. The prefix is cross-checked
// against the recorded page count before anything is touched. The caller
// holds the heap lock.
func (h *Heap) freeLarge(ptr uintptr, la largeAlloc) *kernel.Error {
	var prefix [largePrefixSize]byte
	if err := h.mgr.ReadAt(h.space, prefix[:], ptr-largePrefixSize); err != nil {
		return err
	}

	magic := binary.LittleEndian.Uint32(prefix[0:])
	pages := binary.LittleEndian.Uint32(prefix[4:])
	if magic != largeMagic || uintptr(pages) != la.pages {
		h.corruptions.Inc()
		h.logger.Error("corrupt large allocation prefix", "ptr", uint64(ptr))
		return ErrHeapCorruption
	}

	if err := h.mgr.Free(h.space, la.regionBase, 0); err != nil {
		return err
	}

	delete(h.large, ptr)
	h.usedBytes -= la.pages<<mm.PageShift - largePrefixSize
	return nil
}
