package kheap

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"memkern/kernel"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
	"memkern/kernel/mm/pmm"
	"memkern/kernel/mm/vmm"
)

// largeAlloc records a guard-page allocation: a reserved kernel region whose
// first and last pages are intentionally left unmapped.
type largeAlloc struct {
	regionBase uintptr
	pages      uintptr
}

// Heap is the kernel allocator. One instance exists per booted kernel; all
// allocator state is serialized by a single lock since heap operations are
// short and contention is dominated by the page mapping work anyway.
type Heap struct {
	mu     sync.Mutex
	mgr    *vmm.Manager
	frames mm.FrameAllocator
	space  *vmm.AddressSpace
	logger *slog.Logger

	// base/end/limit delimit the bin-managed arena: [base, end) is backed
	// by mapped frames, [end, limit) is reserved virtual space the heap
	// can still grow into.
	base  uintptr
	end   uintptr
	limit uintptr

	// bins holds the heads of the segregated free lists, keyed by size
	// class. Values are block header addresses, 0 means empty.
	bins [binCount]uintptr

	// lastBlock is the header address of the physically last block.
	lastBlock uintptr

	large map[uintptr]largeAlloc

	freeBytes  uintptr
	usedBytes  uintptr
	blocks     uint64
	freeBlocks uint64

	corruptions *xsync.Counter
	doubleFrees *xsync.Counter
	largeCount  *xsync.Counter
	growCount   *xsync.Counter
}

// Stats is a point-in-time snapshot of the heap counters.
type Stats struct {
	HeapBytes   uint64
	FreeBytes   uint64
	UsedBytes   uint64
	Blocks      uint64
	FreeBlocks  uint64
	LargeAllocs uint64
	Grows       uint64
	Corruptions uint64
	DoubleFrees uint64
}

// New reserves a kernel virtual region of maxSize bytes for the heap, backs
// the first initialSize bytes with frames and carves them into a single free
// block.
func New(mgr *vmm.Manager, frames mm.FrameAllocator, initialSize, maxSize uintptr) (*Heap, *kernel.Error) {
	initialSize = (initialSize + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	maxSize = (maxSize + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	if initialSize == 0 || maxSize < initialSize {
		return nil, ErrInvalidArgument
	}

	base, err := mgr.ReserveKernelRange(maxSize, vmm.PermRead|vmm.PermWrite, 0, "kheap")
	if err != nil {
		return nil, err
	}

	h := &Heap{
		mgr:         mgr,
		frames:      frames,
		space:       mgr.KernelSpace(),
		logger:      klog.Logger("kheap"),
		base:        base,
		end:         base,
		limit:       base + maxSize,
		large:       make(map[uintptr]largeAlloc),
		corruptions: xsync.NewCounter(),
		doubleFrees: xsync.NewCounter(),
		largeCount:  xsync.NewCounter(),
		growCount:   xsync.NewCounter(),
	}

	if err = h.mapPages(h.base, initialSize); err != nil {
		return nil, err
	}
	h.end = h.base + initialSize

	hdr := blockHeader{
		magic:  blockMagic,
		size:   uint32(initialSize - overhead),
		status: statusFree,
		canary: canaryValue,
	}
	if err = h.fileBlock(h.base, hdr); err != nil {
		return nil, err
	}
	h.lastBlock = h.base
	h.freeBytes = uintptr(hdr.size)
	h.blocks, h.freeBlocks = 1, 1

	h.logger.Info("kernel heap initialized",
		"base", uint64(base), "initial_bytes", uint64(initialSize), "max_bytes", uint64(maxSize))
	return h, nil
}

// Alloc returns the address of a zeroed allocation of at least size bytes,
// aligned to 16 bytes. Requests of a page or more are served as guard-page
// allocations.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidArgument
	}
	if size >= mm.PageSize {
		return h.allocLarge(size)
	}
	size = (size + (minGranularity - 1)) &^ (minGranularity - 1)

	h.mu.Lock()
	defer h.mu.Unlock()

	addr, hdr, err := h.takeBlock(size)
	if err != nil {
		return 0, err
	}

	if uintptr(hdr.size) >= size+overhead+minSplitPayload {
		if err = h.split(addr, &hdr, size); err != nil {
			return 0, err
		}
	}

	hdr.status = statusUsed
	hdr.prevFree, hdr.nextFree = 0, 0
	if err = h.writeBlock(addr, hdr); err != nil {
		return 0, err
	}

	payload := addr + headerSize
	if err = h.memset(payload, uintptr(hdr.size), 0); err != nil {
		return 0, err
	}

	h.freeBytes -= uintptr(hdr.size)
	h.usedBytes += uintptr(hdr.size)
	h.freeBlocks--
	return payload, nil
}

// Free releases an allocation obtained from Alloc or Realloc. Freed payloads
// are poisoned and adjacent free blocks are merged. A block whose header or
// footer fails validation is refused and left untouched; freeing an already
// free block is refused as a double free.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return ErrInvalidArgument
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if la, ok := h.large[ptr]; ok {
		return h.freeLarge(ptr, la)
	}

	addr := ptr - headerSize
	hdr, err := h.validateBlock(addr)
	if err != nil {
		return err
	}
	if hdr.status == statusFree {
		h.doubleFrees.Inc()
		h.logger.Error("double free refused", "ptr", uint64(ptr))
		return ErrDoubleFree
	}

	if err = h.memset(ptr, uintptr(hdr.size), poisonByte); err != nil {
		return err
	}

	freed := uintptr(hdr.size)
	h.usedBytes -= freed

	hdr.status = statusFree
	addr, hdr, merged, err := h.coalesce(addr, hdr)
	if err != nil {
		return err
	}
	if err = h.fileBlock(addr, hdr); err != nil {
		return err
	}

	h.freeBytes += freed + merged*overhead
	h.blocks -= uint64(merged)
	h.freeBlocks -= uint64(merged)
	h.freeBlocks++
	return nil
}

// Realloc resizes an allocation, preserving its payload up to the smaller of
// the old and new sizes. Shrinks and growth into an adjacent free block
// happen in place; otherwise the payload moves to a fresh allocation and the
// old block is freed.
func (h *Heap) Realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		return 0, h.Free(ptr)
	}

	oldSize, err := h.payloadSize(ptr)
	if err != nil {
		return 0, err
	}

	if _, isLarge := h.largeOf(ptr); isLarge {
		if size <= oldSize && size >= mm.PageSize {
			return ptr, nil
		}
	} else if size < mm.PageSize {
		if resized, done, rerr := h.resizeInPlace(ptr, size); done || rerr != nil {
			return resized, rerr
		}
	}

	// Move path: allocate, copy, free.
	newPtr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if size < copySize {
		copySize = size
	}
	buf := make([]byte, copySize)
	if err = h.mgr.ReadAt(h.space, buf, ptr); err != nil {
		return 0, err
	}
	if err = h.mgr.WriteAt(h.space, buf, newPtr); err != nil {
		return 0, err
	}

	if err = h.Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// CheckIntegrity walks the physical block chain and validates every header
// and footer. It returns the number of corrupt blocks found; the walk stops
// early if a broken header makes the chain untrustworthy.
func (h *Heap) CheckIntegrity() (int, *kernel.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bad := 0
	for addr := h.base; addr != 0; {
		hdr, err := h.readHeader(addr)
		if err != nil {
			return bad, err
		}
		if hdr.magic != blockMagic || hdr.canary != canaryValue {
			h.corruptions.Inc()
			return bad + 1, nil
		}

		ftr, err := h.readFooter(addr + headerSize + uintptr(hdr.size))
		if err != nil {
			return bad, err
		}
		if ftr.magic != footerMagic || ftr.canary != canaryValue ||
			ftr.size != hdr.size || uintptr(ftr.headerAddr) != addr {
			h.corruptions.Inc()
			bad++
		}

		addr = uintptr(hdr.nextPhys)
	}

	return bad, nil
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		HeapBytes:   uint64(h.end - h.base),
		FreeBytes:   uint64(h.freeBytes),
		UsedBytes:   uint64(h.usedBytes),
		Blocks:      h.blocks,
		FreeBlocks:  h.freeBlocks,
		LargeAllocs: uint64(h.largeCount.Value()),
		Grows:       uint64(h.growCount.Value()),
		Corruptions: uint64(h.corruptions.Value()),
		DoubleFrees: uint64(h.doubleFrees.Value()),
	}
}

// DumpStats writes a single-line summary of the heap counters to w.
func (h *Heap) DumpStats(w io.Writer) error {
	stats := h.Stats()
	_, err := fmt.Fprintf(w, "heap_bytes=%d free_bytes=%d used_bytes=%d blocks=%d free_blocks=%d large=%d grows=%d corruptions=%d double_frees=%d\n",
		stats.HeapBytes, stats.FreeBytes, stats.UsedBytes, stats.Blocks, stats.FreeBlocks,
		stats.LargeAllocs, stats.Grows, stats.Corruptions, stats.DoubleFrees)
	return err
}

// takeBlock removes and returns a free block with a payload of at least size
// bytes, growing the heap when no bin can satisfy the request. The caller
// holds the heap lock.
func (h *Heap) takeBlock(size uintptr) (uintptr, blockHeader, *kernel.Error) {
	for attempt := 0; attempt < 2; attempt++ {
		for bin := binFor(size); bin < binCount; bin++ {
			for addr := h.bins[bin]; addr != 0; {
				hdr, err := h.readHeader(addr)
				if err != nil {
					return 0, blockHeader{}, err
				}
				if uintptr(hdr.size) >= size {
					if err = h.binRemove(addr, hdr); err != nil {
						return 0, blockHeader{}, err
					}
					return addr, hdr, nil
				}
				addr = uintptr(hdr.nextFree)
			}
		}

		if err := h.grow(size + overhead); err != nil {
			return 0, blockHeader{}, err
		}
	}

	return 0, blockHeader{}, pmm.ErrOutOfMemory
}

// grow maps enough fresh frames at the end of the heap arena for at least
// minBytes and files the new space as a free block, merged with the last
// block when that one is free. The caller holds the heap lock.
func (h *Heap) grow(minBytes uintptr) *kernel.Error {
	bytes := (minBytes + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	if h.end+bytes > h.limit {
		return vmm.ErrOutOfVirtualSpace
	}

	if err := h.mapPages(h.end, bytes); err != nil {
		return err
	}

	addr := h.end
	h.end += bytes
	h.growCount.Inc()

	hdr := blockHeader{
		magic:    blockMagic,
		size:     uint32(bytes - overhead),
		status:   statusFree,
		prevPhys: uint32(h.lastBlock),
		canary:   canaryValue,
	}

	last, err := h.readHeader(h.lastBlock)
	if err != nil {
		return err
	}
	last.nextPhys = uint32(addr)
	if err = h.writeHeader(h.lastBlock, last); err != nil {
		return err
	}
	h.lastBlock = addr
	h.blocks++
	h.freeBlocks++
	h.freeBytes += uintptr(hdr.size)

	addr, hdr, merged, err := h.coalesce(addr, hdr)
	if err != nil {
		return err
	}
	if err = h.fileBlock(addr, hdr); err != nil {
		return err
	}
	h.freeBytes += merged * overhead
	h.blocks -= uint64(merged)
	h.freeBlocks -= uint64(merged)

	return nil
}

// split carves a free remainder block out of the tail of the block at addr,
// leaving the block with a payload of exactly size bytes. The remainder is
// filed into its bin; the caller still owns the shrunk block's free byte
// accounting. The caller holds the heap lock.
func (h *Heap) split(addr uintptr, hdr *blockHeader, size uintptr) *kernel.Error {
	remAddr := addr + overhead + size
	rem := blockHeader{
		magic:    blockMagic,
		size:     uint32(uintptr(hdr.size) - size - overhead),
		status:   statusFree,
		prevPhys: uint32(addr),
		nextPhys: hdr.nextPhys,
		canary:   canaryValue,
	}

	if hdr.nextPhys != 0 {
		next, err := h.readHeader(uintptr(hdr.nextPhys))
		if err != nil {
			return err
		}
		next.prevPhys = uint32(remAddr)
		if err = h.writeHeader(uintptr(hdr.nextPhys), next); err != nil {
			return err
		}
	} else {
		h.lastBlock = remAddr
	}

	hdr.size = uint32(size)
	hdr.nextPhys = uint32(remAddr)

	if err := h.fileBlock(remAddr, rem); err != nil {
		return err
	}

	h.freeBytes -= overhead
	h.blocks++
	h.freeBlocks++
	return nil
}

// coalesce merges the free block at addr with free physical neighbors and
// returns the merged block and the number of neighbors absorbed. Neighbors
// that fail validation are skipped and counted as corruption instead of
// being merged. The merged block is not filed into a bin; the caller does
// that. The caller holds the heap lock.
func (h *Heap) coalesce(addr uintptr, hdr blockHeader) (uintptr, blockHeader, uintptr, *kernel.Error) {
	merged := uintptr(0)

	if hdr.nextPhys != 0 {
		nextAddr := uintptr(hdr.nextPhys)
		next, err := h.validateBlock(nextAddr)
		if err == nil && next.status == statusFree {
			if berr := h.binRemove(nextAddr, next); berr != nil {
				return 0, blockHeader{}, 0, berr
			}
			hdr.size += uint32(overhead) + next.size
			hdr.nextPhys = next.nextPhys
			if err := h.relinkPrev(uintptr(next.nextPhys), addr); err != nil {
				return 0, blockHeader{}, 0, err
			}
			merged++
		}
	}

	if hdr.prevPhys != 0 {
		prevAddr := uintptr(hdr.prevPhys)
		prev, err := h.validateBlock(prevAddr)
		if err == nil && prev.status == statusFree {
			if berr := h.binRemove(prevAddr, prev); berr != nil {
				return 0, blockHeader{}, 0, berr
			}
			prev.size += uint32(overhead) + hdr.size
			prev.nextPhys = hdr.nextPhys
			if err := h.relinkPrev(uintptr(hdr.nextPhys), prevAddr); err != nil {
				return 0, blockHeader{}, 0, err
			}
			addr, hdr = prevAddr, prev
			merged++
		}
	}

	return addr, hdr, merged, nil
}

// relinkPrev points the prevPhys link of the block at nextAddr to addr, or
// records addr as the physically last block when nextAddr is 0.
func (h *Heap) relinkPrev(nextAddr, addr uintptr) *kernel.Error {
	if nextAddr == 0 {
		h.lastBlock = addr
		return nil
	}

	next, err := h.readHeader(nextAddr)
	if err != nil {
		return err
	}
	next.prevPhys = uint32(addr)
	return h.writeHeader(nextAddr, next)
}

// resizeInPlace attempts to satisfy a realloc without moving the payload.
// The bool result reports whether the request was fully handled.
func (h *Heap) resizeInPlace(ptr, size uintptr) (uintptr, bool, *kernel.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := ptr - headerSize
	hdr, err := h.validateBlock(addr)
	if err != nil {
		return 0, false, err
	}
	if hdr.status != statusUsed {
		h.doubleFrees.Inc()
		return 0, false, ErrDoubleFree
	}

	size = (size + (minGranularity - 1)) &^ (minGranularity - 1)
	oldSize := uintptr(hdr.size)

	if size <= oldSize {
		if oldSize-size >= overhead+minSplitPayload {
			if err = h.split(addr, &hdr, size); err != nil {
				return 0, false, err
			}
			if err = h.writeBlock(addr, hdr); err != nil {
				return 0, false, err
			}
			// split billed the whole block as free space; rebalance
			// for the part that stays used.
			h.freeBytes += oldSize - size
			h.usedBytes -= oldSize - size
		}
		return ptr, true, nil
	}

	// Growing: absorb a free successor when one exists and suffices.
	if hdr.nextPhys == 0 {
		return 0, false, nil
	}
	nextAddr := uintptr(hdr.nextPhys)
	next, verr := h.validateBlock(nextAddr)
	if verr != nil || next.status != statusFree {
		return 0, false, nil
	}
	combined := oldSize + overhead + uintptr(next.size)
	if combined < size {
		return 0, false, nil
	}

	if err = h.binRemove(nextAddr, next); err != nil {
		return 0, false, err
	}
	h.freeBytes -= uintptr(next.size)
	h.freeBlocks--
	h.blocks--

	hdr.size = uint32(combined)
	hdr.nextPhys = next.nextPhys
	if err = h.relinkPrev(uintptr(next.nextPhys), addr); err != nil {
		return 0, false, err
	}

	if combined-size >= overhead+minSplitPayload {
		if err = h.split(addr, &hdr, size); err != nil {
			return 0, false, err
		}
		h.freeBytes += combined - size
	}
	if err = h.writeBlock(addr, hdr); err != nil {
		return 0, false, err
	}

	if err = h.memset(ptr+oldSize, uintptr(hdr.size)-oldSize, 0); err != nil {
		return 0, false, err
	}
	h.usedBytes += uintptr(hdr.size) - oldSize
	return ptr, true, nil
}

// payloadSize returns the usable byte count behind an allocation pointer.
func (h *Heap) payloadSize(ptr uintptr) (uintptr, *kernel.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if la, ok := h.large[ptr]; ok {
		return la.pages<<mm.PageShift - largePrefixSize, nil
	}

	hdr, err := h.validateBlock(ptr - headerSize)
	if err != nil {
		return 0, err
	}
	return uintptr(hdr.size), nil
}

func (h *Heap) largeOf(ptr uintptr) (largeAlloc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	la, ok := h.large[ptr]
	return la, ok
}

// validateBlock reads the block at addr and cross-checks its header against
// its footer. Any mismatch increments the corruption counter and fails with
// ErrHeapCorruption.
func (h *Heap) validateBlock(addr uintptr) (blockHeader, *kernel.Error) {
	if addr < h.base || addr >= h.end {
		h.corruptions.Inc()
		return blockHeader{}, ErrHeapCorruption
	}

	hdr, err := h.readHeader(addr)
	if err != nil {
		return blockHeader{}, err
	}
	if hdr.magic != blockMagic || hdr.canary != canaryValue ||
		(hdr.status != statusFree && hdr.status != statusUsed) {
		h.corruptions.Inc()
		h.logger.Error("corrupt block header", "addr", uint64(addr))
		return blockHeader{}, ErrHeapCorruption
	}

	ftr, err := h.readFooter(addr + headerSize + uintptr(hdr.size))
	if err != nil {
		return blockHeader{}, err
	}
	if ftr.magic != footerMagic || ftr.canary != canaryValue ||
		ftr.size != hdr.size || uintptr(ftr.headerAddr) != addr {
		h.corruptions.Inc()
		h.logger.Error("corrupt block footer", "addr", uint64(addr))
		return blockHeader{}, ErrHeapCorruption
	}

	return hdr, nil
}

// fileBlock links a free block into its size-class list and persists its
// header and footer.
func (h *Heap) fileBlock(addr uintptr, hdr blockHeader) *kernel.Error {
	bin := binFor(uintptr(hdr.size))
	hdr.prevFree = 0
	hdr.nextFree = uint32(h.bins[bin])

	if head := h.bins[bin]; head != 0 {
		headHdr, err := h.readHeader(head)
		if err != nil {
			return err
		}
		headHdr.prevFree = uint32(addr)
		if err = h.writeHeader(head, headHdr); err != nil {
			return err
		}
	}
	h.bins[bin] = addr

	return h.writeBlock(addr, hdr)
}

// binRemove unlinks a free block from its size-class list.
func (h *Heap) binRemove(addr uintptr, hdr blockHeader) *kernel.Error {
	bin := binFor(uintptr(hdr.size))

	if hdr.prevFree == 0 {
		h.bins[bin] = uintptr(hdr.nextFree)
	} else {
		prev, err := h.readHeader(uintptr(hdr.prevFree))
		if err != nil {
			return err
		}
		prev.nextFree = hdr.nextFree
		if err = h.writeHeader(uintptr(hdr.prevFree), prev); err != nil {
			return err
		}
	}

	if hdr.nextFree != 0 {
		next, err := h.readHeader(uintptr(hdr.nextFree))
		if err != nil {
			return err
		}
		next.prevFree = hdr.prevFree
		if err = h.writeHeader(uintptr(hdr.nextFree), next); err != nil {
			return err
		}
	}

	return nil
}

// mapPages backs [virtAddr, virtAddr+size) with freshly allocated frames.
func (h *Heap) mapPages(virtAddr, size uintptr) *kernel.Error {
	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		frame, err := h.frames.AllocFrame()
		if err != nil {
			return err
		}
		flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute
		if err = h.mgr.Map(h.space, mm.PageFromAddress(virtAddr+offset), frame, flags); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heap) readHeader(addr uintptr) (blockHeader, *kernel.Error) {
	var buf [headerSize]byte
	if err := h.mgr.ReadAt(h.space, buf[:], addr); err != nil {
		return blockHeader{}, err
	}
	return decodeHeader(buf[:]), nil
}

func (h *Heap) writeHeader(addr uintptr, hdr blockHeader) *kernel.Error {
	var buf [headerSize]byte
	hdr.encode(buf[:])
	return h.mgr.WriteAt(h.space, buf[:], addr)
}

func (h *Heap) readFooter(addr uintptr) (blockFooter, *kernel.Error) {
	var buf [footerSize]byte
	if err := h.mgr.ReadAt(h.space, buf[:], addr); err != nil {
		return blockFooter{}, err
	}
	return decodeFooter(buf[:]), nil
}

// writeBlock writes a block header and the footer that matches it.
func (h *Heap) writeBlock(addr uintptr, hdr blockHeader) *kernel.Error {
	if err := h.writeHeader(addr, hdr); err != nil {
		return err
	}

	ftr := blockFooter{
		magic:      footerMagic,
		headerAddr: uint32(addr),
		size:       hdr.size,
		canary:     canaryValue,
	}
	var buf [footerSize]byte
	ftr.encode(buf[:])
	return h.mgr.WriteAt(h.space, buf[:], addr+headerSize+uintptr(hdr.size))
}

// memset fills size bytes at addr with the given byte value.
func (h *Heap) memset(addr, size uintptr, value byte) *kernel.Error {
	var chunk [256]byte
	if value != 0 {
		for i := range chunk {
			chunk[i] = value
		}
	}

	for size > 0 {
		n := uintptr(len(chunk))
		if size < n {
			n = size
		}
		if err := h.mgr.WriteAt(h.space, chunk[:n], addr); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}
