// Package pmm implements the physical frame allocator. Frame reservations
// are tracked across the available memory pools using bitmaps; per-frame
// reference counts allow the same frame to back mappings in multiple address
// spaces (shared memory, copy-on-write) and role flags record what each
// allocated frame is used for.
package pmm

import (
	"github.com/puzpuzpuz/xsync/v3"

	"memkern/kernel"
	"memkern/kernel/hal"
	"memkern/kernel/klog"
	"memkern/kernel/ksync"
	"memkern/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when the allocator cannot satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrFrameNotAllocated is returned when attempting to release or
	// reference a frame that is not currently allocated.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}

	// ErrInvalidArgument is returned for out-of-pool frames and zero-sized
	// requests.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid argument"}
)

// FrameRole is a bitmask describing what an allocated frame is used for.
type FrameRole uint8

const (
	// RoleKernel flags frames holding kernel code, data or page tables.
	RoleKernel FrameRole = 1 << iota

	// RoleLocked flags frames that must never be paged out.
	RoleLocked

	// RoleShared flags frames mapped into more than one address space.
	RoleShared

	// RoleReserved flags frames that back firmware or device regions.
	RoleReserved
)

// framePool tracks reservations for a contiguous run of physical frames.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// Each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// uses this field to skip fully allocated pools without scanning
	// their free bitmap.
	freeCount uint64

	// freeBitmap tracks used/free pages in the pool. A set bit flags a
	// reserved frame.
	freeBitmap []uint64
}

// Stats is a point-in-time snapshot of pool-wide allocator counters.
type Stats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	Allocs         int64
	Frees          int64
	ContigFailures int64
}

// Allocator implements a physical frame allocator on top of the physical
// memory arena. All mutations to the pool bitmaps and the per-frame
// bookkeeping happen under a single pool-wide spinlock.
type Allocator struct {
	lock ksync.Spinlock

	phys  *hal.PhysicalMemory
	pools []framePool

	// totalFrames tracks the total number of frames across all pools.
	totalFrames uint64

	// reservedFrames tracks the number of reserved frames across all pools.
	reservedFrames uint64

	// refCounts and roles are indexed by absolute frame number.
	refCounts []uint16
	roles     []FrameRole

	allocCount      *xsync.Counter
	freeCount       *xsync.Counter
	contigFailCount *xsync.Counter
}

// NewAllocator builds the pool list and free bitmaps for every available
// region in the supplied memory map. Regions that extend past the arena are
// clipped; reported addresses may not be page-aligned so region starts are
// rounded up and region ends rounded down to frame boundaries.
func NewAllocator(phys *hal.PhysicalMemory, memoryMap []hal.MemoryMapEntry) (*Allocator, *kernel.Error) {
	alloc := &Allocator{
		phys:            phys,
		refCounts:       make([]uint16, phys.NumFrames()),
		roles:           make([]FrameRole, phys.NumFrames()),
		allocCount:      xsync.NewCounter(),
		freeCount:       xsync.NewCounter(),
		contigFailCount: xsync.NewCounter(),
	}

	logger := klog.Logger("pmm")
	for _, region := range memoryMap {
		logger.Info("physical memory region",
			"base", region.PhysAddress,
			"length", region.Length,
			"type", region.Type.String(),
		)

		if region.Type != hal.MemAvailable {
			continue
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		startFrame := mm.Frame((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1 >> mm.PageShift)
		endFrame := mm.Frame((region.PhysAddress+region.Length) & ^pageSizeMinus1>>mm.PageShift) - 1
		if maxFrame := mm.Frame(phys.NumFrames()) - 1; endFrame > maxFrame {
			endFrame = maxFrame
		}
		if endFrame < startFrame {
			continue
		}

		frameCount := uint64(endFrame-startFrame) + 1
		alloc.pools = append(alloc.pools, framePool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  frameCount,
			freeBitmap: make([]uint64, (frameCount+63)>>6),
		})
		alloc.totalFrames += frameCount
	}

	if alloc.totalFrames == 0 {
		return nil, ErrOutOfMemory
	}

	logger.Info("frame pools initialized",
		"pools", len(alloc.pools),
		"total_frames", alloc.totalFrames,
	)
	return alloc, nil
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame does not belong to any pool.
func (alloc *Allocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// markFrame updates the bitmap, free counter and bookkeeping slices for a
// single frame transition. The caller must hold the allocator lock.
func (alloc *Allocator) markFrame(poolIndex int, frame mm.Frame, reserve bool, role FrameRole) {
	pool := &alloc.pools[poolIndex]
	relFrame := uint64(frame - pool.startFrame)
	block, mask := relFrame>>6, uint64(1)<<(63-(relFrame&63))

	if reserve {
		pool.freeBitmap[block] |= mask
		pool.freeCount--
		alloc.reservedFrames++
		alloc.refCounts[frame] = 1
		alloc.roles[frame] = role
	} else {
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		alloc.reservedFrames--
		alloc.refCounts[frame] = 0
		alloc.roles[frame] = 0
	}
}

// AllocFrame reserves the first free frame and returns its index. The
// returned frame carries a single reference owned by the caller.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrameWithRole(0)
}

// AllocFrameWithRole behaves like AllocFrame but also tags the reserved
// frame with the supplied role flags.
func (alloc *Allocator) AllocFrameWithRole(role FrameRole) (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(0xffffffffffffffff)
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Scan the bits in the block from MSB to LSB for the
			// first free frame. Bits past the pool end are treated
			// as reserved.
			for bitIndex := 0; bitIndex < 64; bitIndex++ {
				frame := alloc.pools[poolIndex].startFrame + mm.Frame(blockIndex<<6+bitIndex)
				if frame > alloc.pools[poolIndex].endFrame {
					break
				}

				if block&(uint64(1)<<(63-bitIndex)) == 0 {
					alloc.markFrame(poolIndex, frame, true, role)
					alloc.allocCount.Inc()
					return frame, nil
				}
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocContiguous reserves the first run of count consecutive free frames,
// scanning linearly from frame 0. The allocator does not compact or
// defragment; if no sufficiently long run exists the request fails with
// ErrOutOfMemory.
func (alloc *Allocator) AllocContiguous(count uint64) (mm.Frame, *kernel.Error) {
	return alloc.AllocContiguousWithRole(count, 0)
}

// AllocContiguousWithRole behaves like AllocContiguous but also tags the
// reserved frames with the supplied role flags.
func (alloc *Allocator) AllocContiguousWithRole(count uint64, role FrameRole) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrInvalidArgument
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < count {
			continue
		}

		var (
			runStart mm.Frame
			runLen   uint64
		)
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			relFrame := uint64(frame - pool.startFrame)
			if pool.freeBitmap[relFrame>>6]&(uint64(1)<<(63-(relFrame&63))) != 0 {
				runLen = 0
				continue
			}

			if runLen == 0 {
				runStart = frame
			}
			if runLen++; runLen == count {
				for reserved := runStart; reserved < runStart+mm.Frame(count); reserved++ {
					alloc.markFrame(poolIndex, reserved, true, role)
				}
				alloc.allocCount.Add(int64(count))
				return runStart, nil
			}
		}
	}

	alloc.contigFailCount.Inc()
	return mm.InvalidFrame, ErrOutOfMemory
}

// IncRef increments the reference count of an allocated frame. Frames
// referenced from more than one mapping are flagged RoleShared.
func (alloc *Allocator) IncRef(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.poolForFrame(frame) == -1 {
		return ErrInvalidArgument
	}
	if alloc.refCounts[frame] == 0 {
		return ErrFrameNotAllocated
	}

	alloc.refCounts[frame]++
	alloc.roles[frame] |= RoleShared
	return nil
}

// FreeFrame drops one reference to an allocated frame. The frame returns to
// the free pool only when its last reference is dropped. Freeing an already
// free frame or a frame flagged RoleReserved is an error.
func (alloc *Allocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.freeFrameLocked(frame)
}

func (alloc *Allocator) freeFrameLocked(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		return ErrInvalidArgument
	}

	switch {
	case alloc.refCounts[frame] == 0:
		return ErrFrameNotAllocated
	case alloc.roles[frame]&RoleReserved != 0:
		return ErrInvalidArgument
	}

	if alloc.refCounts[frame]--; alloc.refCounts[frame] == 0 {
		alloc.markFrame(poolIndex, frame, false, 0)
		alloc.freeCount.Inc()
	} else if alloc.refCounts[frame] == 1 {
		alloc.roles[frame] &^= RoleShared
	}

	return nil
}

// FreeContiguous releases a run of count frames previously reserved via
// AllocContiguous.
func (alloc *Allocator) FreeContiguous(frame mm.Frame, count uint64) *kernel.Error {
	if count == 0 {
		return ErrInvalidArgument
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for cur := frame; cur < frame+mm.Frame(count); cur++ {
		if err := alloc.freeFrameLocked(cur); err != nil {
			return err
		}
	}

	return nil
}

// Reserve marks a frame as permanently reserved (firmware tables, device
// holes). Reserved frames are never handed out and cannot be freed.
func (alloc *Allocator) Reserve(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		return ErrInvalidArgument
	}
	if alloc.refCounts[frame] != 0 {
		return ErrInvalidArgument
	}

	alloc.markFrame(poolIndex, frame, true, RoleReserved)
	return nil
}

// RefCount returns the number of references currently held on frame. Frames
// outside the allocator pools report zero.
func (alloc *Allocator) RefCount(frame mm.Frame) uint16 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.poolForFrame(frame) == -1 {
		return 0
	}
	return alloc.refCounts[frame]
}

// Role returns the role flags recorded for frame.
func (alloc *Allocator) Role(frame mm.Frame) FrameRole {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.poolForFrame(frame) == -1 {
		return 0
	}
	return alloc.roles[frame]
}

// Owns returns true if frame belongs to one of the allocator's pools.
func (alloc *Allocator) Owns(frame mm.Frame) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.poolForFrame(frame) != -1
}

// TotalFrames returns the total number of frames across all pools.
func (alloc *Allocator) TotalFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalFrames
}

// FreeFrames returns the number of frames currently available for
// allocation across all pools.
func (alloc *Allocator) FreeFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalFrames - alloc.reservedFrames
}

// Stats returns a snapshot of the pool-wide allocator counters.
func (alloc *Allocator) Stats() Stats {
	alloc.lock.Acquire()
	total, reserved := alloc.totalFrames, alloc.reservedFrames
	alloc.lock.Release()

	return Stats{
		TotalFrames:    total,
		FreeFrames:     total - reserved,
		Allocs:         alloc.allocCount.Value(),
		Frees:          alloc.freeCount.Value(),
		ContigFailures: alloc.contigFailCount.Value(),
	}
}
