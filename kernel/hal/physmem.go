package hal

import (
	"memkern/kernel"
	"memkern/kernel/mm"
)

var (
	// ErrFrameOutOfBounds is returned when accessing a frame outside the
	// arena backing physical memory.
	ErrFrameOutOfBounds = &kernel.Error{Module: "hal", Message: "frame index outside physical memory bounds"}
)

// PhysicalMemory models the machine's RAM as a single contiguous arena.
// Frames are indices into the arena and FrameSlice hands out bounds-checked
// page-sized windows. Page tables, heap block headers and user data all live
// inside the arena exactly as they would in physical memory.
type PhysicalMemory struct {
	arena []byte
}

// NewPhysicalMemory creates an arena large enough to back every frame up to
// the highest address reported by the memory map.
func NewPhysicalMemory(memoryMap []MemoryMapEntry) *PhysicalMemory {
	var limit uint64
	for _, region := range memoryMap {
		if end := region.PhysAddress + region.Length; end > limit {
			limit = end
		}
	}

	// Round down to a frame boundary; partial trailing frames are unusable.
	limit &= ^uint64(mm.PageSize - 1)
	return &PhysicalMemory{arena: make([]byte, limit)}
}

// NumFrames returns the number of frames the arena can back.
func (pm *PhysicalMemory) NumFrames() uint64 {
	return uint64(len(pm.arena)) >> mm.PageShift
}

// FrameSlice returns a bounds-checked window over the contents of frame.
func (pm *PhysicalMemory) FrameSlice(frame mm.Frame) ([]byte, *kernel.Error) {
	start := uint64(frame) << mm.PageShift
	if start+uint64(mm.PageSize) > uint64(len(pm.arena)) {
		return nil, ErrFrameOutOfBounds
	}

	return pm.arena[start : start+uint64(mm.PageSize) : start+uint64(mm.PageSize)], nil
}

// Zero clears the contents of frame.
func (pm *PhysicalMemory) Zero(frame mm.Frame) *kernel.Error {
	contents, err := pm.FrameSlice(frame)
	if err != nil {
		return err
	}

	for i := range contents {
		contents[i] = 0
	}
	return nil
}

// Copy duplicates the contents of the src frame into the dst frame.
func (pm *PhysicalMemory) Copy(dst, src mm.Frame) *kernel.Error {
	dstSlice, err := pm.FrameSlice(dst)
	if err != nil {
		return err
	}
	srcSlice, err := pm.FrameSlice(src)
	if err != nil {
		return err
	}

	copy(dstSlice, srcSlice)
	return nil
}
