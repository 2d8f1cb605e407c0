package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm"
)

// Alloc finds a free virtual range of at least size bytes in the space,
// registers a region for it and returns its base address. No physical memory
// is touched: backing frames are allocated lazily by the fault handler on
// first access.
func (m *Manager) Alloc(space *AddressSpace, size uintptr, perms Perms, kind RegionKind, name string) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidArgument
	}
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	floor, ceiling := userSpaceFloor, kernelBase
	if space.IsKernel() {
		floor, ceiling = kernelBase, kernelVSpaceTop
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	base, err := space.findFreeRange(size, floor, ceiling)
	if err != nil {
		return 0, err
	}

	if err = space.insertRegion(Region{
		Start: base,
		Size:  size,
		Kind:  kind,
		Perms: perms,
		Name:  name,
	}); err != nil {
		return 0, err
	}

	return base, nil
}

// Free unmaps any lazily backed pages of the region starting at virtAddr and
// removes the region from the space. Freeing an address that is not a region
// start is rejected.
func (m *Manager) Free(space *AddressSpace, virtAddr, size uintptr) *kernel.Error {
	space.mu.Lock()
	defer space.mu.Unlock()

	region := space.regionStartingAt(virtAddr)
	if region == nil {
		return ErrInvalidArgument
	}
	if size != 0 && (size+(mm.PageSize-1))&^(mm.PageSize-1) != region.Size {
		return ErrInvalidArgument
	}

	for page := mm.PageFromAddress(region.Start); page < mm.PageFromAddress(region.End()); page++ {
		if err := m.unmapLocked(space, page); err != nil {
			return err
		}
	}

	space.removeRegion(virtAddr)
	return nil
}

// MapPhysical eagerly maps size bytes of device/MMIO physical memory into
// the kernel address space and registers an uncached MMIO region for it. The
// returned virtual address preserves the sub-page offset of physAddr. MMIO
// mappings are never demand-paged and never cached; their frames live
// outside the allocator pools and are not reference counted.
func (m *Manager) MapPhysical(physAddr, size uintptr, perms Perms, name string) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidArgument
	}

	pageOffset := PageOffset(physAddr)
	mapSize := (pageOffset + size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	base, err := m.ReserveKernelRange(mapSize, perms, RegionFlagNoCache|RegionFlagFixed, name)
	if err != nil {
		return 0, err
	}

	flags := FlagPresent | FlagDoNotCache | FlagNoExecute
	if perms&PermWrite != 0 {
		flags |= FlagRW
	}

	startFrame := mm.FrameFromAddress(physAddr)
	if err = m.MapRange(m.kernelSpace, base, startFrame, mapSize, flags); err != nil {
		return 0, err
	}

	m.kernelSpace.mu.Lock()
	if region := m.kernelSpace.regionStartingAt(base); region != nil {
		region.Kind = RegionMMIO
	}
	m.kernelSpace.mu.Unlock()

	return base + pageOffset, nil
}

// MapSegment registers a fixed-placement region for size bytes at virtAddr
// in the supplied space. The ELF loader uses this to place binary segments;
// backing happens lazily on first access like any other region.
func (m *Manager) MapSegment(space *AddressSpace, virtAddr, size uintptr, perms Perms, kind RegionKind, name string) *kernel.Error {
	if size == 0 || virtAddr&(mm.PageSize-1) != 0 {
		return ErrInvalidArgument
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	return space.insertRegion(Region{
		Start: virtAddr,
		Size:  (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1),
		Kind:  kind,
		Perms: perms,
		Flags: RegionFlagFixed,
		Name:  name,
	})
}

// Share maps size bytes starting at srcAddr in srcSpace into dstSpace at
// dstAddr, backed by the same physical frames. Matching Shared regions are
// registered in both spaces and every shared frame's reference count is
// incremented. Pages of the source range that were not yet backed are
// allocated eagerly so both spaces observe the same contents.
func (m *Manager) Share(srcSpace *AddressSpace, srcAddr uintptr, dstSpace *AddressSpace, dstAddr, size uintptr, perms Perms) *kernel.Error {
	switch {
	case size == 0, srcAddr&(mm.PageSize-1) != 0, dstAddr&(mm.PageSize-1) != 0:
		return ErrInvalidArgument
	case srcSpace == dstSpace:
		return ErrInvalidArgument
	}
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// Process spaces must never grow private kernel-half mappings: their
	// kernel half is the kernel's own shared tables.
	if !srcSpace.IsKernel() && srcAddr+size > kernelBase {
		return ErrInvalidArgument
	}
	if !dstSpace.IsKernel() && dstAddr+size > kernelBase {
		return ErrInvalidArgument
	}

	// Create the page tables for both ranges up front: installing a
	// kernel-half table propagates directory entries into every registered
	// space, which must not run while two space locks are held.
	if err := m.ensureTables(srcSpace, srcAddr, size); err != nil {
		return err
	}
	if err := m.ensureTables(dstSpace, dstAddr, size); err != nil {
		return err
	}

	// Consistent lock order for space pairs: lowest pid first.
	first, second := srcSpace, dstSpace
	if dstSpace.pid < srcSpace.pid {
		first, second = dstSpace, srcSpace
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	srcRegion := srcSpace.regionAt(srcAddr)
	if srcRegion == nil || srcRegion.End() < srcAddr+size {
		return ErrInvalidArgument
	}

	dstFlags := FlagPresent
	if perms&PermWrite != 0 {
		dstFlags |= FlagRW
	}
	if perms&PermUser != 0 {
		dstFlags |= FlagUserAccessible
	}
	if perms&PermExec == 0 {
		dstFlags |= FlagNoExecute
	}

	if err := dstSpace.insertRegion(Region{
		Start: dstAddr,
		Size:  size,
		Kind:  RegionShared,
		Perms: perms,
		Flags: RegionFlagShared,
		Name:  srcRegion.Name,
	}); err != nil {
		return err
	}

	// unwind drops the destination mappings installed so far (returning
	// their extra frame references) and deregisters the destination
	// region, so a failed share leaves no partial state behind.
	unwind := func(mapped uintptr) {
		for offset := uintptr(0); offset < mapped; offset += mm.PageSize {
			_ = m.unmapLocked(dstSpace, mm.PageFromAddress(dstAddr+offset))
		}
		dstSpace.removeRegion(dstAddr)
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		srcPage := srcAddr + offset

		pte, present := m.pteFor(srcSpace, srcPage)
		if !present {
			// Back the source page now so both spaces observe the
			// same frame.
			frame, err := m.frames.AllocFrame()
			if err != nil {
				unwind(offset)
				return err
			}
			if zerr := m.phys.Zero(frame); zerr != nil {
				unwind(offset)
				return zerr
			}
			if err = m.mapLocked(srcSpace, mm.PageFromAddress(srcPage), frame, regionEntryFlags(*srcRegion)); err != nil {
				_ = m.frames.FreeFrame(frame)
				unwind(offset)
				return err
			}
			pte, _ = m.pteFor(srcSpace, srcPage)
		}

		frame := pte.Frame()
		if m.frames.Owns(frame) {
			if err := m.frames.IncRef(frame); err != nil {
				unwind(offset)
				return err
			}
		}
		if err := m.mapLocked(dstSpace, mm.PageFromAddress(dstAddr+offset), frame, dstFlags); err != nil {
			if m.frames.Owns(frame) {
				_ = m.frames.FreeFrame(frame)
			}
			unwind(offset)
			return err
		}
	}

	srcRegion.Flags |= RegionFlagShared
	return nil
}
