package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm"
	"memkern/kernel/mm/pmm"
)

// gateFlags strips the entry flags the CPU does not support.
func (m *Manager) gateFlags(flags PageTableEntryFlag) PageTableEntryFlag {
	features := m.cpu.Features()
	if !features.HasNX {
		flags &^= FlagNoExecute
	}
	if !features.HasGlobalPages {
		flags &^= FlagGlobal
	}
	return flags
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in the supplied address space. Missing page tables are allocated on
// demand through the frame allocator; an allocation failure propagates as
// ErrOutOfMemory. The installed mapping takes over the caller's frame
// reference: callers sharing a frame that is already mapped elsewhere must
// increment its reference count first.
//
// The TLB entry for the page is invalidated after the edit.
func (m *Manager) Map(space *AddressSpace, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	space.mu.Lock()
	defer space.mu.Unlock()

	return m.mapLocked(space, page, frame, flags)
}

func (m *Manager) mapLocked(space *AddressSpace, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagHugePage != 0 {
		return ErrNoHugePageSupport
	}
	flags = m.gateFlags(flags)

	virtAddr := page.Address()

	dirEntry, err := m.ensureTableLocked(space, virtAddr)
	if err != nil {
		return err
	}

	tableFrame := dirEntry.Frame()
	tblSlot := tableIndex(virtAddr)
	if m.entryAt(tableFrame, tblSlot).HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	m.setEntryAt(tableFrame, tblSlot, pte)

	m.cpu.FlushTLBEntry(virtAddr)
	return nil
}

// ensureTableLocked returns the directory entry covering virtAddr, creating
// the page table for it when absent. The caller must hold the space lock and
// no other space lock: installing a kernel-half table propagates the
// directory entry into every registered address space.
func (m *Manager) ensureTableLocked(space *AddressSpace, virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	dirSlot := dirIndex(virtAddr)

	dirEntry := m.entryAt(space.dir, dirSlot)
	if dirEntry.HasFlags(FlagPresent) {
		return dirEntry, nil
	}

	tableFrame, err := m.allocTableFrame()
	if err != nil {
		return 0, err
	}

	dirEntry = 0
	dirEntry.SetFrame(tableFrame)
	dirEntry.SetFlags(FlagPresent | FlagRW)
	if virtAddr < kernelBase {
		dirEntry.SetFlags(FlagUserAccessible)
	}
	m.setEntryAt(space.dir, dirSlot, dirEntry)

	// New kernel-half tables must become visible in every address space:
	// the kernel directory slice is copied into process directories at
	// creation time, so late additions have to be propagated explicitly.
	if virtAddr >= kernelBase && space == m.kernelSpace {
		m.propagateKernelEntry(dirSlot, dirEntry)
	}

	return dirEntry, nil
}

// ensureTables creates any missing page tables covering [virtAddr,
// virtAddr+size) in space. Callers that need to edit mappings while holding
// more than one space lock use this first, so no table creation (and no
// kernel-half propagation) happens under the combined locks.
func (m *Manager) ensureTables(space *AddressSpace, virtAddr, size uintptr) *kernel.Error {
	space.mu.Lock()
	defer space.mu.Unlock()

	for addr := virtAddr &^ (mm.PageSize - 1); addr < virtAddr+size; addr += mm.PageSize {
		if _, err := m.ensureTableLocked(space, addr); err != nil {
			return err
		}
	}
	return nil
}

// propagateKernelEntry copies a freshly installed kernel-half directory
// entry into every registered address space. The caller must hold the kernel
// space lock; the lock order kernel space -> process space is never taken in
// reverse.
func (m *Manager) propagateKernelEntry(dirSlot uintptr, dirEntry pageTableEntry) {
	m.spaces.Range(func(_ uint32, other *AddressSpace) bool {
		if other == m.kernelSpace {
			return true
		}

		other.mu.Lock()
		m.setEntryAt(other.dir, dirSlot, dirEntry)
		other.mu.Unlock()
		return true
	})
}

// Unmap clears the mapping for a virtual page, invalidates its TLB entry and
// drops one reference to the frame it pointed to, returning the frame to the
// allocator when the last reference is dropped. Unmapping an address with no
// mapping is a no-op, not an error.
func (m *Manager) Unmap(space *AddressSpace, page mm.Page) *kernel.Error {
	space.mu.Lock()
	defer space.mu.Unlock()

	return m.unmapLocked(space, page)
}

func (m *Manager) unmapLocked(space *AddressSpace, page mm.Page) *kernel.Error {
	virtAddr := page.Address()

	dirEntry := m.entryAt(space.dir, dirIndex(virtAddr))
	if !dirEntry.HasFlags(FlagPresent) {
		return nil
	}

	tableFrame := dirEntry.Frame()
	tblSlot := tableIndex(virtAddr)
	pte := m.entryAt(tableFrame, tblSlot)
	if !pte.HasFlags(FlagPresent) {
		return nil
	}

	m.setEntryAt(tableFrame, tblSlot, 0)
	m.cpu.FlushTLBEntry(virtAddr)

	if frame := pte.Frame(); m.frames.Owns(frame) {
		return m.frames.FreeFrame(frame)
	}
	return nil
}

// UpdateFlags changes the protection bits of an existing mapping in place
// without touching the physical frame it points to. The TLB entry for the
// page is invalidated. Updating an unmapped address fails with ErrNotMapped.
func (m *Manager) UpdateFlags(space *AddressSpace, page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	space.mu.Lock()
	defer space.mu.Unlock()

	if flags&FlagHugePage != 0 {
		return ErrNoHugePageSupport
	}

	virtAddr := page.Address()
	dirEntry := m.entryAt(space.dir, dirIndex(virtAddr))
	if !dirEntry.HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	tableFrame := dirEntry.Frame()
	tblSlot := tableIndex(virtAddr)
	pte := m.entryAt(tableFrame, tblSlot)
	if !pte.HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	var updated pageTableEntry
	updated.SetFrame(pte.Frame())
	updated.SetFlags(m.gateFlags(flags) | FlagPresent)
	m.setEntryAt(tableFrame, tblSlot, updated)

	m.cpu.FlushTLBEntry(virtAddr)
	return nil
}

// pteFor returns the page table entry for a virtual address. The caller
// must hold the space lock. The bool result reports whether a present
// mapping exists.
func (m *Manager) pteFor(space *AddressSpace, virtAddr uintptr) (pageTableEntry, bool) {
	dirEntry := m.entryAt(space.dir, dirIndex(virtAddr))
	if !dirEntry.HasFlags(FlagPresent) {
		return 0, false
	}

	pte := m.entryAt(dirEntry.Frame(), tableIndex(virtAddr))
	if !pte.HasFlags(FlagPresent) {
		return 0, false
	}
	return pte, true
}

// setPTE overwrites the page table entry for a virtual address. The caller
// must hold the space lock and the page table for the address must exist.
func (m *Manager) setPTE(space *AddressSpace, virtAddr uintptr, pte pageTableEntry) {
	dirEntry := m.entryAt(space.dir, dirIndex(virtAddr))
	m.setEntryAt(dirEntry.Frame(), tableIndex(virtAddr), pte)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not correspond
// to a mapped physical page.
func (m *Manager) Translate(space *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	space.mu.Lock()
	defer space.mu.Unlock()

	pte, present := m.pteFor(space, virtAddr)
	if !present {
		return 0, ErrNotMapped
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

// MapRange installs present mappings for size bytes of physical memory
// starting at startFrame into the given virtual range. The size is rounded
// up to the nearest page boundary. On failure, already installed pages are
// left in place for the caller to unwind via Unmap.
func (m *Manager) MapRange(space *AddressSpace, virtAddr uintptr, startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	if virtAddr&(mm.PageSize-1) != 0 || size == 0 {
		return ErrInvalidArgument
	}

	pageCount := (size + (mm.PageSize - 1)) >> mm.PageShift
	page := mm.PageFromAddress(virtAddr)
	frame := startFrame
	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := m.Map(space, page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// GetFreePagesCount reports the number of physical frames still available
// for allocation. Used by kernel consoles and tests.
func (m *Manager) GetFreePagesCount() uint64 {
	if alloc, ok := m.frames.(*pmm.Allocator); ok {
		return alloc.FreeFrames()
	}
	return 0
}
