package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm"
)

// resolveForAccess returns the frame backing virtAddr in space, faulting the
// page in (lazy backing, copy-on-write) when necessary. A non-nil error
// means the access is fatal for the faulting context and was already
// reported through the fault path.
func (m *Manager) resolveForAccess(space *AddressSpace, virtAddr uintptr, access Access) (mm.Frame, *kernel.Error) {
	for attempt := 0; attempt < 2; attempt++ {
		space.mu.Lock()
		pte, present := m.pteFor(space, virtAddr)
		space.mu.Unlock()

		switch {
		case !present:
			// Fall through to the fault handler.
		case access == AccessWrite && !pte.HasFlags(FlagRW):
			// Protection violation or copy-on-write; the fault
			// handler decides which.
		case !space.IsKernel() && !pte.HasFlags(FlagUserAccessible):
			// User access to a kernel-only mapping.
		default:
			return pte.Frame(), nil
		}

		if err := m.HandlePageFault(space, virtAddr, access); err != nil {
			return mm.InvalidFrame, err
		}
	}

	return mm.InvalidFrame, ErrNotMapped
}

// ReadAt copies len(buf) bytes at virtAddr in space into buf, translating
// page by page through the space's page tables. Unbacked pages of valid
// regions are faulted in on demand.
func (m *Manager) ReadAt(space *AddressSpace, buf []byte, virtAddr uintptr) *kernel.Error {
	return m.accessPages(space, buf, virtAddr, AccessRead)
}

// WriteAt copies buf into space at virtAddr, translating page by page
// through the space's page tables. Writes trigger lazy backing and
// copy-on-write resolution exactly like hardware faults would.
func (m *Manager) WriteAt(space *AddressSpace, buf []byte, virtAddr uintptr) *kernel.Error {
	return m.accessPages(space, buf, virtAddr, AccessWrite)
}

func (m *Manager) accessPages(space *AddressSpace, buf []byte, virtAddr uintptr, access Access) *kernel.Error {
	for done := uintptr(0); done < uintptr(len(buf)); {
		cur := virtAddr + done
		pageOffset := PageOffset(cur)
		chunk := mm.PageSize - pageOffset
		if remain := uintptr(len(buf)) - done; chunk > remain {
			chunk = remain
		}

		frame, err := m.resolveForAccess(space, cur, access)
		if err != nil {
			return err
		}

		contents, serr := m.phys.FrameSlice(frame)
		if serr != nil {
			return serr
		}

		if access == AccessWrite {
			copy(contents[pageOffset:pageOffset+chunk], buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], contents[pageOffset:pageOffset+chunk])
		}

		done += chunk
	}

	return nil
}
