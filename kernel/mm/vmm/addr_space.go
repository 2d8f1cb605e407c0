package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm"
)

// snapshotKernelDir copies the kernel page directory entries into a local
// array so that address-space construction does not need to hold the kernel
// space lock while editing other directories.
func (m *Manager) snapshotKernelDir() [mm.TableEntryCount]pageTableEntry {
	var snapshot [mm.TableEntryCount]pageTableEntry

	m.kernelSpace.mu.Lock()
	for slot := uintptr(0); slot < mm.TableEntryCount; slot++ {
		snapshot[slot] = m.entryAt(m.kernelSpace.dir, slot)
	}
	m.kernelSpace.mu.Unlock()

	return snapshot
}

// CreateAddressSpace allocates a fresh page directory for a new process
// address space. The kernel's upper-half directory entries are always copied
// verbatim so the kernel remains reachable from every address space for trap
// and syscall entry. When kernelAccessible is set, the kernel's lower-half
// identity-mapping entries are copied as well.
func (m *Manager) CreateAddressSpace(pid uint32, kernelAccessible bool) (*AddressSpace, *kernel.Error) {
	if pid == KernelPID {
		return nil, ErrInvalidArgument
	}

	dirFrame, err := m.allocTableFrame()
	if err != nil {
		return nil, err
	}

	kernelDir := m.snapshotKernelDir()
	for slot := kernelDirStart; slot < mm.TableEntryCount; slot++ {
		m.setEntryAt(dirFrame, slot, kernelDir[slot])
	}
	if kernelAccessible {
		for slot := uintptr(0); slot < kernelDirStart; slot++ {
			if kernelDir[slot].HasFlags(FlagPresent) {
				m.setEntryAt(dirFrame, slot, kernelDir[slot])
			}
		}
	}

	space := &AddressSpace{
		pid:              pid,
		dir:              dirFrame,
		kernelAccessible: kernelAccessible,
	}

	if _, loaded := m.spaces.LoadOrStore(pid, space); loaded {
		_ = m.frames.FreeFrame(dirFrame)
		return nil, ErrInvalidArgument
	}

	m.logger.Info("address space created", "pid", pid, "dir_frame", uint64(dirFrame))
	return space, nil
}

// CloneAddressSpace duplicates all present user-half mappings of src into a
// new address space registered under pid.
//
// When copyOnWrite is requested, writable pages are not duplicated: both the
// source and destination entries are downgraded to read-only with the
// copy-on-write soft bit set and the backing frame's reference count is
// incremented. The eventual write fault in either space is resolved by the
// fault handler, which allocates a private copy. Without copyOnWrite every
// page's contents are copied into freshly allocated frames.
func (m *Manager) CloneAddressSpace(src *AddressSpace, pid uint32, copyOnWrite bool) (*AddressSpace, *kernel.Error) {
	if src.IsKernel() {
		return nil, ErrInvalidArgument
	}

	dst, err := m.CreateAddressSpace(pid, src.kernelAccessible)
	if err != nil {
		return nil, err
	}

	kernelDir := m.snapshotKernelDir()

	src.mu.Lock()
	cloneErr := m.cloneUserMappings(src, dst, &kernelDir, copyOnWrite)
	if cloneErr == nil {
		dst.mu.Lock()
		dst.regions = make([]Region, len(src.regions))
		copy(dst.regions, src.regions)
		dst.mu.Unlock()
	}
	src.mu.Unlock()

	if cloneErr != nil {
		m.destroyFailedClone(dst)
		return nil, cloneErr
	}

	m.logger.Info("address space cloned",
		"src_pid", src.pid,
		"dst_pid", pid,
		"copy_on_write", copyOnWrite,
	)
	return dst, nil
}

// cloneUserMappings copies the present user-half mappings of src into dst.
// The caller must hold the src lock; dst is not yet visible to any other
// path besides the kernel-entry propagation, which touches only kernel-half
// slots.
func (m *Manager) cloneUserMappings(src, dst *AddressSpace, kernelDir *[mm.TableEntryCount]pageTableEntry, copyOnWrite bool) *kernel.Error {
	for dirSlot := uintptr(0); dirSlot < kernelDirStart; dirSlot++ {
		srcDirEntry := m.entryAt(src.dir, dirSlot)
		if !srcDirEntry.HasFlags(FlagPresent) {
			continue
		}

		// Lower-half entries identical to the kernel's are shared
		// kernel tables, already copied by CreateAddressSpace when
		// kernelAccessible is set.
		if srcDirEntry == kernelDir[dirSlot] {
			continue
		}

		dstTableFrame, terr := m.allocTableFrame()
		if terr != nil {
			return terr
		}

		var dstDirEntry pageTableEntry
		dstDirEntry.SetFrame(dstTableFrame)
		dstDirEntry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		m.setEntryAt(dst.dir, dirSlot, dstDirEntry)

		srcTableFrame := srcDirEntry.Frame()
		for tblSlot := uintptr(0); tblSlot < mm.TableEntryCount; tblSlot++ {
			srcPTE := m.entryAt(srcTableFrame, tblSlot)
			if !srcPTE.HasFlags(FlagPresent) {
				continue
			}

			virtAddr := (dirSlot << (mm.PageShift + 10)) | (tblSlot << mm.PageShift)
			frame := srcPTE.Frame()

			switch {
			case copyOnWrite:
				if srcPTE.HasFlags(FlagRW) {
					srcPTE.ClearFlags(FlagRW)
					srcPTE.SetFlags(FlagCopyOnWrite)
					m.setEntryAt(srcTableFrame, tblSlot, srcPTE)
					m.cpu.FlushTLBEntry(virtAddr)
				}
				if m.frames.Owns(frame) {
					if rerr := m.frames.IncRef(frame); rerr != nil {
						return rerr
					}
				}
				m.setEntryAt(dstTableFrame, tblSlot, srcPTE)
			default:
				frameCopy, aerr := m.frames.AllocFrame()
				if aerr != nil {
					return aerr
				}
				if cerr := m.phys.Copy(frameCopy, frame); cerr != nil {
					return cerr
				}

				dstPTE := srcPTE
				dstPTE.SetFrame(frameCopy)
				m.setEntryAt(dstTableFrame, tblSlot, dstPTE)
			}
		}
	}

	return nil
}

// destroyFailedClone unwinds a partially built clone target.
func (m *Manager) destroyFailedClone(dst *AddressSpace) {
	m.spaces.Delete(dst.pid)
	_ = m.releaseSpaceFrames(dst)
}

// DestroyAddressSpace tears down a process address space: every page table
// entry it uniquely owns is unmapped with its frame reference dropped, the
// page table frames are freed and finally the directory frame itself is
// freed. Kernel-half tables are shared with every other space and are left
// untouched. If the space is currently active the manager switches back to
// the kernel address space first.
func (m *Manager) DestroyAddressSpace(space *AddressSpace) *kernel.Error {
	if space.IsKernel() {
		return ErrInvalidArgument
	}

	if m.active.Load() == space {
		m.SwitchAddressSpace(m.kernelSpace)
	}

	m.spaces.Delete(space.pid)
	if err := m.releaseSpaceFrames(space); err != nil {
		return err
	}

	m.logger.Info("address space destroyed", "pid", space.pid)
	return nil
}

// releaseSpaceFrames drops the frame references held by a space's user-half
// mappings and frees its page table and directory frames.
func (m *Manager) releaseSpaceFrames(space *AddressSpace) *kernel.Error {
	kernelDir := m.snapshotKernelDir()

	space.mu.Lock()
	defer space.mu.Unlock()

	for dirSlot := uintptr(0); dirSlot < kernelDirStart; dirSlot++ {
		dirEntry := m.entryAt(space.dir, dirSlot)
		if !dirEntry.HasFlags(FlagPresent) || dirEntry == kernelDir[dirSlot] {
			continue
		}

		tableFrame := dirEntry.Frame()
		for tblSlot := uintptr(0); tblSlot < mm.TableEntryCount; tblSlot++ {
			pte := m.entryAt(tableFrame, tblSlot)
			if !pte.HasFlags(FlagPresent) {
				continue
			}
			if frame := pte.Frame(); m.frames.Owns(frame) {
				if err := m.frames.FreeFrame(frame); err != nil {
					return err
				}
			}
		}

		m.setEntryAt(space.dir, dirSlot, 0)
		if err := m.frames.FreeFrame(tableFrame); err != nil {
			return err
		}
	}

	space.regions = nil
	return m.frames.FreeFrame(space.dir)
}

// SwitchAddressSpace loads the space's directory into the address-space
// root register. The register reload carries an implicit full-TLB effect so
// no explicit flush is issued.
func (m *Manager) SwitchAddressSpace(space *AddressSpace) {
	m.active.Store(space)
	m.cpu.SwitchAddressSpace(space.dir.Address())
}

// CurrentAddressSpace returns the address space whose directory is loaded
// in the address-space root register.
func (m *Manager) CurrentAddressSpace() *AddressSpace {
	return m.active.Load()
}

// LookupProcessSpace returns the address space registered for pid.
func (m *Manager) LookupProcessSpace(pid uint32) (*AddressSpace, *kernel.Error) {
	space, ok := m.spaces.Load(pid)
	if !ok {
		return nil, ErrUnknownProcess
	}
	return space, nil
}

// CreateProcessSpace creates the address space for a new process and builds
// its default region layout.
func (m *Manager) CreateProcessSpace(pid uint32) (*AddressSpace, *kernel.Error) {
	space, err := m.CreateAddressSpace(pid, false)
	if err != nil {
		return nil, err
	}

	if err = m.CreateDefaultProcessLayout(pid); err != nil {
		_ = m.DestroyAddressSpace(space)
		return nil, err
	}
	return space, nil
}

// DestroyProcessSpace tears down the address space registered for pid.
func (m *Manager) DestroyProcessSpace(pid uint32) *kernel.Error {
	space, err := m.LookupProcessSpace(pid)
	if err != nil {
		return err
	}
	return m.DestroyAddressSpace(space)
}

// SwitchToProcess makes the address space registered for pid the active one.
func (m *Manager) SwitchToProcess(pid uint32) *kernel.Error {
	space, err := m.LookupProcessSpace(pid)
	if err != nil {
		return err
	}

	m.SwitchAddressSpace(space)
	return nil
}
