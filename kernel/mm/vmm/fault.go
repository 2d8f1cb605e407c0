package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm"
)

// Access identifies the access type that triggered a page fault.
type Access uint8

const (
	// AccessRead is a data read.
	AccessRead Access = iota

	// AccessWrite is a data write.
	AccessWrite

	// AccessExec is an instruction fetch.
	AccessExec
)

// String implements fmt.Stringer for Access.
func (access Access) String() string {
	switch access {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "invalid"
	}
}

// FaultHandler resolves page faults. One handler is installed per kernel;
// tests swap it to observe or redirect fault traffic.
type FaultHandler interface {
	// HandleFault attempts to resolve a fault for virtAddr in space.
	// A nil return means the fault was resolved and the access can be
	// retried; a non-nil return means the fault is fatal for the
	// faulting context.
	HandleFault(space *AddressSpace, virtAddr uintptr, access Access) *kernel.Error
}

// FaultReporter records the termination of a process that triggered a fatal
// fault. The process/scheduler subsystem installs its own implementation;
// the default merely logs.
type FaultReporter interface {
	ReportFatalFault(pid uint32, virtAddr uintptr, access Access, reason *kernel.Error)
}

// logFaultReporter is the default FaultReporter.
type logFaultReporter struct {
	logger interface {
		Error(msg string, args ...any)
	}
}

func (r *logFaultReporter) ReportFatalFault(pid uint32, virtAddr uintptr, access Access, reason *kernel.Error) {
	r.logger.Error("process terminated by fatal page fault",
		"pid", pid,
		"address", uint64(virtAddr),
		"access", access.String(),
		"reason", reason.Message,
	)
}

// HandlePageFault dispatches a page fault to the installed fault handler.
// Unresolvable faults terminate the owning process; a fault with no process
// context (a kernel-mode fault) halts the kernel with diagnostic output.
func (m *Manager) HandlePageFault(space *AddressSpace, virtAddr uintptr, access Access) *kernel.Error {
	err := m.faultHandler.HandleFault(space, virtAddr, access)
	if err == nil {
		return nil
	}

	m.logger.Error("page fault",
		"pid", space.pid,
		"address", uint64(virtAddr),
		"access", access.String(),
		"reason", err.Message,
	)

	if space.IsKernel() {
		// No process to blame; the kernel halts after emitting
		// diagnostics.
		panicFn(err)
		return err
	}

	m.reporter.ReportFatalFault(space.pid, virtAddr, access, err)
	_ = m.DestroyAddressSpace(space)
	return err
}

// lazyFaultHandler is the default fault handler: it backs unmapped pages of
// valid regions on first access and resolves copy-on-write violations.
type lazyFaultHandler struct {
	m *Manager
}

// HandleFault implements FaultHandler.
func (h *lazyFaultHandler) HandleFault(space *AddressSpace, virtAddr uintptr, access Access) *kernel.Error {
	m := h.m

	space.mu.Lock()
	defer space.mu.Unlock()

	region := space.regionAt(virtAddr)
	switch {
	case region == nil:
		return ErrNotMapped
	case region.isGuardPage(virtAddr):
		return ErrPermissionDenied
	case !region.Allows(access):
		return ErrPermissionDenied
	}

	pageAddr := virtAddr &^ (mm.PageSize - 1)
	pte, present := m.pteFor(space, pageAddr)

	if present {
		if access == AccessWrite && !pte.HasFlags(FlagRW) && pte.HasFlags(FlagCopyOnWrite) {
			return m.resolveCopyOnWrite(space, pageAddr, pte)
		}
		if !space.IsKernel() && !pte.HasFlags(FlagUserAccessible) {
			// Present but reserved for the kernel; retrying the
			// access would fault forever.
			return ErrPermissionDenied
		}
		// The mapping already satisfies the access; the fault was
		// raised against a stale TLB entry.
		return nil
	}

	// Lazy backing: allocate a frame, clear it and install it with the
	// region-derived flags.
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return err
	}
	if zerr := m.phys.Zero(frame); zerr != nil {
		return zerr
	}

	return m.mapLocked(space, mm.PageFromAddress(pageAddr), frame, regionEntryFlags(*region))
}

// resolveCopyOnWrite gives the faulting space a private writable copy of a
// shared page. When the faulting space holds the last reference the frame is
// simply re-armed writable; otherwise a fresh frame is allocated, the shared
// contents are copied and the shared frame's reference count is decremented.
// The caller must hold the space lock.
func (m *Manager) resolveCopyOnWrite(space *AddressSpace, pageAddr uintptr, pte pageTableEntry) *kernel.Error {
	shared := pte.Frame()

	if m.frames.Owns(shared) && m.frames.RefCount(shared) == 1 {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagRW)
		m.setPTE(space, pageAddr, pte)
		m.cpu.FlushTLBEntry(pageAddr)
		return nil
	}

	frameCopy, err := m.frames.AllocFrame()
	if err != nil {
		return err
	}
	if cerr := m.phys.Copy(frameCopy, shared); cerr != nil {
		return cerr
	}

	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)
	pte.SetFrame(frameCopy)
	m.setPTE(space, pageAddr, pte)
	m.cpu.FlushTLBEntry(pageAddr)

	if m.frames.Owns(shared) {
		return m.frames.FreeFrame(shared)
	}
	return nil
}

// regionEntryFlags derives the page table entry flags for mappings that
// back a region.
func regionEntryFlags(region Region) PageTableEntryFlag {
	flags := FlagPresent
	if region.Perms&PermWrite != 0 {
		flags |= FlagRW
	}
	if region.Perms&PermUser != 0 {
		flags |= FlagUserAccessible
	}
	if region.Perms&PermExec == 0 {
		flags |= FlagNoExecute
	}
	if region.Flags&RegionFlagNoCache != 0 {
		flags |= FlagDoNotCache
	}
	if region.Kind == RegionKernel || region.Kind == RegionReserved {
		flags |= FlagGlobal
	}
	return flags
}
