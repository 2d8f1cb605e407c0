package vmm

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"memkern/kernel"
	"memkern/kernel/hal"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
	"memkern/kernel/mm/aslr"
)

const (
	// KernelPID identifies the kernel's own address space.
	KernelPID = uint32(0)

	// kernelBase marks the start of the kernel half of every address
	// space. Directory entries at or above this address are shared
	// between the kernel and all process address spaces.
	kernelBase = uintptr(0x80000000)

	// kernelVSpaceTop bounds the kernel's dynamically mapped window.
	// Top-down kernel reservations (heap backing, MMIO windows) are
	// carved from just below this address.
	kernelVSpaceTop = uintptr(0xf0000000)

	// Default process layout bases. The code base is fixed; the heap,
	// shared mapping area, library area and stack are perturbed by the
	// ASLR engine when a process layout is built.
	userCodeBase   = uintptr(0x08048000) &^ (mm.PageSize - 1)
	userHeapBase   = uintptr(0x10000000)
	userMmapBase   = uintptr(0x40000000)
	userLibBase    = uintptr(0x60000000)
	userStackTop   = uintptr(0x7f000000)
	userSpaceFloor = uintptr(0x00100000)

	defaultCodeSize  = uintptr(4 * 1024 * 1024)
	defaultHeapSize  = uintptr(16 * 1024 * 1024)
	defaultMmapSize  = uintptr(64 * 1024 * 1024)
	defaultLibSize   = uintptr(32 * 1024 * 1024)
	defaultStackSize = uintptr(8 * 1024 * 1024)
)

var (
	// ErrNotMapped is returned when looking up a virtual memory address
	// that does not point to a mapped physical page.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when attempting to map a page that is
	// already backed by a present mapping.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrInvalidArgument is returned for misaligned addresses and
	// zero-sized requests.
	ErrInvalidArgument = &kernel.Error{Module: "vmm", Message: "invalid argument"}

	// ErrRegionOverlap is returned when a new region would overlap an
	// existing one.
	ErrRegionOverlap = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}

	// ErrOutOfVirtualSpace is returned when no free virtual range large
	// enough for a request exists.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}

	// ErrPermissionDenied is returned when a page fault access violates
	// the owning region's permission set.
	ErrPermissionDenied = &kernel.Error{Module: "vmm", Message: "memory access violates region permissions"}

	// ErrNoHugePageSupport is returned when a mapping request carries the
	// huge page flag.
	ErrNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// ErrUnknownProcess is returned for lifecycle operations on a process
	// identifier with no registered address space.
	ErrUnknownProcess = &kernel.Error{Module: "vmm", Message: "no address space registered for process"}

	// ErrNotSupported is returned by operations whose backing machinery
	// has not been implemented, such as swapping pages out.
	ErrNotSupported = &kernel.Error{Module: "vmm", Message: "operation not supported"}

	// panicFn is used by tests to intercept kernel-context fatal faults.
	panicFn = func(err *kernel.Error) { panic(err) }
)

// AddressSpace is the unit of isolation for a process (or the kernel). It
// owns a page directory frame and an ordered, non-overlapping list of memory
// regions. All directory/table edits and region list mutations for a space
// are serialized by its lock.
type AddressSpace struct {
	mu sync.Mutex

	pid uint32
	dir mm.Frame

	// kernelAccessible is set when the space also maps the kernel's
	// lower-half identity mappings.
	kernelAccessible bool

	regions []Region
}

// PID returns the identifier of the owning process.
func (space *AddressSpace) PID() uint32 {
	return space.pid
}

// Dir returns the physical frame holding the space's page directory.
func (space *AddressSpace) Dir() mm.Frame {
	return space.dir
}

// IsKernel returns true for the kernel's own address space.
func (space *AddressSpace) IsKernel() bool {
	return space.pid == KernelPID
}

// Regions returns a copy of the space's region list.
func (space *AddressSpace) Regions() []Region {
	space.mu.Lock()
	defer space.mu.Unlock()

	out := make([]Region, len(space.regions))
	copy(out, space.regions)
	return out
}

// Manager owns the page table layer and the region layer for every address
// space in the system. One Manager instance exists per booted kernel.
type Manager struct {
	phys   *hal.PhysicalMemory
	frames mm.FrameAllocator
	cpu    hal.CPU
	aslr   ASLRSource
	logger *slog.Logger

	kernelSpace *AddressSpace

	// spaces maps process identifiers to their address spaces. Process
	// creation runs concurrently across cores so the registry must be
	// safe for concurrent use.
	spaces *xsync.MapOf[uint32, *AddressSpace]

	active atomic.Pointer[AddressSpace]

	faultHandler FaultHandler
	reporter     FaultReporter

	// kernelReserveNext tracks the next top-down kernel virtual space
	// reservation. Decreases monotonically from kernelVSpaceTop.
	reserveMu         sync.Mutex
	kernelReserveNext uintptr
}

// ASLRSource yields the layout randomization offsets consumed when building
// a process layout. It is satisfied by *aslr.Config.
type ASLRSource interface {
	RandomOffset(kind aslr.RegionKind) uintptr
	RandomizeAddress(base uintptr, kind aslr.RegionKind) uintptr
}

// NewManager creates the kernel address space, identity-maps the reserved
// (non-available) regions of the memory map into it and activates it.
func NewManager(phys *hal.PhysicalMemory, frames mm.FrameAllocator, cpu hal.CPU, aslrSrc ASLRSource, memoryMap []hal.MemoryMapEntry) (*Manager, *kernel.Error) {
	m := &Manager{
		phys:              phys,
		frames:            frames,
		cpu:               cpu,
		aslr:              aslrSrc,
		logger:            klog.Logger("vmm"),
		spaces:            xsync.NewMapOf[uint32, *AddressSpace](),
		kernelReserveNext: kernelVSpaceTop,
	}
	m.faultHandler = &lazyFaultHandler{m: m}
	m.reporter = &logFaultReporter{logger: m.logger}

	dirFrame, err := m.allocTableFrame()
	if err != nil {
		return nil, err
	}

	m.kernelSpace = &AddressSpace{pid: KernelPID, dir: dirFrame}
	m.spaces.Store(KernelPID, m.kernelSpace)
	m.active.Store(m.kernelSpace)
	cpu.SwitchAddressSpace(dirFrame.Address())

	if err = m.identityMapReserved(memoryMap); err != nil {
		return nil, err
	}

	m.logger.Info("kernel address space initialized", "dir_frame", uint64(dirFrame))
	return m, nil
}

// KernelSpace returns the kernel's own address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// SetFaultHandler swaps the installed page fault handler and returns the
// previous one.
func (m *Manager) SetFaultHandler(h FaultHandler) FaultHandler {
	prev := m.faultHandler
	m.faultHandler = h
	return prev
}

// SetFaultReporter swaps the installed fatal fault reporter and returns the
// previous one.
func (m *Manager) SetFaultReporter(r FaultReporter) FaultReporter {
	prev := m.reporter
	m.reporter = r
	return prev
}

// SwapOut would write the frames backing the region at virtAddr to backing
// store and drop their mappings. No swap backend exists; the call validates
// its arguments and refuses.
func (m *Manager) SwapOut(space *AddressSpace, virtAddr uintptr) *kernel.Error {
	space.mu.Lock()
	defer space.mu.Unlock()

	region := space.regionAt(virtAddr)
	if region == nil {
		return ErrNotMapped
	}
	if region.Flags&RegionFlagSwappable == 0 {
		return ErrInvalidArgument
	}

	return ErrNotSupported
}

// identityMapReserved installs identity mappings for every non-available
// memory map region that falls inside the arena. This covers the kernel
// image and firmware areas so that early kernel code keeps working after the
// kernel directory is activated. Frames outside the allocator pools are not
// reference counted.
func (m *Manager) identityMapReserved(memoryMap []hal.MemoryMapEntry) *kernel.Error {
	arenaSize := uintptr(m.phys.NumFrames()) << mm.PageShift

	for _, region := range memoryMap {
		if region.Type == hal.MemAvailable {
			continue
		}

		start := uintptr(region.PhysAddress) &^ (mm.PageSize - 1)
		end := uintptr(region.PhysAddress+region.Length+uint64(mm.PageSize)-1) &^ (mm.PageSize - 1)
		if end > arenaSize {
			end = arenaSize
		}
		if end <= start {
			continue
		}

		for addr := start; addr < end; addr += mm.PageSize {
			page := mm.PageFromAddress(addr)
			if err := m.Map(m.kernelSpace, page, mm.Frame(page), FlagPresent|FlagRW|FlagGlobal|FlagNoExecute); err != nil {
				return err
			}
		}

		m.kernelSpace.mu.Lock()
		err := m.kernelSpace.insertRegion(Region{
			Start: start,
			Size:  end - start,
			Kind:  RegionReserved,
			Perms: PermRead | PermWrite,
			Flags: RegionFlagFixed,
			Name:  region.Type.String(),
		})
		m.kernelSpace.mu.Unlock()
		if err != nil {
			return err
		}
	}

	return nil
}

// allocTableFrame reserves and clears a frame for use as a page directory or
// page table.
func (m *Manager) allocTableFrame() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	if zerr := m.phys.Zero(frame); zerr != nil {
		return mm.InvalidFrame, zerr
	}
	return frame, nil
}

// entryAt reads the page table entry at index from the table stored in
// tableFrame.
func (m *Manager) entryAt(tableFrame mm.Frame, index uintptr) pageTableEntry {
	contents, err := m.phys.FrameSlice(tableFrame)
	if err != nil {
		return 0
	}
	return pageTableEntry(binary.LittleEndian.Uint32(contents[index<<mm.EntryShift:]))
}

// setEntryAt writes the page table entry at index into the table stored in
// tableFrame.
func (m *Manager) setEntryAt(tableFrame mm.Frame, index uintptr, pte pageTableEntry) {
	contents, err := m.phys.FrameSlice(tableFrame)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint32(contents[index<<mm.EntryShift:], uint32(pte))
}

// dirIndex returns the page directory slot for a virtual address.
func dirIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> (mm.PageShift + 10)) & (mm.TableEntryCount - 1)
}

// tableIndex returns the page table slot for a virtual address.
func tableIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> mm.PageShift) & (mm.TableEntryCount - 1)
}

// kernelDirStart is the first directory slot belonging to the kernel half.
var kernelDirStart = dirIndex(kernelBase)

// ReserveKernelRange reserves a page-aligned contiguous virtual memory
// region with the requested size in the kernel address space and returns its
// base address. Reservations are carved top-down from the end of the kernel
// dynamic window; the range is registered as a kernel region but not backed
// by frames.
func (m *Manager) ReserveKernelRange(size uintptr, perms Perms, flags RegionFlags, name string) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidArgument
	}
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	m.reserveMu.Lock()
	if size > m.kernelReserveNext-kernelBase {
		m.reserveMu.Unlock()
		return 0, ErrOutOfVirtualSpace
	}
	m.kernelReserveNext -= size
	base := m.kernelReserveNext
	m.reserveMu.Unlock()

	m.kernelSpace.mu.Lock()
	err := m.kernelSpace.insertRegion(Region{
		Start: base,
		Size:  size,
		Kind:  RegionKernel,
		Perms: perms,
		Flags: flags,
		Name:  name,
	})
	m.kernelSpace.mu.Unlock()
	if err != nil {
		return 0, err
	}

	return base, nil
}
