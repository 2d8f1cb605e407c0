package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm"
)

// RegionKind tags a memory region with its semantic type.
type RegionKind uint8

const (
	// RegionCode holds the process executable image.
	RegionCode RegionKind = iota

	// RegionHeap holds a growable heap area.
	RegionHeap

	// RegionStack holds a downward-growing stack.
	RegionStack

	// RegionShared holds memory shared between address spaces.
	RegionShared

	// RegionModule holds loaded library images.
	RegionModule

	// RegionMMIO holds eagerly mapped device memory.
	RegionMMIO

	// RegionKernel holds kernel-internal mappings.
	RegionKernel

	// RegionReserved holds ranges that must not be allocated from.
	RegionReserved
)

// String implements fmt.Stringer for RegionKind.
func (kind RegionKind) String() string {
	switch kind {
	case RegionCode:
		return "code"
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	case RegionShared:
		return "shared"
	case RegionModule:
		return "module"
	case RegionMMIO:
		return "mmio"
	case RegionKernel:
		return "kernel"
	case RegionReserved:
		return "reserved"
	default:
		return "invalid"
	}
}

// Perms describes the access permission set of a memory region.
type Perms uint8

const (
	// PermRead allows read access.
	PermRead Perms = 1 << iota

	// PermWrite allows write access.
	PermWrite

	// PermExec allows instruction fetches.
	PermExec

	// PermUser allows access from user mode.
	PermUser
)

// String implements fmt.Stringer for Perms.
func (p Perms) String() string {
	out := []byte("----")
	if p&PermRead != 0 {
		out[0] = 'r'
	}
	if p&PermWrite != 0 {
		out[1] = 'w'
	}
	if p&PermExec != 0 {
		out[2] = 'x'
	}
	if p&PermUser != 0 {
		out[3] = 'u'
	}
	return string(out)
}

// RegionFlags carries optional region attributes.
type RegionFlags uint16

const (
	// RegionFlagNoCache disables caching for the region's mappings.
	RegionFlagNoCache RegionFlags = 1 << iota

	// RegionFlagShared marks a region whose frames back mappings in more
	// than one address space.
	RegionFlagShared

	// RegionFlagFixed marks a region whose placement must not be
	// randomized or relocated.
	RegionFlagFixed

	// RegionFlagGuardPage marks a region whose first and last pages are
	// intentionally unmapped; any access to them is a fatal fault.
	RegionFlagGuardPage

	// RegionFlagGrowsDown marks a stack region.
	RegionFlagGrowsDown

	// RegionFlagGrowsUp marks a heap region.
	RegionFlagGrowsUp

	// RegionFlagSwappable marks a region whose frames may be written out
	// to backing store under memory pressure. No swap backend exists yet;
	// SwapOut refuses the request.
	RegionFlagSwappable
)

// Region describes a contiguous virtual address range [Start, Start+Size)
// owned by a single address space. Region bounds are always page-aligned.
type Region struct {
	Start uintptr
	Size  uintptr
	Kind  RegionKind
	Perms Perms
	Flags RegionFlags
	Name  string
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Start + r.Size
}

// Contains returns true if virtAddr falls inside the region.
func (r Region) Contains(virtAddr uintptr) bool {
	return virtAddr >= r.Start && virtAddr < r.End()
}

// Allows returns true if the region permission set covers the requested
// access type.
func (r Region) Allows(access Access) bool {
	switch access {
	case AccessRead:
		return r.Perms&PermRead != 0
	case AccessWrite:
		return r.Perms&PermWrite != 0
	case AccessExec:
		return r.Perms&PermExec != 0
	default:
		return false
	}
}

// isGuardPage returns true if the page at virtAddr is one of the region's
// intentionally unmapped guard pages.
func (r Region) isGuardPage(virtAddr uintptr) bool {
	if r.Flags&RegionFlagGuardPage == 0 {
		return false
	}

	page := virtAddr & ^(mm.PageSize - 1)
	return page == r.Start || page == r.End()-mm.PageSize
}

// insertRegion files a region into the space's ordered region list. The
// caller must hold the space lock. Overlapping ranges are rejected.
func (space *AddressSpace) insertRegion(region Region) *kernel.Error {
	if region.Size == 0 || region.Start&(mm.PageSize-1) != 0 || region.Size&(mm.PageSize-1) != 0 {
		return ErrInvalidArgument
	}

	// The kernel half of a process space is the kernel's own shared page
	// tables; letting a process region reach into it would install private
	// mappings into tables visible from every address space.
	if !space.IsKernel() && region.End() > kernelBase {
		return ErrInvalidArgument
	}

	insertAt := len(space.regions)
	for i, existing := range space.regions {
		if region.Start < existing.End() && existing.Start < region.End() {
			return ErrRegionOverlap
		}
		if region.Start < existing.Start {
			insertAt = i
			break
		}
	}

	space.regions = append(space.regions, Region{})
	copy(space.regions[insertAt+1:], space.regions[insertAt:])
	space.regions[insertAt] = region
	return nil
}

// regionAt returns a pointer to the region containing virtAddr or nil. The
// caller must hold the space lock. Lookup is a linear scan; process region
// counts stay small enough that an ordered structure is not worth the
// bookkeeping.
func (space *AddressSpace) regionAt(virtAddr uintptr) *Region {
	for i := range space.regions {
		if space.regions[i].Contains(virtAddr) {
			return &space.regions[i]
		}
	}
	return nil
}

// regionStartingAt returns a pointer to the region whose base is virtAddr
// or nil. The caller must hold the space lock.
func (space *AddressSpace) regionStartingAt(virtAddr uintptr) *Region {
	for i := range space.regions {
		if space.regions[i].Start == virtAddr {
			return &space.regions[i]
		}
	}
	return nil
}

// removeRegion drops the region whose base is start. The caller must hold
// the space lock.
func (space *AddressSpace) removeRegion(start uintptr) {
	for i := range space.regions {
		if space.regions[i].Start == start {
			space.regions = append(space.regions[:i], space.regions[i+1:]...)
			return
		}
	}
}

// findFreeRange locates the first gap of at least size bytes between the
// regions inside [floor, ceiling). The caller must hold the space lock.
func (space *AddressSpace) findFreeRange(size, floor, ceiling uintptr) (uintptr, *kernel.Error) {
	candidate := floor
	for _, existing := range space.regions {
		if existing.End() <= candidate {
			continue
		}
		if existing.Start >= ceiling {
			break
		}
		if existing.Start >= candidate+size {
			break
		}
		candidate = existing.End()
	}

	if candidate+size > ceiling {
		return 0, ErrOutOfVirtualSpace
	}
	return candidate, nil
}
