// Package vmm implements the virtual memory manager: the two-level page
// table structure per address space, mapping and unmapping with TLB
// maintenance, address-space lifecycle (create/clone/switch/destroy), region
// bookkeeping, demand paging with copy-on-write and the default process
// layout built on top of ASLR offsets.
package vmm

import "memkern/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages. The
	// manager does not support huge pages and rejects this flag.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when swapping page tables by reloading the
	// address-space root register. Honored only when the CPU reports
	// global page support.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only shared page whose next write must
	// be resolved by duplicating the backing frame. This flag and FlagRW
	// are mutually exclusive. It occupies one of the software-available
	// entry bits.
	FlagCopyOnWrite

	// FlagNoExecute indicates that a page contains non-executable code.
	// Without PAE the entry format has no hardware NX bit so this also
	// occupies a software-available bit; it is honored only when the CPU
	// reports NX support.
	FlagNoExecute
)

// ptePhysPageMask is a mask that allows us to extract the physical frame
// address pointed to by a page table entry. For the two-level format, bits
// 12-31 contain the physical frame address.
const ptePhysPageMask = uint32(0xfffff000)

// pageTableEntry describes an entry in the page directory or in a page
// table. Each entry encodes a physical frame number and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags
// set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}
