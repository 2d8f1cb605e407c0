package hal

import "sync/atomic"

// CPU abstracts the privileged per-core operations required by the memory
// management subsystem: TLB maintenance and the address-space root register.
// The rest of the kernel only ever talks to this interface which keeps all
// privileged state behind a single seam.
type CPU interface {
	// FlushTLBEntry invalidates the TLB entry for a particular virtual
	// address.
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLB invalidates all non-global TLB entries.
	FlushTLB()

	// SwitchAddressSpace points the address-space root register to the
	// supplied page directory physical address. The register reload
	// implicitly flushes all non-global TLB entries.
	SwitchAddressSpace(rootPhysAddr uintptr)

	// ActiveAddressSpace returns the physical address stored in the
	// address-space root register.
	ActiveAddressSpace() uintptr

	// Features returns the detected CPU capabilities.
	Features() CPUFeatures
}

// SimCPU is a software model of the privileged CPU surface. It tracks the
// root register value and counts TLB invalidations so tests can assert that
// mapping changes flush exactly the affected entries.
type SimCPU struct {
	features CPUFeatures

	rootReg atomic.Uintptr

	// Invalidation counters, exposed for diagnostics and tests.
	entryFlushes atomic.Uint64
	fullFlushes  atomic.Uint64
}

// NewSimCPU returns a SimCPU reporting the supplied feature set.
func NewSimCPU(features CPUFeatures) *SimCPU {
	return &SimCPU{features: features}
}

// FlushTLBEntry invalidates the TLB entry for virtAddr.
func (c *SimCPU) FlushTLBEntry(_ uintptr) {
	c.entryFlushes.Add(1)
}

// FlushTLB invalidates all non-global TLB entries.
func (c *SimCPU) FlushTLB() {
	c.fullFlushes.Add(1)
}

// SwitchAddressSpace loads rootPhysAddr into the root register. The reload
// counts as a full TLB flush.
func (c *SimCPU) SwitchAddressSpace(rootPhysAddr uintptr) {
	c.rootReg.Store(rootPhysAddr)
	c.fullFlushes.Add(1)
}

// ActiveAddressSpace returns the current root register value.
func (c *SimCPU) ActiveAddressSpace() uintptr {
	return c.rootReg.Load()
}

// Features returns the simulated CPU capabilities.
func (c *SimCPU) Features() CPUFeatures {
	return c.features
}

// EntryFlushCount returns the number of single-entry TLB invalidations
// performed so far.
func (c *SimCPU) EntryFlushCount() uint64 {
	return c.entryFlushes.Load()
}

// FullFlushCount returns the number of full TLB invalidations performed so
// far, including the implicit flushes caused by root register reloads.
func (c *SimCPU) FullFlushCount() uint64 {
	return c.fullFlushes.Load()
}
