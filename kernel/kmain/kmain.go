// Package kmain brings up the memory management subsystem in dependency
// order: physical memory arena, frame allocator, layout randomization,
// virtual memory manager and finally the kernel heap. Each component is
// created exactly once per boot and handed to the next stage explicitly.
package kmain

import (
	"fmt"
	"io"

	"memkern/kernel"
	"memkern/kernel/diag"
	"memkern/kernel/hal"
	"memkern/kernel/klog"
	"memkern/kernel/mm/aslr"
	"memkern/kernel/mm/kheap"
	"memkern/kernel/mm/pmm"
	"memkern/kernel/mm/vmm"
)

const (
	// defaultEntropyBits is the ASLR entropy used when the boot command
	// line does not override it.
	defaultEntropyBits = 16

	// heapInitialSize and heapMaxSize bound the kernel heap arena.
	heapInitialSize = uintptr(64 * 1024)
	heapMaxSize     = uintptr(16 * 1024 * 1024)
)

// Kernel bundles the memory subsystem singletons created by a boot.
type Kernel struct {
	Phys *hal.PhysicalMemory
	CPU  *hal.SimCPU
	PMM  *pmm.Allocator
	VMM  *vmm.Manager
	Heap *kheap.Heap
	ASLR *aslr.Config
	Diag *diag.Registry
}

// Kmain initializes the memory management subsystem from the supplied boot
// information and returns the assembled kernel handle.
func Kmain(bootInfo *hal.BootInfo) (*Kernel, *kernel.Error) {
	logger := klog.Logger("kmain")

	phys := hal.NewPhysicalMemory(bootInfo.MemoryMap)

	frameAlloc, err := pmm.NewAllocator(phys, bootInfo.MemoryMap)
	if err != nil {
		return nil, err
	}

	cpu := hal.NewSimCPU(bootInfo.Features)
	aslrCfg := aslr.NewConfig(true, defaultEntropyBits, aslr.MaskAll, bootInfo.Entropy, bootInfo.CmdLine)

	mgr, err := vmm.NewManager(phys, frameAlloc, cpu, aslrCfg, bootInfo.MemoryMap)
	if err != nil {
		return nil, err
	}

	heap, err := kheap.New(mgr, frameAlloc, heapInitialSize, heapMaxSize)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		Phys: phys,
		CPU:  cpu,
		PMM:  frameAlloc,
		VMM:  mgr,
		Heap: heap,
		ASLR: aslrCfg,
		Diag: diag.NewRegistry(),
	}
	k.registerDumpSections()

	logger.Info("memory subsystem up",
		"total_frames", frameAlloc.TotalFrames(),
		"free_frames", frameAlloc.FreeFrames(),
	)
	return k, nil
}

// registerDumpSections wires the subsystem counters into the diagnostic dump
// registry.
func (k *Kernel) registerDumpSections() {
	k.Diag.Register("pmm", func(w io.Writer) error {
		stats := k.PMM.Stats()
		_, err := fmt.Fprintf(w, "total_frames=%d free_frames=%d allocs=%d frees=%d contig_failures=%d\n",
			stats.TotalFrames, stats.FreeFrames, stats.Allocs, stats.Frees, stats.ContigFailures)
		return err
	})

	k.Diag.Register("vmm", func(w io.Writer) error {
		return k.VMM.DumpRegions(w)
	})

	k.Diag.Register("kheap", func(w io.Writer) error {
		return k.Heap.DumpStats(w)
	})

	k.Diag.Register("tlb", func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "entry_flushes=%d full_flushes=%d active_dir=%#x\n",
			k.CPU.EntryFlushCount(), k.CPU.FullFlushCount(), k.CPU.ActiveAddressSpace())
		return err
	})
}
