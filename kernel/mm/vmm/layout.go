package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mm/aslr"
)

// CreateDefaultProcessLayout registers the five standard regions of a fresh
// process address space: code, heap, shared mapping area, library area and
// stack. The code region is placed at a fixed base; the remaining four are
// perturbed by the ASLR engine, with the stack offset subtracted since
// stacks grow downward.
func (m *Manager) CreateDefaultProcessLayout(pid uint32) *kernel.Error {
	space, err := m.LookupProcessSpace(pid)
	if err != nil {
		return err
	}

	layout := []Region{
		{
			Start: userCodeBase,
			Size:  defaultCodeSize,
			Kind:  RegionCode,
			Perms: PermRead | PermExec | PermUser,
			Flags: RegionFlagFixed,
			Name:  "code",
		},
		{
			Start: m.aslr.RandomizeAddress(userHeapBase, aslr.RegionHeap),
			Size:  defaultHeapSize,
			Kind:  RegionHeap,
			Perms: PermRead | PermWrite | PermUser,
			Flags: RegionFlagGrowsUp,
			Name:  "heap",
		},
		{
			Start: m.aslr.RandomizeAddress(userMmapBase, aslr.RegionMmap),
			Size:  defaultMmapSize,
			Kind:  RegionShared,
			Perms: PermRead | PermWrite | PermUser,
			Name:  "mmap",
		},
		{
			Start: m.aslr.RandomizeAddress(userLibBase, aslr.RegionLib),
			Size:  defaultLibSize,
			Kind:  RegionModule,
			Perms: PermRead | PermExec | PermUser,
			Name:  "lib",
		},
		{
			Start: m.aslr.RandomizeAddress(userStackTop, aslr.RegionStack) - defaultStackSize,
			Size:  defaultStackSize,
			Kind:  RegionStack,
			Perms: PermRead | PermWrite | PermUser,
			Flags: RegionFlagGrowsDown,
			Name:  "stack",
		},
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	for _, region := range layout {
		if err := space.insertRegion(region); err != nil {
			return err
		}
	}

	m.logger.Info("default process layout created", "pid", pid)
	return nil
}
