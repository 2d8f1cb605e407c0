package vmm

import (
	"fmt"
	"io"
	"sort"
)

// DumpSpaceRegions writes a human-readable table of the space's regions to w.
func (m *Manager) DumpSpaceRegions(space *AddressSpace, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "address space pid=%d dir=%#x\n", space.PID(), space.Dir().Address()); err != nil {
		return err
	}

	for _, region := range space.Regions() {
		_, err := fmt.Fprintf(w, "  %#010x-%#010x %s %-8s %s\n",
			region.Start, region.End(), region.Perms, region.Kind, region.Name)
		if err != nil {
			return err
		}
	}
	return nil
}

// DumpRegions writes the region tables of every registered address space to
// w, ordered by process identifier. Used by kernel consoles and tests.
func (m *Manager) DumpRegions(w io.Writer) error {
	var pids []uint32
	m.spaces.Range(func(pid uint32, _ *AddressSpace) bool {
		pids = append(pids, pid)
		return true
	})
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		space, ok := m.spaces.Load(pid)
		if !ok {
			continue
		}
		if err := m.DumpSpaceRegions(space, w); err != nil {
			return err
		}
	}
	return nil
}
