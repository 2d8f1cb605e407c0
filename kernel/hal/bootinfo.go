// Package hal isolates the hardware-facing surface of the kernel: the boot
// information handed over by the bootloader, the physical memory arena, the
// privileged CPU operations (TLB maintenance, address-space register) and the
// weak entropy sources used to seed ASLR. Everything above this package is
// ordinary safe logic.
package hal

import "strings"

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemACPIReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemACPIReclaimable

	// MemNVS indicates memory that must be preserved when hibernating.
	MemNVS

	// MemUnknown indicates a memory region whose contents must be preserved.
	MemUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemNVS:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a physical memory region, namely its physical
// address, its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// CPUFeatures describes the optional CPU capabilities that gate page table
// entry flag behavior.
type CPUFeatures struct {
	// HasNX is true when the CPU supports the no-execute page flag.
	HasNX bool

	// HasGlobalPages is true when the CPU supports global TLB entries
	// that survive an address-space switch.
	HasGlobalPages bool

	// HasPAE is true when the CPU supports physical address extension.
	HasPAE bool
}

// BootInfo captures the information handed over by the bootloader before the
// memory management subsystem is brought up.
type BootInfo struct {
	// MemoryMap lists the physical memory regions reported by the
	// bootloader.
	MemoryMap []MemoryMapEntry

	// CmdLine contains the parsed boot command line.
	CmdLine map[string]string

	// Features describes the detected CPU capabilities.
	Features CPUFeatures

	// Entropy provides the weak entropy sources collected at boot.
	Entropy EntropySources
}

// NewBootInfo assembles a BootInfo from a raw memory map, an unparsed boot
// command line and the detected CPU capabilities, gathering the boot entropy
// sources in the process.
func NewBootInfo(memoryMap []MemoryMapEntry, cmdLine string, features CPUFeatures) *BootInfo {
	return &BootInfo{
		MemoryMap: memoryMap,
		CmdLine:   ParseCmdLine(cmdLine),
		Features:  features,
		Entropy:   GatherEntropy(),
	}
}

// ParseCmdLine splits a raw boot command line into a key/value map. Arguments
// follow the "key=value" convention; bare words are stored with an empty
// value.
func ParseCmdLine(raw string) map[string]string {
	parsed := make(map[string]string)
	for _, field := range strings.Fields(raw) {
		if eqIndex := strings.IndexByte(field, '='); eqIndex != -1 {
			parsed[field[:eqIndex]] = field[eqIndex+1:]
			continue
		}
		parsed[field] = ""
	}

	return parsed
}
