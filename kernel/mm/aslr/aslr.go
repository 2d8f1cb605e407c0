// Package aslr implements address space layout randomization. A xorshift
// stream generator seeded from weak boot-time entropy produces bounded,
// page-aligned offsets per region category. The generator is explicitly a
// best-effort source and must not be treated as attacker resistant.
package aslr

import (
	"strconv"
	"sync"

	"memkern/kernel/hal"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
)

// RegionKind identifies a randomizable region category.
type RegionKind uint8

const (
	// RegionStack randomizes the process stack base. Stack offsets are
	// subtracted since stacks grow downward.
	RegionStack RegionKind = iota

	// RegionHeap randomizes the process heap base.
	RegionHeap

	// RegionMmap randomizes the shared mapping area.
	RegionMmap

	// RegionExec randomizes the executable load base.
	RegionExec

	// RegionLib randomizes the library load area.
	RegionLib

	// RegionVDSO randomizes the vdso page placement.
	RegionVDSO

	regionKindCount
)

// String implements fmt.Stringer for RegionKind.
func (kind RegionKind) String() string {
	switch kind {
	case RegionStack:
		return "stack"
	case RegionHeap:
		return "heap"
	case RegionMmap:
		return "mmap"
	case RegionExec:
		return "exec"
	case RegionLib:
		return "lib"
	case RegionVDSO:
		return "vdso"
	default:
		return "invalid"
	}
}

// Mask selects which region categories RandomOffset is allowed to perturb.
func (kind RegionKind) Mask() uint8 {
	return 1 << kind
}

// MaskAll enables randomization for every supported region category.
const MaskAll = uint8(1<<regionKindCount) - 1

const (
	// minEntropyBits and maxEntropyBits bound the number of random bits
	// drawn per offset.
	minEntropyBits = 8
	maxEntropyBits = 24
)

// maxOffsetPages caps the produced offset per region category. Stack, heap,
// exec, lib and vdso get small windows to preserve alignment-sensitive
// loaders; the mmap area gets a large one.
var maxOffsetPages = [regionKindCount]uint64{
	RegionStack: 256,
	RegionHeap:  256,
	RegionMmap:  65536,
	RegionExec:  16,
	RegionLib:   64,
	RegionVDSO:  16,
}

// Config holds the process-wide randomization state. The generator state is
// a single shared counter guarded by a mutex because it is touched by
// concurrent process-creation paths.
type Config struct {
	mu sync.Mutex

	enabled     bool
	entropyBits uint8
	regionMask  uint8
	prngState   uint64
}

// NewConfig initializes the randomization state. The entropy bit count is
// clamped to the supported [8, 24] window and the generator is seeded once
// from the XOR of the supplied weak entropy sources. Boot command line
// arguments override the static configuration: "aslr=off" disables
// randomization and "aslr.bits=N" adjusts the entropy bit count.
func NewConfig(enabled bool, entropyBits uint8, regionMask uint8, entropy hal.EntropySources, cmdLine map[string]string) *Config {
	if arg, ok := cmdLine["aslr"]; ok {
		enabled = arg != "off" && arg != "0"
	}
	if arg, ok := cmdLine["aslr.bits"]; ok {
		if bits, err := strconv.ParseUint(arg, 10, 8); err == nil {
			entropyBits = uint8(bits)
		}
	}

	if entropyBits < minEntropyBits {
		entropyBits = minEntropyBits
	} else if entropyBits > maxEntropyBits {
		entropyBits = maxEntropyBits
	}

	cfg := &Config{
		enabled:     enabled,
		entropyBits: entropyBits,
		regionMask:  regionMask,
		prngState:   entropy.Seed(),
	}

	klog.Logger("aslr").Info("layout randomization configured",
		"enabled", enabled,
		"entropy_bits", entropyBits,
		"region_mask", regionMask,
	)
	return cfg
}

// Enable turns randomization on.
func (cfg *Config) Enable() {
	cfg.mu.Lock()
	cfg.enabled = true
	cfg.mu.Unlock()
}

// Disable turns randomization off. Subsequent RandomOffset calls return 0.
func (cfg *Config) Disable() {
	cfg.mu.Lock()
	cfg.enabled = false
	cfg.mu.Unlock()
}

// Enabled reports whether randomization is active.
func (cfg *Config) Enabled() bool {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	return cfg.enabled
}

// SetEntropyBits adjusts the number of random bits drawn per offset,
// clamped to the supported [8, 24] window.
func (cfg *Config) SetEntropyBits(bits uint8) {
	if bits < minEntropyBits {
		bits = minEntropyBits
	} else if bits > maxEntropyBits {
		bits = maxEntropyBits
	}

	cfg.mu.Lock()
	cfg.entropyBits = bits
	cfg.mu.Unlock()
}

// nextRandom advances the xorshift64* stream. The caller must hold cfg.mu.
func (cfg *Config) nextRandom() uint64 {
	cfg.prngState ^= cfg.prngState >> 12
	cfg.prngState ^= cfg.prngState << 25
	cfg.prngState ^= cfg.prngState >> 27
	return cfg.prngState * 0x2545f4914f6cdd1d
}

// RandomOffset returns a page-aligned byte offset for the supplied region
// category. The result is 0 when randomization is disabled or the category
// is not selected by the region mask; otherwise it lies within
// [0, maxOffsetPages[kind] * PageSize).
func (cfg *Config) RandomOffset(kind RegionKind) uintptr {
	if kind >= regionKindCount {
		return 0
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if !cfg.enabled || cfg.regionMask&kind.Mask() == 0 {
		return 0
	}

	pages := (cfg.nextRandom() & ((1 << cfg.entropyBits) - 1)) % maxOffsetPages[kind]
	return uintptr(pages) << mm.PageShift
}

// RandomizeAddress perturbs base with a random offset for the supplied
// region category. Stack offsets are subtracted since stacks grow downward;
// offsets for every other category are added.
func (cfg *Config) RandomizeAddress(base uintptr, kind RegionKind) uintptr {
	offset := cfg.RandomOffset(kind)
	if kind == RegionStack {
		return base - offset
	}
	return base + offset
}
