package hal

import (
	"runtime"
	"time"
	"unsafe"
)

// EntropySources bundles the weak entropy values sampled at boot time. Their
// XOR seeds the ASLR stream generator. None of these sources is attacker
// resistant; the combination is strictly best-effort.
type EntropySources struct {
	// CycleCounter is the CPU timestamp counter sampled at boot.
	CycleCounter uint64

	// BootUptime is the elapsed time since power-on in nanoseconds.
	BootUptime uint64

	// CodeAddress is the address of a kernel code symbol.
	CodeAddress uint64

	// StackAddress is the address of a boot-stack local.
	StackAddress uint64

	// LastInterruptTS is the timestamp of the most recent interrupt.
	LastInterruptTS uint64
}

// Seed folds all sources into a single non-zero seed value.
func (src EntropySources) Seed() uint64 {
	seed := src.CycleCounter ^ src.BootUptime ^ src.CodeAddress ^ src.StackAddress ^ src.LastInterruptTS
	if seed == 0 {
		// A xorshift generator must never be seeded with zero.
		seed = 0x9e3779b97f4a7c15
	}
	return seed
}

var bootTime = time.Now()

// GatherEntropy samples the available weak entropy sources.
func GatherEntropy() EntropySources {
	var stackProbe int

	pc, _, _, _ := runtime.Caller(0)
	now := time.Now()

	return EntropySources{
		CycleCounter:    uint64(now.UnixNano()),
		BootUptime:      uint64(now.Sub(bootTime)),
		CodeAddress:     uint64(pc),
		StackAddress:    uint64(uintptr(unsafe.Pointer(&stackProbe))),
		LastInterruptTS: uint64(now.UnixNano() >> 6),
	}
}
