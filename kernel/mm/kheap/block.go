// Package kheap implements the kernel heap: a segregated free-list
// allocator carved out of frames obtained through the frame allocator and
// mapped into the kernel address space. Every block is bracketed by a header
// and a footer that duplicate the size and a canary value; any disagreement
// between the two is treated as corruption and refused rather than repaired.
// Requests of a page or more bypass the bins entirely and are placed between
// two intentionally unmapped guard pages.
package kheap

import (
	"encoding/binary"

	"memkern/kernel"
)

const (
	// blockMagic brackets the start of every bin-managed block.
	blockMagic = uint32(0x4b484541)

	// footerMagic brackets the end of every bin-managed block.
	footerMagic = uint32(0x4b464f4f)

	// largeMagic tags the prefix word of guard-page allocations.
	largeMagic = uint32(0x4b4c5247)

	// canaryValue is duplicated in the header and footer of each block.
	canaryValue = uint32(0xc0de4b1d)

	// statusFree and statusUsed encode the block state.
	statusFree = uint32(0xf4ee0000)
	statusUsed = uint32(0x0000a110)

	// poisonByte overwrites the payload of freed blocks so use-after-free
	// reads stand out.
	poisonByte = byte(0xde)

	// headerSize and footerSize are the per-block bookkeeping overhead.
	headerSize = uintptr(32)
	footerSize = uintptr(16)
	overhead   = headerSize + footerSize

	// minGranularity is the allocation rounding unit and alignment.
	minGranularity = uintptr(16)

	// minSplitPayload is the smallest remainder payload worth splitting
	// off into its own block.
	minSplitPayload = uintptr(32)
)

var (
	// ErrHeapCorruption is returned when a header/footer magic, canary or
	// size check fails. The operation is refused and counted, never
	// silently repaired.
	ErrHeapCorruption = &kernel.Error{Module: "kheap", Message: "heap block corruption detected"}

	// ErrDoubleFree is returned when freeing a block that is already
	// free.
	ErrDoubleFree = &kernel.Error{Module: "kheap", Message: "double free detected"}

	// ErrInvalidArgument is returned for zero-sized and nil-pointer
	// requests.
	ErrInvalidArgument = &kernel.Error{Module: "kheap", Message: "invalid argument"}
)

// blockHeader is the in-memory image of the 32-byte block header. Blocks
// are linked twice: prevPhys/nextPhys chain physically adjacent blocks for
// merging, prevFree/nextFree chain same-bin free blocks. Links are virtual
// addresses of block headers; 0 terminates a chain.
type blockHeader struct {
	magic    uint32
	size     uint32
	status   uint32
	prevPhys uint32
	nextPhys uint32
	prevFree uint32
	nextFree uint32
	canary   uint32
}

// blockFooter is the in-memory image of the 16-byte block footer. The
// footer duplicates the header's magic, size and canary and points back at
// the header so corruption of either end is detectable.
type blockFooter struct {
	magic      uint32
	headerAddr uint32
	size       uint32
	canary     uint32
}

func (hdr blockHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], hdr.magic)
	binary.LittleEndian.PutUint32(buf[4:], hdr.size)
	binary.LittleEndian.PutUint32(buf[8:], hdr.status)
	binary.LittleEndian.PutUint32(buf[12:], hdr.prevPhys)
	binary.LittleEndian.PutUint32(buf[16:], hdr.nextPhys)
	binary.LittleEndian.PutUint32(buf[20:], hdr.prevFree)
	binary.LittleEndian.PutUint32(buf[24:], hdr.nextFree)
	binary.LittleEndian.PutUint32(buf[28:], hdr.canary)
}

func decodeHeader(buf []byte) blockHeader {
	return blockHeader{
		magic:    binary.LittleEndian.Uint32(buf[0:]),
		size:     binary.LittleEndian.Uint32(buf[4:]),
		status:   binary.LittleEndian.Uint32(buf[8:]),
		prevPhys: binary.LittleEndian.Uint32(buf[12:]),
		nextPhys: binary.LittleEndian.Uint32(buf[16:]),
		prevFree: binary.LittleEndian.Uint32(buf[20:]),
		nextFree: binary.LittleEndian.Uint32(buf[24:]),
		canary:   binary.LittleEndian.Uint32(buf[28:]),
	}
}

func (ftr blockFooter) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], ftr.magic)
	binary.LittleEndian.PutUint32(buf[4:], ftr.headerAddr)
	binary.LittleEndian.PutUint32(buf[8:], ftr.size)
	binary.LittleEndian.PutUint32(buf[12:], ftr.canary)
}

func decodeFooter(buf []byte) blockFooter {
	return blockFooter{
		magic:      binary.LittleEndian.Uint32(buf[0:]),
		headerAddr: binary.LittleEndian.Uint32(buf[4:]),
		size:       binary.LittleEndian.Uint32(buf[8:]),
		canary:     binary.LittleEndian.Uint32(buf[12:]),
	}
}

// binCount segregates free blocks into power-of-two size classes from 16
// bytes up to 2048 bytes plus one catch-all bin for larger sub-page blocks.
const binCount = 9

// binFor returns the index of the smallest bin that can hold a block of the
// given payload size.
func binFor(size uintptr) int {
	binSize, bin := minGranularity, 0
	for bin < binCount-1 && size > binSize {
		binSize <<= 1
		bin++
	}
	return bin
}
