// Package mm defines the frame and page primitives shared by the physical
// and virtual memory managers.
package mm

import (
	"math"

	"memkern/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. In the latter case, the input address will be rounded down to
// the page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. The virtual
// memory manager and the kernel heap obtain and release backing frames
// exclusively through this interface.
type FrameAllocator interface {
	// AllocFrame reserves a free frame and returns its index. The
	// returned frame carries a single reference owned by the caller.
	AllocFrame() (Frame, *kernel.Error)

	// IncRef increments the reference count of an allocated frame.
	IncRef(frame Frame) *kernel.Error

	// FreeFrame drops one reference to an allocated frame, returning it
	// to the free pool when the last reference is dropped.
	FreeFrame(frame Frame) *kernel.Error

	// RefCount returns the number of references currently held on frame.
	RefCount(frame Frame) uint16

	// Owns returns true if the given frame belongs to one of the
	// allocator's memory pools. MMIO frames live outside the pools and
	// are not reference counted.
	Owns(frame Frame) bool
}
