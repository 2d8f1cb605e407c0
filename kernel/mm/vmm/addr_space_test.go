package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"memkern/kernel/mm"
)

func TestCreateAddressSpaceSharesKernelHalf(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)

	space, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)

	kernelDir := mgr.snapshotKernelDir()
	for slot := kernelDirStart; slot < mm.TableEntryCount; slot++ {
		require.Equal(t, kernelDir[slot], mgr.entryAt(space.dir, slot),
			"kernel-half directory slot %d must be shared", slot)
	}

	_, err = mgr.CreateAddressSpace(1, false)
	require.Equal(t, ErrInvalidArgument, err, "duplicate pid must be rejected")

	require.Nil(t, mgr.DestroyAddressSpace(space))
	_, err = mgr.LookupProcessSpace(1)
	require.Equal(t, ErrUnknownProcess, err)
}

func TestKernelEntryPropagation(t *testing.T) {
	mgr, _, alloc := newTestManager(t, nil)

	space, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)

	// Force a fresh kernel-half page table after the process space exists.
	base, err := mgr.ReserveKernelRange(mm.PageSize, PermRead|PermWrite, 0, "late")
	require.Nil(t, err)
	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, mgr.Map(mgr.KernelSpace(), mm.PageFromAddress(base), frame, FlagPresent|FlagRW))

	slot := dirIndex(base)
	require.Equal(t, mgr.entryAt(mgr.kernelSpace.dir, slot), mgr.entryAt(space.dir, slot),
		"late kernel-half tables must propagate to existing spaces")
}

func TestCreateProcessSpaceLayout(t *testing.T) {
	offset := uintptr(16 * mm.PageSize)
	mgr, _, _ := newTestManager(t, fixedASLR{offset: offset})

	space, err := mgr.CreateProcessSpace(7)
	require.Nil(t, err)

	expect := map[string]uintptr{
		"code":  userCodeBase,
		"heap":  userHeapBase + offset,
		"mmap":  userMmapBase + offset,
		"lib":   userLibBase + offset,
		"stack": userStackTop - offset - defaultStackSize,
	}

	regions := space.Regions()
	require.Len(t, regions, 5)
	for _, region := range regions {
		expStart, ok := expect[region.Name]
		require.True(t, ok, "unexpected region %q", region.Name)
		require.Equal(t, expStart, region.Start, "region %q placement", region.Name)
	}
}

func TestCloneCopyOnWriteIsolation(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	parent, err := mgr.CreateProcessSpace(1)
	require.Nil(t, err)

	heapAddr := userHeapBase
	require.Nil(t, mgr.WriteAt(parent, []byte("parent data"), heapAddr))

	physAddr, err := mgr.Translate(parent, heapAddr)
	require.Nil(t, err)
	sharedFrame := mm.FrameFromAddress(physAddr)
	require.EqualValues(t, 1, alloc.RefCount(sharedFrame))

	child, err := mgr.CloneAddressSpace(parent, 2, true)
	require.Nil(t, err)
	require.EqualValues(t, 2, alloc.RefCount(sharedFrame),
		"copy-on-write must share the backing frame")

	// Both spaces read the same contents through the shared frame.
	buf := make([]byte, 11)
	require.Nil(t, mgr.ReadAt(child, buf, heapAddr))
	require.Equal(t, "parent data", string(buf))

	// A write in the parent breaks the sharing via a private copy.
	require.Nil(t, mgr.WriteAt(parent, []byte("parent edit"), heapAddr))
	require.EqualValues(t, 1, alloc.RefCount(sharedFrame),
		"resolving the write fault must drop the shared reference")

	// The child still observes the pre-edit contents.
	require.Nil(t, mgr.ReadAt(child, buf, heapAddr))
	require.Equal(t, "parent data", string(buf))

	// A write in the child now finds it as the sole owner and re-arms
	// the mapping in place.
	require.Nil(t, mgr.WriteAt(child, []byte("child data!"), heapAddr))
	childPhys, err := mgr.Translate(child, heapAddr)
	require.Nil(t, err)
	require.Equal(t, sharedFrame, mm.FrameFromAddress(childPhys),
		"the last owner keeps the original frame")
	require.EqualValues(t, 1, alloc.RefCount(sharedFrame))
}

func TestCloneEagerCopy(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	parent, err := mgr.CreateProcessSpace(1)
	require.Nil(t, err)

	heapAddr := userHeapBase
	require.Nil(t, mgr.WriteAt(parent, []byte("snapshot"), heapAddr))

	physAddr, err := mgr.Translate(parent, heapAddr)
	require.Nil(t, err)
	parentFrame := mm.FrameFromAddress(physAddr)

	child, err := mgr.CloneAddressSpace(parent, 2, false)
	require.Nil(t, err)

	childPhys, err := mgr.Translate(child, heapAddr)
	require.Nil(t, err)
	require.NotEqual(t, parentFrame, mm.FrameFromAddress(childPhys),
		"an eager clone must duplicate the backing frame")
	require.EqualValues(t, 1, alloc.RefCount(parentFrame))

	buf := make([]byte, 8)
	require.Nil(t, mgr.ReadAt(child, buf, heapAddr))
	require.Equal(t, "snapshot", string(buf))

	// Writes are isolated immediately, no faults involved.
	require.Nil(t, mgr.WriteAt(child, []byte("modified"), heapAddr))
	require.Nil(t, mgr.ReadAt(parent, buf, heapAddr))
	require.Equal(t, "snapshot", string(buf))
}

func TestDestroyProcessSpaceReleasesFrames(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	freeBefore := alloc.FreeFrames()

	_, err := mgr.CreateProcessSpace(1)
	require.Nil(t, err)
	parent, err := mgr.LookupProcessSpace(1)
	require.Nil(t, err)

	// Touch pages in several regions to force table and data frames.
	require.Nil(t, mgr.WriteAt(parent, []byte("a"), userHeapBase))
	require.Nil(t, mgr.WriteAt(parent, []byte("b"), userHeapBase+8*mm.PageSize))
	require.Nil(t, mgr.WriteAt(parent, []byte("c"), userStackTop-defaultStackSize))
	require.Less(t, alloc.FreeFrames(), freeBefore)

	require.Nil(t, mgr.DestroyProcessSpace(1))
	require.Equal(t, freeBefore, alloc.FreeFrames(),
		"destroying the space must return every frame it owned")
}

func TestDestroyCloneKeepsSharedFrames(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	parent, err := mgr.CreateProcessSpace(1)
	require.Nil(t, err)
	require.Nil(t, mgr.WriteAt(parent, []byte("kept"), userHeapBase))

	physAddr, err := mgr.Translate(parent, userHeapBase)
	require.Nil(t, err)
	frame := mm.FrameFromAddress(physAddr)

	child, err := mgr.CloneAddressSpace(parent, 2, true)
	require.Nil(t, err)
	require.EqualValues(t, 2, alloc.RefCount(frame))

	require.Nil(t, mgr.DestroyAddressSpace(child))
	require.EqualValues(t, 1, alloc.RefCount(frame),
		"destroying a clone drops only its own reference")

	buf := make([]byte, 4)
	require.Nil(t, mgr.ReadAt(parent, buf, userHeapBase))
	require.Equal(t, "kept", string(buf))
}

func TestSwitchAddressSpace(t *testing.T) {
	mgr, cpu, _ := newTestManager(t, fixedASLR{})

	space, err := mgr.CreateProcessSpace(1)
	require.Nil(t, err)

	fullFlushesBefore := cpu.FullFlushCount()
	require.Nil(t, mgr.SwitchToProcess(1))
	require.Equal(t, space, mgr.CurrentAddressSpace())
	require.Equal(t, space.dir.Address(), cpu.ActiveAddressSpace())
	require.Equal(t, fullFlushesBefore+1, cpu.FullFlushCount(),
		"a root register reload counts as a full flush")

	// Destroying the active space falls back to the kernel space.
	require.Nil(t, mgr.DestroyProcessSpace(1))
	require.Equal(t, mgr.KernelSpace(), mgr.CurrentAddressSpace())
	require.Equal(t, mgr.KernelSpace().dir.Address(), cpu.ActiveAddressSpace())
}

func TestShare(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	src, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)
	dst, err := mgr.CreateAddressSpace(2, false)
	require.Nil(t, err)

	srcAddr := uintptr(0x10000000)
	require.Nil(t, mgr.MapSegment(src, srcAddr, 2*mm.PageSize, PermRead|PermWrite|PermUser, RegionHeap, "shm"))

	dstAddr := uintptr(0x20000000)
	require.Nil(t, mgr.Share(src, srcAddr, dst, dstAddr, 2*mm.PageSize, PermRead|PermWrite|PermUser))

	// Both mappings resolve to the same frame with two references.
	srcPhys, err := mgr.Translate(src, srcAddr)
	require.Nil(t, err)
	dstPhys, err := mgr.Translate(dst, dstAddr)
	require.Nil(t, err)
	require.Equal(t, srcPhys, dstPhys)
	require.EqualValues(t, 2, alloc.RefCount(mm.FrameFromAddress(srcPhys)))

	// Writes through one space are visible through the other.
	require.Nil(t, mgr.WriteAt(src, []byte("hello share"), srcAddr+100))
	buf := make([]byte, 11)
	require.Nil(t, mgr.ReadAt(dst, buf, dstAddr+100))
	require.Equal(t, "hello share", string(buf))

	// The destination carries a Shared region; the source region is
	// flagged shared as well.
	dstRegions := dst.Regions()
	require.Len(t, dstRegions, 1)
	require.Equal(t, RegionShared, dstRegions[0].Kind)

	srcRegions := src.Regions()
	require.NotZero(t, srcRegions[0].Flags&RegionFlagShared)
}

func TestShareArgumentChecks(t *testing.T) {
	mgr, _, _ := newTestManager(t, fixedASLR{})

	src, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)
	dst, err := mgr.CreateAddressSpace(2, false)
	require.Nil(t, err)

	require.Equal(t, ErrInvalidArgument,
		mgr.Share(src, 0x1000, dst, 0x2000, 0, PermRead))
	require.Equal(t, ErrInvalidArgument,
		mgr.Share(src, 0x1001, dst, 0x2000, mm.PageSize, PermRead))
	require.Equal(t, ErrInvalidArgument,
		mgr.Share(src, 0x1000, src, 0x2000, mm.PageSize, PermRead))
	require.Equal(t, ErrInvalidArgument,
		mgr.Share(src, 0x1000, dst, 0x2000, mm.PageSize, PermRead),
		"sharing from an unmapped source range must fail")
}

func TestShareFromKernelSpace(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	dst, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)
	other, err := mgr.CreateAddressSpace(2, false)
	require.Nil(t, err)

	// An untouched kernel reservation: sharing it must back the pages and
	// grow a fresh kernel-half page table while both space locks are in
	// play.
	base, err := mgr.ReserveKernelRange(mm.PageSize, PermRead|PermWrite, 0, "shm")
	require.Nil(t, err)

	dstAddr := uintptr(0x30000000)
	require.Nil(t, mgr.Share(mgr.KernelSpace(), base, dst, dstAddr, mm.PageSize, PermRead|PermUser))

	// The new kernel table is visible from every registered space.
	require.True(t, mgr.entryAt(other.dir, dirIndex(base)).HasFlags(FlagPresent),
		"the kernel-half table must propagate to uninvolved spaces")

	payload := []byte("kernel to user")
	require.Nil(t, mgr.WriteAt(mgr.KernelSpace(), payload, base))

	got := make([]byte, len(payload))
	require.Nil(t, mgr.ReadAt(dst, got, dstAddr))
	require.Equal(t, payload, got)

	srcPhys, err := mgr.Translate(mgr.KernelSpace(), base)
	require.Nil(t, err)
	require.EqualValues(t, 2, alloc.RefCount(mm.FrameFromAddress(srcPhys)))
}

func TestProcessSpaceRejectsKernelHalfRegions(t *testing.T) {
	mgr, _, _ := newTestManager(t, fixedASLR{})

	space, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)
	peer, err := mgr.CreateAddressSpace(2, false)
	require.Nil(t, err)

	require.Equal(t, ErrInvalidArgument,
		mgr.MapSegment(space, kernelBase, mm.PageSize, PermRead|PermUser, RegionCode, "evil"))
	require.Equal(t, ErrInvalidArgument,
		mgr.MapSegment(space, kernelBase-mm.PageSize, 2*mm.PageSize, PermRead|PermUser, RegionCode, "straddle"))

	srcAddr := uintptr(0x10000000)
	require.Nil(t, mgr.MapSegment(space, srcAddr, mm.PageSize, PermRead|PermWrite|PermUser, RegionHeap, "shm"))
	require.Equal(t, ErrInvalidArgument,
		mgr.Share(space, srcAddr, peer, kernelBase, mm.PageSize, PermRead|PermUser),
		"a share must not land in a process space's kernel half")

	// The kernel's own space still places kernel-half regions freely.
	require.Nil(t, mgr.MapSegment(mgr.KernelSpace(), kernelBase+0x03000000, mm.PageSize, PermRead|PermWrite, RegionKernel, "scratch"))

	// Nothing leaked into the shared kernel tables: the rejected addresses
	// stay unmapped in every space.
	_, terr := mgr.Translate(peer, kernelBase)
	require.Equal(t, ErrNotMapped, terr)
	_, terr = mgr.Translate(mgr.KernelSpace(), kernelBase)
	require.Equal(t, ErrNotMapped, terr)
}

func TestSharePartialFailureUnwinds(t *testing.T) {
	mgr, _, alloc := newTestManager(t, fixedASLR{})

	src, err := mgr.CreateAddressSpace(1, false)
	require.Nil(t, err)
	dst, err := mgr.CreateAddressSpace(2, false)
	require.Nil(t, err)

	srcAddr := uintptr(0x10000000)
	require.Nil(t, mgr.MapSegment(src, srcAddr, 2*mm.PageSize, PermRead|PermWrite|PermUser, RegionHeap, "shm"))
	require.Nil(t, mgr.WriteAt(src, []byte("page zero"), srcAddr))
	require.Nil(t, mgr.WriteAt(src, []byte("page one"), srcAddr+mm.PageSize))

	// Occupy the second destination page so the share fails halfway
	// through.
	dstAddr := uintptr(0x20000000)
	blocker, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, mgr.Map(dst, mm.PageFromAddress(dstAddr+mm.PageSize), blocker, FlagPresent|FlagRW|FlagUserAccessible))

	freeBefore := alloc.FreeFrames()

	require.Equal(t, ErrAlreadyMapped,
		mgr.Share(src, srcAddr, dst, dstAddr, 2*mm.PageSize, PermRead|PermUser))

	// The half-installed share is gone: no destination region, no leftover
	// mapping, no extra frame references.
	require.Empty(t, dst.Regions())
	_, terr := mgr.Translate(dst, dstAddr)
	require.Equal(t, ErrNotMapped, terr)
	require.Equal(t, freeBefore, alloc.FreeFrames())

	srcPhys, err := mgr.Translate(src, srcAddr)
	require.Nil(t, err)
	require.EqualValues(t, 1, alloc.RefCount(mm.FrameFromAddress(srcPhys)))
}
