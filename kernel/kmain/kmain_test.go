package kmain

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"memkern/kernel/hal"
	"memkern/kernel/mm"
)

func testBootInfo(cmdLine string) *hal.BootInfo {
	return hal.NewBootInfo(
		[]hal.MemoryMapEntry{
			{PhysAddress: 0, Length: 64 * uint64(mm.PageSize), Type: hal.MemReserved},
			{PhysAddress: 64 * uint64(mm.PageSize), Length: 4032 * uint64(mm.PageSize), Type: hal.MemAvailable},
		},
		cmdLine,
		hal.CPUFeatures{HasNX: true, HasGlobalPages: true},
	)
}

func TestKmainBringUp(t *testing.T) {
	k, err := Kmain(testBootInfo(""))
	require.Nil(t, err)

	require.NotZero(t, k.PMM.TotalFrames())
	require.Equal(t, k.VMM.KernelSpace(), k.VMM.CurrentAddressSpace())
	require.Equal(t, k.VMM.KernelSpace().Dir().Address(), k.CPU.ActiveAddressSpace())
	require.True(t, k.ASLR.Enabled())

	// The heap is usable right out of boot.
	ptr, herr := k.Heap.Alloc(128)
	require.Nil(t, herr)
	require.Nil(t, k.Heap.Free(ptr))
}

func TestKmainCmdLineDisablesASLR(t *testing.T) {
	k, err := Kmain(testBootInfo("aslr=off"))
	require.Nil(t, err)
	require.False(t, k.ASLR.Enabled())

	// With randomization off the process layout lands on the default
	// bases every time.
	first, perr := k.VMM.CreateProcessSpace(1)
	require.Nil(t, perr)
	second, perr := k.VMM.CreateProcessSpace(2)
	require.Nil(t, perr)

	firstRegions, secondRegions := first.Regions(), second.Regions()
	require.Equal(t, len(firstRegions), len(secondRegions))
	for i := range firstRegions {
		require.Equal(t, firstRegions[i].Start, secondRegions[i].Start)
	}
}

func TestProcessLifecycleEndToEnd(t *testing.T) {
	k, err := Kmain(testBootInfo(""))
	require.Nil(t, err)

	parent, perr := k.VMM.CreateProcessSpace(1)
	require.Nil(t, perr)

	// Locate the heap region; ASLR moves it around.
	var heapBase uintptr
	for _, region := range parent.Regions() {
		if region.Name == "heap" {
			heapBase = region.Start
		}
	}
	require.NotZero(t, heapBase)

	payload := []byte("process payload")
	require.Nil(t, k.VMM.WriteAt(parent, payload, heapBase))

	child, cerr := k.VMM.CloneAddressSpace(parent, 2, true)
	require.Nil(t, cerr)

	got := make([]byte, len(payload))
	require.Nil(t, k.VMM.ReadAt(child, got, heapBase))
	require.Equal(t, payload, got)

	// Diverge the child, then make sure the parent kept its view.
	require.Nil(t, k.VMM.WriteAt(child, []byte("child rewrite!!"), heapBase))
	require.Nil(t, k.VMM.ReadAt(parent, got, heapBase))
	require.Equal(t, payload, got)

	freeBefore := k.PMM.FreeFrames()
	require.Nil(t, k.VMM.DestroyProcessSpace(2))
	require.Greater(t, k.PMM.FreeFrames(), freeBefore,
		"destroying the child must return frames to the pool")
	require.Nil(t, k.VMM.DestroyProcessSpace(1))
}

func TestDiagnosticDump(t *testing.T) {
	k, err := Kmain(testBootInfo(""))
	require.Nil(t, err)

	_, perr := k.VMM.CreateProcessSpace(1)
	require.Nil(t, perr)

	var out bytes.Buffer
	require.NoError(t, k.Diag.WriteDump(&out, false))

	dump := out.String()
	for _, section := range []string{"[pmm]", "[vmm]", "[kheap]", "[tlb]"} {
		require.Contains(t, dump, section)
	}
	require.Contains(t, dump, "total_frames=")
	require.Contains(t, dump, "heap_bytes=")
	require.Contains(t, dump, "pid=1")
}
