package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert a physical address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntryShift is equal to log2(unsafe.Sizeof(pageTableEntry)). Page
	// table entries are 32 bits wide so each translation level packs
	// PageSize >> EntryShift entries into a single frame.
	EntryShift = uintptr(2)

	// TableEntryCount is the number of entries in the page directory and
	// in each page table.
	TableEntryCount = uintptr(1) << (PageShift - EntryShift)
)
