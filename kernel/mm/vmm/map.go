// Package vmm manages the page tables of the active address space.
package vmm

import (
	"threados/kernel"
	"threados/kernel/cpu"
	"threados/kernel/mm"
	"unsafe"
)

var (
	// nextAddrFn is used by used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "a frame allocator is required for allocating page tables"}
)

// Mapper installs page mappings into the currently active page directory
// table. It is the value handed to subsystems (e.g. the thread stack
// allocator) that need to map memory without depending on the page table
// walking code directly.
type Mapper struct{}

// Map implements the mapper contract expected by the thread stack allocator
// by forwarding to the package-level Map function.
func (Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, frames mm.FrameAllocator) *kernel.Error {
	return Map(page, frame, flags, frames)
}

// IsMapped forwards to the package-level IsMapped function.
func (Mapper) IsMapped(virtAddr uintptr) bool {
	return IsMapped(virtAddr)
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// supplied physical frame allocator to initialize missing page tables at each
// paging level supported by the MMU.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, frames mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			if frames == nil {
				err = errNoFrameAllocator
				return false
			}

			var newTableFrame mm.Frame
			newTableFrame, err = frames.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)
		}

		return true
	})

	return err
}

// IsMapped returns true if the page that contains virtAddr is present at
// every level of the active page tables.
func IsMapped(virtAddr uintptr) bool {
	_, err := pteForAddress(virtAddr)
	return err == nil
}
