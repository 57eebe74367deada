package thread

import (
	"sync/atomic"
	"threados/kernel"
	"threados/kernel/mm"
	"threados/kernel/mm/vmm"
)

const (
	// DefaultStackPages is the number of usable pages allocated for a
	// thread stack when the caller does not need a specific size.
	DefaultStackPages = uint64(4)

	// stackRegionBase is the virtual address where the first thread stack
	// region (including its guard page) begins.
	stackRegionBase = uintptr(0x5555_5555_0000)

	// stackRegionLimit is the end of the canonical lower half of the
	// address space. Stack regions never extend past it.
	stackRegionLimit = uintptr(0x0000_8000_0000_0000)

	// stackPageFlags are applied to every usable stack page.
	stackPageFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
)

var (
	// stackCursor points to the start of the next unreserved stack region.
	// Reserved regions are never handed back.
	stackCursor = stackRegionBase

	// ErrFrameExhausted is returned when the frame allocator cannot back a
	// stack page with a physical frame.
	ErrFrameExhausted = &kernel.Error{Module: "thread", Message: "out of physical frames while allocating stack"}

	// ErrStackTooSmall is returned when a stack without usable pages is
	// requested.
	ErrStackTooSmall = &kernel.Error{Module: "thread", Message: "stack must contain at least one page"}

	// ErrStackRegionExhausted is returned when the virtual address range
	// reserved for thread stacks cannot fit the requested stack.
	ErrStackRegionExhausted = &kernel.Error{Module: "thread", Message: "out of virtual address space for stacks"}

	errUnalignedStackRegion = &kernel.Error{Module: "thread", Message: "stack region is not page aligned"}
	errGuardPageMapped      = &kernel.Error{Module: "thread", Message: "stack guard page is mapped"}
)

// Mapper is implemented by types that can map a virtual page to a physical
// frame and look up existing mappings. The frame allocator is used for any
// intermediate page tables that need to be allocated.
type Mapper interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag, frames mm.FrameAllocator) *kernel.Error
	IsMapped(virtAddr uintptr) bool
}

// AllocStack reserves sizeInPages+1 pages of virtual address space, leaves the
// lowest page unmapped as a guard page and backs the remaining pages with
// frames obtained from frames. It returns the bounds of the usable part of the
// stack. Finding the guard page mapped once the stack is set up is fatal.
//
// Mappings established before a failure are not rolled back.
func AllocStack(sizeInPages uint64, mapper Mapper, frames mm.FrameAllocator) (StackBounds, *kernel.Error) {
	if sizeInPages == 0 {
		return StackBounds{}, ErrStackTooSmall
	}

	if sizeInPages >= uint64(stackRegionLimit>>mm.PageShift) {
		return StackBounds{}, ErrStackRegionExhausted
	}

	regionSize := uintptr(sizeInPages+1) << mm.PageShift
	guardAddr, err := reserveStackRegion(regionSize)
	if err != nil {
		return StackBounds{}, err
	}

	bounds := StackBounds{
		Start: guardAddr + mm.PageSize,
		End:   guardAddr + regionSize,
	}

	for addr := bounds.Start; addr < bounds.End; addr += mm.PageSize {
		frame, allocErr := frames.AllocFrame()
		if allocErr != nil || !frame.Valid() {
			return StackBounds{}, ErrFrameExhausted
		}

		if err := mapper.Map(mm.PageFromAddress(addr), frame, stackPageFlags, frames); err != nil {
			return StackBounds{}, err
		}
	}

	if mapper.IsMapped(guardAddr) {
		panicFn(errGuardPageMapped)
		return StackBounds{}, errGuardPageMapped
	}

	return bounds, nil
}

// reserveStackRegion advances the stack cursor by size bytes and returns the
// start of the reserved range. The cursor is left untouched if the range does
// not fit below stackRegionLimit.
func reserveStackRegion(size uintptr) (uintptr, *kernel.Error) {
	for {
		cursor := atomic.LoadUintptr(&stackCursor)
		if !mm.PageAligned(cursor) {
			panicFn(errUnalignedStackRegion)
			return 0, errUnalignedStackRegion
		}

		if cursor > stackRegionLimit || size > stackRegionLimit-cursor {
			return 0, ErrStackRegionExhausted
		}

		if atomic.CompareAndSwapUintptr(&stackCursor, cursor, cursor+size) {
			return cursor, nil
		}
	}
}
