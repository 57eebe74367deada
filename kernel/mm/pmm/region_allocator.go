// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"threados/kernel"
	"threados/kernel/kfmt"
	"threados/kernel/mm"
)

// maxRegions defines the number of distinct physical memory regions that a
// RegionAllocator can track. Regions are stored in a fixed-size array so that
// the allocator can be used before the Go allocator is available.
const maxRegions = 16

var (
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errTooManyRegions  = &kernel.Error{Module: "pmm", Message: "too many memory regions"}
	errRegionNotSorted = &kernel.Error{Module: "pmm", Message: "memory regions must be added in ascending, non-overlapping order"}
)

// region describes an inclusive range of physical frames.
type region struct {
	startFrame, endFrame mm.Frame
}

// RegionAllocator implements a rudimentary physical memory allocator that
// hands out frames from a list of free physical memory regions reported by
// the boot collaborator while skipping over the frames occupied by the
// kernel image.
//
// Allocations are tracked via an internal counter that contains the last
// allocated frame. Due to the way that the allocator works, it is not possible
// to free allocated frames. RegionAllocator implements mm.FrameAllocator.
type RegionAllocator struct {
	regions     [maxRegions]region
	regionCount int

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// Init resets the allocator state and records the physical location of the
// kernel image so that its frames are never handed out.
func (alloc *RegionAllocator) Init(kernelStart, kernelEnd uintptr) {
	*alloc = RegionAllocator{}

	if kernelEnd <= kernelStart {
		alloc.kernelStartFrame, alloc.kernelEndFrame = mm.InvalidFrame, mm.InvalidFrame
		return
	}

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := mm.PageSize - 1
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// AddRegion registers the physical memory region [physAddr, physAddr+length)
// as available for allocation. Region boundaries that are not page-aligned
// are rounded inwards; regions smaller than a page are silently skipped.
// Regions must be added in ascending address order.
func (alloc *RegionAllocator) AddRegion(physAddr, length uintptr) *kernel.Error {
	pageSizeMinus1 := mm.PageSize - 1
	startAddr := (physAddr + pageSizeMinus1) & ^pageSizeMinus1
	endAddr := (physAddr + length) & ^pageSizeMinus1
	if endAddr <= startAddr {
		return nil
	}

	if alloc.regionCount == maxRegions {
		return errTooManyRegions
	}

	r := region{
		startFrame: mm.Frame(startAddr >> mm.PageShift),
		endFrame:   mm.Frame(endAddr>>mm.PageShift) - 1,
	}

	if alloc.regionCount > 0 && r.startFrame <= alloc.regions[alloc.regionCount-1].endFrame {
		return errRegionNotSorted
	}

	alloc.regions[alloc.regionCount] = r
	alloc.regionCount++
	return nil
}

// AllocFrame scans the registered memory regions and reserves the next
// available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *RegionAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i := 0; i < alloc.regionCount; i++ {
		r := alloc.regions[i]

		// Skip over already exhausted regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= r.endFrame {
			continue
		}

		candidate := r.startFrame
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= r.startFrame {
			candidate = alloc.lastAllocFrame + 1
		}

		// Jump past the kernel image if the candidate frame overlaps it
		if alloc.kernelStartFrame.Valid() && candidate >= alloc.kernelStartFrame && candidate <= alloc.kernelEndFrame {
			candidate = alloc.kernelEndFrame + 1
		}

		// The above adjustment might push the candidate outside of the
		// region end (e.g kernel ends at last page in the region)
		if candidate > r.endFrame {
			continue
		}

		alloc.lastAllocFrame = candidate
		alloc.allocCount++
		return candidate, nil
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocCount returns the number of frames handed out so far.
func (alloc *RegionAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// PrintMemoryMap outputs the registered memory regions and the kernel image
// location to the active console.
func (alloc *RegionAllocator) PrintMemoryMap() {
	var totalFree uint64

	kfmt.Printf("[pmm] system memory map:\n")
	for i := 0; i < alloc.regionCount; i++ {
		r := alloc.regions[i]
		size := uint64(r.endFrame-r.startFrame+1) << mm.PageShift
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d\n", r.startFrame.Address(), (r.endFrame + 1).Address(), size)
		totalFree += size
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)

	if alloc.kernelStartFrame.Valid() {
		kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
		kfmt.Printf("[pmm] size: %d bytes, reserved pages: %d\n",
			uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
			uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
		)
	}
}
