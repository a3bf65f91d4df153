package pmm

import (
	"twzcore/kernel"
	"twzcore/kernel/kfmt"
	"twzcore/kernel/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindCapacity}
)

// BootMemAllocator implements a rudimentary physical memory allocator used to
// bootstrap the kernel's own address space before the bitmap allocator is
// available.
//
// The allocator scans the installed memory map (see SetMemoryMap) to detect
// free memory blocks and returns the next available free frame. Allocations
// are tracked via an internal counter holding the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks are handed over to BitmapAllocator, which does support freeing.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of the kernel's reserved region so it can be excluded.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the installed memory regions and reserves the next
// available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	VisitMemRegions(func(region *Region) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != RegionAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + uintptr(pageSizeMinus1)) & ^uintptr(pageSizeMinus1)) >> mm.PageShift)
		regionEndFrame := mm.Frame(((uint64(region.PhysAddress)+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		// Skip over already allocated regions
		if alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		// If last frame used a different region and the kernel image
		// is located at the beginning of this region OR we are in
		// the current region but lastAllocFrame + 1 points to the
		// kernel start, jump to the page following the kernel end
		// frame.
		if (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		} else if alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0 {
			// we are in the previous region and need to jump to this one OR
			// this is the first allocation and the region begins at frame 0
			alloc.lastAllocFrame = regionStartFrame
		} else {
			// we are in the region and we can select the next frame
			alloc.lastAllocFrame++
		}

		// The above adjustment might push lastAllocFrame outside of the
		// region end (e.g kernel ends at last page in the region)
		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap prints the installed memory region list along with the
// kernel's reserved range.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	VisitMemRegions(func(region *Region) bool {
		kfmt.Printf("\t[0x%x - 0x%x], size: %d, type: %s\n", region.PhysAddress, uint64(region.PhysAddress)+region.Length, region.Length, region.Type.String())

		if region.Type == RegionAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
