package pmm

import (
	"reflect"
	"unsafe"

	"twzcore/kernel"
	"twzcore/kernel/kfmt"
	"twzcore/kernel/mm"
	"twzcore/kernel/mm/vmm"
)

var (
	// reserveRegionFn and mapFn are used by tests to mock calls to the vmm
	// package and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Unlike
// BootMemAllocator, reserved frames can be returned to the pool via
// FreeFrame, which is required once objects can be evicted and their
// backing frames reclaimed.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the boot memory
// allocator and flags any allocated pages as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps uses the early allocator and vmm region reservation
// helper to initialize the list of available pools and their free bitmap
// slices.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mm.PageSize - 1)
		requiredBitmapBytes mm.Size
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	VisitMemRegions(func(region *Region) bool {
		if region.Type != RegionAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := mm.Frame(((uint64(region.PhysAddress) + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((uint64(region.PhysAddress)+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits. Since
		// our slice uses uint64 for storing the bitmap we need to round up
		// the required bits so they are a multiple of 64 bits
		requiredBitmapBytes += mm.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	// Reserve enough pages to hold the allocator state
	requiredBytes := mm.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1) & ^pageSizeMinus1)
	requiredPages := requiredBytes >> mm.PageShift
	alloc.poolsHdr.Data, err = reserveRegionFn(uintptr(requiredBytes))
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(alloc.poolsHdr.Data), mm.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Run a second pass to initialize the free bitmap slices for all pools
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	VisitMemRegions(func(region *Region) bool {
		if region.Type != RegionAvailable {
			return true
		}

		regionStartFrame := mm.Frame(((uint64(region.PhysAddress) + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((uint64(region.PhysAddress)+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-endian representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// reserveKernelFrames makes as reserved the bitmap entries for the frames
// occupied by the kernel image.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(bootMemAllocator.kernelStartFrame)
	for frame := bootMemAllocator.kernelStartFrame; frame <= bootMemAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames makes as reserved the bitmap entries for the
// frames already allocated by the boot memory allocator.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	// We now need to decomission the boot allocator by flagging all frames
	// it allocated as reserved. The allocator itself does not track
	// individual frames, only a counter of allocated frames. To get the
	// list of frames we reset its internal state and "replay" the
	// allocation requests to get the correct frames.
	allocCount := bootMemAllocator.allocCount
	bootMemAllocator.allocCount, bootMemAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := bootMemAllocator.AllocFrame()
		alloc.markFrame(
			alloc.poolForFrame(frame),
			frame,
			markReserved,
		)
	}
}

// AllocFrame scans the pool list for the first available free frame,
// reserves it and returns it to the caller.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for block, bits := range pool.freeBitmap {
			if bits == ^uint64(0) {
				continue
			}

			for bitIndex := 0; bitIndex < 64; bitIndex++ {
				mask := uint64(1 << (63 - bitIndex))
				if bits&mask != 0 {
					continue
				}

				frame := pool.startFrame + mm.Frame(block<<6+bitIndex)
				if frame > pool.endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame returns a previously allocated frame back to its pool so it can
// be reused by a later AllocFrame call.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocInvalidFrame
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

var (
	errBitmapAllocOutOfMemory  = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.KindCapacity}
	errBitmapAllocInvalidFrame = &kernel.Error{Module: "bitmap_alloc", Message: "frame does not belong to any known pool", Kind: kernel.KindArgument}
)
