// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgalloc contains the physical frame allocator.
//
// The allocator owns every frame above the kernel image and the kernel's own
// boot-time structures. Frames are tracked in a frame table with one slot per
// physical page; free frames are threaded onto a singly linked list through
// their slots by index. Before Init, allocations are served directly from
// the raw memory's bump pointer.
//
// Ownership: the allocator owns all frames currently marked free; the caller
// owns a block between Allocate and the matching Free.
package pgalloc

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sync"
)

// frameEntryBytes is the size charged against physical memory for each frame
// table slot.
const frameEntryBytes = 24

// nilFrame terminates the free list.
const nilFrame = ^uint32(0)

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/vm/frames/allocated", "Number of physical frames handed out by the frame allocator.")
	framesFreed     = metric.MustCreateNewUint64Metric("/vm/frames/freed", "Number of physical frames returned to the frame allocator.")
	framesOOM       = metric.MustCreateNewUint64Metric("/vm/frames/oom", "Number of allocations that failed for lack of free frames.")
)

// RawMemory is physical memory as seen before the allocator exists.
type RawMemory interface {
	// Size returns the total amount of physical memory in bytes.
	Size() uint64

	// StealMem reserves npages contiguous pages with a bump pointer.
	StealMem(npages uint64) (physmem.PhysAddr, error)

	// FirstFree returns the lowest unreserved physical address and hands
	// all memory above it to the caller.
	FirstFree() physmem.PhysAddr
}

// Mapping identifies the page table entry that refers to a frame.
type Mapping struct {
	ASID hostarch.ASID
	Addr hostarch.Addr
}

// frame is a frame table slot.
type frame struct {
	// kernel is set for frames below the first managed frame.
	kernel bool

	// inUse is set between Allocate and Free.
	inUse bool

	// npages is the length of the block this frame heads, or 0 if the frame
	// is not the head of an allocated block.
	npages uint32

	// next links free frames. It is meaningful only while !inUse.
	next uint32

	// owner is the back-reference to the mapping using this frame. It does
	// not own the mapping.
	owner  Mapping
	mapped bool
}

// Allocator is the physical frame allocator.
type Allocator struct {
	mem RawMemory

	// mu protects the fields below. It is never held across a blocking
	// operation.
	mu sync.Mutex

	// frames is the frame table, nil until Init.
	frames []frame

	// freeHead is the first free frame, or nilFrame.
	freeHead uint32

	// nfree is the length of the free list.
	nfree uint64

	// firstManaged is the index of the lowest frame the allocator manages.
	firstManaged uint64
}

// New returns an allocator over mem. Until Init is called, Allocate takes
// pages from mem's bump pointer and Free is not permitted.
func New(mem RawMemory) *Allocator {
	return &Allocator{
		mem:      mem,
		freeHead: nilFrame,
	}
}

// Init carves the frame table out of physical memory and puts every frame
// above it on the free list, lowest address first.
//
// Init may only be called once.
func (a *Allocator) Init() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames != nil {
		panic("pgalloc: Init called twice")
	}

	total := a.mem.Size() / hostarch.PageSize
	if total > uint64(nilFrame) {
		panic(fmt.Sprintf("pgalloc: %d frames exceed the frame table's index range", total))
	}
	tablePages := hostarch.PagesFor(total * frameEntryBytes)
	if _, err := a.mem.StealMem(tablePages); err != nil {
		panic(fmt.Sprintf("pgalloc: no room for a %d page frame table: %v", tablePages, err))
	}
	first := a.mem.FirstFree()
	if !first.IsPageAligned() || first.FrameNumber() >= total {
		panic(fmt.Sprintf("pgalloc: no memory left to manage above %v", first))
	}

	frames := make([]frame, total)
	firstManaged := first.FrameNumber()
	for i := uint64(0); i < firstManaged; i++ {
		frames[i].kernel = true
		frames[i].inUse = true
	}
	for i := firstManaged; i < total; i++ {
		frames[i].next = uint32(i + 1)
	}
	frames[total-1].next = nilFrame

	a.frames = frames
	a.firstManaged = firstManaged
	a.freeHead = uint32(firstManaged)
	a.nfree = total - firstManaged
	log.Infof("Frame allocator: %d frames, %d managed from %v, frame table %d pages", total, a.nfree, first, tablePages)
}

// Initialized returns true once Init has run.
func (a *Allocator) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames != nil
}

// Allocate returns the base of npages physically contiguous pages. The pages
// are not zeroed.
//
// Allocate returns ENOMEM if no suitable block is free, and EINVAL if
// npages is zero.
func (a *Allocator) Allocate(npages uint64) (physmem.PhysAddr, error) {
	if npages == 0 {
		return 0, linuxerr.EINVAL
	}
	a.mu.Lock()
	if a.frames == nil {
		a.mu.Unlock()
		return a.mem.StealMem(npages)
	}
	defer a.mu.Unlock()

	var idx uint32
	if npages == 1 {
		if a.freeHead == nilFrame {
			framesOOM.Increment()
			return 0, linuxerr.ENOMEM
		}
		idx = a.freeHead
		f := &a.frames[idx]
		a.freeHead = f.next
		f.inUse = true
		f.next = nilFrame
	} else {
		var ok bool
		if idx, ok = a.allocateRunLocked(npages); !ok {
			framesOOM.Increment()
			return 0, linuxerr.ENOMEM
		}
	}
	a.frames[idx].npages = uint32(npages)
	a.nfree -= npages
	framesAllocated.IncrementBy(npages)
	return physmem.PhysAddr(uint64(idx) * hostarch.PageSize), nil
}

// allocateRunLocked finds the lowest run of npages free frames, marks it in
// use and unlinks it from the free list.
//
// Preconditions: a.mu is locked; npages > 1.
func (a *Allocator) allocateRunLocked(npages uint64) (uint32, bool) {
	if npages > a.nfree {
		return 0, false
	}
	run := uint64(0)
	for i := a.firstManaged; i < uint64(len(a.frames)); i++ {
		if a.frames[i].inUse {
			run = 0
			continue
		}
		run++
		if run < npages {
			continue
		}
		start := i + 1 - npages
		for j := start; j <= i; j++ {
			a.frames[j].inUse = true
		}
		a.relinkFreeLocked()
		return uint32(start), true
	}
	return 0, false
}

// relinkFreeLocked drops in-use frames from the free list, keeping the order
// of the remaining entries.
//
// Preconditions: a.mu is locked.
func (a *Allocator) relinkFreeLocked() {
	prev := nilFrame
	for idx := a.freeHead; idx != nilFrame; {
		next := a.frames[idx].next
		if a.frames[idx].inUse {
			a.frames[idx].next = nilFrame
			if prev == nilFrame {
				a.freeHead = next
			} else {
				a.frames[prev].next = next
			}
		} else {
			prev = idx
		}
		idx = next
	}
}

// Free returns the block headed at pa to the free list.
//
// Freeing anything other than the base of a live block allocated after Init
// is a kernel consistency failure and panics.
func (a *Allocator) Free(pa physmem.PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames == nil {
		panic(fmt.Sprintf("pgalloc: Free(%v) before Init", pa))
	}
	idx := pa.FrameNumber()
	if !pa.IsPageAligned() || idx >= uint64(len(a.frames)) {
		panic(fmt.Sprintf("pgalloc: Free(%v): not a frame address", pa))
	}
	head := &a.frames[idx]
	if head.kernel {
		panic(fmt.Sprintf("pgalloc: Free(%v): frame belongs to the kernel", pa))
	}
	if !head.inUse || head.npages == 0 {
		panic(fmt.Sprintf("pgalloc: Free(%v): not the base of an allocated block", pa))
	}

	npages := uint64(head.npages)
	for i := idx; i < idx+npages; i++ {
		f := &a.frames[i]
		*f = frame{next: a.freeHead}
		a.freeHead = uint32(i)
	}
	a.nfree += npages
	framesFreed.IncrementBy(npages)
}

// SetOwner records the mapping that refers to the frame at pa.
//
// Precondition: pa is a frame allocated after Init.
func (a *Allocator) SetOwner(pa physmem.PhysAddr, m Mapping) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.managedLocked(pa)
	if !f.inUse {
		panic(fmt.Sprintf("pgalloc: SetOwner(%v): frame is free", pa))
	}
	f.owner = m
	f.mapped = true
}

// Owner returns the mapping that refers to the frame at pa, if any.
func (a *Allocator) Owner(pa physmem.PhysAddr) (Mapping, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.managedLocked(pa)
	return f.owner, f.mapped
}

// InUse returns true if the frame at pa is allocated or belongs to the
// kernel.
func (a *Allocator) InUse(pa physmem.PhysAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := pa.FrameNumber()
	if a.frames == nil || idx >= uint64(len(a.frames)) {
		return false
	}
	return a.frames[idx].inUse
}

// managedLocked returns the slot for pa, panicking if pa is not a frame the
// allocator manages.
//
// Preconditions: a.mu is locked.
func (a *Allocator) managedLocked(pa physmem.PhysAddr) *frame {
	idx := pa.FrameNumber()
	if a.frames == nil || !pa.IsPageAligned() || idx < a.firstManaged || idx >= uint64(len(a.frames)) {
		panic(fmt.Sprintf("pgalloc: %v is not a managed frame", pa))
	}
	return &a.frames[idx]
}

// FreeFrames returns the number of free frames.
func (a *Allocator) FreeFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// TotalFrames returns the number of physical frames, including the kernel's.
func (a *Allocator) TotalFrames() uint64 {
	return a.mem.Size() / hostarch.PageSize
}

// FirstManaged returns the lowest physical address the allocator hands out.
//
// Precondition: Init has been called.
func (a *Allocator) FirstManaged() physmem.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return physmem.PhysAddr(a.firstManaged * hostarch.PageSize)
}
