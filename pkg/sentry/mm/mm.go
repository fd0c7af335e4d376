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

// Package mm implements address spaces: their regions, the page fault
// handler that populates them, and their lifecycle.
//
// Lock order:
//
//	AddressSpace.mu
//	  pagetables.Table.mu
//	    pgalloc.Allocator.mu
//	  arch.CPU spl
//
// The page table allocates and fills a new frame with its own lock held, so
// two faults on one page never both allocate.
package mm

import (
	"fmt"
	"time"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sentry/arch"
	"vmcore.dev/vmcore/pkg/sentry/pagetables"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

const (
	// UserSpaceTop is the first address above user space.
	UserSpaceTop hostarch.Addr = 0x80000000

	// UserStack is the initial user stack pointer. The stack grows down
	// from here.
	UserStack = UserSpaceTop

	// StackPages is the size of the user stack region in pages.
	StackPages = 16
)

// VM is the virtual memory system. There is one per machine, created by
// Bootstrap.
type VM struct {
	ram    *physmem.RAM
	frames *pgalloc.Allocator
	pt     *pagetables.Table
	cpu    *arch.CPU

	// lastASID is the most recently assigned address space identity.
	lastASID atomicbitops.Uint32

	// warn reports user-caused failures without flooding the log.
	warn log.Logger
}

// Bootstrap brings up virtual memory on ram. The page table's storage is
// reserved from raw memory first, then the frame allocator takes over
// everything that remains.
//
// Bootstrap must be called once per RAM, before any address space exists.
func Bootstrap(ram *physmem.RAM) (*VM, error) {
	nframes := ram.Size() / hostarch.PageSize
	frames := pgalloc.New(ram)

	ptPages := pagetables.StoragePages(nframes)
	ptBase, err := frames.Allocate(ptPages)
	if err != nil {
		return nil, fmt.Errorf("reserving %d pages for the page table: %w", ptPages, err)
	}
	frames.Init()

	vm := &VM{
		ram:    ram,
		frames: frames,
		pt:     pagetables.New(frames, nframes),
		cpu:    arch.NewCPU(),
		warn:   log.BasicRateLimitedLogger(time.Second),
	}
	log.Infof("VM bootstrapped: %d frames, page table %d slots at %v (%d pages), %d frames free", nframes, vm.pt.Capacity(), ptBase, ptPages, frames.FreeFrames())
	return vm, nil
}

// RAM returns the physical memory the VM manages.
func (vm *VM) RAM() *physmem.RAM {
	return vm.ram
}

// Frames returns the frame allocator.
func (vm *VM) Frames() *pgalloc.Allocator {
	return vm.frames
}

// PageTable returns the page table.
func (vm *VM) PageTable() *pagetables.Table {
	return vm.pt
}

// CPU returns the processor.
func (vm *VM) CPU() *arch.CPU {
	return vm.cpu
}

// Shootdown describes a single-page TLB invalidation requested by another
// processor.
type Shootdown struct {
	ASID hostarch.ASID
	Addr hostarch.Addr
}

// TLBShootdown handles a request from another processor to invalidate one
// translation. The VM only runs on one processor, so this never happens.
func (vm *VM) TLBShootdown(s Shootdown) {
	panic(fmt.Sprintf("mm: TLB shootdown of %v in address space %d on a uniprocessor", s.Addr, s.ASID))
}

// TLBShootdownAll handles a request from another processor to flush its
// TLB. See TLBShootdown.
func (vm *VM) TLBShootdownAll() {
	panic("mm: TLB shootdown on a uniprocessor")
}
