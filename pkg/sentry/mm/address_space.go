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

package mm

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/cleanup"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sentry/arch"
	"vmcore.dev/vmcore/pkg/sync"
)

// AddressSpace is the user address space of one process.
type AddressSpace struct {
	// asid identifies the address space's page table entries. It is never
	// 0 and never reused.
	asid hostarch.ASID

	// mu protects the fields below. Faults hold it for reading, so
	// teardown cannot race with a fault populating the page table.
	mu sync.RWMutex

	regions regionSet

	// stackBase is the lowest address of the stack region, valid if
	// hasStack.
	stackBase hostarch.Addr
	hasStack  bool

	// loading is set while an executable is being loaded. Every region is
	// writable while it is set.
	loading bool

	// dead is set by Destroy.
	dead bool
}

// NewAddressSpace returns an empty address space.
func (vm *VM) NewAddressSpace() *AddressSpace {
	asid := hostarch.ASID(vm.lastASID.Add(1))
	if asid == 0 {
		panic("mm: address space identities exhausted")
	}
	log.Debugf("Created address space %d", asid)
	return &AddressSpace{
		asid:    asid,
		regions: newRegionSet(),
	}
}

// ASID returns the identity of the address space.
func (as *AddressSpace) ASID() hostarch.ASID {
	return as.asid
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("as%d", as.asid)
}

// DefineRegion makes [addr, addr+length) legal to fault in with the given
// permissions. The region is widened to whole pages.
//
// DefineRegion returns EINVAL if the range is empty, extends past the top of
// user space, or overlaps another region.
func (as *AddressSpace) DefineRegion(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if length == 0 {
		return linuxerr.EINVAL
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return linuxerr.EINVAL
	}
	end, ok = end.RoundUp()
	if !ok || end > UserSpaceTop {
		return linuxerr.EINVAL
	}
	base := addr.RoundDown()
	r := Region{
		Base:  base,
		Pages: uint64(end-base) / hostarch.PageSize,
		Perms: at,
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	return as.defineLocked(r)
}

// Preconditions: as.mu is locked.
func (as *AddressSpace) defineLocked(r Region) error {
	if as.dead || as.regions.overlaps(r) {
		return linuxerr.EINVAL
	}
	as.regions.insert(r)
	return nil
}

// DefineStack defines the stack region, StackPages read/write pages ending
// at UserStack, and returns the initial stack pointer.
//
// DefineStack returns EEXIST if the stack is already defined.
func (as *AddressSpace) DefineStack() (hostarch.Addr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.hasStack {
		return 0, linuxerr.EEXIST
	}
	r := Region{
		Base:  UserStack - StackPages*hostarch.PageSize,
		Pages: StackPages,
		Perms: hostarch.ReadWrite,
	}
	if err := as.defineLocked(r); err != nil {
		return 0, err
	}
	as.stackBase = r.Base
	as.hasStack = true
	return UserStack, nil
}

// StackBase returns the lowest address of the stack region.
func (as *AddressSpace) StackBase() (hostarch.Addr, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.stackBase, as.hasStack
}

// FindRegion returns the region containing addr.
func (as *AddressSpace) FindRegion(addr hostarch.Addr) (Region, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions.find(addr)
}

// Regions returns every region in address order.
func (as *AddressSpace) Regions() []Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions.all()
}

// NumRegions returns the number of regions.
func (as *AddressSpace) NumRegions() int {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions.len()
}

// PrepareLoad makes every region of as writable until CompleteLoad, so the
// loader can fill text and read-only data. The TLB is flushed so no clean
// entry cached from an earlier read turns a loader store into a read-only
// fault.
func (vm *VM) PrepareLoad(as *AddressSpace) {
	as.mu.Lock()
	as.loading = true
	as.mu.Unlock()
	vm.flush(as.asid, false)
}

// Loading returns true between PrepareLoad and CompleteLoad.
func (as *AddressSpace) Loading() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.loading
}

// Destroyed returns true once Destroy has been called.
func (as *AddressSpace) Destroyed() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.dead
}

// writable returns true if stores to r are currently permitted.
//
// Preconditions: as.mu is locked for reading.
func (as *AddressSpace) writableLocked(r Region) bool {
	return r.Perms.Write || as.loading
}

// CompleteLoad restores the declared region permissions after PrepareLoad.
// The TLB is flushed so no translation keeps the write permission the load
// needed.
func (vm *VM) CompleteLoad(as *AddressSpace) {
	as.mu.Lock()
	as.loading = false
	as.mu.Unlock()
	vm.flush(as.asid, false)
}

// Activate makes as the address space the processor runs. Every TLB entry
// is invalidated, since entries are not tagged with their address space.
//
// A nil as denotes a kernel thread, which runs on whatever address space
// was last active.
func (vm *VM) Activate(as *AddressSpace) {
	if as == nil {
		return
	}
	vm.cpu.SplHigh()
	vm.cpu.SetActive(as.asid)
	vm.cpu.TLB().InvalidateAll()
	vm.cpu.Splx()
}

// Deactivate is called when the processor stops running as. The TLB is
// flushed.
func (vm *VM) Deactivate(as *AddressSpace) {
	if as == nil {
		return
	}
	vm.flush(as.asid, true)
}

// flush invalidates the TLB if it holds translations for asid. If
// deactivate is set, asid also stops being the active address space.
func (vm *VM) flush(asid hostarch.ASID, deactivate bool) {
	vm.cpu.SplHigh()
	defer vm.cpu.Splx()
	if vm.cpu.Active() != asid {
		return
	}
	vm.cpu.TLB().InvalidateAll()
	if deactivate {
		vm.cpu.SetActive(0)
	}
}

// Destroy tears down as, returning every frame it maps to the frame
// allocator. Destroying an address space more than once is harmless.
func (vm *VM) Destroy(as *AddressSpace) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return
	}
	as.dead = true

	frames := vm.pt.RemoveAll(as.asid)
	vm.flush(as.asid, true)
	for _, pa := range frames {
		vm.frames.Free(pa)
	}
	n := as.regions.clear()
	as.hasStack = false
	as.loading = false
	log.Debugf("Destroyed address space %d: %d regions, %d frames", as.asid, n, len(frames))
}

// Copy returns a new address space with the regions of old and a private
// copy of every page old has mapped. If the copy fails, the partial address
// space is destroyed and nothing leaks.
func (vm *VM) Copy(old *AddressSpace) (*AddressSpace, error) {
	as := vm.NewAddressSpace()
	cu := cleanup.Make(func() { vm.Destroy(as) })
	defer cu.Clean()

	// Holding old for reading keeps it from being torn down while its
	// frames are being read.
	old.mu.RLock()
	defer old.mu.RUnlock()
	if old.dead {
		return nil, linuxerr.EINVAL
	}

	as.mu.Lock()
	for _, r := range old.regions.all() {
		as.regions.insert(r)
	}
	as.stackBase = old.stackBase
	as.hasStack = old.hasStack
	as.loading = old.loading
	as.mu.Unlock()

	mappings := vm.pt.Mappings(old.asid)
	for _, m := range mappings {
		src := m.Frame
		if _, _, err := vm.pt.Insert(m.Addr, as.asid, func(dst physmem.PhysAddr) {
			vm.ram.CopyFrame(dst, src)
		}); err != nil {
			vm.warn.Warningf("Copying address space %d failed at %v: %v", old.asid, m.Addr, err)
			return nil, err
		}
	}

	cu.Release()
	log.Debugf("Copied address space %d to %d: %d regions, %d pages", old.asid, as.asid, as.NumRegions(), len(mappings))
	return as, nil
}

// refillLocked loads the translation addr -> pa into the TLB if as is the
// active address space.
//
// Preconditions: as.mu is locked for reading.
func (vm *VM) refillLocked(as *AddressSpace, addr hostarch.Addr, pa physmem.PhysAddr, writable bool) {
	vm.cpu.SplHigh()
	defer vm.cpu.Splx()
	if vm.cpu.Active() != as.asid {
		return
	}
	tlb := vm.cpu.TLB()
	e := arch.TLBEntry{
		Page:  addr.RoundDown(),
		Frame: pa,
		Valid: true,
		Dirty: writable,
	}
	if i := tlb.Probe(addr); i >= 0 {
		tlb.Write(i, e)
	} else {
		tlb.Random(e)
	}
	tlbRefills.Increment()
}
