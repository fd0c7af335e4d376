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
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sentry/arch"
)

// CopyOut copies src to user memory at addr in the current address space of
// ctx, as a sequence of user stores would. It returns the number of bytes
// copied.
//
// Preconditions: no other thread activates an address space during the
// copy.
func (vm *VM) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return vm.userIO(ctx, addr, len(src), hostarch.Write, func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// CopyIn copies user memory at addr in the current address space of ctx to
// dst, as a sequence of user loads would. It returns the number of bytes
// copied.
//
// Preconditions: as for CopyOut.
func (vm *VM) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return vm.userIO(ctx, addr, len(dst), hostarch.Read, func(b []byte, done int) {
		copy(dst[done:], b)
	})
}

// userIO accesses [addr, addr+length) one page at a time through the TLB,
// resolving TLB faults with HandleFault. f is called with the physical bytes
// of each piece and the offset of the piece within the access.
//
// A concurrent Destroy either completes before a piece is translated, in
// which case the access fails with EFAULT, or waits until the piece has
// been copied.
func (vm *VM) userIO(ctx context.Context, addr hostarch.Addr, length int, at hostarch.AccessType, f func(b []byte, done int)) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return 0, linuxerr.EFAULT
	}
	as := AddressSpaceFromContext(ctx)
	if as == nil {
		return 0, linuxerr.EFAULT
	}
	vm.ensureActive(as)

	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		n, kind, err := vm.copyPage(as, cur, length-done, at.Write, func(b []byte) { f(b, done) })
		if err != nil {
			return done, err
		}
		if n == 0 {
			if err := vm.HandleFault(ctx, kind, cur); err != nil {
				return done, err
			}
			// A concurrent activation may have evicted the entry.
			vm.ensureActive(as)
			continue
		}
		done += n
	}
	return done, nil
}

// copyPage translates addr and passes f at most limit bytes of the page it
// lies in. It returns 0 and the fault kind if the TLB has no usable entry.
// The address space stays locked for reading from translation to copy, so
// the frame cannot be freed underneath f.
func (vm *VM) copyPage(as *AddressSpace, addr hostarch.Addr, limit int, write bool, f func(b []byte)) (int, arch.FaultKind, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.dead {
		return 0, 0, vm.segfault(as, faultKind(write), addr, "address space destroyed")
	}
	if write {
		// Such a store to a mapped page raises a read-only fault, which the
		// fault handler treats as fatal, so stores are checked first.
		// Addresses outside every region are left to the fault handler.
		if r, ok := as.regions.find(addr); ok && !as.writableLocked(r) {
			return 0, 0, vm.segfault(as, arch.FaultWrite, addr, fmt.Sprintf("region %v is not writable", r))
		}
	}
	pa, kind, ok := vm.cpu.Translate(addr, write)
	if !ok {
		return 0, kind, nil
	}
	n := min(limit, int(hostarch.PageSize-addr.PageOffset()))
	f(vm.ram.Slice(physmem.PhysAddr(pa), uint64(n)))
	return n, 0, nil
}

// faultKind returns the TLB miss kind for a load or a store.
func faultKind(write bool) arch.FaultKind {
	if write {
		return arch.FaultWrite
	}
	return arch.FaultRead
}

// ensureActive activates as unless it is already active.
func (vm *VM) ensureActive(as *AddressSpace) {
	vm.cpu.SplHigh()
	active := vm.cpu.Active()
	vm.cpu.Splx()
	if active != as.asid {
		vm.Activate(as)
	}
}
