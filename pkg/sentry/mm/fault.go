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
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sentry/arch"
)

var (
	faults      = metric.MustCreateNewUint64Metric("/vm/faults", "Number of page faults handled.")
	readFaults  = metric.MustCreateNewUint64Metric("/vm/faults/read", "Number of page faults raised by loads.")
	writeFaults = metric.MustCreateNewUint64Metric("/vm/faults/write", "Number of page faults raised by stores.")
	segfaults   = metric.MustCreateNewUint64Metric("/vm/segfaults", "Number of faults at addresses the address space may not access.")
	tlbRefills  = metric.MustCreateNewUint64Metric("/vm/tlb/refills", "Number of TLB entries loaded by the fault handler.")
)

// HandleFault resolves a TLB fault at addr raised by the current address
// space of ctx. On success the page is mapped and, if the address space is
// active, the TLB holds its translation.
//
// HandleFault returns EFAULT if there is no current address space, addr is
// outside every region, or a store hits a region that is not writable; the
// caller must kill the process. It returns ENOMEM if no frame or page table
// slot is available.
//
// A FaultReadOnly means a store hit a clean TLB entry. Pages are never
// write-protected after being mapped writable, so this is a kernel bug and
// HandleFault panics.
func (vm *VM) HandleFault(ctx context.Context, kind arch.FaultKind, addr hostarch.Addr) error {
	switch kind {
	case arch.FaultRead:
		readFaults.Increment()
	case arch.FaultWrite:
		writeFaults.Increment()
	case arch.FaultReadOnly:
		panic(fmt.Sprintf("mm: write fault on read-only page %v", addr))
	default:
		panic(fmt.Sprintf("mm: unknown fault kind %v at %v", kind, addr))
	}
	faults.Increment()

	as := AddressSpaceFromContext(ctx)
	if as == nil {
		segfaults.Increment()
		vm.warn.Warningf("%v fault at %v with no address space", kind, addr)
		return linuxerr.EFAULT
	}

	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.dead {
		return vm.segfault(as, kind, addr, "address space destroyed")
	}

	pa, mapped := vm.pt.Lookup(addr, as.asid)
	r, ok := as.regions.find(addr)
	if !ok {
		return vm.segfault(as, kind, addr, "no region")
	}
	writable := as.writableLocked(r)
	if kind == arch.FaultWrite && !writable {
		return vm.segfault(as, kind, addr, fmt.Sprintf("region %v is not writable", r))
	}

	if !mapped {
		var (
			inserted bool
			err      error
		)
		pa, inserted, err = vm.pt.Insert(addr, as.asid, vm.ram.ZeroFrame)
		if err != nil {
			vm.warn.Warningf("Out of memory resolving %v fault at %v in address space %d: %v", kind, addr, as.asid, err)
			return err
		}
		if inserted && log.IsLogging(log.Debug) {
			log.Debugf("Mapped %v -> %v in address space %d", addr.RoundDown(), pa, as.asid)
		}
	}

	vm.refillLocked(as, addr, pa, writable)
	return nil
}

func (vm *VM) segfault(as *AddressSpace, kind arch.FaultKind, addr hostarch.Addr, why string) error {
	segfaults.Increment()
	vm.warn.Warningf("Segmentation fault: %v at %v in address space %d: %s", kind, addr, as.asid, why)
	return linuxerr.EFAULT
}
