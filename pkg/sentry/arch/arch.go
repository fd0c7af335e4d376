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

// Package arch models the processor the VM core runs on: a uniprocessor
// with an interrupt priority level and a software-loaded translation
// lookaside buffer.
package arch

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// FaultKind is the kind of translation fault raised by the TLB.
type FaultKind int

const (
	// FaultRead is a load from a page with no valid TLB entry.
	FaultRead FaultKind = iota

	// FaultWrite is a store to a page with no valid TLB entry.
	FaultWrite

	// FaultReadOnly is a store to a page whose TLB entry is valid but not
	// dirty.
	FaultReadOnly
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("FaultKind(%d)", k)
	}
}

// CPU is the processor. There is exactly one.
//
// Raising the interrupt priority level excludes every other thread from the
// processor until it is lowered again, so the TLB is only ever touched by
// one thread at a time.
type CPU struct {
	// spl is held while the interrupt priority level is raised.
	spl sync.Mutex

	// raised is 1 while spl is held. It lets TLB operations assert that
	// the caller raised the priority level.
	raised atomicbitops.Uint32

	// The fields below are protected by spl.

	tlb TLB

	// active is the address space whose translations the TLB holds.
	active hostarch.ASID
}

// NewCPU returns a processor with an empty TLB and no active address space.
func NewCPU() *CPU {
	return &CPU{}
}

// SplHigh raises the interrupt priority level, blocking until no other
// thread holds the processor.
func (c *CPU) SplHigh() {
	c.spl.Lock()
	c.raised.Store(1)
}

// Splx lowers the interrupt priority level.
//
// Preconditions: SplHigh was called.
func (c *CPU) Splx() {
	if c.raised.Load() == 0 {
		panic("arch.Splx: interrupt priority level not raised")
	}
	c.raised.Store(0)
	c.spl.Unlock()
}

// TLB returns the processor's TLB.
//
// Preconditions: the interrupt priority level is raised.
func (c *CPU) TLB() *TLB {
	c.assertRaised("TLB")
	return &c.tlb
}

// SetActive records asid as the address space the processor is running.
//
// Preconditions: the interrupt priority level is raised.
func (c *CPU) SetActive(asid hostarch.ASID) {
	c.assertRaised("SetActive")
	c.active = asid
}

// Active returns the address space the processor is running, or 0 if none
// has been activated.
//
// Preconditions: the interrupt priority level is raised.
func (c *CPU) Active() hostarch.ASID {
	c.assertRaised("Active")
	return c.active
}

// Translate performs the hardware lookup for an access to addr by the
// running address space. On success it returns the physical address of the
// byte at addr. Otherwise it returns the kind of fault the access raises.
func (c *CPU) Translate(addr hostarch.Addr, write bool) (uint64, FaultKind, bool) {
	c.SplHigh()
	defer c.Splx()
	i := c.tlb.Probe(addr)
	if i < 0 {
		if write {
			return 0, FaultWrite, false
		}
		return 0, FaultRead, false
	}
	e := c.tlb.entries[i]
	if write && !e.Dirty {
		return 0, FaultReadOnly, false
	}
	return uint64(e.Frame) + addr.PageOffset(), 0, true
}

func (c *CPU) assertRaised(op string) {
	if c.raised.Load() == 0 {
		panic(fmt.Sprintf("arch.%s: interrupt priority level not raised", op))
	}
}
