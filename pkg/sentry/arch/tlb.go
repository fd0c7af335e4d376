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

package arch

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/physmem"
)

// NumTLB is the number of TLB slots.
const NumTLB = 64

// TLBEntry is one TLB slot.
type TLBEntry struct {
	// Page is the page-aligned virtual address translated by this slot.
	Page hostarch.Addr

	// Frame is the physical frame Page maps to.
	Frame physmem.PhysAddr

	// Valid is set if the slot translates Page.
	Valid bool

	// Dirty is set if stores through this slot are permitted.
	Dirty bool
}

// String implements fmt.Stringer.
func (e TLBEntry) String() string {
	if !e.Valid {
		return "invalid"
	}
	flags := "r-"
	if e.Dirty {
		flags = "rw"
	}
	return fmt.Sprintf("%v->%v %s", e.Page, e.Frame, flags)
}

// TLB is a fully associative translation cache.
//
// A TLB is only reachable through CPU.TLB, so every method runs with the
// interrupt priority level raised.
type TLB struct {
	entries [NumTLB]TLBEntry

	// random is the slot the next Random write replaces. It cycles through
	// every slot.
	random int
}

// Probe returns the slot holding a valid translation for the page
// containing addr, or -1.
func (t *TLB) Probe(addr hostarch.Addr) int {
	page := addr.RoundDown()
	for i := range t.entries {
		if e := &t.entries[i]; e.Valid && e.Page == page {
			return i
		}
	}
	return -1
}

// Read returns slot i.
func (t *TLB) Read(i int) TLBEntry {
	t.checkSlot(i)
	return t.entries[i]
}

// Write overwrites slot i.
func (t *TLB) Write(i int, e TLBEntry) {
	t.checkSlot(i)
	if e.Valid && !e.Page.IsPageAligned() {
		panic(fmt.Sprintf("arch.TLB.Write: unaligned page %v", e.Page))
	}
	t.entries[i] = e
}

// Random writes e into the slot selected by the random register and returns
// that slot.
func (t *TLB) Random(e TLBEntry) int {
	i := t.random
	t.random = (t.random + 1) % NumTLB
	t.Write(i, e)
	return i
}

// InvalidateAll clears every slot.
func (t *TLB) InvalidateAll() {
	for i := range t.entries {
		t.entries[i] = TLBEntry{}
	}
}

// NumValid returns the number of valid slots.
func (t *TLB) NumValid() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].Valid {
			n++
		}
	}
	return n
}

func (t *TLB) checkSlot(i int) {
	if i < 0 || i >= NumTLB {
		panic(fmt.Sprintf("arch.TLB: slot %d out of range", i))
	}
}
