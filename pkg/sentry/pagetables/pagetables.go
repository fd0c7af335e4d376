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

// Package pagetables provides the kernel's hashed page table.
//
// The table maps (address space, virtual page) to a physical frame. It is a
// fixed arena with two slots per physical frame: the first half is
// direct-mapped by virtual page number, the second half is a pool of overflow
// slots. Colliding entries form a chain through the overflow pool, linked by
// index. Index 0 terminates a chain; overflow indices are never 0, so the
// terminator is unambiguous.
package pagetables

import (
	"fmt"
	"sort"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
)

// entryBytes is the size charged against physical memory for each slot.
const entryBytes = 24

// noEntry terminates a chain.
const noEntry = 0

var tableFull = metric.MustCreateNewUint64Metric("/vm/pagetable/full", "Number of inserts that failed because no overflow slot was free.")

// FrameSource provides frames for new translations.
type FrameSource interface {
	// Allocate returns npages contiguous frames, or ENOMEM.
	Allocate(npages uint64) (physmem.PhysAddr, error)

	// Free returns a block obtained from Allocate.
	Free(pa physmem.PhysAddr)

	// SetOwner records the mapping that refers to a frame.
	SetOwner(pa physmem.PhysAddr, m pgalloc.Mapping)
}

// StoragePages returns the number of physical pages a table for nframes
// frames occupies.
func StoragePages(nframes uint64) uint64 {
	return hostarch.PagesFor(2 * nframes * entryBytes)
}

// entry is a page table slot.
type entry struct {
	valid bool
	asid  hostarch.ASID
	vpn   uint64
	frame physmem.PhysAddr

	// next is the index of the next entry in this chain, or noEntry.
	next uint32
}

// Translation is one virtual page to frame mapping.
type Translation struct {
	Addr  hostarch.Addr
	Frame physmem.PhysAddr
}

// Table is a hashed page table.
type Table struct {
	frames FrameSource

	// mu protects the fields below. It nests outside the frame source's
	// own lock.
	mu sync.Mutex

	// entries is the arena. entries[:nprimary] are primary slots,
	// entries[nprimary:] are overflow slots.
	entries  []entry
	nprimary uint32

	// used is the number of valid entries.
	used int

	// overflowUsed is the number of valid overflow entries.
	overflowUsed int
}

// New returns an empty table sized for nframes physical frames.
func New(frames FrameSource, nframes uint64) *Table {
	if nframes == 0 || 2*nframes > uint64(^uint32(0)) {
		panic(fmt.Sprintf("pagetables: cannot size a table for %d frames", nframes))
	}
	return &Table{
		frames:   frames,
		entries:  make([]entry, 2*nframes),
		nprimary: uint32(nframes),
	}
}

// hash returns the primary slot for vpn.
func (t *Table) hash(vpn uint64) uint32 {
	return uint32(vpn % uint64(t.nprimary))
}

// checkNext panics if next cannot be the successor of a chain entry.
func (t *Table) checkNext(idx, next uint32, steps int) {
	if next < t.nprimary || int(next) >= len(t.entries) {
		panic(fmt.Sprintf("pagetables: entry %d chains to %d, outside the overflow pool [%d, %d)", idx, next, t.nprimary, len(t.entries)))
	}
	if steps > len(t.entries)-int(t.nprimary) {
		panic(fmt.Sprintf("pagetables: chain from slot %d is longer than the overflow pool", t.hash(t.entries[idx].vpn)))
	}
}

// findLocked returns the slot holding (asid, vpn).
//
// Preconditions: t.mu is locked.
func (t *Table) findLocked(asid hostarch.ASID, vpn uint64) (uint32, bool) {
	idx := t.hash(vpn)
	for steps := 0; ; steps++ {
		e := &t.entries[idx]
		if e.valid && e.asid == asid && e.vpn == vpn {
			return idx, true
		}
		if e.next == noEntry {
			return 0, false
		}
		t.checkNext(idx, e.next, steps)
		idx = e.next
	}
}

// Lookup returns the frame mapped at addr in asid.
func (t *Table) Lookup(addr hostarch.Addr, asid hostarch.ASID) (physmem.PhysAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.findLocked(asid, addr.PageNumber())
	if !ok {
		return 0, false
	}
	return t.entries[idx].frame, true
}

// Insert returns the frame mapped at addr in asid, creating the mapping if
// it does not exist.
//
// A new mapping gets a fresh frame from the frame source. fill, if not nil,
// is called on that frame before the entry becomes visible, so readers never
// observe a frame whose contents are not ready. The table stays locked from
// the lookup until the entry is linked, so a concurrent Insert of the same
// page waits and then returns the completed entry with inserted false. fill
// must not call back into the table.
//
// Insert returns ENOMEM if no frame or no slot is available; no frame is
// leaked on failure.
func (t *Table) Insert(addr hostarch.Addr, asid hostarch.ASID, fill func(physmem.PhysAddr)) (pa physmem.PhysAddr, inserted bool, err error) {
	vpn := addr.PageNumber()

	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.findLocked(asid, vpn); ok {
		return t.entries[idx].frame, false, nil
	}
	if !t.hasRoomLocked(vpn) {
		tableFull.Increment()
		return 0, false, linuxerr.ENOMEM
	}

	// Lock order: t.mu, then the frame source.
	pa, err = t.frames.Allocate(1)
	if err != nil {
		return 0, false, err
	}
	if fill != nil {
		fill(pa)
	}
	t.frames.SetOwner(pa, pgalloc.Mapping{ASID: asid, Addr: addr.RoundDown()})
	if !t.insertLocked(asid, vpn, pa) {
		panic(fmt.Sprintf("pagetables: no slot for %v in asid %d after room check", addr, asid))
	}
	return pa, true, nil
}

// hasRoomLocked returns true if an entry for vpn could be inserted now.
//
// Preconditions: t.mu is locked.
func (t *Table) hasRoomLocked(vpn uint64) bool {
	return !t.entries[t.hash(vpn)].valid || t.overflowUsed < len(t.entries)-int(t.nprimary)
}

// insertLocked links a new entry for (asid, vpn) -> pa. The entry is fully
// written before it is linked into its chain.
//
// Preconditions: t.mu is locked; (asid, vpn) is not present.
func (t *Table) insertLocked(asid hostarch.ASID, vpn uint64, pa physmem.PhysAddr) bool {
	head := t.hash(vpn)
	e := entry{valid: true, asid: asid, vpn: vpn, frame: pa}
	if !t.entries[head].valid {
		// An empty primary slot never heads a chain.
		t.entries[head] = e
		t.used++
		return true
	}

	slot, ok := t.freeOverflowLocked()
	if !ok {
		return false
	}
	tail := head
	for steps := 0; t.entries[tail].next != noEntry; steps++ {
		t.checkNext(tail, t.entries[tail].next, steps)
		tail = t.entries[tail].next
	}
	t.entries[slot] = e
	t.entries[tail].next = slot
	t.used++
	t.overflowUsed++
	return true
}

// freeOverflowLocked returns the first free overflow slot.
//
// Preconditions: t.mu is locked.
func (t *Table) freeOverflowLocked() (uint32, bool) {
	for i := t.nprimary; int(i) < len(t.entries); i++ {
		if !t.entries[i].valid {
			return i, true
		}
	}
	return 0, false
}

// RemoveAll unlinks every entry owned by asid and returns their frames. The
// caller is responsible for freeing the frames.
func (t *Table) RemoveAll(asid hostarch.ASID) []physmem.PhysAddr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var frames []physmem.PhysAddr
	for head := uint32(0); head < t.nprimary; head++ {
		// Drain matching entries from the primary slot by promoting its
		// successor into it.
		for t.entries[head].valid && t.entries[head].asid == asid {
			frames = append(frames, t.entries[head].frame)
			t.used--
			next := t.entries[head].next
			if next == noEntry {
				t.entries[head] = entry{}
				break
			}
			t.checkNext(head, next, 0)
			t.entries[head] = t.entries[next]
			t.entries[next] = entry{}
			t.overflowUsed--
		}

		prev := head
		for steps := 0; t.entries[prev].next != noEntry; steps++ {
			idx := t.entries[prev].next
			t.checkNext(prev, idx, steps)
			e := &t.entries[idx]
			if e.valid && e.asid == asid {
				frames = append(frames, e.frame)
				t.entries[prev].next = e.next
				*e = entry{}
				t.used--
				t.overflowUsed--
				continue
			}
			prev = idx
		}
	}
	return frames
}

// Mappings returns every translation owned by asid, in address order.
func (t *Table) Mappings(asid hostarch.ASID) []Translation {
	t.mu.Lock()
	var ts []Translation
	for i := range t.entries {
		if e := &t.entries[i]; e.valid && e.asid == asid {
			ts = append(ts, Translation{
				Addr:  hostarch.Addr(e.vpn << hostarch.PageShift),
				Frame: e.frame,
			})
		}
	}
	t.mu.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].Addr < ts[j].Addr })
	return ts
}

// Len returns the number of valid entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Capacity returns the number of slots in the arena.
func (t *Table) Capacity() int {
	return len(t.entries)
}

// FreeOverflow returns the number of unused overflow slots.
func (t *Table) FreeOverflow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - int(t.nprimary) - t.overflowUsed
}
