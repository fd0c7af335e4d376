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

package pagetables

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
)

// fakeFrames hands out ascending frames and tracks which are live.
type fakeFrames struct {
	mu     sync.Mutex
	next   physmem.PhysAddr
	limit  int
	live   map[physmem.PhysAddr]bool
	owners map[physmem.PhysAddr]pgalloc.Mapping
}

func newFakeFrames(limit int) *fakeFrames {
	return &fakeFrames{
		next:   hostarch.PageSize,
		limit:  limit,
		live:   make(map[physmem.PhysAddr]bool),
		owners: make(map[physmem.PhysAddr]pgalloc.Mapping),
	}
}

func (f *fakeFrames) Allocate(npages uint64) (physmem.PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if npages != 1 {
		panic(fmt.Sprintf("Allocate(%d)", npages))
	}
	if len(f.live) >= f.limit {
		return 0, linuxerr.ENOMEM
	}
	pa := f.next
	f.next += hostarch.PageSize
	f.live[pa] = true
	return pa, nil
}

func (f *fakeFrames) Free(pa physmem.PhysAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[pa] {
		panic(fmt.Sprintf("Free(%v) of a frame that is not live", pa))
	}
	delete(f.live, pa)
	delete(f.owners, pa)
}

func (f *fakeFrames) SetOwner(pa physmem.PhysAddr, m pgalloc.Mapping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[pa] = m
}

func (f *fakeFrames) numLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

// page returns the address of virtual page vpn.
func page(vpn uint64) hostarch.Addr {
	return hostarch.Addr(vpn << hostarch.PageShift)
}

func mustInsert(t *testing.T, pt *Table, addr hostarch.Addr, asid hostarch.ASID) physmem.PhysAddr {
	t.Helper()
	pa, inserted, err := pt.Insert(addr, asid, nil)
	if err != nil {
		t.Fatalf("Insert(%v, %d) got err %v want nil", addr, asid, err)
	}
	if !inserted {
		t.Fatalf("Insert(%v, %d) found an existing mapping", addr, asid)
	}
	return pa
}

func checkMappings(t *testing.T, pt *Table, asid hostarch.ASID, want []Translation) {
	t.Helper()
	if diff := cmp.Diff(want, pt.Mappings(asid)); diff != "" {
		t.Errorf("Mappings(%d) mismatch (-want +got):\n%s", asid, diff)
	}
}

func TestStoragePages(t *testing.T) {
	for _, test := range []struct {
		nframes uint64
		want    uint64
	}{
		{nframes: 1, want: 1},
		{nframes: 85, want: 1},
		{nframes: 86, want: 2},
		{nframes: 1024, want: 12},
	} {
		if got := StoragePages(test.nframes); got != test.want {
			t.Errorf("StoragePages(%d) = %d, want %d", test.nframes, got, test.want)
		}
	}
}

func TestLookupMissThenHit(t *testing.T) {
	frames := newFakeFrames(16)
	pt := New(frames, 8)

	if _, ok := pt.Lookup(0x400123, 1); ok {
		t.Fatalf("Lookup on an empty table found a mapping")
	}
	pa := mustInsert(t, pt, 0x400123, 1)

	for _, addr := range []hostarch.Addr{0x400000, 0x400123, 0x400fff} {
		got, ok := pt.Lookup(addr, 1)
		if !ok || got != pa {
			t.Errorf("Lookup(%v) = %v, %t, want %v, true", addr, got, ok, pa)
		}
	}
	if _, ok := pt.Lookup(0x401000, 1); ok {
		t.Errorf("Lookup of the next page found a mapping")
	}

	again, inserted, err := pt.Insert(0x400800, 1, func(physmem.PhysAddr) {
		t.Errorf("fill called for an existing mapping")
	})
	if err != nil || inserted || again != pa {
		t.Errorf("second Insert = %v, %t, %v, want %v, false, nil", again, inserted, err, pa)
	}
	if got := frames.numLive(); got != 1 {
		t.Errorf("live frames = %d, want 1", got)
	}
	if got, want := frames.owners[pa], (pgalloc.Mapping{ASID: 1, Addr: 0x400000}); got != want {
		t.Errorf("owner = %+v, want %+v", got, want)
	}
}

func TestSameAddressDifferentASID(t *testing.T) {
	pt := New(newFakeFrames(16), 4)

	a := mustInsert(t, pt, page(3), 1)
	b := mustInsert(t, pt, page(3), 2)
	if a == b {
		t.Fatalf("two address spaces share frame %v", a)
	}
	checkMappings(t, pt, 1, []Translation{{Addr: page(3), Frame: a}})
	checkMappings(t, pt, 2, []Translation{{Addr: page(3), Frame: b}})

	if got := pt.FreeOverflow(); got != 3 {
		t.Errorf("FreeOverflow = %d, want 3", got)
	}
}

func TestCollidingPagesChain(t *testing.T) {
	pt := New(newFakeFrames(16), 4)

	// Pages 1, 5, 9 and 13 all hash to slot 1.
	var want []Translation
	for _, vpn := range []uint64{1, 5, 9, 13} {
		pa := mustInsert(t, pt, page(vpn), 7)
		want = append(want, Translation{Addr: page(vpn), Frame: pa})
	}
	checkMappings(t, pt, 7, want)
	for _, tr := range want {
		if got, ok := pt.Lookup(tr.Addr, 7); !ok || got != tr.Frame {
			t.Errorf("Lookup(%v) = %v, %t, want %v, true", tr.Addr, got, ok, tr.Frame)
		}
	}
	if got := pt.FreeOverflow(); got != 1 {
		t.Errorf("FreeOverflow = %d, want 1", got)
	}
}

func TestRemoveAllPromotesChain(t *testing.T) {
	frames := newFakeFrames(16)
	pt := New(frames, 4)

	// ASID 1 owns the primary slot, ASID 2 is chained behind it.
	a1 := mustInsert(t, pt, page(2), 1)
	b1 := mustInsert(t, pt, page(6), 2)
	b2 := mustInsert(t, pt, page(10), 2)
	a2 := mustInsert(t, pt, page(14), 1)

	got := pt.RemoveAll(1)
	if diff := cmp.Diff([]physmem.PhysAddr{a1, a2}, got); diff != "" {
		t.Errorf("RemoveAll(1) frames mismatch (-want +got):\n%s", diff)
	}
	for _, pa := range got {
		frames.Free(pa)
	}
	checkMappings(t, pt, 1, nil)
	checkMappings(t, pt, 2, []Translation{{Addr: page(6), Frame: b1}, {Addr: page(10), Frame: b2}})
	if pt.entries[2].vpn != 6 || !pt.entries[2].valid {
		t.Errorf("primary slot holds %+v, want the promoted entry for page 6", pt.entries[2])
	}
	if got := pt.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	if got := pt.FreeOverflow(); got != 3 {
		t.Errorf("FreeOverflow = %d, want 3", got)
	}

	pt.RemoveAll(2)
	if pt.Len() != 0 || pt.FreeOverflow() != 4 {
		t.Errorf("after removing everything Len = %d FreeOverflow = %d, want 0 and 4", pt.Len(), pt.FreeOverflow())
	}
	for i, e := range pt.entries {
		if e != (entry{}) {
			t.Errorf("entries[%d] = %+v, want empty", i, e)
		}
	}
}

func TestRemoveAllUnknownASID(t *testing.T) {
	pt := New(newFakeFrames(4), 4)
	mustInsert(t, pt, page(0), 1)
	if got := pt.RemoveAll(9); len(got) != 0 {
		t.Errorf("RemoveAll(9) = %v, want nothing", got)
	}
	if pt.Len() != 1 {
		t.Errorf("Len = %d, want 1", pt.Len())
	}
}

func TestOverflowExhausted(t *testing.T) {
	frames := newFakeFrames(16)
	pt := New(frames, 2)

	// Fill slot 0 and both overflow slots.
	for _, vpn := range []uint64{0, 2, 4} {
		mustInsert(t, pt, page(vpn), 1)
	}
	before := tableFull.Value()
	if _, _, err := pt.Insert(page(6), 1, nil); err != linuxerr.ENOMEM {
		t.Fatalf("Insert into a full chain got err %v want ENOMEM", err)
	}
	if tableFull.Value() != before+1 {
		t.Errorf("/vm/pagetable/full not incremented")
	}
	if got := frames.numLive(); got != 3 {
		t.Errorf("live frames = %d, want 3", got)
	}

	// The empty primary slot 1 is still usable.
	mustInsert(t, pt, page(1), 1)
	if got, want := pt.Len(), pt.Capacity(); got != want {
		t.Errorf("Len = %d, want %d", got, want)
	}
}

func TestInsertOutOfFrames(t *testing.T) {
	frames := newFakeFrames(1)
	pt := New(frames, 4)
	mustInsert(t, pt, page(0), 1)
	if _, _, err := pt.Insert(page(1), 1, nil); err != linuxerr.ENOMEM {
		t.Fatalf("Insert with no frames got err %v want ENOMEM", err)
	}
	if pt.Len() != 1 {
		t.Errorf("Len = %d, want 1", pt.Len())
	}
}

func TestInsertFill(t *testing.T) {
	pt := New(newFakeFrames(4), 4)
	var filled []physmem.PhysAddr
	fill := func(pa physmem.PhysAddr) { filled = append(filled, pa) }
	pa, inserted, err := pt.Insert(page(2), 3, fill)
	if err != nil || !inserted {
		t.Fatalf("Insert = %v, %t, %v", pa, inserted, err)
	}
	// An existing mapping is returned without filling a new frame.
	if again, inserted, err := pt.Insert(page(2), 3, fill); err != nil || inserted || again != pa {
		t.Fatalf("second Insert = %v, %t, %v; want %v, false, nil", again, inserted, err, pa)
	}
	if diff := cmp.Diff([]physmem.PhysAddr{pa}, filled); diff != "" {
		t.Errorf("fill calls mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentInsertSamePage(t *testing.T) {
	const workers = 16
	frames := newFakeFrames(workers)
	pt := New(frames, 8)

	var inserts atomic.Int32
	results := make([]physmem.PhysAddr, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			pa, inserted, err := pt.Insert(0x7000, 5, nil)
			if err != nil {
				return err
			}
			if inserted {
				inserts.Add(1)
			}
			results[i] = pa
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Insert got err %v want nil", err)
	}
	if got := inserts.Load(); got != 1 {
		t.Errorf("%d inserts reported, want 1", got)
	}
	for i, pa := range results {
		if pa != results[0] {
			t.Errorf("worker %d got frame %v, want %v", i, pa, results[0])
		}
	}
	if got := frames.numLive(); got != 1 {
		t.Errorf("live frames = %d, want 1", got)
	}
	if pt.Len() != 1 {
		t.Errorf("Len = %d, want 1", pt.Len())
	}
}

// A fault for a page whose first fault is still filling its frame must see
// the finished entry, even when no frame is left for a second attempt.
func TestConcurrentInsertSamePageOneFrame(t *testing.T) {
	frames := newFakeFrames(1)
	pt := New(frames, 8)

	filling := make(chan struct{})
	release := make(chan struct{})
	var first, second struct {
		pa       physmem.PhysAddr
		inserted bool
		err      error
	}
	var g errgroup.Group
	g.Go(func() error {
		first.pa, first.inserted, first.err = pt.Insert(page(3), 1, func(physmem.PhysAddr) {
			close(filling)
			<-release
		})
		return nil
	})
	<-filling
	g.Go(func() error {
		second.pa, second.inserted, second.err = pt.Insert(page(3), 1, nil)
		return nil
	})
	// Give the second fault time to reach the table before the first
	// finishes; the outcome must not depend on it.
	time.Sleep(10 * time.Millisecond)
	close(release)
	g.Wait()

	if first.err != nil || !first.inserted {
		t.Fatalf("first Insert = %v, %v, %v; want inserted", first.pa, first.inserted, first.err)
	}
	if second.err != nil {
		t.Fatalf("second Insert of the same page got err %v want nil", second.err)
	}
	if second.inserted || second.pa != first.pa {
		t.Errorf("second Insert = %v, inserted %v; want %v, false", second.pa, second.inserted, first.pa)
	}
	if got := frames.numLive(); got != 1 {
		t.Errorf("live frames = %d, want 1", got)
	}
}

func TestConcurrentInsertManyPages(t *testing.T) {
	const nframes = 64
	frames := newFakeFrames(nframes)
	pt := New(frames, nframes)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for vpn := uint64(0); vpn < nframes; vpn++ {
				if _, _, err := pt.Insert(page(vpn), hostarch.ASID(w%2), nil); err != nil && err != linuxerr.ENOMEM {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Insert got err %v", err)
	}
	if got, live := pt.Len(), frames.numLive(); got != live {
		t.Errorf("Len = %d, live frames = %d, want equal", got, live)
	}
}

func TestCorruptChainPanics(t *testing.T) {
	pt := New(newFakeFrames(8), 4)
	mustInsert(t, pt, page(1), 1)
	mustInsert(t, pt, page(5), 1)

	// Point the overflow entry back into the primary half.
	pt.entries[pt.entries[1].next].next = 2
	mustPanic(t, "Lookup through a corrupt chain", func() { pt.Lookup(page(9), 1) })
	mustPanic(t, "RemoveAll through a corrupt chain", func() { pt.RemoveAll(1) })
}

func TestNewRejectsZero(t *testing.T) {
	mustPanic(t, "New(0)", func() { New(newFakeFrames(1), 0) })
}
