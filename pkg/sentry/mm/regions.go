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

	"github.com/google/btree"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// Region is a range of user addresses that may be faulted in.
type Region struct {
	// Base is the page-aligned start of the region.
	Base hostarch.Addr

	// Pages is the length of the region in pages.
	Pages uint64

	// Perms are the accesses the region permits.
	Perms hostarch.AccessType
}

// End returns the first address after the region.
func (r Region) End() hostarch.Addr {
	return r.Base + hostarch.Addr(r.Pages*hostarch.PageSize)
}

// Contains returns true if addr lies within the region.
func (r Region) Contains(addr hostarch.Addr) bool {
	return r.Base <= addr && addr < r.End()
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%v, %v) %v", r.Base, r.End(), r.Perms)
}

// regionDegree is the B-tree degree of a region set. Address spaces hold a
// handful of regions, so nodes stay small.
const regionDegree = 4

// regionSet is a set of disjoint regions ordered by base address.
type regionSet struct {
	tree *btree.BTreeG[Region]
}

func regionLess(a, b Region) bool {
	return a.Base < b.Base
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(regionDegree, regionLess)}
}

// find returns the region containing addr.
func (s *regionSet) find(addr hostarch.Addr) (Region, bool) {
	var found Region
	ok := false
	s.tree.DescendLessOrEqual(Region{Base: addr}, func(r Region) bool {
		found, ok = r, r.Contains(addr)
		return false
	})
	return found, ok
}

// overlaps returns true if any region in s intersects r.
func (s *regionSet) overlaps(r Region) bool {
	ok := false
	s.tree.DescendLessOrEqual(Region{Base: r.End() - 1}, func(prev Region) bool {
		ok = prev.End() > r.Base
		return false
	})
	return ok
}

// insert adds r, which must not overlap any region in s.
func (s *regionSet) insert(r Region) {
	if s.overlaps(r) {
		panic(fmt.Sprintf("mm: region %v overlaps an existing region", r))
	}
	s.tree.ReplaceOrInsert(r)
}

// all returns every region in address order.
func (s *regionSet) all() []Region {
	rs := make([]Region, 0, s.tree.Len())
	s.tree.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

func (s *regionSet) len() int {
	return s.tree.Len()
}

// clear removes every region, one at a time, and returns how many there
// were.
func (s *regionSet) clear() int {
	n := 0
	for {
		if _, ok := s.tree.DeleteMin(); !ok {
			return n
		}
		n++
	}
}
