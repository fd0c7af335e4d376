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

package hostarch

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down     Addr
		up       Addr
		upOK     bool
		aligned  bool
		pageNum  uint64
		pageOffs uint64
	}{
		{addr: 0, down: 0, up: 0, upOK: true, aligned: true},
		{addr: 1, down: 0, up: PageSize, upOK: true, pageOffs: 1},
		{addr: PageSize, down: PageSize, up: PageSize, upOK: true, aligned: true, pageNum: 1},
		{addr: 3*PageSize + 17, down: 3 * PageSize, up: 4 * PageSize, upOK: true, pageNum: 3, pageOffs: 17},
		{addr: ^Addr(0), down: ^Addr(PageSize - 1), up: 0, upOK: false, pageNum: uint64(^Addr(0)) >> PageShift, pageOffs: PageSize - 1},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		if got, ok := test.addr.RoundUp(); got != test.up || ok != test.upOK {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", test.addr, got, ok, test.up, test.upOK)
		}
		if got := test.addr.IsPageAligned(); got != test.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", test.addr, got, test.aligned)
		}
		if got := test.addr.PageNumber(); got != test.pageNum {
			t.Errorf("%v.PageNumber() = %d, want %d", test.addr, got, test.pageNum)
		}
		if got := test.addr.PageOffset(); got != test.pageOffs {
			t.Errorf("%v.PageOffset() = %d, want %d", test.addr, got, test.pageOffs)
		}
	}
}

func TestAddLengthOverflow(t *testing.T) {
	if _, ok := Addr(PageSize).AddLength(PageSize); !ok {
		t.Errorf("AddLength(PageSize) overflowed")
	}
	if _, ok := (^Addr(0)).AddLength(2); ok {
		t.Errorf("AddLength at the top of the address space did not overflow")
	}
}

func TestPagesFor(t *testing.T) {
	for length, want := range map[uint64]uint64{
		0:             0,
		1:             1,
		PageSize:      1,
		PageSize + 1:  2,
		16 * PageSize: 16,
	} {
		if got := PagesFor(length); got != want {
			t.Errorf("PagesFor(%d) = %d, want %d", length, got, want)
		}
	}
}

func TestAccessTypeParse(t *testing.T) {
	for _, test := range []struct {
		in   string
		want AccessType
		ok   bool
	}{
		{in: "rw", want: ReadWrite, ok: true},
		{in: "rw-", want: ReadWrite, ok: true},
		{in: "r-x", want: AccessType{Read: true, Execute: true}, ok: true},
		{in: "rwx", want: AnyAccess, ok: true},
		{in: "", want: NoAccess, ok: true},
		{in: "rq", ok: false},
	} {
		got, ok := ParseAccessType(test.in)
		if got != test.want || ok != test.ok {
			t.Errorf("ParseAccessType(%q) = (%v, %t), want (%v, %t)", test.in, got, ok, test.want, test.ok)
		}
		if ok && got.String() != test.want.String() {
			t.Errorf("round trip of %q = %q", test.in, got.String())
		}
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf gave wrong answers")
	}
}
