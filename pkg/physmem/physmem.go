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

// Package physmem simulates the machine's physical memory.
//
// RAM is a single anonymous host mapping indexed by physical address. The
// kernel image occupies the bottom of RAM; everything above it is handed out
// first through StealMem, the early bump-pointer reservation used before the
// frame allocator exists, and then, after FirstFree, exclusively by the
// frame allocator.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sync"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}

// FrameNumber returns the index of the frame containing pa.
func (pa PhysAddr) FrameNumber() uint64 {
	return uint64(pa) >> hostarch.PageShift
}

// IsPageAligned returns true if pa is at the start of a frame.
func (pa PhysAddr) IsPageAligned() bool {
	return uint64(pa)&(hostarch.PageSize-1) == 0
}

// RAM is simulated physical memory.
type RAM struct {
	// mem is the host mapping backing physical addresses [0, len(mem)).
	mem []byte

	// mu protects the fields below.
	mu sync.Mutex

	// firstPaddr is the next address StealMem hands out.
	firstPaddr PhysAddr

	// handedOff is set by FirstFree. After that the frame allocator owns
	// everything above firstPaddr and StealMem always fails.
	handedOff bool
}

// New maps size bytes of simulated RAM. The first kernelPages pages model
// the kernel image and are never handed out. size is rounded down to a
// whole number of pages.
func New(size uint64, kernelPages uint64) (*RAM, error) {
	size = hostarch.PageRoundDown(size)
	if size == 0 {
		return nil, fmt.Errorf("RAM size must be at least one page")
	}
	if kernelPages >= size/hostarch.PageSize {
		return nil, fmt.Errorf("kernel image (%d pages) does not fit in %d bytes of RAM", kernelPages, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes of RAM: %w", size, err)
	}
	log.Debugf("Mapped %d bytes of simulated RAM, kernel image %d pages", size, kernelPages)
	return &RAM{
		mem:        mem,
		firstPaddr: PhysAddr(kernelPages * hostarch.PageSize),
	}, nil
}

// Release unmaps the RAM. Any later access panics.
func (r *RAM) Release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// Size returns the total amount of RAM in bytes.
func (r *RAM) Size() uint64 {
	return uint64(len(r.mem))
}

// StealMem reserves npages contiguous pages directly from the bottom of free
// RAM. It is only usable before FirstFree is called.
func (r *RAM) StealMem(npages uint64) (PhysAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handedOff {
		return 0, linuxerr.ENOMEM
	}
	size := npages * hostarch.PageSize
	if npages == 0 || size/hostarch.PageSize != npages || uint64(r.firstPaddr)+size > uint64(len(r.mem)) {
		return 0, linuxerr.ENOMEM
	}
	pa := r.firstPaddr
	r.firstPaddr += PhysAddr(size)
	return pa, nil
}

// FirstFree returns the lowest physical address not yet reserved and hands
// every page from there up to the caller. It must be called once, by the
// frame allocator.
func (r *RAM) FirstFree() PhysAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handedOff {
		panic("physmem: FirstFree called twice")
	}
	r.handedOff = true
	return r.firstPaddr
}

// Slice returns the bytes backing [pa, pa+length).
//
// Precondition: the range lies within RAM.
func (r *RAM) Slice(pa PhysAddr, length uint64) []byte {
	end := uint64(pa) + length
	if end < uint64(pa) || end > uint64(len(r.mem)) {
		panic(fmt.Sprintf("physmem: access [%v, %#x) outside %d bytes of RAM", pa, end, len(r.mem)))
	}
	return r.mem[pa:end:end]
}

// Frame returns the bytes of the frame at pa.
func (r *RAM) Frame(pa PhysAddr) []byte {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("physmem: unaligned frame address %v", pa))
	}
	return r.Slice(pa, hostarch.PageSize)
}

// ZeroFrame fills the frame at pa with zeros.
func (r *RAM) ZeroFrame(pa PhysAddr) {
	clear(r.Frame(pa))
}

// CopyFrame copies the contents of frame src into frame dst.
func (r *RAM) CopyFrame(dst, src PhysAddr) {
	copy(r.Frame(dst), r.Frame(src))
}
