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

// Package atomicbitops provides basic atomic counters used by the VM core's
// bookkeeping: ASID allocation and metric values.
package atomicbitops

import (
	"sync/atomic"
)

// Uint32 is an atomic uint32.
//
// The default value is zero.
//
// Don't add fields to this struct. It is important that it remain the same
// size as its builtin analogue.
type Uint32 struct {
	value atomic.Uint32
}

// Load is analogous to atomic.LoadUint32.
func (u *Uint32) Load() uint32 {
	return u.value.Load()
}

// Store is analogous to atomic.StoreUint32.
func (u *Uint32) Store(v uint32) {
	u.value.Store(v)
}

// Add is analogous to atomic.AddUint32.
func (u *Uint32) Add(v uint32) uint32 {
	return u.value.Add(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint32.
func (u *Uint32) CompareAndSwap(oldVal, newVal uint32) bool {
	return u.value.CompareAndSwap(oldVal, newVal)
}

// Uint64 is an atomic uint64 that is guaranteed to be 64-bit aligned, even
// on 32-bit systems.
//
// The default value is zero.
type Uint64 struct {
	value atomic.Uint64
}

// Load is analogous to atomic.LoadUint64.
func (u *Uint64) Load() uint64 {
	return u.value.Load()
}

// Store is analogous to atomic.StoreUint64.
func (u *Uint64) Store(v uint64) {
	u.value.Store(v)
}

// Add is analogous to atomic.AddUint64.
func (u *Uint64) Add(v uint64) uint64 {
	return u.value.Add(v)
}

// Swap is analogous to atomic.SwapUint64.
func (u *Uint64) Swap(v uint64) uint64 {
	return u.value.Swap(v)
}
