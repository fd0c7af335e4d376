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
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxAddressSpace is a Context.Value key for the current AddressSpace.
	CtxAddressSpace contextID = iota
)

// WithAddressSpace returns a copy of ctx whose current address space is as.
func WithAddressSpace(ctx context.Context, as *AddressSpace) context.Context {
	return context.WithValue(ctx, CtxAddressSpace, as)
}

// AddressSpaceFromContext returns the current address space of ctx, or nil
// if it runs on behalf of the kernel.
func AddressSpaceFromContext(ctx context.Context) *AddressSpace {
	if v := ctx.Value(CtxAddressSpace); v != nil {
		return v.(*AddressSpace)
	}
	return nil
}
