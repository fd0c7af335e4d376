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

package cmd

import (
	"context"
	"strings"
	"testing"

	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/vmsim/config"
)

func newTestVM(t *testing.T) *mm.VM {
	t.Helper()
	vm, release, err := bootVM(&config.Config{RAMSize: 256 << 10, KernelPages: 4})
	if err != nil {
		t.Fatalf("bootVM got err %v want nil", err)
	}
	t.Cleanup(release)
	return vm
}

func TestRunStress(t *testing.T) {
	vm := newTestVM(t)
	if err := RunStress(context.Background(), vm, StressOpts{Threads: 4, Pages: 8, Rounds: 3}); err != nil {
		t.Errorf("RunStress got err %v want nil", err)
	}
}

// Racing faults on one page need only one frame, so every free frame can be
// handed out.
func TestRunStressFullMemory(t *testing.T) {
	vm := newTestVM(t)
	free := int(vm.Frames().FreeFrames())
	if err := RunStress(context.Background(), vm, StressOpts{Threads: free, Pages: 1, Rounds: 2}); err != nil {
		t.Errorf("RunStress with %d threads of 1 page got err %v want nil", free, err)
	}
}

func TestRunStressBadOpts(t *testing.T) {
	vm := newTestVM(t)
	for _, test := range []struct {
		name string
		opts StressOpts
		err  string
	}{
		{name: "zero", opts: StressOpts{Threads: 0, Pages: 1, Rounds: 1}, err: "must be positive"},
		{name: "too big", opts: StressOpts{Threads: 8, Pages: 64, Rounds: 1}, err: "only"},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := RunStress(context.Background(), vm, test.opts)
			if err == nil || !strings.Contains(err.Error(), test.err) {
				t.Errorf("RunStress got err %v, want error containing %q", err, test.err)
			}
		})
	}
}

func TestRunStressCancelled(t *testing.T) {
	vm := newTestVM(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := RunStress(ctx, vm, StressOpts{Threads: 2, Pages: 2, Rounds: 2}); err != context.Canceled {
		t.Errorf("RunStress got err %v want %v", err, context.Canceled)
	}
}
