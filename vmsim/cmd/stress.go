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
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/arch"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/vmsim/cmd/util"
	"vmcore.dev/vmcore/vmsim/config"
)

// stressBase is where every stress address space maps its region.
const stressBase hostarch.Addr = 0x400000

// StressOpts configures RunStress.
type StressOpts struct {
	// Threads is the number of address spaces faulted concurrently.
	Threads int

	// Pages is the size of each address space's region.
	Pages int

	// Rounds is the number of times each thread creates, populates and
	// destroys an address space.
	Rounds int
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts StressOpts
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault pages from many address spaces at once"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - faults pages concurrently and checks that mappings are
idempotent and that teardown returns every frame.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Threads, "threads", 8, "number of address spaces faulted concurrently.")
	f.IntVar(&s.opts.Pages, "pages", 16, "pages per address space.")
	f.IntVar(&s.opts.Rounds, "rounds", 4, "address spaces created by each thread, one after another.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	vm, release, err := bootVM(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer release()

	if err := RunStress(ctx, vm, s.opts); err != nil {
		return util.Errorf("stress: %v", err)
	}
	util.Infof("Stress passed: %d threads x %d rounds x %d pages", s.opts.Threads, s.opts.Rounds, s.opts.Pages)
	if err := printMetrics(conf); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// RunStress runs opts.Threads goroutines, each repeatedly building an
// address space, faulting every page of it from two goroutines at once and
// tearing it down. It fails if a page maps to more than one frame or if any
// frame is not returned.
func RunStress(ctx context.Context, vm *mm.VM, opts StressOpts) error {
	if opts.Threads <= 0 || opts.Pages <= 0 || opts.Rounds <= 0 {
		return fmt.Errorf("threads, pages and rounds must be positive")
	}
	free := vm.Frames().FreeFrames()
	if need := uint64(opts.Threads * opts.Pages); need > free {
		return fmt.Errorf("%d threads of %d pages need %d frames, only %d are free", opts.Threads, opts.Pages, need, free)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Threads; i++ {
		i := i
		g.Go(func() error {
			for round := 0; round < opts.Rounds; round++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := stressRound(ctx, vm, opts.Pages); err != nil {
					return fmt.Errorf("thread %d round %d: %w", i, round, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if got := vm.Frames().FreeFrames(); got != free {
		return fmt.Errorf("%d frames leaked", int64(free)-int64(got))
	}
	return nil
}

func stressRound(ctx context.Context, vm *mm.VM, pages int) error {
	as := vm.NewAddressSpace()
	defer vm.Destroy(as)
	if err := as.DefineRegion(stressBase, uint64(pages)*hostarch.PageSize, hostarch.ReadWrite); err != nil {
		return err
	}
	ctx = mm.WithAddressSpace(ctx, as)

	// Both goroutines fault every page, in opposite orders, so most pages
	// are faulted twice at about the same time.
	var g errgroup.Group
	for _, reverse := range []bool{false, true} {
		reverse := reverse
		g.Go(func() error {
			for i := 0; i < pages; i++ {
				p := i
				if reverse {
					p = pages - 1 - i
				}
				if err := vm.HandleFault(ctx, arch.FaultWrite, stressBase+hostarch.Addr(p)*hostarch.PageSize); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	mappings := vm.PageTable().Mappings(as.ASID())
	if len(mappings) != pages {
		return fmt.Errorf("address space %d has %d mappings for %d pages", as.ASID(), len(mappings), pages)
	}
	for i, m := range mappings {
		if want := stressBase + hostarch.Addr(i)*hostarch.PageSize; m.Addr != want {
			return fmt.Errorf("address space %d maps %v, want %v", as.ASID(), m.Addr, want)
		}
		// A further fault must find the same frame.
		if err := vm.HandleFault(ctx, arch.FaultRead, m.Addr); err != nil {
			return err
		}
		if pa, ok := vm.PageTable().Lookup(m.Addr, as.ASID()); !ok || pa != m.Frame {
			return fmt.Errorf("page %v moved from %v to %v", m.Addr, m.Frame, pa)
		}
	}
	return nil
}
