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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/mm"
)

// process is a simulated process: a name and an address space.
type process struct {
	name string
	as   *mm.AddressSpace
	sp   hostarch.Addr

	// killed is the fault that terminated the process.
	killed error

	exited bool
}

func (p *process) running() bool {
	return p.killed == nil && !p.exited
}

// Outcome is how a process ended.
type Outcome struct {
	Process string

	// Status is "exited", "killed: <reason>" or "running" for a process
	// still alive when the scenario ended.
	Status string
}

// Result summarizes a run.
type Result struct {
	// Steps is the number of steps executed.
	Steps int

	// Outcomes has one entry per process, sorted by name.
	Outcomes []Outcome

	// FreeBefore and FreeAfter are the allocator's free frame counts
	// before the first step and after every process was torn down.
	FreeBefore uint64
	FreeAfter  uint64
}

// Leaked returns the number of frames not returned by the run.
func (r *Result) Leaked() int64 {
	return int64(r.FreeBefore) - int64(r.FreeAfter)
}

// Runner executes scenarios on a VM.
type Runner struct {
	vm    *mm.VM
	procs map[string]*process
}

// NewRunner returns a runner for vm.
func NewRunner(vm *mm.VM) *Runner {
	return &Runner{
		vm:    vm,
		procs: make(map[string]*process),
	}
}

// Run executes every step of s. A fault kills the faulting process and the
// run continues. Run returns an error if a step cannot be carried out or its
// expectation is not met. Every process still running at the end is torn
// down.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	res := &Result{FreeBefore: r.vm.Frames().FreeFrames()}
	defer r.teardown()
	for i, step := range s.Steps {
		if err := r.step(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%v): %w", i+1, step, err)
		}
		res.Steps++
	}

	r.teardown()
	res.FreeAfter = r.vm.Frames().FreeFrames()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := r.procs[name]
		status := "exited"
		if p.killed != nil {
			status = fmt.Sprintf("killed: %v", p.killed)
		} else if !p.exited {
			status = "running"
		}
		res.Outcomes = append(res.Outcomes, Outcome{Process: name, Status: status})
	}
	return res, nil
}

// teardown destroys every address space. Destroy is idempotent, so this is
// safe to repeat.
func (r *Runner) teardown() {
	for _, p := range r.procs {
		r.vm.Destroy(p.as)
	}
}

func (r *Runner) lookup(name string) (*process, error) {
	p, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("no process %q", name)
	}
	if !p.running() {
		return nil, fmt.Errorf("process %q is not running", name)
	}
	return p, nil
}

func (r *Runner) create(name string, as *mm.AddressSpace) error {
	if p, ok := r.procs[name]; ok && p.running() {
		return fmt.Errorf("process %q already exists", name)
	}
	r.procs[name] = &process{name: name, as: as}
	log.Debugf("Process %q has address space %d", name, as.ASID())
	return nil
}

func (r *Runner) step(ctx context.Context, s Step) error {
	if s.Op == OpCreate {
		return r.create(s.Process, r.vm.NewAddressSpace())
	}
	p, err := r.lookup(s.Process)
	if err != nil {
		return err
	}

	addr := hostarch.Addr(s.Addr)
	switch s.Op {
	case OpRegion:
		at, _ := hostarch.ParseAccessType(s.Perms)
		return p.as.DefineRegion(addr, s.Length, at)

	case OpStack:
		sp, err := p.as.DefineStack()
		if err != nil {
			return err
		}
		p.sp = sp
		return nil

	case OpLoad:
		r.vm.PrepareLoad(p.as)
		if s.Data == "" {
			return nil
		}
		return r.access(ctx, p, s)

	case OpComplete:
		r.vm.CompleteLoad(p.as)
		return nil

	case OpWrite, OpRead:
		return r.access(ctx, p, s)

	case OpFork:
		if c, ok := r.procs[s.Child]; ok && c.running() {
			return fmt.Errorf("process %q already exists", s.Child)
		}
		as, err := r.vm.Copy(p.as)
		if err != nil {
			return err
		}
		return r.create(s.Child, as)

	case OpExit:
		r.vm.Destroy(p.as)
		p.exited = true
		return nil

	default:
		panic(fmt.Sprintf("unhandled op %q", s.Op))
	}
}

// access performs a user load or store on behalf of p. A fault kills p.
func (r *Runner) access(ctx context.Context, p *process, s Step) error {
	ctx = mm.WithAddressSpace(ctx, p.as)
	addr := hostarch.Addr(s.Addr)

	var (
		got []byte
		err error
	)
	if s.Op == OpRead {
		n := s.Length
		if n == 0 {
			n = uint64(len(*s.Expect))
		}
		got = make([]byte, n)
		_, err = r.vm.CopyIn(ctx, addr, got)
	} else {
		_, err = r.vm.CopyOut(ctx, addr, []byte(s.Data))
	}

	if err != nil {
		if !errors.Is(err, linuxerr.EFAULT) && !errors.Is(err, linuxerr.ENOMEM) {
			return err
		}
		r.kill(p, err)
		if !s.Fault {
			log.Warningf("Process %q killed by %s at %v: %v", p.name, s.Op, addr, err)
		}
		return nil
	}
	if s.Fault {
		return fmt.Errorf("expected a fault at %v", addr)
	}
	if s.Op == OpRead && s.Expect != nil && string(got) != *s.Expect {
		return fmt.Errorf("read %q at %v, want %q", got, addr, *s.Expect)
	}
	return nil
}

func (r *Runner) kill(p *process, reason error) {
	r.vm.Destroy(p.as)
	p.killed = reason
}
