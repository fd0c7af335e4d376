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

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/vmsim/cmd/util"
	"vmcore.dev/vmcore/vmsim/config"
	"vmcore.dev/vmcore/vmsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario on a freshly booted VM"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run <scenario.toml> - boots a VM and executes the scenario's steps.

A fault kills only the faulting process. The command fails if a step cannot
be carried out, an expectation is not met, or frames leak.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := scenario.Load(f.Arg(0))
	if err != nil {
		return util.Errorf("loading scenario: %v", err)
	}
	vm, release, err := bootVM(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer release()

	res, err := scenario.NewRunner(vm).Run(ctx, s)
	if err != nil {
		return util.Errorf("scenario %q: %v", s.Name, err)
	}
	util.Infof("Scenario %q: %d steps", s.Name, res.Steps)
	for _, o := range res.Outcomes {
		util.Infof("  %s: %s", o.Process, o.Status)
	}
	if err := printMetrics(conf); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	if leaked := res.Leaked(); leaked != 0 {
		return util.Errorf("scenario %q leaked %d frames", s.Name, leaked)
	}
	return subcommands.ExitSuccess
}
