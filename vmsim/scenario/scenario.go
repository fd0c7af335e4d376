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

// Package scenario reads vmsim scenarios and runs them against a VM.
//
// A scenario is a TOML document with a list of steps, each acting on a named
// simulated process:
//
//	[[step]]
//	process = "init"
//	op = "region"
//	addr = 0x400000
//	length = 8192
//	perms = "rw"
package scenario

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// Operations a step may perform.
const (
	OpCreate   = "create"
	OpRegion   = "region"
	OpStack    = "stack"
	OpLoad     = "load"
	OpComplete = "complete"
	OpWrite    = "write"
	OpRead     = "read"
	OpFork     = "fork"
	OpExit     = "exit"
)

var knownOps = map[string]bool{
	OpCreate:   true,
	OpRegion:   true,
	OpStack:    true,
	OpLoad:     true,
	OpComplete: true,
	OpWrite:    true,
	OpRead:     true,
	OpFork:     true,
	OpExit:     true,
}

// Step is one action of one process.
type Step struct {
	// Process names the process the step acts on.
	Process string `toml:"process"`

	// Op is one of the Op constants.
	Op string `toml:"op"`

	// Addr is the user address for region, load, write and read.
	Addr uint64 `toml:"addr"`

	// Length is the region length, or the number of bytes to read.
	Length uint64 `toml:"length"`

	// Perms are the region permissions, e.g. "rw" or "r-x".
	Perms string `toml:"perms"`

	// Data is written by load and write.
	Data string `toml:"data"`

	// Expect, if set, is compared with the bytes a read returns.
	Expect *string `toml:"expect"`

	// Child names the process created by fork.
	Child string `toml:"child"`

	// Fault is set if the step is expected to kill the process.
	Fault bool `toml:"fault"`
}

// String implements fmt.Stringer.
func (s Step) String() string {
	return fmt.Sprintf("%s %s", s.Process, s.Op)
}

// Scenario is a sequence of steps.
type Scenario struct {
	// Name is informational.
	Name string `toml:"name"`

	Steps []Step `toml:"step"`
}

// Parse decodes a scenario. Unknown keys are rejected, since a misspelt key
// would otherwise silently change what a step does.
func Parse(r io.Reader) (*Scenario, error) {
	var s Scenario
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown scenario keys: %v", undecoded)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads the scenario at path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Scenario) validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d (%v): %w", i+1, step, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if s.Process == "" {
		return fmt.Errorf("missing process")
	}
	if !knownOps[s.Op] {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	switch s.Op {
	case OpRegion:
		if s.Length == 0 {
			return fmt.Errorf("region needs a length")
		}
		if _, ok := hostarch.ParseAccessType(s.Perms); !ok || s.Perms == "" {
			return fmt.Errorf("invalid perms %q", s.Perms)
		}
	case OpWrite:
		if s.Data == "" {
			return fmt.Errorf("write needs data")
		}
	case OpRead:
		if s.Length == 0 && s.Expect == nil {
			return fmt.Errorf("read needs a length or an expected value")
		}
		if s.Expect != nil && s.Length != 0 && s.Length != uint64(len(*s.Expect)) {
			return fmt.Errorf("read length %d does not match expected value %q", s.Length, *s.Expect)
		}
	case OpFork:
		if s.Child == "" {
			return fmt.Errorf("fork needs a child")
		}
	}
	return nil
}
