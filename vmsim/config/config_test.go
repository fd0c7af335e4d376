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

package config

import (
	"flag"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		RAMSize:       4 << 20,
		KernelPages:   16,
		LogFormat:     "text",
		MetricsPrefix: "vmsim_",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--ram-size=65536", "--kernel-pages=2", "--debug", "--log-format=json", "--metrics"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		RAMSize:       65536,
		KernelPages:   2,
		Debug:         true,
		LogFormat:     "json",
		Metrics:       true,
		MetricsPrefix: "vmsim_",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	for _, test := range []struct {
		name string
		args []string
		err  string
	}{
		{name: "unaligned RAM", args: []string{"--ram-size=5000"}, err: "multiple of the page size"},
		{name: "kernel too big", args: []string{"--ram-size=16384", "--kernel-pages=2"}, err: "too few"},
		{name: "log format", args: []string{"--log-format=xml"}, err: "invalid --log-format"},
	} {
		t.Run(test.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Parse(test.args); err != nil {
				t.Fatal(err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), test.err) {
				t.Errorf("NewFromFlags got err %v, want error containing %q", err, test.err)
			}
		})
	}
}
