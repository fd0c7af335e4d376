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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. Each setting that can be changed from the command line has a
// field in Config tagged with its flag name.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// RAMSize is the amount of simulated physical memory in bytes.
	RAMSize uint64 `flag:"ram-size"`

	// KernelPages is the number of pages at the bottom of RAM taken by the
	// kernel image.
	KernelPages uint64 `flag:"kernel-pages"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Metrics prints every VM counter when a command finishes.
	Metrics bool `flag:"metrics"`

	// MetricsPrefix is prepended to exported metric names.
	MetricsPrefix string `flag:"metrics-prefix"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Uint64("ram-size", 4<<20, "size of simulated physical memory in bytes.")
	flagSet.Uint64("kernel-pages", 16, "number of pages at the bottom of RAM holding the kernel image.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("metrics", false, "print VM counters in Prometheus text format when done.")
	flagSet.String("metrics-prefix", "vmsim_", "prefix for exported metric names, following Prometheus exporter convention.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	if c.RAMSize%hostarch.PageSize != 0 {
		return fmt.Errorf("--ram-size=%d is not a multiple of the page size %d", c.RAMSize, hostarch.PageSize)
	}
	// The kernel image, the frame table, the page table and at least one
	// user frame must fit.
	if frames := c.RAMSize / hostarch.PageSize; c.KernelPages+3 > frames {
		return fmt.Errorf("--ram-size=%d holds %d pages, too few for --kernel-pages=%d", c.RAMSize, frames, c.KernelPages)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format=%q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
