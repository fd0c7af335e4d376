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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"fmt"
	"os"

	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/vmsim/config"
)

// bootVM maps the configured RAM and bootstraps a VM on it. The returned
// function releases the RAM.
func bootVM(conf *config.Config) (*mm.VM, func(), error) {
	ram, err := physmem.New(conf.RAMSize, conf.KernelPages)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := ram.Release(); err != nil {
			log.Warningf("Releasing RAM: %v", err)
		}
	}
	vm, err := mm.Bootstrap(ram)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("bootstrapping VM: %w", err)
	}
	return vm, release, nil
}

// printMetrics writes every counter to stdout if --metrics is set.
func printMetrics(conf *config.Config) error {
	if !conf.Metrics {
		return nil
	}
	return metric.WriteText(os.Stdout, conf.MetricsPrefix)
}
