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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	value       atomicbitops.Uint64
}

var (
	// mu protects allMetrics.
	mu sync.Mutex

	// allMetrics are the registered metrics, by name.
	allMetrics = make(map[string]*Uint64Metric)
)

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{name: name, description: description}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric's registered name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Snapshot returns the current value of every registered metric, by name.
func Snapshot() map[string]uint64 {
	mu.Lock()
	defer mu.Unlock()
	s := make(map[string]uint64, len(allMetrics))
	for name, m := range allMetrics {
		s[name] = m.Value()
	}
	return s
}

// prometheusName converts "/vm/faults/read" into "vm_faults_read".
func prometheusName(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format, as counters. Metric names are prefixed with prefix and
// sorted.
func WriteText(w io.Writer, prefix string) error {
	mu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		ms = append(ms, m)
	}
	mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	for _, m := range ms {
		mf := &dto.MetricFamily{
			Name: proto.String(prometheusName(prefix, m.name)),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(m.Value()))},
			}},
		}
		if m.description != "" {
			mf.Help = proto.String(m.description)
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
