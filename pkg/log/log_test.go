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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Fatalf("Writer output mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d\n", 2)
	l.Warningf("shown %d\n", 3)
	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 9, 8, 7, 654321000, time.UTC)
	e.Emit(0, Warning, ts, "fault at %#x", 0x1000)
	got := buf.String()
	if !strings.HasPrefix(got, "W0307 09:08:07.654321 ") {
		t.Errorf("header = %q, want prefix %q", got, "W0307 09:08:07.654321 ")
	}
	if !strings.HasSuffix(got, "] fault at 0x1000\n") {
		t.Errorf("line = %q, want message suffix", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("line = %q, want caller log_test.go", got)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "frames=%d", 12)
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if got.Msg != "frames=12" || got.Level != Info {
		t.Errorf("got %+v, want msg frames=12 at Info", got)
	}
	if !strings.HasPrefix(got.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:N", got.Caller)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("segfault %d\n", i)
	}
	if got, want := buf.String(), "segfault 0\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false, want true")
	}
}

func TestEmitterFor(t *testing.T) {
	w := &Writer{Next: &bytes.Buffer{}}
	for _, format := range []string{"", "text", "json"} {
		if _, err := EmitterFor(format, w); err != nil {
			t.Errorf("EmitterFor(%q) failed: %v", format, err)
		}
	}
	if _, err := EmitterFor("xml", w); err == nil {
		t.Errorf("EmitterFor(xml) succeeded, want error")
	}
}
