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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanup(t *testing.T) {
	for _, tc := range []struct {
		name    string
		release bool
		// want is the run order seen after the deferred Clean.
		want []string
		// wantReleased is the order seen after calling the released func.
		wantReleased []string
	}{
		{
			name: "clean",
			want: []string{"copy", "make"},
		},
		{
			name:         "release",
			release:      true,
			want:         nil,
			wantReleased: []string{"copy", "make"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var ran []string
			var released func()
			func() {
				cu := Make(func() { ran = append(ran, "make") })
				cu.Add(func() { ran = append(ran, "copy") })
				defer cu.Clean()
				if tc.release {
					released = cu.Release()
				}
			}()
			if diff := cmp.Diff(tc.want, ran); diff != "" {
				t.Fatalf("after Clean (-want +got):\n%s", diff)
			}
			if released == nil {
				return
			}
			ran = nil
			released()
			if diff := cmp.Diff(tc.wantReleased, ran); diff != "" {
				t.Errorf("after released func (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCleanTwice(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Clean()
	if calls != 1 {
		t.Errorf("cleaner ran %d times, want 1", calls)
	}
}
