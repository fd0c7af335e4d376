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
	"testing"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `1`, want: Info},
		{in: `2`, want: Debug},
		{in: `3`, wantErr: true},
		{in: `"trace"`, wantErr: true},
		{in: `{}`, wantErr: true},
	} {
		var got Level
		err := got.UnmarshalJSON([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Errorf("UnmarshalJSON(%s) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("UnmarshalJSON(%s) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestLevelRoundTrip(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		b, err := lv.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%v) failed: %v", lv, err)
		}
		var got Level
		if err := got.UnmarshalJSON(b); err != nil || got != lv {
			t.Errorf("UnmarshalJSON(%s) = %v, %v; want %v", b, got, err, lv)
		}
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON(7) succeeded, want error")
	}
}
