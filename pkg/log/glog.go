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
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter prefixes each message with a glog-compatible header:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// glogStamp is the time layout of the header, after the level letter.
const glogStamp = "0102 15:04:05.000000"

// pid is right aligned in seven columns, as glog does.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelLetter returns the single character glog uses for l.
func levelLetter(l Level) byte {
	switch l {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	case Debug:
		return 'D'
	}
	return '?'
}

// caller returns "file:line" for the frame depth levels above the function
// calling caller. The directory is dropped.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var sb strings.Builder
	sb.Grow(len(glogStamp) + len(pid) + len(format) + 48)
	sb.WriteByte(levelLetter(level))
	sb.WriteString(timestamp.Format(glogStamp))
	sb.WriteByte(' ')
	sb.WriteString(pid)
	sb.WriteByte(' ')
	// The header is passed on as part of a format string.
	sb.WriteString(strings.ReplaceAll(caller(depth), "%", "%%"))
	sb.WriteString("] ")
	sb.WriteString(format)
	sb.WriteByte('\n')
	g.Emitter.Emit(depth+1, level, timestamp, sb.String(), args...)
}
