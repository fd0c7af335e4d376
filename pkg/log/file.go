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
)

// OpenFile opens the log file at path for appending, creating it and its
// parent directory if necessary. An empty path returns a nil file and no
// error, meaning "log to the default target".
func OpenFile(path string) (*os.File, error) {
	if len(path) == 0 {
		return nil, nil
	}

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", path, err)
	}
	return f, nil
}

// EmitterFor returns the emitter for the named format ("text" or "json")
// writing to w.
func EmitterFor(format string, w *Writer) (Emitter, error) {
	switch format {
	case "text", "":
		return GoogleEmitter{w}, nil
	case "json":
		return JSONEmitter{w}, nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
	}
}
