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

// Package linuxerr contains error codes used by the VM core, exported as
// error interface pointers. This allows for fast comparison and return
// operations comparable to unix.Errno constants.
package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable. The Errno method returns
// the unix.Errno so the two can be compared (unix.EFAULT ==
// EFAULT.Errno()). Converting a unix.Errno back should go through
// ErrorFromUnix.
var (
	noError *errors.Error = nil

	// EFAULT is a segmentation fault: an access outside every region, or
	// one the region's permissions forbid.
	EFAULT = errors.New(unix.EFAULT, "bad address")

	// ENOMEM is resource exhaustion: no free frame or no free page table
	// slot.
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")

	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	ENOSYS = errors.New(unix.ENOSYS, "invalid system call number")
	ESRCH  = errors.New(unix.ESRCH, "no such process")
)

var errorTable = map[unix.Errno]*errors.Error{
	unix.EFAULT: EFAULT,
	unix.ENOMEM: ENOMEM,
	unix.EINVAL: EINVAL,
	unix.EEXIST: EEXIST,
	unix.ENOSYS: ENOSYS,
	unix.ESRCH:  ESRCH,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos this package
// does not export are wrapped in a fresh *errors.Error.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorTable[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	if e == err {
		return true
	}
	var target *errors.Error
	if stderrors.As(err, &target) {
		return target.Errno() == e.Errno()
	}
	var unixErr unix.Errno
	if stderrors.As(err, &unixErr) {
		return unixErr == e.Errno()
	}
	return false
}
