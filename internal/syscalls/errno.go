// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package syscalls

import "strconv"

// Errno is an error number as reported to the guest. Values follow the
// FreeBSD numbering the console kernel is derived from.
type Errno int32

// Error numbers used by the emulated kernel.
const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	ESRCH        Errno = 3
	EIO          Errno = 5
	ENOEXEC      Errno = 8
	ENOMEM       Errno = 12
	EFAULT       Errno = 14
	EBUSY        Errno = 16
	EINVAL       Errno = 22
	ENAMETOOLONG Errno = 63
	ENOSYS       Errno = 78
)

var errnoNames = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	ESRCH:        "no such process",
	EIO:          "input/output error",
	ENOEXEC:      "exec format error",
	ENOMEM:       "cannot allocate memory",
	EFAULT:       "bad address",
	EBUSY:        "device busy",
	EINVAL:       "invalid argument",
	ENAMETOOLONG: "file name too long",
	ENOSYS:       "function not implemented",
}

func (e Errno) Error() string {
	if name, exists := errnoNames[e]; exists {
		return name
	}

	return "errno " + strconv.Itoa(int(e))
}
