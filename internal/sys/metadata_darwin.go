//go:build darwin

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import (
	"os"
	"syscall"
)

func GetFileTimes(info os.FileInfo) (FileTimes, bool) {
	s, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return FileTimes{}, false
	}
	return FileTimes{
		Mtime: unixToFiletime(s.Mtimespec.Sec, s.Mtimespec.Nsec),
		Atime: unixToFiletime(s.Atimespec.Sec, s.Atimespec.Nsec),
		Ctime: unixToFiletime(s.Birthtimespec.Sec, s.Birthtimespec.Nsec),
	}, true
}
