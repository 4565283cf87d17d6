//go:build linux

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import (
	"os"
	"syscall"
)

// GetFileTimes extracts precise timestamps from a stat result.
// Linux does not expose the creation time through Stat_t; Ctim is the
// inode change time and is deliberately not reported.
func GetFileTimes(info os.FileInfo) (FileTimes, bool) {
	s, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return FileTimes{}, false
	}
	return FileTimes{
		Mtime: unixToFiletime(int64(s.Mtim.Sec), int64(s.Mtim.Nsec)),
		Atime: unixToFiletime(int64(s.Atim.Sec), int64(s.Atim.Nsec)),
	}, true
}
