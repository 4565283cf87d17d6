//go:build !linux && !darwin && !windows

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import "os"

func GetFileTimes(info os.FileInfo) (FileTimes, bool) {
	return FileTimes{Mtime: TimeToFiletime(info.ModTime())}, true
}
