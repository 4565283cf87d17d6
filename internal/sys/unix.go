//go:build !windows

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import "os"

// DefaultHostSystem is recorded for entries created on this machine.
const DefaultHostSystem = HostSystemUNIX

// GetHostSystem reports the host system for an opened file.
// On Unix the file system is not inspected, the OS type is enough.
func GetHostSystem(_ *os.File) HostSystem {
	return DefaultHostSystem
}

func unixToFiletime(sec, nsec int64) uint64 {
	return uint64((sec*10000000)+nsec/100) + filetimeEpochDelta
}
