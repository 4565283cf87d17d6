//go:build windows

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// DefaultHostSystem is recorded for entries created on this machine.
const DefaultHostSystem = HostSystemNTFS

func GetFileTimes(info os.FileInfo) (FileTimes, bool) {
	s, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return FileTimes{}, false
	}
	return FileTimes{
		Mtime: uint64(s.LastWriteTime.Nanoseconds()/100) + filetimeEpochDelta,
		Atime: uint64(s.LastAccessTime.Nanoseconds()/100) + filetimeEpochDelta,
		Ctime: uint64(s.CreationTime.Nanoseconds()/100) + filetimeEpochDelta,
	}, true
}

// GetHostSystem inspects the volume holding f. FAT volumes are reported as
// such so that readers do not expect NTFS attributes.
func GetHostSystem(f *os.File) HostSystem {
	if f == nil {
		return DefaultHostSystem
	}
	switch getWindowsFileSystem(windows.Handle(f.Fd())) {
	case FileSystemFAT:
		return HostSystemFAT
	default:
		return HostSystemNTFS
	}
}

func getWindowsFileSystem(h windows.Handle) FileSystemType {
	var fileSystemName [windows.MAX_PATH + 1]uint16

	err := windows.GetVolumeInformationByHandle(
		h,
		nil, 0,
		nil, nil, nil,
		&fileSystemName[0], uint32(len(fileSystemName)),
	)
	if err != nil {
		return FileSystemUnknown
	}

	switch windows.UTF16ToString(fileSystemName[:]) {
	case "NTFS":
		return FileSystemNTFS
	case "FAT", "FAT32", "exFAT":
		return FileSystemFAT
	default:
		return FileSystemUnknown
	}
}
