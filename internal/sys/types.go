// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sys maps host operating system details onto ZIP attribute fields.
package sys

import "time"

// FileSystemType represents the type of file system on which the ZIP file was created
type FileSystemType int

const (
	FileSystemUnknown FileSystemType = iota
	FileSystemFAT
	FileSystemNTFS
)

// HostSystem represents the host system on which the ZIP file was created.
// It is stored in the upper byte of the "version made by" field.
type HostSystem uint8

// Supported host systems according to ZIP specification
const (
	HostSystemFAT       HostSystem = 0  // MS-DOS and OS/2 (FAT / VFAT / FAT32 file systems)
	HostSystemAmiga     HostSystem = 1  // Amiga
	HostSystemOpenVMS   HostSystem = 2  // OpenVMS
	HostSystemUNIX      HostSystem = 3  // UNIX
	HostSystemVMCMS     HostSystem = 4  // VM/CMS
	HostSystemAtariST   HostSystem = 5  // Atari ST
	HostSystemOS2HPFS   HostSystem = 6  // OS/2 H.P.F.S.
	HostSystemMacintosh HostSystem = 7  // Macintosh
	HostSystemZSystem   HostSystem = 8  // Z-System
	HostSystemCPM       HostSystem = 9  // CP/M
	HostSystemNTFS      HostSystem = 10 // Windows NTFS
	HostSystemMVS       HostSystem = 11 // MVS (OS/390 - Z/OS)
	HostSystemVSE       HostSystem = 12 // VSE
	HostSystemAcornRisc HostSystem = 13 // Acorn Risc
	HostSystemVFAT      HostSystem = 14 // VFAT
	HostSystemAltMVS    HostSystem = 15 // alternate MVS
	HostSystemBeOS      HostSystem = 16 // BeOS
	HostSystemTandem    HostSystem = 17 // Tandem
	HostSystemOS400     HostSystem = 18 // OS/400
	HostSystemDarwin    HostSystem = 19 // OS X (Darwin)
)

var hostSystemNames = map[HostSystem]string{
	HostSystemFAT:       "MS-DOS/OS2 (FAT)",
	HostSystemAmiga:     "Amiga",
	HostSystemOpenVMS:   "OpenVMS",
	HostSystemUNIX:      "UNIX",
	HostSystemVMCMS:     "VM/CMS",
	HostSystemAtariST:   "Atari ST",
	HostSystemOS2HPFS:   "OS/2 HPFS",
	HostSystemMacintosh: "Macintosh",
	HostSystemZSystem:   "Z-System",
	HostSystemCPM:       "CP/M",
	HostSystemNTFS:      "Windows NTFS",
	HostSystemMVS:       "MVS (OS/390 - Z/OS)",
	HostSystemVSE:       "VSE",
	HostSystemAcornRisc: "Acorn Risc",
	HostSystemVFAT:      "VFAT",
	HostSystemAltMVS:    "Alternate MVS",
	HostSystemBeOS:      "BeOS",
	HostSystemTandem:    "Tandem",
	HostSystemOS400:     "OS/400",
	HostSystemDarwin:    "OS X (Darwin)",
}

func (h HostSystem) String() string {
	if name, ok := hostSystemNames[h]; ok {
		return name
	}
	return "Unknown"
}

// IsUnix reports whether the external attributes carry a POSIX mode in their upper 16 bits.
func (h HostSystem) IsUnix() bool {
	return h == HostSystemUNIX || h == HostSystemDarwin
}

// IsWindows reports whether the external attributes carry DOS attribute bits.
func (h HostSystem) IsWindows() bool {
	return h == HostSystemFAT || h == HostSystemNTFS || h == HostSystemVFAT
}

// Unix constants for file types (standard POSIX)
const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000
	S_IFREG  = 0100000
	S_IFBLK  = 0060000
	S_IFDIR  = 0040000
	S_IFCHR  = 0020000
	S_IFIFO  = 0010000
)

// DOS attribute bits stored in the low byte of the external attributes.
const (
	DOSReadOnly  = 0x01
	DOSDirectory = 0x10
	DOSArchive   = 0x20
)

// FileTimes carries the timestamps of a file as Windows FILETIME ticks.
// Zero means the value is unknown.
type FileTimes struct {
	Mtime uint64
	Atime uint64
	Ctime uint64
}

// filetimeEpochDelta is the number of 100ns intervals between 1601-01-01 and 1970-01-01.
const filetimeEpochDelta = 116444736000000000

// TimeToFiletime converts t to FILETIME ticks. Times before 1601 map to zero.
func TimeToFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	ticks := t.UnixNano()/100 + filetimeEpochDelta
	if ticks < 0 {
		return 0
	}
	return uint64(ticks)
}

// FiletimeToTime converts FILETIME ticks to a UTC time.
func FiletimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	const ticksPerSecond = 10000000
	d := int64(ft) - filetimeEpochDelta
	sec, rem := d/ticksPerSecond, d%ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*100).UTC()
}
