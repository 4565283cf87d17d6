// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"io/fs"
	"math"
	"sync/atomic"
	"time"

	"github.com/lemon4ksan/ziparchive/internal"
	"github.com/lemon4ksan/ziparchive/internal/sys"
)

// LatestZipVersion represents the maximum ZIP specification version supported
// by this implementation. Version 63 corresponds to ZIP 6.3 specification.
const LatestZipVersion uint16 = 63

// General purpose bit flags
const (
	flagEncrypted        uint16 = 0x0001
	flagDataDescriptor   uint16 = 0x0008
	flagStrongEncryption uint16 = 0x0040
	flagUTF8             uint16 = 0x0800
)

// File describes one entry of an archive. Values are produced by a Writer
// after an entry has been written, or by a Reader from the central directory.
type File struct {
	name    string // path within the archive, without the trailing slash of directories
	comment string
	isDir   bool
	mode    fs.FileMode

	method        CompressionMethod // actual compression, also for AES entries
	encryption    EncryptionMethod
	aesVendor     uint16 // AE-1 or AE-2
	flags         uint16
	versionMadeBy uint16
	versionNeeded uint16
	externalAttrs uint32

	uncompressedSize int64
	compressedSize   int64 // stored bytes, encryption overhead included
	crc32            uint32

	localHeaderOffset int64
	hostSystem        sys.HostSystem

	modTime    time.Time
	dosDate    uint16
	dosTime    uint16
	times      sys.FileTimes // NTFS precision timestamps, zero when absent
	extraField internal.ExtraFields

	passwordCheck atomic.Uint32 // PasswordCheck of the last successful open
	zr            *Reader       // set for entries read from an archive
}

// Name returns the file's path within the ZIP archive.
func (f *File) Name() string { return f.name }

// Comment returns the entry comment.
func (f *File) Comment() string { return f.comment }

// IsDir returns true if the file represents a directory entry.
func (f *File) IsDir() bool { return f.isDir }

// IsSymlink reports whether the entry stores a symbolic link target.
func (f *File) IsSymlink() bool { return f.mode&fs.ModeSymlink != 0 }

// Mode returns underlying file attributes.
func (f *File) Mode() fs.FileMode { return f.mode }

// Method returns the compression method applied to the payload.
// For AES entries it is the method from the AES extra field, not the 99 marker.
func (f *File) Method() CompressionMethod { return f.method }

// Encryption returns the encryption scheme of the entry.
func (f *File) Encryption() EncryptionMethod { return f.encryption }

// IsEncrypted reports whether the entry needs a password.
func (f *File) IsEncrypted() bool { return f.encryption != NotEncrypted }

// UncompressedSize returns the size of the original file content before compression.
func (f *File) UncompressedSize() int64 { return f.uncompressedSize }

// CompressedSize returns the number of bytes the entry occupies in the archive,
// encryption headers and trailers included.
func (f *File) CompressedSize() int64 { return f.compressedSize }

// CRC32 returns the CRC-32 checksum of the uncompressed file data.
// AE-2 entries store zero.
func (f *File) CRC32() uint32 { return f.crc32 }

// Flags returns the general purpose bit flags.
func (f *File) Flags() uint16 { return f.flags }

// HasDataDescriptor reports whether sizes and CRC trail the payload.
func (f *File) HasDataDescriptor() bool { return f.flags&flagDataDescriptor != 0 }

// HostSystem returns the system file was created in.
func (f *File) HostSystem() sys.HostSystem { return f.hostSystem }

// ModTime returns the file's last modification timestamp with the best
// precision available in the entry.
func (f *File) ModTime() time.Time { return f.modTime }

// FsTime returns the NTFS timestamps (modification, access, creation) if the
// entry carries them. Missing values are zero.
func (f *File) FsTime() (mtime, atime, ctime time.Time) {
	return sys.FiletimeToTime(f.times.Mtime), sys.FiletimeToTime(f.times.Atime), sys.FiletimeToTime(f.times.Ctime)
}

// LocalHeaderOffset returns the position of the entry's local header.
func (f *File) LocalHeaderOffset() int64 { return f.localHeaderOffset }

// PasswordCheck tells which verifier accepted the password on the last
// successful open. It is PasswordCheckNone for unencrypted entries.
func (f *File) PasswordCheck() PasswordCheck {
	return PasswordCheck(f.passwordCheck.Load())
}

func (f *File) setPasswordCheck(p PasswordCheck) { f.passwordCheck.Store(uint32(p)) }

// HasExtraField checks whether an extra field with the specified tag exists.
func (f *File) HasExtraField(tag uint16) bool { _, ok := f.extraField[tag]; return ok }

// ExtraField returns the payload of an extra field by its tag ID.
func (f *File) ExtraField(tag uint16) []byte {
	payload, _ := f.extraField.Payload(tag)
	return payload
}

// RequiresZip64 determines whether this file requires ZIP64 format extensions.
func (f *File) RequiresZip64() bool {
	return f.compressedSize >= math.MaxUint32 ||
		f.uncompressedSize >= math.MaxUint32 ||
		f.localHeaderOffset >= math.MaxUint32
}

// storedName returns the filename as it appears in ZIP headers.
func (f *File) storedName() string {
	if f.isDir {
		return f.name + "/"
	}
	return f.name
}

// zipHeaders generates ZIP format headers from File metadata.
type zipHeaders struct {
	file *File
}

func newZipHeaders(f *File) *zipHeaders {
	return &zipHeaders{file: f}
}

// LocalHeader generates the local file header that precedes the file data.
// With reserveZip64 a Zip64 block with both sizes is always present so it
// can be patched once the real sizes are known.
func (zh *zipHeaders) LocalHeader(reserveZip64 bool) internal.LocalFileHeader {
	f := zh.file
	name := f.storedName()

	var extra []byte
	if reserveZip64 {
		extra = append(extra, internal.EncodeZip64Extra(uint64(f.uncompressedSize), uint64(f.compressedSize))...)
	}
	if f.encryption.IsAES() {
		extra = append(extra, zh.aesExtra()...)
	}
	extra = append(extra, internal.EncodeExtendedTimestamp(f.modTime.Unix())...)

	compressed, uncompressed := uint32(min(math.MaxUint32, f.compressedSize)), uint32(min(math.MaxUint32, f.uncompressedSize))
	if reserveZip64 {
		compressed, uncompressed = math.MaxUint32, math.MaxUint32
	}

	return internal.LocalFileHeader{
		VersionNeededToExtract: zh.versionNeededToExtract(reserveZip64),
		GeneralPurposeBitFlag:  f.flags,
		CompressionMethod:      zh.recordedMethod(),
		LastModFileTime:        f.dosTime,
		LastModFileDate:        f.dosDate,
		CRC32:                  f.crc32,
		CompressedSize:         compressed,
		UncompressedSize:       uncompressed,
		FilenameLength:         uint16(len(name)),
		ExtraFieldLength:       uint16(len(extra)),
		Filename:               name,
		ExtraField:             extra,
	}
}

// CentralDirEntry generates the central directory entry for this file.
func (zh *zipHeaders) CentralDirEntry() internal.CentralDirectory {
	f := zh.file

	extra := make(internal.ExtraFields)
	if zip64 := zh.zip64Values(); len(zip64) > 0 {
		extra[internal.Zip64ExtraTag] = internal.EncodeZip64Extra(zip64...)
	}
	if f.encryption.IsAES() {
		extra[internal.AESExtraTag] = zh.aesExtra()
	}
	extra[internal.ExtendedTimestampTag] = internal.EncodeExtendedTimestamp(f.modTime.Unix())
	if f.times != (sys.FileTimes{}) {
		extra[internal.NTFSExtraTag] = internal.NTFSTimes(f.times).Encode()
	}
	f.extraField = extra

	return internal.CentralDirectory{
		VersionMadeBy:          zh.versionMadeBy(),
		VersionNeededToExtract: zh.versionNeededToExtract(f.RequiresZip64()),
		GeneralPurposeBitFlag:  f.flags,
		CompressionMethod:      zh.recordedMethod(),
		LastModFileTime:        f.dosTime,
		LastModFileDate:        f.dosDate,
		CRC32:                  f.crc32,
		CompressedSize:         uint32(min(math.MaxUint32, f.compressedSize)),
		UncompressedSize:       uint32(min(math.MaxUint32, f.uncompressedSize)),
		ExternalFileAttributes: zh.externalFileAttributes(),
		LocalHeaderOffset:      uint32(min(math.MaxUint32, f.localHeaderOffset)),
		Filename:               []byte(f.storedName()),
		ExtraField:             extra,
		Comment:                []byte(f.comment),
	}
}

// zip64Values lists the saturated central directory fields in record order.
func (zh *zipHeaders) zip64Values() []uint64 {
	f := zh.file
	var values []uint64
	if f.uncompressedSize >= math.MaxUint32 {
		values = append(values, uint64(f.uncompressedSize))
	}
	if f.compressedSize >= math.MaxUint32 {
		values = append(values, uint64(f.compressedSize))
	}
	if f.localHeaderOffset >= math.MaxUint32 {
		values = append(values, uint64(f.localHeaderOffset))
	}
	return values
}

func (zh *zipHeaders) aesExtra() []byte {
	return internal.AESExtra{
		VendorVersion: aesVendorAE2,
		Strength:      zh.file.encryption.aesStrength(),
		Method:        uint16(zh.file.method),
	}.Encode()
}

func (zh *zipHeaders) recordedMethod() uint16 {
	if zh.file.encryption.IsAES() {
		return internal.AESMethodMarker
	}
	return uint16(zh.file.method)
}

func (zh *zipHeaders) versionNeededToExtract(zip64 bool) uint16 {
	f := zh.file
	switch {
	case f.method == LZMA || f.method == ZStandard:
		return 63
	case f.encryption.IsAES():
		return 51
	case f.method == BZIP2:
		return 46
	case zip64:
		return 45
	case f.method == Deflate64:
		return 21
	case f.method == Deflated, f.isDir, f.encryption == ZipCrypto:
		return 20
	default:
		return 10
	}
}

func (zh *zipHeaders) versionMadeBy() uint16 {
	host := zh.file.hostSystem
	if host == sys.HostSystemNTFS {
		host = sys.HostSystemFAT
	}
	return uint16(host)<<8 | LatestZipVersion
}

func (zh *zipHeaders) externalFileAttributes() uint32 {
	f := zh.file
	var attrs uint32

	switch f.hostSystem {
	case sys.HostSystemUNIX, sys.HostSystemDarwin:
		mode := uint32(f.mode & fs.ModePerm)
		switch {
		case f.isDir:
			mode |= sys.S_IFDIR
		case f.mode&fs.ModeSymlink != 0:
			mode |= sys.S_IFLNK
		default:
			mode |= sys.S_IFREG
		}
		attrs = mode << 16
		if f.isDir {
			attrs |= sys.DOSDirectory
		}

	case sys.HostSystemFAT, sys.HostSystemNTFS:
		if f.isDir {
			attrs |= sys.DOSDirectory
		} else {
			attrs |= sys.DOSArchive
		}
		if f.mode&0200 == 0 {
			attrs |= sys.DOSReadOnly
		}
	}
	return attrs
}

// compressionLevelBits maps a deflate level to bits 1-2 of the flags.
func compressionLevelBits(level int) uint16 {
	switch level {
	case DeflateSuperFast, 2:
		return 0x0006
	case DeflateFast, 4, 5:
		return 0x0004
	case 8, DeflateMaximum:
		return 0x0002
	default:
		return 0x0000
	}
}

// parseFileExternalAttributes recovers fs.FileMode from the host-specific
// attribute encoding.
func parseFileExternalAttributes(entry internal.CentralDirectory, isDir bool) fs.FileMode {
	var mode fs.FileMode
	hostSystem := sys.HostSystem(entry.VersionMadeBy >> 8)

	if hostSystem.IsUnix() && entry.ExternalFileAttributes>>16 != 0 {
		unixMode := entry.ExternalFileAttributes >> 16
		mode = fs.FileMode(unixMode & 0777)

		switch unixMode & sys.S_IFMT {
		case sys.S_IFDIR:
			mode |= fs.ModeDir
		case sys.S_IFLNK:
			mode |= fs.ModeSymlink
		case sys.S_IFSOCK:
			mode |= fs.ModeSocket
		case sys.S_IFIFO:
			mode |= fs.ModeNamedPipe
		case sys.S_IFCHR:
			mode |= fs.ModeCharDevice
		case sys.S_IFBLK:
			mode |= fs.ModeDevice
		}
		if isDir {
			mode |= fs.ModeDir
		}
		return mode
	}

	if isDir || entry.ExternalFileAttributes&sys.DOSDirectory != 0 {
		mode = 0755 | fs.ModeDir
	} else {
		mode = 0644
	}
	if hostSystem.IsWindows() && entry.ExternalFileAttributes&sys.DOSReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}
