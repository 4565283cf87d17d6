// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package internal encodes and decodes the fixed-layout little-endian records
// of the ZIP container.
package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

// Each record type must be identified using a header signature that identifies the record type.
// Signature values begin with the two byte constant marker of 0x4b50, representing the characters "PK".
const (
	CentralDirectorySignature            uint32 = 0x02014b50
	LocalFileHeaderSignature             uint32 = 0x04034b50
	EndOfCentralDirSignature             uint32 = 0x06054b50
	Zip64EndOfCentralDirSignature        uint32 = 0x06064b50
	Zip64EndOfCentralDirLocatorSignature uint32 = 0x07064b50
	DataDescriptorSignature              uint32 = 0x08074b50
)

// Fixed record lengths, signatures included.
const (
	LocalFileHeaderLen        = 30
	CentralDirectoryLen       = 46
	EndOfCentralDirLen        = 22
	Zip64EndOfCentralDirLen   = 56
	Zip64LocatorLen           = 20
	DataDescriptorLen         = 16
	Zip64DataDescriptorLen    = 24
	MaxCommentLen             = math.MaxUint16
	zip64EndOfCentralDirValue = 44 // size of the Zip64 record minus the leading 12 bytes
)

var (
	// ErrSignature is returned when a record does not start with the expected signature.
	ErrSignature = errors.New("record signature mismatch")

	// ErrTruncated is returned when the source ends in the middle of a record.
	ErrTruncated = errors.New("record truncated")
)

// readFull reads exactly len(buf) bytes, mapping short reads to ErrTruncated.
func readFull(src io.Reader, buf []byte, what string) error {
	if _, err := io.ReadFull(src, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %s", ErrTruncated, what)
		}
		return fmt.Errorf("read %s: %w", what, err)
	}
	return nil
}

func checkSignature(buf []byte, want uint32, what string) error {
	if got := binary.LittleEndian.Uint32(buf); got != want {
		return fmt.Errorf("%w: %s (got %#08x)", ErrSignature, what, got)
	}
	return nil
}

type LocalFileHeader struct {
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	FilenameLength         uint16
	ExtraFieldLength       uint16
	Filename               string
	ExtraField             []byte
}

func (h LocalFileHeader) Encode() []byte {
	buf := make([]byte, LocalFileHeaderLen+int(h.FilenameLength)+int(h.ExtraFieldLength))

	binary.LittleEndian.PutUint32(buf[0:4], LocalFileHeaderSignature)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionNeededToExtract)
	binary.LittleEndian.PutUint16(buf[6:8], h.GeneralPurposeBitFlag)
	binary.LittleEndian.PutUint16(buf[8:10], h.CompressionMethod)
	binary.LittleEndian.PutUint16(buf[10:12], h.LastModFileTime)
	binary.LittleEndian.PutUint16(buf[12:14], h.LastModFileDate)
	binary.LittleEndian.PutUint32(buf[14:18], h.CRC32)
	binary.LittleEndian.PutUint32(buf[18:22], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[22:26], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[26:28], h.FilenameLength)
	binary.LittleEndian.PutUint16(buf[28:30], h.ExtraFieldLength)

	copy(buf[LocalFileHeaderLen:], h.Filename)
	copy(buf[LocalFileHeaderLen+int(h.FilenameLength):], h.ExtraField)

	return buf
}

// ReadLocalFileHeader decodes a local file header, signature included.
func ReadLocalFileHeader(src io.Reader) (LocalFileHeader, error) {
	var buf [LocalFileHeaderLen]byte
	if err := readFull(src, buf[:], "local file header"); err != nil {
		return LocalFileHeader{}, err
	}
	if err := checkSignature(buf[0:4], LocalFileHeaderSignature, "local file header"); err != nil {
		return LocalFileHeader{}, err
	}

	h := LocalFileHeader{
		VersionNeededToExtract: binary.LittleEndian.Uint16(buf[4:6]),
		GeneralPurposeBitFlag:  binary.LittleEndian.Uint16(buf[6:8]),
		CompressionMethod:      binary.LittleEndian.Uint16(buf[8:10]),
		LastModFileTime:        binary.LittleEndian.Uint16(buf[10:12]),
		LastModFileDate:        binary.LittleEndian.Uint16(buf[12:14]),
		CRC32:                  binary.LittleEndian.Uint32(buf[14:18]),
		CompressedSize:         binary.LittleEndian.Uint32(buf[18:22]),
		UncompressedSize:       binary.LittleEndian.Uint32(buf[22:26]),
		FilenameLength:         binary.LittleEndian.Uint16(buf[26:28]),
		ExtraFieldLength:       binary.LittleEndian.Uint16(buf[28:30]),
	}

	variable := make([]byte, int(h.FilenameLength)+int(h.ExtraFieldLength))
	if err := readFull(src, variable, "local file name"); err != nil {
		return LocalFileHeader{}, err
	}
	h.Filename = string(variable[:h.FilenameLength])
	h.ExtraField = variable[h.FilenameLength:]

	return h, nil
}

type CentralDirectory struct {
	VersionMadeBy          uint16
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	FilenameLength         uint16
	ExtraFieldLength       uint16
	FileCommentLength      uint16
	DiskNumberStart        uint16
	InternalFileAttributes uint16
	ExternalFileAttributes uint32
	LocalHeaderOffset      uint32
	Filename               []byte
	ExtraField             ExtraFields
	Comment                []byte
}

// ReadCentralDirEntry decodes one central directory header, signature included.
// Filename and comment are returned undecoded so the caller can pick the text encoding.
func ReadCentralDirEntry(src io.Reader) (CentralDirectory, error) {
	var buf [CentralDirectoryLen]byte
	if err := readFull(src, buf[:], "central directory header"); err != nil {
		return CentralDirectory{}, err
	}
	if err := checkSignature(buf[0:4], CentralDirectorySignature, "central directory header"); err != nil {
		return CentralDirectory{}, err
	}

	entry := CentralDirectory{
		VersionMadeBy:          binary.LittleEndian.Uint16(buf[4:6]),
		VersionNeededToExtract: binary.LittleEndian.Uint16(buf[6:8]),
		GeneralPurposeBitFlag:  binary.LittleEndian.Uint16(buf[8:10]),
		CompressionMethod:      binary.LittleEndian.Uint16(buf[10:12]),
		LastModFileTime:        binary.LittleEndian.Uint16(buf[12:14]),
		LastModFileDate:        binary.LittleEndian.Uint16(buf[14:16]),
		CRC32:                  binary.LittleEndian.Uint32(buf[16:20]),
		CompressedSize:         binary.LittleEndian.Uint32(buf[20:24]),
		UncompressedSize:       binary.LittleEndian.Uint32(buf[24:28]),
		FilenameLength:         binary.LittleEndian.Uint16(buf[28:30]),
		ExtraFieldLength:       binary.LittleEndian.Uint16(buf[30:32]),
		FileCommentLength:      binary.LittleEndian.Uint16(buf[32:34]),
		DiskNumberStart:        binary.LittleEndian.Uint16(buf[34:36]),
		InternalFileAttributes: binary.LittleEndian.Uint16(buf[36:38]),
		ExternalFileAttributes: binary.LittleEndian.Uint32(buf[38:42]),
		LocalHeaderOffset:      binary.LittleEndian.Uint32(buf[42:46]),
	}

	variable := make([]byte, int(entry.FilenameLength)+int(entry.ExtraFieldLength)+int(entry.FileCommentLength))
	if err := readFull(src, variable, "central directory variable fields"); err != nil {
		return CentralDirectory{}, err
	}

	nameEnd := int(entry.FilenameLength)
	extraEnd := nameEnd + int(entry.ExtraFieldLength)
	entry.Filename = variable[:nameEnd]
	entry.ExtraField = ParseExtraFields(variable[nameEnd:extraEnd])
	entry.Comment = variable[extraEnd:]

	return entry, nil
}

func (d CentralDirectory) Encode() []byte {
	extra := d.ExtraField.Encode()
	totalSize := CentralDirectoryLen + len(d.Filename) + len(extra) + len(d.Comment)
	buf := make([]byte, totalSize)

	binary.LittleEndian.PutUint32(buf[0:4], CentralDirectorySignature)
	binary.LittleEndian.PutUint16(buf[4:6], d.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[6:8], d.VersionNeededToExtract)
	binary.LittleEndian.PutUint16(buf[8:10], d.GeneralPurposeBitFlag)
	binary.LittleEndian.PutUint16(buf[10:12], d.CompressionMethod)
	binary.LittleEndian.PutUint16(buf[12:14], d.LastModFileTime)
	binary.LittleEndian.PutUint16(buf[14:16], d.LastModFileDate)
	binary.LittleEndian.PutUint32(buf[16:20], d.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], d.CompressedSize)
	binary.LittleEndian.PutUint32(buf[24:28], d.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(d.Filename)))
	binary.LittleEndian.PutUint16(buf[30:32], uint16(len(extra)))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(len(d.Comment)))
	binary.LittleEndian.PutUint16(buf[34:36], d.DiskNumberStart)
	binary.LittleEndian.PutUint16(buf[36:38], d.InternalFileAttributes)
	binary.LittleEndian.PutUint32(buf[38:42], d.ExternalFileAttributes)
	binary.LittleEndian.PutUint32(buf[42:46], d.LocalHeaderOffset)

	offset := CentralDirectoryLen
	offset += copy(buf[offset:], d.Filename)
	offset += copy(buf[offset:], extra)
	copy(buf[offset:], d.Comment)

	return buf
}

type EndOfCentralDirectory struct {
	ThisDiskNum                     uint16
	DiskNumWithTheStartOfCentralDir uint16
	TotalNumberOfEntriesOnThisDisk  uint16
	TotalNumberOfEntries            uint16
	CentralDirSize                  uint32
	CentralDirOffset                uint32
	CommentLength                   uint16
	Comment                         []byte
}

// EncodeEndOfCentralDirRecord saturates every field that does not fit,
// which is the marker readers use to look for the Zip64 record.
func EncodeEndOfCentralDirRecord(entriesNum uint64, centralDirSize uint64, centralDirOffset uint64, comment []byte) []byte {
	commentLen := min(len(comment), MaxCommentLen)
	buf := make([]byte, EndOfCentralDirLen+commentLen)

	entries := uint16(min(math.MaxUint16, entriesNum))

	binary.LittleEndian.PutUint32(buf[0:4], EndOfCentralDirSignature)
	binary.LittleEndian.PutUint16(buf[4:6], 0)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint16(buf[8:10], entries)
	binary.LittleEndian.PutUint16(buf[10:12], entries)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(min(math.MaxUint32, centralDirSize)))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(min(math.MaxUint32, centralDirOffset)))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(commentLen))

	copy(buf[EndOfCentralDirLen:], comment[:commentLen])

	return buf
}

// ReadEndOfCentralDir decodes the EOCD record, signature included.
func ReadEndOfCentralDir(src io.Reader) (EndOfCentralDirectory, error) {
	var buf [EndOfCentralDirLen]byte
	if err := readFull(src, buf[:], "end of central directory"); err != nil {
		return EndOfCentralDirectory{}, err
	}
	if err := checkSignature(buf[0:4], EndOfCentralDirSignature, "end of central directory"); err != nil {
		return EndOfCentralDirectory{}, err
	}

	end := EndOfCentralDirectory{
		ThisDiskNum:                     binary.LittleEndian.Uint16(buf[4:6]),
		DiskNumWithTheStartOfCentralDir: binary.LittleEndian.Uint16(buf[6:8]),
		TotalNumberOfEntriesOnThisDisk:  binary.LittleEndian.Uint16(buf[8:10]),
		TotalNumberOfEntries:            binary.LittleEndian.Uint16(buf[10:12]),
		CentralDirSize:                  binary.LittleEndian.Uint32(buf[12:16]),
		CentralDirOffset:                binary.LittleEndian.Uint32(buf[16:20]),
		CommentLength:                   binary.LittleEndian.Uint16(buf[20:22]),
	}
	if end.CommentLength > 0 {
		end.Comment = make([]byte, end.CommentLength)
		if err := readFull(src, end.Comment, "archive comment"); err != nil {
			return EndOfCentralDirectory{}, err
		}
	}

	return end, nil
}

// NeedsZip64 reports whether any field carries the saturation marker.
func (e EndOfCentralDirectory) NeedsZip64() bool {
	return e.TotalNumberOfEntries == math.MaxUint16 ||
		e.TotalNumberOfEntriesOnThisDisk == math.MaxUint16 ||
		e.CentralDirSize == math.MaxUint32 ||
		e.CentralDirOffset == math.MaxUint32
}

type Zip64EndOfCentralDirectory struct {
	Size                            uint64
	VersionMadeBy                   uint16
	VersionNeededToExtract          uint16
	ThisDiskNum                     uint32
	DiskNumWithTheStartOfCentralDir uint32
	TotalNumberOfEntriesOnThisDisk  uint64
	TotalNumberOfEntries            uint64
	CentralDirSize                  uint64
	CentralDirOffset                uint64
}

// ReadZip64EndOfCentralDir decodes the Zip64 EOCD record, signature included.
// The extensible data sector is skipped.
func ReadZip64EndOfCentralDir(src io.Reader) (Zip64EndOfCentralDirectory, error) {
	var buf [Zip64EndOfCentralDirLen]byte
	if err := readFull(src, buf[:], "zip64 end of central directory"); err != nil {
		return Zip64EndOfCentralDirectory{}, err
	}
	if err := checkSignature(buf[0:4], Zip64EndOfCentralDirSignature, "zip64 end of central directory"); err != nil {
		return Zip64EndOfCentralDirectory{}, err
	}
	return Zip64EndOfCentralDirectory{
		Size:                            binary.LittleEndian.Uint64(buf[4:12]),
		VersionMadeBy:                   binary.LittleEndian.Uint16(buf[12:14]),
		VersionNeededToExtract:          binary.LittleEndian.Uint16(buf[14:16]),
		ThisDiskNum:                     binary.LittleEndian.Uint32(buf[16:20]),
		DiskNumWithTheStartOfCentralDir: binary.LittleEndian.Uint32(buf[20:24]),
		TotalNumberOfEntriesOnThisDisk:  binary.LittleEndian.Uint64(buf[24:32]),
		TotalNumberOfEntries:            binary.LittleEndian.Uint64(buf[32:40]),
		CentralDirSize:                  binary.LittleEndian.Uint64(buf[40:48]),
		CentralDirOffset:                binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}

func EncodeZip64EndOfCentralDirRecord(versionMadeBy uint16, entriesNum uint64, centralDirSize uint64, centralDirOffset uint64) []byte {
	buf := make([]byte, Zip64EndOfCentralDirLen)

	binary.LittleEndian.PutUint32(buf[0:4], Zip64EndOfCentralDirSignature)
	binary.LittleEndian.PutUint64(buf[4:12], zip64EndOfCentralDirValue)
	binary.LittleEndian.PutUint16(buf[12:14], versionMadeBy)
	binary.LittleEndian.PutUint16(buf[14:16], 45)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
	binary.LittleEndian.PutUint64(buf[24:32], entriesNum)
	binary.LittleEndian.PutUint64(buf[32:40], entriesNum)
	binary.LittleEndian.PutUint64(buf[40:48], centralDirSize)
	binary.LittleEndian.PutUint64(buf[48:56], centralDirOffset)

	return buf
}

type Zip64EndOfCentralDirectoryLocator struct {
	EndOfCentralDirStartDiskNum uint32
	Zip64EndOfCentralDirOffset  uint64
	TotalNumberOfDisks          uint32
}

// ReadZip64EndOfCentralDirLocator decodes the locator, signature included.
func ReadZip64EndOfCentralDirLocator(src io.Reader) (Zip64EndOfCentralDirectoryLocator, error) {
	var buf [Zip64LocatorLen]byte
	if err := readFull(src, buf[:], "zip64 end of central directory locator"); err != nil {
		return Zip64EndOfCentralDirectoryLocator{}, err
	}
	if err := checkSignature(buf[0:4], Zip64EndOfCentralDirLocatorSignature, "zip64 end of central directory locator"); err != nil {
		return Zip64EndOfCentralDirectoryLocator{}, err
	}
	return Zip64EndOfCentralDirectoryLocator{
		EndOfCentralDirStartDiskNum: binary.LittleEndian.Uint32(buf[4:8]),
		Zip64EndOfCentralDirOffset:  binary.LittleEndian.Uint64(buf[8:16]),
		TotalNumberOfDisks:          binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func EncodeZip64EndOfCentralDirLocator(endOfCentralDirOffset uint64) []byte {
	buf := make([]byte, Zip64LocatorLen)

	binary.LittleEndian.PutUint32(buf[0:4], Zip64EndOfCentralDirLocatorSignature)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], endOfCentralDirOffset)
	binary.LittleEndian.PutUint32(buf[16:20], 1)

	return buf
}

// DataDescriptor trails an entry's payload when bit 3 of the general purpose flag is set.
type DataDescriptor struct {
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
}

// Encode writes the descriptor with its optional signature.
// Sizes are 8 bytes wide when zip64 is set.
func (d DataDescriptor) Encode(zip64 bool) []byte {
	if zip64 {
		buf := make([]byte, Zip64DataDescriptorLen)
		binary.LittleEndian.PutUint32(buf[0:4], DataDescriptorSignature)
		binary.LittleEndian.PutUint32(buf[4:8], d.CRC32)
		binary.LittleEndian.PutUint64(buf[8:16], d.CompressedSize)
		binary.LittleEndian.PutUint64(buf[16:24], d.UncompressedSize)
		return buf
	}

	buf := make([]byte, DataDescriptorLen)
	binary.LittleEndian.PutUint32(buf[0:4], DataDescriptorSignature)
	binary.LittleEndian.PutUint32(buf[4:8], d.CRC32)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.CompressedSize))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(d.UncompressedSize))
	return buf
}

// ReadDataDescriptor decodes a descriptor. The signature is optional in the
// format, so both the signed and unsigned layouts are accepted.
func ReadDataDescriptor(src io.Reader, zip64 bool) (DataDescriptor, error) {
	width := 4
	if zip64 {
		width = 8
	}

	buf := make([]byte, 4+4+2*width)
	if err := readFull(src, buf[:4], "data descriptor"); err != nil {
		return DataDescriptor{}, err
	}

	// Without a signature the first word already is the CRC.
	body := buf[4:]
	if binary.LittleEndian.Uint32(buf[:4]) != DataDescriptorSignature {
		copy(body, buf[:4])
		if err := readFull(src, body[4:], "data descriptor"); err != nil {
			return DataDescriptor{}, err
		}
	} else if err := readFull(src, body, "data descriptor"); err != nil {
		return DataDescriptor{}, err
	}

	d := DataDescriptor{CRC32: binary.LittleEndian.Uint32(body[0:4])}
	if zip64 {
		d.CompressedSize = binary.LittleEndian.Uint64(body[4:12])
		d.UncompressedSize = binary.LittleEndian.Uint64(body[12:20])
	} else {
		d.CompressedSize = uint64(binary.LittleEndian.Uint32(body[4:8]))
		d.UncompressedSize = uint64(binary.LittleEndian.Uint32(body[8:12]))
	}
	return d, nil
}

// ExtraFields maps an extra field tag to its raw block, the 4-byte tag/size header included.
type ExtraFields map[uint16][]byte

// Encode concatenates the blocks sorted by tag for deterministic writes.
func (e ExtraFields) Encode() []byte {
	if len(e) == 0 {
		return nil
	}
	keys := make([]uint16, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var buf []byte
	for _, key := range keys {
		buf = append(buf, e[key]...)
	}
	return buf
}

// Len is the encoded size of all blocks.
func (e ExtraFields) Len() int {
	var size int
	for _, block := range e {
		size += len(block)
	}
	return size
}

// Payload returns the data of the block with the given tag, without its header.
func (e ExtraFields) Payload(tag uint16) ([]byte, bool) {
	block, ok := e[tag]
	if !ok || len(block) < 4 {
		return nil, false
	}
	return block[4:], true
}

// ParseExtraFields splits raw extra field bytes into blocks keyed by tag.
// A trailing block that claims more bytes than remain is dropped.
func ParseExtraFields(extraField []byte) ExtraFields {
	m := make(ExtraFields)

	for offset := 0; offset+4 <= len(extraField); {
		tag := binary.LittleEndian.Uint16(extraField[offset : offset+2])
		size := int(binary.LittleEndian.Uint16(extraField[offset+2 : offset+4]))

		end := offset + 4 + size
		if end > len(extraField) {
			break
		}

		m[tag] = extraField[offset:end]
		offset = end
	}
	return m
}
