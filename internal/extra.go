// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package internal

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Extra field header IDs understood by this package.
const (
	// Zip64ExtraTag carries 64-bit sizes and offsets whose 32-bit fields are saturated.
	Zip64ExtraTag uint16 = 0x0001

	// NTFSExtraTag stores FILETIME timestamps with 100ns resolution.
	NTFSExtraTag uint16 = 0x000A

	// ExtendedTimestampTag is the Info-ZIP "UT" field with Unix seconds.
	ExtendedTimestampTag uint16 = 0x5455

	// AESExtraTag is the WinZip AES field holding key strength and the real method.
	AESExtraTag uint16 = 0x9901
)

// AESMethodMarker is the compression method recorded for WinZip AES entries.
const AESMethodMarker uint16 = 99

func newBlock(tag uint16, payloadLen int) []byte {
	block := make([]byte, 4+payloadLen)
	binary.LittleEndian.PutUint16(block[0:2], tag)
	binary.LittleEndian.PutUint16(block[2:4], uint16(payloadLen))
	return block
}

// EncodeZip64Extra builds a Zip64 block holding the given values in order.
// Callers pass only the fields that are saturated in the fixed record,
// in the order uncompressed size, compressed size, local header offset.
func EncodeZip64Extra(values ...uint64) []byte {
	block := newBlock(Zip64ExtraTag, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(block[4+8*i:], v)
	}
	return block
}

// DecodeZip64Extra replaces every saturated value with its 64-bit counterpart
// from the payload. Values are consumed in the order they are passed.
func DecodeZip64Extra(payload []byte, values ...*uint64) error {
	pos := 0
	for _, v := range values {
		if *v != math.MaxUint32 {
			continue
		}
		if pos+8 > len(payload) {
			return fmt.Errorf("%w: zip64 extra field", ErrTruncated)
		}
		*v = binary.LittleEndian.Uint64(payload[pos : pos+8])
		pos += 8
	}
	return nil
}

// AESExtra is the decoded WinZip AES extra field.
type AESExtra struct {
	VendorVersion uint16 // 1 for AE-1, 2 for AE-2
	Strength      uint8  // 1, 2 or 3 for 128, 192 or 256-bit keys
	Method        uint16 // compression method applied before encryption
}

func (a AESExtra) Encode() []byte {
	block := newBlock(AESExtraTag, 7)
	binary.LittleEndian.PutUint16(block[4:6], a.VendorVersion)
	block[6] = 'A'
	block[7] = 'E'
	block[8] = a.Strength
	binary.LittleEndian.PutUint16(block[9:11], a.Method)
	return block
}

func DecodeAESExtra(payload []byte) (AESExtra, error) {
	if len(payload) < 7 {
		return AESExtra{}, fmt.Errorf("%w: aes extra field", ErrTruncated)
	}
	if payload[2] != 'A' || payload[3] != 'E' {
		return AESExtra{}, fmt.Errorf("aes extra field: unknown vendor %q", payload[2:4])
	}
	a := AESExtra{
		VendorVersion: binary.LittleEndian.Uint16(payload[0:2]),
		Strength:      payload[4],
		Method:        binary.LittleEndian.Uint16(payload[5:7]),
	}
	if a.Strength < 1 || a.Strength > 3 {
		return AESExtra{}, fmt.Errorf("aes extra field: invalid strength %d", a.Strength)
	}
	return a, nil
}

// NTFSTimes holds Windows FILETIME values (100ns ticks since 1601).
type NTFSTimes struct {
	Mtime uint64
	Atime uint64
	Ctime uint64
}

func (n NTFSTimes) Encode() []byte {
	// Reserved(4) + Attr1 tag(2) + Attr1 size(2) + three FILETIMEs
	block := newBlock(NTFSExtraTag, 32)
	binary.LittleEndian.PutUint32(block[4:8], 0)
	binary.LittleEndian.PutUint16(block[8:10], 1)
	binary.LittleEndian.PutUint16(block[10:12], 24)
	binary.LittleEndian.PutUint64(block[12:20], n.Mtime)
	binary.LittleEndian.PutUint64(block[20:28], n.Atime)
	binary.LittleEndian.PutUint64(block[28:36], n.Ctime)
	return block
}

// DecodeNTFSExtra walks the attribute list looking for the timestamp attribute.
func DecodeNTFSExtra(payload []byte) (NTFSTimes, bool) {
	if len(payload) < 4 {
		return NTFSTimes{}, false
	}
	for pos := 4; pos+4 <= len(payload); {
		tag := binary.LittleEndian.Uint16(payload[pos : pos+2])
		size := int(binary.LittleEndian.Uint16(payload[pos+2 : pos+4]))
		pos += 4
		if pos+size > len(payload) {
			break
		}
		if tag == 1 && size >= 24 {
			attr := payload[pos : pos+24]
			return NTFSTimes{
				Mtime: binary.LittleEndian.Uint64(attr[0:8]),
				Atime: binary.LittleEndian.Uint64(attr[8:16]),
				Ctime: binary.LittleEndian.Uint64(attr[16:24]),
			}, true
		}
		pos += size
	}
	return NTFSTimes{}, false
}

// EncodeExtendedTimestamp builds a "UT" block carrying only the modification time.
func EncodeExtendedTimestamp(unixSeconds int64) []byte {
	block := newBlock(ExtendedTimestampTag, 5)
	block[4] = 1
	binary.LittleEndian.PutUint32(block[5:9], uint32(int32(unixSeconds)))
	return block
}

// DecodeExtendedTimestamp returns the modification time in Unix seconds, if present.
func DecodeExtendedTimestamp(payload []byte) (int64, bool) {
	if len(payload) < 5 || payload[0]&1 == 0 {
		return 0, false
	}
	return int64(int32(binary.LittleEndian.Uint32(payload[1:5]))), true
}
