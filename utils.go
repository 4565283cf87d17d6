// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// byteCountWriter counts bytes written to a writer.
type byteCountWriter struct {
	dest         io.Writer
	bytesWritten int64
}

func (w *byteCountWriter) Write(p []byte) (int, error) {
	n, err := w.dest.Write(p)
	w.bytesWritten += int64(n)
	if err != nil {
		return n, ioError(err)
	}
	return n, nil
}

// contextReader wraps an io.Reader to make it respect context cancellation.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (n int, err error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return cr.r.Read(p)
}

var dosEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// timeToMsDos packs t into the DOS date and time words.
// Times before 1980 are clamped to the DOS epoch.
func timeToMsDos(t time.Time) (dosDate uint16, dosTime uint16) {
	t = t.UTC()
	if t.Before(dosEpoch) {
		t = dosEpoch
	}
	year := min(t.Year()-1980, 127)

	dosDate = uint16(year)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	dosTime = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return dosDate, dosTime
}

func msDosToTime(dosDate uint16, dosTime uint16) time.Time {
	day := dosDate & 0x1F
	month := (dosDate >> 5) & 0x0F
	year := int((dosDate>>9)&0x7F) + 1980
	second := (dosTime & 0x1F) * 2
	minute := (dosTime >> 5) & 0x3F
	hour := (dosTime >> 11) & 0x1F

	if month < 1 || month > 12 {
		month = 1
	}
	if day < 1 || day > 31 {
		day = 1
	}

	return time.Date(year, time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC)
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// decodeText turns a raw name or comment into a string. Entries with the
// UTF-8 flag or pure ASCII bytes are taken as is, anything else is IBM PC
// code page 437.
func decodeText(raw []byte, flags uint16) string {
	if flags&flagUTF8 != 0 || isASCII(raw) {
		return string(raw)
	}
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

// hasMeta checks if the string contains pattern matching characters.
func hasMeta(path string) bool {
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}
