// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestByteCountWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	counter := &byteCountWriter{dest: buf}

	n, err := counter.Write([]byte("Hello, World!"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.Equal(t, int64(13), counter.bytesWritten)
	assert.Equal(t, "Hello, World!", buf.String())

	_, err = (&byteCountWriter{dest: failingWriter{}}).Write([]byte("x"))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorContains(t, err, "disk full")
}

func TestContextReader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &contextReader{ctx: ctx, r: strings.NewReader("data")}

	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancel()
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimeToMsDos(t *testing.T) {
	tests := []struct {
		name     string
		time     time.Time
		wantDate uint16
		wantTime uint16
	}{
		{"epoch", time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), 0x0021, 0x0000},
		{"specific date", time.Date(2023, 12, 15, 14, 30, 15, 0, time.UTC), 0x578F, 0x73C7},
		{"before 1980 clamps to epoch", time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), 0x0021, 0x0000},
		{"after 2107 clamps the year", time.Date(2108, 1, 1, 0, 0, 0, 0, time.UTC), 0xFE21, 0x0000},
		{"converted to UTC", time.Date(2023, 12, 15, 16, 30, 15, 0, time.FixedZone("EET", 2*3600)), 0x578F, 0x73C7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, tm := timeToMsDos(tt.time)
			assert.Equal(t, tt.wantDate, date, "date %04x", date)
			assert.Equal(t, tt.wantTime, tm, "time %04x", tm)
		})
	}
}

func TestMsDosToTime(t *testing.T) {
	tests := []struct {
		name string
		date uint16
		time uint16
		want time.Time
	}{
		{"epoch", 0x0021, 0x0000, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"two second resolution", 0x578F, 0x73C7, time.Date(2023, 12, 15, 14, 30, 14, 0, time.UTC)},
		{"last second of the day", 0x0021, 0xBF7D, time.Date(1980, 1, 1, 23, 59, 58, 0, time.UTC)},
		{"invalid month", 0x0001, 0x0000, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"invalid day", 0x0020, 0x0000, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(msDosToTime(tt.date, tt.time)))
		})
	}
}

func TestMsDosRoundTrip(t *testing.T) {
	for _, tm := range []time.Time{
		time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 12, 15, 14, 30, 15, 0, time.UTC),
		time.Date(2107, 12, 31, 23, 59, 59, 0, time.UTC),
	} {
		got := msDosToTime(timeToMsDos(tm))
		assert.WithinDuration(t, tm, got, 2*time.Second)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		flags uint16
		want  string
	}{
		{"ascii", []byte("plain.txt"), 0, "plain.txt"},
		{"utf8 flag", []byte("привет.txt"), flagUTF8, "привет.txt"},
		{"cp437 box drawing", []byte{0xC9, 0xCD, 0xBB}, 0, "╔═╗"},
		{"cp437 accents", []byte("caf\x82"), 0, "café"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeText(tt.raw, tt.flags))
		})
	}
}

func TestHasMeta(t *testing.T) {
	assert.True(t, hasMeta("*.txt"))
	assert.True(t, hasMeta("dir/file?.go"))
	assert.True(t, hasMeta("[ab].bin"))
	assert.False(t, hasMeta("dir/file.txt"))
}
