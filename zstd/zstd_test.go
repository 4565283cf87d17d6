// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zstd

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemon4ksan/ziparchive"
)

func TestCodecRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("zstandard payload ", 4096))

	for _, level := range []int{ziparchive.DefaultCompression, 0, 3, 9} {
		var compressed bytes.Buffer
		n, err := NewCompressor(level).Compress(bytes.NewReader(payload), &compressed)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), n)
		assert.Less(t, compressed.Len(), len(payload))

		rc, err := NewDecompressor().Decompress(&compressed)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, payload, got)
	}
}

func TestArchiveEntry(t *testing.T) {
	Register()
	Register()

	payload := []byte(strings.Repeat("0123456789", 1000))
	var buf bytes.Buffer
	w := ziparchive.NewWriter(&buf)
	_, err := w.WriteData("data.bin", payload, ziparchive.WithCompression(ziparchive.ZStandard, 5))
	require.NoError(t, err)
	_, err = w.WriteData("secret.bin", payload,
		ziparchive.WithCompression(ziparchive.ZStandard, 1), ziparchive.WithPassword("pw"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := ziparchive.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	f, err := r.File("data.bin")
	require.NoError(t, err)
	assert.Equal(t, ziparchive.ZStandard, f.Method())

	for _, name := range []string{"data.bin", "secret.bin"} {
		rc, err := r.ExtractEntryByName(name, "pw")
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Equal(t, payload, got, name)
	}
}

func TestCorruptFrame(t *testing.T) {
	rc, err := NewDecompressor().Decompress(bytes.NewReader([]byte("definitely not zstd")))
	if err == nil {
		_, err = io.ReadAll(rc)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ziparchive.ErrCorruptStream)
}
