// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemon4ksan/ziparchive/internal"
)

// readWithStdlib opens data with archive/zip and returns name -> content.
func readWithStdlib(t *testing.T, data []byte) (*zip.Reader, map[string]string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err, f.Name)
		b, err := io.ReadAll(rc)
		require.NoError(t, err, f.Name)
		rc.Close()
		contents[f.Name] = string(b)
	}
	return zr, contents
}

func writeSample(t *testing.T, w *Writer) {
	t.Helper()
	modTime := time.Date(2023, 7, 1, 10, 20, 30, 0, time.UTC)

	_, err := w.WriteData("hello.txt", []byte("hello world"), WithModTime(modTime))
	require.NoError(t, err)
	_, err = w.WriteFile("stream.txt", io.MultiReader(strings.NewReader("streamed "), strings.NewReader("content")))
	require.NoError(t, err)
	_, err = w.WriteData("stored.bin", bytes.Repeat([]byte{1, 2, 3}, 1000), WithCompression(Stored, 0))
	require.NoError(t, err)
	_, err = w.WriteData("fast.txt", bytes.Repeat([]byte("abc"), 1000), WithCompressionLevel(DeflateSuperFast))
	require.NoError(t, err)
	_, err = w.Mkdir("empty/")
	require.NoError(t, err)
	require.NoError(t, w.SetComment("sample archive"))
}

func checkSample(t *testing.T, data []byte) {
	t.Helper()
	zr, contents := readWithStdlib(t, data)
	assert.Equal(t, "sample archive", zr.Comment)
	assert.Equal(t, map[string]string{
		"hello.txt":  "hello world",
		"stream.txt": "streamed content",
		"stored.bin": strings.Repeat("\x01\x02\x03", 1000),
		"fast.txt":   strings.Repeat("abc", 1000),
		"empty/":     "",
	}, contents)

	for _, f := range zr.File {
		if f.Name == "stored.bin" || f.Name == "empty/" {
			assert.Equal(t, zip.Store, f.Method, f.Name)
		} else {
			assert.Equal(t, zip.Deflate, f.Method, f.Name)
		}
	}
	assert.True(t, zr.File[4].FileInfo().IsDir())
}

func TestWriterSeekable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.zip")
	w, err := Create(out)
	require.NoError(t, err)
	writeSample(t, w)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	checkSample(t, data)

	r := openBytes(t, data)
	for _, f := range r.Files() {
		assert.False(t, f.HasDataDescriptor(), "%s patched in place", f.Name())
	}
	hello, err := r.File("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 7, 1, 10, 20, 30, 0, time.UTC), hello.ModTime().UTC())
}

func TestWriterStreaming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	writeSample(t, w)
	require.NoError(t, w.Close())
	checkSample(t, buf.Bytes())

	r := openBytes(t, buf.Bytes())
	for _, f := range r.Files() {
		assert.Equal(t, !f.IsDir(), f.HasDataDescriptor(), f.Name())
	}
}

func TestWriterEncryptedEntries(t *testing.T) {
	for _, dest := range []string{"seekable", "stream"} {
		t.Run(dest, func(t *testing.T) {
			var data []byte
			fill := func(w *Writer) {
				for _, method := range []EncryptionMethod{ZipCrypto, AES128, AES192, AES256} {
					_, err := w.WriteData(method.String()+".txt", []byte("payload for "+method.String()), WithEncryption(method, "pw"))
					require.NoError(t, err)
				}
				_, err := w.WriteFile("unsized.txt", io.MultiReader(strings.NewReader("no size")), WithEncryption(ZipCrypto, "pw"))
				require.NoError(t, err)
			}

			if dest == "seekable" {
				out := filepath.Join(t.TempDir(), "enc.zip")
				w, err := Create(out)
				require.NoError(t, err)
				fill(w)
				require.NoError(t, w.Close())
				data, err = os.ReadFile(out)
				require.NoError(t, err)
			} else {
				data = buildArchive(t, fill)
			}

			r := openBytes(t, data)
			for _, method := range []EncryptionMethod{ZipCrypto, AES128, AES192, AES256} {
				name := method.String() + ".txt"
				f, err := r.File(name)
				require.NoError(t, err)
				assert.Equal(t, method, f.Encryption())
				assert.Equal(t, Deflated, f.Method())
				assert.Equal(t, "payload for "+method.String(), readEntry(t, r, name, "pw"))
				if method.IsAES() {
					assert.Zero(t, f.CRC32(), "AE-2 stores no CRC")
					assert.True(t, f.HasExtraField(internal.AESExtraTag))
				}
			}
			assert.Equal(t, "no size", readEntry(t, r, "unsized.txt", "pw"))
		})
	}
}

func TestWriterZip64EndRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 65535 entries")
	}

	const entries = 0xFFFF
	data := buildArchive(t, func(w *Writer) {
		for i := range entries {
			_, err := w.WriteData(strings.Repeat("x", 1+i%7)+"/"+strconv.Itoa(i), nil, WithCompression(Stored, 0))
			require.NoError(t, err)
		}
	})
	assert.True(t, bytes.Contains(data, []byte("PK\x06\x06")), "zip64 end record")
	assert.True(t, bytes.Contains(data, []byte("PK\x06\x07")), "zip64 locator")

	r := openBytes(t, data)
	assert.Equal(t, entries, r.Len())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, entries)
}

func TestWriterCentralDirectoryConsistency(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		_, err := w.WriteData("one.txt", []byte("1"))
		require.NoError(t, err)
		_, err = w.WriteData("two.txt", []byte("22"))
		require.NoError(t, err)
	})

	end, err := internal.ReadEndOfCentralDir(bytes.NewReader(data[len(data)-internal.EndOfCentralDirLen:]))
	require.NoError(t, err)
	assert.EqualValues(t, 2, end.TotalNumberOfEntries)
	assert.EqualValues(t, bytes.Index(data, []byte("PK\x01\x02")), end.CentralDirOffset)
	assert.EqualValues(t, len(data)-internal.EndOfCentralDirLen, int(end.CentralDirOffset)+int(end.CentralDirSize))

	r := openBytes(t, data)
	assert.Zero(t, r.Files()[0].LocalHeaderOffset())
	assert.Equal(t, bytes.LastIndex(data, []byte("PK\x03\x04")), int(r.Files()[1].LocalHeaderOffset()))
}

func TestWriterValidation(t *testing.T) {
	w := NewWriter(io.Discard)

	_, err := w.WriteData("a.txt", []byte("a"))
	require.NoError(t, err)

	_, err = w.WriteData("a.txt", []byte("again"))
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	_, err = w.WriteData("", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = w.WriteData("file/", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = w.WriteFile("nil.txt", nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = w.WriteData("bad-level.txt", []byte("x"), WithCompressionLevel(42))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = w.WriteData("nopass.txt", []byte("x"), WithEncryption(ZipCrypto, ""))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = w.WriteData("unknown.txt", []byte("x"), WithEncryption(EncryptionMethod(77), "pw"))
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	_, err = w.WriteData("comment.txt", []byte("x"), WithComment(strings.Repeat("c", 1<<16)))
	assert.ErrorIs(t, err, ErrCommentTooLong)

	_, err = w.WriteData(strings.Repeat("n", 1<<16), []byte("x"))
	assert.ErrorIs(t, err, ErrFilenameTooLong)

	assert.ErrorIs(t, w.SetComment(strings.Repeat("c", 1<<16)), ErrCommentTooLong)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrInvalidState)

	_, err = w.WriteData("late.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = w.Mkdir("late")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, w.SetComment("x"), ErrInvalidState)
	assert.ErrorIs(t, w.WriteDir(context.Background(), t.TempDir(), ""), ErrInvalidState)
}

func TestWriterRollback(t *testing.T) {
	boom := errors.New("boom")
	failing := func() io.Reader {
		return io.MultiReader(strings.NewReader(strings.Repeat("partial ", 100)), iotest.ErrReader(boom))
	}

	t.Run("seekable", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "rollback.zip")
		w, err := Create(out)
		require.NoError(t, err)

		_, err = w.WriteData("ok.txt", []byte("fine"))
		require.NoError(t, err)
		sizeAfterFirst, err := os.Stat(out)
		require.NoError(t, err)

		_, err = w.WriteFile("broken.txt", failing())
		require.ErrorIs(t, err, boom)
		var entryErr *EntryError
		require.ErrorAs(t, err, &entryErr)
		assert.Equal(t, "broken.txt", entryErr.Name)

		after, err := os.Stat(out)
		require.NoError(t, err)
		assert.Equal(t, sizeAfterFirst.Size(), after.Size(), "partial entry truncated")

		// The name stays available after a failed write.
		_, err = w.WriteData("broken.txt", []byte("second try"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		_, contents := readWithStdlib(t, data)
		assert.Equal(t, map[string]string{"ok.txt": "fine", "broken.txt": "second try"}, contents)
	})

	t.Run("stream", func(t *testing.T) {
		data := buildArchive(t, func(w *Writer) {
			_, err := w.WriteFile("broken.txt", failing())
			require.ErrorIs(t, err, boom)
			_, err = w.WriteData("ok.txt", []byte("fine"))
			require.NoError(t, err)
		})
		_, contents := readWithStdlib(t, data)
		assert.Equal(t, map[string]string{"ok.txt": "fine"}, contents)
	})
}

func TestWriterDeclaredSizeIsAHint(t *testing.T) {
	// Declared sizes only decide whether zip64 space is reserved.
	data := buildArchive(t, func(w *Writer) {
		_, err := w.WriteFile("small.txt", strings.NewReader("more than three"), WithSize(3))
		require.NoError(t, err)
	})
	r := openBytes(t, data)
	assert.Equal(t, "more than three", readEntry(t, r, "small.txt", ""))

	_, err := NewWriter(io.Discard).WriteFile("neg.txt", strings.NewReader("x"), WithSize(-5))
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestWriterReservesZip64ForLargeDeclaredSizes(t *testing.T) {
	for _, size := range []int64{SizeUnknown, 5 << 30} {
		out := filepath.Join(t.TempDir(), "reserve.zip")
		w, err := Create(out)
		require.NoError(t, err)
		_, err = w.WriteFile("big.bin", strings.NewReader("tiny"), WithSize(size))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		nameLen := int(binary.LittleEndian.Uint16(data[26:]))
		extra := internal.ParseExtraFields(data[30+nameLen : 30+nameLen+int(binary.LittleEndian.Uint16(data[28:]))])
		payload, ok := extra.Payload(internal.Zip64ExtraTag)
		require.True(t, ok, "size %d", size)
		assert.EqualValues(t, 4, binary.LittleEndian.Uint64(payload[0:8]), "patched uncompressed size")

		_, contents := readWithStdlib(t, data)
		assert.Equal(t, "tiny", contents["big.bin"])
	}
}

// zeroReader yields an endless stream of zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestWriterLargeEntry(t *testing.T) {
	if testing.Short() {
		t.Skip("streams more than 4 GiB through deflate")
	}

	const size = math.MaxUint32 + 1001
	for _, dest := range []string{"seekable", "stream"} {
		t.Run(dest, func(t *testing.T) {
			fill := func(w *Writer) {
				f, err := w.WriteFile("zeros.bin", io.LimitReader(zeroReader{}, size), WithCompressionLevel(DeflateSuperFast))
				require.NoError(t, err)
				assert.EqualValues(t, size, f.UncompressedSize())
				assert.True(t, f.RequiresZip64())
			}

			var data []byte
			if dest == "seekable" {
				out := filepath.Join(t.TempDir(), "large.zip")
				w, err := Create(out)
				require.NoError(t, err)
				fill(w)
				require.NoError(t, w.Close())
				data, err = os.ReadFile(out)
				require.NoError(t, err)
			} else {
				data = buildArchive(t, fill)
			}

			r := openBytes(t, data)
			f, err := r.File("zeros.bin")
			require.NoError(t, err)
			assert.EqualValues(t, size, f.UncompressedSize())
			assert.True(t, f.RequiresZip64())
			assert.Equal(t, dest == "stream", f.HasDataDescriptor())

			rc, err := f.Open()
			require.NoError(t, err)
			n, err := io.Copy(io.Discard, rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.EqualValues(t, size, n)

			zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
			require.NoError(t, err)
			require.Len(t, zr.File, 1)
			assert.EqualValues(t, size, zr.File[0].UncompressedSize64)
			assert.Equal(t, f.CRC32(), zr.File[0].CRC32)
		})
	}
}

func TestWriterZipCryptoCheckByteFollowsDescriptor(t *testing.T) {
	modTime := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	content := []byte("hello")
	_, dosTime := timeToMsDos(modTime)
	crcByte, timeByte := byte(crc32.ChecksumIEEE(content)>>24), byte(dosTime>>8)
	require.NotEqual(t, crcByte, timeByte)

	fill := func(w *Writer) {
		opts := []EntryOption{WithEncryption(ZipCrypto, "secret"), WithModTime(modTime)}
		_, err := w.WriteData("seeker.txt", content, opts...)
		require.NoError(t, err)
		_, err = w.WriteFile("reader.txt", iotest.OneByteReader(bytes.NewReader(content)), opts...)
		require.NoError(t, err)
	}

	tests := []struct {
		dest       string
		name       string
		descriptor bool
	}{
		{"seekable", "seeker.txt", false},
		{"seekable", "reader.txt", true},
		{"stream", "seeker.txt", true},
		{"stream", "reader.txt", true},
	}

	archives := map[string][]byte{"stream": buildArchive(t, fill)}
	out := filepath.Join(t.TempDir(), "zipcrypto.zip")
	w, err := Create(out)
	require.NoError(t, err)
	fill(w)
	require.NoError(t, w.Close())
	archives["seekable"], err = os.ReadFile(out)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.dest+"/"+tt.name, func(t *testing.T) {
			r := openBytes(t, archives[tt.dest])
			f, err := r.File(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.descriptor, f.HasDataDescriptor())

			data, _, err := r.entryData(f)
			require.NoError(t, err)
			header := make([]byte, zipCryptoHeaderLen)
			_, err = io.ReadFull(data, header)
			require.NoError(t, err)
			newZipKeys([]byte("secret")).decrypt(header)

			want, wantCheck := crcByte, PasswordCheckCRC
			if f.HasDataDescriptor() {
				want, wantCheck = timeByte, PasswordCheckTime
			}
			assert.Equal(t, want, header[zipCryptoHeaderLen-1])

			assert.Equal(t, string(content), readEntry(t, r, tt.name, "secret"))
			assert.Equal(t, wantCheck, f.PasswordCheck())
		})
	}
}

func TestWriteFileFromPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(file, []byte("#!/bin/sh\n"), 0o755))
	modTime := time.Date(2022, 2, 2, 2, 2, 2, 0, time.UTC)
	require.NoError(t, os.Chtimes(file, modTime, modTime))

	var buf bytes.Buffer
	w := NewWriter(&buf)
	f, err := w.WriteFileFromPath(file, "bin/script.sh")
	require.NoError(t, err)
	assert.Equal(t, "bin/script.sh", f.Name())
	assert.EqualValues(t, len("#!/bin/sh\n"), f.UncompressedSize())

	_, err = w.WriteFileFromPath(dir, "tree")
	require.NoError(t, err)

	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink("script.sh", filepath.Join(dir, "link")))
		f, err = w.WriteFileFromPath(filepath.Join(dir, "link"), "bin/link")
		require.NoError(t, err)
		assert.True(t, f.IsSymlink())
	}

	_, err = w.WriteFileFromPath(filepath.Join(dir, "missing"), "missing")
	assert.ErrorIs(t, err, ErrIO)
	require.NoError(t, w.Close())

	r := openBytes(t, buf.Bytes())
	script, err := r.File("bin/script.sh")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", readEntry(t, r, "bin/script.sh", ""))
	assert.True(t, script.ModTime().Equal(modTime), "got %v", script.ModTime())
	if runtime.GOOS != "windows" {
		assert.Equal(t, fs.FileMode(0o755), script.Mode().Perm())

		link, err := r.File("bin/link")
		require.NoError(t, err)
		assert.True(t, link.IsSymlink())
		assert.Equal(t, "script.sh", readEntry(t, r, "bin/link", ""))
	}

	tree, err := r.File("tree")
	require.NoError(t, err)
	assert.True(t, tree.IsDir())
}

func TestWriteDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("c"), 0o644))

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDir(context.Background(), dir, "root"))
	require.NoError(t, w.Close())

	r := openBytes(t, buf.Bytes())
	var names []string
	for _, f := range r.All() {
		names = append(names, f.Name())
	}
	assert.Equal(t, []string{"root/a/b.txt", "root/c.txt", "root/empty"}, names)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWriter(io.Discard).WriteDir(ctx, dir, "")
	assert.ErrorIs(t, err, ErrCancelled)
}
