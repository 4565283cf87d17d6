// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFSFixture(t *testing.T) *Reader {
	t.Helper()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.WriteData("readme.md", []byte("# readme"))
	require.NoError(t, err)
	_, err = w.WriteData("src/main.go", []byte("package main"))
	require.NoError(t, err)
	_, err = w.WriteData("src/util/strings.go", []byte("package util"))
	require.NoError(t, err)
	_, err = w.Mkdir("empty")
	require.NoError(t, err)
	_, err = w.WriteData("secret/key.txt", []byte("hunter2"), WithPassword("pw"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return r
}

func dirNames(entries []fs.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFSReadFile(t *testing.T) {
	fsys := newFSFixture(t).FS()

	data, err := fs.ReadFile(fsys, "src/util/strings.go")
	require.NoError(t, err)
	assert.Equal(t, "package util", string(data))

	_, err = fs.ReadFile(fsys, "missing.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = fsys.Open("../escape")
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestFSEncryptedEntryUsesSessionPassword(t *testing.T) {
	r := newFSFixture(t)
	fsys := r.FS()

	_, err := fs.ReadFile(fsys, "secret/key.txt")
	assert.ErrorIs(t, err, ErrWrongPassword)

	r.SetPassword("pw")
	data, err := fs.ReadFile(fsys, "secret/key.txt")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(data))
}

func TestFSReadDir(t *testing.T) {
	fsys := newFSFixture(t).FS()

	root, err := fs.ReadDir(fsys, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "readme.md", "secret", "src"}, dirNames(root))

	src, err := fs.ReadDir(fsys, "src")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "util"}, dirNames(src))
	assert.True(t, src[1].IsDir(), "implicit directory")

	empty, err := fs.ReadDir(fsys, "empty")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = fs.ReadDir(fsys, "readme.md")
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestFSReadDirBatches(t *testing.T) {
	fsys := newFSFixture(t).FS()

	f, err := fsys.Open(".")
	require.NoError(t, err)
	defer f.Close()
	dir, ok := f.(fs.ReadDirFile)
	require.True(t, ok)

	var names []string
	for {
		batch, err := dir.ReadDir(3)
		names = append(names, dirNames(batch)...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"empty", "readme.md", "secret", "src"}, names)

	_, err = dir.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestFSStat(t *testing.T) {
	fsys := newFSFixture(t).FS()

	info, err := fs.Stat(fsys, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "main.go", info.Name())
	assert.Equal(t, int64(len("package main")), info.Size())
	assert.False(t, info.IsDir())
	assert.IsType(t, &File{}, info.Sys())

	info, err = fs.Stat(fsys, "src/util")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "util", info.Name())
}

func TestFSWalkAndGlob(t *testing.T) {
	fsys := newFSFixture(t).FS()

	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.md", "secret/key.txt", "src/main.go", "src/util/strings.go"}, files)

	matches, err := fs.Glob(fsys, "src/*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, matches)
}

func TestFSClosedReader(t *testing.T) {
	r := newFSFixture(t)
	fsys := r.FS()
	require.NoError(t, r.Close())

	_, err := fsys.Open("readme.md")
	assert.ErrorIs(t, err, fs.ErrClosed)
}
