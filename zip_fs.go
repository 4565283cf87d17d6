// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"cmp"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

var (
	_ fs.FS        = (*readerFS)(nil)
	_ fs.StatFS    = (*readerFS)(nil)
	_ fs.ReadDirFS = (*readerFS)(nil)
)

// FS returns a read-only file system view of the archive. Encrypted entries
// are opened with the password set by SetPassword. Directories that only
// exist as path prefixes are synthesized.
func (r *Reader) FS() fs.FS {
	return &readerFS{r: r}
}

type readerFS struct {
	r *Reader
}

// Open implements fs.FS.
func (rfs *readerFS) Open(name string) (fs.File, error) {
	entry, err := rfs.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	if entry.isDir {
		return &fsDir{entry: entry, fsys: rfs}, nil
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &fsFile{entry: entry, rc: rc}, nil
}

// Stat implements fs.StatFS.
func (rfs *readerFS) Stat(name string) (fs.FileInfo, error) {
	entry, err := rfs.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return fileInfoAdapter{entry}, nil
}

// ReadDir implements fs.ReadDirFS.
func (rfs *readerFS) ReadDir(name string) ([]fs.DirEntry, error) {
	entry, err := rfs.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	if !entry.isDir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	return rfs.children(entry.name), nil
}

// lookup resolves the root, explicit entries and implicit directories.
func (rfs *readerFS) lookup(name string) (*File, error) {
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}
	if rfs.r.closed {
		return nil, fs.ErrClosed
	}

	if name == "." {
		return syntheticDir("."), nil
	}
	if f, err := rfs.r.File(name); err == nil {
		return f, nil
	}
	if rfs.hasImplicitDir(name) {
		return syntheticDir(name), nil
	}
	return nil, fs.ErrNotExist
}

func syntheticDir(name string) *File {
	return &File{
		name:  name,
		isDir: true,
		mode:  fs.ModeDir | 0755,
	}
}

func (rfs *readerFS) hasImplicitDir(name string) bool {
	prefix := name + "/"
	for _, f := range rfs.r.files {
		if strings.HasPrefix(f.name, prefix) {
			return true
		}
	}
	return false
}

// children lists the direct descendants of dir, sorted by name.
func (rfs *readerFS) children(dir string) []fs.DirEntry {
	prefix := dir + "/"
	if dir == "." {
		prefix = ""
	}

	seen := make(map[string]bool)
	var entries []fs.DirEntry

	for _, f := range rfs.r.files {
		rel, ok := strings.CutPrefix(f.name, prefix)
		if !ok || rel == "" {
			continue
		}

		childName, _, nested := strings.Cut(rel, "/")
		if seen[childName] {
			continue
		}
		seen[childName] = true

		info := f
		if nested {
			if explicit, err := rfs.r.File(path.Join(dir, childName)); err == nil {
				info = explicit
			} else {
				info = syntheticDir(path.Join(dir, childName))
			}
		}
		entries = append(entries, fs.FileInfoToDirEntry(fileInfoAdapter{info}))
	}

	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return cmp.Compare(a.Name(), b.Name())
	})
	return entries
}

// fsFile wraps a regular compressed file to satisfy fs.File
type fsFile struct {
	entry *File
	rc    io.ReadCloser
}

func (f *fsFile) Stat() (fs.FileInfo, error) { return fileInfoAdapter{f.entry}, nil }
func (f *fsFile) Read(b []byte) (int, error) { return f.rc.Read(b) }
func (f *fsFile) Close() error               { return f.rc.Close() }

// fsDir wraps a directory entry to satisfy fs.ReadDirFile
type fsDir struct {
	entry   *File
	fsys    *readerFS
	entries []fs.DirEntry
	listed  bool
}

func (d *fsDir) Stat() (fs.FileInfo, error) { return fileInfoAdapter{d.entry}, nil }
func (d *fsDir) Close() error               { return nil }
func (d *fsDir) Read(b []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.entry.name, Err: fs.ErrInvalid}
}

// ReadDir returns the next n children, or all remaining ones when n <= 0.
func (d *fsDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.listed {
		d.entries = d.fsys.children(d.entry.name)
		d.listed = true
	}

	if n <= 0 {
		rest := d.entries
		d.entries = nil
		return rest, nil
	}
	if len(d.entries) == 0 {
		return nil, io.EOF
	}

	n = min(n, len(d.entries))
	batch := d.entries[:n]
	d.entries = d.entries[n:]
	return batch, nil
}

type fileInfoAdapter struct{ f *File }

func (i fileInfoAdapter) Name() string       { return path.Base(i.f.name) }
func (i fileInfoAdapter) Size() int64        { return i.f.uncompressedSize }
func (i fileInfoAdapter) Mode() fs.FileMode  { return i.f.mode }
func (i fileInfoAdapter) ModTime() time.Time { return i.f.modTime }
func (i fileInfoAdapter) IsDir() bool        { return i.f.isDir }
func (i fileInfoAdapter) Sys() any           { return i.f }
