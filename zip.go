// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ziparchive reads and writes ZIP archives with traditional PKWARE
// ("ZipCrypto") and WinZip AES encryption.
//
// The package is layered. Writer and Reader are archive sessions that own one
// archive each and serialise entries one at a time. On top of them sit
// one-shot helpers that walk a directory tree into an archive or extract an
// archive into a directory, with per-entry callbacks, progress reporting and
// cancellation.
//
// # Archive sessions
//
// A Writer appends entries to any io.Writer. When the destination can seek,
// sizes and CRC are patched into the local header after the payload has been
// written; otherwise entries are followed by data descriptors. Zip64 records
// are emitted automatically when sizes, offsets or entry counts require them.
//
//	w, _ := ziparchive.Create("out.zip")
//	w.WriteData("hello.txt", []byte("hello"), ziparchive.WithPassword("secret"))
//	w.WriteFileFromPath("/etc/hosts", "etc/hosts")
//	w.Close()
//
// A Reader parses the central directory once and opens entries on demand.
// Sizes and CRC are verified when an entry has been read to the end; AES
// entries are additionally authenticated.
//
//	r, _ := ziparchive.OpenReader("out.zip")
//	defer r.Close()
//	rc, _ := r.ExtractEntryByName("hello.txt", "secret")
//	data, _ := io.ReadAll(rc)
//
// The archive is also available as a read-only [fs.FS] through Reader.FS.
//
// # Bulk operations
//
// CreateArchive and CreateArchiveFromDir build an archive from paths on disk.
// Unzip and Reader.ExtractTo extract into a directory. Extraction rejects
// entries that would escape the destination, reports per-entry failures
// without aborting the run, and can be cancelled through the context or the
// Progress callback of a Delegate.
package ziparchive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the chunk size used to copy entry data during
// extraction. Cancellation is checked between chunks.
const DefaultBufferSize = 64 << 10

// maxSymlinkTarget bounds the payload read for a symlink entry.
const maxSymlinkTarget = 64 << 10

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// ArchiveEvent describes a whole extraction run.
type ArchiveEvent struct {
	Archive string // archive path, empty when extracting from a caller's Reader
	Dest    string // absolute destination directory
	Entries int
}

// EntryEvent describes one entry during extraction.
type EntryEvent struct {
	File  *File
	Index int
	Total int
	Path  string // destination path on disk
	Err   error  // outcome, only set for DidUnzipEntry
}

// Delegate holds optional extraction hooks. They fire in this order:
// WillUnzipArchive, then for every entry ShouldUnzipEntry, WillUnzipEntry
// and DidUnzipEntry, and finally DidUnzipArchive. Progress is called after
// every chunk with cumulative values that never decrease; returning false
// cancels the extraction.
type Delegate struct {
	WillUnzipArchive func(ArchiveEvent)
	ShouldUnzipEntry func(f *File, index int) bool
	WillUnzipEntry   func(EntryEvent)
	DidUnzipEntry    func(EntryEvent)
	DidUnzipArchive  func(ArchiveEvent, *ExtractResult)
	Progress         ProgressFunc
}

// UnzipOptions controls Unzip and Reader.ExtractTo.
type UnzipOptions struct {
	// Overwrite replaces existing files. When false, existing files are left
	// untouched and reported in ExtractResult.Conflicts.
	Overwrite bool

	// Password is used for every encrypted entry.
	Password string

	// PreserveAttributes restores permission bits and modification times.
	PreserveAttributes bool

	Delegate *Delegate

	// Logger receives conflict and failure warnings. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger

	// BufferSize overrides DefaultBufferSize.
	BufferSize int
}

func (o *UnzipOptions) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

// ExtractResult lists what happened to every entry of an extraction run.
type ExtractResult struct {
	Extracted []string      // entries written to disk
	Skipped   []string      // entries declined by ShouldUnzipEntry
	Conflicts []string      // entries not written because the target existed
	Failures  []*EntryError // entries that failed
}

// Err aggregates the failures, or returns nil when there were none.
func (res *ExtractResult) Err() error {
	var merr *multierror.Error
	for _, failure := range res.Failures {
		merr = multierror.Append(merr, failure)
	}
	return merr.ErrorOrNil()
}

// Unzip extracts the archive at archivePath into dest.
//
// A wrong or missing password for an encrypted archive fails with
// ErrWrongPassword before anything is created. Per-entry failures do not stop
// the run; they are recorded in the result and aggregated into the returned
// error.
func Unzip(ctx context.Context, archivePath, dest string, opts UnzipOptions) (*ExtractResult, error) {
	r, err := OpenReaderContext(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	res, err := r.extract(ctx, archivePath, dest, opts)
	if !r.closed {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}
	return res, err
}

// ExtractTo extracts every entry into dest. See Unzip.
// On cancellation the Reader is closed and partial output stays in place.
func (r *Reader) ExtractTo(ctx context.Context, dest string, opts UnzipOptions) (*ExtractResult, error) {
	return r.extract(ctx, "", dest, opts)
}

type dirAttributes struct {
	path string
	f    *File
}

// extractor carries the state of one extraction run.
type extractor struct {
	r        *Reader
	root     string
	opts     UnzipOptions
	delegate Delegate
	log      logrus.FieldLogger
	progress *progressTracker
	result   *ExtractResult
	dirs     []dirAttributes
	buf      []byte
}

func (r *Reader) extract(ctx context.Context, archive, dest string, opts UnzipOptions) (*ExtractResult, error) {
	if r.closed {
		return nil, ErrInvalidState
	}
	if dest == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrInvalidArguments)
	}

	if r.IsEncrypted() {
		ok, err := r.CheckPassword(opts.Password)
		if err != nil && !errors.Is(err, ErrWrongPassword) {
			return nil, err
		}
		if !ok {
			return nil, ErrWrongPassword
		}
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, ioError(err)
	}

	x := &extractor{
		r:      r,
		root:   root,
		opts:   opts,
		result: &ExtractResult{},
		log:    opts.logger().WithField("destination", root),
	}
	if archive != "" {
		x.log = x.log.WithField("archive", archive)
	}
	if opts.Delegate != nil {
		x.delegate = *opts.Delegate
	}
	total := lo.SumBy(r.files, func(f *File) int64 { return f.uncompressedSize })
	x.progress = newProgressTracker(x.delegate.Progress, total)

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	x.buf = *bufPtr
	if opts.BufferSize > 0 && opts.BufferSize != len(x.buf) {
		x.buf = make([]byte, opts.BufferSize)
	}

	return x.run(ctx, ArchiveEvent{Archive: archive, Dest: root, Entries: len(r.files)})
}

func (x *extractor) run(ctx context.Context, event ArchiveEvent) (*ExtractResult, error) {
	if x.delegate.WillUnzipArchive != nil {
		x.delegate.WillUnzipArchive(event)
	}

	for i, f := range x.r.files {
		if err := ctx.Err(); err != nil {
			return x.cancel(fmt.Errorf("%w: %w", ErrCancelled, err))
		}

		if x.delegate.ShouldUnzipEntry != nil && !x.delegate.ShouldUnzipEntry(f, i) {
			x.result.Skipped = append(x.result.Skipped, f.name)
			x.log.WithField("entry", f.name).Debug("Entry skipped")
			if !x.progress.skip(f.uncompressedSize, 0) {
				return x.cancel(ErrCancelled)
			}
			continue
		}

		target, err := x.targetPath(f)
		entry := EntryEvent{File: f, Index: i, Total: len(x.r.files), Path: target}
		if x.delegate.WillUnzipEntry != nil {
			x.delegate.WillUnzipEntry(entry)
		}

		var written int64
		if err == nil {
			written, err = x.extractEntry(ctx, f, target)
		}
		if errors.Is(err, ErrCancelled) {
			return x.cancel(err)
		}
		x.record(f, err)

		entry.Err = err
		if x.delegate.DidUnzipEntry != nil {
			x.delegate.DidUnzipEntry(entry)
		}
		if !x.progress.skip(f.uncompressedSize, written) {
			return x.cancel(ErrCancelled)
		}
	}

	x.restoreDirectories()

	if x.delegate.DidUnzipArchive != nil {
		x.delegate.DidUnzipArchive(event, x.result)
	}
	return x.result, x.result.Err()
}

// record files the outcome of one entry into the result.
func (x *extractor) record(f *File, err error) {
	log := x.log.WithField("entry", f.name)
	switch {
	case err == nil:
		x.result.Extracted = append(x.result.Extracted, f.name)
		log.Debug("Entry extracted")
	case errors.Is(err, ErrFileExists):
		x.result.Conflicts = append(x.result.Conflicts, f.name)
		log.Warningln("Destination exists, entry not extracted")
	default:
		x.result.Failures = append(x.result.Failures, &EntryError{Name: f.name, Err: err})
		log.WithError(err).Warningln("Failed to extract entry")
	}
}

// cancel closes the session and reports err. Output written so far stays.
func (x *extractor) cancel(err error) (*ExtractResult, error) {
	x.log.WithError(err).Warningln("Extraction cancelled")
	if !x.r.closed {
		x.r.Close()
	}
	return x.result, err
}

// targetPath maps an entry name to a path below the destination.
func (x *extractor) targetPath(f *File) (string, error) {
	name, err := validateEntryPath(f.name)
	if err != nil {
		return "", err
	}
	target := filepath.Join(x.root, filepath.FromSlash(name))
	if !isWithin(x.root, target) {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, f.name)
	}
	return target, nil
}

func (x *extractor) extractEntry(ctx context.Context, f *File, target string) (int64, error) {
	if f.isDir {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, ioError(err)
		}
		x.dirs = append(x.dirs, dirAttributes{path: target, f: f})
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, ioError(err)
	}
	if info, err := os.Lstat(target); err == nil {
		if !x.opts.Overwrite {
			return 0, fmt.Errorf("%w: %s", ErrFileExists, target)
		}
		if info.IsDir() {
			return 0, fmt.Errorf("%w: %s is a directory", ErrFileExists, target)
		}
		if info.Mode()&fs.ModeSymlink != 0 || f.IsSymlink() {
			if err := os.Remove(target); err != nil {
				return 0, ioError(err)
			}
		}
	}

	src, err := f.OpenWithPassword(x.opts.Password)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if f.IsSymlink() {
		return x.extractSymlink(src, f, target)
	}

	perm := fs.FileMode(0o644)
	if x.opts.PreserveAttributes && f.mode.Perm() != 0 {
		perm = f.mode.Perm()
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, ioError(err)
	}

	written, err := x.copy(ctx, dst, src)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = ioError(cerr)
	}
	if err != nil {
		if !errors.Is(err, ErrCancelled) {
			os.Remove(target)
		}
		return written, err
	}

	x.restoreAttributes(target, f)
	return written, nil
}

// extractSymlink restores a link whose target stays inside the destination.
func (x *extractor) extractSymlink(src io.Reader, f *File, target string) (int64, error) {
	raw, err := io.ReadAll(io.LimitReader(src, maxSymlinkTarget))
	if err != nil {
		return 0, err
	}
	link := filepath.FromSlash(string(raw))
	if link == "" || filepath.IsAbs(link) || strings.ContainsRune(link, 0) {
		return 0, fmt.Errorf("%w: %s links to %q", ErrInsecurePath, f.name, raw)
	}
	if !isWithin(x.root, filepath.Join(filepath.Dir(target), link)) {
		return 0, fmt.Errorf("%w: %s links outside the destination", ErrInsecurePath, f.name)
	}
	if err := os.Symlink(link, target); err != nil {
		return 0, ioError(err)
	}
	return int64(len(raw)), nil
}

// copy moves entry data in chunks, checking for cancellation between them.
func (x *extractor) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		n, rerr := src.Read(x.buf)
		if n > 0 {
			if _, err := dst.Write(x.buf[:n]); err != nil {
				return written, ioError(err)
			}
			written += int64(n)
			if !x.progress.add(int64(n)) {
				return written, ErrCancelled
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// restoreAttributes applies permissions and times on a best-effort basis.
// File systems that do not support them only produce a debug line.
func (x *extractor) restoreAttributes(target string, f *File) {
	if !x.opts.PreserveAttributes {
		return
	}
	log := x.log.WithField("entry", f.name)
	if perm := f.mode.Perm(); perm != 0 {
		if err := os.Chmod(target, perm); err != nil {
			log.WithError(err).Debugln("Failed to restore permissions")
		}
	}
	mtime := f.ModTime()
	_, atime, _ := f.FsTime()
	if atime.IsZero() {
		atime = mtime
	}
	if err := os.Chtimes(target, atime, mtime); err != nil {
		log.WithError(err).Debugln("Failed to restore modification time")
	}
}

// restoreDirectories runs last and in reverse, so that writing children
// does not bump the times of their parents again.
func (x *extractor) restoreDirectories() {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		x.restoreAttributes(x.dirs[i].path, x.dirs[i].f)
	}
}

// validateEntryPath checks that name is a safe relative path and returns it
// in slash-separated form. Absolute paths, drive prefixes, NUL bytes and
// "..", "." or empty segments are rejected.
func validateEntryPath(name string) (string, error) {
	normalized := strings.ReplaceAll(name, "\\", "/")
	if normalized == "" || strings.ContainsRune(normalized, 0) {
		return "", fmt.Errorf("%w: invalid entry name %q", ErrInsecurePath, name)
	}
	if strings.HasPrefix(normalized, "/") || hasVolumePrefix(normalized) {
		return "", fmt.Errorf("%w: absolute entry name %q", ErrInsecurePath, name)
	}

	trimmed := strings.TrimRight(normalized, "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: invalid entry name %q", ErrInsecurePath, name)
	}
	for part := range strings.SplitSeq(trimmed, "/") {
		switch part {
		case "..":
			return "", fmt.Errorf("%w: entry %q escapes the destination", ErrInsecurePath, name)
		case "", ".":
			return "", fmt.Errorf("%w: invalid entry name %q", ErrInsecurePath, name)
		}
	}

	clean := path.Clean(trimmed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("%w: invalid entry name %q", ErrInsecurePath, name)
	}
	return clean, nil
}

func hasVolumePrefix(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// isWithin reports whether target is root or lies below it.
func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ArchiveOptions controls CreateArchive and CreateArchiveFromDir.
type ArchiveOptions struct {
	// Password encrypts every file entry when set.
	Password string

	// UseAES selects WinZip AES-256 instead of ZipCrypto.
	UseAES bool

	// CompressionLevel is 0 (store) through 9, or DefaultCompression.
	CompressionLevel int

	// KeepParentDirectory prefixes entry names with the base name of each
	// input directory.
	KeepParentDirectory bool

	Comment string

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Progress is called after every entry with cumulative source bytes.
	// Returning false cancels the run.
	Progress ProgressFunc

	// EntryOptions are applied to every entry after the options derived
	// from the fields above.
	EntryOptions []EntryOption
}

// DefaultArchiveOptions returns options with the default compression level.
func DefaultArchiveOptions() ArchiveOptions {
	return ArchiveOptions{CompressionLevel: DefaultCompression}
}

func (o *ArchiveOptions) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

func (o *ArchiveOptions) entryOptions() []EntryOption {
	options := []EntryOption{WithCompressionLevel(o.CompressionLevel)}
	if o.Password != "" {
		method := ZipCrypto
		if o.UseAES {
			method = AES256
		}
		options = append(options, WithEncryption(method, o.Password))
	}
	return append(options, o.EntryOptions...)
}

// archiveItem is one path on disk and the entry name it is stored under.
type archiveItem struct {
	path string
	name string
	size int64
}

// CreateArchive writes the files and directories in inputPaths to a new
// archive at out. Files are stored under their base name, directories are
// walked in lexical order. A partial archive is removed when the run fails.
func CreateArchive(ctx context.Context, out string, inputPaths []string, opts ArchiveOptions) error {
	if len(inputPaths) == 0 {
		return fmt.Errorf("%w: no input paths", ErrInvalidArguments)
	}
	items, err := planArchive(out, inputPaths, opts.KeepParentDirectory)
	if err != nil {
		return err
	}
	return writeArchive(ctx, out, items, opts)
}

// CreateArchiveFromDir archives the contents of dir. With
// KeepParentDirectory the entries are placed under the base name of dir.
func CreateArchiveFromDir(ctx context.Context, out, dir string, opts ArchiveOptions) error {
	info, err := os.Stat(dir)
	if err != nil {
		return ioError(err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidArguments, dir)
	}
	return CreateArchive(ctx, out, []string{dir}, opts)
}

// planArchive expands the inputs into the ordered list of entries.
func planArchive(out string, inputPaths []string, keepParent bool) ([]archiveItem, error) {
	outAbs, _ := filepath.Abs(out)
	var items []archiveItem

	for _, input := range inputPaths {
		info, err := os.Lstat(input)
		if err != nil {
			return nil, ioError(err)
		}
		if !info.IsDir() {
			items = append(items, archiveItem{path: input, name: filepath.Base(input), size: info.Size()})
			continue
		}

		prefix := ""
		if keepParent {
			prefix = filepath.Base(filepath.Clean(input))
		}
		walked, err := walkDir(input, prefix, outAbs)
		if err != nil {
			return nil, err
		}
		if len(walked) == 0 && prefix != "" {
			walked = append(walked, archiveItem{path: input, name: prefix})
		}
		items = append(items, walked...)
	}
	return items, nil
}

// walkDir lists the files below dir and its empty directories.
func walkDir(dir, prefix, skip string) ([]archiveItem, error) {
	var items []archiveItem
	err := filepath.WalkDir(dir, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioError(err)
		}
		if walkPath == dir {
			return nil
		}
		if abs, _ := filepath.Abs(walkPath); abs == skip {
			return nil
		}
		rel, err := filepath.Rel(dir, walkPath)
		if err != nil {
			return err
		}
		item := archiveItem{path: walkPath, name: path.Join(prefix, filepath.ToSlash(rel))}

		if d.IsDir() {
			entries, err := os.ReadDir(walkPath)
			if err != nil {
				return ioError(err)
			}
			if len(entries) == 0 {
				items = append(items, item)
			}
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			item.size = info.Size()
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

func writeArchive(ctx context.Context, out string, items []archiveItem, opts ArchiveOptions) (err error) {
	log := opts.logger().WithField("archive", out)

	w, err := Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			w.discard()
			os.Remove(out)
			log.WithError(err).Warningln("Failed to create archive")
		}
	}()

	if opts.Comment != "" {
		if err := w.SetComment(opts.Comment); err != nil {
			return err
		}
	}

	total := lo.SumBy(items, func(it archiveItem) int64 { return it.size })
	progress := newProgressTracker(opts.Progress, total)
	options := opts.entryOptions()
	started := time.Now()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if _, err := w.writePathWithContext(ctx, item.path, item.name, options); err != nil {
			return err
		}
		log.WithField("entry", item.name).Debug("Entry added")
		if !progress.add(item.size) {
			return ErrCancelled
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"entries":  len(items),
		"duration": time.Since(started),
	}).Debug("Archive created")
	return nil
}

// IsPasswordProtected reports whether any entry of the archive is encrypted.
func IsPasswordProtected(archivePath string) (bool, error) {
	r, err := OpenReader(archivePath)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.IsEncrypted(), nil
}

// IsPasswordValid checks pwd against the first encrypted entry without
// extracting anything. Archives without encrypted entries accept any password.
func IsPasswordValid(archivePath, pwd string) (bool, error) {
	r, err := OpenReader(archivePath)
	if err != nil {
		return false, err
	}
	defer r.Close()

	ok, err := r.CheckPassword(pwd)
	if errors.Is(err, ErrWrongPassword) {
		return false, nil
	}
	return ok, err
}
