// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lemon4ksan/ziparchive/internal"
	"github.com/lemon4ksan/ziparchive/internal/sys"
)

// SizeUnknown is a sentinel value used when the uncompressed size of a file
// cannot be determined before writing (e.g., streaming from io.Reader).
const SizeUnknown int64 = -1

// zip64Threshold is the declared size from which the local header reserves
// room for 64-bit sizes. The margin covers deflate expansion and encryption framing.
const zip64Threshold = (1 << 32) - (1 << 24)

// entryConfig holds the per-entry settings assembled from EntryOptions.
type entryConfig struct {
	method     CompressionMethod
	level      int
	encryption EncryptionMethod
	password   string
	modTime    time.Time
	mode       fs.FileMode
	size       int64
	comment    string
	times      sys.FileTimes
	hostSystem sys.HostSystem
}

// EntryOption configures a single entry written by a Writer.
type EntryOption func(c *entryConfig)

// WithCompression sets the compression method and level. Ignored for directories.
func WithCompression(method CompressionMethod, level int) EntryOption {
	return func(c *entryConfig) {
		c.method = method
		c.level = level
	}
}

// WithCompressionLevel selects Stored for level 0 and Deflated otherwise.
func WithCompressionLevel(level int) EntryOption {
	return func(c *entryConfig) {
		c.level = level
		if level == NoCompression {
			c.method = Stored
		} else {
			c.method = Deflated
		}
	}
}

// WithEncryption sets the encryption method and password. Ignored for directories.
func WithEncryption(method EncryptionMethod, pwd string) EntryOption {
	return func(c *entryConfig) {
		c.encryption = method
		c.password = pwd
	}
}

// WithPassword encrypts the entry with AES-256.
func WithPassword(pwd string) EntryOption {
	return WithEncryption(AES256, pwd)
}

// WithModTime overrides the modification time, which defaults to now.
func WithModTime(t time.Time) EntryOption {
	return func(c *entryConfig) {
		c.modTime = t
	}
}

// WithMode sets the Unix-style permission and type bits stored in the
// external attributes.
func WithMode(mode fs.FileMode) EntryOption {
	return func(c *entryConfig) {
		c.mode = mode
	}
}

// WithSize declares the uncompressed size upfront. Sizes close to 4 GiB or
// SizeUnknown make the writer reserve Zip64 fields in the local header.
func WithSize(size int64) EntryOption {
	return func(c *entryConfig) {
		c.size = size
	}
}

// WithComment attaches a comment to the entry (max 65535 bytes).
func WithComment(comment string) EntryOption {
	return func(c *entryConfig) {
		c.comment = comment
	}
}

func withFileTimes(times sys.FileTimes) EntryOption {
	return func(c *entryConfig) {
		c.times = times
	}
}

func withHostSystem(host sys.HostSystem) EntryOption {
	return func(c *entryConfig) {
		c.hostSystem = host
	}
}

// Writer appends entries to a ZIP archive. Every call serialises one entry
// completely before it returns; Close writes the central directory.
// A Writer is not safe for concurrent use.
type Writer struct {
	dest   io.Writer
	seeker io.WriteSeeker // nil when local headers cannot be patched
	closer io.Closer      // owned file, set by Create
	base   int64          // position of dest when the writer was created

	offset  int64 // bytes written so far, relative to base
	files   []*File
	names   map[string]struct{}
	comment string
	closed  bool
}

// Create creates the archive file at name and returns a Writer that owns it.
func Create(name string) (*Writer, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, ioError(err)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// NewWriter returns a Writer appending an archive to dest. When dest can seek,
// sizes are patched into local headers; otherwise entries get data descriptors.
// The caller keeps ownership of dest.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{
		dest:  dest,
		names: make(map[string]struct{}),
	}
	if ws, ok := dest.(io.WriteSeeker); ok {
		if pos, err := ws.Seek(0, io.SeekCurrent); err == nil {
			w.seeker = ws
			w.base = pos
		}
	}
	return w
}

// SetComment sets the archive comment written by Close.
func (w *Writer) SetComment(comment string) error {
	if w.closed {
		return ErrInvalidState
	}
	if len(comment) > internal.MaxCommentLen {
		return ErrCommentTooLong
	}
	w.comment = comment
	return nil
}

// Files returns the entries written so far, in archive order.
func (w *Writer) Files() []*File {
	return append([]*File(nil), w.files...)
}

// WriteFile compresses src into a new entry called name.
func (w *Writer) WriteFile(name string, src io.Reader, options ...EntryOption) (*File, error) {
	if w.closed {
		return nil, ErrInvalidState
	}
	if src == nil {
		return nil, fmt.Errorf("%w: reader cannot be nil", ErrInvalidArguments)
	}
	cfg := w.newEntryConfig(0644, options)
	f, err := w.newFile(name, false, cfg)
	if err != nil {
		return nil, err
	}
	if err := w.writeEntry(f, src, cfg); err != nil {
		return nil, &EntryError{Name: name, Err: err}
	}
	return f, nil
}

// WriteData stores data as a new entry called name.
func (w *Writer) WriteData(name string, data []byte, options ...EntryOption) (*File, error) {
	options = append([]EntryOption{WithSize(int64(len(data)))}, options...)
	return w.WriteFile(name, bytes.NewReader(data), options...)
}

// Mkdir adds a directory entry. Directories carry no data and are never encrypted.
func (w *Writer) Mkdir(name string, options ...EntryOption) (*File, error) {
	if w.closed {
		return nil, ErrInvalidState
	}
	cfg := w.newEntryConfig(fs.ModeDir|0755, options)
	f, err := w.newFile(strings.TrimSuffix(name, "/"), true, cfg)
	if err != nil {
		return nil, err
	}
	if err := w.writeEntry(f, nil, cfg); err != nil {
		return nil, &EntryError{Name: name, Err: err}
	}
	return f, nil
}

// WriteFileFromPath adds the file, directory or symlink at filePath under name.
// Symlinks are stored as links, their target becomes the payload.
func (w *Writer) WriteFileFromPath(filePath, name string, options ...EntryOption) (*File, error) {
	if w.closed {
		return nil, ErrInvalidState
	}
	info, err := os.Lstat(filePath)
	if err != nil {
		return nil, ioError(err)
	}

	meta := []EntryOption{WithModTime(info.ModTime()), WithMode(info.Mode())}
	if times, ok := sys.GetFileTimes(info); ok {
		meta = append(meta, withFileTimes(times))
	}
	options = append(meta, options...)

	switch {
	case info.IsDir():
		return w.Mkdir(name, options...)

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(filePath)
		if err != nil {
			return nil, ioError(fmt.Errorf("read link: %w", err))
		}
		return w.WriteData(name, []byte(filepath.ToSlash(target)), options...)

	case info.Mode().IsRegular():
		src, err := os.Open(filePath)
		if err != nil {
			return nil, ioError(err)
		}
		defer src.Close()

		options = append([]EntryOption{WithSize(info.Size()), withHostSystem(sys.GetHostSystem(src))}, options...)
		return w.WriteFile(name, src, options...)

	default:
		return nil, fmt.Errorf("%w: %s is not a regular file, directory or symlink", ErrInvalidArguments, filePath)
	}
}

// WriteDir walks dir in lexical order and adds every file below it, with
// names prefixed by prefix. Empty directories become directory entries.
// The walk stops at the first failure.
func (w *Writer) WriteDir(ctx context.Context, dir, prefix string, options ...EntryOption) error {
	if w.closed {
		return ErrInvalidState
	}
	return filepath.WalkDir(dir, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioError(err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if walkPath == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, walkPath)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))

		if d.IsDir() {
			entries, err := os.ReadDir(walkPath)
			if err != nil {
				return ioError(err)
			}
			if len(entries) > 0 {
				return nil
			}
		}

		_, err = w.writePathWithContext(ctx, walkPath, name, options)
		return err
	})
}

func (w *Writer) writePathWithContext(ctx context.Context, filePath, name string, options []EntryOption) (*File, error) {
	info, err := os.Lstat(filePath)
	if err != nil {
		return nil, ioError(err)
	}
	if !info.Mode().IsRegular() {
		return w.WriteFileFromPath(filePath, name, options...)
	}

	src, err := os.Open(filePath)
	if err != nil {
		return nil, ioError(err)
	}
	defer src.Close()

	meta := []EntryOption{
		WithModTime(info.ModTime()),
		WithMode(info.Mode()),
		WithSize(info.Size()),
		withHostSystem(sys.GetHostSystem(src)),
	}
	if times, ok := sys.GetFileTimes(info); ok {
		meta = append(meta, withFileTimes(times))
	}
	return w.WriteFile(name, &contextReader{ctx: ctx, r: src}, append(meta, options...)...)
}

// Close writes the central directory and end records and releases the file
// opened by Create. Further calls return ErrInvalidState.
func (w *Writer) Close() error {
	if w.closed {
		return ErrInvalidState
	}
	w.closed = true

	err := w.writeCentralDirAndEndRecords()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = ioError(cerr)
		}
	}
	return err
}

// discard releases the owned file without writing the central directory.
func (w *Writer) discard() {
	w.closed = true
	if w.closer != nil {
		w.closer.Close()
	}
}

func (w *Writer) newEntryConfig(mode fs.FileMode, options []EntryOption) entryConfig {
	cfg := entryConfig{
		method:     Deflated,
		level:      DefaultCompression,
		mode:       mode,
		size:       SizeUnknown,
		modTime:    time.Now(),
		hostSystem: sys.DefaultHostSystem,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// newFile validates name and settings and prepares the entry metadata.
func (w *Writer) newFile(name string, isDir bool, cfg entryConfig) (*File, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	if name == "" || (!isDir && strings.HasSuffix(name, "/")) {
		return nil, fmt.Errorf("%w: invalid entry name %q", ErrInvalidArguments, name)
	}
	if len(name)+1 > math.MaxUint16 {
		return nil, ErrFilenameTooLong
	}
	if len(cfg.comment) > math.MaxUint16 {
		return nil, ErrCommentTooLong
	}
	if _, ok := w.names[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}

	f := &File{
		name:       name,
		comment:    cfg.comment,
		isDir:      isDir,
		mode:       cfg.mode,
		method:     cfg.method,
		encryption: cfg.encryption,
		hostSystem: cfg.hostSystem,
		modTime:    cfg.modTime,
		times:      cfg.times,
		flags:      flagUTF8,
	}
	f.dosDate, f.dosTime = timeToMsDos(cfg.modTime)

	if isDir {
		f.mode |= fs.ModeDir
		f.method = Stored
		f.encryption = NotEncrypted
		return f, nil
	}

	if cfg.method == Deflated {
		if err := checkLevel(cfg.level); err != nil {
			return nil, err
		}
		f.flags |= compressionLevelBits(cfg.level)
	}
	if cfg.size < SizeUnknown {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidArguments, cfg.size)
	}
	switch {
	case cfg.encryption == NotEncrypted:
	case cfg.encryption == ZipCrypto || cfg.encryption.IsAES():
		if cfg.password == "" {
			return nil, fmt.Errorf("%w: encryption requires a password", ErrInvalidArguments)
		}
		f.flags |= flagEncrypted
		f.aesVendor = aesVendorAE2
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, cfg.encryption)
	}
	return f, nil
}

// writeEntry serialises header, payload and trailer of one entry.
func (w *Writer) writeEntry(f *File, src io.Reader, cfg entryConfig) error {
	f.localHeaderOffset = w.offset

	size := cfg.size
	if size == SizeUnknown && src != nil {
		size = sourceSize(src)
	}

	var cipher entryCipher
	useDescriptor := w.seeker == nil && !f.isDir
	switch {
	case f.encryption == ZipCrypto:
		// Readers check the DOS time byte whenever bit 3 is set, so the
		// CRC byte is only usable when the header gets patched.
		zc := &zipCryptoCipher{password: []byte(cfg.password)}
		rs, ok := src.(io.ReadSeeker)
		if !ok {
			useDescriptor = true
		}
		if useDescriptor {
			zc.checkByte = byte(f.dosTime >> 8)
		} else {
			crc, n, err := prehash(rs)
			if err != nil {
				return err
			}
			f.crc32, size = crc, n
			zc.checkByte = byte(crc >> 24)
		}
		cipher = zc
	case f.encryption.IsAES():
		cipher = &aesCipher{password: []byte(cfg.password), strength: f.encryption.aesStrength()}
	}

	reserveZip64 := !f.isDir && (size == SizeUnknown || size > zip64Threshold)
	if useDescriptor {
		f.flags |= flagDataDescriptor
	}

	header := newZipHeaders(f).LocalHeader(reserveZip64)
	if useDescriptor {
		header.CRC32 = 0
	}
	encoded := header.Encode()
	if _, err := w.dest.Write(encoded); err != nil {
		return ioError(fmt.Errorf("write header: %w", err))
	}
	w.offset += int64(len(encoded))

	if !f.isDir {
		if err := w.writePayload(f, src, cfg, cipher); err != nil {
			w.rollback(f.localHeaderOffset)
			return err
		}
	}

	needs64 := f.uncompressedSize >= math.MaxUint32 || f.compressedSize >= math.MaxUint32
	if needs64 && !reserveZip64 {
		w.rollback(f.localHeaderOffset)
		return fmt.Errorf("%w: declared size %d is too small for %d bytes without zip64 space",
			ErrInvalidArguments, cfg.size, f.uncompressedSize)
	}

	switch {
	case useDescriptor:
		desc := internal.DataDescriptor{
			CRC32:            f.crc32,
			CompressedSize:   uint64(f.compressedSize),
			UncompressedSize: uint64(f.uncompressedSize),
		}.Encode(reserveZip64 || needs64)
		if _, err := w.dest.Write(desc); err != nil {
			return ioError(fmt.Errorf("write data descriptor: %w", err))
		}
		w.offset += int64(len(desc))
	case !f.isDir:
		if err := w.patchLocalHeader(f, len(header.Filename), reserveZip64); err != nil {
			return err
		}
	}

	w.files = append(w.files, f)
	w.names[f.name] = struct{}{}
	return nil
}

func (w *Writer) writePayload(f *File, src io.Reader, cfg entryConfig, cipher entryCipher) error {
	comp, err := compressorFor(f.method, cfg.level)
	if err != nil {
		return err
	}

	counter := &byteCountWriter{dest: w.dest}
	var sink io.Writer = counter
	var enc io.WriteCloser
	if cipher != nil {
		if enc, err = cipher.newEncrypter(counter); err != nil {
			w.offset += counter.bytesWritten
			return err
		}
		sink = enc
	}

	hasher := crc32.NewIEEE()
	n, err := comp.Compress(io.TeeReader(src, hasher), sink)
	if err == nil && enc != nil {
		err = enc.Close()
	}
	w.offset += counter.bytesWritten
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	f.uncompressedSize = n
	f.compressedSize = counter.bytesWritten
	switch {
	case f.encryption.IsAES():
		f.crc32 = 0
	case f.encryption == ZipCrypto && f.crc32 != hasher.Sum32() && f.flags&flagDataDescriptor == 0:
		return fmt.Errorf("%w: source changed while being archived", ErrIO)
	default:
		f.crc32 = hasher.Sum32()
	}
	return nil
}

// patchLocalHeader writes the final CRC and sizes into the local header.
func (w *Writer) patchLocalHeader(f *File, nameLen int, reserveZip64 bool) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.crc32)
	if reserveZip64 {
		binary.LittleEndian.PutUint32(buf[4:8], math.MaxUint32)
		binary.LittleEndian.PutUint32(buf[8:12], math.MaxUint32)
	} else {
		binary.LittleEndian.PutUint32(buf[4:8], uint32(f.compressedSize))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(f.uncompressedSize))
	}
	if err := w.writeAt(buf[:], f.localHeaderOffset+14); err != nil {
		return err
	}

	if reserveZip64 {
		var sizes [16]byte
		binary.LittleEndian.PutUint64(sizes[0:8], uint64(f.uncompressedSize))
		binary.LittleEndian.PutUint64(sizes[8:16], uint64(f.compressedSize))
		if err := w.writeAt(sizes[:], f.localHeaderOffset+internal.LocalFileHeaderLen+int64(nameLen)+4); err != nil {
			return err
		}
	}

	if _, err := w.seeker.Seek(w.base+w.offset, io.SeekStart); err != nil {
		return ioError(fmt.Errorf("seek to end of archive: %w", err))
	}
	return nil
}

func (w *Writer) writeAt(p []byte, offset int64) error {
	if _, err := w.seeker.Seek(w.base+offset, io.SeekStart); err != nil {
		return ioError(fmt.Errorf("seek to %d: %w", offset, err))
	}
	if _, err := w.seeker.Write(p); err != nil {
		return ioError(fmt.Errorf("patch header: %w", err))
	}
	return nil
}

// rollback discards everything written from offset on, when dest allows it.
// Non-seekable streams keep the orphaned bytes; the central directory never
// references them.
func (w *Writer) rollback(offset int64) {
	if w.seeker == nil {
		return
	}
	if _, err := w.seeker.Seek(w.base+offset, io.SeekStart); err != nil {
		return
	}
	if t, ok := w.dest.(interface{ Truncate(int64) error }); ok {
		_ = t.Truncate(w.base + offset)
	}
	w.offset = offset
}

func (w *Writer) writeCentralDirAndEndRecords() error {
	cdOffset := w.offset
	for _, f := range w.files {
		n, err := w.dest.Write(newZipHeaders(f).CentralDirEntry().Encode())
		if err != nil {
			return ioError(fmt.Errorf("write central directory: %w", err))
		}
		w.offset += int64(n)
	}
	cdSize := w.offset - cdOffset
	entries := uint64(len(w.files))

	if entries >= math.MaxUint16 || cdSize >= math.MaxUint32 || cdOffset >= math.MaxUint32 {
		zip64EndOffset := w.offset
		record := internal.EncodeZip64EndOfCentralDirRecord(
			uint16(sys.DefaultHostSystem)<<8|LatestZipVersion, entries, uint64(cdSize), uint64(cdOffset))
		if _, err := w.dest.Write(record); err != nil {
			return ioError(fmt.Errorf("write zip64 end of central directory: %w", err))
		}
		locator := internal.EncodeZip64EndOfCentralDirLocator(uint64(zip64EndOffset))
		if _, err := w.dest.Write(locator); err != nil {
			return ioError(fmt.Errorf("write zip64 end of central directory locator: %w", err))
		}
		w.offset += int64(len(record) + len(locator))
	}

	end := internal.EncodeEndOfCentralDirRecord(entries, uint64(cdSize), uint64(cdOffset), []byte(w.comment))
	if _, err := w.dest.Write(end); err != nil {
		return ioError(fmt.Errorf("write end of central directory: %w", err))
	}
	w.offset += int64(len(end))
	return nil
}

// sourceSize measures the remaining length of seekable sources.
func sourceSize(src io.Reader) int64 {
	switch s := src.(type) {
	case interface{ Len() int }:
		return int64(s.Len())
	case io.Seeker:
		cur, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return SizeUnknown
		}
		end, err := s.Seek(0, io.SeekEnd)
		if err != nil {
			return SizeUnknown
		}
		if _, err := s.Seek(cur, io.SeekStart); err != nil {
			return SizeUnknown
		}
		return end - cur
	}
	return SizeUnknown
}

// prehash computes the CRC of a seekable source and rewinds it.
func prehash(src io.ReadSeeker) (uint32, int64, error) {
	start, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, ioError(fmt.Errorf("seek source: %w", err))
	}
	hasher := crc32.NewIEEE()
	n, err := io.Copy(hasher, src)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return 0, 0, err
		}
		return 0, 0, ioError(fmt.Errorf("calc crc: %w", err))
	}
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return 0, 0, ioError(fmt.Errorf("seek source: %w", err))
	}
	return hasher.Sum32(), n, nil
}
