// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"iter"
	"math"
	"os"
	"path"
	"strings"
	"time"

	"github.com/lemon4ksan/ziparchive/internal"
	"github.com/lemon4ksan/ziparchive/internal/sys"
)

// Reader gives random access to the entries of an archive. The central
// directory is parsed completely when the Reader is created.
// A Reader is not safe for concurrent use.
type Reader struct {
	src      io.ReaderAt
	size     int64
	closer   io.Closer // owned file, set by OpenReader
	files    []*File
	index    map[string]int
	comment  string
	password string
	closed   bool
}

// OpenReader opens the archive at name. The Reader owns the file until Close.
func OpenReader(name string) (*Reader, error) {
	return OpenReaderContext(context.Background(), name)
}

// OpenReaderContext is OpenReader with a context checked while the
// central directory is parsed.
func OpenReaderContext(ctx context.Context, name string) (*Reader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, ioError(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError(err)
	}
	r, err := NewReaderContext(ctx, f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads the archive of the given size from src.
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	return NewReaderContext(context.Background(), src, size)
}

// NewReaderContext is NewReader with a context checked while the central
// directory is parsed.
func NewReaderContext(ctx context.Context, src io.ReaderAt, size int64) (*Reader, error) {
	if src == nil || size < 0 {
		return nil, fmt.Errorf("%w: invalid source", ErrInvalidArguments)
	}
	r := &Reader{src: src, size: size, index: make(map[string]int)}
	if err := r.readDirectory(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Comment returns the archive comment.
func (r *Reader) Comment() string { return r.comment }

// Len returns the number of entries.
func (r *Reader) Len() int { return len(r.files) }

// Files returns the entries in central directory order.
func (r *Reader) Files() []*File {
	return append([]*File(nil), r.files...)
}

// All returns a lazy sequence of the entries. It can be ranged over any
// number of times and stops early once the Reader is closed.
func (r *Reader) All() iter.Seq2[int, *File] {
	return func(yield func(int, *File) bool) {
		for i, f := range r.files {
			if r.closed || !yield(i, f) {
				return
			}
		}
	}
}

// File returns the entry with the given name. Directory names may be given
// with or without the trailing slash.
func (r *Reader) File(name string) (*File, error) {
	if r.closed {
		return nil, ErrInvalidState
	}
	i, ok := r.index[strings.TrimSuffix(name, "/")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return r.files[i], nil
}

// Glob returns the entries whose names match pattern, using path.Match syntax.
func (r *Reader) Glob(pattern string) ([]*File, error) {
	if r.closed {
		return nil, ErrInvalidState
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if !hasMeta(pattern) {
		if f, err := r.File(pattern); err == nil {
			return []*File{f}, nil
		}
		return nil, nil
	}

	var matches []*File
	for _, f := range r.files {
		if ok, _ := path.Match(pattern, f.name); ok {
			matches = append(matches, f)
		}
	}
	return matches, nil
}

// SetPassword sets the password File.Open uses for encrypted entries.
func (r *Reader) SetPassword(password string) {
	r.password = password
}

// ExtractEntry opens the entry at index with the given password.
func (r *Reader) ExtractEntry(index int, password string) (io.ReadCloser, error) {
	if r.closed {
		return nil, ErrInvalidState
	}
	if index < 0 || index >= len(r.files) {
		return nil, fmt.Errorf("%w: entry index %d out of range", ErrInvalidArguments, index)
	}
	return r.open(r.files[index], password)
}

// ExtractEntryByName opens the named entry with the given password.
func (r *Reader) ExtractEntryByName(name string, password string) (io.ReadCloser, error) {
	f, err := r.File(name)
	if err != nil {
		return nil, err
	}
	return r.open(f, password)
}

// IsEncrypted reports whether any entry needs a password.
func (r *Reader) IsEncrypted() bool {
	return r.firstEncrypted() != nil
}

// CheckPassword validates pwd against the first encrypted entry by reading
// only its encryption header. Archives without encrypted entries accept any password.
func (r *Reader) CheckPassword(pwd string) (bool, error) {
	if r.closed {
		return false, ErrInvalidState
	}
	f := r.firstEncrypted()
	if f == nil {
		return true, nil
	}

	data, header, err := r.entryData(f)
	if err != nil {
		return false, err
	}
	cipher, err := r.cipherFor(f, header, pwd)
	if err != nil {
		return false, err
	}
	if _, err := cipher.newDecrypter(data, f.compressedSize); err != nil {
		if errors.Is(err, ErrWrongPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close releases the archive file opened by OpenReader. Open entry readers
// become unusable. Further calls return ErrInvalidState.
func (r *Reader) Close() error {
	if r.closed {
		return ErrInvalidState
	}
	r.closed = true
	if r.closer != nil {
		return ioError(r.closer.Close())
	}
	return nil
}

// Open returns a reader for the entry's decompressed content, using the
// password set with Reader.SetPassword. Sizes and CRC are verified when the
// content has been read to the end.
func (f *File) Open() (io.ReadCloser, error) {
	if f.zr == nil {
		return nil, fmt.Errorf("%w: entry does not belong to a reader", ErrInvalidState)
	}
	return f.zr.open(f, f.zr.password)
}

// OpenWithPassword is like Open with an explicit password.
func (f *File) OpenWithPassword(pwd string) (io.ReadCloser, error) {
	if f.zr == nil {
		return nil, fmt.Errorf("%w: entry does not belong to a reader", ErrInvalidState)
	}
	return f.zr.open(f, pwd)
}

func (r *Reader) firstEncrypted() *File {
	for _, f := range r.files {
		if f.IsEncrypted() {
			return f
		}
	}
	return nil
}

// readDirectory locates the end records and parses the central directory.
func (r *Reader) readDirectory(ctx context.Context) error {
	eocdOffset, end, err := r.findEndOfCentralDir(ctx)
	if err != nil {
		return err
	}
	r.comment = decodeText(end.Comment, 0)

	entries := uint64(end.TotalNumberOfEntries)
	cdSize := uint64(end.CentralDirSize)
	cdOffset := uint64(end.CentralDirOffset)
	dirEnd := uint64(eocdOffset)

	zip64End, zip64Offset, found, err := r.findZip64EndOfCentralDir(eocdOffset)
	if err != nil {
		return err
	}
	switch {
	case found:
		entries, cdSize, cdOffset = zip64End.TotalNumberOfEntries, zip64End.CentralDirSize, zip64End.CentralDirOffset
		dirEnd = uint64(zip64Offset)
	case end.NeedsZip64():
		return fmt.Errorf("%w: saturated end record without zip64 locator", ErrMalformedArchive)
	}

	if cdOffset > dirEnd || cdSize > dirEnd-cdOffset {
		return fmt.Errorf("%w: central directory [%d, +%d) outside the archive", ErrMalformedArchive, cdOffset, cdSize)
	}
	if entries > cdSize/internal.CentralDirectoryLen {
		return fmt.Errorf("%w: %d entries cannot fit in %d bytes of central directory", ErrMalformedArchive, entries, cdSize)
	}

	return r.readCentralDir(ctx, int64(cdOffset), int64(cdSize), int(entries))
}

// findEndOfCentralDir scans backwards for the EOCD signature. A record whose
// comment ends exactly at EOF wins; otherwise the candidate nearest to the
// end with consistent fields is used.
func (r *Reader) findEndOfCentralDir(ctx context.Context) (int64, internal.EndOfCentralDirectory, error) {
	var end internal.EndOfCentralDirectory

	if r.size < internal.EndOfCentralDirLen {
		return 0, end, fmt.Errorf("%w: file too small", ErrMalformedArchive)
	}

	window := min(int64(internal.MaxCommentLen+internal.EndOfCentralDirLen), r.size)
	start := r.size - window
	buf := make([]byte, window)
	if _, err := r.src.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return 0, end, ioError(fmt.Errorf("read at %d: %w", start, err))
	}

	candidate := -1
	for p := len(buf) - internal.EndOfCentralDirLen; p >= 0; p-- {
		if p%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, end, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
		}
		if binary.LittleEndian.Uint32(buf[p:p+4]) != internal.EndOfCentralDirSignature {
			continue
		}

		commentEnd := p + internal.EndOfCentralDirLen + int(binary.LittleEndian.Uint16(buf[p+20:p+22]))
		if commentEnd == len(buf) {
			candidate = p
			break
		}
		if candidate < 0 && commentEnd < len(buf) && plausibleEndRecord(buf[p:], start+int64(p)) {
			candidate = p
		}
	}
	if candidate < 0 {
		return 0, end, fmt.Errorf("%w: no end of central directory signature found", ErrMalformedArchive)
	}

	offset := start + int64(candidate)
	end, err := internal.ReadEndOfCentralDir(io.NewSectionReader(r.src, offset, r.size-offset))
	if err != nil {
		return 0, end, formatError(err)
	}
	return offset, end, nil
}

func plausibleEndRecord(rec []byte, offset int64) bool {
	cdSize := binary.LittleEndian.Uint32(rec[12:16])
	cdOffset := binary.LittleEndian.Uint32(rec[16:20])
	if cdSize == math.MaxUint32 || cdOffset == math.MaxUint32 {
		return true
	}
	return int64(cdOffset)+int64(cdSize) <= offset
}

// findZip64EndOfCentralDir reads the Zip64 record if a locator sits right
// before the EOCD.
func (r *Reader) findZip64EndOfCentralDir(eocdOffset int64) (internal.Zip64EndOfCentralDirectory, int64, bool, error) {
	var zip64End internal.Zip64EndOfCentralDirectory

	locatorOffset := eocdOffset - internal.Zip64LocatorLen
	if locatorOffset < 0 {
		return zip64End, 0, false, nil
	}
	locator, err := internal.ReadZip64EndOfCentralDirLocator(io.NewSectionReader(r.src, locatorOffset, internal.Zip64LocatorLen))
	if errors.Is(err, internal.ErrSignature) {
		return zip64End, 0, false, nil
	}
	if err != nil {
		return zip64End, 0, false, formatError(err)
	}

	recordOffset := locator.Zip64EndOfCentralDirOffset
	if recordOffset > uint64(locatorOffset) || uint64(locatorOffset)-recordOffset < internal.Zip64EndOfCentralDirLen {
		return zip64End, 0, false, fmt.Errorf("%w: invalid zip64 end of central directory offset", ErrMalformedArchive)
	}
	zip64End, err = internal.ReadZip64EndOfCentralDir(io.NewSectionReader(r.src, int64(recordOffset), internal.Zip64EndOfCentralDirLen))
	if err != nil {
		return zip64End, 0, false, formatError(err)
	}
	return zip64End, int64(recordOffset), true, nil
}

// readCentralDir reads the central directory entries starting at the specified offset.
// Checks context cancellation between entries.
func (r *Reader) readCentralDir(ctx context.Context, offset, size int64, entries int) error {
	r.files = make([]*File, 0, min(entries, 1<<16))
	cd := bufio.NewReader(io.NewSectionReader(r.src, offset, size))

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		entry, err := internal.ReadCentralDirEntry(cd)
		if err != nil {
			return formatError(fmt.Errorf("central directory entry %d: %w", i, err))
		}
		f, err := r.newFileFromCentralDir(entry)
		if err != nil {
			return err
		}
		if _, dup := r.index[f.name]; !dup {
			r.index[f.name] = len(r.files)
		}
		r.files = append(r.files, f)
	}
	return nil
}

// newFileFromCentralDir creates a File struct from a central directory entry
func (r *Reader) newFileFromCentralDir(entry internal.CentralDirectory) (*File, error) {
	name := decodeText(entry.Filename, entry.GeneralPurposeBitFlag)
	isDir := strings.HasSuffix(name, "/")

	f := &File{
		name:          strings.TrimSuffix(name, "/"),
		comment:       decodeText(entry.Comment, entry.GeneralPurposeBitFlag),
		isDir:         isDir,
		mode:          parseFileExternalAttributes(entry, isDir),
		method:        CompressionMethod(entry.CompressionMethod),
		flags:         entry.GeneralPurposeBitFlag,
		versionMadeBy: entry.VersionMadeBy,
		versionNeeded: entry.VersionNeededToExtract,
		externalAttrs: entry.ExternalFileAttributes,
		crc32:         entry.CRC32,
		hostSystem:    sys.HostSystem(entry.VersionMadeBy >> 8),
		dosDate:       entry.LastModFileDate,
		dosTime:       entry.LastModFileTime,
		modTime:       msDosToTime(entry.LastModFileDate, entry.LastModFileTime),
		extraField:    entry.ExtraField,
		zr:            r,
	}

	uncompressed := uint64(entry.UncompressedSize)
	compressed := uint64(entry.CompressedSize)
	offset := uint64(entry.LocalHeaderOffset)
	if payload, ok := entry.ExtraField.Payload(internal.Zip64ExtraTag); ok {
		if err := internal.DecodeZip64Extra(payload, &uncompressed, &compressed, &offset); err != nil {
			return nil, formatError(fmt.Errorf("%s: %w", f.name, err))
		}
	}
	if uncompressed > math.MaxInt64 || compressed > math.MaxInt64 || offset > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %s: size out of range", ErrMalformedArchive, f.name)
	}
	f.uncompressedSize, f.compressedSize, f.localHeaderOffset = int64(uncompressed), int64(compressed), int64(offset)

	switch {
	case entry.CompressionMethod == internal.AESMethodMarker:
		payload, ok := entry.ExtraField.Payload(internal.AESExtraTag)
		if !ok {
			return nil, fmt.Errorf("%w: %s: aes entry without aes extra field", ErrMalformedArchive, f.name)
		}
		aesExtra, err := internal.DecodeAESExtra(payload)
		if err != nil {
			return nil, formatError(fmt.Errorf("%s: %w", f.name, err))
		}
		f.method = CompressionMethod(aesExtra.Method)
		f.encryption = aesMethodFromStrength(aesExtra.Strength)
		f.aesVendor = aesExtra.VendorVersion
	case f.flags&flagEncrypted != 0:
		f.encryption = ZipCrypto
	}

	if payload, ok := entry.ExtraField.Payload(internal.ExtendedTimestampTag); ok {
		if sec, ok := internal.DecodeExtendedTimestamp(payload); ok {
			f.modTime = time.Unix(sec, 0).UTC()
		}
	}
	if payload, ok := entry.ExtraField.Payload(internal.NTFSExtraTag); ok {
		if times, ok := internal.DecodeNTFSExtra(payload); ok {
			f.times = sys.FileTimes(times)
			if times.Mtime != 0 {
				f.modTime = sys.FiletimeToTime(times.Mtime)
			}
		}
	}
	return f, nil
}

// entryData locates the payload of f behind its local header.
func (r *Reader) entryData(f *File) (*io.SectionReader, internal.LocalFileHeader, error) {
	if f.localHeaderOffset > r.size {
		return nil, internal.LocalFileHeader{}, fmt.Errorf("%w: %s: local header outside the archive", ErrMalformedArchive, f.name)
	}
	header, err := internal.ReadLocalFileHeader(io.NewSectionReader(r.src, f.localHeaderOffset, r.size-f.localHeaderOffset))
	if err != nil {
		return nil, header, formatError(fmt.Errorf("%s: %w", f.name, err))
	}

	dataOffset := f.localHeaderOffset + internal.LocalFileHeaderLen + int64(header.FilenameLength) + int64(header.ExtraFieldLength)
	if dataOffset > r.size || f.compressedSize > r.size-dataOffset {
		return nil, header, fmt.Errorf("%w: %s: entry data outside the archive", ErrMalformedArchive, f.name)
	}
	return io.NewSectionReader(r.src, dataOffset, f.compressedSize), header, nil
}

func (r *Reader) cipherFor(f *File, header internal.LocalFileHeader, password string) (entryCipher, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: %s is encrypted but no password provided", ErrWrongPassword, f.name)
	}
	switch {
	case f.encryption == ZipCrypto:
		return &zipCryptoCipher{
			password:   []byte(password),
			crcCheck:   byte(f.crc32 >> 24),
			timeCheck:  byte(header.LastModFileTime >> 8),
			descriptor: f.flags&flagDataDescriptor != 0,
		}, nil
	case f.encryption.IsAES():
		return &aesCipher{password: []byte(password), strength: f.encryption.aesStrength()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, f.encryption)
	}
}

// open decrypts and decompresses one entry.
func (r *Reader) open(f *File, password string) (io.ReadCloser, error) {
	if r.closed {
		return nil, ErrInvalidState
	}
	if f.flags&flagStrongEncryption != 0 {
		return nil, fmt.Errorf("%w: %s uses strong encryption", ErrUnsupportedMethod, f.name)
	}
	decompressor, err := decompressorFor(f.method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	if f.isDir {
		return io.NopCloser(strings.NewReader("")), nil
	}

	data, header, err := r.entryData(f)
	if err != nil {
		return nil, err
	}

	var payload io.Reader = data
	var aesR *aesReader
	if f.IsEncrypted() {
		cipher, err := r.cipherFor(f, header, password)
		if err != nil {
			return nil, err
		}
		dec, err := cipher.newDecrypter(data, f.compressedSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		switch c := cipher.(type) {
		case *zipCryptoCipher:
			f.setPasswordCheck(c.matched)
		case *aesCipher:
			f.setPasswordCheck(PasswordCheckPVV)
			aesR = dec.(*aesReader)
		}
		payload = dec
	}

	zipCrypto := f.encryption == ZipCrypto
	rc, err := decompressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: decompress data: %w", f.name, wrongKeyError(streamError(err), zipCrypto))
	}

	return &checksumReader{
		zr:        r,
		rc:        rc,
		hash:      crc32.NewIEEE(),
		want:      f.crc32,
		size:      uint64(f.uncompressedSize),
		verifyCRC: !(f.encryption.IsAES() && f.aesVendor == aesVendorAE2),
		aes:       aesR,
		zipCrypto: zipCrypto,
	}, nil
}

// checksumReader verifies size and CRC32 once the stream reaches EOF and
// classifies decoder failures.
type checksumReader struct {
	zr        *Reader
	rc        io.ReadCloser
	hash      hash.Hash32
	want      uint32
	read      uint64
	size      uint64
	verifyCRC bool
	aes       *aesReader // drained at EOF so the authentication code is checked
	zipCrypto bool       // a corrupt plaintext means the check byte collided
	err       error      // sticky result once the stream ended or failed
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.zr.closed {
		return 0, ErrInvalidState
	}

	n, err := cr.rc.Read(p)
	if n > 0 {
		cr.read += uint64(n)
		cr.hash.Write(p[:n])
		if cr.read > cr.size {
			cr.err = cr.fail(fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, cr.size))
			return n, cr.err
		}
	}

	switch {
	case err == io.EOF:
		cr.err = cr.finish()
		return n, cr.err
	case err != nil:
		cr.err = cr.fail(err)
		return n, cr.err
	}
	return n, nil
}

// finish runs the end-of-stream checks. It returns io.EOF when all pass.
func (cr *checksumReader) finish() error {
	if err := cr.verify(); err != nil {
		return wrongKeyError(err, cr.zipCrypto)
	}
	return io.EOF
}

func (cr *checksumReader) verify() error {
	if cr.aes != nil {
		if err := cr.aes.verify(); err != nil {
			return err
		}
	}
	if cr.read != cr.size {
		return fmt.Errorf("%w: read %d, want %d", ErrSizeMismatch, cr.read, cr.size)
	}
	if cr.verifyCRC {
		if got := cr.hash.Sum32(); got != cr.want {
			return fmt.Errorf("%w: got %08x, want %08x", ErrChecksum, got, cr.want)
		}
	}
	return nil
}

// fail classifies err. A corrupt AES stream is reported as an
// authentication failure when the ciphertext does not authenticate.
func (cr *checksumReader) fail(err error) error {
	err = streamError(err)
	if errors.Is(err, ErrCorruptStream) && cr.aes != nil {
		if aerr := cr.aes.verify(); errors.Is(aerr, ErrAuthenticationFailed) {
			return aerr
		}
	}
	return wrongKeyError(err, cr.zipCrypto)
}

// wrongKeyError reports a corrupt ZipCrypto stream as a wrong password too.
// The one-byte header check lets about one wrong password in 128 through.
func wrongKeyError(err error, zipCrypto bool) error {
	if zipCrypto && errors.Is(err, ErrCorruptStream) && !errors.Is(err, ErrWrongPassword) {
		return fmt.Errorf("%w: %w", ErrWrongPassword, err)
	}
	return err
}

func (cr *checksumReader) Close() error {
	return cr.rc.Close()
}
