// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// CompressionMethod represents the compression algorithm used for a file in the ZIP archive
type CompressionMethod uint16

// Compression methods according to ZIP specification. Only Stored and
// Deflated are built in; others become usable once registered.
const (
	Stored    CompressionMethod = 0  // No compression - file stored as-is
	Deflated  CompressionMethod = 8  // DEFLATE compression (most common)
	Deflate64 CompressionMethod = 9  // DEFLATE64(tm) enhanced compression
	BZIP2     CompressionMethod = 12 // BZIP2 compression
	LZMA      CompressionMethod = 14 // LZMA compression
	ZStandard CompressionMethod = 93 // Zstandard compression
)

func (m CompressionMethod) String() string {
	switch m {
	case Stored:
		return "store"
	case Deflated:
		return "deflate"
	case Deflate64:
		return "deflate64"
	case BZIP2:
		return "bzip2"
	case LZMA:
		return "lzma"
	case ZStandard:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

// Compression levels for DEFLATE algorithm
const (
	DefaultCompression = -1 // Let the codec pick its default (level 6 for deflate)
	NoCompression      = 0  // Stored deflate blocks; selects method Stored at entry level
	DeflateSuperFast   = 1  // Lowest ratio, fastest speed
	DeflateFast        = 3  // Lower ratio, faster speed
	DeflateNormal      = 6  // Balance between speed and ratio
	DeflateMaximum     = 9  // Best ratio, slowest speed
)

// CompressorFactory creates a Compressor instance for a specific compression level.
// Implementations should normalize levels they do not understand.
type CompressorFactory func(level int) Compressor

// Compressor transforms raw data into compressed data.
type Compressor interface {
	// Compress reads from src and writes compressed data to dest.
	// Returns the number of uncompressed bytes read.
	Compress(src io.Reader, dest io.Writer) (int64, error)
}

// Decompressor transforms compressed data back into raw data.
type Decompressor interface {
	// Decompress returns a stream of uncompressed data.
	Decompress(src io.Reader) (io.ReadCloser, error)
}

type compressorKey struct {
	method CompressionMethod
	level  int
}

// codecs is the process-wide registry shared by all sessions.
var codecs = struct {
	mu            sync.RWMutex
	factories     map[CompressionMethod]CompressorFactory
	compressors   map[compressorKey]Compressor
	decompressors map[CompressionMethod]Decompressor
}{
	factories: map[CompressionMethod]CompressorFactory{
		Stored:   func(int) Compressor { return new(StoredCompressor) },
		Deflated: func(level int) Compressor { return NewDeflateCompressor(level) },
	},
	compressors: make(map[compressorKey]Compressor),
	decompressors: map[CompressionMethod]Decompressor{
		Stored:   new(StoredDecompressor),
		Deflated: NewDeflateDecompressor(),
	},
}

// RegisterCompressor registers a factory function for a specific compression method.
// Compressors already built for the method are discarded.
func RegisterCompressor(method CompressionMethod, factory CompressorFactory) {
	codecs.mu.Lock()
	defer codecs.mu.Unlock()

	codecs.factories[method] = factory
	for key := range codecs.compressors {
		if key.method == method {
			delete(codecs.compressors, key)
		}
	}
}

// RegisterDecompressor adds support for reading a custom compression method.
func RegisterDecompressor(method CompressionMethod, d Decompressor) {
	codecs.mu.Lock()
	defer codecs.mu.Unlock()
	codecs.decompressors[method] = d
}

func compressorFor(method CompressionMethod, level int) (Compressor, error) {
	key := compressorKey{method: method, level: level}

	codecs.mu.RLock()
	comp, ok := codecs.compressors[key]
	codecs.mu.RUnlock()
	if ok {
		return comp, nil
	}

	codecs.mu.Lock()
	defer codecs.mu.Unlock()

	if comp, ok := codecs.compressors[key]; ok {
		return comp, nil
	}
	factory, ok := codecs.factories[method]
	if !ok {
		return nil, fmt.Errorf("%w: compression method %s", ErrUnsupportedMethod, method)
	}
	comp = factory(level)
	codecs.compressors[key] = comp
	return comp, nil
}

func decompressorFor(method CompressionMethod) (Decompressor, error) {
	codecs.mu.RLock()
	defer codecs.mu.RUnlock()

	d, ok := codecs.decompressors[method]
	if !ok {
		return nil, fmt.Errorf("%w: compression method %s", ErrUnsupportedMethod, method)
	}
	return d, nil
}

func checkLevel(level int) error {
	if level < DefaultCompression || level > DeflateMaximum {
		return fmt.Errorf("%w: compression level %d", ErrInvalidArguments, level)
	}
	return nil
}

// Compress deflates data into a raw deflate stream.
// Level 0 produces stored blocks carrying the input unchanged.
func Compress(data []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	comp, err := compressorFor(Deflated, level)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := comp.Compress(bytes.NewReader(data), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates a raw deflate stream. A negative sizeHint disables the
// length check; otherwise a stream ending before sizeHint bytes is corrupt.
func Decompress(data []byte, sizeHint int64) ([]byte, error) {
	d, err := decompressorFor(Deflated)
	if err != nil {
		return nil, err
	}
	rc, err := d.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(int(min(sizeHint, 64<<20)))
	}
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, streamError(err)
	}
	if sizeHint >= 0 && int64(buf.Len()) < sizeHint {
		return nil, fmt.Errorf("%w: stream ended after %d of %d bytes", ErrCorruptStream, buf.Len(), sizeHint)
	}
	return buf.Bytes(), nil
}

// streamError maps decoder failures to ErrCorruptStream.
func streamError(err error) error {
	var corrupt flate.CorruptInputError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCorruptStream), errors.Is(err, ErrWrongPassword), errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrCancelled), errors.Is(err, ErrIO), errors.Is(err, ErrInvalidState):
		return err
	case errors.As(err, &corrupt), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrCorruptStream, err)
	default:
		return err
	}
}

// StoredCompressor implements no compression (STORE method)
type StoredCompressor struct{}

func (sc *StoredCompressor) Compress(src io.Reader, dest io.Writer) (int64, error) {
	return io.Copy(dest, src)
}

// DeflateCompressor implements DEFLATE compression with memory pooling
type DeflateCompressor struct {
	level int
	pool  sync.Pool
}

// NewDeflateCompressor creates a reusable compressor for a specific level.
// Levels outside the deflate range fall back to DefaultCompression.
func NewDeflateCompressor(level int) *DeflateCompressor {
	if checkLevel(level) != nil {
		level = DefaultCompression
	}
	d := &DeflateCompressor{level: level}
	d.pool.New = func() any {
		w, _ := flate.NewWriter(io.Discard, d.level)
		return w
	}
	return d
}

func (d *DeflateCompressor) Compress(src io.Reader, dest io.Writer) (int64, error) {
	w := d.pool.Get().(*flate.Writer)
	defer d.pool.Put(w)

	w.Reset(dest)

	n, err := io.Copy(w, src)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

// StoredDecompressor implements the "Store" method (no compression)
type StoredDecompressor struct{}

func (sd *StoredDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

// DeflateDecompressor implements the "Deflate" method, reusing inflaters.
type DeflateDecompressor struct {
	pool sync.Pool
}

func NewDeflateDecompressor() *DeflateDecompressor {
	return new(DeflateDecompressor)
}

func (dd *DeflateDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	if fr, ok := dd.pool.Get().(io.ReadCloser); ok {
		if err := fr.(flate.Resetter).Reset(src, nil); err != nil {
			return nil, err
		}
		return &pooledInflater{rc: fr, pool: &dd.pool}, nil
	}
	return &pooledInflater{rc: flate.NewReader(src), pool: &dd.pool}, nil
}

type pooledInflater struct {
	rc   io.ReadCloser
	pool *sync.Pool
}

func (p *pooledInflater) Read(b []byte) (int, error) {
	if p.rc == nil {
		return 0, ErrInvalidState
	}
	return p.rc.Read(b)
}

// Close returns the inflater to the pool. It never fails for a
// stream that was read to completion.
func (p *pooledInflater) Close() error {
	if p.rc == nil {
		return nil
	}
	err := p.rc.Close()
	p.pool.Put(p.rc)
	p.rc = nil
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}
