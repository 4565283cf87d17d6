// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zstd provides a Zstandard codec for ZIP method 93.
//
// The codec is opt-in: call Register once before writing or reading entries
// that use ziparchive.ZStandard.
package zstd

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/lemon4ksan/ziparchive"
)

// levels maps deflate-style levels 0..9 onto the zstd encoder presets.
var levels = [...]zstd.EncoderLevel{
	0: zstd.SpeedFastest,
	1: zstd.SpeedFastest,
	2: zstd.SpeedFastest,
	3: zstd.SpeedDefault,
	4: zstd.SpeedDefault,
	5: zstd.SpeedDefault,
	6: zstd.SpeedDefault,
	7: zstd.SpeedBetterCompression,
	8: zstd.SpeedBetterCompression,
	9: zstd.SpeedBestCompression,
}

var registerOnce sync.Once

// Register installs the codec in the ziparchive registry. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		ziparchive.RegisterCompressor(ziparchive.ZStandard, func(level int) ziparchive.Compressor {
			return NewCompressor(level)
		})
		ziparchive.RegisterDecompressor(ziparchive.ZStandard, NewDecompressor())
	})
}

// Compressor writes zstd frames. Encoders are pooled per level.
type Compressor struct {
	level zstd.EncoderLevel
	pool  sync.Pool
}

// NewCompressor returns a Compressor for a level in 0..9. Other values
// select the default preset.
func NewCompressor(level int) *Compressor {
	lvl := zstd.SpeedDefault
	if level >= 0 && level < len(levels) {
		lvl = levels[level]
	}
	return &Compressor{level: lvl}
}

func (c *Compressor) Compress(src io.Reader, dest io.Writer) (int64, error) {
	enc, ok := c.pool.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(dest)
	} else {
		var err error
		enc, err = zstd.NewWriter(dest, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return 0, err
		}
	}

	n, err := io.Copy(enc, src)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	c.pool.Put(enc)
	return n, err
}

// Decompressor reads zstd frames with pooled synchronous decoders.
type Decompressor struct {
	pool sync.Pool
}

func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

func (d *Decompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	dec, ok := d.pool.Get().(*zstd.Decoder)
	if ok {
		if err := dec.Reset(src); err != nil {
			return nil, fmt.Errorf("%w: %w", ziparchive.ErrCorruptStream, err)
		}
	} else {
		var err error
		dec, err = zstd.NewReader(src, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ziparchive.ErrCorruptStream, err)
		}
	}
	return &pooledDecoder{dec: dec, pool: &d.pool}, nil
}

type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (p *pooledDecoder) Read(b []byte) (int, error) {
	if p.dec == nil {
		return 0, ziparchive.ErrInvalidState
	}
	n, err := p.dec.Read(b)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ziparchive.ErrCorruptStream, err)
	}
	return n, err
}

// Close returns the decoder to the pool.
func (p *pooledDecoder) Close() error {
	if p.dec == nil {
		return nil
	}
	p.pool.Put(p.dec)
	p.dec = nil
	return nil
}
