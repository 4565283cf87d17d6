// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionMethod represents the encryption algorithm used for file protection.
type EncryptionMethod uint16

// Supported encryption methods
const (
	NotEncrypted EncryptionMethod = 0 // No encryption - file stored in plaintext
	ZipCrypto    EncryptionMethod = 1 // Legacy encryption. Vulnerable to known-plaintext attacks
	AES128       EncryptionMethod = 2 // WinZip AES with a 128-bit key
	AES192       EncryptionMethod = 3 // WinZip AES with a 192-bit key
	AES256       EncryptionMethod = 4 // WinZip AES with a 256-bit key
)

func (e EncryptionMethod) String() string {
	switch e {
	case NotEncrypted:
		return "none"
	case ZipCrypto:
		return "zipcrypto"
	case AES128:
		return "aes-128"
	case AES192:
		return "aes-192"
	case AES256:
		return "aes-256"
	default:
		return fmt.Sprintf("encryption(%d)", uint16(e))
	}
}

// IsAES reports whether e is one of the WinZip AES variants.
func (e EncryptionMethod) IsAES() bool {
	return e >= AES128 && e <= AES256
}

// aesStrength is the strength byte stored in the 0x9901 extra field.
func (e EncryptionMethod) aesStrength() uint8 {
	return uint8(e - AES128 + 1)
}

func aesMethodFromStrength(strength uint8) EncryptionMethod {
	return AES128 + EncryptionMethod(strength-1)
}

// PasswordCheck tells which verifier accepted the password of an entry.
type PasswordCheck uint8

const (
	PasswordCheckNone PasswordCheck = iota // not verified yet
	PasswordCheckCRC                       // ZipCrypto header matched the CRC high byte
	PasswordCheckTime                      // ZipCrypto header matched the DOS time high byte
	PasswordCheckPVV                       // AES password verification value matched
)

func (p PasswordCheck) String() string {
	switch p {
	case PasswordCheckCRC:
		return "crc"
	case PasswordCheckTime:
		return "time"
	case PasswordCheckPVV:
		return "pvv"
	default:
		return "none"
	}
}

// entryCipher is the per-entry encryption context. A value is created for
// one entry and discarded afterwards.
type entryCipher interface {
	// Overhead is the number of bytes the scheme adds around the payload.
	Overhead() int64
	// newEncrypter writes the scheme header to dest and returns a writer whose
	// Close appends the trailer. dest itself is never closed.
	newEncrypter(dest io.Writer) (io.WriteCloser, error)
	// newDecrypter consumes the scheme header from src and verifies the password.
	// storedSize is the full size of the entry data, overhead included.
	newDecrypter(src io.Reader, storedSize int64) (io.Reader, error)
}

const zipCryptoHeaderLen = 12

// zipCryptoCipher implements the legacy PKWARE encryption.
type zipCryptoCipher struct {
	password  []byte
	checkByte byte // last header byte on write

	// accepted last header bytes on read; timeCheck is tried first when
	// the entry has a data descriptor
	crcCheck   byte
	timeCheck  byte
	descriptor bool
	matched    PasswordCheck
}

func (c *zipCryptoCipher) Overhead() int64 { return zipCryptoHeaderLen }

func (c *zipCryptoCipher) newEncrypter(dest io.Writer) (io.WriteCloser, error) {
	keys := newZipKeys(c.password)

	header := make([]byte, zipCryptoHeaderLen)
	if _, err := rand.Read(header[:zipCryptoHeaderLen-1]); err != nil {
		return nil, fmt.Errorf("crypto rand failed: %w", err)
	}
	header[zipCryptoHeaderLen-1] = c.checkByte
	keys.encrypt(header)

	if _, err := dest.Write(header); err != nil {
		return nil, ioError(fmt.Errorf("write crypto header: %w", err))
	}
	return &zipCryptoWriter{dest: dest, keys: keys}, nil
}

func (c *zipCryptoCipher) newDecrypter(src io.Reader, storedSize int64) (io.Reader, error) {
	if storedSize >= 0 && storedSize < zipCryptoHeaderLen {
		return nil, fmt.Errorf("%w: encrypted entry shorter than its header", ErrMalformedArchive)
	}
	keys := newZipKeys(c.password)

	header := make([]byte, zipCryptoHeaderLen)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, readError(err, "crypto header")
	}
	keys.decrypt(header)

	switch check := header[zipCryptoHeaderLen-1]; {
	case c.descriptor && check == c.timeCheck:
		c.matched = PasswordCheckTime
	case check == c.crcCheck:
		c.matched = PasswordCheckCRC
	case check == c.timeCheck:
		c.matched = PasswordCheckTime
	default:
		return nil, ErrWrongPassword
	}
	return &zipCryptoReader{src: src, keys: keys}, nil
}

type zipCryptoWriter struct {
	dest io.Writer
	keys *zipKeys
	buf  []byte
}

func (w *zipCryptoWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if cap(w.buf) < len(p) {
		w.buf = make([]byte, len(p))
	}
	buf := w.buf[:len(p)]
	copy(buf, p)
	w.keys.encrypt(buf)
	return w.dest.Write(buf)
}

func (w *zipCryptoWriter) Close() error { return nil }

type zipCryptoReader struct {
	src  io.Reader
	keys *zipKeys
}

func (r *zipCryptoReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.keys.decrypt(p[:n])
	}
	return n, err
}

const cipherMagic = 134775813

// zipKeys is the running ZipCrypto key state.
type zipKeys struct {
	k0, k1, k2 uint32
}

func newZipKeys(password []byte) *zipKeys {
	z := &zipKeys{
		k0: 0x12345678,
		k1: 0x23456789,
		k2: 0x34567890,
	}
	for _, b := range password {
		z.update(b)
	}
	return z
}

func (z *zipKeys) update(b byte) {
	z.k0 = crc32.IEEETable[(z.k0^uint32(b))&0xff] ^ (z.k0 >> 8)
	z.k1 = (z.k1+(z.k0&0xff))*cipherMagic + 1
	z.k2 = crc32.IEEETable[(z.k2^(z.k1>>24))&0xff] ^ (z.k2 >> 8)
}

func (z *zipKeys) streamByte() byte {
	t := z.k2 | 2
	return byte((t * (t ^ 1)) >> 8)
}

func (z *zipKeys) encrypt(buf []byte) {
	for i, b := range buf {
		buf[i] = b ^ z.streamByte()
		z.update(b)
	}
}

func (z *zipKeys) decrypt(buf []byte) {
	for i, c := range buf {
		b := c ^ z.streamByte()
		z.update(b)
		buf[i] = b
	}
}

// WinZip AES constants
const (
	aesMacSize    = 10   // HMAC-SHA1 truncated to 10 bytes
	aesPvvSize    = 2    // Password Verification Value
	aesIterations = 1000 // PBKDF2 rounds
	aesVendorAE1  = 1
	aesVendorAE2  = 2
)

// aesCipher implements WinZip AES in CTR mode with HMAC-SHA1 authentication.
type aesCipher struct {
	password []byte
	strength uint8 // 1, 2 or 3
}

func (c *aesCipher) keySize() int  { return 8 + 8*int(c.strength) }
func (c *aesCipher) saltSize() int { return 4 + 4*int(c.strength) }

func (c *aesCipher) Overhead() int64 {
	return int64(c.saltSize() + aesPvvSize + aesMacSize)
}

func (c *aesCipher) newEncrypter(dest io.Writer) (io.WriteCloser, error) {
	salt := make([]byte, c.saltSize())
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("aes rand: %w", err)
	}
	keys := c.deriveKeys(salt)

	if _, err := dest.Write(salt); err != nil {
		return nil, ioError(fmt.Errorf("write salt: %w", err))
	}
	if _, err := dest.Write(keys.pvv); err != nil {
		return nil, ioError(fmt.Errorf("write pvv: %w", err))
	}

	block, err := aes.NewCipher(keys.encKey)
	if err != nil {
		return nil, err
	}
	return &aesWriter{
		dest:   dest,
		stream: newWinZipCounter(block),
		mac:    hmac.New(sha1.New, keys.macKey),
	}, nil
}

func (c *aesCipher) newDecrypter(src io.Reader, storedSize int64) (io.Reader, error) {
	overhead := c.Overhead()
	if storedSize < overhead {
		return nil, fmt.Errorf("%w: aes entry smaller than its framing", ErrMalformedArchive)
	}

	salt := make([]byte, c.saltSize())
	if _, err := io.ReadFull(src, salt); err != nil {
		return nil, readError(err, "aes salt")
	}
	pvv := make([]byte, aesPvvSize)
	if _, err := io.ReadFull(src, pvv); err != nil {
		return nil, readError(err, "aes password verifier")
	}

	keys := c.deriveKeys(salt)
	if !hmac.Equal(pvv, keys.pvv) {
		return nil, ErrWrongPassword
	}

	block, err := aes.NewCipher(keys.encKey)
	if err != nil {
		return nil, err
	}
	return &aesReader{
		payload: io.LimitReader(src, storedSize-overhead),
		src:     src,
		stream:  newWinZipCounter(block),
		mac:     hmac.New(sha1.New, keys.macKey),
	}, nil
}

type aesKeys struct {
	encKey []byte
	macKey []byte
	pvv    []byte
}

// deriveKeys runs PBKDF2-HMAC-SHA1 and splits the output into
// encryption key, authentication key and verifier.
func (c *aesCipher) deriveKeys(salt []byte) aesKeys {
	n := c.keySize()
	dk := pbkdf2.Key(c.password, salt, aesIterations, 2*n+aesPvvSize, sha1.New)
	return aesKeys{
		encKey: dk[:n],
		macKey: dk[n : 2*n],
		pvv:    dk[2*n:],
	}
}

type aesWriter struct {
	dest   io.Writer
	stream *winZipCounter
	mac    hash.Hash
	buf    []byte
}

func (w *aesWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if cap(w.buf) < len(p) {
		w.buf = make([]byte, len(p))
	}
	buf := w.buf[:len(p)]
	w.stream.XORKeyStream(buf, p)
	w.mac.Write(buf)
	return w.dest.Write(buf)
}

// Close appends the authentication code.
func (w *aesWriter) Close() error {
	sum := w.mac.Sum(nil)
	if _, err := w.dest.Write(sum[:aesMacSize]); err != nil {
		return ioError(fmt.Errorf("write auth code: %w", err))
	}
	return nil
}

type aesReader struct {
	payload io.Reader // ciphertext only
	src     io.Reader // positioned at the MAC once payload is drained
	stream  *winZipCounter
	mac     hash.Hash
	done    bool
	err     error
}

func (r *aesReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, r.err
	}
	n, err := r.payload.Read(p)
	if n > 0 {
		r.mac.Write(p[:n])
		r.stream.XORKeyStream(p[:n], p[:n])
	}
	if err == io.EOF {
		r.done = true
		r.err = r.checkMAC()
		return n, r.err
	}
	return n, err
}

func (r *aesReader) checkMAC() error {
	expected := make([]byte, aesMacSize)
	if _, err := io.ReadFull(r.src, expected); err != nil {
		return readError(err, "aes authentication code")
	}
	if !hmac.Equal(r.mac.Sum(nil)[:aesMacSize], expected) {
		return ErrAuthenticationFailed
	}
	return io.EOF
}

// verify drains the remaining ciphertext and checks the authentication code.
func (r *aesReader) verify() error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	return nil
}

// winZipCounter implements cipher.Stream for WinZip AES-CTR mode.
// WinZip increments the 128-bit counter as little endian, whereas
// cipher.NewCTR uses big endian.
type winZipCounter struct {
	block   cipher.Block
	counter [aes.BlockSize]byte
	buffer  [aes.BlockSize]byte
	pos     int
}

func newWinZipCounter(block cipher.Block) *winZipCounter {
	c := &winZipCounter{block: block}
	c.counter[0] = 1
	return c
}

func (c *winZipCounter) XORKeyStream(dst, src []byte) {
	for i := range src {
		if c.pos == 0 {
			c.block.Encrypt(c.buffer[:], c.counter[:])
			for j := range c.counter {
				c.counter[j]++
				if c.counter[j] != 0 {
					break
				}
			}
		}
		dst[i] = src[i] ^ c.buffer[c.pos]
		c.pos = (c.pos + 1) % aes.BlockSize
	}
}

// readError classifies a failed ReadFull on entry data.
func readError(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrMalformedArchive, what)
	}
	return ioError(fmt.Errorf("read %s: %w", what, err))
}
