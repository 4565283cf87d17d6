// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedArchive is returned when the container structure cannot be parsed:
	// truncated records, bad signatures or a central directory outside the file.
	ErrMalformedArchive = errors.New("zip: malformed archive")

	// ErrCorruptStream is returned when entry data does not decode to what the
	// headers promise.
	ErrCorruptStream = errors.New("zip: corrupt stream")

	// ErrChecksum is returned when the CRC-32 of the decoded data does not match.
	ErrChecksum = fmt.Errorf("%w: checksum error", ErrCorruptStream)

	// ErrSizeMismatch is returned when the decoded size does not match the header.
	ErrSizeMismatch = fmt.Errorf("%w: uncompressed size mismatch", ErrCorruptStream)

	// ErrWrongPassword is returned when the password verifier of an entry does not match.
	ErrWrongPassword = errors.New("zip: wrong password")

	// ErrAuthenticationFailed is returned when the AES authentication code of an
	// entry does not match after the whole payload has been read.
	ErrAuthenticationFailed = errors.New("zip: authentication failed")

	// ErrUnsupportedMethod is returned for compression methods with no registered
	// decompressor and for encryption schemes this package does not implement.
	ErrUnsupportedMethod = errors.New("zip: unsupported method")

	// ErrIO wraps failures of the underlying storage.
	ErrIO = errors.New("zip: i/o failure")

	// ErrInvalidState is returned when a closed session is used.
	ErrInvalidState = errors.New("zip: invalid state")

	// ErrInvalidArguments is returned for option combinations that make no sense.
	ErrInvalidArguments = errors.New("zip: invalid arguments")

	// ErrCancelled is returned when an operation was stopped by its caller.
	ErrCancelled = errors.New("zip: cancelled")

	// ErrFileNotFound is returned when the requested file is not found in the archive.
	ErrFileNotFound = errors.New("zip: file not found")

	// ErrInsecurePath is returned when an entry name would escape the destination (Zip Slip).
	ErrInsecurePath = errors.New("zip: insecure file path")

	// ErrDuplicateEntry is returned when attempting to add a file with a name that already exists.
	ErrDuplicateEntry = errors.New("zip: duplicate file name")

	// ErrFilenameTooLong is returned when a filename exceeds 65535 bytes.
	ErrFilenameTooLong = errors.New("zip: filename too long")

	// ErrCommentTooLong is returned when a comment exceeds 65535 bytes.
	ErrCommentTooLong = errors.New("zip: comment too long")

	// ErrFileExists is returned when an extraction target already exists and
	// overwriting is disabled.
	ErrFileExists = errors.New("zip: file exists")
)

// EntryError attaches the name of an archive entry to a failure.
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// ioError marks err as a storage failure while keeping it inspectable.
func ioError(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// formatError maps record codec failures to ErrMalformedArchive.
func formatError(err error) error {
	if err == nil || errors.Is(err, ErrMalformedArchive) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMalformedArchive, err)
}
