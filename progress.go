// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ziparchive

// ProgressFunc receives the cumulative number of bytes handled so far and the
// total for the whole operation. Returning false cancels the operation.
type ProgressFunc func(loaded, total int64) bool

// progressTracker turns byte counts into a non-decreasing signal.
// Values reported to the callback are clamped into [0, total].
type progressTracker struct {
	report   ProgressFunc
	total    int64
	loaded   int64
	reported int64
}

func newProgressTracker(report ProgressFunc, total int64) *progressTracker {
	return &progressTracker{report: report, total: max(total, 0), reported: -1}
}

// add accounts n more bytes and reports false when the callback asked to stop.
func (p *progressTracker) add(n int64) bool {
	if n > 0 {
		p.loaded += n
	}
	return p.emit()
}

// skip accounts the bytes of an entry that will not be written in full.
func (p *progressTracker) skip(size, written int64) bool {
	return p.add(size - written)
}

func (p *progressTracker) emit() bool {
	if p.report == nil {
		return true
	}
	loaded := min(max(p.loaded, 0), p.total)
	if loaded < p.reported {
		loaded = p.reported
	}
	p.reported = loaded
	return p.report(loaded, p.total)
}
