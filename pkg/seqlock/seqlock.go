// Package seqlock implements the "versioned atomic" read/write idiom used
// throughout the scheduler: a writer bumps a sequence counter to odd,
// fences, writes, fences, bumps it back to even; a lock-free reader fences,
// reads, fences, reads the sequence again and retries if it changed or is
// odd. This lets the dispatch fast path read group vtime, vcpu charge
// counters, and cell generation numbers without taking any lock.
package seqlock

import (
	"runtime"
	"sync/atomic"
)

// SeqLock guards a value that is written rarely (by the reallocator, the
// credit ager, the vtime-reset timer) and read very frequently (by the
// per-pcpu dispatch fast path).
type SeqLock struct {
	seq atomic.Uint64
}

// WriteBegin must be called before mutating the guarded value. It bumps the
// sequence to odd, which tells concurrent readers a write is in progress.
func (s *SeqLock) WriteBegin() {
	s.seq.Add(1)
	// Ensure the odd sequence is visible before subsequent writes.
	runtime.Gosched()
}

// WriteEnd must be called after mutating the guarded value. It bumps the
// sequence back to even, publishing the write to readers.
func (s *SeqLock) WriteEnd() {
	s.seq.Add(1)
}

// ReadBegin returns a sequence number a reader should pass to ReadRetry
// after reading the guarded value. If the returned sequence is odd, a write
// is in progress and the caller must retry immediately.
func (s *SeqLock) ReadBegin() uint64 {
	return s.seq.Load()
}

// ReadRetry reports whether the value read under seq (obtained from
// ReadBegin) may be torn and must be re-read.
func (s *SeqLock) ReadRetry(seq uint64) bool {
	return seq&1 == 1 || s.seq.Load() != seq
}

// MaxRetries bounds the lock-free retry loop. Spec §7: spinning retry loops
// panic past this cap because it indicates a lock-ordering bug, not
// transient contention.
const MaxRetries = 1 << 20

// ErrRetriesExceeded panics the caller after MaxRetries lock-free retries.
// Matches spec.md §7 ("Spinning lock-retry loops panic after a generous
// retry cap... because these indicate a lock-ordering bug").
type ErrRetriesExceeded struct{ Op string }

func (e ErrRetriesExceeded) Error() string {
	return "seqlock: " + e.Op + " exceeded max retries, likely a lock-ordering bug"
}

// Retry runs read until it returns true (meaning the read was consistent),
// panicking if it never stabilizes within MaxRetries attempts.
func Retry(op string, read func() bool) {
	for i := 0; i < MaxRetries; i++ {
		if read() {
			return
		}
	}
	panic(ErrRetriesExceeded{Op: op})
}
