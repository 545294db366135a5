// Package ledger records which version of each watched frame has already
// been delivered, so repeated notifications for one write upload once.
package ledger

import (
	"sync"
	"time"
)

// Entry is a point-in-time copy of one ledger record.
type Entry struct {
	Path       string    `json:"path" msgpack:"path"`
	ModTime    time.Time `json:"modTime" msgpack:"modTime"`
	RecordedAt time.Time `json:"recordedAt" msgpack:"recordedAt"`
}

type record struct {
	mtime      int64 // Unix nanoseconds
	recordedAt time.Time
}

// Ledger maps a file path to the modification time of its last successful
// upload. Stored times never move backwards when callers go through Claim and
// Complete. It lives in memory for the process lifetime.
type Ledger struct {
	mu        sync.Mutex
	delivered map[string]record
	inflight  map[string]int64
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		delivered: make(map[string]record),
		inflight:  make(map[string]int64),
	}
}

// ShouldUpload reports whether the file at path with modification time
// mtime has not been delivered yet.
func (l *Ledger) ShouldUpload(path string, mtime time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldUploadLocked(path, mtime.UnixNano())
}

func (l *Ledger) shouldUploadLocked(path string, mtime int64) bool {
	rec, ok := l.delivered[path]
	return !ok || rec.mtime < mtime
}

// RecordUploaded stores mtime as the delivered version of path, overwriting
// any previous value. It does not re-validate ordering.
func (l *Ledger) RecordUploaded(path string, mtime time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered[path] = record{mtime: mtime.UnixNano(), recordedAt: time.Now()}
}

// Claim atomically checks that path at mtime is neither delivered nor being
// delivered at the same or a newer mtime, and marks it in flight. A true
// result must be followed by Complete or Release.
func (l *Ledger) Claim(path string, mtime time.Time) bool {
	ns := mtime.UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldUploadLocked(path, ns) {
		return false
	}
	if cur, ok := l.inflight[path]; ok && cur >= ns {
		return false
	}
	l.inflight[path] = ns
	return true
}

// Complete records a successful upload for a claimed path and drops the claim.
// A claim completing after a newer version was already recorded leaves the
// newer entry in place.
func (l *Ledger) Complete(path string, mtime time.Time) {
	ns := mtime.UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.releaseLocked(path, ns)
	if l.shouldUploadLocked(path, ns) {
		l.delivered[path] = record{mtime: ns, recordedAt: time.Now()}
	}
}

// Release drops a claim without recording anything, leaving the file eligible.
func (l *Ledger) Release(path string, mtime time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(path, mtime.UnixNano())
}

func (l *Ledger) releaseLocked(path string, ns int64) {
	if cur, ok := l.inflight[path]; ok && cur == ns {
		delete(l.inflight, path)
	}
}

// Len returns the number of delivered paths
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

// Snapshot returns a copy of every delivered entry
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, 0, len(l.delivered))
	for path, rec := range l.delivered {
		entries = append(entries, Entry{
			Path:       path,
			ModTime:    time.Unix(0, rec.mtime),
			RecordedAt: rec.recordedAt,
		})
	}
	return entries
}
