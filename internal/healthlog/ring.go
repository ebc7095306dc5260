// Package healthlog is a fixed capacity, in-memory log of health check
// outcomes for operator visibility.
package healthlog

import (
	"sync"

	"github.com/knadh/phoneverify/pkg/models"
)

// DefaultCap is the number of entries kept by default.
const DefaultCap = 100

// Log is a ring of the most recent entries. It's diagnostic only and
// nothing makes control decisions based on it.
type Log struct {
	mu    sync.RWMutex
	buf   []models.LogEntry
	next  int
	count int
}

// New returns a Log holding up to capacity entries.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCap
	}
	return &Log{buf: make([]models.LogEntry, capacity)}
}

// Append adds an entry, dropping the oldest one when full.
func (l *Log) Append(e models.LogEntry) {
	l.mu.Lock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
}

// Entries returns the entries, newest first.
func (l *Log) Entries() []models.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.LogEntry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.next-1-i+len(l.buf))%len(l.buf)]
	}
	return out
}

// Last returns the newest entry.
func (l *Log) Last() (models.LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.count == 0 {
		return models.LogEntry{}, false
	}
	return l.buf[(l.next-1+len(l.buf))%len(l.buf)], true
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
