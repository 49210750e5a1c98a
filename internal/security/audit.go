package security

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// AuditLog is a bounded in-memory ring of security events. Record never
// blocks and never fails; when the ring is full the oldest entry is dropped.
type AuditLog struct {
	mu      sync.Mutex
	max     int
	entries []domain.AuditLogEntry
	shipper func(domain.AuditLogEntry)
}

var _ domain.AuditRecorder = (*AuditLog)(nil)

func NewAuditLog(maxEntries int) *AuditLog {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &AuditLog{max: maxEntries}
}

func (a *AuditLog) Record(entry domain.AuditLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.EntryID == "" {
		entry.EntryID = ulid.MustNew(ulid.Timestamp(entry.Timestamp), rand.Reader).String()
	}
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.max {
		a.entries = a.entries[len(a.entries)-a.max:]
	}
	ship := a.shipper
	a.mu.Unlock()
	if ship != nil {
		go ship(entry)
	}
}

// SetShipper installs an export hook. Each recorded entry is handed to fn on
// its own goroutine, so Record stays non-blocking regardless of the sink.
func (a *AuditLog) SetShipper(fn func(domain.AuditLogEntry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shipper = fn
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (a *AuditLog) Recent(limit int) []domain.AuditLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AuditLogEntry, n)
	for i := range n {
		out[i] = a.entries[len(a.entries)-1-i]
	}
	return out
}

// Search filters by action and/or subject; empty values match everything.
func (a *AuditLog) Search(action domain.AuditAction, subjectID string) []domain.AuditLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditLogEntry
	for _, e := range a.entries {
		if action != "" && e.Action != action {
			continue
		}
		if subjectID != "" && e.SubjectID != subjectID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Query filters the ring by any combination of action, subject and time
// range. Zero-value fields match everything; Limit <= 0 means unlimited.
// Results come back newest first.
type Query struct {
	Action    domain.AuditAction
	SubjectID string
	From      time.Time
	To        time.Time
	Limit     int
}

func (a *AuditLog) Find(q Query) []domain.AuditLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditLogEntry
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.SubjectID != "" && e.SubjectID != q.SubjectID {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Len reports the number of retained entries.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
