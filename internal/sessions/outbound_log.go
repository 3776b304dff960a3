package sessions

import (
	"sync"

	"github.com/relaymesh/plansolve/pkg/models"
)

// LogEntry is one outbound frame retained for ACK tracking and replay.
type LogEntry struct {
	Seq     int64
	EventID string
	Frame   models.Envelope
}

// OutboundLog is a fixed-size ring buffer of the most recently sent
// outbound events for a session. When full, the oldest entry is evicted
// regardless of ACK state (Design Notes: open question resolved in favor
// of forced eviction of the oldest entry).
type OutboundLog struct {
	mu      sync.Mutex
	entries []LogEntry
	size    int
	head    int // index of the oldest entry
	count   int
}

// NewOutboundLog creates a ring buffer holding up to size entries.
func NewOutboundLog(size int) *OutboundLog {
	if size <= 0 {
		size = 512
	}
	return &OutboundLog{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Append adds an entry, evicting the oldest if the buffer is full.
func (l *OutboundLog) Append(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count < l.size {
		idx := (l.head + l.count) % l.size
		l.entries[idx] = entry
		l.count++
		return
	}

	// Full: evict oldest, append at the new tail.
	l.entries[l.head] = entry
	l.head = (l.head + 1) % l.size
}

// Since returns the contiguous slice of entries with Seq > afterSeq, in
// order, plus a flag indicating whether the range is fully available (false
// means the tail has been evicted and the caller must fall back to a
// state restore rather than replay).
func (l *OutboundLog) Since(afterSeq int64) ([]LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return nil, true
	}

	oldest := l.entries[l.head].Seq
	if afterSeq > 0 && afterSeq < oldest-1 {
		return nil, false
	}

	out := make([]LogEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.head+i)%l.size]
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, true
}

// SeqForEventID resolves a previously emitted event_id to its seq, for
// acking by last_event_id instead of last_seq. Returns false if the id has
// been evicted or was never assigned by this log.
func (l *OutboundLog) SeqForEventID(eventID string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.head+i)%l.size]
		if e.EventID == eventID {
			return e.Seq, true
		}
	}
	return 0, false
}

// OldestSeq returns the seq of the oldest retained entry, or 0 if empty.
func (l *OutboundLog) OldestSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return l.entries[l.head].Seq
}

// Len returns the number of entries currently retained.
func (l *OutboundLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
