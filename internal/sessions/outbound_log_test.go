package sessions

import (
	"testing"

	"github.com/relaymesh/plansolve/pkg/models"
)

func TestOutboundLog_SeqForEventID(t *testing.T) {
	log := NewOutboundLog(4)
	log.Append(LogEntry{Seq: 1, EventID: "evt-1", Frame: models.Envelope{Seq: 1}})
	log.Append(LogEntry{Seq: 2, EventID: "evt-2", Frame: models.Envelope{Seq: 2}})

	seq, ok := log.SeqForEventID("evt-2")
	if !ok || seq != 2 {
		t.Errorf("SeqForEventID(evt-2) = (%d, %v), want (2, true)", seq, ok)
	}

	if _, ok := log.SeqForEventID("evt-missing"); ok {
		t.Error("SeqForEventID(evt-missing) = true, want false")
	}
}

func TestOutboundLog_SeqForEventID_EvictedEntry(t *testing.T) {
	log := NewOutboundLog(2)
	log.Append(LogEntry{Seq: 1, EventID: "evt-1", Frame: models.Envelope{Seq: 1}})
	log.Append(LogEntry{Seq: 2, EventID: "evt-2", Frame: models.Envelope{Seq: 2}})
	log.Append(LogEntry{Seq: 3, EventID: "evt-3", Frame: models.Envelope{Seq: 3}})

	if _, ok := log.SeqForEventID("evt-1"); ok {
		t.Error("SeqForEventID(evt-1) = true, want false once evicted")
	}
	if seq, ok := log.SeqForEventID("evt-3"); !ok || seq != 3 {
		t.Errorf("SeqForEventID(evt-3) = (%d, %v), want (3, true)", seq, ok)
	}
}
