package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sms.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_BadPath(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "nested", "sms.db")); err == nil {
		t.Error("Expected error for unreachable database path")
	}
}

func TestInsertAndAcknowledge(t *testing.T) {
	s := openTestStore(t)

	msg := SmsMessage{Id: "m1", Sender: "+100", Content: "hi", ReceivedAt: 1700000000}
	if err := s.InsertSms(msg); err != nil {
		t.Fatalf("InsertSms failed: %v", err)
	}

	pending, err := s.Unacknowledged()
	if err != nil {
		t.Fatalf("Unacknowledged failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Id != "m1" {
		t.Fatalf("Expected one pending record m1, got %+v", pending)
	}
	if pending[0].Acknowledged {
		t.Error("Expected record to start unacknowledged")
	}
	if pending[0].CreatedAt == 0 {
		t.Error("Expected created_at to be set on insert")
	}

	if err := s.MarkAcknowledged("m1"); err != nil {
		t.Fatalf("MarkAcknowledged failed: %v", err)
	}

	pending, err = s.Unacknowledged()
	if err != nil {
		t.Fatalf("Unacknowledged failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending records, got %+v", pending)
	}
}

func TestInsertSms_DuplicateIsNoOp(t *testing.T) {
	s := openTestStore(t)

	msg := SmsMessage{Id: "m1", Sender: "+100", Content: "hi", ReceivedAt: 1}
	for i := 0; i < 3; i++ {
		if err := s.InsertSms(msg); err != nil {
			t.Fatalf("InsertSms attempt %d failed: %v", i+1, err)
		}
	}

	total, err := s.CountTotal()
	if err != nil {
		t.Fatalf("CountTotal failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected exactly one row after replays, got %d", total)
	}
}

func TestInsertSms_DuplicateKeepsOriginal(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertSms(SmsMessage{Id: "m1", Sender: "+1", Content: "first", ReceivedAt: 1}); err != nil {
		t.Fatalf("InsertSms failed: %v", err)
	}
	if err := s.InsertSms(SmsMessage{Id: "m1", Sender: "+2", Content: "second", ReceivedAt: 2}); err != nil {
		t.Fatalf("InsertSms failed: %v", err)
	}

	pending, err := s.Unacknowledged()
	if err != nil {
		t.Fatalf("Unacknowledged failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "first" {
		t.Errorf("Expected original row to survive the replay, got %+v", pending)
	}
}

func TestMarkAcknowledged_SetsAckTimeAfterCreate(t *testing.T) {
	s := openTestStore(t)
	clock := int64(1000)
	s.now = func() int64 { clock++; return clock }

	if err := s.InsertSms(SmsMessage{Id: "m1", Sender: "+1", Content: "x", ReceivedAt: 1}); err != nil {
		t.Fatalf("InsertSms failed: %v", err)
	}
	if err := s.MarkAcknowledged("m1"); err != nil {
		t.Fatalf("MarkAcknowledged failed: %v", err)
	}

	// Read the acknowledged row back directly.
	var ackSentAt, createdAt int64
	var acknowledged bool
	row := s.db.QueryRow(`SELECT acknowledged, ack_sent_at, created_at FROM sms_messages WHERE id = 'm1'`)
	if err := row.Scan(&acknowledged, &ackSentAt, &createdAt); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !acknowledged {
		t.Error("Expected row to be acknowledged")
	}
	if ackSentAt < createdAt {
		t.Errorf("Expected ack_sent_at >= created_at, got %d < %d", ackSentAt, createdAt)
	}
}

func TestMarkAcknowledged_MissingIdIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkAcknowledged("no-such-id"); err != nil {
		t.Errorf("Expected missing id to be benign, got %v", err)
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.InsertSms(SmsMessage{Id: id, Sender: "+1", Content: "x", ReceivedAt: 1}); err != nil {
			t.Fatalf("InsertSms failed: %v", err)
		}
	}
	if err := s.MarkAcknowledged("b"); err != nil {
		t.Fatalf("MarkAcknowledged failed: %v", err)
	}

	total, err := s.CountTotal()
	if err != nil {
		t.Fatalf("CountTotal failed: %v", err)
	}
	unacked, err := s.CountUnacknowledged()
	if err != nil {
		t.Fatalf("CountUnacknowledged failed: %v", err)
	}
	if total != 3 {
		t.Errorf("Expected 3 total, got %d", total)
	}
	if unacked != 2 {
		t.Errorf("Expected 2 unacknowledged, got %d", unacked)
	}
}

func TestUnacknowledged_PreservesMetas(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertSms(SmsMessage{Id: "m1", Sender: "+1", Content: "x", ReceivedAt: 1, Metas: `{"slot":2}`}); err != nil {
		t.Fatalf("InsertSms failed: %v", err)
	}
	pending, err := s.Unacknowledged()
	if err != nil {
		t.Fatalf("Unacknowledged failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Metas != `{"slot":2}` {
		t.Errorf("Expected metas to round trip, got %+v", pending)
	}
}
