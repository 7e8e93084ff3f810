package audit

import (
	"context"
	"testing"
	"time"
)

func TestAppendChainsEvents(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)

	first, err := s.Append(context.Background(), Event{
		AuditID:    "a1",
		RecordedAt: now,
		ActorID:    "user-1",
		ObjectType: "payout_request",
		ObjectID:   "p1",
		Action:     "create",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" || first.HashCurr == "" {
		t.Fatalf("unexpected hash chain on first event: %+v", first)
	}
	if first.PartitionDay != "2026-02-11" {
		t.Fatalf("expected partition day to default from recorded_at, got=%q", first.PartitionDay)
	}

	second, err := s.Append(context.Background(), Event{
		AuditID:    "a2",
		RecordedAt: now.Add(time.Second),
		ActorID:    "admin-1",
		ObjectType: "payout_request",
		ObjectID:   "p1",
		Action:     "approve",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("expected chain link, got prev=%s want=%s", second.HashPrev, first.HashCurr)
	}
	if idx := Verify(s.Events()); idx != -1 {
		t.Fatalf("expected intact chain, broken at %d", idx)
	}
	if got := len(s.ByObject("payout_request", "p1")); got != 2 {
		t.Fatalf("expected 2 events for object, got=%d", got)
	}
}

func TestVerifyDetectsTamperedEvent(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"create", "approve", "complete"} {
		if _, err := s.Append(context.Background(), Event{
			AuditID:    action,
			RecordedAt: now.Add(time.Duration(i) * time.Second),
			ActorID:    "admin-1",
			Action:     action,
			Result:     ResultSuccess,
		}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}

	events := s.Events()
	events[1].Result = ResultDenied
	if idx := Verify(events); idx != 1 {
		t.Fatalf("expected tamper detected at index 1, got=%d", idx)
	}
}

func TestAppendRejectsCorruptTail(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Append(context.Background(), Event{AuditID: "a1", Action: "create", Result: ResultSuccess}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.events[0].Action = "delete"
	if _, err := s.Append(context.Background(), Event{AuditID: "a2", Action: "cancel", Result: ResultSuccess}); err != ErrCorruptChain {
		t.Fatalf("expected ErrCorruptChain, got=%v", err)
	}
}
