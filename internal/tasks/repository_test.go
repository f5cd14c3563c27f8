package tasks

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIdempotencyKeyIsStablePerCalendarDay(t *testing.T) {
	leadID := uuid.MustParse("4f8c2f1e-5c1a-4a14-9a4a-7d2937c7a001")

	morning := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 8, 31, 22, 30, 0, 0, time.UTC)
	nextDay := time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)

	keyA := IdempotencyKey(leadID, TypeReplyDue, morning)
	keyB := IdempotencyKey(leadID, TypeReplyDue, evening)
	keyC := IdempotencyKey(leadID, TypeReplyDue, nextDay)

	if keyA != keyB {
		t.Fatalf("same day keys differ: %q vs %q", keyA, keyB)
	}
	if keyA == keyC {
		t.Fatalf("different day keys must differ, both %q", keyA)
	}
	want := "4f8c2f1e-5c1a-4a14-9a4a-7d2937c7a001|reply_due|2026-08-31"
	if keyA != want {
		t.Fatalf("key = %q, want %q", keyA, want)
	}
}

func TestIdempotencyKeyUsesUTCDay(t *testing.T) {
	leadID := uuid.New()
	dubai := time.FixedZone("GST", 4*3600)

	// 02:00 in Dubai is still the previous UTC day.
	local := time.Date(2026, 9, 1, 2, 0, 0, 0, dubai)

	key := IdempotencyKey(leadID, TypeFollowUp, local)
	utcKey := IdempotencyKey(leadID, TypeFollowUp, local.UTC())
	if key != utcKey {
		t.Fatalf("key must be timezone independent: %q vs %q", key, utcKey)
	}
	if want := leadID.String() + "|follow_up|2026-08-31"; key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}

func TestIdempotencyKeyVariesByType(t *testing.T) {
	leadID := uuid.New()
	at := time.Now()

	if IdempotencyKey(leadID, TypeReplyDue, at) == IdempotencyKey(leadID, TypeReplyFailed, at) {
		t.Fatal("different task types must not collide")
	}
}
