package loom

import (
	"testing"
	"time"
)

func TestLedgerSeenAndExpiry(t *testing.T) {
	l := newDedupLedger(30 * time.Second)
	base := time.UnixMilli(0)
	clock := base
	l.now = func() time.Time { return clock }

	l.Record(finalKey("$1"), tagKey("ct-1"), bcastKey("bc-1"))
	for _, k := range []string{finalKey("$1"), tagKey("ct-1"), bcastKey("bc-1")} {
		if !l.Seen(k) {
			t.Fatalf("expected %q to be seen", k)
		}
	}
	if l.Seen(finalKey("$other")) {
		t.Fatal("unrecorded key must not be seen")
	}

	clock = base.Add(29 * time.Second)
	if !l.Seen(finalKey("$1")) {
		t.Fatal("key expired before its window")
	}

	clock = base.Add(31 * time.Second)
	if l.Seen(finalKey("$1")) {
		t.Fatal("key survived past its window")
	}
}

func TestLedgerIgnoresEmptyKeys(t *testing.T) {
	l := newDedupLedger(30 * time.Second)
	l.Record("", finalKey("$1"), "")
	if got := l.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
	if l.Seen("") {
		t.Fatal("empty key must never be seen")
	}
}

func TestLedgerSweepRemovesExpired(t *testing.T) {
	l := newDedupLedger(30 * time.Second)
	base := time.UnixMilli(0)
	clock := base
	l.now = func() time.Time { return clock }

	for _, id := range []string{"$a", "$b", "$c"} {
		l.Record(finalKey(id))
	}
	if got := l.Len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	// Well past both the entry TTL and the sweep interval; the next
	// mutation sweeps everything stale in one pass.
	clock = base.Add(2 * time.Minute)
	l.Record(finalKey("$d"))
	if got := l.Len(); got != 1 {
		t.Fatalf("len after sweep = %d, want 1", got)
	}
	if !l.Seen(finalKey("$d")) {
		t.Fatal("fresh key lost during sweep")
	}
}

func TestLedgerSweepThrottled(t *testing.T) {
	l := newDedupLedger(30 * time.Second)
	base := time.UnixMilli(0)
	clock := base
	l.now = func() time.Time { return clock }
	l.lastSweep = base

	l.Record(finalKey("$a"))
	clock = base.Add(31 * time.Second)

	// Lazy expiry removes the entry on lookup even between sweeps.
	if l.Seen(finalKey("$a")) {
		t.Fatal("expired key reported seen")
	}
	if got := l.Len(); got != 0 {
		t.Fatalf("len = %d, want 0", got)
	}
}
