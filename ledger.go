package loom

import (
	"sync"
	"time"
)

// ============================================================================
// Dedup Ledger
// ============================================================================

// Tracking-key prefixes. One logical message can be registered under all
// three key types.
const (
	keyFinal = "final:"
	keyTag   = "tag:"
	keyBcast = "bcast:"
)

// dedupLedger is a set of short-lived tracking keys with expiries. It lets
// the reconciliation engine skip the O(room-size) equivalence scan for
// messages already known processed. Expired entries are removed by a
// periodic sweep piggybacked on mutations rather than one timer per entry.
type dedupLedger struct {
	mu        sync.Mutex
	ttl       time.Duration
	sweepEach time.Duration
	lastSweep time.Time
	expires   map[string]time.Time
	now       func() time.Time
}

func newDedupLedger(ttl time.Duration) *dedupLedger {
	return &dedupLedger{
		ttl:       ttl,
		sweepEach: ttl / 2,
		expires:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// Seen reports whether key was recorded and has not expired.
func (l *dedupLedger) Seen(key string) bool {
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.expires[key]
	if !ok {
		return false
	}
	if l.now().After(exp) {
		delete(l.expires, key)
		return false
	}
	return true
}

// Record registers keys with the fixed expiry window. Empty keys are
// ignored so callers can pass optional identifiers unconditionally.
func (l *dedupLedger) Record(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, k := range keys {
		if k == "" {
			continue
		}
		l.expires[k] = now.Add(l.ttl)
	}
	l.maybeSweep(now)
}

// Len returns the number of live entries. For tests and diagnostics.
func (l *dedupLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.expires)
}

// maybeSweep drops expired entries at most once per sweep interval.
// Callers hold l.mu.
func (l *dedupLedger) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepEach {
		return
	}
	l.lastSweep = now
	for k, exp := range l.expires {
		if now.After(exp) {
			delete(l.expires, k)
		}
	}
}
