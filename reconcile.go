package loom

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Reconciliation outcomes
// ============================================================================

// IngestOutcome describes what the engine did with an incoming message.
type IngestOutcome int

const (
	// IngestInvalid: the message lacked a room or message identifier.
	IngestInvalid IngestOutcome = iota
	// IngestDuplicate: an equivalent entry already exists; incoming discarded.
	IngestDuplicate
	// IngestPromoted: an existing provisional entry was promoted in place
	// to the incoming final id.
	IngestPromoted
	// IngestInserted: a new entry was added to the room log.
	IngestInserted
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestDuplicate:
		return "duplicate"
	case IngestPromoted:
		return "promoted"
	case IngestInserted:
		return "inserted"
	default:
		return "invalid"
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the per-room ordered message logs and the dedup ledger. Given
// a raw inbound or locally originated message it decides whether the message
// is already represented in the log and, if not, inserts it in order; if so,
// it merges rather than duplicates. External callers observe the logs only
// through accessors.
type Engine struct {
	mu     sync.Mutex
	log    *slog.Logger
	ledger *dedupLedger
	logs   map[string][]*Message

	sameSenderWindow time.Duration
	collisionWindow  time.Duration
	preSendWindow    time.Duration

	now func() time.Time
}

func newEngine(cfg *Config, log *slog.Logger) *Engine {
	return &Engine{
		log:              log,
		ledger:           newDedupLedger(cfg.LedgerTTL),
		logs:             make(map[string][]*Message),
		sameSenderWindow: cfg.SameSenderWindow,
		collisionWindow:  cfg.BroadcastCollisionWindow,
		preSendWindow:    cfg.PreSendWindow,
		now:              time.Now,
	}
}

// Messages returns a copy of the room's visible log, sorted ascending by
// SentAt. The room log is created lazily on first reference.
func (e *Engine) Messages(roomID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.logs[roomID]
	out := make([]Message, len(entries))
	for i, m := range entries {
		out[i] = *m
	}
	return out
}

// Delete removes a message by provisional or final id. Entries leave the
// log only through this explicit path.
func (e *Engine) Delete(roomID, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.logs[roomID]
	for i, m := range entries {
		if m.FinalID == id || m.ProvisionalID == id {
			e.logs[roomID] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Ingest applies the equivalence rules to one message and mutates the room
// log accordingly. It returns the representative entry (existing, promoted,
// or newly inserted) and the outcome.
func (e *Engine) Ingest(in *Message) (Message, IngestOutcome) {
	if in == nil || in.RoomID == "" || in.ID() == "" {
		e.log.Warn("dropping malformed message", "room", roomOf(in))
		return Message{}, IngestInvalid
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// O(1) shortcuts against the ledger before the full scan.
	if in.FinalID != "" && e.ledger.Seen(keyFinal+in.FinalID) {
		if rep := e.findByIDLocked(in.RoomID, in.FinalID); rep != nil {
			// The echo of an optimistic send is its confirmation.
			rep.IsOptimistic = false
			return *rep, IngestDuplicate
		}
		return *in, IngestDuplicate
	}
	if e.ledger.Seen(keyBcast+in.BroadcastID) || e.ledger.Seen(keyTag+in.ClientTag) {
		if rep := e.findEchoLocked(in); rep != nil {
			return e.mergeLocked(rep, in)
		}
		return *in, IngestDuplicate
	}

	return e.reconcileLocked(in)
}

// reconcileLocked runs the equivalence rules in priority order; the first
// match wins. Callers hold e.mu.
func (e *Engine) reconcileLocked(in *Message) (Message, IngestOutcome) {
	entries := e.logs[in.RoomID]

	// Rule 1: exact final-id match.
	if in.FinalID != "" {
		for _, ex := range entries {
			if ex.FinalID == in.FinalID {
				ex.IsOptimistic = false
				return *ex, IngestDuplicate
			}
		}
	}

	// Rule 2: provisional/final pairing, same sender and body, no window.
	for _, ex := range entries {
		if ex.Sender != in.Sender || ex.Body != in.Body {
			continue
		}
		if ex.FinalID == "" && in.FinalID != "" {
			return e.promoteLocked(ex, in)
		}
		if ex.FinalID != "" && in.FinalID == "" && in.ProvisionalID != "" {
			return *ex, IngestDuplicate
		}
	}

	// Rule 3: same sender, identical body, close in time.
	for _, ex := range entries {
		if ex.Sender == in.Sender && ex.Body == in.Body && within(ex.SentAt, in.SentAt, e.sameSenderWindow) {
			if ex.FinalID == "" && in.FinalID != "" {
				return e.promoteLocked(ex, in)
			}
			return *ex, IngestDuplicate
		}
	}

	// Rule 4: cross-sender broadcast collision. Deliberately aggressive;
	// tunable, and disabled entirely with a zero window.
	if e.collisionWindow > 0 {
		for _, ex := range entries {
			if ex.Body == in.Body && within(ex.SentAt, in.SentAt, e.collisionWindow) {
				e.log.Debug("suppressing broadcast collision",
					"room", in.RoomID, "existing", ex.ID(), "incoming", in.ID())
				return *ex, IngestDuplicate
			}
		}
	}

	// Rule 5: genuinely new.
	return e.insertLocked(in), IngestInserted
}

// insertLocked adds a new entry, restores SentAt order, and registers the
// tracking keys. Callers hold e.mu.
func (e *Engine) insertLocked(in *Message) Message {
	cp := *in
	e.logs[in.RoomID] = append(e.logs[in.RoomID], &cp)
	e.resortLocked(in.RoomID)
	e.ledger.Record(finalKey(cp.FinalID), tagKey(cp.ClientTag), bcastKey(cp.BroadcastID))
	return cp
}

// promoteLocked rewrites an existing entry's identity to the incoming final
// id. This is the single in-place mutation of a message's lifecycle; the
// server timestamp is adopted as authoritative.
func (e *Engine) promoteLocked(ex, in *Message) (Message, IngestOutcome) {
	ex.FinalID = in.FinalID
	ex.IsOptimistic = false
	if in.SentAt > 0 {
		ex.SentAt = in.SentAt
		e.resortLocked(ex.RoomID)
	}
	e.ledger.Record(finalKey(in.FinalID), bcastKey(in.BroadcastID))
	return *ex, IngestPromoted
}

// mergeLocked handles a copy that hit a ledger shortcut but may still carry
// a promotion: the echo of an optimistic send arriving with the final id.
// A final-id copy also confirms the placeholder; a provisional copy does not.
func (e *Engine) mergeLocked(ex, in *Message) (Message, IngestOutcome) {
	if ex.FinalID == "" && in.FinalID != "" {
		return e.promoteLocked(ex, in)
	}
	if in.FinalID != "" {
		ex.IsOptimistic = false
	}
	return *ex, IngestDuplicate
}

func (e *Engine) resortLocked(roomID string) {
	entries := e.logs[roomID]
	// Stable: ties keep insertion order, which only happens between a
	// message and its own promoted or duplicate variant.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SentAt < entries[j].SentAt
	})
}

func (e *Engine) findByIDLocked(roomID, id string) *Message {
	for _, m := range e.logs[roomID] {
		if m.FinalID == id || m.ProvisionalID == id {
			return m
		}
	}
	return nil
}

// findEchoLocked locates the local entry a ledger-matched copy refers to,
// by broadcast id first, then client tag.
func (e *Engine) findEchoLocked(in *Message) *Message {
	for _, m := range e.logs[in.RoomID] {
		if in.BroadcastID != "" && m.BroadcastID == in.BroadcastID {
			return m
		}
		if in.ClientTag != "" && m.ClientTag == in.ClientTag {
			return m
		}
	}
	return nil
}

// findRecentLocked returns an entry from the same sender with an identical
// body within the window, newest first.
func (e *Engine) findRecentLocked(roomID, sender, body string, window time.Duration) *Message {
	nowMs := e.now().UnixMilli()
	entries := e.logs[roomID]
	for i := len(entries) - 1; i >= 0; i-- {
		m := entries[i]
		if m.Sender == sender && m.Body == body && within(m.SentAt, nowMs, window) {
			return m
		}
	}
	return nil
}

// ============================================================================
// Optimistic send
// ============================================================================

// Send runs the optimistic send protocol: check for an already-delivered
// copy, dispatch through the context's delivery path, check again after the
// await (the push path may have won the race), and only then synthesize a
// local optimistic entry carrying the final id from the response.
//
// The returned bool is true when a new optimistic entry was inserted.
// Delivery failures propagate to the caller; nothing is rolled back.
func (e *Engine) Send(ctx context.Context, roomID, sender string, p SendPayload,
	deliver func(context.Context, SendPayload) (*SendReceipt, error),
) (Message, bool, error) {
	// The live push may already have delivered this message while a prior
	// send request was in flight.
	e.mu.Lock()
	if ex := e.findRecentLocked(roomID, sender, p.Body, e.preSendWindow); ex != nil {
		cp := *ex
		e.mu.Unlock()
		return cp, false, nil
	}
	e.mu.Unlock()

	receipt, err := deliver(ctx, p)
	if err != nil {
		return Message{}, false, err
	}

	// Suspension point passed: the push path may have reconciled a copy
	// while the response was in flight.
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex := e.findRecentLocked(roomID, sender, p.Body, e.preSendWindow); ex != nil {
		if ex.FinalID == "" {
			in := *ex
			in.FinalID = receipt.ID
			m, _ := e.promoteLocked(ex, &in)
			return m, false, nil
		}
		e.ledger.Record(finalKey(receipt.ID))
		return *ex, false, nil
	}
	if rep := e.findByIDLocked(roomID, receipt.ID); rep != nil {
		return *rep, false, nil
	}

	optimistic := &Message{
		FinalID:      receipt.ID,
		RoomID:       roomID,
		Sender:       sender,
		Body:         p.Body,
		ContentKind:  p.ContentKind,
		Topic:        p.Topic,
		SentAt:       e.now().UnixMilli(),
		ClientTag:    uuid.NewString(),
		BroadcastID:  p.BroadcastID,
		IsOptimistic: true,
	}
	return e.insertLocked(optimistic), true, nil
}

// ============================================================================
// Helpers
// ============================================================================

func within(a, b int64, window time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < window.Milliseconds()
}

func finalKey(id string) string {
	if id == "" {
		return ""
	}
	return keyFinal + id
}

func tagKey(tag string) string {
	if tag == "" {
		return ""
	}
	return keyTag + tag
}

func bcastKey(id string) string {
	if id == "" {
		return ""
	}
	return keyBcast + id
}

func roomOf(m *Message) string {
	if m == nil {
		return ""
	}
	return m.RoomID
}
