package loom

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Typing Indicator Tracker
// ============================================================================

// typingState is the local user's per-room state machine: Idle -> Typing on
// the first keystroke (signal sent once, timer armed), timer reset on every
// further keystroke, Typing -> Idle on timer expiry or explicit clear
// (stop signal sent).
type typingState struct {
	timer *time.Timer
}

// TypingTracker keeps the ephemeral per-room set of currently typing
// participants and debounces the local user's outbound typing signals.
type TypingTracker struct {
	mu       sync.Mutex
	log      *slog.Logger
	debounce time.Duration
	send     func(roomID string, isTyping bool) error

	local map[string]*typingState
	rooms map[string]map[string]struct{}
}

func newTypingTracker(debounce time.Duration, log *slog.Logger, send func(string, bool) error) *TypingTracker {
	return &TypingTracker{
		log:      log,
		debounce: debounce,
		send:     send,
		local:    make(map[string]*typingState),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Keystroke records local typing activity. The first keystroke sends the
// start signal and arms the debounce timer; subsequent keystrokes only
// reset the timer. The start-signal error propagates so the caller can
// react; timer-driven stop signals are logged instead.
func (t *TypingTracker) Keystroke(roomID string) error {
	t.mu.Lock()
	if st, ok := t.local[roomID]; ok {
		st.timer.Reset(t.debounce)
		t.mu.Unlock()
		return nil
	}
	st := &typingState{}
	st.timer = time.AfterFunc(t.debounce, func() { t.expire(roomID) })
	t.local[roomID] = st
	t.mu.Unlock()

	if err := t.send(roomID, true); err != nil {
		t.mu.Lock()
		if st, ok := t.local[roomID]; ok {
			st.timer.Stop()
			delete(t.local, roomID)
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Clear stops typing immediately: cancels the timer and sends the stop
// signal now.
func (t *TypingTracker) Clear(roomID string) error {
	t.mu.Lock()
	st, ok := t.local[roomID]
	if ok {
		st.timer.Stop()
		delete(t.local, roomID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.send(roomID, false)
}

func (t *TypingTracker) expire(roomID string) {
	t.mu.Lock()
	_, ok := t.local[roomID]
	delete(t.local, roomID)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.send(roomID, false); err != nil {
		t.log.Warn("typing stop signal failed", "room", roomID, "err", err)
	}
}

// SetTypingUsers replaces the room's typing set wholesale; the upstream
// service always sends the complete current set.
func (t *TypingTracker) SetTypingUsers(roomID string, users []string) {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	t.mu.Lock()
	if len(set) == 0 {
		delete(t.rooms, roomID)
	} else {
		t.rooms[roomID] = set
	}
	t.mu.Unlock()
}

// TypingUsers returns the sorted set of participants currently typing in
// the room.
func (t *TypingTracker) TypingUsers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.rooms[roomID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
