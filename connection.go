package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the sync layer. Zero values take the reference defaults.
type Config struct {
	// Endpoint of the real-time gateway. Defaults to the REST base URL.
	Endpoint string

	// Reconnection policy: delay = BaseDelay * 1.5^(attempt-1), capped at
	// MaxAttempts scheduled retries, then the layer stays disconnected and
	// the application continues in degraded mode.
	BaseDelay   time.Duration
	MaxAttempts int

	HeartbeatInterval time.Duration

	// Reconciliation windows.
	SameSenderWindow time.Duration
	// BroadcastCollisionWindow is the cross-sender duplicate window. It is
	// a policy knob, not a correctness guarantee: close-together identical
	// bodies from different senders are collapsed.
	BroadcastCollisionWindow time.Duration
	// DisableBroadcastCollision turns the cross-sender rule off entirely.
	DisableBroadcastCollision bool
	PreSendWindow             time.Duration
	LedgerTTL                 time.Duration

	TypingDebounce time.Duration

	// Security answers per-room "is this channel secure"; optional.
	Security SecurityProvider

	Logger *slog.Logger
	// Dial creates transport sessions; defaults to the WebSocket factory.
	Dial SessionFactory
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SameSenderWindow == 0 {
		c.SameSenderWindow = 30 * time.Second
	}
	if c.BroadcastCollisionWindow == 0 {
		c.BroadcastCollisionWindow = 5 * time.Second
	}
	if c.DisableBroadcastCollision {
		c.BroadcastCollisionWindow = 0
	}
	if c.PreSendWindow == 0 {
		c.PreSendWindow = 2 * time.Second
	}
	if c.LedgerTTL == 0 {
		c.LedgerTTL = 30 * time.Second
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if c.Dial == nil {
		c.Dial = DialSession
	}
}

// ============================================================================
// SyncClient
// ============================================================================

// SyncClient is the real-time chat synchronization layer: one long-lived
// instance per authenticated session, constructed once at application start.
// It owns the connection state machine, the reconciliation engine, the
// context router, and the typing tracker. Chat is an enhancement, not a
// hard dependency: every public operation resolves rather than fails for
// transport-layer problems.
type SyncClient struct {
	cfg     Config
	api     *Client
	creds   CredentialProvider
	members MembershipSnapshot

	log    *slog.Logger
	engine *Engine
	router *Router
	typing *TypingTracker
	disp   *dispatcher

	mu             sync.Mutex
	state          ConnState
	sess           Session
	attempt        int
	lastErr        string
	gen            int
	pending        chan struct{}
	reconnectTimer *time.Timer
}

// NewSyncClient builds the sync layer over the REST client and the injected
// collaborator stores.
func NewSyncClient(api *Client, creds CredentialProvider, members MembershipSnapshot, cfg Config) *SyncClient {
	cfg.defaults()
	if cfg.Endpoint == "" {
		cfg.Endpoint = api.BaseURL()
	}
	sc := &SyncClient{
		cfg:     cfg,
		api:     api,
		creds:   creds,
		members: members,
		log:     cfg.Logger,
		state:   StateDisconnected,
		disp:    newDispatcher(cfg.Logger),
	}
	sc.engine = newEngine(&cfg, cfg.Logger)
	sc.router = newRouter(members, api)
	sc.typing = newTypingTracker(cfg.TypingDebounce, cfg.Logger, sc.sendTypingSignal)
	return sc
}

// ============================================================================
// Observer registration
// ============================================================================

// OnMessage registers an observer for reconciled messages (new or promoted).
func (sc *SyncClient) OnMessage(h func(Message)) { sc.disp.addMessage(h) }

// OnTyping registers an observer for inbound typing updates.
func (sc *SyncClient) OnTyping(h func(TypingEvent)) { sc.disp.addTyping(h) }

// OnConnectionChange registers an observer for connection state changes.
func (sc *SyncClient) OnConnectionChange(h func(ConnState)) { sc.disp.addState(h) }

// AddEventHandler registers a raw inbound-envelope observer and returns a
// handle for removal.
func (sc *SyncClient) AddEventHandler(h EventHandler) int { return sc.disp.addRaw(h) }

// RemoveEventHandler unregisters a raw observer by handle.
func (sc *SyncClient) RemoveEventHandler(id int) { sc.disp.removeRaw(id) }

// ============================================================================
// Connection lifecycle
// ============================================================================

// Connect brings up the real-time session. It returns (false, nil) — not an
// error — when the caller is unauthenticated or lacks a remote-chat
// identifier, or when the transport cannot be reached: the application
// continues without real-time updates. Safe to call while connected, and
// concurrent calls coalesce into a single underlying attempt.
func (sc *SyncClient) Connect(ctx context.Context) (bool, error) {
	sc.mu.Lock()
	if sc.state == StateConnected {
		sc.mu.Unlock()
		return true, nil
	}
	if sc.pending != nil {
		ch := sc.pending
		sc.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return sc.IsConnected(), nil
	}
	ch := make(chan struct{})
	sc.pending = ch
	emitConnecting := sc.state == StateDisconnected
	if emitConnecting {
		sc.state = StateConnecting
	}
	gen := sc.gen
	sc.mu.Unlock()

	if emitConnecting {
		sc.disp.emitState(StateConnecting)
	}

	ok := sc.attemptConnect(ctx, gen)

	sc.mu.Lock()
	if sc.pending == ch {
		sc.pending = nil
	}
	sc.mu.Unlock()
	close(ch)
	return ok, nil
}

// attemptConnect performs one authentication + dial + room-join handshake.
// The result is discarded when the generation moved on (an explicit
// disconnect happened during the in-flight attempt).
func (sc *SyncClient) attemptConnect(ctx context.Context, gen int) bool {
	tok, err := sc.creds.ValidCredential(ctx)
	if err != nil || tok.ChatID == "" {
		if err == nil {
			err = fmt.Errorf("identity has no remote-chat id")
		}
		sc.log.Info("cannot authenticate for real-time, continuing without", "err", err)
		sc.settle(gen, StateDisconnected, err.Error())
		return false
	}

	sess, err := sc.cfg.Dial(ctx, sc.cfg.Endpoint, tok)
	if err != nil {
		sc.log.Warn("real-time dial failed", "err", err)
		// No Disconnected emission here: the reconnect policy decides the
		// next state (Reconnecting, or Disconnected once capped).
		sc.mu.Lock()
		if sc.gen == gen {
			sc.lastErr = err.Error()
		}
		sc.mu.Unlock()
		sc.scheduleReconnect(gen)
		return false
	}

	// Room-join handshake: join every room the identity belongs to.
	// Joining zero rooms is logged, not fatal.
	joined := 0
	for _, room := range sc.members.Rooms() {
		if _, err := sess.EmitWithAck(ctx, "room.join", map[string]string{"roomId": room}); err != nil {
			sc.log.Warn("room join failed", "room", room, "err", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		sc.log.Warn("connected without joining any rooms")
	}

	sc.mu.Lock()
	if sc.gen != gen {
		sc.mu.Unlock()
		sess.Close()
		return false
	}
	sc.sess = sess
	sc.state = StateConnected
	sc.attempt = 0
	sc.lastErr = ""
	sc.mu.Unlock()

	sc.disp.emitState(StateConnected)
	go sc.readLoop(sess, gen)
	go sc.heartbeat(sess, gen)
	return true
}

// settle records a failed attempt's end state unless the generation moved.
func (sc *SyncClient) settle(gen int, state ConnState, errMsg string) {
	sc.mu.Lock()
	if sc.gen != gen {
		sc.mu.Unlock()
		return
	}
	changed := sc.state != state
	sc.state = state
	sc.lastErr = errMsg
	sc.mu.Unlock()
	if changed {
		sc.disp.emitState(state)
	}
}

// Disconnect tears down the session, clears any pending reconnect timer,
// and resets the backoff counter. Idempotent; a connect attempt in flight
// has its result discarded.
func (sc *SyncClient) Disconnect() {
	sc.mu.Lock()
	sc.gen++
	if sc.reconnectTimer != nil {
		sc.reconnectTimer.Stop()
		sc.reconnectTimer = nil
	}
	sess := sc.sess
	sc.sess = nil
	sc.attempt = 0
	sc.lastErr = ""
	changed := sc.state != StateDisconnected
	sc.state = StateDisconnected
	sc.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if changed {
		sc.disp.emitState(StateDisconnected)
	}
}

// IsConnected reports whether a live session is up.
func (sc *SyncClient) IsConnected() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == StateConnected
}

// State returns the current connection state.
func (sc *SyncClient) State() ConnState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Status returns a snapshot of the connection manager.
func (sc *SyncClient) Status() ConnStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return ConnStatus{State: sc.state, Attempt: sc.attempt, LastError: sc.lastErr}
}

func (sc *SyncClient) session() Session {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StateConnected {
		return nil
	}
	return sc.sess
}

// ============================================================================
// Reconnection
// ============================================================================

// backoffDelay is BaseDelay * 1.5^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
}

// scheduleReconnect counts a transport failure and arms the retry timer.
// After MaxAttempts consecutive failures it stops retrying: the layer stays
// disconnected and available for a future manual Connect.
func (sc *SyncClient) scheduleReconnect(gen int) {
	sc.mu.Lock()
	if sc.gen != gen {
		sc.mu.Unlock()
		return
	}
	sc.attempt++
	if sc.attempt > sc.cfg.MaxAttempts {
		changed := sc.state != StateDisconnected
		sc.state = StateDisconnected
		attempts := sc.attempt - 1
		sc.mu.Unlock()
		sc.log.Warn("real-time unavailable, continuing in degraded mode", "attempts", attempts)
		if changed {
			sc.disp.emitState(StateDisconnected)
		}
		return
	}
	attempt := sc.attempt
	delay := backoffDelay(sc.cfg.BaseDelay, attempt)
	changed := sc.state != StateReconnecting
	sc.state = StateReconnecting
	if sc.reconnectTimer != nil {
		sc.reconnectTimer.Stop()
	}
	sc.reconnectTimer = time.AfterFunc(delay, func() {
		sc.mu.Lock()
		stale := sc.gen != gen
		sc.mu.Unlock()
		if stale {
			return
		}
		sc.Connect(context.Background())
	})
	sc.mu.Unlock()

	sc.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	if changed {
		sc.disp.emitState(StateReconnecting)
	}
}

// ============================================================================
// Inbound pipeline
// ============================================================================

// readLoop processes inbound envelopes strictly in delivery order. A
// transport error on a still-current generation triggers the reconnect
// policy; on a stale generation the teardown was intentional.
func (sc *SyncClient) readLoop(sess Session, gen int) {
	for {
		env, err := sess.Receive(context.Background())
		if err != nil {
			sc.mu.Lock()
			stale := sc.gen != gen
			if !stale {
				sc.sess = nil
				sc.state = StateDisconnected
				sc.lastErr = err.Error()
			}
			sc.mu.Unlock()
			if stale {
				return
			}
			sc.disp.emitState(StateDisconnected)
			sc.scheduleReconnect(gen)
			return
		}
		sc.handleEnvelope(env)
	}
}

func (sc *SyncClient) handleEnvelope(env Envelope) {
	sc.disp.emitRaw(env)

	switch env.Type {
	case "message.new", "message":
		m, err := NormalizeMessage(env.Payload)
		if err != nil {
			sc.log.Warn("dropping malformed envelope", "type", env.Type, "err", err)
			return
		}
		sc.router.Tag(m)
		rep, outcome := sc.engine.Ingest(m)
		if outcome == IngestInserted || outcome == IngestPromoted {
			sc.disp.emitMessage(rep)
		}
	case "typing":
		ev, err := NormalizeTyping(env.Payload)
		if err != nil {
			sc.log.Warn("dropping malformed typing event", "err", err)
			return
		}
		sc.typing.SetTypingUsers(ev.RoomID, ev.UserIDs)
		sc.disp.emitTyping(*ev)
	}
}

// heartbeat pings the session periodically; a missed ack forces a close,
// which the read loop turns into a reconnect.
func (sc *SyncClient) heartbeat(sess Session, gen int) {
	ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		sc.mu.Lock()
		stale := sc.gen != gen || sc.sess != sess
		sc.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		_, err := sess.EmitWithAck(ctx, "ping", nil)
		cancel()
		if err != nil {
			sc.log.Warn("heartbeat failed, closing session", "err", err)
			sess.Close()
			return
		}
	}
}

// ============================================================================
// Outbound operations
// ============================================================================

// sendCommand is the live-session message send wire shape.
type sendCommand struct {
	RoomID string `json:"roomId"`
	SendPayload
}

// SendMessage sends body to the room through the optimistic send protocol,
// preferring the live session and falling back to the context's REST
// delivery path. It returns the message id the log converged on. Delivery
// failures are returned to the caller; they are the one error class that
// propagates, because the caller initiated the action.
func (sc *SyncClient) SendMessage(ctx context.Context, roomID, body string) (string, error) {
	tok, err := sc.creds.ValidCredential(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot authenticate: %w", err)
	}

	p := SendPayload{
		Body:        body,
		ContentKind: "text",
		BroadcastID: uuid.NewString(),
	}
	if sc.router.Classify(roomID).Shared() {
		p.Topic = DefaultTopic
	}

	deliver := func(ctx context.Context, p SendPayload) (*SendReceipt, error) {
		if sess := sc.session(); sess != nil {
			ack, err := sess.EmitWithAck(ctx, "message.send", &sendCommand{RoomID: roomID, SendPayload: p})
			if err == nil {
				var receipt SendReceipt
				if json.Unmarshal(ack, &receipt) == nil && receipt.ID != "" {
					return &receipt, nil
				}
				err = fmt.Errorf("send ack missing message id")
			}
			sc.log.Debug("live send failed, falling back to request path", "room", roomID, "err", err)
		}
		return sc.router.Route(roomID).Send(ctx, roomID, p)
	}

	m, inserted, err := sc.engine.Send(ctx, roomID, tok.UserID, p, deliver)
	if err != nil {
		return "", err
	}
	if inserted {
		sc.disp.emitMessage(m)
	}
	return m.ID(), nil
}

// SendTyping reports local typing activity. isTyping=true counts as a
// keystroke (debounced); false clears immediately.
func (sc *SyncClient) SendTyping(ctx context.Context, roomID string, isTyping bool) error {
	if isTyping {
		return sc.typing.Keystroke(roomID)
	}
	return sc.typing.Clear(roomID)
}

// sendTypingSignal is the tracker's transport: live session when connected,
// REST otherwise.
func (sc *SyncClient) sendTypingSignal(roomID string, isTyping bool) error {
	if sess := sc.session(); sess != nil {
		err := sess.Emit(context.Background(), "typing", map[string]any{
			"roomId":   roomID,
			"isTyping": isTyping,
		})
		if err == nil {
			return nil
		}
		sc.log.Debug("live typing signal failed, falling back", "room", roomID, "err", err)
	}
	return sc.api.Rooms.Typing(context.Background(), roomID, isTyping)
}

// DeleteMessage removes a message remotely and, on success, from the local
// room log. This is the only path that removes log entries.
func (sc *SyncClient) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	if err := sc.api.Rooms.DeleteMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	sc.engine.Delete(roomID, messageID)
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Messages returns the room's reconciled log, sorted by SentAt ascending.
func (sc *SyncClient) Messages(roomID string) []Message {
	return sc.engine.Messages(roomID)
}

// TypingUsers returns the participants currently typing in the room.
func (sc *SyncClient) TypingUsers(roomID string) []string {
	return sc.typing.TypingUsers(roomID)
}

// LoadMessages pages older history from the room's context API and merges
// it through the reconciliation engine. It returns the reconciled page and
// the next cursor.
func (sc *SyncClient) LoadMessages(ctx context.Context, roomID string, limit int, before string) ([]Message, string, error) {
	page, cursor, err := sc.router.Route(roomID).History(ctx, roomID, limit, before)
	if err != nil {
		return nil, "", err
	}
	out := make([]Message, 0, len(page))
	for i := range page {
		m := page[i]
		sc.router.Tag(&m)
		rep, outcome := sc.engine.Ingest(&m)
		if outcome == IngestInvalid {
			continue
		}
		out = append(out, rep)
	}
	return out, cursor, nil
}

// IsSecureRoom reports whether the room's channel is end-to-end secured,
// per the injected security collaborator. Without one, no room is secure.
func (sc *SyncClient) IsSecureRoom(roomID string) bool {
	if sc.cfg.Security == nil {
		return false
	}
	return sc.cfg.Security.SecureChannel(roomID)
}
