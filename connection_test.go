package loom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeSession is an in-memory Session: acks are canned per event type and
// inbound envelopes are pushed by the test.
type fakeSession struct {
	mu     sync.Mutex
	acks   map[string]json.RawMessage
	events []string

	inbound chan Envelope
	done    chan struct{}
	once    sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		acks:    make(map[string]json.RawMessage),
		inbound: make(chan Envelope, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeSession) record(event string) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeSession) sent(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeSession) Emit(ctx context.Context, event string, payload any) error {
	f.record(event)
	return nil
}

func (f *fakeSession) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	f.record(event)
	f.mu.Lock()
	ack, ok := f.acks[event]
	f.mu.Unlock()
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return ack, nil
}

func (f *fakeSession) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-f.inbound:
		return env, nil
	case <-f.done:
		return Envelope{}, ErrSessionClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (f *fakeSession) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSession) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func testToken() Token {
	return Token{Value: "tok-1", UserID: "me", ChatID: "chat-1"}
}

func testSync(factory SessionFactory, cfg Config) *SyncClient {
	creds := StaticCredentials{Token: testToken()}
	cfg.Logger = discardLogger()
	cfg.Dial = factory
	return NewSyncClient(NewClient(creds), creds, testMembership(), cfg)
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Reconnection policy
// ============================================================================

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
	}
	for i, w := range want {
		if got := backoffDelay(base, i+1); got != w {
			t.Errorf("backoffDelay(attempt %d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	var dials int32
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}
	sc := testSync(factory, Config{BaseDelay: time.Millisecond})

	ok, err := sc.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ok {
		t.Fatal("Connect reported success against a dead transport")
	}

	// The initial attempt plus five scheduled retries, then nothing.
	waitFor(t, "retries to exhaust", func() bool {
		return atomic.LoadInt32(&dials) == 6 && sc.State() == StateDisconnected
	})
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 6 {
		t.Fatalf("dials = %d, want 6", got)
	}
	if st := sc.Status(); st.LastError == "" {
		t.Fatal("status must retain the last transport error")
	}
}

func TestReconnectAfterReadError(t *testing.T) {
	var dials int32
	var first *fakeSession
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		s := newFakeSession()
		if atomic.AddInt32(&dials, 1) == 1 {
			first = s
		}
		return s, nil
	}
	sc := testSync(factory, Config{BaseDelay: time.Millisecond})
	defer sc.Disconnect()

	ok, err := sc.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("Connect = (%v, %v)", ok, err)
	}

	// Kill the transport under the client.
	first.Close()
	waitFor(t, "automatic reconnect", func() bool {
		return atomic.LoadInt32(&dials) == 2 && sc.IsConnected()
	})
	if sc.Status().Attempt != 0 {
		t.Fatal("successful reconnect must reset the backoff counter")
	}
}

// ============================================================================
// Connect semantics
// ============================================================================

func TestConnectWithoutChatIdentity(t *testing.T) {
	var dials int32
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeSession(), nil
	}
	creds := StaticCredentials{Token: Token{Value: "tok-1", UserID: "me"}}
	cfg := Config{Logger: discardLogger(), Dial: factory}
	sc := NewSyncClient(NewClient(creds), creds, testMembership(), cfg)

	ok, err := sc.Connect(context.Background())
	if err != nil {
		t.Fatalf("missing chat id must resolve benignly, got %v", err)
	}
	if ok {
		t.Fatal("Connect reported success without a chat identity")
	}
	if atomic.LoadInt32(&dials) != 0 {
		t.Fatal("no dial may happen without a chat identity")
	}
	if sc.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", sc.State())
	}
}

func TestConnectIdempotent(t *testing.T) {
	var dials int32
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeSession(), nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	for i := 0; i < 3; i++ {
		ok, err := sc.Connect(context.Background())
		if err != nil || !ok {
			t.Fatalf("Connect %d = (%v, %v)", i, ok, err)
		}
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestConnectCoalescesConcurrentCalls(t *testing.T) {
	var dials int32
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(50 * time.Millisecond)
		return newFakeSession(), nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := sc.Connect(context.Background())
			if err != nil {
				t.Errorf("Connect %d: %v", i, err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dials = %d, want 1 coalesced attempt", got)
	}
	for i, ok := range results {
		if !ok {
			t.Fatalf("caller %d missed the shared result", i)
		}
	}
}

func TestDisconnectDuringConnectDiscardsResult(t *testing.T) {
	sess := newFakeSession()
	started := make(chan struct{})
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		close(started)
		time.Sleep(80 * time.Millisecond)
		return sess, nil
	}
	sc := testSync(factory, Config{})

	done := make(chan bool, 1)
	go func() {
		ok, _ := sc.Connect(context.Background())
		done <- ok
	}()

	<-started
	sc.Disconnect()

	if ok := <-done; ok {
		t.Fatal("a connect crossing a disconnect must not report success")
	}
	if sc.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", sc.State())
	}
	if !sess.isClosed() {
		t.Fatal("the stale session must be closed")
	}
}

func TestConnectJoinsMemberRooms(t *testing.T) {
	sess := newFakeSession()
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return sess, nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	if ok, _ := sc.Connect(context.Background()); !ok {
		t.Fatal("Connect failed")
	}
	if got := sess.sent("room.join"); got != 4 {
		t.Fatalf("room.join sent %d times, want one per member room (4)", got)
	}
}

func TestConnectWithZeroRooms(t *testing.T) {
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return newFakeSession(), nil
	}
	creds := StaticCredentials{Token: testToken()}
	cfg := Config{Logger: discardLogger(), Dial: factory}
	sc := NewSyncClient(NewClient(creds), creds, StaticMembership{}, cfg)
	defer sc.Disconnect()

	ok, err := sc.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("an empty room list must still connect, got (%v, %v)", ok, err)
	}
}

func TestDialFailureStateSequence(t *testing.T) {
	var dials int32
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}
	sc := testSync(factory, Config{BaseDelay: time.Millisecond})

	var mu sync.Mutex
	var states []ConnState
	sc.OnConnectionChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	sc.Connect(context.Background())
	waitFor(t, "retries to exhaust", func() bool {
		return atomic.LoadInt32(&dials) == 6 && sc.State() == StateDisconnected
	})
	time.Sleep(50 * time.Millisecond)

	// One Reconnecting emission for the whole retry sequence; Disconnected
	// only once the attempts are exhausted, never in between.
	mu.Lock()
	defer mu.Unlock()
	want := []ConnState{StateConnecting, StateReconnecting, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestConnectionStateTransitions(t *testing.T) {
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return newFakeSession(), nil
	}
	sc := testSync(factory, Config{})

	var mu sync.Mutex
	var states []ConnState
	sc.OnConnectionChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	sc.Connect(context.Background())
	sc.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []ConnState{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

// ============================================================================
// Inbound pipeline
// ============================================================================

func TestInboundMessagePipeline(t *testing.T) {
	sess := newFakeSession()
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return sess, nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	got := make(chan Message, 1)
	sc.OnMessage(func(m Message) { got <- m })

	if ok, _ := sc.Connect(context.Background()); !ok {
		t.Fatal("Connect failed")
	}

	sess.inbound <- Envelope{
		Type:    "message.new",
		Payload: json.RawMessage(`{"eventId":"$p1","roomId":"grp-1","sender":"alice","body":"hi","sentAt":1000}`),
	}

	select {
	case m := <-got:
		if m.FinalID != "$p1" || m.Sender != "alice" {
			t.Fatalf("unexpected message: %+v", m)
		}
		if m.Topic != DefaultTopic {
			t.Fatalf("shared-context message topic = %q, want %q", m.Topic, DefaultTopic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	log := sc.Messages("grp-1")
	if len(log) != 1 || log[0].ID() != "$p1" {
		t.Fatalf("unexpected room log: %+v", log)
	}

	// A redelivery of the same event is absorbed silently.
	sess.inbound <- Envelope{
		Type:    "message.new",
		Payload: json.RawMessage(`{"eventId":"$p1","roomId":"grp-1","sender":"alice","body":"hi","sentAt":1000}`),
	}
	sess.inbound <- Envelope{
		Type:    "message.new",
		Payload: json.RawMessage(`{"eventId":"$p2","roomId":"grp-1","sender":"bob","body":"yo","sentAt":99000}`),
	}
	<-got
	if got := len(sc.Messages("grp-1")); got != 2 {
		t.Fatalf("room log length = %d, want 2", got)
	}
}

func TestInboundMalformedEnvelopeDropped(t *testing.T) {
	sess := newFakeSession()
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return sess, nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	if ok, _ := sc.Connect(context.Background()); !ok {
		t.Fatal("Connect failed")
	}

	sess.inbound <- Envelope{Type: "message.new", Payload: json.RawMessage(`{"body":"no ids"}`)}
	sess.inbound <- Envelope{
		Type:    "message.new",
		Payload: json.RawMessage(`{"eventId":"$ok","roomId":"room-1","sender":"a","body":"fine","sentAt":1}`),
	}

	waitFor(t, "well-formed message after malformed one", func() bool {
		return len(sc.Messages("room-1")) == 1
	})
}

func TestInboundTypingUpdatesSet(t *testing.T) {
	sess := newFakeSession()
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return sess, nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	if ok, _ := sc.Connect(context.Background()); !ok {
		t.Fatal("Connect failed")
	}

	sess.inbound <- Envelope{Type: "typing", Payload: json.RawMessage(`{"roomId":"grp-1","userIds":["bob","alice"]}`)}
	waitFor(t, "typing set update", func() bool {
		return len(sc.TypingUsers("grp-1")) == 2
	})

	sess.inbound <- Envelope{Type: "typing", Payload: json.RawMessage(`{"roomId":"grp-1","userIds":[]}`)}
	waitFor(t, "typing set cleared", func() bool {
		return len(sc.TypingUsers("grp-1")) == 0
	})
}

func TestRawEventHandler(t *testing.T) {
	sess := newFakeSession()
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return sess, nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	var seen int32
	id := sc.AddEventHandler(func(env Envelope) { atomic.AddInt32(&seen, 1) })

	if ok, _ := sc.Connect(context.Background()); !ok {
		t.Fatal("Connect failed")
	}

	sess.inbound <- Envelope{Type: "presence", Payload: json.RawMessage(`{}`)}
	waitFor(t, "raw handler", func() bool { return atomic.LoadInt32(&seen) == 1 })

	sc.RemoveEventHandler(id)
	sess.inbound <- Envelope{Type: "presence", Payload: json.RawMessage(`{}`)}
	sess.inbound <- Envelope{
		Type:    "message.new",
		Payload: json.RawMessage(`{"eventId":"$sync","roomId":"room-1","sender":"a","body":"x","sentAt":1}`),
	}
	waitFor(t, "pipeline drain", func() bool { return len(sc.Messages("room-1")) == 1 })
	if got := atomic.LoadInt32(&seen); got != 1 {
		t.Fatalf("removed handler invoked %d times, want 1", got)
	}
}

// ============================================================================
// Outbound operations
// ============================================================================

func TestSendMessageOverLiveSession(t *testing.T) {
	sess := newFakeSession()
	sess.acks["message.send"] = json.RawMessage(`{"id":"$live-1"}`)
	factory := func(ctx context.Context, endpoint string, tok Token) (Session, error) {
		return sess, nil
	}
	sc := testSync(factory, Config{})
	defer sc.Disconnect()

	if ok, _ := sc.Connect(context.Background()); !ok {
		t.Fatal("Connect failed")
	}

	id, err := sc.SendMessage(context.Background(), "grp-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "$live-1" {
		t.Fatalf("id = %q, want $live-1", id)
	}
	if sess.sent("message.send") != 1 {
		t.Fatal("send did not use the live session")
	}

	log := sc.Messages("grp-1")
	if len(log) != 1 || !log[0].IsOptimistic || log[0].Topic != DefaultTopic {
		t.Fatalf("unexpected optimistic entry: %+v", log)
	}
}

func TestSendMessageFallsBackToREST(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true,"data":{"id":"$rest-1"}}`))
	}))
	defer srv.Close()

	creds := StaticCredentials{Token: testToken()}
	api := NewClient(creds, WithBaseURL(srv.URL))
	cfg := Config{Logger: discardLogger()}
	sc := NewSyncClient(api, creds, testMembership(), cfg)

	// Never connected: the send must take the context's request path.
	id, err := sc.SendMessage(context.Background(), "room-1", "offline hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "$rest-1" {
		t.Fatalf("id = %q, want $rest-1", id)
	}
	if gotPath != "/api/chat/rooms/room-1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if got := len(sc.Messages("room-1")); got != 1 {
		t.Fatalf("room log length = %d, want 1", got)
	}
}

type failingCredentials struct{ err error }

func (f failingCredentials) ValidCredential(ctx context.Context) (Token, error) {
	return Token{}, f.err
}

func TestSendMessageCredentialError(t *testing.T) {
	wantErr := errors.New("token refresh failed")
	creds := failingCredentials{err: wantErr}
	sc := NewSyncClient(NewClient(creds), creds, testMembership(), Config{Logger: discardLogger()})

	_, err := sc.SendMessage(context.Background(), "room-1", "hello")
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want the credential error", err)
	}
	if got := len(sc.Messages("room-1")); got != 0 {
		t.Fatalf("room log length = %d, want 0 after a failed send", got)
	}
}

func TestSendTypingOverREST(t *testing.T) {
	type signal struct {
		path     string
		isTyping bool
	}
	signals := make(chan signal, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IsTyping bool `json:"isTyping"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		signals <- signal{path: r.URL.Path, isTyping: body.IsTyping}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	creds := StaticCredentials{Token: testToken()}
	api := NewClient(creds, WithBaseURL(srv.URL))
	sc := NewSyncClient(api, creds, testMembership(), Config{Logger: discardLogger()})

	if err := sc.SendTyping(context.Background(), "room-1", true); err != nil {
		t.Fatalf("SendTyping(true): %v", err)
	}
	if err := sc.SendTyping(context.Background(), "room-1", false); err != nil {
		t.Fatalf("SendTyping(false): %v", err)
	}

	start := <-signals
	stop := <-signals
	if start.path != "/api/chat/rooms/room-1/typing" || !start.isTyping {
		t.Fatalf("start signal = %+v", start)
	}
	if stop.isTyping {
		t.Fatalf("stop signal = %+v", stop)
	}
}

func TestDeleteMessage(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	creds := StaticCredentials{Token: testToken()}
	api := NewClient(creds, WithBaseURL(srv.URL))
	sc := NewSyncClient(api, creds, testMembership(), Config{Logger: discardLogger()})

	sc.engine.Ingest(msg("room-1", "a", "bye", "$del-1", 1000))

	if err := sc.DeleteMessage(context.Background(), "room-1", "$del-1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if gotMethod != "DELETE" || gotPath != "/api/chat/rooms/room-1/messages/$del-1" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if got := len(sc.Messages("room-1")); got != 0 {
		t.Fatalf("room log length = %d, want 0 after delete", got)
	}
}

func TestLoadMessagesMergesHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"ok": true,
			"data": [
				{"eventId":"$h1","roomId":"room-1","sender":"a","body":"old","sentAt":1000},
				{"eventId":"$h2","roomId":"room-1","sender":"b","body":"older","sentAt":500}
			],
			"meta": {"nextCursor": "cur-2"}
		}`))
	}))
	defer srv.Close()

	creds := StaticCredentials{Token: testToken()}
	api := NewClient(creds, WithBaseURL(srv.URL))
	sc := NewSyncClient(api, creds, testMembership(), Config{Logger: discardLogger()})

	// $h1 is already known from the live path; history must not duplicate it.
	sc.engine.Ingest(msg("room-1", "a", "old", "$h1", 1000))

	page, cursor, err := sc.LoadMessages(context.Background(), "room-1", 10, "")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d, want 2", len(page))
	}
	if cursor != "cur-2" {
		t.Fatalf("cursor = %q, want cur-2", cursor)
	}

	log := sc.Messages("room-1")
	if len(log) != 2 {
		t.Fatalf("room log length = %d, want 2", len(log))
	}
	if log[0].ID() != "$h2" || log[1].ID() != "$h1" {
		t.Fatalf("room log out of order: %+v", log)
	}
}

func TestLoadMessagesReturnsReconciledEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"ok": true,
			"data": [
				{"eventId":"$h9","roomId":"room-1","sender":"me","body":"draft","sentAt":1000}
			]
		}`))
	}))
	defer srv.Close()

	creds := StaticCredentials{Token: testToken()}
	api := NewClient(creds, WithBaseURL(srv.URL))
	sc := NewSyncClient(api, creds, testMembership(), Config{Logger: discardLogger()})

	// A local placeholder for the same message, not yet confirmed.
	opt := msg("room-1", "me", "draft", "~opt-1", 1000)
	opt.IsOptimistic = true
	sc.engine.Ingest(opt)

	page, _, err := sc.LoadMessages(context.Background(), "room-1", 10, "")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page length = %d, want 1", len(page))
	}
	if page[0].ID() != "$h9" || page[0].IsOptimistic {
		t.Fatalf("page entry must be the promoted representative, got %+v", page[0])
	}

	log := sc.Messages("room-1")
	if len(log) != 1 || log[0].ID() != "$h9" || log[0].IsOptimistic {
		t.Fatalf("unexpected room log: %+v", log)
	}
}

type staticSecurity struct{ secure map[string]bool }

func (s staticSecurity) SecureChannel(roomID string) bool { return s.secure[roomID] }

func TestIsSecureRoom(t *testing.T) {
	creds := StaticCredentials{Token: testToken()}
	api := NewClient(creds)

	t.Run("with provider", func(t *testing.T) {
		cfg := Config{
			Logger:   discardLogger(),
			Security: staticSecurity{secure: map[string]bool{"dm-1": true}},
		}
		sc := NewSyncClient(api, creds, testMembership(), cfg)
		if !sc.IsSecureRoom("dm-1") {
			t.Fatal("dm-1 must report secure")
		}
		if sc.IsSecureRoom("grp-1") {
			t.Fatal("grp-1 must not report secure")
		}
	})

	t.Run("without provider", func(t *testing.T) {
		sc := NewSyncClient(api, creds, testMembership(), Config{Logger: discardLogger()})
		if sc.IsSecureRoom("dm-1") {
			t.Fatal("no provider means no room is secure")
		}
	})
}
