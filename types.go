package loom

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Sentinel errors for reconciliation and transport conditions.
var (
	// ErrMalformedMessage indicates an inbound envelope without a usable
	// room or message identifier.
	ErrMalformedMessage = errors.New("malformed message payload")

	// ErrNotConnected indicates an operation that requires a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionClosed indicates the transport session has been torn down.
	ErrSessionClosed = errors.New("session closed")
)

// ============================================================================
// Message
// ============================================================================

// provisionalPrefix syntactically distinguishes temporary identifiers from
// durable ones assigned by the homeserver.
const provisionalPrefix = "~"

// IsProvisionalID reports whether id is a temporary identifier assigned
// before the message was durably confirmed.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Message is the canonical internal representation of a single chat event.
// Every accepted wire shape is mapped into this type at the boundary; the
// reconciliation engine never sees raw payloads.
type Message struct {
	// ProvisionalID and FinalID: at most one is authoritative at a time.
	// A message begins life with only a provisional id and is promoted in
	// place when the final id arrives.
	ProvisionalID string `json:"provisionalId,omitempty"`
	FinalID       string `json:"finalId,omitempty"`

	RoomID      string `json:"roomId"`
	Sender      string `json:"sender"`
	Body        string `json:"body"`
	ContentKind string `json:"contentKind"`
	Topic       string `json:"topic,omitempty"`

	// SentAt is the server-reported or locally generated timestamp in
	// milliseconds.
	SentAt int64 `json:"sentAt"`

	// ClientTag is a client-generated idempotency hint attached to
	// optimistic sends. Used only for local matching.
	ClientTag string `json:"clientTag,omitempty"`

	// BroadcastID deduplicates a locally originated send from its own echo.
	BroadcastID string `json:"bcastId,omitempty"`

	// IsOptimistic is true while the message is a local placeholder
	// awaiting confirmation.
	IsOptimistic bool `json:"isOptimistic,omitempty"`

	// Extra preserves unrecognized payload fields opaquely.
	Extra map[string]any `json:"extra,omitempty"`
}

// ID returns the authoritative identifier: the final id once assigned,
// otherwise the provisional one.
func (m *Message) ID() string {
	if m.FinalID != "" {
		return m.FinalID
	}
	return m.ProvisionalID
}

// ============================================================================
// Contexts
// ============================================================================

// ContextKind is the logical conversation category a room belongs to.
type ContextKind string

const (
	ContextDirect ContextKind = "direct"
	ContextGroup  ContextKind = "group"
	ContextEvent  ContextKind = "event"
	ContextRoom   ContextKind = "room"
)

// Shared reports whether the context is a shared (non 1:1) discussion.
func (k ContextKind) Shared() bool {
	return k != ContextDirect
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState represents the connection state of the sync layer.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnStatus is a point-in-time snapshot of the connection manager.
type ConnStatus struct {
	State     ConnState `json:"state"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`
}

// ============================================================================
// Wire envelopes
// ============================================================================

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server envelope. RequestID correlates the server
// acknowledgement when one is requested.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// TypingEvent is the decoded inbound typing payload. UserIDs is always the
// complete current set for the room, never a delta.
type TypingEvent struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

// SendPayload is the body of an outbound message send, over either the live
// session or the REST fallback.
type SendPayload struct {
	Body        string         `json:"body"`
	ContentKind string         `json:"contentKind"`
	Topic       string         `json:"topic,omitempty"`
	BroadcastID string         `json:"bcastId,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SendReceipt is the server response to a message send.
type SendReceipt struct {
	ID string `json:"id"`
}

// ============================================================================
// External collaborators
// ============================================================================

// Token is an opaque credential plus the identity it authenticates.
type Token struct {
	Value string `json:"value"`
	// UserID is the authenticated application identity.
	UserID string `json:"userId"`
	// ChatID is the identity's remote-chat identifier, required to
	// provision a real-time channel.
	ChatID string `json:"chatId"`
}

// CredentialProvider supplies a valid credential, transparently refreshing
// when needed. Any failure is treated as "cannot authenticate now", never
// as fatal.
type CredentialProvider interface {
	ValidCredential(ctx context.Context) (Token, error)
}

// MembershipSnapshot is a read-only view of the authenticated identity's
// room membership. Classification consults it on every call because
// membership can change during a session.
type MembershipSnapshot interface {
	IsDirectRoom(roomID string) bool
	IsGroupRoom(roomID string) bool
	IsEventRoom(roomID string) bool
	// Rooms lists every room the identity currently belongs to, for the
	// join handshake on connect.
	Rooms() []string
}

// SecurityProvider answers whether a room's channel is end-to-end secured.
// Key management itself lives elsewhere.
type SecurityProvider interface {
	SecureChannel(roomID string) bool
}

// StaticCredentials is a CredentialProvider backed by a fixed token.
type StaticCredentials struct {
	Token Token
}

func (s StaticCredentials) ValidCredential(ctx context.Context) (Token, error) {
	return s.Token, nil
}

// StaticMembership is a MembershipSnapshot backed by fixed room lists.
type StaticMembership struct {
	Direct  []string
	Group   []string
	Event   []string
	Generic []string
}

func (s StaticMembership) IsDirectRoom(roomID string) bool { return containsStr(s.Direct, roomID) }
func (s StaticMembership) IsGroupRoom(roomID string) bool  { return containsStr(s.Group, roomID) }
func (s StaticMembership) IsEventRoom(roomID string) bool  { return containsStr(s.Event, roomID) }

func (s StaticMembership) Rooms() []string {
	var all []string
	all = append(all, s.Direct...)
	all = append(all, s.Group...)
	all = append(all, s.Event...)
	all = append(all, s.Generic...)
	return all
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
