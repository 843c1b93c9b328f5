package loom

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Boundary normalization
// ============================================================================

// Upstream deployments disagree on field naming (snake_case vs camelCase)
// and on which timestamp field is present. All accepted shapes are folded
// into the canonical Message here, at the boundary, so the rest of the
// system only ever sees one shape.

// knownMessageKeys are consumed during normalization; everything else is
// preserved opaquely in Message.Extra.
var knownMessageKeys = map[string]bool{
	"eventId": true, "event_id": true, "id": true,
	"roomId": true, "room_id": true,
	"sender": true, "senderId": true, "sender_id": true,
	"body": true, "content": true,
	"contentKind": true, "content_kind": true, "type": true,
	"topic": true,
	"sentAt": true, "sent_at": true, "originServerTs": true, "origin_server_ts": true, "timestamp": true,
	"clientTag": true, "client_tag": true,
	"bcastId": true, "bcast_id": true, "broadcastId": true, "broadcast_id": true,
}

// NormalizeMessage maps a raw inbound payload into the canonical Message.
// It returns ErrMalformedMessage when the payload lacks a room identifier
// or any message identifier; callers log and drop such envelopes.
func NormalizeMessage(payload json.RawMessage) (*Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	id := firstStr(raw, "eventId", "event_id", "id")
	roomID := firstStr(raw, "roomId", "room_id")
	if roomID == "" || id == "" {
		return nil, fmt.Errorf("%w: missing room or event id", ErrMalformedMessage)
	}

	m := &Message{
		RoomID:      roomID,
		Sender:      firstStr(raw, "sender", "senderId", "sender_id"),
		Body:        firstStr(raw, "body", "content"),
		ContentKind: firstStr(raw, "contentKind", "content_kind", "type"),
		Topic:       firstStr(raw, "topic"),
		SentAt:      firstMillis(raw, "sentAt", "sent_at", "originServerTs", "origin_server_ts", "timestamp"),
		ClientTag:   firstStr(raw, "clientTag", "client_tag"),
		BroadcastID: firstStr(raw, "bcastId", "bcast_id", "broadcastId", "broadcast_id"),
	}
	if IsProvisionalID(id) {
		m.ProvisionalID = id
	} else {
		m.FinalID = id
	}
	if m.ContentKind == "" {
		m.ContentKind = "text"
	}
	if m.SentAt == 0 {
		m.SentAt = time.Now().UnixMilli()
	}

	for k, v := range raw {
		if knownMessageKeys[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return m, nil
}

// NormalizeTyping decodes an inbound typing payload, accepting both naming
// conventions for the room id and user list.
func NormalizeTyping(payload json.RawMessage) (*TypingEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	roomID := firstStr(raw, "roomId", "room_id")
	if roomID == "" {
		return nil, fmt.Errorf("%w: missing room id", ErrMalformedMessage)
	}
	ev := &TypingEvent{RoomID: roomID}
	for _, key := range []string{"userIds", "user_ids", "typing"} {
		if list, ok := raw[key].([]any); ok {
			for _, u := range list {
				if s, ok := u.(string); ok {
					ev.UserIDs = append(ev.UserIDs, s)
				}
			}
			break
		}
	}
	return ev, nil
}

// ============================================================================
// Helpers
// ============================================================================

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// firstMillis reads a millisecond timestamp that may arrive as a JSON
// number or a numeric string.
func firstMillis(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v > 0 {
				return int64(v)
			}
		case string:
			var n int64
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
