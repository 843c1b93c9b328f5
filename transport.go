package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Session interface
// ============================================================================

// Session is one live bidirectional connection to the chat service. The
// connection manager treats it as "send an envelope, get an optional ack;
// receive a stream of inbound envelopes".
type Session interface {
	// Emit sends an envelope without waiting for acknowledgement.
	Emit(ctx context.Context, event string, payload any) error
	// EmitWithAck sends an envelope and waits for the server ack payload.
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Receive blocks for the next inbound envelope. It returns
	// ErrSessionClosed (possibly wrapped) once the session is down.
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// SessionFactory dials a live session from resolved endpoint and credential
// parameters. The default factory dials a WebSocket; tests substitute fakes.
type SessionFactory func(ctx context.Context, endpoint string, tok Token) (Session, error)

// ============================================================================
// WebSocket session
// ============================================================================

const ackTimeout = 10 * time.Second

// ackEnvelope is the server acknowledgement wire shape.
type ackEnvelope struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type wsSession struct {
	conn *websocket.Conn

	mu      sync.Mutex
	seq     int
	pending map[string]chan json.RawMessage
	closed  bool

	inbound  chan Envelope
	readDone chan struct{}
	readErr  error
}

// DialSession establishes a WebSocket session against the chat endpoint.
func DialSession(ctx context.Context, endpoint string, tok Token) (Session, error) {
	wsURL := strings.Replace(endpoint, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + tok.Value + "&chatId=" + tok.ChatID

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &wsSession{
		conn:     conn,
		pending:  make(map[string]chan json.RawMessage),
		inbound:  make(chan Envelope, 64),
		readDone: make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

// readPump reads frames, resolves pending acks, and forwards everything
// else to the inbound channel in strict delivery order.
func (s *wsSession) readPump() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			if s.readErr == nil {
				s.readErr = fmt.Errorf("%w: %v", ErrSessionClosed, err)
			}
			for id, ch := range s.pending {
				close(ch)
				delete(s.pending, id)
			}
			s.mu.Unlock()
			close(s.inbound)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "ack" {
			var ack ackEnvelope
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				s.mu.Lock()
				ch, ok := s.pending[ack.RequestID]
				if ok {
					delete(s.pending, ack.RequestID)
				}
				s.mu.Unlock()
				if ok {
					ch <- ack.Data
				}
			}
			continue
		}

		s.inbound <- env
	}
}

func (s *wsSession) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(&Command{Type: event, Payload: payload})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSession) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	s.seq++
	requestID := fmt.Sprintf("req-%d", s.seq)
	ch := make(chan json.RawMessage, 1)
	s.pending[requestID] = ch
	s.mu.Unlock()

	data, err := json.Marshal(&Command{Type: event, Payload: payload, RequestID: requestID})
	if err == nil {
		err = s.conn.Write(ctx, websocket.MessageText, data)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return ack, nil
	case <-time.After(ackTimeout):
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return nil, fmt.Errorf("ack timeout for %s", event)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *wsSession) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-s.inbound:
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			if err == nil {
				err = ErrSessionClosed
			}
			return Envelope{}, err
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.readErr == nil {
		s.readErr = ErrSessionClosed
	}
	s.mu.Unlock()
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
