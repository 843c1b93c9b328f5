// Package loom provides the Go client for the Loom federated chat service.
//
// It keeps a local, per-room ordered message log consistent across three
// concurrent arrival paths: locally issued optimistic messages, live push
// events, and duplicate deliveries across reconnect or retry.
//
// Example:
//
//	api := loom.NewClient(creds)
//	sync := loom.NewSyncClient(api, creds, membership, loom.Config{})
//
//	ok, _ := sync.Connect(ctx)
//	if ok {
//		sync.OnMessage(func(m loom.Message) { fmt.Println(m.Sender, m.Body) })
//		sync.SendMessage(ctx, "room-1", "hello")
//	}
package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chat.loomchat.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Loom chat API. It carries the per-context
// delivery paths used as fallback when no live session is available and as
// the history backend for pagination.
type Client struct {
	baseURL    string
	userAgent  string
	creds      CredentialProvider
	httpClient *http.Client

	Direct *DirectClient
	Groups *GroupsClient
	Events *EventsClient
	Rooms  *RoomsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new Loom REST client. Credentials are resolved per
// request through the provider, so token refresh is transparent.
func NewClient(creds CredentialProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Direct = &DirectClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Events = &EventsClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		tok, err := c.creds.ValidCredential(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot authenticate: %w", err)
		}
		if tok.Value != "" {
			req.Header.Set("Authorization", "Bearer "+tok.Value)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Delivery paths
// ============================================================================

// Sender is one context's delivery path: a plain request/response transport
// used as the sole path or as fallback when the live session is down, plus
// that context's history API.
type Sender interface {
	Send(ctx context.Context, roomID string, p SendPayload) (*SendReceipt, error)
	History(ctx context.Context, roomID string, limit int, before string) ([]Message, string, error)
}

// sendTo posts a message to a context path and decodes the receipt.
func (c *Client) sendTo(ctx context.Context, path, roomID string, p SendPayload) (*SendReceipt, error) {
	res, err := c.do(ctx, "POST", path, p, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("send to %s rejected", roomID)
	}
	var receipt SendReceipt
	if err := res.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	if receipt.ID == "" {
		return nil, fmt.Errorf("send to %s returned no message id", roomID)
	}
	return &receipt, nil
}

// historyFrom pages a context's history API. Each raw entry is normalized
// into the canonical Message; entries without identifiers are skipped.
func (c *Client) historyFrom(ctx context.Context, path string, limit int, before string) ([]Message, string, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	if before != "" {
		query["before"] = before
	}
	res, err := c.do(ctx, "GET", path, nil, query)
	if err != nil {
		return nil, "", err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, "", res.Error
		}
		return nil, "", fmt.Errorf("history request failed")
	}

	var raw []json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return nil, "", fmt.Errorf("failed to decode history: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, entry := range raw {
		m, err := NormalizeMessage(entry)
		if err != nil {
			continue
		}
		msgs = append(msgs, *m)
	}

	cursor := ""
	if res.Meta != nil {
		if next, ok := res.Meta["nextCursor"].(string); ok {
			cursor = next
		}
	}
	return msgs, cursor, nil
}

// DirectClient delivers to 1:1 conversations.
type DirectClient struct{ c *Client }

func (d *DirectClient) Send(ctx context.Context, roomID string, p SendPayload) (*SendReceipt, error) {
	return d.c.sendTo(ctx, "/api/chat/direct/"+roomID+"/messages", roomID, p)
}

func (d *DirectClient) History(ctx context.Context, roomID string, limit int, before string) ([]Message, string, error) {
	return d.c.historyFrom(ctx, "/api/chat/direct/"+roomID+"/messages", limit, before)
}

// GroupsClient delivers to shared group discussions.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) Send(ctx context.Context, roomID string, p SendPayload) (*SendReceipt, error) {
	return g.c.sendTo(ctx, "/api/chat/groups/"+roomID+"/messages", roomID, p)
}

func (g *GroupsClient) History(ctx context.Context, roomID string, limit int, before string) ([]Message, string, error) {
	return g.c.historyFrom(ctx, "/api/chat/groups/"+roomID+"/messages", limit, before)
}

// EventsClient delivers to event discussions.
type EventsClient struct{ c *Client }

func (e *EventsClient) Send(ctx context.Context, roomID string, p SendPayload) (*SendReceipt, error) {
	return e.c.sendTo(ctx, "/api/chat/events/"+roomID+"/messages", roomID, p)
}

func (e *EventsClient) History(ctx context.Context, roomID string, limit int, before string) ([]Message, string, error) {
	return e.c.historyFrom(ctx, "/api/chat/events/"+roomID+"/messages", limit, before)
}

// RoomsClient delivers to generic rooms and carries the room-scoped
// operations that are not context specific.
type RoomsClient struct{ c *Client }

func (r *RoomsClient) Send(ctx context.Context, roomID string, p SendPayload) (*SendReceipt, error) {
	return r.c.sendTo(ctx, "/api/chat/rooms/"+roomID+"/messages", roomID, p)
}

func (r *RoomsClient) History(ctx context.Context, roomID string, limit int, before string) ([]Message, string, error) {
	return r.c.historyFrom(ctx, "/api/chat/rooms/"+roomID+"/messages", limit, before)
}

// Typing posts a typing signal over REST. Used when no live session is up.
func (r *RoomsClient) Typing(ctx context.Context, roomID string, isTyping bool) error {
	res, err := r.c.do(ctx, "POST", "/api/chat/rooms/"+roomID+"/typing", map[string]any{
		"isTyping": isTyping,
	}, nil)
	if err != nil {
		return err
	}
	if !res.OK && res.Error != nil {
		return res.Error
	}
	return nil
}

// DeleteMessage deletes a message from a room.
func (r *RoomsClient) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	res, err := r.c.do(ctx, "DELETE", "/api/chat/rooms/"+roomID+"/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !res.OK && res.Error != nil {
		return res.Error
	}
	return nil
}
