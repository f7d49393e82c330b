// Package rest talks to the persistence API the messaging core depends on:
// paginated history, conversation listing, and message sends. It owns no
// state; the conversation store caches whatever it returns.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds REST client settings.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client is a thin JSON client over the persistence API.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient creates a new REST client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
	}
}

// APIError is a non-2xx response from the persistence API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// UserRef is an immutable snapshot of a user, refreshed by profile lookups
// elsewhere.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Message is a confirmed message as the API returns it.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// ConversationSummary is one entry of the conversation list.
type ConversationSummary struct {
	Partner     UserRef  `json:"partner"`
	LastMessage *Message `json:"lastMessage"`
}

// SendRequest is the payload for POST /messages.
type SendRequest struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

// Uploader abstracts the media upload collaborator: it stores a blob and
// returns the URL to embed in a message.
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// History fetches a page of confirmed messages with the given partner,
// newest window below beforeTs (0 means now).
func (c *Client) History(ctx context.Context, partnerID string, beforeTs int64, limit int) ([]Message, error) {
	q := url.Values{}
	if beforeTs > 0 {
		q.Set("before", strconv.FormatInt(beforeTs, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []Message
	if err := c.get(ctx, "/messages/"+url.PathEscape(partnerID), q, &msgs); err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", partnerID, err)
	}
	return msgs, nil
}

// Conversations fetches the conversation list with last messages.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var convs []ConversationSummary
	if err := c.get(ctx, "/chats", nil, &convs); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return convs, nil
}

// Send persists an outgoing message and returns the confirmed record with
// its server-assigned id and timestamp.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &msg, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
