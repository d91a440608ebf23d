package expertdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal expertdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Conversation struct {
	ID                     string  `json:"id"`
	Title                  string  `json:"title"`
	Status                 string  `json:"status"`
	QuestionerID           string  `json:"questioner_id"`
	QuestionerUsername     string  `json:"questioner_username"`
	AssignedExpertID       *string `json:"assigned_expert_id,omitempty"`
	AssignedExpertUsername *string `json:"assigned_expert_username,omitempty"`
	CreatedAt              string  `json:"created_at"`
	UpdatedAt              string  `json:"updated_at"`
	LastMessageAt          *string `json:"last_message_at,omitempty"`
	UnreadCount            int     `json:"unread_count"`
	Version                int64   `json:"version"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderRole     string `json:"sender_role"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
}

// Assignment is one entry of a conversation's assignment ledger.
type Assignment struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	ExpertID       string  `json:"expert_id"`
	AssignedAt     string  `json:"assigned_at"`
	UnassignedAt   *string `json:"unassigned_at,omitempty"`
	Status         string  `json:"status"`
	Seq            int     `json:"seq"`
}

type Queue struct {
	Waiting  []Conversation `json:"waiting_conversations"`
	Assigned []Conversation `json:"assigned_conversations"`
}

// Transition is returned by claim, unclaim and resolve.
type Transition struct {
	Conversation Conversation `json:"conversation"`
	Assignment   Assignment   `json:"assignment"`
}

type ExpertProfile struct {
	ID                 string   `json:"id"`
	UserID             string   `json:"user_id"`
	Bio                string   `json:"bio"`
	KnowledgeBaseLinks []string `json:"knowledge_base_links"`
	UpdatedAt          string   `json:"updated_at"`
}

// ProfileUpdate leaves nil fields unchanged.
type ProfileUpdate struct {
	Bio                *string   `json:"bio,omitempty"`
	KnowledgeBaseLinks *[]string `json:"knowledge_base_links,omitempty"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
	AuthSource   string `json:"auth_source"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ConversationPage struct {
	Items      []Conversation `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's machine-readable
// error code, e.g. already_claimed or not_owner.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// ListConversations lists the caller's conversations, newest first. Pass
// the previous page's NextCursor to continue.
func (c *Client) ListConversations(ctx context.Context, status string, limit int, cursor string) (ConversationPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp ConversationPage
	err := c.do(ctx, http.MethodGet, withQuery("conversations", q), nil, &resp)
	return resp, err
}

func (c *Client) CreateConversation(ctx context.Context, title, initialMessage string) (Conversation, error) {
	body := map[string]any{"title": title}
	if initialMessage != "" {
		body["initial_message"] = initialMessage
	}
	var resp Conversation
	err := c.do(ctx, http.MethodPost, "conversations", body, &resp)
	return resp, err
}

func (c *Client) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var resp Conversation
	err := c.do(ctx, http.MethodGet, "conversations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp struct {
		Items []Message `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "conversations/"+url.PathEscape(conversationID)+"/messages", nil, &resp)
	return resp.Items, err
}

// AssignmentHistory returns a conversation's ledger, oldest first.
func (c *Client) AssignmentHistory(ctx context.Context, conversationID string) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "conversations/"+url.PathEscape(conversationID)+"/assignments", nil, &resp)
	return resp.Items, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	body := map[string]any{
		"conversation_id": conversationID,
		"content":         content,
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, "messages", body, &resp)
	return resp, err
}

func (c *Client) MarkMessageRead(ctx context.Context, messageID string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, "messages/"+url.PathEscape(messageID)+"/read", nil, &resp)
	return resp, err
}

func (c *Client) ExpertQueue(ctx context.Context) (Queue, error) {
	var resp Queue
	err := c.do(ctx, http.MethodGet, "expert/queue", nil, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, conversationID string) (Transition, error) {
	return c.transition(ctx, conversationID, "claim")
}

func (c *Client) Unclaim(ctx context.Context, conversationID string) (Transition, error) {
	return c.transition(ctx, conversationID, "unclaim")
}

func (c *Client) Resolve(ctx context.Context, conversationID string) (Transition, error) {
	return c.transition(ctx, conversationID, "resolve")
}

func (c *Client) transition(ctx context.Context, conversationID, op string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, "expert/conversations/"+url.PathEscape(conversationID)+"/"+op, nil, &resp)
	return resp, err
}

func (c *Client) ExpertProfile(ctx context.Context) (ExpertProfile, error) {
	var resp ExpertProfile
	err := c.do(ctx, http.MethodGet, "expert/profile", nil, &resp)
	return resp, err
}

func (c *Client) UpdateExpertProfile(ctx context.Context, update ProfileUpdate) (ExpertProfile, error) {
	var resp ExpertProfile
	err := c.do(ctx, http.MethodPut, "expert/profile", update, &resp)
	return resp, err
}

// ExpertAssignmentHistory lists the caller's assignments, newest first.
func (c *Client) ExpertAssignmentHistory(ctx context.Context, limit int) ([]Assignment, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("expert/assignments/history", q), nil, &resp)
	return resp.Items, err
}

// EventsPage fetches a page of recent events using an optional cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(b))
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
