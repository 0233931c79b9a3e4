// Package chatclient is the client-side support chat core: a transport
// session over a persistent socket with REST fallback, per-chat message
// pipelines, typing and presence aggregation, and optimistic session
// transitions reconciled against the server's authoritative broadcasts.
package chatclient

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

	"github.com/taskflow/supportchat/protocol"
)

// restTimeout bounds every REST call so a dead backend feeds the retry
// logic instead of hanging a caller.
const restTimeout = 10 * time.Second

// Client is the REST client for the chat service. It is both the fallback
// send path while the socket is down and the resync path after reconnect.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a REST client presenting the given bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: restTimeout},
	}
}

// doRequest performs an HTTP request and maps error statuses onto the
// protocol error taxonomy.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &protocol.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.TransportError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, c.errorFromResponse(resp.StatusCode, path, respBody)
	}
	return respBody, nil
}

// errorFromResponse turns an error status into the matching typed error.
func (c *Client) errorFromResponse(status int, path string, body []byte) error {
	var errResp struct {
		Error   string                `json:"error"`
		Winner  string                `json:"winner"`
		Session *protocol.ChatSession `json:"session"`
	}
	_ = json.Unmarshal(body, &errResp)

	switch status {
	case http.StatusNotFound:
		return &protocol.NotFoundError{Resource: "chat", ID: path}
	case http.StatusConflict:
		sc := &protocol.StateConflictError{Winner: errResp.Winner, Authoritative: errResp.Session}
		if errResp.Session != nil {
			sc.ChatID = errResp.Session.ID
			sc.From = errResp.Session.Status
		}
		return sc
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &protocol.ValidationError{Field: "request", Reason: errResp.Error}
	default:
		return fmt.Errorf("chat service error %d: %s", status, errResp.Error)
	}
}

// CreateChatRequest opens a new support conversation.
type CreateChatRequest struct {
	Priority protocol.Priority `json:"priority,omitempty"`
	Category protocol.Category `json:"category,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// CreateChat opens a new pending chat for the authenticated customer.
func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (*protocol.ChatSession, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/chats", req)
	if err != nil {
		return nil, err
	}
	var session protocol.ChatSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListChats lists the caller's chats, optionally filtered by status.
func (c *Client) ListChats(ctx context.Context, status protocol.Status) ([]protocol.ChatSession, error) {
	path := "/chats"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Chats []protocol.ChatSession `json:"chats"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// GetChat fetches one chat session with presence merged in.
func (c *Client) GetChat(ctx context.Context, chatID string) (*protocol.ChatSession, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/chats/"+chatID, nil)
	if err != nil {
		return nil, err
	}
	var session protocol.ChatSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Accept requests assignment of a pending chat. On a 409 the returned error
// is a StateConflictError naming the winning agent.
func (c *Client) Accept(ctx context.Context, chatID string) (*protocol.ChatSession, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/accept", struct{}{})
	if err != nil {
		return nil, err
	}
	var session protocol.ChatSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateStatus requests a session transition.
func (c *Client) UpdateStatus(ctx context.Context, chatID string, to protocol.Status) (*protocol.ChatSession, error) {
	respBody, err := c.doRequest(ctx, http.MethodPatch, "/chats/"+chatID+"/status", map[string]string{"status": string(to)})
	if err != nil {
		return nil, err
	}
	var session protocol.ChatSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SendMessage is the REST fallback send. The caller supplies the message id
// so the eventual socket echo of the same send de-duplicates.
func (c *Client) SendMessage(ctx context.Context, chatID, id, content string, kind protocol.MessageKind) (*protocol.Message, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/messages", map[string]string{
		"id":      id,
		"content": content,
		"kind":    string(kind),
	})
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History fetches message history, newest first.
func (c *Client) History(ctx context.Context, chatID string, limit int, before int64) ([]protocol.Message, bool, error) {
	path := "/chats/" + chatID + "/history?limit=" + strconv.Itoa(limit)
	if before > 0 {
		path += "&before=" + strconv.FormatInt(before, 10)
	}
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	var resp struct {
		Messages []protocol.Message `json:"messages"`
		HasMore  bool               `json:"has_more"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.HasMore, nil
}

// MarkRead submits a batched read receipt. Safe to retry.
func (c *Client) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/read", map[string][]string{
		"message_ids": messageIDs,
	})
	return err
}
