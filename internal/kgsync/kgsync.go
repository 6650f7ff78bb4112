// Package kgsync fires best-effort REST calls at an external knowledge-graph
// service whenever a conversation closes with a summary or a subprocess
// peer produces a response worth remembering. Every failure is swallowed:
// sync is advisory, never load-bearing for message delivery.
package kgsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/g960059/bridged/internal/applog"
	"github.com/g960059/bridged/internal/model"
)

type Client struct {
	baseURL string
	host    string
	http    *http.Client
}

func New(baseURL, pinnedHost string) *Client {
	return &Client{
		baseURL: baseURL,
		host:    pinnedHost,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Available reports whether the knowledge-graph base URL responds at all,
// used by the /health endpoint's best-effort probe.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/entity", nil)
	if err != nil {
		return false
	}
	req.Host = c.host
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// SyncMessage posts a completed response message as a memory item.
func (c *Client) SyncMessage(ctx context.Context, msg model.Message) {
	c.post(ctx, "/api/memory-items", map[string]any{
		"conversationId": msg.ConversationID,
		"messageId":      msg.ID,
		"sender":         msg.Sender,
		"content":        msg.Content,
		"messageType":    msg.MessageType,
	})
}

// SyncConversationSummary posts a closed conversation's summary as an
// entity record.
func (c *Client) SyncConversationSummary(ctx context.Context, conv model.Conversation) {
	var summary string
	if conv.Summary != nil {
		summary = *conv.Summary
	}
	c.post(ctx, "/api/entity", map[string]any{
		"conversationId": conv.ID,
		"title":          conv.Title,
		"summary":        summary,
		"status":         conv.Status,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		applog.Errorf("kgsync.marshal", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Host = c.host

	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}
