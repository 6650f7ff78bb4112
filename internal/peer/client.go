// Package peer holds the two ways the bridge reaches the codex subprocess:
// a persistent stdio JSON-RPC channel held open across calls (this file),
// and a one-shot `codex exec` invocation used when the persistent channel
// is unavailable or unproductive (exec.go).
package peer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/g960059/bridged/internal/persona"
)

var ErrNoCodexTool = errors.New("peer process does not expose a codex tool")

type ClientConfig struct {
	BinaryPath       string
	WorkDir          string
	Sandbox          string
	ApprovalPolicy   string
	BaseInstructions string
}

// Client is the persistent stdio JSON-RPC channel to the codex CLI running
// in app-server mode. One child process is kept alive across calls; a
// failed call drops the connection so the next call reconnects.
type Client struct {
	cfg ClientConfig

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	decoder        *json.Decoder
	stderrBuf      bytes.Buffer
	connected      bool
	nextID         int64
	conversationID map[string]string // keyed by originating message id
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:            cfg,
		conversationID: make(map[string]string),
	}
}

// UpdateConfig applies a live config reload's sandbox/approval/
// base-instructions overrides. Existing codex-reply turns keep whatever
// sandbox they started with; the next fresh "codex" call picks up the new
// values since SendMessage reads c.cfg at call time.
func (c *Client) UpdateConfig(sandbox, approvalPolicy, baseInstructions string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Sandbox = sandbox
	c.cfg.ApprovalPolicy = approvalPolicy
	c.cfg.BaseInstructions = baseInstructions
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolCallResult struct {
	Content []contentItem  `json:"content"`
	IsError bool           `json:"isError,omitempty"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolsListResult struct {
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

// SendMessage dispatches prompt to the codex peer, reusing the remembered
// conversation for messageID when present (a "reply" turn) or starting a
// fresh one otherwise. It returns (nil, nil) rather than an error when the
// peer simply produced no usable text, so callers fall through to the
// one-shot exec path per the tiered dispatch strategy.
func (c *Client) SendMessage(ctx context.Context, prompt, messageID string, p persona.Persona) (*string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	convID, hasConv := c.conversationID[messageID]
	c.mu.Unlock()

	var (
		result *toolCallResult
		err    error
	)
	if hasConv {
		result, err = c.callTool(ctx, "codex-reply", map[string]any{
			"conversationId": convID,
			"prompt":         prompt,
		})
	} else {
		instructions := p.BaseInstructions
		if c.cfg.BaseInstructions != "" {
			instructions = c.cfg.BaseInstructions
		}
		sandbox := c.cfg.Sandbox
		if p.SandboxOverride != "" {
			sandbox = p.SandboxOverride
		}
		result, err = c.callTool(ctx, "codex", map[string]any{
			"prompt":            prompt,
			"approval-policy":   c.cfg.ApprovalPolicy,
			"sandbox":           sandbox,
			"base-instructions": instructions,
		})
	}
	if err != nil {
		c.disconnect()
		return nil, err
	}

	text, newConvID := extractResponse(result)
	if newConvID != "" {
		c.mu.Lock()
		c.conversationID[messageID] = newConvID
		c.mu.Unlock()
	}
	if text == "" {
		return nil, nil
	}
	return &text, nil
}

// extractResponse searches a tool result's content for a text item. If
// that text parses as JSON carrying a "response" field, that field wins;
// otherwise the raw text is returned verbatim. The conversation id is read
// from the same JSON payload first, falling back to _meta.
func extractResponse(result *toolCallResult) (text string, conversationID string) {
	if result == nil {
		return "", ""
	}
	for _, item := range result.Content {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		text = item.Text
		var parsed struct {
			Response       string `json:"response"`
			ConversationID string `json:"conversationId"`
		}
		if json.Unmarshal([]byte(item.Text), &parsed) == nil {
			if parsed.Response != "" {
				text = parsed.Response
			}
			if parsed.ConversationID != "" {
				conversationID = parsed.ConversationID
			}
		}
		break
	}
	if conversationID == "" && result.Meta != nil {
		if v, ok := result.Meta["conversationId"].(string); ok {
			conversationID = v
		}
	}
	return text, conversationID
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cfg.BinaryPath, "app-server")
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("peer stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("peer stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("peer stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start peer process: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.decoder = json.NewDecoder(bufio.NewReader(stdout))
	c.stderrBuf.Reset()
	c.nextID = 0

	go io.Copy(&c.stderrBuf, stderr) //nolint:errcheck

	if err := c.sendRequestLocked("initialize", map[string]any{
		"protocolVersion": "2024-11-05",
	}); err != nil {
		c.teardownLocked()
		return err
	}
	if _, err := c.waitResponseLocked(c.nextID); err != nil {
		c.teardownLocked()
		return err
	}
	if err := c.sendNotificationLocked("notifications/initialized", nil); err != nil {
		c.teardownLocked()
		return err
	}

	if err := c.sendRequestLocked("tools/list", nil); err != nil {
		c.teardownLocked()
		return err
	}
	raw, err := c.waitResponseLocked(c.nextID)
	if err != nil {
		c.teardownLocked()
		return err
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		c.teardownLocked()
		return fmt.Errorf("decode tools/list result: %w", err)
	}
	hasCodex := false
	for _, t := range list.Tools {
		if t.Name == "codex" {
			hasCodex = true
			break
		}
	}
	if !hasCodex {
		c.teardownLocked()
		return ErrNoCodexTool
	}

	c.connected = true
	return nil
}

func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (*toolCallResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sendRequestLocked("tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}); err != nil {
		return nil, err
	}
	raw, err := c.waitResponseLocked(c.nextID)
	if err != nil {
		return nil, err
	}
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	if result.IsError {
		return nil, fmt.Errorf("peer tool %s returned isError: %s", name, firstText(result.Content))
	}
	return &result, nil
}

func (c *Client) sendRequestLocked(method string, params any) error {
	c.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}
	return json.NewEncoder(c.stdin).Encode(req)
}

func (c *Client) sendNotificationLocked(method string, params any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	return json.NewEncoder(c.stdin).Encode(req)
}

func (c *Client) waitResponseLocked(wantID int64) (json.RawMessage, error) {
	for {
		var resp rpcResponse
		if err := c.decoder.Decode(&resp); err != nil {
			return nil, fmt.Errorf("decode peer response: %w (stderr: %s)", err, c.stderrBuf.String())
		}
		if resp.ID != wantID {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("peer error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Client) teardownLocked() {
	if c.stdin != nil {
		c.stdin.Close() //nolint:errcheck
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill() //nolint:errcheck
		c.cmd.Wait()          //nolint:errcheck
	}
	c.cmd = nil
	c.stdin = nil
	c.decoder = nil
	c.connected = false
}

func firstText(items []contentItem) string {
	for _, item := range items {
		if item.Type == "text" {
			return item.Text
		}
	}
	return ""
}
