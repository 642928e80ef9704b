package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/agentrelay/agent/calldepth"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// MetadataWebhookURL is the agent metadata key holding its webhook URL.
const MetadataWebhookURL = "webhook_url"

// HeaderTaskID carries the ask task a webhook call serves. An agent that
// contacts another agent while answering sends it back on POST /v1/contact,
// so the nested ask stays on the same call chain.
const HeaderTaskID = "X-Relay-Task-ID"

// WebhookRequest is the body POSTed to an agent webhook.
type WebhookRequest struct {
	AgentID   string `json:"agent_id"`
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	// TaskID is the ask task being answered.
	TaskID string `json:"task_id,omitempty"`
	// CallDepth is the number of asks in flight on the chain, this one included.
	CallDepth int `json:"call_depth,omitempty"`
}

// WebhookResponse is the expected reply body.
type WebhookResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// WebhookEntrypoint invokes agents hosted behind HTTP endpoints. The URL is
// read from the agent's metadata.
type WebhookEntrypoint struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookEntrypoint creates a webhook entrypoint. A nil client gets a
// client with a 5 minute timeout; callers still bound each call with ctx.
func NewWebhookEntrypoint(client *http.Client, logger *zap.Logger) *WebhookEntrypoint {
	if client == nil {
		client = tlsutil.SecureHTTPClient(5 * time.Minute)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookEntrypoint{
		client: client,
		logger: logger.With(zap.String("component", "webhook_entrypoint")),
	}
}

// Invoke POSTs the message and returns the response text.
func (w *WebhookEntrypoint) Invoke(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
	url := target.Metadata[MetadataWebhookURL]
	if url == "" {
		return "", fmt.Errorf("%w: %s has no %s", ErrNoEntrypoint, target.ID, MetadataWebhookURL)
	}

	payload := WebhookRequest{AgentID: target.ID, ChannelID: channelID, Message: message}
	if id, ok := types.CurrentTaskID(ctx); ok {
		payload.TaskID = id
	}
	if t, ok := calldepth.FromContext(ctx); ok {
		payload.CallDepth = t.CurrentDepth()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := types.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}
	if id, ok := types.TraceID(ctx); ok {
		req.Header.Set("X-Trace-ID", id)
	}
	if payload.TaskID != "" {
		req.Header.Set(HeaderTaskID, payload.TaskID)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read webhook response: %w", err)
	}
	w.logger.Debug("webhook invoked",
		zap.String("target_id", target.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	var out WebhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode webhook response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("agent %s: %s", target.ID, out.Error)
	}
	return out.Response, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
