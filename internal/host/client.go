// Package host is the outbound gateway to the external agent-orchestration
// service. Every call returns a tagged Result instead of an error: transport
// failure, non-success HTTP status, and success are all data, so the ingress
// handler decides what status code each outcome maps to.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/relay/internal/otel"
)

const (
	// DefaultTimeout bounds every outbound host call so a stuck host cannot
	// hang an ingress handler.
	DefaultTimeout = 30 * time.Second

	apiKeyHeader = "X-API-Key"

	maxBodyBytes = 1 << 20
)

// Result is the tagged outcome of one host call.
//
// Exactly one of three shapes holds:
//   - transport failure: Err != nil, Status == 0
//   - non-success status: Err == nil, OK == false, Status and Body set verbatim
//   - success: OK == true, Decoded carries the parsed JSON body (nil when the
//     host returned an empty body)
type Result struct {
	OK      bool
	Status  int
	Body    []byte
	Decoded any
	Err     error
}

// RelayedMessage is the payload forwarded to the host for an inbound user
// message.
type RelayedMessage struct {
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId"`
	Role      string `json:"role"`
	Parts     any    `json:"parts"`
	TaskID    string `json:"taskId,omitempty"`
}

// Client issues the three host-bound operations. The API key is read from the
// Keyring on every call, so a runtime key swap applies to the next call.
type Client struct {
	baseURL string
	keys    *Keyring
	httpc   *http.Client
	logger  *slog.Logger
	metrics *otel.Metrics
}

// Config holds the client's dependencies. Timeout zero means DefaultTimeout;
// Logger nil means slog.Default; Metrics may be nil.
type Config struct {
	BaseURL string
	Keys    *Keyring
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// NewClient returns a Client for the host at cfg.BaseURL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := cfg.Keys
	if keys == nil {
		keys = NewKeyring("")
	}
	return &Client{
		baseURL: cfg.BaseURL,
		keys:    keys,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Keys exposes the client's keyring for runtime key updates.
func (c *Client) Keys() *Keyring {
	return c.keys
}

// RegisterAgent announces an agent URL to the host. On success the decoded
// body may carry name, description, and icon metadata for the agent.
func (c *Client) RegisterAgent(ctx context.Context, agentURL string) Result {
	return c.post(ctx, "/agents/register", map[string]string{"agent_url": agentURL})
}

// CreateConversation asks the host to open a new conversation context. The
// host may suggest a display name in the decoded body.
func (c *Client) CreateConversation(ctx context.Context) Result {
	return c.post(ctx, "/conversations", nil)
}

// RelayMessage forwards a stored user message to the host.
func (c *Client) RelayMessage(ctx context.Context, msg RelayedMessage) Result {
	return c.post(ctx, "/messages", msg)
}

func (c *Client) post(ctx context.Context, path string, payload any) Result {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.HostCallDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Result{Err: fmt.Errorf("encode host request: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return Result{Err: fmt.Errorf("build host request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := c.keys.Get(); key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("host call failed", "path", path, "error", err)
		return Result{Err: fmt.Errorf("host call %s: %w", path, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.logger.Warn("host response read failed", "path", path, "error", err)
		return Result{Err: fmt.Errorf("read host response %s: %w", path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("host returned non-success",
			"path", path, "status", resp.StatusCode, "body_len", len(raw))
		return Result{Status: resp.StatusCode, Body: raw}
	}

	res := Result{OK: true, Status: resp.StatusCode, Body: raw}
	if len(raw) > 0 {
		// A success body that is not JSON is kept raw rather than failing
		// the whole call.
		if err := json.Unmarshal(raw, &res.Decoded); err != nil {
			c.logger.Warn("host success body is not JSON", "path", path, "error", err)
		}
	}
	return res
}
