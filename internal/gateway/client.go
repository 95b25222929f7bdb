// Package gateway sends tool invocations to the remote tool gateway. The
// gateway is a single authenticated endpoint that fans invocations out to
// independently deployed tool functions; this client only knows the
// envelope, the credential, and the retry policy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftlock/opsagent/internal/auth"
	"github.com/driftlock/opsagent/internal/config"
	"github.com/driftlock/opsagent/internal/retry"
)

// listToolsMaxPages bounds catalog pagination, mirroring the gateway's
// own page-count guard.
const listToolsMaxPages = 10

const correlationHeader = "X-Correlation-Id"

// Invocation is one tool call. CorrelationID is filled in when empty so
// every request is attributable in logs and traces.
type Invocation struct {
	Tool          string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments"`
	CorrelationID string          `json:"-"`
}

// Result carries the tool's payload verbatim; the gateway envelope is
// already unwrapped.
type Result struct {
	Tool          string
	CorrelationID string
	Payload       json.RawMessage
}

// ToolSpec describes one callable tool from the gateway catalog.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// TokenProvider is the slice of the token manager the client needs.
type TokenProvider interface {
	GetToken(ctx context.Context) (auth.Credential, error)
	ForceRefresh(ctx context.Context) (auth.Credential, error)
}

type Client struct {
	baseURL        string
	tokens         TokenProvider
	httpClient     *http.Client
	defaultTimeout time.Duration
	toolTimeouts   map[string]time.Duration
	policy         retry.Policy
	log            zerolog.Logger
}

func NewClient(cfg config.GatewayConfig, tokens TokenProvider, log zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway url not configured")
	}
	if tokens == nil {
		return nil, fmt.Errorf("gateway requires a token provider")
	}

	toolTimeouts := make(map[string]time.Duration, len(cfg.ToolTimeouts))
	for tool, sec := range cfg.ToolTimeouts {
		if sec > 0 {
			toolTimeouts[tool] = time.Duration(sec) * time.Second
		}
	}

	return &Client{
		baseURL:        baseURL,
		tokens:         tokens,
		httpClient:     &http.Client{}, // deadlines come from per-call contexts
		defaultTimeout: time.Duration(cfg.TimeoutSec) * time.Second,
		toolTimeouts:   toolTimeouts,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
			Multiplier:  2,
		},
		log: log.With().Str("component", "gateway").Logger(),
	}, nil
}

// Invoke sends the invocation and returns the tool's payload. Transport
// failures and gateway 5xx responses are retried with backoff; a 401
// triggers exactly one forced token refresh; other 4xx responses are
// returned immediately as non-retryable ToolErrors.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Tool == "" {
		return nil, &ToolError{Kind: KindBadRequest, Message: "empty tool name"}
	}
	if inv.CorrelationID == "" {
		inv.CorrelationID = uuid.NewString()
	}

	timeout := c.defaultTimeout
	if t, ok := c.toolTimeouts[inv.Tool]; ok {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	refreshed := false
	payload, err := retry.Do(ctx, c.policy, retryableToolError, func() (json.RawMessage, error) {
		return c.attempt(ctx, inv, &refreshed)
	})
	if err != nil {
		if te, ok := AsToolError(err); ok {
			c.log.Warn().Str("tool", inv.Tool).Str("correlation_id", inv.CorrelationID).
				Str("kind", string(te.Kind)).Msg("tool invocation failed")
			return nil, te
		}
		// Context expiry during backoff surfaces as a plain error.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ToolError{Kind: KindTimeout, Message: inv.Tool + " timed out", Retryable: true}
		}
		return nil, err
	}

	return &Result{Tool: inv.Tool, CorrelationID: inv.CorrelationID, Payload: payload}, nil
}

func (c *Client) attempt(ctx context.Context, inv Invocation, refreshed *bool) (json.RawMessage, error) {
	cred, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, &ToolError{Kind: KindAuth, Message: err.Error(), Retryable: auth.IsTransient(err)}
	}

	status, body, err := c.send(ctx, inv, cred)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && !*refreshed {
		// One forced refresh bypassing the cache, then one more try.
		*refreshed = true
		cred, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, &ToolError{Kind: KindAuth, Message: err.Error(), Retryable: auth.IsTransient(err)}
		}
		status, body, err = c.send(ctx, inv, cred)
		if err != nil {
			return nil, err
		}
	}

	return c.decode(status, body)
}

func (c *Client) send(ctx context.Context, inv Invocation, cred auth.Credential) (int, []byte, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return 0, nil, &ToolError{Kind: KindBadRequest, Message: fmt.Sprintf("marshal invocation: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &ToolError{Kind: KindBadRequest, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set(correlationHeader, inv.CorrelationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, &ToolError{Kind: KindTimeout, Message: inv.Tool + " timed out", Retryable: true}
		}
		return 0, nil, &ToolError{Kind: KindTransport, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &ToolError{Kind: KindTransport, Message: err.Error(), Retryable: true}
	}
	return resp.StatusCode, body, nil
}

func (c *Client) decode(status int, body []byte) (json.RawMessage, error) {
	switch {
	case status >= 200 && status < 300:
		var envelope struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &ToolError{Kind: KindGateway, Message: fmt.Sprintf("malformed gateway envelope: %v", err)}
		}
		return envelope.Result, nil

	case status >= 500:
		return nil, &ToolError{Kind: KindGateway, Message: fmt.Sprintf("gateway http %d", status), Retryable: true}

	case status == http.StatusUnauthorized:
		return nil, &ToolError{Kind: KindAuth, Message: "gateway rejected credential"}

	default:
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := fmt.Sprintf("gateway http %d", status)
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
			msg = envelope.Error.Code + ": " + envelope.Error.Message
		}
		return nil, &ToolError{Kind: KindTool, Message: msg}
	}
}

// ListTools pages through the gateway's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, c.defaultTimeout)
	defer cancel()

	var tools []ToolSpec
	cursor := ""
	for page := 0; page < listToolsMaxPages; page++ {
		cred, err := c.tokens.GetToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}

		endpoint := c.baseURL + "/tools"
		if cursor != "" {
			endpoint += "?cursor=" + url.QueryEscape(cursor)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create list request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read tool catalog: %w", readErr)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("list tools http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var decoded struct {
			Tools      []ToolSpec `json:"tools"`
			NextCursor string     `json:"next_cursor"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("decode tool catalog: %w", err)
		}
		tools = append(tools, decoded.Tools...)

		if decoded.NextCursor == "" {
			break
		}
		cursor = decoded.NextCursor
	}

	c.log.Info().Int("count", len(tools)).Msg("loaded tool catalog")
	return tools, nil
}
