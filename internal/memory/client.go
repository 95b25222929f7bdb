package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftlock/opsagent/internal/config"
)

// ErrResourceNotFound signals the backing memory resource does not exist
// yet and should be provisioned.
var ErrResourceNotFound = errors.New("memory resource not found")

// ProvisionSpec describes the memory resource to create on first use:
// both strategies plus the backend-owned event retention.
type ProvisionSpec struct {
	Name            string   `json:"name"`
	Strategies      []string `json:"strategies"`
	EventExpiryDays int      `json:"event_expiry_days"`
}

// Backend is the memory service boundary. The HTTP client below is the
// production implementation; tests substitute fakes.
type Backend interface {
	CreateEvent(ctx context.Context, ev Event) error
	RetrieveMemories(ctx context.Context, namespace, query string, topK int) ([]Retrieved, error)
	ProvisionMemory(ctx context.Context, spec ProvisionSpec) error
}

type httpBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPBackend(cfg config.MemoryConfig) (Backend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("memory base url not configured")
	}
	return &httpBackend{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}, nil
}

func (b *httpBackend) CreateEvent(ctx context.Context, ev Event) error {
	_, err := b.post(ctx, "/events", ev, nil)
	return err
}

func (b *httpBackend) RetrieveMemories(ctx context.Context, namespace, query string, topK int) ([]Retrieved, error) {
	req := map[string]any{
		"namespace": namespace,
		"query":     query,
		"top_k":     topK,
	}
	var decoded struct {
		Memories []Retrieved `json:"memories"`
	}
	if _, err := b.post(ctx, "/retrievals", req, &decoded); err != nil {
		return nil, err
	}
	return decoded.Memories, nil
}

func (b *httpBackend) ProvisionMemory(ctx context.Context, spec ProvisionSpec) error {
	_, err := b.post(ctx, "/memories", spec, nil)
	return err
}

func (b *httpBackend) post(ctx context.Context, path string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("memory backend: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read memory response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, fmt.Errorf("%s: %w", strings.TrimSpace(string(respBody)), ErrResourceNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("memory backend http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode memory response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
