package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftlock/opsagent/internal/config"
)

func newTestBackend(t *testing.T, url string) Backend {
	t.Helper()
	b, err := NewHTTPBackend(config.MemoryConfig{
		Enabled:    true,
		BaseURL:    url,
		APIKey:     "mem-key",
		TimeoutSec: 5,
	})
	if err != nil {
		t.Fatalf("NewHTTPBackend: %v", err)
	}
	return b
}

func TestHTTPBackend_CreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer mem-key" {
			t.Errorf("authorization = %s", auth)
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
		}
		if ev.Role != RoleUser || ev.Namespace != "agent/devops/devops_001/semantic" {
			t.Errorf("event = %+v", ev)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	err := b.CreateEvent(context.Background(), Event{
		Namespace: "agent/devops/devops_001/semantic",
		ActorID:   "devops_001",
		SessionID: "sess-1",
		Role:      RoleUser,
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
}

func TestHTTPBackend_NotFoundMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such memory resource", http.StatusNotFound)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	err := b.CreateEvent(context.Background(), Event{Role: RoleUser})
	if !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("err = %v, want ErrResourceNotFound", err)
	}
}

func TestHTTPBackend_RetrieveMemories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/retrievals" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["namespace"] != "agent/devops/devops_001/preferences" {
			t.Errorf("namespace = %v", req["namespace"])
		}
		if req["top_k"] != float64(3) {
			t.Errorf("top_k = %v", req["top_k"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"memories": []map[string]any{
				{"content": "prefers terraform", "score": 0.92},
				{"content": "works in us-east-1", "score": 0.71},
			},
		})
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	hits, err := b.RetrieveMemories(context.Background(), "agent/devops/devops_001/preferences", "iac tooling", 3)
	if err != nil {
		t.Fatalf("RetrieveMemories: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Content != "prefers terraform" || hits[0].Score != 0.92 {
		t.Fatalf("first hit = %+v", hits[0])
	}
}

func TestHTTPBackend_ProvisionMemory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memories" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var spec ProvisionSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		if spec.Name != "ops_memory" || spec.EventExpiryDays != 90 {
			t.Errorf("spec = %+v", spec)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	err := b.ProvisionMemory(context.Background(), ProvisionSpec{
		Name:            "ops_memory",
		Strategies:      []string{"preferences", "semantic"},
		EventExpiryDays: 90,
	})
	if err != nil {
		t.Fatalf("ProvisionMemory: %v", err)
	}
}

func TestNewHTTPBackend_RequiresURL(t *testing.T) {
	if _, err := NewHTTPBackend(config.MemoryConfig{}); err == nil {
		t.Fatal("expected error without base url")
	}
}
