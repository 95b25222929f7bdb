package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlock/opsagent/internal/config"
	"github.com/driftlock/opsagent/internal/gateway"
	"github.com/driftlock/opsagent/internal/model"
)

type echoModel struct {
	mu        sync.Mutex
	calls     int
	lastTools int
}

func (m *echoModel) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.calls++
	m.lastTools = len(req.Tools)
	m.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	return &model.Response{Message: model.Message{
		Role:    model.RoleAssistant,
		Content: "echo: " + last.Content,
	}}, nil
}

// catalogInvoker serves a fixed catalog and can hold the fetch open until
// released, to observe what the server does while it waits.
type catalogInvoker struct {
	specs     []gateway.ToolSpec
	listCalls atomic.Int64
	entered   chan struct{}
	release   chan struct{}
}

func (c *catalogInvoker) Invoke(ctx context.Context, inv gateway.Invocation) (*gateway.Result, error) {
	return &gateway.Result{Tool: inv.Tool, CorrelationID: inv.CorrelationID, Payload: json.RawMessage(`{}`)}, nil
}

func (c *catalogInvoker) ListTools(ctx context.Context) ([]gateway.ToolSpec, error) {
	c.listCalls.Add(1)
	if c.entered != nil {
		close(c.entered)
	}
	if c.release != nil {
		<-c.release
	}
	return c.specs, nil
}

func newTestServer(t *testing.T) (*Server, *echoModel) {
	t.Helper()
	cfg := config.DefaultConfig()
	m := &echoModel{}
	s, err := New(cfg, Deps{Model: m}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, m
}

func postChat(t *testing.T, s *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	s.handleChat(rr, req)
	return rr
}

func TestHandleChat_NewSession(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postChat(t, s, chatRequest{Message: "hello"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("session id missing")
	}
	if resp.Reply != "echo: hello" {
		t.Fatalf("reply = %q", resp.Reply)
	}
}

func TestHandleChat_ReusesSession(t *testing.T) {
	s, m := newTestServer(t)

	rr := postChat(t, s, chatRequest{Message: "first"})
	var resp chatResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)

	rr = postChat(t, s, chatRequest{SessionID: resp.SessionID, Message: "second"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp2 chatResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp2)
	if resp2.SessionID != resp.SessionID {
		t.Fatalf("session id changed: %s vs %s", resp2.SessionID, resp.SessionID)
	}
	if m.calls != 2 {
		t.Fatalf("model calls = %d, want 2", m.calls)
	}

	s.mu.Lock()
	count := len(s.sessions)
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("sessions = %d, want 1", count)
	}
}

func TestHandleChat_UnknownSessionIDStartsFresh(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postChat(t, s, chatRequest{SessionID: "ghost-1", Message: "hello"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp chatResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.SessionID != "ghost-1" {
		t.Fatalf("session id = %s, want ghost-1 retained", resp.SessionID)
	}
}

func TestHandleChat_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postChat(t, s, chatRequest{Message: "   "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.handleChat(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	rec = httptest.NewRecorder()
	s.handleChat(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}
}

func TestEvictIdle(t *testing.T) {
	s, _ := newTestServer(t)
	postChat(t, s, chatRequest{Message: "hello"})

	// A generous TTL keeps the fresh session.
	s.evictIdle()
	s.mu.Lock()
	kept := len(s.sessions)
	s.mu.Unlock()
	if kept != 1 {
		t.Fatalf("sessions after sweep = %d, want 1", kept)
	}

	// A zero TTL makes every session idle.
	s.idleTTL = 0
	s.evictIdle()
	s.mu.Lock()
	kept = len(s.sessions)
	s.mu.Unlock()
	if kept != 0 {
		t.Fatalf("sessions after zero-ttl sweep = %d, want 0", kept)
	}
}

func TestToolCatalogSharedAcrossSessions(t *testing.T) {
	m := &echoModel{}
	inv := &catalogInvoker{specs: []gateway.ToolSpec{{Name: "list_alarms"}}}
	s, err := New(config.DefaultConfig(), Deps{Model: m, Tools: inv}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, id := range []string{"s1", "s2"} {
		rr := postChat(t, s, chatRequest{SessionID: id, Message: "hi"})
		if rr.Code != http.StatusOK {
			t.Fatalf("status for %s = %d", id, rr.Code)
		}
	}
	if got := inv.listCalls.Load(); got != 1 {
		t.Fatalf("catalog fetches = %d, want 1 for the whole server", got)
	}
	m.mu.Lock()
	tools := m.lastTools
	m.mu.Unlock()
	if tools != 1 {
		t.Fatalf("model saw %d tools, want the shared catalog", tools)
	}
}

func TestCatalogFetchDoesNotHoldRegistryLock(t *testing.T) {
	inv := &catalogInvoker{
		specs:   []gateway.ToolSpec{{Name: "list_alarms"}},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, err := New(config.DefaultConfig(), Deps{Model: &echoModel{}, Tools: inv}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hello"}`))
		s.handleChat(httptest.NewRecorder(), req)
	}()
	<-inv.entered

	// With the catalog fetch in flight, the session registry must still be
	// reachable for everyone else.
	locked := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.mu.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		t.Fatal("registry lock held during catalog fetch")
	}

	close(inv.release)
	<-done
}

func TestConcurrentChatsAndSweeps(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postChat(t, s, chatRequest{Message: "hello"})
	var resp chatResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				payload, _ := json.Marshal(chatRequest{SessionID: resp.SessionID, Message: "ping"})
				req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(payload))
				rec := httptest.NewRecorder()
				s.handleChat(rec, req)
				if rec.Code != http.StatusOK {
					t.Errorf("status = %d", rec.Code)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			s.evictIdle()
		}
	}()
	wg.Wait()

	s.mu.Lock()
	kept := len(s.sessions)
	s.mu.Unlock()
	if kept != 1 {
		t.Fatalf("sessions = %d, want the active one kept", kept)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestNew_RequiresModel(t *testing.T) {
	if _, err := New(config.DefaultConfig(), Deps{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without model client")
	}
}
