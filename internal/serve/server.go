// Package serve hosts the agent behind HTTP: one orchestrator per
// conversation, shared token/memory/gateway clients underneath, and a
// periodic sweep of idle sessions.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftlock/opsagent/internal/config"
	"github.com/driftlock/opsagent/internal/journal"
	"github.com/driftlock/opsagent/internal/model"
	"github.com/driftlock/opsagent/internal/orchestrator"
)

// Deps are the shared collaborators every conversation uses. Memory,
// Tools, and Journal may be nil when the corresponding backend is not
// configured.
type Deps struct {
	Model   model.Client
	Memory  orchestrator.MemoryStore
	Tools   orchestrator.ToolInvoker
	Journal *journal.Journal
}

type sessionEntry struct {
	mu   sync.Mutex
	orch *orchestrator.Orchestrator
}

type Server struct {
	cfg     *config.Config
	deps    Deps
	idleTTL time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	catalogOnce sync.Once
	catalog     []model.ToolDef

	httpServer *http.Server
	sweeper    *cron.Cron
}

func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Server, error) {
	if deps.Model == nil {
		return nil, fmt.Errorf("serve requires a model client")
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		idleTTL:  time.Duration(cfg.Serve.SessionIdleMins) * time.Minute,
		sessions: make(map[string]*sessionEntry),
		log:      log.With().Str("component", "serve").Logger(),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down cleanly.
func (s *Server) Run(ctx context.Context) error {
	// The catalog is the same for every session; fetch it before taking
	// traffic so no request pays for it.
	s.toolCatalog(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/chat", s.handleChat)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Serve.Host, s.cfg.Serve.Port),
		Handler: mux,
	}

	s.sweeper = cron.New()
	if _, err := s.sweeper.AddFunc("@every 1m", s.evictIdle); err != nil {
		return fmt.Errorf("schedule session sweeper: %w", err)
	}
	s.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("serving")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.sweeper.Stop()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info().Msg("shutdown complete")
	return nil
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	entry, sessionID, err := s.sessionFor(r.Context(), req.SessionID)
	if err != nil {
		s.log.Error().Err(err).Msg("session setup failed")
		http.Error(w, "session setup failed", http.StatusInternalServerError)
		return
	}

	entry.mu.Lock()
	reply, err := entry.orch.Turn(r.Context(), req.Message)
	entry.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("turn failed")
		http.Error(w, "the assistant is unavailable right now", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{SessionID: sessionID, Reply: reply})
}

// toolCatalog fetches the gateway tool catalog once and shares it across
// every session. The fetch never runs under the registry lock, so chats
// on existing sessions are not blocked behind a slow gateway.
func (s *Server) toolCatalog(ctx context.Context) []model.ToolDef {
	if s.deps.Tools == nil {
		return nil
	}
	s.catalogOnce.Do(func() {
		specs, err := s.deps.Tools.ListTools(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("tool catalog unavailable, sessions start without tools")
			return
		}
		defs := make([]model.ToolDef, 0, len(specs))
		for _, spec := range specs {
			defs = append(defs, model.ToolDef{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			})
		}
		s.catalog = defs
		s.log.Info().Int("count", len(defs)).Msg("tool catalog loaded")
	})
	return s.catalog
}

// sessionFor returns the existing conversation or starts a new one. An
// unknown session ID starts a fresh conversation under that ID rather
// than erroring: served deployments are free to restart underneath
// clients.
func (s *Server) sessionFor(ctx context.Context, id string) (*sessionEntry, string, error) {
	s.mu.Lock()
	if id != "" {
		if entry, ok := s.sessions[id]; ok {
			s.mu.Unlock()
			return entry, id, nil
		}
	}
	s.mu.Unlock()

	catalog := s.toolCatalog(ctx)

	session := orchestrator.NewSession(s.cfg.Agent.ActorID)
	if id != "" {
		session.ID = id
	}

	orch, err := orchestrator.New(session, orchestrator.Options{
		Model:             s.deps.Model,
		Memory:            s.deps.Memory,
		Tools:             s.deps.Tools,
		Journal:           s.deps.Journal,
		Catalog:           catalog,
		SystemPrompt:      s.cfg.Agent.SystemPrompt,
		MaxToolIterations: s.cfg.Agent.MaxToolIterations,
		Logger:            s.log,
	})
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[session.ID]; ok {
		// A concurrent request for the same ID finished setup first.
		return entry, session.ID, nil
	}
	entry := &sessionEntry{orch: orch}
	s.sessions[session.ID] = entry
	s.log.Info().Str("session_id", session.ID).Msg("session started")
	return entry, session.ID, nil
}

func (s *Server) evictIdle() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.sessions {
		if entry.orch.LastTurnAt().Before(cutoff) {
			delete(s.sessions, id)
			s.log.Info().Str("session_id", id).Msg("idle session evicted")
		}
	}
}
