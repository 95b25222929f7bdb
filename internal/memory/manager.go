package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlock/opsagent/internal/config"
	"github.com/driftlock/opsagent/internal/retry"
)

// Manager wraps the backend with the degradation policy: retrieval
// failures become empty context, persistence failures become warnings,
// and a missing backing resource is provisioned once and the write
// retried exactly once. Safe for concurrent use; it holds no mutable
// state of its own.
type Manager struct {
	backend     Backend
	domain      string
	topK        int
	provision   ProvisionSpec
	retrievePol retry.Policy
	log         zerolog.Logger
}

func NewManager(backend Backend, cfg *config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		backend: backend,
		domain:  cfg.Agent.Domain,
		topK:    cfg.Memory.TopK,
		provision: ProvisionSpec{
			Name:            cfg.Memory.MemoryName,
			Strategies:      []string{string(StrategyPreferences), string(StrategySemantic)},
			EventExpiryDays: cfg.Memory.EventExpiryDays,
		},
		retrievePol: retry.Policy{MaxAttempts: 2, BaseDelay: 250 * time.Millisecond, Multiplier: 2},
		log:         log.With().Str("component", "memory").Logger(),
	}
}

// RetrieveContext queries the semantic and preferences namespaces for the
// actor and merges the hits. A backend failure degrades to empty context
// with a warning; it never fails the turn.
func (m *Manager) RetrieveContext(ctx context.Context, actorID, query string) Soft[[]ContextItem] {
	var items []ContextItem
	var warn error

	for _, strategy := range []Strategy{StrategySemantic, StrategyPreferences} {
		ns := EventNamespace(m.domain, actorID, strategy)
		hits, err := retry.Do(ctx, m.retrievePol, retrievalRetryable, func() ([]Retrieved, error) {
			return m.backend.RetrieveMemories(ctx, ns, query, m.topK)
		})
		if err != nil {
			warn = fmt.Errorf("retrieve %s context: %w", strategy, err)
			m.log.Warn().Err(err).Str("namespace", ns).Msg("memory retrieval degraded")
			continue
		}
		for _, h := range hits {
			if h.Content == "" {
				continue
			}
			items = append(items, ContextItem{Strategy: strategy, Content: h.Content, Score: h.Score})
		}
	}

	return Soft[[]ContextItem]{Value: items, Warn: warn}
}

// A missing resource is not transient; provisioning is handled by the
// write path, and retrieval against a missing resource stays empty.
func retrievalRetryable(err error) bool {
	return !errors.Is(err, ErrResourceNotFound)
}

// PersistInteraction writes the turn as one USER and one ASSISTANT event
// in the semantic namespace, both tagged with the session. The returned
// error is a soft warning: callers log it and move on.
func (m *Manager) PersistInteraction(ctx context.Context, actorID, sessionID, userText, assistantText string) error {
	now := time.Now().UTC()
	ns := EventNamespace(m.domain, actorID, StrategySemantic)

	events := []Event{
		{Namespace: ns, ActorID: actorID, SessionID: sessionID, Role: RoleUser, Content: userText, CreatedAt: now},
		{Namespace: ns, ActorID: actorID, SessionID: sessionID, Role: RoleAssistant, Content: assistantText, CreatedAt: now},
	}
	for _, ev := range events {
		if err := m.PersistEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// PersistEvent validates the role locally, writes the event, and on a
// missing-resource response provisions the memory resource and retries
// the write exactly once.
func (m *Manager) PersistEvent(ctx context.Context, ev Event) error {
	if !ev.Role.Valid() {
		return fmt.Errorf("invalid memory role %q", ev.Role)
	}

	err := m.backend.CreateEvent(ctx, ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrResourceNotFound) {
		return fmt.Errorf("create event: %w", err)
	}

	m.log.Info().Str("memory", m.provision.Name).Msg("memory resource missing, provisioning")
	if provErr := m.backend.ProvisionMemory(ctx, m.provision); provErr != nil {
		return fmt.Errorf("provision memory: %w", provErr)
	}
	if err := m.backend.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("create event after provisioning: %w", err)
	}
	return nil
}
