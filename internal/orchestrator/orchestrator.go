// Package orchestrator runs the per-turn control loop: pull memory
// context, invoke the model, dispatch requested tool calls through the
// gateway, and persist the finished interaction. Every external
// dependency may degrade; the turn still runs to completion and the user
// gets a best-effort answer.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftlock/opsagent/internal/gateway"
	"github.com/driftlock/opsagent/internal/journal"
	"github.com/driftlock/opsagent/internal/memory"
	"github.com/driftlock/opsagent/internal/model"
)

const defaultSystemPrompt = `You are an AWS DevOps assistant. Help with infrastructure, operations,
monitoring, and troubleshooting.

Rules:
- Answer from knowledge first; use tools only for current or specific data
- Be direct and actionable
- If a tool is unavailable, say so briefly and answer without it`

// Session is one conversation instance. It lives for the process in an
// interactive run or for one served conversation; nothing persists it.
type Session struct {
	ID        string
	ActorID   string
	StartedAt time.Time
}

func NewSession(actorID string) Session {
	return Session{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		StartedAt: time.Now().UTC(),
	}
}

// MemoryStore is the slice of the memory manager the turn loop uses.
type MemoryStore interface {
	RetrieveContext(ctx context.Context, actorID, query string) memory.Soft[[]memory.ContextItem]
	PersistInteraction(ctx context.Context, actorID, sessionID, userText, assistantText string) error
}

// ToolInvoker is the slice of the gateway client the turn loop uses.
type ToolInvoker interface {
	Invoke(ctx context.Context, inv gateway.Invocation) (*gateway.Result, error)
	ListTools(ctx context.Context) ([]gateway.ToolSpec, error)
}

// Options wires one orchestrator. Memory, Tools, and Journal may be nil;
// the corresponding step is skipped. Catalog seeds the tool definitions
// exposed to the model; hosts that share one catalog across sessions set
// it here instead of calling LoadToolCatalog per session.
type Options struct {
	Model             model.Client
	Memory            MemoryStore
	Tools             ToolInvoker
	Journal           *journal.Journal
	Catalog           []model.ToolDef
	SystemPrompt      string
	MaxToolIterations int
	Logger            zerolog.Logger
}

// Orchestrator serves one conversation. It is not safe for concurrent
// turns; a hosting process runs one instance per conversation and shares
// the token manager, memory manager, and gateway client across them.
type Orchestrator struct {
	model    model.Client
	memory   MemoryStore
	tools    ToolInvoker
	journal  *journal.Journal
	session  Session
	sysMsg   string
	maxIters int
	history  []model.Message
	catalog  []model.ToolDef
	log      zerolog.Logger

	// lastTurn is read by the host's idle sweeper while turns run, so it
	// gets its own lock rather than relying on the caller's serialization.
	lastMu   sync.Mutex
	lastTurn time.Time
}

func New(session Session, opts Options) (*Orchestrator, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("orchestrator requires a model client")
	}
	sysMsg := opts.SystemPrompt
	if sysMsg == "" {
		sysMsg = defaultSystemPrompt
	}
	maxIters := opts.MaxToolIterations
	if maxIters <= 0 {
		maxIters = 10
	}
	return &Orchestrator{
		model:    opts.Model,
		memory:   opts.Memory,
		tools:    opts.Tools,
		journal:  opts.Journal,
		catalog:  opts.Catalog,
		session:  session,
		sysMsg:   sysMsg,
		maxIters: maxIters,
		lastTurn: time.Now(),
		log: opts.Logger.With().
			Str("component", "orchestrator").
			Str("session_id", session.ID).Logger(),
	}, nil
}

func (o *Orchestrator) Session() Session {
	return o.session
}

// LastTurnAt reports when the last turn finished, for idle eviction.
func (o *Orchestrator) LastTurnAt() time.Time {
	o.lastMu.Lock()
	defer o.lastMu.Unlock()
	return o.lastTurn
}

func (o *Orchestrator) markTurn() {
	o.lastMu.Lock()
	o.lastTurn = time.Now()
	o.lastMu.Unlock()
}

// LoadToolCatalog fetches the gateway's tool catalog and exposes it to
// the model. An unreachable gateway degrades to a tool-free conversation.
func (o *Orchestrator) LoadToolCatalog(ctx context.Context) {
	if o.tools == nil {
		return
	}
	specs, err := o.tools.ListTools(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("tool catalog unavailable, continuing without tools")
		return
	}
	defs := make([]model.ToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, model.ToolDef{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.InputSchema,
		})
	}
	o.catalog = defs
}

// Turn runs one full user turn. The turn ends at the persistence step no
// matter which earlier steps degraded; only a model failure aborts it,
// since there is no answer to give or persist without one.
func (o *Orchestrator) Turn(ctx context.Context, userText string) (string, error) {
	start := time.Now()
	rec := journal.TurnRecord{SessionID: o.session.ID, ActorID: o.session.ActorID}

	// ContextRetrieval
	var contextBlock string
	if o.memory != nil {
		soft := o.memory.RetrieveContext(ctx, o.session.ActorID, userText)
		rec.MemoryDegraded = soft.Degraded()
		contextBlock = formatContext(soft.Value)
	}

	prompt := userText
	if contextBlock != "" {
		prompt = fmt.Sprintf("Operational Context:\n%s\n\n%s", contextBlock, userText)
	}

	messages := make([]model.Message, 0, len(o.history)+2)
	messages = append(messages, model.Message{Role: model.RoleSystem, Content: o.sysMsg})
	messages = append(messages, o.history...)
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	// ModelInvocation and ToolDispatch
	var answer string
	for iter := 0; ; iter++ {
		resp, err := o.model.Complete(ctx, model.Request{Messages: messages, Tools: o.catalog})
		if err != nil {
			o.log.Error().Err(err).Msg("model invocation failed")
			return "", fmt.Errorf("model invocation: %w", err)
		}

		msg := resp.Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			answer = msg.Content
			break
		}
		if iter >= o.maxIters {
			o.log.Warn().Int("iterations", iter).Msg("tool iteration budget exhausted")
			answer = msg.Content
			if answer == "" {
				answer = "I could not finish the requested tool calls; please try a narrower question."
			}
			break
		}

		for _, call := range msg.ToolCalls {
			content := o.dispatch(ctx, call, &rec)
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	// MemoryPersist
	o.persist(ctx, userText, answer, &rec)

	o.history = append(o.history,
		model.Message{Role: model.RoleUser, Content: userText},
		model.Message{Role: model.RoleAssistant, Content: answer},
	)
	o.markTurn()

	rec.DurationMs = time.Since(start).Milliseconds()
	if o.journal != nil {
		if err := o.journal.Record(rec); err != nil {
			o.log.Warn().Err(err).Msg("journal write failed")
		}
	}

	return answer, nil
}

// dispatch invokes one requested tool call. Failures never abort the
// turn: the result the model sees is a short note it can work around.
func (o *Orchestrator) dispatch(ctx context.Context, call model.ToolCall, rec *journal.TurnRecord) string {
	rec.ToolCalls++

	if o.tools == nil {
		rec.ToolFailures++
		return fmt.Sprintf("Tool %q is unavailable: no tool gateway is configured.", call.Name)
	}

	inv := gateway.Invocation{
		Tool:          call.Name,
		Arguments:     call.Arguments,
		CorrelationID: uuid.NewString(),
	}
	rec.CorrelationIDs = append(rec.CorrelationIDs, inv.CorrelationID)

	res, err := o.tools.Invoke(ctx, inv)
	if err != nil {
		rec.ToolFailures++
		o.log.Warn().Err(err).Str("tool", call.Name).
			Str("correlation_id", inv.CorrelationID).Msg("tool dispatch failed")
		if te, ok := gateway.AsToolError(err); ok {
			return fmt.Sprintf("Tool %q could not be used (%s). Answer without it and note the gap.", call.Name, te.Message)
		}
		return fmt.Sprintf("Tool %q could not be used. Answer without it and note the gap.", call.Name)
	}
	return string(res.Payload)
}

// persist maps the turn's internal role labels onto the memory service's
// enumeration and writes the interaction. Failures are logged, never
// surfaced.
func (o *Orchestrator) persist(ctx context.Context, userText, answer string, rec *journal.TurnRecord) {
	if o.memory == nil || answer == "" {
		return
	}
	for _, label := range []string{model.RoleUser, model.RoleAssistant} {
		if _, err := memory.MapRole(label); err != nil {
			// A label outside the mapping is a defect, not a runtime
			// condition; skip persistence rather than send a doomed write.
			o.log.Error().Err(err).Msg("role mapping violation, skipping persistence")
			return
		}
	}
	if err := o.memory.PersistInteraction(ctx, o.session.ActorID, o.session.ID, userText, answer); err != nil {
		rec.MemoryDegraded = true
		o.log.Warn().Err(err).Msg("memory persistence degraded")
	}
}

func formatContext(items []memory.ContextItem) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s] %s", strings.ToUpper(string(item.Strategy)), item.Content)
	}
	return sb.String()
}
