// Package memory talks to the remote memory service: semantic retrieval
// of prior events before a turn, and event persistence after it. The
// backend is eventually consistent; retrieval never assumes it can see a
// just-written event.
package memory

import (
	"fmt"
	"time"
)

// Role is the closed enumeration the memory service accepts for an event.
// Anything else is rejected locally, before a network round-trip.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleTool      Role = "TOOL"
	RoleOther     Role = "OTHER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleOther:
		return true
	}
	return false
}

// MapRole translates an internal conversational role label into the
// backend's enumeration. The "agent" label used for display maps to
// ASSISTANT; the backend has no AGENT role.
func MapRole(internal string) (Role, error) {
	switch internal {
	case "user":
		return RoleUser, nil
	case "assistant", "agent":
		return RoleAssistant, nil
	case "tool":
		return RoleTool, nil
	case "system":
		return RoleOther, nil
	default:
		return "", fmt.Errorf("no memory role mapping for %q", internal)
	}
}

// Strategy partitions memory so behavioral preferences and general facts
// are scored independently.
type Strategy string

const (
	StrategyPreferences Strategy = "preferences"
	StrategySemantic    Strategy = "semantic"
)

// EventNamespace builds the partition key for an actor and strategy. All
// namespace strings in the codebase come from here.
func EventNamespace(domain, actorID string, strategy Strategy) string {
	return fmt.Sprintf("agent/%s/%s/%s", domain, actorID, strategy)
}

// Event is one immutable conversational record. Deletion and expiry are
// owned by the backend.
type Event struct {
	Namespace string    `json:"namespace"`
	ActorID   string    `json:"actor_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Retrieved is a scored hit from the backend, ordered by descending
// relevance.
type Retrieved struct {
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"timestamp"`
}

// ContextItem is a retrieved memory tagged with the strategy it came
// from, ready for prompt injection.
type ContextItem struct {
	Strategy Strategy
	Content  string
	Score    float64
}

// Soft carries a usable value plus an optional warning. Degraded memory
// calls return the zero value and the warning instead of a hard error, so
// the orchestrator always handles the same two-armed outcome.
type Soft[T any] struct {
	Value T
	Warn  error
}

func (s Soft[T]) Degraded() bool {
	return s.Warn != nil
}
