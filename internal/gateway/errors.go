package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool invocation failure.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"     // per-tool deadline hit
	KindTransport  ErrorKind = "transport"   // connection-level failure
	KindGateway    ErrorKind = "gateway"     // gateway 5xx
	KindAuth       ErrorKind = "auth"        // credential rejected
	KindTool       ErrorKind = "tool"        // business-level rejection from the tool
	KindBadRequest ErrorKind = "bad_request" // malformed invocation
)

// ToolError is the structured failure the orchestrator branches on: a
// retryable error was already retried internally before surfacing, so a
// surfaced Retryable error means retries were exhausted.
type ToolError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s error: %s", e.Kind, e.Message)
}

// AsToolError unwraps err into a *ToolError if one is present.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func retryableToolError(err error) bool {
	te, ok := AsToolError(err)
	return ok && te.Retryable
}
