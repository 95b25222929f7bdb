package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/driftlock/opsagent/internal/config"
)

const defaultProviderTimeout = 60 * time.Second

type openAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	log         zerolog.Logger
}

// NewOpenAIClient builds the default Client against an OpenAI-compatible
// endpoint.
func NewOpenAIClient(cfg *config.Config, log zerolog.Logger) (Client, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("provider api key not set")
	}

	clientConfig := openai.DefaultConfig(cfg.Provider.APIKey)
	if cfg.Provider.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.Provider.BaseURL, "/")
	}

	timeout := defaultProviderTimeout
	if cfg.Provider.TimeoutSec > 0 {
		timeout = time.Duration(cfg.Provider.TimeoutSec) * time.Second
	}

	return &openAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Agent.Model,
		maxTokens:   cfg.Agent.MaxTokens,
		temperature: float32(cfg.Agent.Temperature),
		timeout:     timeout,
		log:         log.With().Str("component", "model").Logger(),
	}, nil
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	var tools []openai.Tool
	for _, def := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Tools:       tools,
	})
	if err != nil {
		return nil, fmt.Errorf("model completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	choice := resp.Choices[0].Message
	out := Message{Role: RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	c.log.Debug().Int("tool_calls", len(out.ToolCalls)).Msg("model completion received")
	return &Response{Message: out}, nil
}
