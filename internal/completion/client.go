// Package completion abstracts the external text-generation provider.
//
// The engine calls every writer, editor, and evaluator persona through the
// Client interface. The production implementation wraps langchaingo's
// OpenAI-compatible client, so any provider exposing that API surface
// (OpenAI, a local TEI/vLLM gateway, a routing proxy) can back it. The
// context capsule travels whole with every call; the provider side is
// expected to do its own routing and cost accounting from it.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/swarmd/internal/model"
)

// ErrTransient indicates a provider failure that is safe to retry.
var ErrTransient = errors.New("transient provider error")

// Usage carries the provider-reported token accounting for one call. The
// engine only logs it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is the provider response for one completion call.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Client is the completion contract used by every worker role.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, capsule model.Capsule) (*Result, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	// BaseURL is the provider endpoint, e.g. https://api.openai.com/v1
	// or a local gateway.
	BaseURL string

	// Model is the completion model to request.
	Model string

	// APIKey authenticates against the provider.
	APIKey string

	// CallTimeout bounds each individual call. A timed-out call is
	// reported as transient.
	CallTimeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL required")
	}
	if c.Model == "" {
		return fmt.Errorf("model required")
	}
	return nil
}

// OpenAIClient calls an OpenAI-compatible chat completion endpoint via
// langchaingo.
type OpenAIClient struct {
	llm     *openai.LLM
	timeout time.Duration
}

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	opts := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &OpenAIClient{llm: llm, timeout: timeout}, nil
}

// Complete sends one system+user prompt pair and returns the first choice.
// Provider and timeout failures are wrapped as ErrTransient so the caller's
// retry policy applies uniformly.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string, capsule model.Capsule) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	callCtx = model.WithCapsule(callCtx, capsule)

	resp, err := c.llm.GenerateContent(callCtx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrTransient)
	}

	choice := resp.Choices[0]
	return &Result{
		Text:  choice.Content,
		Usage: usageFromGenerationInfo(choice.GenerationInfo),
	}, nil
}

func usageFromGenerationInfo(info map[string]any) Usage {
	var u Usage
	if v, ok := info["PromptTokens"].(int); ok {
		u.PromptTokens = v
	}
	if v, ok := info["CompletionTokens"].(int); ok {
		u.CompletionTokens = v
	}
	return u
}
