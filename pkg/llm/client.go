// Package llm wraps the OpenAI-compatible chat completion endpoint behind
// the engine's ChatModel interface, with a process-wide rate gate so a burst
// of concurrent mandates cannot stampede the provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

// ErrEmptyCompletion indicates the provider returned no choices.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Client is a rate-gated chat client. It satisfies the engine's ChatModel
// interface.
type Client struct {
	api     *openai.Client
	model   string
	temp    float32
	limiter *rate.Limiter
	log     *slog.Logger

	// trace receives llm_usage events for the running mandate; may be nil.
	trace *telemetry.Session
}

// NewClient builds a client from configuration. A zero RequestsPerSecond
// disables the rate gate.
func NewClient(cfg *config.LLMConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		temp:    cfg.Temperature,
		limiter: limiter,
		log:     slog.With("component", "llm"),
	}
}

// WithTrace returns a copy of the client bound to a telemetry session.
func (c *Client) WithTrace(trace *telemetry.Session) *Client {
	cp := *c
	cp.trace = trace
	return &cp
}

// Complete returns free-text output for a system/user prompt pair.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, nil)
}

// CompleteJSON constrains the reply to a single JSON object.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	})
}

func (c *Client) complete(ctx context.Context, system, user string, format *openai.ChatCompletionResponseFormat) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: format,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	telemetry.LLMTokens.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	telemetry.LLMTokens.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	if c.trace != nil {
		c.trace.LLMUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp.Choices[0].Message.Content, nil
}
