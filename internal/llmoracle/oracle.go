// Package llmoracle wraps the single LLM capability this system needs —
// complete(system, user, max_tokens, temperature) -> text — behind
// langchaingo's OpenAI-compatible client, since any
// self-hosted or cloud provider this talks to exposes the same
// /v1/chat/completions shape. All prompt construction, JSON extraction,
// and retry policy lives on this side of the boundary; the oracle itself
// is treated as a dumb text-in/text-out network collaborator.
package llmoracle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/apperrors"
)

// Config configures the oracle's provider connection.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Oracle completes prompts against a configured LLM provider.
type Oracle struct {
	llm   llms.Model
	cfg   Config
	log   *zap.Logger
}

// New creates an Oracle backed by an OpenAI-compatible endpoint.
func New(cfg Config, log *zap.Logger) (*Oracle, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return &Oracle{llm: llm, cfg: cfg, log: log.Named("llmoracle")}, nil
}

// Complete asks the oracle for one completion, making up to 3 attempts
// with exponential backoff under a 60s per-attempt deadline.
func (o *Oracle) Complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	if maxTokens == 0 {
		maxTokens = o.cfg.MaxTokens
	}
	if temperature == 0 {
		temperature = o.cfg.Temperature
	}

	op := func() (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		messages := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, user),
		}
		resp, err := o.llm.GenerateContent(attemptCtx, messages,
			llms.WithMaxTokens(maxTokens),
			llms.WithTemperature(temperature),
		)
		if err != nil {
			return "", &apperrors.TransientIOError{Op: "llmoracle.complete", Err: err}
		}
		if len(resp.Choices) == 0 {
			return "", &apperrors.LLMError{Stage: "complete", Err: fmt.Errorf("empty response")}
		}
		return resp.Choices[0].Content, nil
	}

	text, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		o.log.Warn("llm completion failed after retries", zap.Error(err))
		return "", &apperrors.LLMError{Stage: "complete", Err: err}
	}
	return text, nil
}
