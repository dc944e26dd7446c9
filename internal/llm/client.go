// Package llm streams response suggestions for the user: given the
// conversation so far it asks a chat-completion upstream for guidance
// keywords and ready-to-say answers, enforced through a strict JSON schema
// and surfaced incrementally while the model is still writing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Generation temperatures. The first generation of a session explores, the
// rest stay close to what the user has already seen.
const (
	FirstMessageTemperature    = 0.7
	FurtherMessagesTemperature = 0.3
)

// rateLimitBackoff is how long to wait before each retry of a rate-limited
// request. After the last entry the error is promoted to a hard error.
var rateLimitBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// suggestionSchema is the strict response format: the model must return both
// arrays and nothing else.
var suggestionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"suggested_keywords": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"suggested_answers": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required":             []string{"suggested_keywords", "suggested_answers"},
	"additionalProperties": false,
}

// Client streams suggestion generations from an OpenAI-compatible upstream.
type Client struct {
	client oai.Client
	model  string
	log    *slog.Logger
}

// config holds optional configuration for the client.
type config struct {
	baseURL string
	timeout time.Duration
	log     *slog.Logger
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL points the client at a self-hosted upstream.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// New constructs a suggestion client.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	cfg := &config{log: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Client{
		client: oai.NewClient(reqOpts...),
		model:  model,
		log:    cfg.log,
	}, nil
}

// CheckHealth reports whether the upstream answers at all. Used by the
// health endpoint; a model listing is the cheapest authenticated request.
func (c *Client) CheckHealth(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("llm: upstream unreachable: %w", err)
	}
	return nil
}

// Stream runs one generation and calls emit for every raw text delta, in
// order. Rate-limited attempts are retried with backoff as long as nothing
// has been emitted yet; every other error, and any error after the first
// delta, is returned as-is. Cancelling ctx aborts the stream.
func (c *Client) Stream(ctx context.Context, messages []Message, temperature float64, emit func(delta string) error) error {
	params := oai.ChatCompletionNewParams{
		Model:       oai.ChatModel(c.model),
		Temperature: oai.Float(temperature),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "response_suggestion",
					Strict: oai.Bool(true),
					Schema: suggestionSchema,
				},
			},
		},
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, oai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, oai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, oai.UserMessage(m.Content))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(rateLimitBackoff); attempt++ {
		emitted, err := c.streamOnce(ctx, params, emit)
		if err == nil {
			return nil
		}
		if emitted || !isRateLimit(err) || attempt == len(rateLimitBackoff) {
			return err
		}

		lastErr = err
		wait := rateLimitBackoff[attempt]
		c.log.Warn("rate limited by upstream, retrying", "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("llm: giving up after rate-limit retries: %w", lastErr)
}

func (c *Client) streamOnce(ctx context.Context, params oai.ChatCompletionNewParams, emit func(string) error) (emitted bool, err error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		emitted = true
		if err := emit(delta); err != nil {
			return emitted, err
		}
	}
	if err := stream.Err(); err != nil {
		return emitted, fmt.Errorf("llm: stream: %w", err)
	}
	return emitted, nil
}

func isRateLimit(err error) bool {
	var apierr *oai.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
