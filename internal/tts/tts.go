// Package tts turns selected answers into speech through an HTTP synthesis
// upstream, so the user's picked reply can be played out loud to the
// conversation partner.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SampleRate is the PCM rate of synthesized audio.
const SampleRate = 24000

// MaxTextLength bounds a single synthesis request; longer texts are never a
// single picked answer.
const MaxTextLength = 1000

// synthesisTemperature trades stability for liveliness in the voice.
const synthesisTemperature = 0.8

var (
	ErrTextEmpty   = errors.New("tts: text is empty")
	ErrTextTooLong = fmt.Errorf("tts: text is longer than %d characters", MaxTextLength)

	// ErrVoiceUnavailable is returned for a voice name outside the catalog.
	ErrVoiceUnavailable = errors.New("tts: voice not available")
)

// Client speaks to one synthesis upstream.
type Client struct {
	url          string
	apiKey       string
	defaultVoice string
	httpClient   *http.Client
	log          *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithAPIKey sets the upstream API key, sent as kyutai-api-key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithDefaultVoice sets the voice used when neither the request nor the user
// settings pick one.
func WithDefaultVoice(voice string) Option {
	return func(c *Client) { c.defaultVoice = voice }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Voices lists the available voices as name to language. The upstream has no
// catalog endpoint, so the catalog is the configured default voice.
func (c *Client) Voices(context.Context) (map[string]string, error) {
	if c.defaultVoice == "" {
		return map[string]string{}, nil
	}
	return map[string]string{c.defaultVoice: "unknown"}, nil
}

// Synthesize renders text with the given voice and returns the encoded audio.
// An empty voice falls back to the configured default.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if len(text) == 0 {
		return nil, ErrTextEmpty
	}
	if len(text) > MaxTextLength {
		return nil, ErrTextTooLong
	}
	if voice == "" {
		voice = c.defaultVoice
	}

	body, err := json.Marshal(map[string]any{
		"text":        text,
		"voice":       voice,
		"temperature": synthesisTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("kyutai-api-key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts: upstream returned %s: %s", resp.Status, msg)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	c.log.Debug("synthesis finished",
		"voice", voice, "chars", len(text),
		"bytes", len(audio), "duration", time.Since(started))
	return audio, nil
}
