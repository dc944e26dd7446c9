// Package event defines the realtime wire protocol spoken between the
// assistive client and the Voxaid session endpoint.
//
// The protocol is a small tagged union modeled on OpenAI's Realtime API: every
// frame is a UTF-8 JSON object carrying a "type" discriminator, and every
// server-originated frame additionally carries a server-generated "event_id".
// Client events are decoded with [DecodeClientEvent], which distinguishes
// between JSON decode failures and schema violations so the gateway can
// report both as non-fatal protocol errors.
package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ── Client → server events ─────────────────────────────────────────────────────

// ClientEvent is implemented by every event a client may send.
type ClientEvent interface {
	clientEventType() string
}

// InputAudioBufferAppend carries a base64-encoded chunk of the inbound
// Opus-in-Ogg audio stream.
type InputAudioBufferAppend struct {
	Audio string `json:"audio"`
}

// CurrentKeywords updates the keywords the next generation must work in.
// A nil Keywords clears them.
type CurrentKeywords struct {
	Keywords *string `json:"keywords"`
}

// DesiredResponsesLength selects how long suggested answers should be.
type DesiredResponsesLength struct {
	Length ResponseLength `json:"length"`
}

// ResponseSelectedByWriter reports which suggested answer the user picked.
type ResponseSelectedByWriter struct {
	Text string `json:"text"`
	ID   string `json:"id"`
}

func (InputAudioBufferAppend) clientEventType() string   { return "input_audio_buffer.append" }
func (CurrentKeywords) clientEventType() string          { return "current.keywords" }
func (DesiredResponsesLength) clientEventType() string   { return "desired.responses.length" }
func (ResponseSelectedByWriter) clientEventType() string { return "response.selected.by.writer" }

// ResponseLength is the requested length class for suggested answers.
type ResponseLength string

const (
	LengthXS ResponseLength = "XS"
	LengthS  ResponseLength = "S"
	LengthM  ResponseLength = "M"
	LengthL  ResponseLength = "L"
	LengthXL ResponseLength = "XL"
)

// IsValid reports whether l is a recognised response length.
func (l ResponseLength) IsValid() bool {
	switch l {
	case LengthXS, LengthS, LengthM, LengthL, LengthXL:
		return true
	}
	return false
}

// WordCountRange returns the (min, max) word counts a generation should aim
// for at this length.
func (l ResponseLength) WordCountRange() (min, max int) {
	switch l {
	case LengthXS:
		return 1, 5
	case LengthS:
		return 3, 10
	case LengthM:
		return 5, 15
	case LengthL:
		return 8, 20
	case LengthXL:
		return 12, 25
	default:
		return 5, 15
	}
}

// ── Server → client events ─────────────────────────────────────────────────────

// ServerEvent is implemented by every event the server may send.
type ServerEvent interface {
	serverEventType() string
}

// ErrorDetail is the nested error object of an [ErrorEvent].
type ErrorDetail struct {
	Type    string         `json:"type"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Param   string         `json:"param,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorEvent reports a protocol or server error. Kind "invalid_request_error"
// is non-fatal; kind "fatal" precedes connection close.
type ErrorEvent struct {
	Error ErrorDetail `json:"error"`
}

// ResponseCreated announces that a new generation has begun.
type ResponseCreated struct {
	Response ResponseStatus `json:"response"`
}

// ResponseStatus is the payload of [ResponseCreated].
type ResponseStatus struct {
	Status string `json:"status"`
	Voice  string `json:"voice,omitempty"`
}

// OneKeyword streams a single completed suggested keyword. Index is in [0,10).
type OneKeyword struct {
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Index     int     `json:"index"`
}

// OneResponse streams a single completed suggested answer. Index is in [0,4).
type OneResponse struct {
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Index     int     `json:"index"`
}

// TranscriptionDelta carries one transcribed word and its audio start time.
type TranscriptionDelta struct {
	Delta     string  `json:"delta"`
	StartTime float64 `json:"start_time"`
}

// SpeechStarted signals the start of a user utterance.
type SpeechStarted struct{}

// SpeechStopped signals a detected pause ending the user utterance.
type SpeechStopped struct{}

// ResponseAudioDelta carries a base64 Opus chunk of synthesized speech for
// the generation identified by ResponseID.
type ResponseAudioDelta struct {
	Delta      string `json:"delta"`
	ResponseID string `json:"response_id"`
}

// ResponseAudioDone signals the end of the audio stream for ResponseID.
type ResponseAudioDone struct {
	ResponseID string `json:"response_id"`
}

// InterruptedByVAD signals that the bot was interrupted by detected user
// speech while it was speaking.
type InterruptedByVAD struct{}

func (ErrorEvent) serverEventType() string      { return "error" }
func (ResponseCreated) serverEventType() string { return "response.created" }
func (OneKeyword) serverEventType() string      { return "one.keyword" }
func (OneResponse) serverEventType() string     { return "one.response" }
func (TranscriptionDelta) serverEventType() string {
	return "conversation.item.input_audio_transcription.delta"
}
func (SpeechStarted) serverEventType() string      { return "input_audio_buffer.speech_started" }
func (SpeechStopped) serverEventType() string      { return "input_audio_buffer.speech_stopped" }
func (ResponseAudioDelta) serverEventType() string { return "response.audio.delta" }
func (ResponseAudioDone) serverEventType() string  { return "response.audio.done" }
func (InterruptedByVAD) serverEventType() string   { return "unmute.interrupted_by_vad" }

// Type returns the wire discriminator of a server event.
func Type(ev ServerEvent) string { return ev.serverEventType() }

// NewEventID returns a fresh server event identifier.
func NewEventID() string {
	return "event_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Marshal encodes a server event as a JSON frame, injecting the "type"
// discriminator and a fresh "event_id".
func Marshal(ev ServerEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", ev.serverEventType(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("event: remarshal %s: %w", ev.serverEventType(), err)
	}

	typ, _ := json.Marshal(ev.serverEventType())
	id, _ := json.Marshal(NewEventID())
	fields["type"] = typ
	fields["event_id"] = id

	return json.Marshal(fields)
}

// ── Client event decoding ──────────────────────────────────────────────────────

// SchemaError describes a structurally valid JSON frame that violates the
// event schema. Details is included verbatim in the error event sent back.
type SchemaError struct {
	EventType string
	Reason    string
	Details   map[string]any
}

func (e *SchemaError) Error() string {
	if e.EventType == "" {
		return "event: " + e.Reason
	}
	return fmt.Sprintf("event: %s: %s", e.EventType, e.Reason)
}

// DecodeClientEvent parses a single inbound frame. It returns a
// [*SchemaError] for schema violations (unknown type, missing required
// fields, invalid enum values) and a plain error for JSON decode failures.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	if envelope.Type == "" {
		return nil, &SchemaError{
			Reason:  "missing type discriminator",
			Details: map[string]any{"missing": []string{"type"}},
		}
	}

	switch envelope.Type {
	case "input_audio_buffer.append":
		var ev struct {
			Audio *string `json:"audio"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", envelope.Type, err)
		}
		if ev.Audio == nil {
			return nil, missingField(envelope.Type, "audio")
		}
		return InputAudioBufferAppend{Audio: *ev.Audio}, nil

	case "current.keywords":
		var ev CurrentKeywords
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", envelope.Type, err)
		}
		return ev, nil

	case "desired.responses.length":
		var ev DesiredResponsesLength
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", envelope.Type, err)
		}
		if !ev.Length.IsValid() {
			return nil, &SchemaError{
				EventType: envelope.Type,
				Reason:    fmt.Sprintf("invalid length %q", ev.Length),
				Details: map[string]any{
					"field":   "length",
					"allowed": []string{"XS", "S", "M", "L", "XL"},
				},
			}
		}
		return ev, nil

	case "response.selected.by.writer":
		var ev struct {
			Text *string `json:"text"`
			ID   *string `json:"id"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", envelope.Type, err)
		}
		if ev.Text == nil {
			return nil, missingField(envelope.Type, "text")
		}
		if ev.ID == nil {
			return nil, missingField(envelope.Type, "id")
		}
		if _, err := uuid.Parse(*ev.ID); err != nil {
			return nil, &SchemaError{
				EventType: envelope.Type,
				Reason:    fmt.Sprintf("invalid id %q", *ev.ID),
				Details:   map[string]any{"field": "id", "expected": "uuid"},
			}
		}
		return ResponseSelectedByWriter{Text: *ev.Text, ID: *ev.ID}, nil

	default:
		return nil, &SchemaError{
			EventType: envelope.Type,
			Reason:    "unknown event type",
			Details:   map[string]any{"type": envelope.Type},
		}
	}
}

func missingField(eventType, field string) *SchemaError {
	return &SchemaError{
		EventType: eventType,
		Reason:    fmt.Sprintf("missing required field %q", field),
		Details:   map[string]any{"missing": []string{field}},
	}
}
