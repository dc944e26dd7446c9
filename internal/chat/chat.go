// Package chat holds the conversation model shared by the session handler,
// the suggestion generator and user storage: typed messages distinguishing
// the speaking partner from the writing user, and a Chatbot tracking whose
// turn it is.
package chat

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxaid/internal/event"
	"github.com/google/uuid"
)

// Role identifies which side of the conversation produced a message.
type Role string

const (
	// RoleUser is the speaking partner, transcribed from audio.
	RoleUser Role = "user"

	// RoleAssistant is the writing user, i.e. text selected or generated on
	// their behalf.
	RoleAssistant Role = "assistant"
)

// DefaultSpeaker names transcribed partners until diarization exists.
const DefaultSpeaker = "Unknown speaker"

// Message is one conversation entry. Speaker messages carry Speaker and
// writer messages carry MessageID; the JSON shape keeps the two apart by
// which field is present.
type Message struct {
	Role      Role      `json:"-"`
	Speaker   string    `json:"speaker,omitempty"`
	MessageID uuid.UUID `json:"message_id,omitzero"`
	Content   string    `json:"content"`
}

// UnmarshalJSON restores the role from the stored shape: a message carrying
// an ID was written, anything else was spoken.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Message(p)
	if m.MessageID != uuid.Nil {
		m.Role = RoleAssistant
	} else {
		m.Role = RoleUser
	}
	return nil
}

// SpeakerMessage returns a transcribed partner message.
func SpeakerMessage(speaker, content string) Message {
	return Message{Role: RoleUser, Speaker: speaker, Content: content}
}

// WriterMessage returns a message written by the user. The ID links the
// message to any audio synthesized for it.
func WriterMessage(id uuid.UUID, content string) Message {
	return Message{Role: RoleAssistant, MessageID: id, Content: content}
}

// Conversation is one session's worth of messages.
type Conversation struct {
	Messages  []Message `json:"messages"`
	StartTime time.Time `json:"start_time"`
}

// State says whose turn the conversation is in.
type State string

const (
	StateWaitingForUser State = "waiting_for_user"
	StateUserSpeaking   State = "user_speaking"
	StateBotSpeaking    State = "bot_speaking"
)

// NoGuard disables the concurrent-append guard of AddDelta.
const NoGuard = -1

// Chatbot accumulates a conversation from transcription deltas and response
// selections, and derives the turn state from it. Safe for concurrent use;
// the transcript loop and the generation worker both touch it.
type Chatbot struct {
	mu sync.Mutex

	conv          *Conversation
	stateOverride State
	keywords      *string
	desiredLength event.ResponseLength

	log *slog.Logger
}

// NewChatbot wraps conv, which is typically the freshly appended current
// conversation of the user's record.
func NewChatbot(conv *Conversation, log *slog.Logger) *Chatbot {
	if log == nil {
		log = slog.Default()
	}
	return &Chatbot{
		conv:          conv,
		desiredLength: event.LengthM,
		log:           log,
	}
}

// State derives whose turn it is. An override set with SetStateOverride wins;
// otherwise an empty conversation or a speaker message with only whitespace
// means we are waiting, a trailing writer message means the bot is speaking,
// and a trailing non-empty speaker message means the user is speaking.
func (c *Chatbot) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateOverride != "" {
		return c.stateOverride
	}
	if len(c.conv.Messages) == 0 {
		return StateWaitingForUser
	}
	last := c.conv.Messages[len(c.conv.Messages)-1]
	if last.Role == RoleAssistant {
		return StateBotSpeaking
	}
	if strings.TrimSpace(last.Content) == "" {
		return StateWaitingForUser
	}
	return StateUserSpeaking
}

// SetStateOverride forces State to return s until ClearStateOverride.
func (c *Chatbot) SetStateOverride(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateOverride = s
}

// StateOverride returns the forced state, or "" if none is set.
func (c *Chatbot) StateOverride() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateOverride
}

// ClearStateOverride returns State to its derived behavior.
func (c *Chatbot) ClearStateOverride() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateOverride = ""
}

// AddDelta appends a partial message and reports whether it started a new
// message rather than extending the last one.
//
// Consecutive user deltas fuse into the trailing speaker message, with a
// single separator space inserted when neither the existing text nor the
// delta supplies one. Assistant deltas always start a new writer message
// with a fresh ID.
//
// generatingIndex guards against a stale generation writing into a
// conversation that has moved on: pass the conversation length observed when
// the generation started, and the delta is dropped if the conversation has
// grown past it. Pass NoGuard to disable the check.
func (c *Chatbot) AddDelta(delta string, role Role, generatingIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generatingIndex != NoGuard && len(c.conv.Messages) > generatingIndex {
		c.log.Warn("dropping stale message delta",
			"delta", delta, "role", role, "generating_index", generatingIndex)
		return false
	}

	if role == RoleUser && len(c.conv.Messages) > 0 {
		last := &c.conv.Messages[len(c.conv.Messages)-1]
		if last.Role == RoleUser {
			if last.Content != "" &&
				!strings.HasSuffix(last.Content, " ") &&
				!strings.HasPrefix(delta, " ") {
				delta = " " + delta
			}
			last.Content += delta
			return false
		}
	}

	if role == RoleAssistant {
		c.conv.Messages = append(c.conv.Messages, WriterMessage(uuid.New(), delta))
	} else {
		c.conv.Messages = append(c.conv.Messages, SpeakerMessage(DefaultSpeaker, delta))
	}
	return true
}

// SelectResponse records that the user chose text as their reply. The ID
// comes from the client so the synthesized audio can be matched up.
func (c *Chatbot) SelectResponse(text string, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conv.Messages = append(c.conv.Messages, WriterMessage(id, text))
}

// Len returns the current number of messages. Generation workers snapshot
// this before streaming so AddDelta can detect staleness.
func (c *Chatbot) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conv.Messages)
}

// Conversation returns a copy of the whole conversation, safe to read while
// deltas keep arriving.
func (c *Chatbot) Conversation() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Conversation{StartTime: c.conv.StartTime}
	out.Messages = make([]Message, len(c.conv.Messages))
	copy(out.Messages, c.conv.Messages)
	return out
}

// Messages returns a copy of the conversation so far.
func (c *Chatbot) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.conv.Messages))
	copy(out, c.conv.Messages)
	return out
}

// SetKeywords replaces the guidance keywords for future generations. nil
// clears them.
func (c *Chatbot) SetKeywords(keywords *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keywords = keywords
}

// Keywords returns the current guidance keywords, or nil.
func (c *Chatbot) Keywords() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keywords
}

// SetDesiredLength changes the requested response length.
func (c *Chatbot) SetDesiredLength(l event.ResponseLength) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desiredLength = l
}

// DesiredLength returns the requested response length, LengthM by default.
func (c *Chatbot) DesiredLength() event.ResponseLength {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredLength
}
