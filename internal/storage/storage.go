// Package storage persists user accounts: settings, credentials and the full
// conversation history. Two backends exist, a JSON-file store for single-node
// deployments and a PostgreSQL store for everything else.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxaid/internal/chat"
	"github.com/google/uuid"
)

// ErrUserNotFound is returned when no record exists for an email.
var ErrUserNotFound = errors.New("storage: user not found")

// Document is a piece of background text the user uploaded to give the
// suggestion model more context.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// UserSettings is everything the user configures about themselves.
type UserSettings struct {
	Name               string     `json:"name"`
	Prompt             string     `json:"prompt"`
	AdditionalKeywords []string   `json:"additional_keywords"`
	Friends            []string   `json:"friends"`
	Documents          []Document `json:"documents"`
	Voice              *string    `json:"voice,omitempty"`

	// ExpectedTranscriptionLanguage hints the STT upstream, e.g. "fr".
	ExpectedTranscriptionLanguage *string `json:"expected_transcription_language,omitempty"`
}

// DefaultSettings are the settings of a freshly registered account. The
// starter keywords give the very first session something to suggest before
// the user has configured anything.
func DefaultSettings() UserSettings {
	return UserSettings{
		Name:   "New name",
		Prompt: "",
		AdditionalKeywords: []string{
			"manger", "dormir", "sortir", "discuter",
			"reflechir", "cinema", "theatre",
		},
		Friends: []string{},
	}
}

// NewUserRecord builds a record for a just-registered account, either with a
// password hash or a Google subject.
func NewUserRecord(email, hashedPassword string, googleSub *string) *UserRecord {
	return &UserRecord{
		ID:             uuid.New(),
		Email:          email,
		HashedPassword: hashedPassword,
		GoogleSub:      googleSub,
		Settings:       DefaultSettings(),
		Conversations:  []chat.Conversation{},
	}
}

// UserRecord is one stored user: account identity plus settings and history.
type UserRecord struct {
	ID             uuid.UUID `json:"user_id"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"hashed_password"`
	GoogleSub      *string   `json:"google_sub"`

	Settings      UserSettings        `json:"user_settings"`
	Conversations []chat.Conversation `json:"conversations"`
}

// StartConversation appends a fresh conversation and returns a pointer to it.
// The pointer stays valid as long as no further conversation is appended,
// which holds for the one session that owns the record.
func (r *UserRecord) StartConversation(start time.Time) *chat.Conversation {
	r.Conversations = append(r.Conversations, chat.Conversation{StartTime: start})
	return &r.Conversations[len(r.Conversations)-1]
}

// DeleteConversation removes the conversation at index i.
func (r *UserRecord) DeleteConversation(i int) bool {
	if i < 0 || i >= len(r.Conversations) {
		return false
	}
	r.Conversations = append(r.Conversations[:i], r.Conversations[i+1:]...)
	return true
}

// Store reads and writes user records keyed by email.
type Store interface {
	// Load returns the record for email, or [ErrUserNotFound].
	Load(ctx context.Context, email string) (*UserRecord, error)

	// Save writes the record, creating or replacing it.
	Save(ctx context.Context, rec *UserRecord) error

	// Exists reports whether a record for email is present.
	Exists(ctx context.Context, email string) (bool, error)
}
