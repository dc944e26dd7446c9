package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// historySubdir is where user files live under the data directory.
const historySubdir = "user_settings_and_history"

// FileStore keeps one pretty-printed JSON file per user under
// <dir>/user_settings_and_history/<email>.json.
type FileStore struct {
	dir string
	log *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. The directory is created
// lazily on first save.
func NewFileStore(dir string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{dir: dir, log: log}
}

func (s *FileStore) path(email string) string {
	return filepath.Join(s.dir, historySubdir, email+".json")
}

func (s *FileStore) Load(_ context.Context, email string) (*UserRecord, error) {
	data, err := os.ReadFile(s.path(email))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read user file: %w", err)
	}

	var rec UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode user file for %s: %w", email, err)
	}
	return &rec, nil
}

func (s *FileStore) Save(_ context.Context, rec *UserRecord) error {
	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("storage: encode user record: %w", err)
	}

	path := s.path(rec.Email)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: create data dir: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("storage: write user file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: replace user file: %w", err)
	}

	s.log.Info("user data saved", "path", path)
	return nil
}

func (s *FileStore) Exists(_ context.Context, email string) (bool, error) {
	_, err := os.Stat(s.path(email))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat user file: %w", err)
	}
	return true, nil
}
