package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/MrWong99/voxaid/internal/lock"
	"github.com/MrWong99/voxaid/internal/storage"
	"github.com/MrWong99/voxaid/internal/tts"
)

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}

	var settings storage.UserSettings
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid settings: %v", err))
		return
	}

	user.Settings = settings
	if err := s.store.Save(r.Context(), user); err != nil {
		s.log.Error("saving settings", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	if !user.DeleteConversation(id) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err := s.store.Save(r.Context(), user); err != nil {
		s.log.Error("saving after conversation delete", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── speech synthesis ───────────────────────────────────────────────────────────

// ttsRequest is the body of POST /v1/tts.
type ttsRequest struct {
	Text      string  `json:"text"`
	VoiceName *string `json:"voice_name,omitempty"`
}

// resolveVoice picks the voice for a synthesis request: the explicit request
// wins, then the user's saved voice, then the upstream default.
func (s *Server) resolveVoice(r *http.Request, user *storage.UserRecord, requested *string) (string, error) {
	voices, err := s.tts.Voices(r.Context())
	if err != nil {
		return "", fmt.Errorf("listing voices: %w", err)
	}

	if requested != nil {
		if _, ok := voices[*requested]; !ok {
			return "", fmt.Errorf("%w: %q, available: %s",
				tts.ErrVoiceUnavailable, *requested, voiceNames(voices))
		}
		return *requested, nil
	}

	if user.Settings.Voice != nil {
		if _, ok := voices[*user.Settings.Voice]; ok {
			return *user.Settings.Voice, nil
		}
		s.log.Warn("saved voice is gone from the catalog, falling back to default",
			"voice", *user.Settings.Voice)
	}
	return "", nil
}

func voiceNames(voices map[string]string) string {
	names := make([]string, 0, len(voices))
	for name := range voices {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}

	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "Text cannot be empty")
		return
	}
	if len(req.Text) > tts.MaxTextLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Text cannot be longer than %d characters", tts.MaxTextLength))
		return
	}

	voice, err := s.resolveVoice(r, user, req.VoiceName)
	if err != nil {
		if errors.Is(err, tts.ErrVoiceUnavailable) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("resolving voice", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// One synthesis per user at a time; the upstream holds a speaker slot.
	release, err := s.locks.Acquire(r.Context(), user.Email, lock.KindTTS)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyHeld) {
			writeError(w, http.StatusTooManyRequests, "A synthesis is already running")
			return
		}
		s.log.Error("acquiring tts lock", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer release()

	audio, err := s.tts.Synthesize(r.Context(), req.Text, voice)
	if err != nil {
		s.log.Error("synthesis failed", "error", err)
		writeError(w, http.StatusBadGateway, "Speech synthesis failed")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(audio)
}

func (s *Server) handleTTSSampleRate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"sample_rate": tts.SampleRate})
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.tts.Voices(r.Context())
	if err != nil {
		s.log.Error("listing voices", "error", err)
		writeError(w, http.StatusBadGateway, "Voice catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

// voiceSelectionRequest is the body of POST /v1/voices/select.
type voiceSelectionRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleSelectVoice(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}

	var req voiceSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Voice == "" {
		writeError(w, http.StatusBadRequest, "Missing voice")
		return
	}

	voices, err := s.tts.Voices(r.Context())
	if err != nil {
		s.log.Error("listing voices", "error", err)
		writeError(w, http.StatusBadGateway, "Voice catalog unavailable")
		return
	}
	if _, ok := voices[req.Voice]; !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Voice %q is not available. Available voices: %s", req.Voice, voiceNames(voices)))
		return
	}

	user.Settings.Voice = &req.Voice
	if err := s.store.Save(r.Context(), user); err != nil {
		s.log.Error("saving voice selection", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"voice": req.Voice})
}
