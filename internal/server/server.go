// Package server exposes the backend HTTP surface: account and settings
// routes, speech synthesis, health, metrics, and the realtime conversation
// websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/cors"

	"github.com/MrWong99/voxaid/internal/auth"
	"github.com/MrWong99/voxaid/internal/discovery"
	"github.com/MrWong99/voxaid/internal/health"
	"github.com/MrWong99/voxaid/internal/lock"
	"github.com/MrWong99/voxaid/internal/observe"
	"github.com/MrWong99/voxaid/internal/session"
	"github.com/MrWong99/voxaid/internal/storage"
)

// Synthesizer is the TTS surface the routes need. *tts.Client satisfies it.
type Synthesizer interface {
	Voices(ctx context.Context) (map[string]string, error)
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Config wires a Server.
type Config struct {
	Store  storage.Store
	Tokens *auth.Tokens

	// Google verifies Google sign-in tokens; nil disables the route.
	Google         auth.GoogleVerifier
	GoogleClientID string
	AllowPassword  bool

	Locks lock.Locker
	TTS   Synthesizer

	// Completer runs suggestion generations for sessions.
	Completer session.Completer

	// LLMHealth probes the completion upstream.
	LLMHealth func(ctx context.Context) error

	// Broker resolves STT instances; used by the health probe.
	Broker *discovery.Broker

	// NewTranscriber opens an STT stream for a new session.
	NewTranscriber func(ctx context.Context) (session.Transcriber, error)

	// MetricsHandler serves GET /metrics, typically promhttp.Handler().
	MetricsHandler http.Handler

	CORSAllowedOrigins []string

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server holds the route dependencies.
type Server struct {
	store  storage.Store
	tokens *auth.Tokens

	google         auth.GoogleVerifier
	googleClientID string
	allowPassword  atomic.Bool

	locks lock.Locker
	tts   Synthesizer

	completer      session.Completer
	llmHealth      func(ctx context.Context) error
	broker         *discovery.Broker
	newTranscriber func(ctx context.Context) (session.Transcriber, error)

	metricsHandler http.Handler
	corsOrigins    []string

	log *slog.Logger
	met *observe.Metrics
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	s := &Server{
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		google:         cfg.Google,
		googleClientID: cfg.GoogleClientID,
		locks:          cfg.Locks,
		tts:            cfg.TTS,
		completer:      cfg.Completer,
		llmHealth:      cfg.LLMHealth,
		broker:         cfg.Broker,
		newTranscriber: cfg.NewTranscriber,
		metricsHandler: cfg.MetricsHandler,
		corsOrigins:    cfg.CORSAllowedOrigins,
		log:            log,
		met:            met,
	}
	s.allowPassword.Store(cfg.AllowPassword)
	if s.locks == nil {
		s.locks = lock.NewLocalLocker()
	}
	return s
}

// SetAllowPassword flips password login at runtime; driven by the config
// watcher.
func (s *Server) SetAllowPassword(allow bool) {
	s.allowPassword.Store(allow)
}

// Routes builds the full handler: routed endpoints wrapped in the metrics
// middleware and CORS.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	health.New(
		health.Checker{Name: "stt", Check: s.checkSTT},
		health.Checker{Name: "llm", Check: s.checkLLM},
	).Register(mux)

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/google", s.handleGoogleLogin)
	mux.HandleFunc("GET /auth/allow-password", s.handleAllowPassword)
	mux.HandleFunc("GET /auth/google-client-id", s.handleGoogleClientID)

	mux.HandleFunc("GET /v1/user", s.handleGetUser)
	mux.HandleFunc("POST /v1/user/settings", s.handleUpdateSettings)
	mux.HandleFunc("DELETE /v1/user/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /v1/user/new-conversation", s.handleNewConversation)

	mux.HandleFunc("POST /v1/tts", s.handleTTS)
	mux.HandleFunc("GET /v1/tts/sample_rate", s.handleTTSSampleRate)
	mux.HandleFunc("GET /v1/voices", s.handleListVoices)
	mux.HandleFunc("POST /v1/voices/select", s.handleSelectVoice)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return observe.Middleware(s.met)(c.Handler(mux))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "You've reached the Voxaid backend server.",
	})
}

// ── request plumbing ───────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mirrors the {"detail": ...} error shape clients expect.
func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// userFromToken resolves a bearer token to the stored user record.
func (s *Server) userFromToken(ctx context.Context, token string) (*storage.UserRecord, int, string) {
	email, err := s.tokens.Verify(token)
	if err != nil {
		return nil, http.StatusUnauthorized, "Invalid token"
	}
	user, err := s.store.Load(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, http.StatusNotFound, "User not found"
		}
		s.log.Error("loading user", "error", err)
		return nil, http.StatusInternalServerError, "Internal server error"
	}
	return user, 0, ""
}

// requireUser authenticates the request via its Authorization header. On
// failure the error response has already been written and nil is returned.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *storage.UserRecord {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return nil
	}

	user, code, detail := s.userFromToken(r.Context(), token)
	if user == nil {
		writeError(w, code, detail)
		return nil
	}
	return user
}

// ── health ─────────────────────────────────────────────────────────────────────

// HealthStatus is the body of GET /v1/health.
type HealthStatus struct {
	STTUp bool `json:"stt_up"`
	LLMUp bool `json:"llm_up"`
	OK    bool `json:"ok"`
}

const healthProbeTimeout = 5 * time.Second

func (s *Server) checkSTT(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	instances, err := s.broker.Instances(ctx, "stt")
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return errors.New("no stt instances resolved")
	}
	return nil
}

func (s *Server) checkLLM(ctx context.Context) error {
	if s.llmHealth == nil {
		return nil
	}
	return s.llmHealth(ctx)
}

func (s *Server) healthStatus(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	st := HealthStatus{
		STTUp: s.checkSTT(ctx) == nil,
		LLMUp: s.checkLLM(ctx) == nil,
	}
	st.OK = st.STTUp && st.LLMUp
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.healthStatus(r.Context())
	s.met.RecordHealthCheck(r.Context(), st.OK)
	writeJSON(w, http.StatusOK, st)
}
