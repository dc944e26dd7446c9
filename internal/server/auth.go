package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/voxaid/internal/auth"
	"github.com/MrWong99/voxaid/internal/storage"
)

// tokenResponse is the body of every successful sign-in.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) writeToken(w http.ResponseWriter, email string) {
	token, err := s.tokens.Create(email)
	if err != nil {
		s.log.Error("minting access token", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// credentials reads the username/password form of login and register.
func credentials(r *http.Request) (username, password string, err error) {
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.PostFormValue("username"), r.PostFormValue("password"), nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowPassword.Load() {
		writeError(w, http.StatusBadRequest, "Password-based login is disabled")
		return
	}

	username, password, err := credentials(r)
	if err != nil || username == "" {
		writeError(w, http.StatusBadRequest, "Missing credentials")
		return
	}

	user, err := s.store.Load(r.Context(), username)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			s.log.Error("loading user", "error", err)
		}
		// Same answer for unknown accounts and wrong passwords.
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	if !auth.VerifyPassword(password, user.HashedPassword) {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	s.writeToken(w, user.Email)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowPassword.Load() {
		writeError(w, http.StatusBadRequest, "Password-based registration is disabled")
		return
	}

	username, password, err := credentials(r)
	if err != nil || username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "Missing credentials")
		return
	}

	exists, err := s.store.Exists(r.Context(), username)
	if err != nil {
		s.log.Error("checking user existence", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if exists {
		// Don't confirm that the account exists.
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		s.log.Error("hashing password", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	user := storage.NewUserRecord(username, hashed, nil)
	if err := s.store.Save(r.Context(), user); err != nil {
		s.log.Error("saving new user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.log.Info("user registered", "email", username)
	s.writeToken(w, username)
}

// googleAuthRequest is the body of POST /auth/google.
type googleAuthRequest struct {
	Token    string `json:"token"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if s.google == nil {
		writeError(w, http.StatusBadRequest, "Google sign-in is disabled")
		return
	}

	var req googleAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Missing Google token")
		return
	}

	googleUser, err := s.google.Verify(r.Context(), req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid Google token")
		return
	}

	user, err := s.store.Load(r.Context(), googleUser.Email)
	switch {
	case err == nil:
		if user.GoogleSub == nil {
			writeError(w, http.StatusUnauthorized, "Account exists, login with password")
			return
		}
	case errors.Is(err, storage.ErrUserNotFound):
		user = storage.NewUserRecord(googleUser.Email, "", &googleUser.Subject)
		if err := s.store.Save(r.Context(), user); err != nil {
			s.log.Error("saving new google user", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		s.log.Info("user registered via google", "email", googleUser.Email)
	default:
		s.log.Error("loading user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeToken(w, user.Email)
}

func (s *Server) handleAllowPassword(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"allow_password": s.allowPassword.Load()})
}

func (s *Server) handleGoogleClientID(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"google_client_id": s.googleClientID})
}
