package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxaid/internal/lock"
	"github.com/MrWong99/voxaid/internal/quest"
	"github.com/MrWong99/voxaid/internal/session"
	"github.com/MrWong99/voxaid/internal/storage"
)

// bearerSubprotocol prefixes the access token in the websocket subprotocol
// list. Browsers can't set an Authorization header on websocket upgrades.
const bearerSubprotocol = "Bearer."

// bearerFromSubprotocols scans the offered subprotocols for an access token.
func bearerFromSubprotocols(r *http.Request) string {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if token, ok := strings.CutPrefix(proto, bearerSubprotocol); ok {
				return token
			}
		}
	}
	return ""
}

// originPatterns converts the configured CORS origins into the host patterns
// the websocket accept check wants.
func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.corsOrigins))
	for _, origin := range s.corsOrigins {
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		patterns = append(patterns, host)
	}
	return patterns
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	localTimeParam := r.URL.Query().Get("local_time")
	if localTimeParam == "" {
		writeError(w, http.StatusBadRequest, "local_time is required")
		return
	}
	// RFC 3339 always carries an offset, which is the timezone awareness the
	// conversation history needs.
	localTime, err := time.Parse(time.RFC3339, localTimeParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "local_time must be timezone-aware")
		return
	}

	var user *storage.UserRecord
	if token := bearerFromSubprotocols(r); token != "" {
		var code int
		var detail string
		user, code, detail = s.userFromToken(ctx, token)
		if user == nil {
			writeError(w, code, detail)
			return
		}
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	// One live conversation per user, across all backend instances.
	release, err := s.locks.Acquire(ctx, user.Email, lock.KindSTT)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyHeld) {
			writeError(w, http.StatusTooManyRequests, "Another conversation is already running")
			return
		}
		s.log.Error("acquiring stt lock", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer release()

	s.met.Sessions.Add(ctx, 1)
	s.met.ActiveSessions.Add(ctx, 1)
	started := time.Now()
	defer func() {
		s.met.ActiveSessions.Add(ctx, -1)
		s.met.SessionDuration.Record(ctx, time.Since(started).Seconds())
	}()

	// The subprotocol matters: realtime clients check for "realtime" and
	// refuse the endpoint otherwise.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"realtime"},
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	log := s.log.With("email", user.Email)
	log.Info("new conversation session")

	if st := s.healthStatus(ctx); !st.OK {
		log.Warn("rejecting session, upstreams unhealthy", "stt_up", st.STTUp, "llm_up", st.LLMUp)
		conn.Close(websocket.StatusInternalError, "Service is unhealthy, please try again later.")
		return
	}

	quests := quest.NewManager(ctx)
	handler := session.NewHandler(session.Config{
		Record:         user,
		Store:          s.store,
		NewTranscriber: s.newTranscriber,
		Completer:      s.completer,
		LocalTime:      localTime,
		Logger:         log,
		Metrics:        s.met,
	}, quests)

	if err := handler.StartUp(ctx); err != nil {
		quests.Shutdown()
		session.ReportTerminalError(ctx, conn, handler, err)
		return
	}

	err = session.Run(ctx, conn, handler)
	session.ReportTerminalError(ctx, conn, handler, err)
	log.Info("conversation session over", "duration", time.Since(started))
}
