// Package session runs one realtime conversation: the turn controller that
// arbitrates between the speaking partner and the writing user, and the
// websocket gateway that moves typed events in and out.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxaid/internal/chat"
	"github.com/MrWong99/voxaid/internal/event"
	"github.com/MrWong99/voxaid/internal/llm"
	"github.com/MrWong99/voxaid/internal/observe"
	"github.com/MrWong99/voxaid/internal/quest"
	"github.com/MrWong99/voxaid/internal/storage"
	"github.com/MrWong99/voxaid/internal/stt"
	"github.com/MrWong99/voxaid/pkg/audio"
)

// UserSilenceTimeout is the soft budget for user silence in seconds. It only
// resets the waiting-for-user timer; it never ends the session.
const UserSilenceTimeout = 7.0

// Transcriber is the view of the STT stream the turn controller needs.
// *stt.Client satisfies it.
type Transcriber interface {
	SendAudio(ctx context.Context, pcm []float32) error
	Events() <-chan stt.Event
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
	CurrentTime() float64
	PausePrediction() float64
	SetPausePrediction(v float64)
	SentSamples() int
	Delay() float64
}

// Completer streams one suggestion generation. *llm.Client satisfies it.
type Completer interface {
	Stream(ctx context.Context, messages []llm.Message, temperature float64, emit func(delta string) error) error
}

var (
	_ Transcriber = (*stt.Client)(nil)
	_ Completer   = (*llm.Client)(nil)
)

// Config wires a Handler.
type Config struct {
	// Record is the authenticated user's record; the handler appends a new
	// conversation to it and saves it on Cleanup.
	Record *storage.UserRecord

	// Store persists Record.
	Store storage.Store

	// NewTranscriber connects an STT stream, typically through
	// discovery.FindInstance.
	NewTranscriber func(ctx context.Context) (Transcriber, error)

	// Completer runs suggestion generations.
	Completer Completer

	// LocalTime is the client's wall clock, used as the conversation start.
	LocalTime time.Time

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Handler is the turn controller for one session.
type Handler struct {
	log *slog.Logger
	met *observe.Metrics

	rec     *storage.UserRecord
	store   storage.Store
	chatbot *chat.Chatbot
	quests  *quest.Manager
	queue   *outQueue

	newTranscriber func(ctx context.Context) (Transcriber, error)
	completer      Completer
	voice          string

	mu                  sync.Mutex
	transcriber         Transcriber
	samplesReceived     int
	sttLastMessageTime  float64
	sttEndOfFlushTime   *float64
	flushStartedAt      time.Time
	waitingForUserStart float64
}

// NewHandler builds the turn controller and starts a fresh conversation on
// the user's record. quests must come from the session's scope so teardown
// reaches every child activity.
func NewHandler(cfg Config, quests *quest.Manager) *Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	conv := cfg.Record.StartConversation(cfg.LocalTime)

	voice := ""
	if cfg.Record.Settings.Voice != nil {
		voice = *cfg.Record.Settings.Voice
	}

	return &Handler{
		log:            log,
		met:            met,
		rec:            cfg.Record,
		store:          cfg.Store,
		chatbot:        chat.NewChatbot(conv, log),
		quests:         quests,
		queue:          newOutQueue(),
		newTranscriber: cfg.NewTranscriber,
		completer:      cfg.Completer,
		voice:          voice,
	}
}

// Chatbot exposes the conversation model, mainly for the gateway and tests.
func (h *Handler) Chatbot() *chat.Chatbot {
	return h.chatbot
}

// StartUp registers the STT quest and blocks until the stream is connected.
// Nothing else may start before transcription is available.
func (h *Handler) StartUp(ctx context.Context) error {
	handle := quest.Add(h.quests, quest.Quest[Transcriber]{
		Name: "stt",
		Init: func(ctx context.Context) (Transcriber, error) {
			return h.newTranscriber(ctx)
		},
		Run: func(ctx context.Context, t Transcriber) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return t.Run(ctx) })
			g.Go(func() error {
				h.transcriptLoop(t)
				return nil
			})
			return g.Wait()
		},
		Close: func(t Transcriber) error {
			return t.Shutdown(context.Background())
		},
	})

	t, err := handle.Get(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.transcriber = t
	h.waitingForUserStart = h.audioReceivedSecLocked()
	h.mu.Unlock()
	return nil
}

// transcriptLoop consumes normalized STT events until the stream closes.
func (h *Handler) transcriptLoop(t Transcriber) {
	for ev := range t.Events() {
		if ev.Kind == stt.KindMarker {
			continue
		}

		h.queue.PutEvent(event.TranscriptionDelta{Delta: ev.Text, StartTime: ev.StartTime})

		// The upstream keeps the stream alive with empty strings; they must
		// not start an utterance or feed pause detection.
		if ev.Text == "" {
			continue
		}

		h.mu.Lock()
		h.sttLastMessageTime = ev.StartTime
		h.mu.Unlock()

		isNew := h.chatbot.AddDelta(ev.Text, chat.RoleUser, chat.NoGuard)
		if h.chatbot.StateOverride() == chat.StateWaitingForUser {
			h.chatbot.ClearStateOverride()
		}
		if isNew {
			// Don't let a pause end the turn before the VAD has reacted to
			// the first word.
			t.SetPausePrediction(0)
			h.queue.PutEvent(event.SpeechStarted{})
		}
	}

	// The channel closing is the upstream's end of stream: nothing more will
	// ever be transcribed, so the session is over. The sentinel tells the emit
	// loop to close the websocket cleanly once everything queued has gone out.
	h.queue.Put(Outbound{Close: true})
}

// ReceiveAudio is called for every decoded inbound PCM chunk. It advances
// the audio clock, forwards the audio to the STT, and drives end-of-utterance
// detection and the post-pause flush.
func (h *Handler) ReceiveAudio(ctx context.Context, pcm []float32) error {
	h.mu.Lock()
	h.samplesReceived += len(pcm)
	now := h.audioReceivedSecLocked()
	t := h.transcriber
	h.mu.Unlock()
	if t == nil {
		return fmt.Errorf("session: received audio before the stt stream was ready")
	}

	switch h.chatbot.State() {
	case chat.StateBotSpeaking:
		// Keep refreshing so the silence budget doesn't fire spuriously.
		h.mu.Lock()
		h.waitingForUserStart = now
		h.mu.Unlock()
	case chat.StateWaitingForUser:
		h.mu.Lock()
		if now-h.waitingForUserStart > UserSilenceTimeout {
			h.waitingForUserStart = now
			h.mu.Unlock()
			h.log.Debug("user silence budget elapsed", "at", now)
		} else {
			h.mu.Unlock()
		}
	}

	if err := t.SendAudio(ctx, pcm); err != nil {
		return err
	}

	h.mu.Lock()
	flushEnd := h.sttEndOfFlushTime
	h.mu.Unlock()

	if flushEnd == nil {
		if !h.determinePause(t) {
			return nil
		}
		h.log.Info("pause detected", "pause_prediction", t.PausePrediction())
		h.queue.PutEvent(event.SpeechStopped{})

		end := t.CurrentTime() + t.Delay()
		h.mu.Lock()
		h.sttEndOfFlushTime = &end
		h.flushStartedAt = time.Now()
		h.mu.Unlock()

		// Pad with silence so everything said before the pause is fully
		// transcribed despite the upstream's delay.
		frames := int(math.Ceil(t.Delay()/stt.FrameTime)) + 1
		zero := make([]float32, stt.SamplesPerFrame)
		for range frames {
			if err := t.SendAudio(ctx, zero); err != nil {
				return err
			}
		}
		return nil
	}

	// Flushing: the upstream is chewing on silence, so the pause score says
	// nothing. Wait for the stream clock to pass the flush horizon.
	if t.CurrentTime() > *flushEnd {
		h.mu.Lock()
		h.sttEndOfFlushTime = nil
		elapsed := time.Since(h.flushStartedAt)
		h.mu.Unlock()

		h.log.Info("flush finished",
			"elapsed", elapsed,
			"rtf", t.Delay()/elapsed.Seconds())
		h.generateResponse()
	}
	return nil
}

// determinePause consults the smoothed pause score, but only while the user
// is actually speaking.
func (h *Handler) determinePause(t Transcriber) bool {
	if h.chatbot.State() != chat.StateUserSpeaking {
		return false
	}

	h.mu.Lock()
	lastMessage := h.sttLastMessageTime
	h.mu.Unlock()
	sinceLast := float64(t.SentSamples())/audio.SampleRate - lastMessage

	if t.PausePrediction() > stt.PauseThreshold {
		h.log.Info("pause detected",
			"pause_prediction", t.PausePrediction(),
			"since_last_message", sinceLast)
		return true
	}
	return false
}

// AddKeywords stores the guidance keywords and, when set, regenerates so the
// visible suggestions actually honor them.
func (h *Handler) AddKeywords(keywords *string) {
	h.chatbot.SetKeywords(keywords)
	if keywords != nil {
		h.generateResponse()
	}
}

// SetDesiredLength updates the requested answer length, regenerating when it
// changed.
func (h *Handler) SetDesiredLength(l event.ResponseLength) {
	changed := h.chatbot.DesiredLength() != l
	h.chatbot.SetDesiredLength(l)
	h.log.Info("desired responses length set", "length", l)
	if changed {
		h.generateResponse()
	}
}

// SelectResponse records the answer the user picked, closing the turn.
func (h *Handler) SelectResponse(text string, id uuid.UUID) {
	h.chatbot.SelectResponse(text, id)
}

// InterruptBot aborts the in-flight generation because the user started
// speaking over the bot. Only legal in the bot_speaking state.
func (h *Handler) InterruptBot() error {
	if state := h.chatbot.State(); state != chat.StateBotSpeaking {
		return fmt.Errorf("session: can't interrupt bot in state %q", state)
	}

	h.queue.Clear()
	h.queue.PutEvent(event.InterruptedByVAD{})
	if err := h.quests.Remove("llm"); err != nil {
		h.log.Warn("closing llm quest during interrupt", "error", err)
	}
	return nil
}

// generateResponse replaces any in-flight generation with a new one. The
// quest name is fixed, so the manager's replacement contract gives us
// at-most-one generation per session.
func (h *Handler) generateResponse() {
	quest.Add(h.quests, quest.FromRun("llm", h.generateTask))
}

func (h *Handler) generateTask(ctx context.Context) error {
	started := time.Now()
	timestamp := float64(started.UnixNano()) / float64(time.Second)

	h.chatbot.SetStateOverride(chat.StateBotSpeaking)
	defer h.chatbot.SetStateOverride(chat.StateWaitingForUser)

	generatingIndex := h.chatbot.Len()

	voice := h.voice
	if voice == "" {
		voice = "missing"
	}
	h.queue.PutEvent(event.ResponseCreated{
		Response: event.ResponseStatus{Status: "in_progress", Voice: voice},
	})

	temperature := llm.FurtherMessagesTemperature
	if generatingIndex == 2 {
		temperature = llm.FirstMessageTemperature
	}

	messages := llm.BuildMessages(h.promptRecord(), h.chatbot.Keywords(), h.chatbot.DesiredLength())

	h.met.LLMGenerations.Add(ctx, 1)
	h.met.LLMActiveGenerations.Add(ctx, 1)
	h.met.LLMRequestWords.Record(ctx, float64(llm.CountWords(messages)))

	var extractor llm.Extractor
	deltas := 0
	err := h.completer.Stream(ctx, messages, temperature, func(delta string) error {
		if deltas == 0 {
			h.met.LLMTimeToFirstToken.Record(ctx, time.Since(started).Seconds())
		}
		deltas++

		for _, s := range extractor.Feed(delta) {
			switch s.Kind {
			case llm.KindKeyword:
				h.queue.PutEvent(event.OneKeyword{
					Content: s.Content, Timestamp: timestamp, Index: s.Index,
				})
			case llm.KindAnswer:
				h.queue.PutEvent(event.OneResponse{
					Content: s.Content, Timestamp: timestamp, Index: s.Index,
				})
			}
		}
		return nil
	})

	h.met.LLMActiveGenerations.Add(ctx, -1)
	h.met.LLMReplyWords.Record(ctx, float64(deltas))
	h.met.LLMGenerationDuration.Record(ctx, time.Since(started).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			h.met.LLMInterrupts.Add(ctx, 1)
			return context.Cause(ctx)
		}
		h.met.LLMHardErrors.Add(ctx, 1)
		h.log.Error("generation failed", "error", err)
		return err
	}
	h.log.Info("generation finished", "deltas", deltas, "duration", time.Since(started))
	return nil
}

// promptRecord returns the record with the live conversation swapped for a
// stable snapshot, so prompt assembly never races transcript ingestion.
func (h *Handler) promptRecord() *storage.UserRecord {
	snap := *h.rec
	past := h.rec.Conversations[:len(h.rec.Conversations)-1]
	snap.Conversations = make([]chat.Conversation, 0, len(past)+1)
	snap.Conversations = append(snap.Conversations, past...)
	snap.Conversations = append(snap.Conversations, h.chatbot.Conversation())
	return &snap
}

// Cleanup persists the user record, including the conversation just held.
func (h *Handler) Cleanup(ctx context.Context) error {
	return h.store.Save(ctx, h.rec)
}

// AudioReceivedSec is the session clock: seconds of audio received so far.
// Driven by sample counts rather than wall time so tests can steer it.
func (h *Handler) AudioReceivedSec() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audioReceivedSecLocked()
}

func (h *Handler) audioReceivedSecLocked() float64 {
	return float64(h.samplesReceived) / audio.SampleRate
}
