// Package stt streams microphone audio to a speech-to-text upstream and
// surfaces word-level transcripts plus a smoothed pause-probability signal
// used for end-of-utterance detection.
//
// Two upstream protocols are supported: a JSON protocol carrying
// base64-encoded PCM, and a msgpack protocol carrying raw float32 PCM. Both
// normalize to the same [Event] stream.
package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/voxaid/internal/discovery"
	"github.com/MrWong99/voxaid/internal/observe"
	"github.com/MrWong99/voxaid/pkg/audio"
)

const (
	// SamplesPerFrame is the upstream's audio frame: 80 ms at 24 kHz.
	SamplesPerFrame = 1920

	// FrameTime is the duration of one frame in seconds.
	FrameTime = float64(SamplesPerFrame) / audio.SampleRate

	// DefaultDelay is how far the transcript lags behind the audio, in
	// seconds. The stream clock starts at -DefaultDelay so transcript
	// timestamps line up with audio time.
	DefaultDelay = 2.0

	// warmupSteps is how many step messages to ignore before trusting the
	// pause signal; the first predictions after connect are noise.
	warmupSteps = 12

	// chunkPause spaces out JSON audio chunks so the upstream is never
	// flooded faster than it frames.
	chunkPause = 5 * time.Millisecond
)

// Protocol selects the upstream wire protocol.
type Protocol string

const (
	// ProtocolJSON: text frames, base64 16-bit PCM, setup/ready handshake.
	ProtocolJSON Protocol = "json"

	// ProtocolMsgpack: binary frames, float32 PCM, implicit handshake.
	ProtocolMsgpack Protocol = "msgpack"
)

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	return p == ProtocolJSON || p == ProtocolMsgpack
}

// EventKind discriminates the normalized events.
type EventKind int

const (
	// KindWord is a transcript fragment with its start time in stream
	// seconds.
	KindWord EventKind = iota

	// KindMarker echoes a marker previously sent by us (msgpack protocol
	// only).
	KindMarker
)

// Event is one normalized upstream message relevant to the turn controller.
// Step messages are absorbed internally into the stream clock and the pause
// estimator.
type Event struct {
	Kind      EventKind
	Text      string
	StartTime float64
	MarkerID  int
}

// Client is one STT upstream stream. Create it through
// [discovery.FindInstance] so capacity rejections rotate to another replica.
type Client struct {
	url      string
	protocol Protocol
	apiKey   string
	delay    float64
	met      *observe.Metrics
	log      *slog.Logger

	conn         *websocket.Conn
	events       chan Event
	running      atomic.Bool
	shutdownDone chan struct{}
	shutdownOnce sync.Once

	mu               sync.Mutex
	currentTime      float64
	sentSamples      int
	receivedWords    int
	pause            *EMA
	firstAudio       time.Time
	waitingFirstStep bool
	stepsToWait      int
}

var _ discovery.Client = (*Client)(nil)

// Option is a functional option for Client.
type Option func(*Client)

// WithProtocol selects the wire protocol, ProtocolJSON by default.
func WithProtocol(p Protocol) Option {
	return func(c *Client) { c.protocol = p }
}

// WithAPIKey sets the upstream API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithDelay overrides the transcript delay in seconds.
func WithDelay(sec float64) Option {
	return func(c *Client) {
		c.delay = sec
		c.currentTime = -sec
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(met *observe.Metrics) Option {
	return func(c *Client) { c.met = met }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient returns an unconnected client for one upstream instance URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		protocol: ProtocolJSON,
		delay:    DefaultDelay,
		met:      observe.DefaultMetrics(),
		log:      slog.Default(),

		events:       make(chan Event, 64),
		shutdownDone: make(chan struct{}),

		currentTime:      -DefaultDelay,
		pause:            NewEMA(0.01, 0.01, 1.0),
		waitingFirstStep: true,
		stepsToWait:      warmupSteps,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events is the stream of normalized transcript events. Closed when the
// receive loop exits.
func (c *Client) Events() <-chan Event {
	return c.events
}

// StartUp connects and performs the protocol handshake. A capacity
// rejection is reported as [discovery.ErrServiceAtCapacity] so discovery
// moves on to the next replica.
func (c *Client) StartUp(ctx context.Context) error {
	header := http.Header{}
	switch c.protocol {
	case ProtocolJSON:
		if c.apiKey == "" {
			return fmt.Errorf("stt: api key is required for the json protocol")
		}
		header.Set("x-api-key", c.apiKey)
	case ProtocolMsgpack:
		key := c.apiKey
		if key == "" {
			key = "public_token"
		}
		header.Set("kyutai-api-key", key)
	default:
		return fmt.Errorf("stt: unknown protocol %q", c.protocol)
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("stt: dial %s: %w", c.url, err)
	}
	c.conn = conn

	if err := c.handshake(ctx); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		c.conn = nil
		return err
	}

	c.met.STTSessions.Add(ctx, 1)
	c.met.STTActiveSessions.Add(ctx, 1)
	c.log.Info("stt stream ready", "url", c.url, "protocol", c.protocol)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	switch c.protocol {
	case ProtocolJSON:
		setup, err := json.Marshal(jsonMessage{
			Type:        "setup",
			ModelName:   "default",
			InputFormat: "pcm",
		})
		if err != nil {
			return fmt.Errorf("stt: encode setup: %w", err)
		}
		if err := c.conn.Write(ctx, websocket.MessageText, setup); err != nil {
			return fmt.Errorf("stt: send setup: %w", err)
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("stt: read handshake reply: %w", err)
		}
		var msg jsonMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("stt: decode handshake reply: %w", err)
		}
		switch msg.Type {
		case "ready":
			return nil
		case "error":
			return fmt.Errorf("stt: upstream rejected setup: %s (code %d)", msg.Message, msg.Code)
		default:
			return fmt.Errorf("stt: expected ready or error, got %q", msg.Type)
		}

	case ProtocolMsgpack:
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("stt: read handshake reply: %w", err)
		}
		var msg msgpackMessage
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("stt: decode handshake reply: %w", err)
		}
		switch msg.Type {
		case "Ready":
			return nil
		case "Error":
			// A rejected handshake on this protocol means the replica is
			// full, not broken.
			return discovery.AtCapacity("stt")
		default:
			return fmt.Errorf("stt: expected Ready or Error, got %q", msg.Type)
		}
	}
	return fmt.Errorf("stt: unknown protocol %q", c.protocol)
}

// SendAudio pushes float32 PCM to the upstream. The JSON protocol requires
// frame-sized chunks with a short pause between them; the msgpack protocol
// takes the whole slice in one binary message.
func (c *Client) SendAudio(ctx context.Context, pcm []float32) error {
	if c.conn == nil {
		return fmt.Errorf("stt: not connected")
	}

	c.mu.Lock()
	c.sentSamples += len(pcm)
	if c.firstAudio.IsZero() {
		c.firstAudio = time.Now()
	}
	c.mu.Unlock()
	c.met.STTSentFrames.Add(ctx, 1)

	switch c.protocol {
	case ProtocolJSON:
		for off := 0; off < len(pcm); off += SamplesPerFrame {
			end := min(off+SamplesPerFrame, len(pcm))
			chunk := base64.StdEncoding.EncodeToString(
				audio.Int16ToBytes(audio.Float32ToInt16(pcm[off:end])))

			data, err := json.Marshal(jsonMessage{Type: "audio", Audio: chunk})
			if err != nil {
				return fmt.Errorf("stt: encode audio: %w", err)
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("stt: send audio: %w", err)
			}

			select {
			case <-time.After(chunkPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil

	default:
		data, err := msgpack.Marshal(msgpackMessage{Type: "Audio", PCM: pcm})
		if err != nil {
			return fmt.Errorf("stt: encode audio: %w", err)
		}
		if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
			return fmt.Errorf("stt: send audio: %w", err)
		}
		return nil
	}
}

// SendMarker asks the upstream to echo id back once everything before it has
// been transcribed. The JSON protocol has no markers; the call is a no-op.
func (c *Client) SendMarker(ctx context.Context, id int) error {
	if c.protocol == ProtocolJSON {
		c.log.Debug("upstream protocol has no markers, ignoring", "id", id)
		return nil
	}
	if c.conn == nil {
		return fmt.Errorf("stt: not connected")
	}

	data, err := msgpack.Marshal(msgpackMessage{Type: "Marker", ID: id})
	if err != nil {
		return fmt.Errorf("stt: encode marker: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("stt: send marker: %w", err)
	}
	return nil
}

// Run is the receive loop. It exits when the upstream closes, the stream
// ends, or ctx is cancelled; the events channel is closed on the way out.
func (c *Client) Run(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("stt: not connected")
	}
	c.running.Store(true)
	defer close(c.events)
	defer close(c.shutdownDone)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			// The upstream closing abnormally after our shutdown close is
			// routine; anything else is worth a log line but must not take
			// the session down while audio may still be draining.
			c.log.Warn("stt connection closed", "error", err)
			return nil
		}

		done, err := c.handleMessage(ctx, data)
		if err != nil {
			c.log.Warn("discarding bad stt message", "error", err)
			continue
		}
		if done {
			return nil
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, data []byte) (done bool, err error) {
	switch c.protocol {
	case ProtocolJSON:
		var msg jsonMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("decode: %w", err)
		}
		switch msg.Type {
		case "text":
			c.recordWords(ctx, msg.Text)
			c.emit(ctx, Event{Kind: KindWord, Text: msg.Text, StartTime: msg.StartS})
		case "step":
			var pause float64
			ok := len(msg.VAD) >= 3
			if ok {
				pause = 1.0 - msg.VAD[len(msg.VAD)-1].InactivityProb
			}
			c.step(ctx, pause, ok)
		case "end_text", "ready":
			// Segment boundary / duplicate handshake, nothing to do.
		case "end_of_stream":
			c.log.Info("stt transcription complete")
			return true, nil
		case "error":
			c.log.Error("stt upstream error", "message", msg.Message, "code", msg.Code)
			return true, nil
		default:
			return false, fmt.Errorf("unknown message type %q", msg.Type)
		}
		return false, nil

	default:
		var msg msgpackMessage
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("decode: %w", err)
		}
		switch msg.Type {
		case "Word":
			c.recordWords(ctx, msg.Text)
			c.emit(ctx, Event{Kind: KindWord, Text: msg.Text, StartTime: msg.StartTime})
		case "Step":
			var pause float64
			ok := len(msg.Prs) >= 3
			if ok {
				pause = msg.Prs[2]
			}
			c.step(ctx, pause, ok)
		case "Marker":
			c.emit(ctx, Event{Kind: KindMarker, MarkerID: msg.ID})
		case "EndWord", "Ready":
		case "Error":
			c.log.Error("stt upstream error", "message", msg.Message)
			return true, nil
		default:
			return false, fmt.Errorf("unknown message type %q", msg.Type)
		}
		return false, nil
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) recordWords(ctx context.Context, text string) {
	c.met.STTRecvWords.Add(ctx, int64(len(strings.Fields(text))))
	c.mu.Lock()
	c.receivedWords++
	c.mu.Unlock()
}

// step advances the stream clock by one frame and, after the warm-up
// period, feeds the pause estimator.
func (c *Client) step(ctx context.Context, pauseValue float64, haveValue bool) {
	c.mu.Lock()
	c.currentTime += FrameTime

	if c.waitingFirstStep && !c.firstAudio.IsZero() {
		c.waitingFirstStep = false
		elapsed := time.Since(c.firstAudio).Seconds()
		c.mu.Unlock()
		c.met.STTTimeToFirstToken.Record(ctx, elapsed)
		c.mu.Lock()
	}

	if c.stepsToWait > 0 {
		c.stepsToWait--
	} else if haveValue {
		c.pause.Update(FrameTime, pauseValue)
	}
	c.mu.Unlock()
}

// Shutdown closes the stream, flushes the per-stream metrics and waits for
// the receive loop to drain. Safe to call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.log.Info("shutting down stt stream")
		c.met.STTActiveSessions.Add(ctx, -1)

		c.mu.Lock()
		started := !c.firstAudio.IsZero()
		sent := c.sentSamples
		words := c.receivedWords
		c.mu.Unlock()
		if started {
			c.met.STTAudioDuration.Record(ctx, float64(sent)/audio.SampleRate)
			c.met.STTWordCount.Record(ctx, float64(words))
		}

		if c.conn != nil {
			if c.protocol == ProtocolJSON {
				if data, mErr := json.Marshal(jsonMessage{Type: "end_of_stream"}); mErr == nil {
					if wErr := c.conn.Write(ctx, websocket.MessageText, data); wErr != nil {
						c.log.Warn("sending end_of_stream failed", "error", wErr)
					}
				}
			}
			if cErr := c.conn.Close(websocket.StatusNormalClosure, "session over"); cErr != nil {
				c.log.Warn("closing stt websocket failed", "error", cErr)
			}

			if c.running.Load() {
				select {
				case <-c.shutdownDone:
				case <-ctx.Done():
					err = ctx.Err()
				}
			}
		}
	})
	return err
}

// CurrentTime is the stream clock: seconds of audio the upstream has
// consumed, offset by the transcript delay.
func (c *Client) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

// PausePrediction is the smoothed probability that the speaker has paused.
func (c *Client) PausePrediction() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pause.Value()
}

// SetPausePrediction forces the estimator to v. The turn controller pins it
// to 0 when a new utterance starts so one early step cannot end the turn.
func (c *Client) SetPausePrediction(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pause.Reset(v)
}

// SentSamples is how many PCM samples have been pushed upstream.
func (c *Client) SentSamples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentSamples
}

// Delay is the transcript delay in seconds.
func (c *Client) Delay() float64 {
	return c.delay
}
