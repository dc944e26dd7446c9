package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxaid/internal/discovery"
)

// dialTestSession serves Run on an in-process websocket and returns the
// client side plus a channel carrying Run's eventual return value.
func dialTestSession(t *testing.T, h *Handler) (*websocket.Conn, <-chan error) {
	t.Helper()

	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			runErr <- err
			return
		}
		runErr <- Run(r.Context(), conn, h)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	if err != nil {
		t.Fatalf("dialing test session: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, runErr
}

func writeFrame(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("writing client frame: %v", err)
	}
}

// wireEvent is the subset of the server frame shape the tests look at.
type wireEvent struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func readWireEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading server event: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding server event %q: %v", data, err)
	}
	return ev
}

func TestRunSurvivesProtocolErrors(t *testing.T) {
	ft := newFakeTranscriber()
	comp := &countingCompleter{}
	h := newTestHandler(t, ft, comp)
	conn, runErr := dialTestSession(t, h)

	// A frame that isn't JSON gets an error event, not a disconnect.
	writeFrame(t, conn, `{"truncated`)
	ev := readWireEvent(t, conn)
	if ev.Type != "error" || ev.Error.Type != "invalid_request_error" {
		t.Fatalf("after bad JSON got %+v, want a non-fatal error event", ev)
	}
	if !strings.HasPrefix(ev.Error.Message, "Invalid JSON") {
		t.Errorf("error message = %q, want an Invalid JSON message", ev.Error.Message)
	}

	// Valid JSON violating the event schema is reported the same way.
	writeFrame(t, conn, `{"type":"desired.responses.length","length":"huge"}`)
	ev = readWireEvent(t, conn)
	if ev.Type != "error" || ev.Error.Type != "invalid_request_error" {
		t.Fatalf("after schema violation got %+v, want a non-fatal error event", ev)
	}
	if ev.Error.Message != "Invalid message" {
		t.Errorf("error message = %q, want %q", ev.Error.Message, "Invalid message")
	}

	// The session must still be fully alive: a valid event goes through the
	// handler and its generation announcement comes back out.
	writeFrame(t, conn, `{"type":"desired.responses.length","length":"XS"}`)
	ev = readWireEvent(t, conn)
	if ev.Type != "response.created" {
		t.Fatalf("after valid event got %+v, want response.created", ev)
	}
	waitFor(t, func() bool { return comp.callCount() == 1 }, "the generation to run")

	// Hanging up ends Run with a peer-closed error, reported silently.
	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case err := <-runErr:
		if !errors.Is(err, discovery.ErrPeerClosed) {
			t.Errorf("Run returned %v, want a peer-closed error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the client hung up")
	}
}

func TestRunDiscardsAudioBeforeBeginOfStream(t *testing.T) {
	ft := newFakeTranscriber()
	h := newTestHandler(t, ft, &countingCompleter{})
	conn, _ := dialTestSession(t, h)

	// A stale mid-stream page: valid capture pattern, begin-of-stream bit
	// clear. It must be dropped without reaching the transcriber.
	midStream := base64.StdEncoding.EncodeToString([]byte{'O', 'g', 'g', 'S', 0, 0, 0, 0})
	writeFrame(t, conn, `{"type":"input_audio_buffer.append","audio":"`+midStream+`"}`)

	// Undecodable base64 draws an error event; it arrives on the same loop,
	// so reading it proves the frame above has already been handled.
	writeFrame(t, conn, `{"type":"input_audio_buffer.append","audio":"%%%"}`)
	ev := readWireEvent(t, conn)
	if ev.Type != "error" || !strings.HasPrefix(ev.Error.Message, "Invalid audio") {
		t.Fatalf("after bad base64 got %+v, want an Invalid audio error event", ev)
	}

	if got := len(ft.sentChunks()); got != 0 {
		t.Errorf("chunks forwarded to stt = %d, want 0 before begin-of-stream", got)
	}
}

func TestRunClosesStreamWhenTranscriptionEnds(t *testing.T) {
	ft := newFakeTranscriber()
	h := newTestHandler(t, ft, &countingCompleter{})
	conn, runErr := dialTestSession(t, h)

	// The upstream finishing its stream must end the session with a clean
	// close, not leave the websocket idling.
	ft.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue // drain whatever was still queued
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
			t.Fatalf("close status = %v (%v), want %v", got, err, websocket.StatusNormalClosure)
		}
		break
	}

	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, discovery.ErrPeerClosed) {
			t.Errorf("Run returned %v, want nil or a peer-closed error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after closing the stream")
	}
}
