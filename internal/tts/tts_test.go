package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSynthesizePostsTheQuery(t *testing.T) {
	var gotBody map[string]any
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("kyutai-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte("RIFFaudio"))
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("secret"), WithDefaultVoice("narrator"))
	audio, err := c.Synthesize(context.Background(), "Good morning!", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "RIFFaudio" {
		t.Errorf("audio = %q", audio)
	}
	if gotKey != "secret" {
		t.Errorf("api key header = %q, want secret", gotKey)
	}
	if gotBody["text"] != "Good morning!" {
		t.Errorf("text = %v", gotBody["text"])
	}
	if gotBody["voice"] != "narrator" {
		t.Errorf("voice = %v, want the default voice", gotBody["voice"])
	}
	if gotBody["temperature"] != 0.8 {
		t.Errorf("temperature = %v, want 0.8", gotBody["temperature"])
	}
}

func TestSynthesizeValidatesText(t *testing.T) {
	c := New("http://unused")

	if _, err := c.Synthesize(context.Background(), "", "voice"); !errors.Is(err, ErrTextEmpty) {
		t.Errorf("empty text error = %v, want ErrTextEmpty", err)
	}

	long := strings.Repeat("a", MaxTextLength+1)
	if _, err := c.Synthesize(context.Background(), long, "voice"); !errors.Is(err, ErrTextTooLong) {
		t.Errorf("long text error = %v, want ErrTextTooLong", err)
	}
}

func TestSynthesizeReportsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Synthesize(context.Background(), "hello", "voice"); err == nil {
		t.Fatal("Synthesize against a failing upstream succeeded")
	}
}

func TestVoicesListsTheDefault(t *testing.T) {
	c := New("http://unused", WithDefaultVoice("narrator"))
	voices, err := c.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if lang, ok := voices["narrator"]; !ok || lang != "unknown" {
		t.Errorf("voices = %v, want narrator: unknown", voices)
	}

	empty := New("http://unused")
	voices, err = empty.Voices(context.Background())
	if err != nil || len(voices) != 0 {
		t.Errorf("voices without default = %v, %v", voices, err)
	}
}
