package session

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voxaid/internal/event"
)

func TestQueueFIFO(t *testing.T) {
	q := newOutQueue()
	q.PutEvent(event.SpeechStarted{})
	q.PutEvent(event.TranscriptionDelta{Delta: "hi"})
	q.PutEvent(event.SpeechStopped{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := first.Event.(event.SpeechStarted); !ok {
		t.Errorf("first item = %T, want SpeechStarted", first.Event)
	}

	second, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if delta, ok := second.Event.(event.TranscriptionDelta); !ok || delta.Delta != "hi" {
		t.Errorf("second item = %#v, want TranscriptionDelta hi", second.Event)
	}

	third, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := third.Event.(event.SpeechStopped); !ok {
		t.Errorf("third item = %T, want SpeechStopped", third.Event)
	}
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := newOutQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.PutEvent(event.SpeechStarted{})
	}()

	item, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := item.Event.(event.SpeechStarted); !ok {
		t.Errorf("item = %T, want SpeechStarted", item.Event)
	}
}

func TestQueueGetHonorsContext(t *testing.T) {
	q := newOutQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Get(ctx); err == nil {
		t.Fatal("Get on empty queue returned without error")
	}
}

func TestQueueClearDropsEverything(t *testing.T) {
	q := newOutQueue()
	for range 5 {
		q.PutEvent(event.TranscriptionDelta{Delta: "stale"})
	}
	q.Clear()
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after Clear = %d, want 0", got)
	}

	// The queue keeps working after a clear.
	q.PutEvent(event.InterruptedByVAD{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := item.Event.(event.InterruptedByVAD); !ok {
		t.Errorf("item = %T, want InterruptedByVAD", item.Event)
	}
}
