package lock

import (
	"context"
	"errors"
	"testing"
)

func TestLocalLockerExcludesSameUserAndKind(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "ada@example.com", KindSTT)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := l.Acquire(ctx, "ada@example.com", KindSTT); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("second Acquire error = %v, want ErrAlreadyHeld", err)
	}

	release()
	release2, err := l.Acquire(ctx, "ada@example.com", KindSTT)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestLocalLockerIsScopedByKindAndUser(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "ada@example.com", KindSTT)
	if err != nil {
		t.Fatalf("Acquire stt: %v", err)
	}
	defer r1()

	// A different kind for the same user and the same kind for a different
	// user are both independent.
	r2, err := l.Acquire(ctx, "ada@example.com", KindTTS)
	if err != nil {
		t.Fatalf("Acquire tts: %v", err)
	}
	defer r2()

	r3, err := l.Acquire(ctx, "grace@example.com", KindSTT)
	if err != nil {
		t.Fatalf("Acquire other user: %v", err)
	}
	defer r3()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "ada@example.com", KindSTT)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release()

	if _, err := l.Acquire(ctx, "ada@example.com", KindSTT); err != nil {
		t.Fatalf("Acquire after double release: %v", err)
	}
}

func TestKindTTL(t *testing.T) {
	if KindSTT.TTL() <= KindTTS.TTL() {
		t.Errorf("stt TTL %v should outlive tts TTL %v", KindSTT.TTL(), KindTTS.TTL())
	}
}
