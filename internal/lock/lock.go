// Package lock serializes the expensive per-user media streams: one user
// gets at most one live STT stream and one live TTS stream across every
// backend instance, no matter how many tabs they open.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyHeld is returned when the user already holds a live lock of the
// requested kind, typically from a second browser tab.
var ErrAlreadyHeld = errors.New("lock: already held")

// Kind identifies which media stream a lock guards.
type Kind string

const (
	KindSTT Kind = "stt"
	KindTTS Kind = "tts"
)

// TTL is how long an unrenewed lock survives. A crashed instance must not
// lock its users out for longer than a stale session could plausibly run.
func (k Kind) TTL() time.Duration {
	if k == KindTTS {
		return 5 * time.Minute
	}
	return 10 * time.Minute
}

// Locker hands out per-user stream locks. The release function is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, email string, kind Kind) (release func(), err error)
}

// key builds the shared namespace for a lock, identical across instances.
func key(email string, kind Kind) string {
	return fmt.Sprintf("voxaid:lock:%s:%s", kind, email)
}

// ── in-process locker ──────────────────────────────────────────────────────────

// LocalLocker keeps locks in process memory. Correct for a single-instance
// deployment and for tests; multi-instance deployments need [RedisLocker].
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) Acquire(_ context.Context, email string, kind Kind) (func(), error) {
	k := key(email, kind)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[k]; ok {
		return nil, fmt.Errorf("%w: %s for %s", ErrAlreadyHeld, kind, email)
	}
	l.held[k] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, k)
			l.mu.Unlock()
		})
	}, nil
}
