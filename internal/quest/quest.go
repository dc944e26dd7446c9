// Package quest provides a named registry of long-lived async activities
// scoped to a realtime session.
//
// A quest is a unit of work with three steps: an init step producing a value,
// a run step consuming it, and an optional close step cleaning it up. Quests
// are registered under a name with exclusive-naming semantics: adding a quest
// under an existing name closes and cancels the previous holder before the
// new one starts. The [Manager] guarantees every registered quest is released
// on shutdown and surfaces the first failing quest's error through [Manager.Wait].
package quest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxaid/internal/discovery"
)

// Quest is a named async activity. Init produces the activity's resource,
// Run drives it until the quest is cancelled or fails, and Close (optional)
// releases the resource. Close only runs when Init succeeded.
type Quest[T any] struct {
	Name  string
	Init  func(ctx context.Context) (T, error)
	Run   func(ctx context.Context, data T) error
	Close func(data T) error
}

// FromRun wraps a bare run function into a Quest without init or close steps.
func FromRun(name string, run func(ctx context.Context) error) Quest[struct{}] {
	return Quest[struct{}]{
		Name: name,
		Init: func(context.Context) (struct{}, error) { return struct{}{}, nil },
		Run:  func(ctx context.Context, _ struct{}) error { return run(ctx) },
	}
}

// ── Handle ─────────────────────────────────────────────────────────────────────

// Handle gives access to a registered quest's init result.
type Handle[T any] struct {
	ready chan struct{}
	data  T
	err   error
}

// Get blocks until the quest's init step has finished and returns its result.
func (h *Handle[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-h.ready:
		return h.data, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetNow returns the init result if init already succeeded.
func (h *Handle[T]) GetNow() (T, bool) {
	select {
	case <-h.ready:
		if h.err != nil {
			var zero T
			return zero, false
		}
		return h.data, true
	default:
		var zero T
		return zero, false
	}
}

// ── Manager ────────────────────────────────────────────────────────────────────

// task is the type-erased runtime state of one registered quest.
type task struct {
	name      string
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeFn   func() error
}

// shutdown runs the close step once (best-effort) and then cancels the run
// step. The returned error is the close step's error, if any.
func (t *task) shutdown() error {
	var closeErr error
	t.closeOnce.Do(func() {
		if t.closeFn != nil {
			slog.Info("quest closing", "quest", t.name)
			closeErr = t.closeFn()
		}
	})
	slog.Debug("quest cancelling", "quest", t.name)
	t.cancel()
	return closeErr
}

// Manager tracks the quests of one session. All methods are safe for
// concurrent use.
type Manager struct {
	ctx context.Context

	mu     sync.Mutex
	quests map[string]*task

	waitDone chan struct{}
	waitOnce sync.Once
	waitErr  error
}

// NewManager returns a Manager whose quests are children of ctx.
func NewManager(ctx context.Context) *Manager {
	return &Manager{
		ctx:      ctx,
		quests:   map[string]*task{},
		waitDone: make(chan struct{}),
	}
}

// Add registers q, replacing any same-named quest: the old quest's close step
// runs to completion and its run step is cancelled before the new quest's
// init starts. The returned handle resolves once the new quest's init step
// finishes.
func Add[T any](m *Manager, q Quest[T]) *Handle[T] {
	m.mu.Lock()
	old := m.quests[q.Name]
	delete(m.quests, q.Name)
	m.mu.Unlock()

	if old != nil {
		if err := old.shutdown(); err != nil {
			slog.Warn("quest close error during replacement", "quest", q.Name, "err", err)
		}
	}

	h := &Handle[T]{ready: make(chan struct{})}
	runCtx, cancel := context.WithCancel(m.ctx)
	t := &task{name: q.Name, cancel: cancel, done: make(chan struct{})}
	if q.Close != nil {
		closeStep := q.Close
		t.closeFn = func() error {
			// Only clean up a resource that init actually produced.
			data, ok := h.GetNow()
			if !ok {
				return nil
			}
			return closeStep(data)
		}
	}

	m.mu.Lock()
	m.quests[q.Name] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)

		slog.Debug("quest init starting", "quest", q.Name)
		data, err := q.Init(runCtx)
		if err != nil {
			h.err = err
			close(h.ready)
			m.questDone(q.Name, err)
			return
		}
		h.data = data
		close(h.ready)

		slog.Debug("quest running", "quest", q.Name)
		m.questDone(q.Name, q.Run(runCtx, data))
	}()

	return h
}

// Remove closes and cancels the named quest. Removing an unknown name is a
// no-op. The returned error is the quest's close-step error, if any.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	t, ok := m.quests[name]
	delete(m.quests, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return t.shutdown()
}

// Wait blocks until a quest fails with a non-cancellation error or the
// manager is shut down, whichever comes first.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.waitDone:
		return m.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown releases every registered quest. The well-known transient errors
// of a dying session (upstream at capacity, upstream timeout, peer gone) are
// swallowed; other close errors are logged but do not block teardown. After
// Shutdown, Wait returns.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	quests := m.quests
	m.quests = map[string]*task{}
	m.mu.Unlock()

	for name, t := range quests {
		err := t.shutdown()
		switch {
		case err == nil:
		case errors.Is(err, discovery.ErrServiceAtCapacity),
			errors.Is(err, discovery.ErrServiceTimeout),
			errors.Is(err, discovery.ErrPeerClosed):
			// Expected during teardown of a session whose upstreams are gone.
		default:
			slog.Error("error shutting down quest", "quest", name, "err", err)
		}
	}

	m.waitOnce.Do(func() { close(m.waitDone) })
}

// questDone records a finished quest. Cancellations are expected; the first
// other error completes the waiter.
func (m *Manager) questDone(name string, err error) {
	switch {
	case err == nil:
		slog.Debug("quest done", "quest", name)
	case errors.Is(err, context.Canceled):
		slog.Debug("quest cancelled", "quest", name)
	default:
		slog.Debug("quest failed", "quest", name, "err", err)
		m.waitOnce.Do(func() {
			m.waitErr = err
			close(m.waitDone)
		})
	}
}
