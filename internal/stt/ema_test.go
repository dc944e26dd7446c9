package stt

import (
	"math"
	"testing"
)

func TestEMAHalfLifeSemantics(t *testing.T) {
	const tol = 1e-6

	e := NewEMA(0.1, 0.5, 0)

	if got := e.Update(1.0, 0); math.Abs(got) > tol {
		t.Fatalf("after settling at 0: got %v, want 0", got)
	}

	// One attack half-life towards 1 moves halfway.
	if got := e.Update(0.1, 1); math.Abs(got-0.5) > tol {
		t.Fatalf("after one attack half-life: got %v, want 0.5", got)
	}

	// Two release half-lives towards 0 halve the value twice.
	e.Update(0.25, 0)
	if got := e.Update(0.25, 0); math.Abs(got-0.25) > tol {
		t.Fatalf("after two release half-lives: got %v, want 0.25", got)
	}

	// Rising towards 0.75 for one attack half-life covers half the gap.
	if got := e.Update(0.1, 0.75); math.Abs(got-0.5) > tol {
		t.Fatalf("after rising towards 0.75: got %v, want 0.5", got)
	}

	// A huge dt converges to the sample.
	if got := e.Update(1e9, 1); math.Abs(got-1.0) > tol {
		t.Fatalf("after huge dt: got %v, want 1.0", got)
	}
}

func TestEMAReset(t *testing.T) {
	e := NewEMA(0.1, 0.5, 1.0)
	e.Reset(0)
	if got := e.Value(); got != 0 {
		t.Fatalf("after Reset(0): got %v, want 0", got)
	}
}

func TestEMAInitialValue(t *testing.T) {
	e := NewEMA(0.01, 0.01, 1.0)
	if got := e.Value(); got != 1.0 {
		t.Fatalf("initial value: got %v, want 1.0", got)
	}
}
