package stt

import "math"

// PauseThreshold is the smoothed inactivity probability above which a pause
// in user speech is declared.
const PauseThreshold = 0.6

// EMA is a dual-time-constant exponential moving average. The attack time
// constant applies when the new sample exceeds the current value, the release
// time constant otherwise. Time constants are half-lives: after tau seconds
// of a constant input the value has moved halfway towards it.
type EMA struct {
	attack  float64
	release float64
	value   float64
}

// NewEMA returns an EMA with the given attack and release half-lives in
// seconds, starting at initial.
func NewEMA(attack, release, initial float64) *EMA {
	return &EMA{attack: attack, release: release, value: initial}
}

// Update advances the average by dt seconds towards sample and returns the
// new value.
func (e *EMA) Update(dt, sample float64) float64 {
	tau := e.release
	if sample > e.value {
		tau = e.attack
	}
	alpha := 1 - math.Exp(-dt/tau*math.Ln2)
	e.value = alpha*sample + (1-alpha)*e.value
	return e.value
}

// Value returns the current smoothed value without advancing it.
func (e *EMA) Value() float64 { return e.value }

// Reset forces the average to v. Used when a new utterance starts and the
// pause estimate must drop immediately.
func (e *EMA) Reset(v float64) { e.value = v }
