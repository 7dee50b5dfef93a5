// Package state implements the mode-switching state machine that decides,
// on every throttleable I/O, whether the daemon is currently Stable or
// Unstable.
package state

import (
	"time"

	"github.com/dwango/mizumochi/clock"
	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/logger"
	"github.com/dwango/mizumochi/internal/metrics"
)

// Engine holds the mutable (mode, term-start, cached-condition) triple and
// advances it on every call to OnOperation. It has no internal locking of
// its own: internal/dispatch only calls it with its fsState mutex held.
type Engine struct {
	clock   clock.Clock
	metrics *metrics.Registry

	mode      config.Mode
	termStart time.Time
	condition config.Condition
	have      bool
}

// NewEngine constructs an engine that has not yet observed a condition;
// the first call to OnOperation initializes it as if the condition had
// just changed.
func NewEngine(c clock.Clock, m *metrics.Registry) *Engine {
	return &Engine{clock: c, metrics: m}
}

// OnOperation recomputes the current mode given the live condition and
// reports it. Transitions are reported to the metrics registry. Per the
// design contract, this method never fails: any internal inconsistency
// degrades to ModeStable rather than propagating an error that could fail
// the I/O that triggered it.
func (e *Engine) OnOperation(condition config.Condition) (mode config.Mode) {
	defer func() {
		if r := recover(); r != nil {
			mode = config.ModeStable
		}
	}()

	now := e.clock.Now()

	if !e.have || !e.condition.Equal(condition) {
		e.reinitialize(condition, now)
		return e.mode
	}

	previous := e.mode
	e.advance(condition, now)
	if previous != e.mode {
		e.reportTransition(previous, e.mode)
	}
	return e.mode
}

func (e *Engine) reinitialize(condition config.Condition, now time.Time) {
	e.condition = condition
	e.termStart = now
	e.have = true

	switch {
	case condition.Always != nil:
		e.mode = *condition.Always
	default:
		e.mode = config.ModeStable
	}
}

// advance applies steps 2 and 3 of the design: for Always conditions the
// mode is simply the pinned state; for Periodic conditions it runs
// toggleModeIfNecessary and applies the returned term-start offset.
func (e *Engine) advance(condition config.Condition, now time.Time) {
	if condition.Always != nil {
		e.mode = *condition.Always
		return
	}

	spec := condition.Periodic
	elapsed := now.Sub(e.termStart)
	newMode, offset := toggleModeIfNecessary(e.mode, spec.Duration, spec.Frequency, elapsed)
	e.mode = newMode
	e.termStart = e.termStart.Add(offset)
}

func (e *Engine) reportTransition(from, to config.Mode) {
	logger.Infof("state: mode changed from %s to %s", from, to)
	if e.metrics == nil {
		return
	}
	if to == config.ModeUnstable {
		e.metrics.SpeedLimitEnabled.Inc()
	} else {
		e.metrics.SpeedLimitDisabled.Inc()
	}
}

// toggleModeIfNecessary is the pure core of the schedule: given the
// current mode, the unstable-window duration, the stable-gap frequency,
// and the elapsed time since the term began, it returns the mode that
// should now be in effect and how far current-term-start should advance.
//
// Grounded directly on the original daemon's toggle_mode_if_necessary:
// one-term = frequency + duration; cycles = elapsed / one-term (integer
// division); remainder = elapsed % one-term; t = frequency when Stable,
// duration when Unstable. If remainder > t the mode toggles and
// term-start advances by cycles*one-term + t; otherwise the mode is
// unchanged and term-start advances by cycles*one-term.
func toggleModeIfNecessary(mode config.Mode, duration, frequency, elapsed time.Duration) (config.Mode, time.Duration) {
	oneTerm := frequency + duration
	if oneTerm <= 0 {
		return mode, 0
	}

	cycles := elapsed / oneTerm
	remainder := elapsed % oneTerm

	t := frequency
	if mode == config.ModeUnstable {
		t = duration
	}

	if remainder > t {
		toggled := config.ModeStable
		if mode == config.ModeStable {
			toggled = config.ModeUnstable
		}
		return toggled, cycles*oneTerm + t
	}

	return mode, cycles * oneTerm
}
