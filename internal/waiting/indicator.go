// Package waiting implements the "still working" hint shown while a reply
// takes unusually long: a one-shot delay reveals the first hint, then a
// repeating interval rotates through the rest.
package waiting

import (
	"sync"
	"time"

	"deskchat/internal/clock"
)

const (
	DefaultDelay    = 20 * time.Second
	DefaultInterval = 10 * time.Second
)

// State is the visible part of the indicator.
type State struct {
	LongWaiting bool
	HintText    string
}

// Indicator owns at most one pending delay and one pending rotation tick.
type Indicator struct {
	clock    clock.Clock
	hints    []string
	onChange func(State)

	mu       sync.Mutex
	gen      uint64 // bumped on every Arm/Disarm; stale callbacks compare against it
	seq      uint64 // bumped on every visible change
	timer    clock.Timer
	interval time.Duration
	index    int
	state    State

	// notifyMu orders OnChange calls; a change older than the last one
	// delivered is dropped.
	notifyMu  sync.Mutex
	delivered uint64
}

// Config configures an Indicator. Hints must not be empty.
type Config struct {
	Clock    clock.Clock
	Hints    []string
	OnChange func(State) // optional; called outside the lock, never with a superseded state
}

func New(cfg Config) *Indicator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	hints := append([]string(nil), cfg.Hints...)
	if len(hints) == 0 {
		hints = []string{""}
	}
	return &Indicator{
		clock:    cfg.Clock,
		hints:    hints,
		onChange: cfg.OnChange,
	}
}

// Arm schedules the indicator. Zero or negative durations use the defaults.
// Arming while armed cancels the previous timers first.
func (w *Indicator) Arm(delay, interval time.Duration) {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	w.mu.Lock()
	changed := w.cancelLocked()
	w.gen++
	gen := w.gen
	w.interval = interval
	w.timer = w.clock.AfterFunc(delay, func() { w.reveal(gen) })
	state, seq := w.state, w.seq
	w.mu.Unlock()

	if changed {
		w.notify(seq, state)
	}
}

// Disarm cancels pending timers and clears the hint. Safe to call at any time.
func (w *Indicator) Disarm() {
	w.mu.Lock()
	changed := w.cancelLocked()
	w.gen++
	state, seq := w.state, w.seq
	w.mu.Unlock()

	if changed {
		w.notify(seq, state)
	}
}

// State returns the current visible state.
func (w *Indicator) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// cancelLocked stops the pending timer and clears state.
// It reports whether the visible state changed.
func (w *Indicator) cancelLocked() bool {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.index = 0
	changed := w.state != State{}
	if changed {
		w.seq++
	}
	w.state = State{}
	return changed
}

func (w *Indicator) reveal(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.index = 0
	w.state = State{LongWaiting: true, HintText: w.hints[0]}
	w.seq++
	w.timer = w.clock.AfterFunc(w.interval, func() { w.rotate(gen) })
	state, seq := w.state, w.seq
	w.mu.Unlock()

	w.notify(seq, state)
}

func (w *Indicator) rotate(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.index = (w.index + 1) % len(w.hints)
	w.state.HintText = w.hints[w.index]
	w.seq++
	w.timer = w.clock.AfterFunc(w.interval, func() { w.rotate(gen) })
	state, seq := w.state, w.seq
	w.mu.Unlock()

	w.notify(seq, state)
}

func (w *Indicator) notify(seq uint64, s State) {
	if w.onChange == nil {
		return
	}
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	if seq <= w.delivered {
		return
	}
	w.delivered = seq
	w.onChange(s)
}
