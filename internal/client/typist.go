package client

import (
	"sync"
	"time"
)

// DefaultTypingDebounce is how long after the last keystroke a typing stop
// is sent.
const DefaultTypingDebounce = 1500 * time.Millisecond

// Typist turns keystrokes into typing start/stop signals. The first
// keystroke sends a start; a stop follows once no keystroke has been seen
// for the debounce delay, or immediately when the message is sent.
type Typist struct {
	mu     sync.Mutex
	delay  time.Duration
	signal func(typing bool)
	timer  *time.Timer
	typing bool
	gen    uint64
}

// NewTypist creates a Typist that reports transitions to signal. signal is
// called without the Typist's lock held.
func NewTypist(delay time.Duration, signal func(typing bool)) *Typist {
	if delay <= 0 {
		delay = DefaultTypingDebounce
	}
	return &Typist{delay: delay, signal: signal}
}

// Keystroke records input activity.
func (t *Typist) Keystroke() {
	t.mu.Lock()
	start := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { t.expire(gen) })
	t.mu.Unlock()

	if start {
		t.signal(true)
	}
}

// Stop ends the typing state, sending a stop if one is pending. It is
// called when the message is sent.
func (t *Typist) Stop() {
	t.mu.Lock()
	stop := t.stopLocked()
	t.mu.Unlock()

	if stop {
		t.signal(false)
	}
}

// stopLocked clears the typing state and reports whether a stop is owed.
// t.mu must be held.
func (t *Typist) stopLocked() bool {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	stop := t.typing
	t.typing = false
	return stop
}

// expire is the debounce timer callback. A timer that fired while a newer
// keystroke was being recorded is stale and does nothing.
func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	stop := gen == t.gen && t.stopLocked()
	t.mu.Unlock()

	if stop {
		t.signal(false)
	}
}

// Typing reports whether a start has been sent without a matching stop.
func (t *Typist) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}
