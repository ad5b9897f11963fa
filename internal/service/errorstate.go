package service

import (
	"sync"
	"time"
)

// ErrorState holds the single user-facing error message. Each Set re-arms a
// timer that clears the message after the configured delay.
type ErrorState struct {
	mu    sync.Mutex
	msg   string
	seq   uint64
	timer *time.Timer
	delay time.Duration
	bus   *Bus
}

// NewErrorState constructs an empty error state; delay <= 0 disables auto-clear.
func NewErrorState(delay time.Duration, bus *Bus) *ErrorState {
	return &ErrorState{delay: delay, bus: bus}
}

// Set replaces the current message.
func (e *ErrorState) Set(msg string) {
	e.mu.Lock()
	e.msg = msg
	e.seq++
	seq := e.seq
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.delay > 0 {
		e.timer = time.AfterFunc(e.delay, func() { e.expire(seq) })
	}
	e.mu.Unlock()
	e.bus.emit(Event{Type: EventError, Text: msg})
}

// expire clears the message unless a newer Set happened since seq was armed.
func (e *ErrorState) expire(seq uint64) {
	e.mu.Lock()
	if e.seq != seq || e.msg == "" {
		e.mu.Unlock()
		return
	}
	e.msg = ""
	e.timer = nil
	e.mu.Unlock()
	e.bus.emit(Event{Type: EventError})
}

// Clear drops the current message immediately.
func (e *ErrorState) Clear() {
	e.mu.Lock()
	had := e.msg != ""
	e.msg = ""
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	if had {
		e.bus.emit(Event{Type: EventError})
	}
}

// Current returns the active message, empty when none.
func (e *ErrorState) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msg
}
