package traffic

import (
	"sync"
	"time"
)

// Dependencies whose outcomes feed the degraded health check.
const (
	DependencyWeather = "weather"
	DependencyLLM     = "llm"
)

// retention bounds how far back any window can look.
const retention = 5 * time.Minute

var defaultTracker Tracker

// RecordRequest records an accepted request on the rate-limited API path.
func RecordRequest() {
	defaultTracker.RecordRequest()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RecordOutcome records the outcome of a call to an upstream dependency. A nil err is a success.
func RecordOutcome(dependency string, err error) {
	defaultTracker.RecordOutcome(dependency, err)
}

// RequestCount returns accepted plus denied requests within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) of dependency outcomes within the window.
func ErrorRate(dependency string, window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(dependency, window)
}

// Reset clears all recorded events. For tests only.
func Reset() {
	defaultTracker.Reset()
}

type eventKind uint8

const (
	kindRequest eventKind = iota
	kindDenied
	kindSuccess
	kindError
)

type event struct {
	at         time.Time
	kind       eventKind
	dependency string
}

// Tracker keeps a time-ordered log of request and dependency events.
// Single source of truth for overload (RequestCount, DenialCount) and degraded (ErrorRate).
type Tracker struct {
	mu     sync.Mutex
	events []event
}

// RecordRequest records an accepted request.
func (t *Tracker) RecordRequest() {
	t.record(event{kind: kindRequest})
}

// RecordDenied records a rate-limit denial.
func (t *Tracker) RecordDenied() {
	t.record(event{kind: kindDenied})
}

// RecordOutcome records a dependency call outcome.
func (t *Tracker) RecordOutcome(dependency string, err error) {
	kind := kindSuccess
	if err != nil {
		kind = kindError
	}
	t.record(event{kind: kind, dependency: dependency})
}

func (t *Tracker) record(e event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.at = time.Now()
	t.events = append(t.events, e)
	t.pruneLocked(e.at)
}

// RequestCount returns accepted plus denied requests within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	return t.count(window, func(e event) bool {
		return e.kind == kindRequest || e.kind == kindDenied
	})
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.count(window, func(e event) bool { return e.kind == kindDenied })
}

// ErrorRate returns (errors, total) for one dependency within the window.
func (t *Tracker) ErrorRate(dependency string, window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, e := range t.events {
		if e.at.Before(cutoff) || e.dependency != dependency {
			continue
		}
		switch e.kind {
		case kindSuccess:
			total++
		case kindError:
			errors++
			total++
		}
	}
	return errors, total
}

// Reset clears all recorded events.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) count(window time.Duration, match func(event) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range t.events {
		if !e.at.Before(cutoff) && match(e) {
			n++
		}
	}
	return n
}

// pruneLocked drops events older than retention. Events are appended in time order.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
