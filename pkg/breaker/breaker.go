// Package breaker implements a per-key circuit breaker with a sliding
// failure window. State transitions are driven by wall-clock comparison on
// access, not background timers, so the breaker is testable with an
// injected clock.
package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// State is the breaker state for a single key.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Execute when the breaker denies the call.
var ErrOpen = errors.New("circuit open")

// Options configures a Breaker. Zero values fall back to the defaults below.
type Options struct {
	Enabled          bool
	FailureThreshold int           // failures within the window that open the breaker
	FailureWindow    time.Duration // sliding window for counting failures
	ResetTimeout     time.Duration // open duration before probing half-open
	SuccessThreshold int           // consecutive half-open successes that close it
	IdleTTL          time.Duration // idle-and-closed entries older than this are evicted
	MaxKeys          int           // total key cap; oldest-by-last-access evicted first
	Clock            func() time.Time
}

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = time.Minute
	defaultResetTimeout     = 30 * time.Second
	defaultSuccessThreshold = 2
	defaultIdleTTL          = 30 * time.Minute
	defaultMaxKeys          = 1000
)

// entry is the per-key state. The failure count is always derived from the
// trimmed timestamp window, never stored independently, so aging is
// automatic.
type entry struct {
	state       State
	failures    []time.Time
	successes   int
	lastFailure time.Time
	lastAccess  time.Time
}

// Breaker guards calls to flaky downstream endpoints, one state machine per
// key (typically the target host). Safe for concurrent use.
type Breaker struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	now     func() time.Time
}

// New creates a Breaker with the given options.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = defaultFailureWindow
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaultResetTimeout
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = defaultSuccessThreshold
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = defaultMaxKeys
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		entries: make(map[string]*entry),
		opts:    opts,
		now:     now,
	}
}

// CanExecute reports whether a call for key is permitted. Querying an OPEN
// key whose reset timeout has elapsed transitions it to HALF_OPEN, and the
// call that triggered the transition is itself permitted.
func (b *Breaker) CanExecute(key string) bool {
	if !b.opts.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(key)
	b.trimLocked(e)

	switch e.state {
	case Open:
		if b.now().Sub(e.lastFailure) >= b.opts.ResetTimeout {
			e.state = HalfOpen
			e.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure appends a failure for key, opening the breaker once the
// trimmed window reaches the threshold. A half-open failure reopens
// immediately.
func (b *Breaker) RecordFailure(key string) {
	if !b.opts.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(key)
	now := b.now()
	e.failures = append(e.failures, now)
	e.lastFailure = now
	b.trimLocked(e)

	switch e.state {
	case HalfOpen:
		e.state = Open
		e.successes = 0
	case Closed:
		if len(e.failures) >= b.opts.FailureThreshold {
			e.state = Open
		}
	}
}

// RecordSuccess counts a successful call. In HALF_OPEN, reaching the
// success threshold closes the breaker and clears the failure window.
func (b *Breaker) RecordSuccess(key string) {
	if !b.opts.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(key)
	b.trimLocked(e)

	if e.state != HalfOpen {
		return
	}
	e.successes++
	if e.successes >= b.opts.SuccessThreshold {
		e.state = Closed
		e.failures = nil
		e.successes = 0
	}
}

// State returns the current state for key after window trimming and any
// lazy OPEN→HALF_OPEN transition.
func (b *Breaker) State(key string) State {
	if !b.opts.Enabled {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(key)
	b.trimLocked(e)
	if e.state == Open && b.now().Sub(e.lastFailure) >= b.opts.ResetTimeout {
		e.state = HalfOpen
		e.successes = 0
	}
	return e.state
}

// Failures returns the trimmed failure count for key.
func (b *Breaker) Failures(key string) int {
	if !b.opts.Enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(key)
	b.trimLocked(e)
	return len(e.failures)
}

// Execute rejects immediately with ErrOpen when the breaker denies key,
// otherwise invokes fn and records success or failure based on its outcome.
// fn's error is returned after recording.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.CanExecute(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// KeyCount returns the number of tracked keys.
func (b *Breaker) KeyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// entryLocked returns the entry for key, creating it lazily, touching its
// last-access time, and running the eviction sweep.
func (b *Breaker) entryLocked(key string) *entry {
	b.evictLocked()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: Closed}
		b.entries[key] = e
	}
	e.lastAccess = b.now()
	return e
}

// trimLocked drops failures older than the sliding window.
func (b *Breaker) trimLocked(e *entry) {
	cutoff := b.now().Add(-b.opts.FailureWindow)
	i := 0
	for i < len(e.failures) && !e.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.failures = append([]time.Time(nil), e.failures[i:]...)
	}
}

// evictLocked removes idle-and-healthy entries past the TTL, then enforces
// the key cap by dropping oldest-by-last-access entries.
func (b *Breaker) evictLocked() {
	now := b.now()
	for key, e := range b.entries {
		if e.state == Closed && now.Sub(e.lastAccess) >= b.opts.IdleTTL {
			delete(b.entries, key)
		}
	}
	if len(b.entries) <= b.opts.MaxKeys {
		return
	}
	type keyed struct {
		key string
		at  time.Time
	}
	all := make([]keyed, 0, len(b.entries))
	for key, e := range b.entries {
		all = append(all, keyed{key, e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, k := range all[:len(b.entries)-b.opts.MaxKeys] {
		delete(b.entries, k.key)
	}
}
