// Package obs is the in-process observability substrate: a span tracker for
// nested timed units of work and a metrics registry with label-keyed
// counters and histograms. Both are ephemeral; cross-process aggregation is
// a collaborator's concern.
package obs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanStatus marks how a span ended.
type SpanStatus string

const (
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]any
}

// Span is a named, timed unit of work with optional parent linkage.
// A span is owned exclusively by the tracker while active and moves to the
// completed list on end.
type Span struct {
	SpanID       string
	ParentSpanID string
	Name         string
	StartTime    time.Time
	EndTime      time.Time
	Status       SpanStatus
	Attributes   map[string]any
	Events       []SpanEvent
}

// TrackerOptions bound the tracker's memory. Zero values fall back to the
// defaults below.
type TrackerOptions struct {
	MaxActive    int           // active spans beyond this evict oldest-by-start
	MaxCompleted int           // completed-span FIFO cap
	AbandonAfter time.Duration // active spans older than this are force-closed
	Clock        func() time.Time
}

const (
	defaultMaxActive    = 1000
	defaultMaxCompleted = 500
	defaultAbandonAfter = 10 * time.Minute
)

// SpanTracker records nested spans with bounded memory. All protective
// mechanisms run as lazy sweeps on access; there is no background timer.
type SpanTracker struct {
	mu        sync.Mutex
	active    map[string]*Span
	completed []*Span
	opts      TrackerOptions
	now       func() time.Time
}

// NewSpanTracker creates a tracker with the given bounds.
func NewSpanTracker(opts TrackerOptions) *SpanTracker {
	if opts.MaxActive <= 0 {
		opts.MaxActive = defaultMaxActive
	}
	if opts.MaxCompleted <= 0 {
		opts.MaxCompleted = defaultMaxCompleted
	}
	if opts.AbandonAfter <= 0 {
		opts.AbandonAfter = defaultAbandonAfter
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &SpanTracker{
		active: make(map[string]*Span),
		opts:   opts,
		now:    now,
	}
}

// StartSpan registers a new span and returns its ID. parentID may be empty.
func (t *SpanTracker) StartSpan(name string, attrs map[string]any, parentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()

	sp := &Span{
		SpanID:       uuid.New().String(),
		ParentSpanID: parentID,
		Name:         name,
		StartTime:    t.now(),
		Attributes:   copyAttrs(attrs),
	}
	t.active[sp.SpanID] = sp
	t.enforceActiveCapLocked()
	return sp.SpanID
}

// AddEvent appends a timestamped event to an active span. Unknown span IDs
// are ignored (the span may already have been evicted).
func (t *SpanTracker) AddEvent(spanID, name string, attrs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()

	sp, ok := t.active[spanID]
	if !ok {
		return
	}
	sp.Events = append(sp.Events, SpanEvent{
		Name:       name,
		Timestamp:  t.now(),
		Attributes: copyAttrs(attrs),
	})
}

// EndSpan closes an active span and moves it to the completed list.
func (t *SpanTracker) EndSpan(spanID string, status SpanStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()

	sp, ok := t.active[spanID]
	if !ok {
		return
	}
	delete(t.active, spanID)
	sp.EndTime = t.now()
	sp.Status = status
	t.appendCompletedLocked(sp)
}

// ActiveCount returns the number of currently active spans.
func (t *SpanTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	return len(t.active)
}

// Completed returns a snapshot of the completed-span FIFO, oldest first.
func (t *SpanTracker) Completed() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	out := make([]*Span, len(t.completed))
	copy(out, t.completed)
	return out
}

// sweepLocked force-closes active spans older than AbandonAfter. Caller
// holds the lock.
func (t *SpanTracker) sweepLocked() {
	now := t.now()
	for id, sp := range t.active {
		if now.Sub(sp.StartTime) < t.opts.AbandonAfter {
			continue
		}
		delete(t.active, id)
		sp.EndTime = now
		sp.Status = StatusError
		if sp.Attributes == nil {
			sp.Attributes = make(map[string]any)
		}
		sp.Attributes["abandoned"] = true
		t.appendCompletedLocked(sp)
	}
}

// enforceActiveCapLocked evicts oldest-by-start active spans until the
// count is within MaxActive.
func (t *SpanTracker) enforceActiveCapLocked() {
	if len(t.active) <= t.opts.MaxActive {
		return
	}
	spans := make([]*Span, 0, len(t.active))
	for _, sp := range t.active {
		spans = append(spans, sp)
	}
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})
	excess := len(t.active) - t.opts.MaxActive
	for _, sp := range spans[:excess] {
		delete(t.active, sp.SpanID)
		sp.EndTime = t.now()
		sp.Status = StatusError
		if sp.Attributes == nil {
			sp.Attributes = make(map[string]any)
		}
		sp.Attributes["evicted"] = true
		t.appendCompletedLocked(sp)
	}
}

func (t *SpanTracker) appendCompletedLocked(sp *Span) {
	t.completed = append(t.completed, sp)
	if over := len(t.completed) - t.opts.MaxCompleted; over > 0 {
		t.completed = append([]*Span(nil), t.completed[over:]...)
	}
}

func copyAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
