// Package notify carries human-readable sync events to whatever surface
// the host application provides. Delivery is fire-and-forget: a slow or
// broken notifier must never block the sync engine.
package notify

import (
	"sync"
	"time"

	"github.com/kimhsiao/driftsync/internal/logging"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one user-facing notification.
type Event struct {
	Type     string                 `json:"type"` // e.g. "sync.completed", "sync.rolled_back"
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
	At       int64                  `json:"at"` // unix ms
}

// Notifier receives events. Implementations must return quickly; anything
// expensive belongs on the implementation's own goroutine.
type Notifier interface {
	Notify(event Event)
}

// Func adapts a function to the Notifier interface.
type Func func(Event)

// Notify calls f.
func (f Func) Notify(event Event) {
	f(event)
}

// Log is a Notifier that writes events to the structured log. It is the
// default sink when the host wires nothing else.
type Log struct {
	logger *logging.Logger
}

// NewLog creates a log-backed notifier.
func NewLog(logger *logging.Logger) *Log {
	return &Log{logger: logger}
}

// Notify writes the event to the log at a level matching its severity.
func (l *Log) Notify(event Event) {
	ctx := map[string]interface{}{"event_type": event.Type}
	for k, v := range event.Context {
		ctx[k] = v
	}
	switch event.Severity {
	case SeverityError:
		l.logger.Error(event.Message, nil, ctx)
	case SeverityWarning:
		l.logger.Warn(event.Message, ctx)
	default:
		l.logger.Info(event.Message, ctx)
	}
}

// RateLimited wraps a Notifier and drops repeats of the same event type
// arriving faster than the configured interval. Transient "retrying"
// notices use this so a flapping connection does not spam the user.
type RateLimited struct {
	next     Notifier
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimited wraps next with a per-event-type minimum interval.
func NewRateLimited(next Notifier, interval time.Duration) *RateLimited {
	return &RateLimited{
		next:     next,
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Notify forwards the event unless one of the same type was forwarded
// within the interval.
func (r *RateLimited) Notify(event Event) {
	r.mu.Lock()
	now := r.now()
	if last, ok := r.last[event.Type]; ok && now.Sub(last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last[event.Type] = now
	r.mu.Unlock()

	r.next.Notify(event)
}

// Fanout duplicates every event to multiple notifiers. A panicking
// notifier is isolated so it cannot take down its siblings or the caller.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a fanout over the given notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Notify delivers the event to every notifier.
func (f *Fanout) Notify(event Event) {
	for _, n := range f.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("Notifier panicked",
						map[string]interface{}{"event_type": event.Type, "panic": r})
				}
			}()
			n.Notify(event)
		}()
	}
}
