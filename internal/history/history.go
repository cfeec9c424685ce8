package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch    EventType = "launch"
	EventTerminate EventType = "terminate"
	EventKill      EventType = "kill"
	EventReset     EventType = "reset"
)

// Event is one worker lifecycle action taken by the supervisor.
// PID is zero for pool-wide events and failed launches.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Pool       string    `json:"pool"`
	PID        int       `json:"pid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const defaultSendTimeout = 5 * time.Second

// Recorder fans events out to every configured sink. Delivery is best-effort:
// a failing sink is logged and never blocks the others.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	pool    string
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(pool string, log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{pool: pool, log: log, timeout: defaultSendTimeout, sinks: append([]Sink(nil), sinks...)}
}

// AddSink appends one sink to the list.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record stamps e and sends it to every sink. It returns the joined sink
// errors for callers that care; most ignore them.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Pool == "" {
		e.Pool = r.pool
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "pid", e.PID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
