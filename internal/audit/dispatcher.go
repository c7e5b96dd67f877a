package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one security-relevant action.
type Record struct {
	UserID     string                 `json:"userId"`
	Action     string                 `json:"action"`
	ResourceID string                 `json:"resourceId"`
	Details    map[string]interface{} `json:"details,omitempty"`
	At         time.Time              `json:"at"`
}

// Sink persists or forwards audit records.
type Sink interface {
	// Name returns the unique identifier for this sink
	Name() string

	// Write delivers one record
	Write(ctx context.Context, rec Record) error
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultQueueSize    = 256
)

// Dispatcher fans records out to every sink from a background worker.
// Record only enqueues; a full queue drops the record with a warning. Sink
// failures are logged and never returned to the caller.
type Dispatcher struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	queue chan Record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithQueueSize bounds the number of records waiting for the sinks.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Record, n)
		}
	}
}

// WithWriteTimeout bounds each fan-out.
func WithWriteTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher over sinks and starts its worker.
func NewDispatcher(logger *zap.Logger, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.L()
	}
	d := &Dispatcher{
		sinks:   sinks,
		logger:  logger.Named("audit"),
		timeout: defaultWriteTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		queue:   make(chan Record, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Record enqueues rec and returns immediately.
func (d *Dispatcher) Record(_ context.Context, rec Record) {
	if len(d.sinks) == 0 {
		return
	}
	if rec.At.IsZero() {
		rec.At = d.now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("audit record dropped after close", zap.String("action", rec.Action))
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.logger.Warn("audit queue full, record dropped",
			zap.String("action", rec.Action),
			zap.String("resource_id", rec.ResourceID))
	}
}

// Close stops accepting records and waits until queued ones are written or
// ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for rec := range d.queue {
		d.dispatch(rec)
	}
}

// dispatch writes rec to all sinks concurrently and waits for them.
func (d *Dispatcher) dispatch(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, sink := range d.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Write(ctx, rec); err != nil {
				d.logger.Warn("failed to write audit record",
					zap.String("sink", s.Name()),
					zap.String("action", rec.Action),
					zap.String("resource_id", rec.ResourceID),
					zap.Error(err))
			}
		}(sink)
	}
	wg.Wait()
}
