package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/visionpath/screening/internal/platform/store"
	"github.com/visionpath/screening/internal/platform/telemetry"
)

// Handler performs one side effect for the events it accepts.
type Handler interface {
	Name() string
	Accepts(e Event) bool
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler for every event kind listed.
type HandlerFunc struct {
	HandlerName string
	Kinds       []Kind
	Fn          func(ctx context.Context, e Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Accepts(e Event) bool {
	if len(h.Kinds) == 0 {
		return true
	}
	for _, k := range h.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

func (h HandlerFunc) Handle(ctx context.Context, e Event) error { return h.Fn(ctx, e) }

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	ID       string    `json:"id"`
	Handler  string    `json:"handler"`
	Event    Event     `json:"event"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterSink receives jobs that could not be completed.
type DeadLetterSink interface {
	Put(ctx context.Context, dl DeadLetter) error
}

// StoreSink keeps dead letters in the record store.
type StoreSink struct {
	Store store.Store
}

func (s StoreSink) Put(ctx context.Context, dl DeadLetter) error {
	data, err := store.Encode(dl)
	if err != nil {
		return err
	}
	_, err = s.Store.Commit(ctx, store.Create(store.Record{
		Collection: store.DeadLetters,
		ID:         dl.ID,
		SessionID:  dl.Event.SessionID,
		Status:     dl.Handler,
		Ref:        string(dl.Event.Kind),
		Data:       data,
	}))
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

type job struct {
	handler Handler
	event   Event
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize bounds the number of pending jobs.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithMaxAttempts sets how many times a job runs before it is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and its upper bound. Each retry
// doubles the previous delay.
func WithBackoff(base, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.baseDelay = base
		d.maxDelay = max
	}
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithDeadLetters sets where exhausted jobs go.
func WithDeadLetters(s DeadLetterSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithMetrics records queue and handler outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher fans each published event out to every accepting handler as
// an independent job.
type Dispatcher struct {
	handlers    []Handler
	logger      zerolog.Logger
	sink        DeadLetterSink
	metrics     *telemetry.Metrics
	workers     int
	queueSize   int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration

	queue   chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a Dispatcher. Call Start before publishing.
func NewDispatcher(logger zerolog.Logger, handlers []Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:    handlers,
		logger:      logger.With().Str("component", "dispatch").Logger(),
		workers:     4,
		queueSize:   1024,
		maxAttempts: 5,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		timeout:     15 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan job, d.queueSize)
	return d
}

// Start launches the workers. They run until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info().Int("workers", d.workers).Int("queue_size", d.queueSize).Msg("dispatcher started")
}

// Stop refuses new events, lets the workers drain the queue and waits for
// them. Jobs waiting on a retry delay when ctx expires are dead-lettered.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.logger.Info().Msg("dispatcher stopped")
}

// QueueStats is a point-in-time view of the job queue.
type QueueStats struct {
	Depth    int  `json:"depth"`
	Capacity int  `json:"capacity"`
	Workers  int  `json:"workers"`
	Stopped  bool `json:"stopped"`
}

// Saturated reports whether the next Publish would dead-letter its jobs.
func (q QueueStats) Saturated() bool { return q.Stopped || q.Depth >= q.Capacity }

func (d *Dispatcher) Stats() QueueStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return QueueStats{Depth: len(d.queue), Capacity: cap(d.queue), Workers: d.workers, Stopped: d.stopped}
}

// Publish enqueues one job per accepting handler. It never blocks: when
// the queue is full the job is dead-lettered immediately.
func (d *Dispatcher) Publish(events ...Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, e := range events {
		for _, h := range d.handlers {
			if !h.Accepts(e) {
				continue
			}
			j := job{handler: h, event: e}
			if d.stopped {
				d.deadLetter(context.Background(), j, 0, errors.New("dispatcher stopped"))
				continue
			}
			select {
			case d.queue <- j:
			default:
				d.deadLetter(context.Background(), j, 0, errors.New("queue full"))
			}
		}
	}
	d.metrics.SetQueueDepth(len(d.queue))
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		d.run(ctx, j)
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	name := j.handler.Name()
	log := d.logger.With().
		Str("handler", name).
		Str("event", string(j.event.Kind)).
		Str("event_id", j.event.ID).
		Str("session_id", j.event.SessionID).
		Logger()

	var (
		err     error
		attempt int
	)
	for attempt = 1; attempt <= d.maxAttempts; attempt++ {
		err = d.invoke(ctx, j)
		if err == nil {
			d.metrics.DispatchResult(name, "ok")
			return
		}
		d.metrics.DispatchResult(name, "error")
		log.Warn().Err(err).Int("attempt", attempt).Msg("side effect failed")

		if IsPermanent(err) || attempt == d.maxAttempts {
			break
		}
		select {
		case <-time.After(d.delay(attempt)):
		case <-ctx.Done():
			d.deadLetter(context.Background(), j, attempt, ctx.Err())
			return
		}
	}
	d.deadLetter(context.Background(), j, attempt, err)
}

func (d *Dispatcher) invoke(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	hctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return j.handler.Handle(hctx, j.event)
}

// delay returns the wait before the retry following attempt n.
func (d *Dispatcher) delay(n int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if d.maxDelay > 0 && delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	return delay
}

func (d *Dispatcher) deadLetter(ctx context.Context, j job, attempts int, cause error) {
	name := j.handler.Name()
	d.metrics.DeadLetter(name)
	d.logger.Error().Err(cause).
		Str("handler", name).
		Str("event", string(j.event.Kind)).
		Str("session_id", j.event.SessionID).
		Int("attempts", attempts).
		Msg("side effect dead-lettered")

	if d.sink == nil {
		return
	}
	dl := DeadLetter{
		ID:       uuid.NewString(),
		Handler:  name,
		Event:    j.event,
		Attempts: attempts,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	if err := d.sink.Put(ctx, dl); err != nil {
		d.logger.Error().Err(err).Str("handler", name).Msg("dead letter not stored")
	}
}
