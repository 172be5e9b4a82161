package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pricegrid/internal/metrics"
	"pricegrid/internal/model"
)

const (
	DefaultThrottle       = 250 * time.Millisecond
	DefaultReconnectDelay = 2 * time.Second
	DefaultRetryDelay     = 3 * time.Second
	DefaultMaxRetries     = 3

	pricesChanSize = 256
)

// Status is the connectivity view of an adapter.
// Terminal is set once the adapter gave up and will not retry.
type Status struct {
	Connected bool   `json:"connected"`
	Err       string `json:"error,omitempty"`
	Terminal  bool   `json:"terminal,omitempty"`
}

// Adapter turns one external price source into a stream of PricePoints
// spaced at least one throttle window apart.
type Adapter interface {
	// Start begins connecting in the background and returns immediately.
	// Calling Start while the adapter is running is a no-op.
	Start(ctx context.Context)
	// Stop aborts the connection or request in flight and any pending retry.
	// It returns after the background goroutine has exited.
	Stop()
	Source() string
	Symbol() string
	Prices() <-chan model.PricePoint
	Latest() (model.PricePoint, bool)
	Status() Status
}

// Options configures New.
type Options struct {
	Source         string // binance or pyth
	Symbol         string
	URL            string // websocket base or streaming endpoint; empty for the source default
	Throttle       time.Duration
	ReconnectDelay time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// New builds the adapter named by opts.Source.
func New(opts Options) (Adapter, error) {
	switch opts.Source {
	case SourceBinance:
		return NewBinanceAdapter(opts), nil
	case SourcePyth:
		return NewPythAdapter(opts), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", opts.Source)
	}
}

// Throttle is a leading-edge rate limiter: the first event in a window is
// accepted and later ones are dropped until interval has passed since the
// last accepted event.
type Throttle struct {
	interval time.Duration
	last     time.Time
	started  bool
	now      func() time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether an event arriving now is accepted.
func (t *Throttle) Allow() bool {
	now := t.now()
	if t.started && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	t.started = true
	return true
}

// feed holds what both adapter variants share: status, the latest accepted
// point, the throttle and the output channel.
type feed struct {
	source string
	symbol string

	mu       sync.RWMutex
	status   Status
	latest   model.PricePoint
	hasPoint bool

	throttle *Throttle
	out      chan model.PricePoint
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func (f *feed) init(source string, opts Options) {
	throttle := opts.Throttle
	if throttle < 0 {
		throttle = 0
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	f.source = source
	f.symbol = opts.Symbol
	f.throttle = NewThrottle(throttle)
	f.out = make(chan model.PricePoint, pricesChanSize)
	f.log = log.With("source", source, "symbol", opts.Symbol)
	f.metrics = opts.Metrics
}

func (f *feed) Source() string                  { return f.source }
func (f *feed) Symbol() string                  { return f.symbol }
func (f *feed) Prices() <-chan model.PricePoint { return f.out }

func (f *feed) Latest() (model.PricePoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest, f.hasPoint
}

func (f *feed) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *feed) setConnected() {
	f.mu.Lock()
	f.status = Status{Connected: true}
	f.mu.Unlock()
	f.metrics.FeedConnected(f.source, true)
}

// setDisconnected marks the feed down. An empty errText keeps the previous error.
func (f *feed) setDisconnected(errText string) {
	f.mu.Lock()
	f.status.Connected = false
	if errText != "" {
		f.status.Err = errText
	}
	f.mu.Unlock()
	f.metrics.FeedConnected(f.source, false)
}

func (f *feed) setTerminal(errText string) {
	f.mu.Lock()
	f.status = Status{Err: errText, Terminal: true}
	f.mu.Unlock()
	f.metrics.FeedConnected(f.source, false)
}

func (f *feed) dropped(reason string) {
	f.metrics.FeedDropped(f.source, reason)
}

// accept runs the throttle and hands the point to the consumer.
// It only runs on the adapter goroutine, so the throttle needs no lock.
func (f *feed) accept(p model.PricePoint) bool {
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Time <= 0 {
		f.dropped("invalid")
		return false
	}
	if !f.throttle.Allow() {
		f.dropped("throttled")
		return false
	}

	f.mu.Lock()
	f.latest = p
	f.hasPoint = true
	f.mu.Unlock()

	select {
	case f.out <- p:
	default:
		// consumer is behind; Latest still has the newest value
		f.dropped("backpressure")
	}
	f.metrics.FeedUpdate(f.source, f.symbol)
	return true
}

// sleepCtx waits d or until ctx is done. It reports whether the wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runner is the start/stop bookkeeping of a background loop.
type runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches loop unless one is already running.
func (r *runner) start(ctx context.Context, loop func(context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return false
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	go func() {
		defer close(done)
		loop(ctx)
	}()
	return true
}

func (r *runner) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
