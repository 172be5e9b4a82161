package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"pricegrid/internal/bus"
	"pricegrid/internal/clock"
	"pricegrid/internal/grid"
	"pricegrid/internal/ingest"
	"pricegrid/internal/lifecycle"
	"pricegrid/internal/metrics"
	"pricegrid/internal/model"
	"pricegrid/internal/smooth"
	"pricegrid/internal/state"
	"pricegrid/internal/wager"

	"github.com/google/uuid"
)

// =============================================================================
// FRAME PIPELINE
// =============================================================================
//
// One Session is one chart: a feed, its buffer and every piece of per-frame
// state. A single goroutine owns all of it, so no step ever sees a half
// updated view:
//
//   price  -> buffer.AddPoint -> bus
//   tick   -> smoother -> grid -> lifecycle -> wager.Settle -> Frame
//   command (stake / finish / reset / symbol / state) -> same goroutine
//
// The wallet is the only state shared beyond the session; it is reached
// through wager.Machine, whose store applies each change atomically.
// =============================================================================

var (
	ErrCellClosed     = errors.New("engine: cell is already decided")
	ErrCellNotVisible = errors.New("engine: cell is not on the chart")
	ErrNoPrice        = errors.New("engine: no price yet")
	ErrClosed         = errors.New("engine: session is not running")
)

// AdapterFactory builds the feed adapter for a symbol.
type AdapterFactory func(symbol string) (ingest.Adapter, error)

// Options configures a Session.
type Options struct {
	Symbol        string
	NewAdapter    AdapterFactory
	Grid          grid.Params
	MaxPoints     int
	SmoothingMs   float64
	FrameInterval time.Duration
	Wallet        *wager.Machine
	Bus           *bus.Bus                               // optional
	Preload       func(symbol string) []model.PricePoint // optional, restart history
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Frame is the consistent result of one step.
type Frame struct {
	Session     string             `json:"session"`
	Symbol      string             `json:"symbol"`
	Time        int64              `json:"time"`
	HasPrice    bool               `json:"hasPrice"`
	Price       float64            `json:"price"`
	CenterPrice float64            `json:"centerPrice"`
	Connected   bool               `json:"connected"`
	Error       string             `json:"error,omitempty"`
	Terminal    bool               `json:"terminal,omitempty"`
	Points      []model.PricePoint `json:"points"`
	Boxes       []model.GridBox    `json:"boxes"`
	Activated   []string           `json:"activated"`
	Events      []lifecycle.Event  `json:"events,omitempty"`
	Wallet      model.WalletState  `json:"wallet"`
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Session runs the frame pipeline for one chart.
type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	// owned by the run goroutine
	adapter  ingest.Adapter
	buffer   *state.PriceBuffer
	smoother *smooth.Smoother
	life     *lifecycle.Engine
	clock    *clock.Clock
	now      int64
	visible  map[string]struct{} // box keys of the last frame
	column   int64
	swept    bool
	wallet   model.WalletState
	dirty    bool

	symbol  atomic.Value // string
	cmds    chan command
	frames  chan Frame
	done    chan struct{}
	started atomic.Bool
}

// NewSession validates opts and builds the first adapter. Nothing runs until Run.
func NewSession(opts Options) (*Session, error) {
	if opts.NewAdapter == nil {
		return nil, errors.New("engine: adapter factory is required")
	}
	if opts.Wallet == nil {
		return nil, errors.New("engine: wallet is required")
	}
	if err := opts.Grid.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	adapter, err := opts.NewAdapter(opts.Symbol)
	if err != nil {
		return nil, fmt.Errorf("feed for %s: %w", opts.Symbol, err)
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		opts:     opts,
		log:      opts.Logger.With("session", id[:8]),
		adapter:  adapter,
		buffer:   state.NewPriceBuffer(opts.MaxPoints),
		smoother: smooth.New(opts.SmoothingMs),
		life:     lifecycle.New(opts.Grid.PriceStep),
		clock:    clock.New(opts.FrameInterval),
		visible:  make(map[string]struct{}),
		dirty:    true,
		cmds:     make(chan command),
		frames:   make(chan Frame, 8),
		done:     make(chan struct{}),
	}
	s.symbol.Store(adapter.Symbol())
	s.life.OnActivated = func(b model.GridBox) { s.opts.Metrics.BoxEvent(string(lifecycle.Activated)) }
	s.life.OnExpired = func(b model.GridBox) { s.opts.Metrics.BoxEvent(string(lifecycle.Expired)) }
	s.preload()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Symbol is safe to call from any goroutine.
func (s *Session) Symbol() string { return s.symbol.Load().(string) }

// Frames delivers computed frames. A slow reader misses frames.
func (s *Session) Frames() <-chan Frame { return s.frames }

// History returns the buffered points, oldest first. Safe from any goroutine.
func (s *Session) History() []model.PricePoint { return s.buffer.Points() }

// Run owns the session until ctx is done. It can only be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("engine: session already running")
	}
	defer close(s.done)

	s.adapter.Start(ctx)
	defer func() { s.adapter.Stop() }()
	s.log.Info("session started", "symbol", s.Symbol(), "source", s.adapter.Source())

	ticks := s.clock.Run(ctx)
	prices := s.adapter.Prices()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session stopped")
			return nil

		case p := <-prices:
			s.onPrice(p)

		case now, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			frame := s.Step(ctx, now)
			select {
			case s.frames <- frame:
			default:
			}

		case cmd := <-s.cmds:
			before := s.adapter
			cmd.fn(ctx)
			close(cmd.done)
			if s.adapter != before {
				s.adapter.Start(ctx)
				prices = s.adapter.Prices()
			}
		}
	}
}

func (s *Session) onPrice(p model.PricePoint) {
	s.buffer.AddPoint(p.Price, p.Time)
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(model.Tick{Symbol: s.Symbol(), Point: p})
	}
}

// Step computes one frame at now. Smoother, grid and lifecycle run in that
// order against the same buffer state.
func (s *Session) Step(ctx context.Context, now int64) Frame {
	start := time.Now()
	s.now = now

	status := s.adapter.Status()
	f := Frame{
		Session:   s.id,
		Symbol:    s.Symbol(),
		Time:      now,
		Connected: status.Connected,
		Error:     status.Err,
		Terminal:  status.Terminal,
	}

	if latest, ok := s.buffer.Latest(); ok {
		center := s.smoother.Update(latest.Price, now)
		boxes := grid.Compute(s.opts.Grid, center, now)
		events := s.life.Process(boxes, latest.Price)
		for _, ev := range events {
			s.settle(ctx, ev)
		}
		clear(s.visible)
		for _, b := range boxes {
			s.visible[b.Key] = struct{}{}
		}

		f.HasPrice = true
		f.Price = latest.Price
		f.CenterPrice = center
		f.Boxes = boxes
		f.Events = events
		f.Activated = s.life.Activated()
		f.Points = s.visiblePoints(now)
	}

	if col := grid.TimeIndex(now, s.opts.Grid.TimeIntervalMs); !s.swept || col != s.column {
		s.sweep(ctx, col)
		s.column, s.swept = col, true
	}

	f.Wallet = s.walletState(ctx)
	s.opts.Metrics.ObserveFrame(time.Since(start).Seconds())
	return f
}

// visiblePoints keeps the points inside the left half of the time window.
func (s *Session) visiblePoints(now int64) []model.PricePoint {
	cutoff := now - s.opts.Grid.TimeWindowMs/2
	points := s.buffer.Points()
	i := 0
	for i < len(points) && points[i].Time < cutoff {
		i++
	}
	return points[i:]
}

func (s *Session) settle(ctx context.Context, ev lifecycle.Event) {
	won := ev.Kind == lifecycle.Activated
	st, err := s.opts.Wallet.Settle(ctx, ev.Box.Key, won)
	switch {
	case errors.Is(err, wager.ErrStakeNotFound), errors.Is(err, wager.ErrStakeNotPending):
		return
	case err != nil:
		s.log.Error("settle failed", "box", ev.Box.Key, "error", err)
		return
	}
	s.dirty = true
	s.log.Info("stake decided", "box", st.BoxKey, "status", st.Status)
}

// sweep settles as lost every stake still pending in a column before current.
// Such a stake was never hit while its cell was on the chart: it scrolled out
// of view, or it belongs to an earlier run or symbol.
func (s *Session) sweep(ctx context.Context, current int64) {
	w, err := s.opts.Wallet.State(ctx)
	if err != nil {
		s.log.Error("wallet read failed", "error", err)
		return
	}
	for _, st := range w.Stakes {
		if st.Status != model.StakePending {
			continue
		}
		_, timeIndex, err := model.ParseBoxKey(st.BoxKey)
		if err != nil || timeIndex >= current {
			continue
		}
		if _, err := s.opts.Wallet.Settle(ctx, st.BoxKey, false); err != nil {
			s.log.Error("sweep settle failed", "box", st.BoxKey, "error", err)
			continue
		}
		s.dirty = true
		s.log.Info("stake expired off chart", "box", st.BoxKey)
	}
}

func (s *Session) walletState(ctx context.Context) model.WalletState {
	if !s.dirty {
		return s.wallet
	}
	w, err := s.opts.Wallet.State(ctx)
	if err != nil {
		s.log.Error("wallet read failed", "error", err)
		return s.wallet
	}
	s.wallet, s.dirty = w, false
	return w
}

func (s *Session) preload() {
	if s.opts.Preload == nil {
		return
	}
	for _, p := range s.opts.Preload(s.Symbol()) {
		s.buffer.AddPoint(p.Price, p.Time)
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	select {
	case s.cmds <- command{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// PlaceStake wagers amount on boxKey. The reference index is the cell holding
// the latest price. Only cells of the last frame that are neither past nor
// already hit are accepted.
func (s *Session) PlaceStake(ctx context.Context, boxKey string, amount float64) (st model.Stake, created bool, err error) {
	if derr := s.do(ctx, func(ctx context.Context) {
		st, created, err = s.placeStake(ctx, boxKey, amount)
	}); derr != nil {
		return model.Stake{}, false, derr
	}
	return st, created, err
}

func (s *Session) placeStake(ctx context.Context, boxKey string, amount float64) (model.Stake, bool, error) {
	_, timeIndex, err := model.ParseBoxKey(boxKey)
	if err != nil {
		return model.Stake{}, false, fmt.Errorf("%w: %v", wager.ErrInvalidBoxKey, err)
	}
	latest, ok := s.buffer.Latest()
	if !ok {
		return model.Stake{}, false, ErrNoPrice
	}
	now := s.now
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	if timeIndex < grid.TimeIndex(now, s.opts.Grid.TimeIntervalMs) || s.life.IsActivated(boxKey) {
		return model.Stake{}, false, ErrCellClosed
	}
	if _, ok := s.visible[boxKey]; !ok {
		return model.Stake{}, false, ErrCellNotVisible
	}

	ref := grid.CellIndex(latest.Price, s.opts.Grid.PriceStep)
	st, created, err := s.opts.Wallet.CreateStake(ctx, boxKey, amount, ref)
	if err == nil && created {
		s.dirty = true
	}
	return st, created, err
}

// FinishSettle lands the payout of a settling stake.
func (s *Session) FinishSettle(ctx context.Context, boxKey string) (st model.Stake, applied bool, err error) {
	if derr := s.do(ctx, func(ctx context.Context) {
		st, applied, err = s.opts.Wallet.FinishSettle(ctx, boxKey)
		if applied {
			s.dirty = true
		}
	}); derr != nil {
		return model.Stake{}, false, derr
	}
	return st, applied, err
}

// Reset clears every stake and restores the initial balance.
func (s *Session) Reset(ctx context.Context) (err error) {
	if derr := s.do(ctx, func(ctx context.Context) {
		err = s.opts.Wallet.Reset(ctx)
		s.dirty = true
	}); derr != nil {
		return derr
	}
	return err
}

// State returns the wallet.
func (s *Session) State(ctx context.Context) (w model.WalletState, err error) {
	if derr := s.do(ctx, func(ctx context.Context) {
		w, err = s.opts.Wallet.State(ctx)
	}); derr != nil {
		return model.WalletState{}, derr
	}
	return w, err
}

// SwitchSymbol aborts the current feed and starts one for symbol. Buffer,
// smoother and cell lifecycle start over; stakes are kept.
func (s *Session) SwitchSymbol(ctx context.Context, symbol string) (err error) {
	if derr := s.do(ctx, func(ctx context.Context) {
		err = s.switchSymbol(symbol)
	}); derr != nil {
		return derr
	}
	return err
}

// switchSymbol swaps the adapter; the caller starts the new one.
func (s *Session) switchSymbol(symbol string) error {
	next, err := s.opts.NewAdapter(symbol)
	if err != nil {
		return fmt.Errorf("feed for %s: %w", symbol, err)
	}
	s.adapter.Stop()
	s.adapter = next

	s.life.Reset()
	clear(s.visible)
	s.buffer.Clear()
	s.smoother.Reset()
	s.symbol.Store(next.Symbol())
	s.preload()
	s.log.Info("symbol switched", "symbol", next.Symbol())
	return nil
}
