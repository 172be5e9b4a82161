package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pricegrid/internal/bus"
	"pricegrid/internal/grid"
	"pricegrid/internal/ingest"
	"pricegrid/internal/lifecycle"
	"pricegrid/internal/model"
	"pricegrid/internal/wager"
)

type fakeAdapter struct {
	symbol string
	prices chan model.PricePoint

	mu     sync.Mutex
	starts int
	stops  int
}

func newFakeAdapter(symbol string) *fakeAdapter {
	return &fakeAdapter{symbol: symbol, prices: make(chan model.PricePoint, 16)}
}

func (f *fakeAdapter) Start(context.Context) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeAdapter) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeAdapter) Source() string { return "fake" }
func (f *fakeAdapter) Symbol() string { return f.symbol }

func (f *fakeAdapter) Prices() <-chan model.PricePoint { return f.prices }
func (f *fakeAdapter) Latest() (model.PricePoint, bool) {
	return model.PricePoint{}, false
}
func (f *fakeAdapter) Status() ingest.Status { return ingest.Status{Connected: true} }

func (f *fakeAdapter) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
}

func (ff *fakeFactory) New(symbol string) (ingest.Adapter, error) {
	if symbol == "" {
		return nil, errors.New("empty symbol")
	}
	a := newFakeAdapter(symbol)
	ff.mu.Lock()
	ff.adapters = append(ff.adapters, a)
	ff.mu.Unlock()
	return a, nil
}

func (ff *fakeFactory) get(i int) *fakeAdapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.adapters[i]
}

func newTestSession(t *testing.T, mutate func(*Options)) (*Session, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{}
	opts := Options{
		Symbol:        "btcusdt",
		NewAdapter:    ff.New,
		Grid:          grid.DefaultParams(),
		MaxPoints:     100,
		SmoothingMs:   500,
		FrameInterval: 5 * time.Millisecond,
		Wallet:        wager.NewMachine(wager.NewMemoryStore(100), 100),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s, ff
}

const t0 = int64(1_700_000_002_000) // column 340000000

func TestNewSession_Validation(t *testing.T) {
	ff := &fakeFactory{}
	wallet := wager.NewMachine(wager.NewMemoryStore(100), 100)
	cases := map[string]Options{
		"no factory": {Symbol: "btcusdt", Grid: grid.DefaultParams(), Wallet: wallet},
		"no wallet":  {Symbol: "btcusdt", Grid: grid.DefaultParams(), NewAdapter: ff.New},
		"bad grid":   {Symbol: "btcusdt", NewAdapter: ff.New, Wallet: wallet},
		"bad symbol": {NewAdapter: ff.New, Grid: grid.DefaultParams(), Wallet: wallet},
	}
	for name, opts := range cases {
		if _, err := NewSession(opts); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestStep_NoPrice(t *testing.T) {
	s, _ := newTestSession(t, nil)
	f := s.Step(context.Background(), t0)
	if f.HasPrice || len(f.Boxes) != 0 || len(f.Events) != 0 {
		t.Fatalf("frame without price = %+v", f)
	}
	if f.Wallet.Balance != 100 || !f.Connected || f.Symbol != "btcusdt" {
		t.Fatalf("frame = %+v", f)
	}
	if _, _, err := s.placeStake(context.Background(), "6:340000001", 10); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("stake before price: %v", err)
	}
}

func TestStep_SettlesStakesFromCellEvents(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, nil)
	s.onPrice(model.PricePoint{Price: 1050, Time: t0})

	f := s.Step(ctx, t0)
	if !f.HasPrice || f.CenterPrice != 1050 || len(f.Boxes) == 0 {
		t.Fatalf("first frame = %+v", f)
	}
	if len(f.Points) != 1 {
		t.Fatalf("points = %v", f.Points)
	}

	const c = int64(340000000)
	near := model.BoxKey(6, c+1)
	far := model.BoxKey(8, c+1)

	st, created, err := s.placeStake(ctx, near, 10)
	if err != nil || !created || st.Multiplier != 1.5 {
		t.Fatalf("near stake = %+v created=%v err=%v", st, created, err)
	}
	st, created, err = s.placeStake(ctx, far, 10)
	if err != nil || !created || st.Multiplier != 2.5 {
		t.Fatalf("far stake = %+v created=%v err=%v", st, created, err)
	}
	if _, _, err := s.placeStake(ctx, model.BoxKey(6, c-1), 10); !errors.Is(err, ErrCellClosed) {
		t.Fatalf("past column: %v", err)
	}
	if _, _, err := s.placeStake(ctx, "6-x", 10); !errors.Is(err, wager.ErrInvalidBoxKey) {
		t.Fatalf("bad key: %v", err)
	}

	// The price sits inside the near cell when its column becomes current.
	f = s.Step(ctx, t0+5000)
	if !hasEvent(f.Events, lifecycle.Activated, near) {
		t.Fatalf("expected activation of %s, events = %v", near, f.Events)
	}
	if f.Wallet.Balance != 80 {
		t.Fatalf("balance after stakes = %v", f.Wallet.Balance)
	}
	if got := stakeStatus(f.Wallet, near); got != model.StakeSettlingWon {
		t.Fatalf("near status = %s", got)
	}

	if _, applied, err := s.opts.Wallet.FinishSettle(ctx, near); err != nil || !applied {
		t.Fatalf("finish: applied=%v err=%v", applied, err)
	}
	s.dirty = true

	// The far cell rolls into the past without being hit.
	f = s.Step(ctx, t0+10000)
	if !hasEvent(f.Events, lifecycle.Expired, far) {
		t.Fatalf("expected expiry of %s, events = %v", far, f.Events)
	}
	if f.Wallet.Balance != 95 {
		t.Fatalf("balance = %v, want 95", f.Wallet.Balance)
	}
	if got := stakeStatus(f.Wallet, far); got != model.StakeSettlingLost {
		t.Fatalf("far status = %s", got)
	}
	if got := stakeStatus(f.Wallet, near); got != model.StakeWon {
		t.Fatalf("near status = %s", got)
	}
}

func TestPlaceStake_RejectsUndecidableCells(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, nil)
	s.onPrice(model.PricePoint{Price: 1050, Time: t0})

	const c = int64(340000000)
	f := s.Step(ctx, t0)
	hit := model.BoxKey(6, c)
	if !hasEvent(f.Events, lifecycle.Activated, hit) {
		t.Fatalf("expected %s to be hit, events = %v", hit, f.Events)
	}

	if _, _, err := s.placeStake(ctx, hit, 10); !errors.Is(err, ErrCellClosed) {
		t.Fatalf("stake on hit cell: %v", err)
	}
	if _, _, err := s.placeStake(ctx, model.BoxKey(1000, c+1), 10); !errors.Is(err, ErrCellNotVisible) {
		t.Fatalf("stake off chart: %v", err)
	}

	for i := int64(1); i <= 40; i++ {
		f = s.Step(ctx, t0+i*1000)
	}
	if f.Wallet.Balance != 100 || len(f.Wallet.Stakes) != 0 {
		t.Fatalf("wallet = %+v", f.Wallet)
	}
}

func TestStep_SweepsStakesThatScrolledOffChart(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, nil)
	s.onPrice(model.PricePoint{Price: 1050, Time: t0})
	s.Step(ctx, t0)

	const c = int64(340000000)
	key := model.BoxKey(8, c+1)
	if _, created, err := s.placeStake(ctx, key, 10); err != nil || !created {
		t.Fatalf("stake: created=%v err=%v", created, err)
	}

	// The price runs away and the staked row leaves the chart before its
	// column becomes current.
	s.onPrice(model.PricePoint{Price: 5050, Time: t0 + 1000})
	for _, now := range []int64{t0 + 1000, t0 + 3000, t0 + 5000, t0 + 7000} {
		f := s.Step(ctx, now)
		for _, b := range f.Boxes {
			if b.Key == key && now >= t0+3000 {
				t.Fatalf("%s still on chart at %d", key, now)
			}
		}
	}
	if w, _ := s.opts.Wallet.State(ctx); stakeStatus(w, key) != model.StakePending {
		t.Fatalf("stake decided before its column passed: %+v", w)
	}

	f := s.Step(ctx, t0+10000)
	if got := stakeStatus(f.Wallet, key); got != model.StakeSettlingLost {
		t.Fatalf("status = %s, want settling-lost", got)
	}
	if f.Wallet.Balance != 90 {
		t.Fatalf("balance = %v", f.Wallet.Balance)
	}
}

func TestStep_VisiblePoints(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.onPrice(model.PricePoint{Price: 1000, Time: t0 - 20000})
	s.onPrice(model.PricePoint{Price: 1010, Time: t0 - 12000})
	s.onPrice(model.PricePoint{Price: 1020, Time: t0})

	f := s.Step(context.Background(), t0)
	if len(f.Points) != 2 || f.Points[0].Price != 1010 {
		t.Fatalf("points = %v", f.Points)
	}
	if len(s.History()) != 3 {
		t.Fatalf("history = %v", s.History())
	}
}

func TestSwitchSymbol_ResetsChartKeepsWallet(t *testing.T) {
	ctx := context.Background()
	s, ff := newTestSession(t, func(o *Options) {
		o.Preload = func(symbol string) []model.PricePoint {
			if symbol == "ethusdt" {
				return []model.PricePoint{{Price: 3000, Time: t0}}
			}
			return nil
		}
	})
	s.onPrice(model.PricePoint{Price: 1050, Time: t0})
	s.Step(ctx, t0)
	if _, _, err := s.placeStake(ctx, model.BoxKey(6, 340000001), 10); err != nil {
		t.Fatal(err)
	}

	if err := s.switchSymbol("ethusdt"); err != nil {
		t.Fatal(err)
	}
	if _, stops := ff.get(0).counts(); stops != 1 {
		t.Fatalf("old adapter stops = %d", stops)
	}
	if s.Symbol() != "ethusdt" || s.life.Tracked() != 0 {
		t.Fatalf("symbol=%s tracked=%d", s.Symbol(), s.life.Tracked())
	}
	if _, ok := s.smoother.Value(); ok {
		t.Fatal("smoother not reset")
	}
	h := s.History()
	if len(h) != 1 || h[0].Price != 3000 {
		t.Fatalf("history after switch = %v", h)
	}

	w, err := s.opts.Wallet.State(ctx)
	if err != nil || len(w.Stakes) != 1 || w.Balance != 90 {
		t.Fatalf("wallet = %+v err=%v", w, err)
	}

	if err := s.switchSymbol(""); err == nil {
		t.Fatal("expected factory error")
	}
	if s.Symbol() != "ethusdt" {
		t.Fatalf("failed switch changed symbol to %q", s.Symbol())
	}
}

func TestRun_CommandsAndFrames(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()
	ticks := b.Subscribe(4)

	s, ff := newTestSession(t, func(o *Options) { o.Bus = b })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	now := time.Now().UnixMilli()
	ff.get(0).prices <- model.PricePoint{Price: 1050, Time: now}

	select {
	case tick := <-ticks:
		if tick.Symbol != "btcusdt" || tick.Point.Price != 1050 {
			t.Fatalf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick published")
	}

	deadline := time.After(2 * time.Second)
	for {
		var f Frame
		select {
		case f = <-s.Frames():
		case <-deadline:
			t.Fatal("no frame with price")
		}
		if f.HasPrice {
			break
		}
	}

	key := model.BoxKey(grid.CellIndex(1050, 200), grid.TimeIndex(now, 5000)+2)
	st, created, err := s.PlaceStake(ctx, key, 10)
	if err != nil || !created || st.Status != model.StakePending {
		t.Fatalf("stake = %+v created=%v err=%v", st, created, err)
	}
	if _, created, _ := s.PlaceStake(ctx, key, 10); created {
		t.Fatal("second stake on the same cell was created")
	}
	w, err := s.State(ctx)
	if err != nil || w.Balance != 90 {
		t.Fatalf("state = %+v err=%v", w, err)
	}
	if _, applied, err := s.FinishSettle(ctx, key); err != nil || applied {
		t.Fatalf("finish of pending stake: applied=%v err=%v", applied, err)
	}

	if err := s.SwitchSymbol(ctx, "solusdt"); err != nil {
		t.Fatal(err)
	}
	if starts, _ := ff.get(1).counts(); starts != 1 {
		t.Fatalf("new adapter starts = %d", starts)
	}
	if s.Symbol() != "solusdt" {
		t.Fatalf("symbol = %s", s.Symbol())
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	w, _ = s.State(ctx)
	if w.Balance != 100 || len(w.Stakes) != 0 {
		t.Fatalf("after reset = %+v", w)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, stops := ff.get(1).counts(); stops != 1 {
		t.Fatalf("adapter not stopped on shutdown, stops = %d", stops)
	}
	if _, err := s.State(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("command after shutdown: %v", err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func hasEvent(events []lifecycle.Event, kind lifecycle.Kind, key string) bool {
	for _, ev := range events {
		if ev.Kind == kind && ev.Box.Key == key {
			return true
		}
	}
	return false
}

func stakeStatus(w model.WalletState, key string) model.StakeStatus {
	for _, st := range w.Stakes {
		if st.BoxKey == key {
			return st.Status
		}
	}
	return ""
}
