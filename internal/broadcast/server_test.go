package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pricegrid/internal/engine"
	"pricegrid/internal/metrics"
	"pricegrid/internal/model"

	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu      sync.Mutex
	balance float64
	stakes  []model.Stake
	symbol  string
}

func (f *fakeController) PlaceStake(_ context.Context, key string, amount float64) (model.Stake, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount > f.balance {
		return model.Stake{}, false, errors.New("insufficient balance")
	}
	f.balance -= amount
	st := model.Stake{ID: int64(len(f.stakes) + 1), BoxKey: key, Amount: amount, Multiplier: 1.5, Status: model.StakePending}
	f.stakes = append(f.stakes, st)
	return st, true, nil
}

func (f *fakeController) FinishSettle(context.Context, string) (model.Stake, bool, error) {
	return model.Stake{}, false, errors.New("stake not found")
}

func (f *fakeController) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance, f.stakes = 100, nil
	return nil
}

func (f *fakeController) SwitchSymbol(_ context.Context, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbol = s
	return nil
}

func (f *fakeController) State(context.Context) (model.WalletState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.WalletState{Balance: f.balance, Stakes: append([]model.Stake(nil), f.stakes...)}, nil
}

func (f *fakeController) History() []model.PricePoint {
	return []model.PricePoint{{Price: 1000, Time: 1}, {Price: 1001, Time: 2}}
}

func (f *fakeController) Symbol() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbol
}

func startServer(t *testing.T) (*fakeController, chan engine.Frame, *httptest.Server, *metrics.Metrics) {
	t.Helper()
	ctrl := &fakeController{balance: 100, symbol: "btcusdt"}
	frames := make(chan engine.Frame, 4)
	m := metrics.New()
	b := NewBroadcaster(ctrl, frames, Options{
		Metrics: m,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go b.hub.run(ctx, frames)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return ctrl, frames, srv, m
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func command(t *testing.T, conn *websocket.Conn, req string) reply {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	var rep reply
	readJSON(t, conn, &rep)
	if rep.Type != "reply" {
		t.Fatalf("expected reply, got %+v", rep)
	}
	return rep
}

func TestWebSocket_HistoryFramesAndCommands(t *testing.T) {
	ctrl, frames, srv, _ := startServer(t)
	conn := dial(t, srv)

	var hist historyMessage
	readJSON(t, conn, &hist)
	if hist.Type != "history" || hist.Symbol != "btcusdt" || len(hist.Points) != 2 {
		t.Fatalf("history = %+v", hist)
	}

	// A reply proves the client is registered with the hub.
	rep := command(t, conn, `{"op":"state"}`)
	if !rep.OK || rep.Wallet == nil || rep.Wallet.Balance != 100 {
		t.Fatalf("state reply = %+v", rep)
	}

	frames <- engine.Frame{Symbol: "btcusdt", Time: 42, HasPrice: true, Price: 1050}
	var frame struct {
		Type  string  `json:"type"`
		Time  int64   `json:"time"`
		Price float64 `json:"price"`
	}
	readJSON(t, conn, &frame)
	if frame.Type != "frame" || frame.Time != 42 || frame.Price != 1050 {
		t.Fatalf("frame = %+v", frame)
	}

	rep = command(t, conn, `{"op":"stake","boxKey":"6:2","amount":30}`)
	if !rep.OK || rep.Stake == nil || rep.Stake.BoxKey != "6:2" || rep.Created == nil || !*rep.Created {
		t.Fatalf("stake reply = %+v", rep)
	}
	if rep.Wallet.Balance != 70 {
		t.Fatalf("balance = %v", rep.Wallet.Balance)
	}

	rep = command(t, conn, `{"op":"stake","boxKey":"7:2","amount":500}`)
	if rep.OK || rep.Error == "" {
		t.Fatalf("overdraft reply = %+v", rep)
	}

	rep = command(t, conn, `{"op":"finish","boxKey":"6:2"}`)
	if rep.OK || !strings.Contains(rep.Error, "not found") {
		t.Fatalf("finish reply = %+v", rep)
	}

	rep = command(t, conn, `{"op":"symbol","symbol":"ethusdt"}`)
	if !rep.OK || ctrl.Symbol() != "ethusdt" {
		t.Fatalf("symbol reply = %+v", rep)
	}
	if rep = command(t, conn, `{"op":"symbol"}`); rep.OK {
		t.Fatal("empty symbol accepted")
	}

	rep = command(t, conn, `{"op":"reset"}`)
	if !rep.OK || rep.Wallet.Balance != 100 || len(rep.Wallet.Stakes) != 0 {
		t.Fatalf("reset reply = %+v", rep)
	}

	if rep = command(t, conn, `{"op":"launch"}`); rep.OK || !strings.Contains(rep.Error, "unknown op") {
		t.Fatalf("unknown op reply = %+v", rep)
	}
	if rep = command(t, conn, `not json`); rep.OK || rep.Error != "malformed command" {
		t.Fatalf("malformed reply = %+v", rep)
	}
}

func TestHTTP_StateHealthMetrics(t *testing.T) {
	ctrl, _, srv, _ := startServer(t)
	ctrl.PlaceStake(context.Background(), "5:1", 10)

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	var st model.WalletState
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.Balance != 90 || len(st.Stakes) != 1 {
		t.Fatalf("state = %+v", st)
	}

	resp, err = http.Post(srv.URL+"/state", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /state = %d", resp.StatusCode)
	}

	conn := dial(t, srv)
	var hist historyMessage
	readJSON(t, conn, &hist)
	command(t, conn, `{"op":"state"}`)

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status  string `json:"status"`
		Symbol  string `json:"symbol"`
		Clients int    `json:"clients"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || health.Symbol != "btcusdt" || health.Clients != 1 {
		t.Fatalf("health = %+v", health)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "pricegrid_ws_clients 1") {
		t.Fatalf("metrics missing client gauge:\n%s", body)
	}
}

func TestClient_RepliesAreNotStarvedByFrames(t *testing.T) {
	c := newClient(nil, nil)
	for i := 0; i < sendBuffer; i++ {
		c.send <- []byte("frame")
	}

	delivered := make(chan bool, 1)
	go func() { delivered <- c.deliver([]byte("reply")) }()

	select {
	case msg := <-c.replies:
		if string(msg) != "reply" {
			t.Fatalf("reply = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never reached the writer")
	}
	if !<-delivered {
		t.Fatal("deliver reported failure")
	}

	close(c.gone)
	if c.deliver([]byte("late")) {
		t.Fatal("deliver succeeded after the writer exited")
	}
}
