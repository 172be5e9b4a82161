package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FeedUpdate("binance", "btcusdt")
	m.FeedDropped("binance", "parse")
	m.FeedReconnect("pyth")
	m.FeedConnected("pyth", true)
	m.BoxEvent("activated")
	m.StakeTransition("won")
	m.SetBalance(1)
	m.ClientsChanged(2)
	m.ObserveFrame(0.001)
	if m.Registry() != nil {
		t.Fatal("nil metrics returned a registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.StakeTransition("pending")
	m.StakeTransition("pending")
	m.SetBalance(70)
	m.FeedConnected("binance", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"pricegrid_wallet_balance 70",
		`pricegrid_stake_transitions_total{status="pending"} 2`,
		`pricegrid_feed_connected{source="binance"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
