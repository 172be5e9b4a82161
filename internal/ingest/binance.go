package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"pricegrid/internal/model"

	"github.com/gorilla/websocket"
)

const (
	SourceBinance = "binance"

	binanceWSBase = "wss://stream.binance.com:9443"
)

// tradeEvent is the subset of the Binance trade stream payload we read.
// Example: {"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,"p":"16850.00","q":"0.005","T":1672515782136,"m":true}
type tradeEvent struct {
	P string `json:"p"` // Price
	T int64  `json:"T"` // Trade time (ms)
}

// BinanceAdapter reads the public trade stream of one symbol over a websocket.
//
// After any close the socket is redialled once reconnectDelay has passed; there
// is no retry cap. Status.Connected stays false during the gap.
type BinanceAdapter struct {
	feed
	runner

	url            string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
}

func NewBinanceAdapter(opts Options) *BinanceAdapter {
	base := opts.URL
	if base == "" {
		base = binanceWSBase
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	symbol := strings.ToLower(opts.Symbol)
	opts.Symbol = symbol
	a := &BinanceAdapter{
		url:            strings.TrimRight(base, "/") + "/ws/" + symbol + "@trade",
		reconnectDelay: delay,
		dialer:         websocket.DefaultDialer,
	}
	a.feed.init(SourceBinance, opts)
	return a
}

// URL is the stream endpoint this adapter dials.
func (a *BinanceAdapter) URL() string { return a.url }

func (a *BinanceAdapter) Start(ctx context.Context) {
	if !a.start(ctx, a.loop) {
		a.log.Debug("start ignored, already running")
	}
}

func (a *BinanceAdapter) Stop() {
	a.stop()
	a.setDisconnected("")
}

func (a *BinanceAdapter) loop(ctx context.Context) {
	for {
		err := a.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			a.setDisconnected("websocket error: " + err.Error())
			a.log.Warn("feed disconnected", "error", err, "retry_in", a.reconnectDelay)
		} else {
			a.setDisconnected("")
			a.log.Info("feed closed by peer", "retry_in", a.reconnectDelay)
		}

		if !sleepCtx(ctx, a.reconnectDelay) {
			return
		}
		a.metrics.FeedReconnect(a.source)
	}
}

// connectAndConsume returns nil when the peer closed the socket cleanly.
func (a *BinanceAdapter) connectAndConsume(ctx context.Context) error {
	c, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// unblock ReadMessage when the adapter is stopped
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	a.setConnected()
	a.log.Info("connected", "url", a.url)

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		p, ok := parseTrade(msg)
		if !ok {
			a.dropped("parse")
			continue
		}
		a.accept(p)
	}
}

func parseTrade(msg []byte) (model.PricePoint, bool) {
	var ev tradeEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return model.PricePoint{}, false
	}
	price, err := strconv.ParseFloat(ev.P, 64)
	if err != nil || ev.T <= 0 {
		return model.PricePoint{}, false
	}
	return model.PricePoint{Price: price, Time: ev.T}, true
}
