package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"pricegrid/internal/engine"
	"pricegrid/internal/metrics"
	"pricegrid/internal/model"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	commandTimeout = 5 * time.Second
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the chart is served from anywhere during development
	},
}

// Controller is the session surface the transport drives.
type Controller interface {
	PlaceStake(ctx context.Context, boxKey string, amount float64) (model.Stake, bool, error)
	FinishSettle(ctx context.Context, boxKey string) (model.Stake, bool, error)
	Reset(ctx context.Context) error
	SwitchSymbol(ctx context.Context, symbol string) error
	State(ctx context.Context) (model.WalletState, error)
	History() []model.PricePoint
	Symbol() string
}

// Options configures the HTTP side of a Broadcaster.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Broadcaster fans session frames out to websocket clients and forwards their
// commands back to the session.
type Broadcaster struct {
	ctrl    Controller
	input   <-chan engine.Frame
	hub     *Hub
	server  *http.Server
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewBroadcaster(ctrl Controller, input <-chan engine.Frame, opts Options) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Broadcaster{
		ctrl:    ctrl,
		input:   input,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "broadcast"),
	}
	b.hub = newHub(b.metrics, b.log)
	b.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      b.Handler(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return b
}

// Handler routes /ws, /state, /healthz and /metrics.
func (b *Broadcaster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(b, w, r)
	})
	mux.HandleFunc("/state", b.handleState)
	mux.HandleFunc("/healthz", b.handleHealth)
	mux.Handle("/metrics", b.metrics.Handler())
	return mux
}

// Start runs the hub and serves HTTP until Shutdown. The hub stops with ctx.
func (b *Broadcaster) Start(ctx context.Context) error {
	go b.hub.run(ctx, b.input)

	b.log.Info("listening", "addr", b.server.Addr)
	if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		b.log.Error("http server error", "error", err)
		return err
	}
	return nil
}

func (b *Broadcaster) Shutdown(ctx context.Context) error {
	if err := b.server.Shutdown(ctx); err != nil {
		b.log.Error("http server shutdown error", "error", err)
		return err
	}
	b.log.Info("http server shut down")
	return nil
}

func (b *Broadcaster) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	st, err := b.ctrl.State(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (b *Broadcaster) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"symbol":  b.ctrl.Symbol(),
		"clients": b.hub.count(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ─── messages ──────────────────────────────────────────────────

type frameMessage struct {
	Type string `json:"type"`
	*engine.Frame
}

type historyMessage struct {
	Type   string             `json:"type"`
	Symbol string             `json:"symbol"`
	Points []model.PricePoint `json:"points"`
}

type request struct {
	Op     string  `json:"op"`
	BoxKey string  `json:"boxKey,omitempty"`
	Amount float64 `json:"amount,omitempty"`
	Symbol string  `json:"symbol,omitempty"`
}

type reply struct {
	Type    string             `json:"type"`
	Op      string             `json:"op"`
	OK      bool               `json:"ok"`
	Error   string             `json:"error,omitempty"`
	Created *bool              `json:"created,omitempty"`
	Stake   *model.Stake       `json:"stake,omitempty"`
	Wallet  *model.WalletState `json:"wallet,omitempty"`
}

// handle runs one client command against the session. Every reply carries the
// wallet after the command so the client never has to guess the balance.
func (b *Broadcaster) handle(ctx context.Context, req request) reply {
	rep := reply{Type: "reply", Op: req.Op}
	var err error
	switch req.Op {
	case "stake":
		var st model.Stake
		var created bool
		st, created, err = b.ctrl.PlaceStake(ctx, req.BoxKey, req.Amount)
		if err == nil {
			rep.Stake, rep.Created = &st, &created
		}
	case "finish":
		var st model.Stake
		st, _, err = b.ctrl.FinishSettle(ctx, req.BoxKey)
		if err == nil {
			rep.Stake = &st
		}
	case "reset":
		err = b.ctrl.Reset(ctx)
	case "symbol":
		if req.Symbol == "" {
			err = errors.New("symbol is required")
		} else {
			err = b.ctrl.SwitchSymbol(ctx, req.Symbol)
		}
	case "state":
	default:
		err = errors.New("unknown op " + req.Op)
	}
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.OK = true
	if w, werr := b.ctrl.State(ctx); werr == nil {
		rep.Wallet = &w
	}
	return rep
}

// ─── hub ───────────────────────────────────────────────────────

// Hub maintains active clients and broadcasts JSON frames to all.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	counter    chan chan int
	done       chan struct{}
	metrics    *metrics.Metrics
	log        *slog.Logger
}

func newHub(m *metrics.Metrics, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		counter:    make(chan chan int),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log,
	}
}

func (h *Hub) run(ctx context.Context, input <-chan engine.Frame) {
	defer func() {
		bye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		for c := range h.clients {
			c.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
			c.conn.Close()
		}
		h.metrics.ClientsChanged(0)
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.metrics.ClientsChanged(len(h.clients))
			h.log.Info("client connected", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.ClientsChanged(len(h.clients))
				h.log.Info("client disconnected", "clients", len(h.clients))
			}
		case ch := <-h.counter:
			ch <- len(h.clients)
		case frame, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			// Serialize once per frame.
			msg, err := json.Marshal(frameMessage{Type: "frame", Frame: &frame})
			if err != nil {
				h.log.Error("encode frame", "error", err)
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client: drop this frame, the next one carries full state.
				}
			}
		}
	}
}

func (h *Hub) count(ctx context.Context) int {
	ch := make(chan int, 1)
	select {
	case h.counter <- ch:
		return <-ch
	case <-h.done:
		return 0
	case <-ctx.Done():
		return -1
	}
}

// ─── client ────────────────────────────────────────────────────

// Client is one websocket connection. Frames go through send and may be
// dropped; command replies go through replies and never are.
type Client struct {
	b       *Broadcaster
	conn    *websocket.Conn
	send    chan []byte
	replies chan []byte
	gone    chan struct{} // closed when writePump exits
}

func newClient(b *Broadcaster, conn *websocket.Conn) *Client {
	return &Client{
		b:       b,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		replies: make(chan []byte),
		gone:    make(chan struct{}),
	}
}

// serveWs sends the buffered history before registering the client for live
// frames, so a new chart starts with its line already drawn.
func serveWs(b *Broadcaster, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("upgrade failed", "error", err)
		return
	}
	client := newClient(b, conn)

	history, err := json.Marshal(historyMessage{
		Type:   "history",
		Symbol: b.ctrl.Symbol(),
		Points: b.ctrl.History(),
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, history)
	}
	if err != nil {
		b.log.Warn("history send failed", "error", err)
		conn.Close()
		return
	}

	select {
	case b.hub.register <- client:
	case <-b.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.b.hub.unregister <- c:
		case <-c.b.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.b.log.Debug("client read error", "error", err)
			}
			return
		}

		var rep reply
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			rep = reply{Type: "reply", Error: "malformed command"}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			rep = c.b.handle(ctx, req)
			cancel()
		}
		msg, err := json.Marshal(rep)
		if err != nil {
			continue
		}
		if !c.deliver(msg) {
			return
		}
	}
}

// deliver hands a reply to writePump, waiting behind queued frames if needed.
// It reports false once the writer is gone.
func (c *Client) deliver(msg []byte) bool {
	select {
	case c.replies <- msg:
		return true
	case <-c.gone:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.gone)
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
