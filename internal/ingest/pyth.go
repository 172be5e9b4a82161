package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"pricegrid/internal/model"
)

const (
	SourcePyth = "pyth"

	pythStreamingURL = "https://benchmarks.pyth.network/v1/shims/tradingview/streaming"
	maxLineSize      = 1 << 20
)

// pythRecord is one line of the streaming body.
// Example: {"id":"Crypto.BTC/USD","p":64123.5,"t":1718000000}
type pythRecord struct {
	ID string  `json:"id"`
	P  float64 `json:"p"`
	T  float64 `json:"t"` // epoch seconds
}

// PythAdapter reads a newline-delimited JSON stream over one long-lived HTTP
// request. Records for other symbols are ignored.
//
// A stream that ends or fails is retried after retryDelay. The retry counter
// resets on every successful response; after maxRetries consecutive failures
// the adapter reports a terminal error and stops.
type PythAdapter struct {
	feed
	runner

	url        string
	client     *http.Client
	retryDelay time.Duration
	maxRetries int
}

func NewPythAdapter(opts Options) *PythAdapter {
	url := opts.URL
	if url == "" {
		url = pythStreamingURL
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	a := &PythAdapter{
		url:        url,
		client:     &http.Client{}, // no timeout: the body is read for as long as the stream lives
		retryDelay: delay,
		maxRetries: retries,
	}
	a.feed.init(SourcePyth, opts)
	return a
}

func (a *PythAdapter) Start(ctx context.Context) {
	if !a.start(ctx, a.loop) {
		a.log.Debug("start ignored, already running")
	}
}

func (a *PythAdapter) Stop() {
	a.stop()
	if !a.Status().Terminal {
		a.setDisconnected("")
	}
}

func (a *PythAdapter) loop(ctx context.Context) {
	retries := 0
	for {
		// each attempt gets its own context so a new one always abandons the old
		attemptCtx, cancel := context.WithCancel(ctx)
		opened, err := a.stream(attemptCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if opened {
			retries = 0
		}

		if err != nil {
			a.setDisconnected(err.Error())
			a.log.Warn("stream failed", "error", err)
		} else {
			a.setDisconnected("")
			a.log.Info("stream ended")
		}

		if retries >= a.maxRetries {
			msg := fmt.Sprintf("failed after %d retries", a.maxRetries)
			a.setTerminal(msg)
			a.log.Error("giving up", "retries", a.maxRetries)
			return
		}
		retries++

		if !sleepCtx(ctx, a.retryDelay) {
			return
		}
		a.metrics.FeedReconnect(a.source)
	}
}

// stream runs one request. opened reports whether a 2xx response was received.
func (a *PythAdapter) stream(ctx context.Context) (opened bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	a.setConnected()
	a.log.Info("stream opened", "url", a.url)

	r := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		raw, err := readLine(r, maxLineSize)
		if errors.Is(err, errLineTooLong) {
			a.dropped("parse")
			continue
		}
		if line := strings.TrimSpace(string(raw)); line != "" {
			if p, ok := a.parseLine(line); ok {
				a.accept(p)
			}
		}
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return true, err
		}
	}
}

var errLineTooLong = errors.New("line exceeds limit")

// readLine returns the next line including its newline. A line longer than
// limit is consumed whole and reported as errLineTooLong. At the end of the body
// the unterminated tail is returned together with io.EOF.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			if err == nil {
				return nil, errLineTooLong
			}
			return nil, err
		}
		return line, err
	}
}

func (a *PythAdapter) parseLine(line string) (model.PricePoint, bool) {
	var rec pythRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		a.dropped("parse")
		return model.PricePoint{}, false
	}
	if rec.ID != a.symbol {
		return model.PricePoint{}, false
	}
	return model.PricePoint{Price: rec.P, Time: int64(math.Round(rec.T * 1000))}, true
}
