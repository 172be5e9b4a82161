package logger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pricegrid/internal/model"
)

// =============================================================================
// ASYNC PRICE TAPE
// =============================================================================
//
//   bus subscriber -> Tape goroutine -> <dir>/<symbol>/YYYY-MM-DD.csv
//
//   * the session never blocks on disk: ticks arrive over a buffered channel
//   * writes go through a 1MB bufio.Writer flushed every second
//   * one append-only file per symbol per UTC day; header on new files
//
// CSV schema: timestamp,symbol,price
// =============================================================================

const (
	chanSize    = 4096
	bufSize     = 1 << 20
	flushPeriod = 1 * time.Second

	header = "timestamp,symbol,price"
)

// Tape appends accepted ticks to daily CSV files.
type Tape struct {
	dir  string
	ch   chan model.Tick
	log  *slog.Logger
	done chan struct{}
	once sync.Once
}

// NewTape creates the tape and starts its writer goroutine.
func NewTape(dir string, log *slog.Logger) *Tape {
	if log == nil {
		log = slog.Default()
	}
	t := &Tape{
		dir:  dir,
		ch:   make(chan model.Tick, chanSize),
		log:  log.With("component", "tape"),
		done: make(chan struct{}),
	}
	go t.run(t.ch)
	return t
}

// Consume copies ticks from in until it is closed. Blocking; run it in a goroutine.
func (t *Tape) Consume(in <-chan model.Tick) {
	for tick := range in {
		t.Log(tick)
	}
}

// Log is a non-blocking send. The tick is dropped if the writer is backed up.
// Must not be called after Close.
func (t *Tape) Log(tick model.Tick) {
	select {
	case t.ch <- tick:
	default:
	}
}

// Close flushes pending rows and closes the open file.
func (t *Tape) Close() {
	t.once.Do(func() {
		close(t.ch)
		<-t.done
	})
}

type tapeFile struct {
	day    string
	file   *os.File
	writer *bufio.Writer
}

func (f *tapeFile) close() {
	if f.file == nil {
		return
	}
	f.writer.Flush()
	f.file.Close()
	f.file = nil
}

func (t *Tape) run(ch <-chan model.Tick) {
	defer close(t.done)

	files := make(map[string]*tapeFile)
	defer func() {
		for _, f := range files {
			f.close()
		}
	}()

	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	open := func(symbol, day string) *tapeFile {
		f := files[symbol]
		if f == nil {
			f = &tapeFile{}
			files[symbol] = f
		}
		f.close()

		dir := filepath.Join(t.dir, symbol)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.log.Error("create tape dir", "dir", dir, "error", err)
			return f
		}
		path := filepath.Join(dir, day+".csv")
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			t.log.Error("open tape file", "path", path, "error", err)
			return f
		}
		f.file = file
		f.writer = bufio.NewWriterSize(file, bufSize)
		f.day = day

		if info, _ := file.Stat(); info != nil && info.Size() == 0 {
			fmt.Fprintln(f.writer, header)
		}
		t.log.Info("writing tape", "path", path)
		return f
	}

	for {
		select {
		case tick, ok := <-ch:
			if !ok {
				return
			}
			day := time.UnixMilli(tick.Point.Time).UTC().Format("2006-01-02")
			f := files[tick.Symbol]
			if f == nil || f.day != day {
				f = open(tick.Symbol, day)
			}
			if f.file == nil {
				continue
			}
			f.writer.WriteString(strconv.FormatInt(tick.Point.Time, 10))
			f.writer.WriteByte(',')
			f.writer.WriteString(tick.Symbol)
			f.writer.WriteByte(',')
			f.writer.WriteString(strconv.FormatFloat(tick.Point.Price, 'f', -1, 64))
			f.writer.WriteByte('\n')

		case <-ticker.C:
			for _, f := range files {
				if f.file != nil {
					f.writer.Flush()
				}
			}
		}
	}
}
