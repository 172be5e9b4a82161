package state

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pricegrid/internal/model"
)

// LoadFromCSV reads the newest price tape file for symbol and returns up to
// limit points (most recent last). Used on restart when the buffer is empty.
//
// Tape layout: <dir>/<symbol>/YYYY-MM-DD.csv with header
//
//	timestamp,symbol,price
//
// Rows that do not parse are skipped. A missing directory is not an error.
func LoadFromCSV(dir, symbol string, limit int, log *slog.Logger) ([]model.PricePoint, error) {
	if log == nil {
		log = slog.Default()
	}
	if limit <= 0 {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, symbol, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		log.Debug("no tape files", "dir", dir, "symbol", symbol)
		return nil, nil
	}

	// YYYY-MM-DD sorts chronologically; newest is last
	sort.Strings(files)
	latest := files[len(files)-1]

	f, err := os.Open(latest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	tsCol, okTS := idx["timestamp"]
	priceCol, okPrice := idx["price"]
	if !okTS || !okPrice {
		log.Warn("tape header missing columns", "file", latest, "header", header)
		return nil, nil
	}

	// keep only the tail: a ring of size limit
	ring := NewPriceBuffer(limit)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if tsCol >= len(row) || priceCol >= len(row) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(row[tsCol]), 10, 64)
		if err != nil || ts <= 0 {
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(row[priceCol]), 64)
		if err != nil {
			continue
		}
		ring.AddPoint(price, ts)
	}

	points := ring.Points()
	log.Info("loaded price tape", "file", latest, "points", len(points))
	return points, nil
}
