package sink

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-readings.sql
var getLatestReadingsSQL string

const historyQueueSize = 256

// History stores readings in SQLite. Callback hands readings to a writer
// goroutine so the reactor never waits on the disk.
type History struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	queue     chan Reading
	done      chan struct{}
	closeOnce sync.Once
}

// OpenHistory opens or creates the database at path. ":memory:" keeps
// the history in memory.
func OpenHistory(path string, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}

	h := &History{
		db:     db,
		logger: logger,
		now:    time.Now,
		queue:  make(chan Reading, historyQueueSize),
		done:   make(chan struct{}),
	}
	go h.writer()
	return h, nil
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Record stores one reading synchronously
func (h *History) Record(chip string, readTime, value float64) error {
	_, err := h.db.Exec(insertReadingSQL, chip, readTime, value, h.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Callback returns a ReadingFunc queueing readings of chip. Readings are
// dropped with a warning when the writer falls behind.
func (h *History) Callback(chip string) ReadingFunc {
	return func(readTime, value float64) {
		select {
		case h.queue <- Reading{Chip: chip, ReadTime: readTime, Value: value}:
		default:
			h.logger.Warn("history queue full, reading dropped", "chip", chip)
		}
	}
}

func (h *History) writer() {
	defer close(h.done)
	for r := range h.queue {
		if err := h.Record(r.Chip, r.ReadTime, r.Value); err != nil {
			h.logger.Error("record reading", "chip", r.Chip, "error", err)
		}
	}
}

// Latest returns up to limit readings of chip, newest first
func (h *History) Latest(chip string, limit int) ([]Reading, error) {
	rows, err := h.db.Query(getLatestReadingsSQL, chip, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			h.logger.Error("close readings rows", "error", err)
		}
	}()

	var out []Reading
	for rows.Next() {
		var r Reading
		var recorded string
		if err := rows.Scan(&r.Chip, &r.ReadTime, &r.Value, &recorded); err != nil {
			return nil, err
		}
		if r.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recorded, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush waits until every queued reading is written, then stops the
// writer. Callbacks must not be used afterwards.
func (h *History) Flush() {
	h.closeOnce.Do(func() { close(h.queue) })
	<-h.done
}

// Close flushes queued readings and closes the database
func (h *History) Close() error {
	h.Flush()
	return h.db.Close()
}
