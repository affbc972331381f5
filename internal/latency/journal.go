package latency

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
)

// Journal persists latency records across restarts.
type Journal interface {
	// Load returns persisted records in recording order.
	Load(ctx context.Context) ([]*domain.LatencyRecord, error)
	// Enqueue buffers a record for the next flush.
	Enqueue(r *domain.LatencyRecord)
	// Flush writes buffered records. Concurrent calls share one write.
	Flush(ctx context.Context) error
}

// FileJournal keeps the latest maxEntries records in a JSON lines file.
// Enqueue arms a one-shot timer so bursts collapse into a single write.
type FileJournal struct {
	path          string
	maxEntries    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	records []*domain.LatencyRecord
	pending bool
	timer   *time.Timer
	closed  bool

	flights singleflight.Group
}

// NewFileJournal creates a journal at path.
func NewFileJournal(path string, maxEntries int, flushInterval time.Duration, logger *slog.Logger) *FileJournal {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &FileJournal{
		path:          path,
		maxEntries:    maxEntries,
		flushInterval: flushInterval,
		logger:        logging.Component(logger, "latency-journal"),
	}
}

var _ Journal = (*FileJournal)(nil)

// Load reads the file, skipping malformed lines. A missing file yields no records.
func (j *FileJournal) Load(_ context.Context) ([]*domain.LatencyRecord, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latency journal: read %q: %w", j.path, err)
	}

	var loaded []*domain.LatencyRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r domain.LatencyRecord
		if err := json.Unmarshal(line, &r); err != nil {
			j.logger.Debug("skipping malformed latency line", "error", err)
			continue
		}
		loaded = append(loaded, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("latency journal: scan %q: %w", j.path, err)
	}
	if over := len(loaded) - j.maxEntries; over > 0 {
		loaded = loaded[over:]
	}

	j.mu.Lock()
	j.records = append([]*domain.LatencyRecord(nil), loaded...)
	j.mu.Unlock()

	return loaded, nil
}

// Enqueue appends a record and schedules a flush.
func (j *FileJournal) Enqueue(r *domain.LatencyRecord) {
	if r == nil {
		return
	}
	cp := *r

	j.mu.Lock()
	defer j.mu.Unlock()

	j.records = append(j.records, &cp)
	if over := len(j.records) - j.maxEntries; over > 0 {
		j.records = j.records[over:]
	}
	j.pending = true

	if j.timer == nil && !j.closed {
		j.timer = time.AfterFunc(j.flushInterval, func() {
			j.mu.Lock()
			j.timer = nil
			j.mu.Unlock()
			if err := j.Flush(context.Background()); err != nil {
				j.logger.Warn("latency journal flush failed", "error", err)
			}
		})
	}
}

// Flush rewrites the file when records changed since the last write.
func (j *FileJournal) Flush(_ context.Context) error {
	_, err, _ := j.flights.Do("flush", func() (any, error) {
		j.mu.Lock()
		if !j.pending {
			j.mu.Unlock()
			return nil, nil
		}
		snapshot := append([]*domain.LatencyRecord(nil), j.records...)
		j.pending = false
		j.mu.Unlock()

		if err := j.persist(snapshot); err != nil {
			j.mu.Lock()
			j.pending = true
			j.mu.Unlock()
			return nil, err
		}
		return nil, nil
	})
	return err
}

// Close stops the pending timer and writes outstanding records.
func (j *FileJournal) Close(ctx context.Context) error {
	j.mu.Lock()
	j.closed = true
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.mu.Unlock()
	return j.Flush(ctx)
}

func (j *FileJournal) persist(records []*domain.LatencyRecord) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("latency journal: create dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("latency journal: encode: %w", err)
		}
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("latency journal: write: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("latency journal: rename: %w", err)
	}
	return nil
}
