package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Journal appends every published event to <dir>/<date>/events.jsonl,
// switching directory at UTC midnight and rotating by size within a day.
type Journal struct {
	dir       string
	maxSizeMB int
	now       func() time.Time

	broker *Broker
	subID  int64
	events <-chan Event
	done   chan struct{}

	mu      sync.Mutex
	date    string
	logger  *lumberjack.Logger
	written int64
}

// NewJournal subscribes to broker and starts writing.
func NewJournal(broker *Broker, dir string, maxSizeMB int) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	j := &Journal{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		broker:    broker,
		done:      make(chan struct{}),
	}
	j.subID, j.events = broker.Subscribe()
	go j.loop()
	return j, nil
}

func (j *Journal) loop() {
	defer close(j.done)
	for evt := range j.events {
		j.write(evt)
	}
}

func (j *Journal) write(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("journal encode failed", "type", evt.Type, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	date := j.now().UTC().Format("2006-01-02")
	if j.logger == nil || date != j.date {
		if err := j.rotate(date); err != nil {
			slog.Error("journal rotate failed", "date", date, "error", err)
			return
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "type", evt.Type, "error", err)
		return
	}
	j.written++
}

func (j *Journal) rotate(date string) error {
	if j.logger != nil {
		if err := j.logger.Close(); err != nil {
			slog.Debug("journal close failed", "date", j.date, "error", err)
		}
	}
	dir := filepath.Join(j.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	j.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "events.jsonl"),
		MaxSize:    j.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	j.date = date
	slog.Info("opened event journal", "file", j.logger.Filename)
	return nil
}

// Written returns the number of events persisted.
func (j *Journal) Written() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

// Close unsubscribes, drains buffered events and closes the file.
func (j *Journal) Close() error {
	j.broker.Unsubscribe(j.subID)
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger != nil {
		return j.logger.Close()
	}
	return nil
}
