// Package journal persists the JSON files the dashboard reads: the
// activity feed, the closed trade history and the per-pair counters.
// Every write here is best effort. Trading never stops because a
// journal file could not be written; failures are logged and dropped.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry levels as they appear in the activity feed.
const (
	LevelDebug  = "DEBUG"
	LevelInfo   = "INFO"
	LevelWarn   = "WARN"
	LevelError  = "ERROR"
	LevelTrade  = "TRADE"
	LevelSignal = "SIGNAL"
	LevelClose  = "CLOSE"
)

// Activity is one line of the dashboard feed.
type Activity struct {
	Time          string `json:"time"`
	Date          string `json:"date"`
	Message       string `json:"message"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
}

// ActivityLog keeps the newest entries first, capped, mirrored to a
// JSON file and to the structured log.
type ActivityLog struct {
	path    string
	cap     int
	entries []Activity
	logger  *zap.Logger
	now     func() time.Time
}

func NewActivityLog(path string, capacity int, logger *zap.Logger) *ActivityLog {
	a := &ActivityLog{
		path:   path,
		cap:    capacity,
		logger: logger,
		now:    time.Now,
	}
	a.restore()
	return a
}

// restore reloads the previous feed so a restart does not wipe it.
func (a *ActivityLog) restore() {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return
	}
	var entries []Activity
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	if len(entries) > a.cap {
		entries = entries[:a.cap]
	}
	a.entries = entries
}

// Record prepends a feed entry and flushes the file.
func (a *ActivityLog) Record(level, message string) {
	now := a.now()
	entry := Activity{
		Time:          now.Format("15:04:05"),
		Date:          now.Format("2006-01-02"),
		Message:       message,
		Type:          level,
		CorrelationID: uuid.NewString(),
	}

	a.entries = append([]Activity{entry}, a.entries...)
	if len(a.entries) > a.cap {
		a.entries = a.entries[:a.cap]
	}

	switch level {
	case LevelError:
		a.logger.Error(message)
	case LevelWarn:
		a.logger.Warn(message)
	case LevelDebug:
		a.logger.Debug(message)
	default:
		a.logger.Info(message, zap.String("kind", level))
	}

	a.flush()
}

func (a *ActivityLog) flush() {
	if err := writeJSON(a.path, a.entries); err != nil {
		a.logger.Warn("activity feed write failed", zap.String("path", a.path), zap.Error(err))
	}
}

// Entries returns a copy of the current feed, newest first.
func (a *ActivityLog) Entries() []Activity {
	out := make([]Activity, len(a.entries))
	copy(out, a.entries)
	return out
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
