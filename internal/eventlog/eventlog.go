// Package eventlog persists a JSON-lines history of session notifications
// (connected, disconnected, new_mail) to disk, rotating on request and
// sweeping files past a retention window. It holds no mailbox or pulse
// state — only notification history, which is safe to lose or truncate.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is one line written to the current log file.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Data      string    `json:"data,omitempty"`
}

// Writer appends notification records to a rotating, retention-swept
// JSON-lines file. It satisfies moonlight.NotificationSink.
type Writer struct {
	basePath      string
	retentionDays int

	mu           sync.Mutex
	file         *os.File
	lastRotation time.Time
}

func NewWriter(basePath string, retentionDays int) *Writer {
	return &Writer{
		basePath:      basePath,
		retentionDays: retentionDays,
	}
}

// Notify implements moonlight.NotificationSink. Write failures are logged,
// not returned — a broken event log must never stall the session engine.
func (w *Writer) Notify(event, data string) {
	if err := w.Append(event, data); err != nil {
		log.WithError(err).Warn("eventlog: append failed")
	}
}

// Append writes one JSON-lines record, creating the log file on first use.
func (w *Writer) Append(event, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrCreateFile()
	if err != nil {
		return err
	}

	line, err := json.Marshal(Record{Timestamp: time.Now(), Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("eventlog: marshal record: %w", err)
	}
	line = append(line, '\n')

	_, err = f.Write(line)
	return err
}

// CanRotate reports whether at least 2 minutes have passed since the last
// Rotate. Rotate itself does not check this cooldown.
func (w *Writer) CanRotate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastRotation) >= 2*time.Minute
}

// Rotate closes the current file and starts a fresh one, returning the
// new file's name.
func (w *Writer) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	w.lastRotation = time.Now()

	symlinkPath := filepath.Join(w.basePath, "current.log")
	os.Remove(symlinkPath)

	f, name, err := w.openNewFile()
	if err != nil {
		return "", err
	}
	w.file = f
	log.Infof("eventlog: rotated to %s", name)
	return name, nil
}

func (w *Writer) getOrCreateFile() (*os.File, error) {
	if w.file != nil {
		return w.file, nil
	}

	if err := os.MkdirAll(w.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create directory: %w", err)
	}

	symlinkPath := filepath.Join(w.basePath, "current.log")
	if target, err := os.Readlink(symlinkPath); err == nil {
		existing := filepath.Join(w.basePath, target)
		if f, err := os.OpenFile(existing, os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w.file = f
			return f, nil
		}
	}

	f, _, err := w.openNewFile()
	if err != nil {
		return nil, err
	}
	w.file = f
	return f, nil
}

func (w *Writer) openNewFile() (*os.File, string, error) {
	if err := os.MkdirAll(w.basePath, 0o755); err != nil {
		return nil, "", fmt.Errorf("eventlog: create directory: %w", err)
	}

	name := time.Now().Format("2006-01-02_15-04-05") + ".jsonl"
	path := filepath.Join(w.basePath, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("eventlog: create file: %w", err)
	}

	symlinkPath := filepath.Join(w.basePath, "current.log")
	os.Remove(symlinkPath)
	os.Symlink(name, symlinkPath)

	return f, name, nil
}

// ListLogs returns rotated file names, newest first.
func (w *Writer) ListLogs() ([]string, error) {
	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	type entry struct {
		name    string
		modTime time.Time
	}
	var logs []entry
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, entry{e.Name(), info.ModTime()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime.After(logs[j].modTime) })

	names := make([]string, len(logs))
	for i, l := range logs {
		names[i] = l.name
	}
	return names, nil
}

// Cleanup removes rotated files older than the configured retention
// window. RetentionDays <= 0 disables sweeping entirely.
func (w *Writer) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(w.basePath, e.Name())
			os.Remove(path)
			log.Infof("eventlog: cleaned up old log %s", path)
		}
	}
}

func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}
