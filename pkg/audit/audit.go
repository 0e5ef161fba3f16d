// Package audit keeps an append-only JSON-lines trail of administrative
// actions: schema evolutions, gene ingestion, index rebuilds and rejected
// admin logins.
//
// The schema registry already records what changed; the trail records who
// asked for it, from where, and whether it worked.
//
// Example:
//
//	trail, err := audit.NewLogger(audit.Config{Enabled: true, LogPath: "./data/audit.log"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer trail.Close()
//
//	trail.Log(audit.Event{
//		Type:       audit.EventSchemaChange,
//		ResourceID: "status",
//		Success:    true,
//	})
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/pool"
)

// EventType classifies an audit event.
type EventType string

const (
	EventLoginFailed  EventType = "LOGIN_FAILED"
	EventAccessDenied EventType = "ACCESS_DENIED"

	EventGeneIngest   EventType = "GENE_INGEST"
	EventSchemaChange EventType = "SCHEMA_CHANGE"
	EventSchemaResume EventType = "SCHEMA_RESUME"
	EventIndexRebuild EventType = "INDEX_REBUILD"
	EventSeed         EventType = "SEED"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit logger is closed")

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Resource is "gene", "attribute" or "index"
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`

	RequestID   string            `json:"request_id,omitempty"`
	RequestPath string            `json:"request_path,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	Enabled bool
	LogPath string
	// SyncWrites forces fsync after each write
	SyncWrites bool
}

// Logger appends events. All methods are safe for concurrent use, and a
// nil or disabled Logger accepts events and drops them.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool
}

// NewLogger opens (or creates) the log file in append mode.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if config.LogPath == "" {
		return nil, errors.New("audit log path required")
	}

	if err := os.MkdirAll(filepath.Dir(config.LogPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &Logger{writer: file, file: file, config: config}, nil
}

// NewLoggerWithWriter creates an enabled logger over w.
func NewLoggerWithWriter(w io.Writer) *Logger {
	return &Logger{writer: w, config: Config{Enabled: true}}
}

// Log records event. Timestamp and ID are filled in when empty.
func (l *Logger) Log(event Event) error {
	if l == nil || !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := l.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing audit log: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query filters events read back from a trail. Zero fields match everything.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	Types      []EventType
	ResourceID string
	// Limit keeps the most recent matches. 0 means no limit.
	Limit int
}

func (q Query) matches(e Event) bool {
	if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Read scans a trail and returns matching events in log order. Lines that
// do not decode are skipped and counted.
func Read(r io.Reader, q Query) (events []Event, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		if q.matches(e) {
			events = append(events, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("reading audit log: %w", err)
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[len(events)-q.Limit:]
	}
	return events, skipped, nil
}

// ReadFile is Read over the file at path.
func ReadFile(path string, q Query) ([]Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()
	return Read(f, q)
}
