// Package eventlog records metering session events in a JSON lines file.
// Every process run gets its own session ID so runs can be told apart.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_started"
	StateChanged   EventType = "state_changed"
	SessionFailed  EventType = "session_failed"
	SessionEnded   EventType = "session_ended"
)

// Settings event types.
const (
	SettingsChanged EventType = "settings_changed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SessionDetails contains connection and stream details.
type SessionDetails struct {
	Device     string `json:"device,omitempty"`
	Sink       bool   `json:"sink,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Error      string `json:"error,omitempty"`
	UptimeSecs int64  `json:"uptime_secs,omitempty"`
}

// SettingsDetails contains a changed display setting.
type SettingsDetails struct {
	Setting string `json:"setting"`
	Value   string `json:"value"`
	Client  string `json:"client,omitempty"`
}

// Logger writes events to a JSON lines file. It is safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	filePath  string
	sessionID string
	file      *os.File
	encoder   *json.Encoder
}

// NewLogger creates a new event logger appending to filePath.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath:  filePath,
		sessionID: uuid.NewString(),
		file:      file,
		encoder:   json.NewEncoder(file),
	}, nil
}

// SessionID returns the ID stamped on every event of this logger.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return os.ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.SessionID = l.sessionID

	return l.encoder.Encode(event)
}

// LogSession logs a session event.
func (l *Logger) LogSession(eventType EventType, message string, details SessionDetails) error {
	return l.Log(&Event{
		Type:    eventType,
		Message: message,
		Details: &details,
	})
}

// LogSettings logs a display setting changed from the web page.
func (l *Logger) LogSettings(setting, value, client string) error {
	return l.Log(&Event{
		Type: SettingsChanged,
		Details: &SettingsDetails{
			Setting: setting,
			Value:   value,
			Client:  client,
		},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll      TypeFilter = ""
	FilterSession  TypeFilter = "session"
	FilterSettings TypeFilter = "settings"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// It returns up to n events starting from offset, newest first, and whether
// older matching events remain.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

func (f TypeFilter) matches(t EventType) bool {
	switch f {
	case FilterSession:
		return IsSessionEvent(t)
	case FilterSettings:
		return t == SettingsChanged
	default:
		return true
	}
}

// IsSessionEvent reports whether the event type describes the metering session.
func IsSessionEvent(t EventType) bool {
	return t == SessionStarted || t == StateChanged || t == SessionFailed || t == SessionEnded
}
