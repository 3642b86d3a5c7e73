// Package logging provides the JSONL file logger for the PTY wrapper.
//
// Log lines go to <base>/.tmp/logs/hcom.log with the schema shared by every
// hcom component: {ts, level, subsystem, event, instance, msg}. Nothing is
// ever written to stderr - the wrapper shares the terminal with the wrapped
// tool and stray output would corrupt it.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hcom-sh/hcom-native/internal/config"
)

// lineFormatter emits the hcom JSONL schema: ISO-8601 UTC timestamps to
// seconds, uppercase level, subsystem/event/instance pulled from fields.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	line := struct {
		TS        string `json:"ts"`
		Level     string `json:"level"`
		Subsystem string `json:"subsystem"`
		Event     string `json:"event"`
		Instance  string `json:"instance"`
		Msg       string `json:"msg"`
	}{
		TS:        e.Time.UTC().Format("2006-01-02T15:04:05Z"),
		Level:     levelName(e.Level),
		Subsystem: fieldString(e, "subsystem"),
		Event:     fieldString(e, "event"),
		Instance:  fieldString(e, "instance"),
		Msg:       e.Message,
	}

	b, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log line: %w", err)
	}
	return append(b, '\n'), nil
}

func levelName(l logrus.Level) string {
	if l == logrus.WarnLevel {
		return "WARN"
	}
	return strings.ToUpper(l.String())
}

func fieldString(e *logrus.Entry, key string) string {
	if v, ok := e.Data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// New returns the wrapper's logger, appending to the shared hcom log file.
// If the file cannot be opened the logger discards output rather than
// falling back to stderr.
func New(cfg *config.Config) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(lineFormatter{})
	log.SetLevel(logrus.InfoLevel)
	log.SetOutput(openLogFile(cfg.LogPath()))

	return log.WithField("instance", cfg.InstanceName)
}

func openLogFile(path string) io.Writer {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return io.Discard
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return io.Discard
	}
	return f
}

// Sub returns a child logger tagged with a subsystem and event. Callers log
// through the result so every line carries the full schema.
func Sub(log *logrus.Entry, subsystem, event string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"subsystem": subsystem, "event": event})
}
